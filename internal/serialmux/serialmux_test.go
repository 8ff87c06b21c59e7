package serialmux

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestMux(t *testing.T) (*SerialMux, *FakeDevice) {
	t.Helper()
	dev := NewFakeDevice()
	mux := NewSerialMux(NewLink(dev.Opener(), LinkOptions{ReadPoll: 5 * time.Millisecond}))
	t.Cleanup(func() { mux.Close() })
	return mux, dev
}

type recordingObserver struct {
	mu        sync.Mutex
	exchanges []Exchange
}

func (r *recordingObserver) ObserveExchange(e Exchange) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.exchanges = append(r.exchanges, e)
}

func (r *recordingObserver) all() []Exchange {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Exchange(nil), r.exchanges...)
}

func TestSend_PingIgnoresBanner(t *testing.T) {
	mux, dev := newTestMux(t)
	dev.Respond = func(line string) []string {
		if line == "PING" {
			return []string{"OK READY", "OK PONG"}
		}
		return nil
	}

	reply, err := mux.Send(context.Background(), Command{Line: "PING"})
	require.NoError(t, err)
	assert.Equal(t, "OK PONG", reply)
	assert.Equal(t, []string{"PING"}, dev.Written())
}

func TestSend_RepliesAttributedInSendOrder(t *testing.T) {
	mux, dev := newTestMux(t)
	dev.Respond = func(line string) []string {
		// firmware chatter around every genuine reply
		return append([]string{"OK PINS A=5", "OK SERVO_PWR?"}, append(FirmwareReply(line), "OK START")...)
	}

	lines := []string{"SetAEngine 100", "SetBEngine -100", "SetServo 1 45", "PING", "SetServo 2 120", "ServoPwr EXTERNAL"}
	want := []string{"OK SetAEngine 100", "OK SetBEngine -100", "OK SetServo 1 45", "OK PONG", "OK SetServo 2 120", "OK SERVO_PWR EXTERNAL"}

	var got []string
	for _, l := range lines {
		reply, err := mux.Send(context.Background(), Command{Line: l})
		require.NoError(t, err, "sending %q", l)
		got = append(got, reply)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("replies mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(lines, dev.Written()); diff != "" {
		t.Errorf("wire order mismatch (-want +got):\n%s", diff)
	}
}

func TestSend_ConcurrentCallersNeverInterleave(t *testing.T) {
	mux, dev := newTestMux(t)

	var wg sync.WaitGroup
	errs := make(chan error, 16)
	for i := 1; i <= 16; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			line := fmt.Sprintf("SetServo %d %d", id, id*10)
			reply, err := mux.Send(context.Background(), Command{Line: line})
			if err != nil {
				errs <- err
				return
			}
			if want := fmt.Sprintf("OK SetServo %d %d", id, id*10); reply != want {
				errs <- fmt.Errorf("reply %q attributed to %q", reply, line)
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
	assert.Len(t, dev.Written(), 16)
}

func TestSend_ErrReplyIsProtocolErrorAndResetsLink(t *testing.T) {
	mux, dev := newTestMux(t)

	_, err := mux.Send(context.Background(), Command{Line: "SetAEngine 999"})
	var pe *ProtocolError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "SetAEngine 999", pe.Sent)
	assert.Equal(t, "ERR BadSpeed", pe.Reply)
	assert.True(t, dev.Closed(), "link should be closed after a fault")
	assert.False(t, mux.Connected())

	reply, err := mux.Send(context.Background(), Command{Line: "PING"})
	require.NoError(t, err)
	assert.Equal(t, "OK PONG", reply)
	assert.Equal(t, 2, dev.Opens())
}

func TestSend_TimeoutCarriesEvidence(t *testing.T) {
	mux, dev := newTestMux(t)
	dev.Respond = func(line string) []string {
		out := []string{"OK READY"}
		for i := 0; i < 12; i++ {
			out = append(out, fmt.Sprintf("noise %d", i))
		}
		return out
	}

	start := time.Now()
	_, err := mux.Send(context.Background(), Command{Line: "PING", MaxWait: 150 * time.Millisecond})
	var te *TimeoutError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, "PING", te.Sent)
	assert.Equal(t, []string{"OK PONG"}, te.Expected)
	assert.Len(t, te.Seen, 10)
	assert.Equal(t, "noise 0", te.Seen[0])
	assert.Equal(t, 2, te.More)
	assert.True(t, te.Timeout())
	assert.Less(t, time.Since(start), time.Second)
	assert.True(t, dev.Closed())
}

func TestSend_SilentDeviceTimesOut(t *testing.T) {
	mux, dev := newTestMux(t)
	dev.Respond = func(string) []string { return nil }

	_, err := mux.Send(context.Background(), Command{Line: "TELEM", MaxWait: 60 * time.Millisecond})
	var te *TimeoutError
	require.ErrorAs(t, err, &te)
	assert.Empty(t, te.Seen)
	assert.Contains(t, te.Error(), `sent="TELEM"`)
}

func TestSend_EmptyCommandTouchesNothing(t *testing.T) {
	mux, dev := newTestMux(t)

	_, err := mux.Send(context.Background(), Command{Line: " \t\x01 "})
	assert.ErrorIs(t, err, ErrEmptyCommand)
	assert.Equal(t, 0, dev.Opens())
	assert.Empty(t, dev.Written())
}

func TestSend_ExplicitExpectIsCaseInsensitive(t *testing.T) {
	mux, dev := newTestMux(t)
	dev.Respond = func(string) []string { return []string{"ok caps {}"} }

	reply, err := mux.Send(context.Background(), Command{Line: "CAPS", Expect: []string{"ok caps"}})
	require.NoError(t, err)
	assert.Equal(t, "ok caps {}", reply)
}

func TestSend_PreDrainDiscardsStaleLines(t *testing.T) {
	mux, dev := newTestMux(t)
	require.NoError(t, mux.link.Connect())
	dev.Inject("OK SETAENGINE 1")

	reply, err := mux.Send(context.Background(), Command{Line: "SetAEngine 50", PreDrain: 40 * time.Millisecond})
	require.NoError(t, err)
	assert.Equal(t, "OK SetAEngine 50", reply)
}

func TestSend_CancelledContext(t *testing.T) {
	mux, dev := newTestMux(t)
	dev.Respond = func(string) []string { return nil }
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)

	_, err := mux.Send(ctx, Command{Line: "PING", MaxWait: 5 * time.Second})
	assert.ErrorIs(t, err, context.Canceled)
	assert.True(t, dev.Closed())
}

func TestSend_WriteFailureIsConnectionError(t *testing.T) {
	mux, dev := newTestMux(t)
	require.NoError(t, mux.link.Connect())
	dev.mu.Lock()
	dev.WriteError = errors.New("broken pipe")
	dev.mu.Unlock()

	_, err := mux.Send(context.Background(), Command{Line: "PING"})
	var ce *ConnectionError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "write", ce.Op)
}

func TestSendBatch_PreservesOrder(t *testing.T) {
	mux, dev := newTestMux(t)
	obs := &recordingObserver{}
	mux.AddObserver(obs)

	replies, err := mux.SendBatch(context.Background(),
		Command{Line: "SetAEngine 100"},
		Command{Line: "SetBEngine -100"},
	)
	require.NoError(t, err)
	assert.Equal(t, []string{"OK SetAEngine 100", "OK SetBEngine -100"}, replies)
	assert.Equal(t, []string{"SetAEngine 100", "SetBEngine -100"}, dev.Written())

	got := obs.all()
	require.Len(t, got, 2)
	assert.Equal(t, "SetAEngine 100", got[0].Line)
	assert.Equal(t, "SetBEngine -100", got[1].Line)
}

func TestSendBatch_AbortsOnFirstFailure(t *testing.T) {
	mux, dev := newTestMux(t)

	_, err := mux.SendBatch(context.Background(),
		Command{Line: "SetServo 1 90"},
		Command{Line: "SetServo 2 400"},
		Command{Line: "SetServo 3 90"},
	)
	var be *BatchError
	require.ErrorAs(t, err, &be)
	assert.Equal(t, 1, be.Index)
	assert.Equal(t, []string{"OK SetServo 1 90"}, be.Replies)
	var pe *ProtocolError
	assert.ErrorAs(t, err, &pe)
	assert.Equal(t, []string{"SetServo 1 90", "SetServo 2 400"}, dev.Written())
	assert.True(t, dev.Closed())
}

func TestObservers_SeeFailuresAndQuietFlag(t *testing.T) {
	mux, _ := newTestMux(t)
	obs := &recordingObserver{}
	mux.AddObserver(obs)
	var nested string
	mux.AddObserver(ObserverFunc(func(e Exchange) {
		// observers run after the lock is released, so sending from one must not deadlock
		if e.Line == "SetAEngine 0" {
			nested, _ = mux.Send(context.Background(), Command{Line: "PING"})
		}
	}))

	_, err := mux.Send(context.Background(), Command{Line: "SetAEngine 0", Quiet: true})
	require.NoError(t, err)
	_, err = mux.Send(context.Background(), Command{Line: "Bogus"})
	require.Error(t, err)

	assert.Equal(t, "OK PONG", nested)
	got := obs.all()
	require.Len(t, got, 3)
	assert.True(t, got[0].Quiet)
	assert.NoError(t, got[0].Err)
	assert.Equal(t, "OK SetAEngine 0", got[0].Reply)
	assert.False(t, got[0].Start.IsZero())
	var failed *Exchange
	for i := range got {
		if got[i].Line == "Bogus" {
			failed = &got[i]
		}
	}
	require.NotNil(t, failed)
	assert.Error(t, failed.Err)
}

func TestSubscribe_TapSeesTrafficInBothDirections(t *testing.T) {
	mux, _ := newTestMux(t)
	id, ch := mux.Subscribe()
	defer mux.Unsubscribe(id)

	_, err := mux.Send(context.Background(), Command{Line: "PING"})
	require.NoError(t, err)

	var got []string
	for len(got) < 2 {
		select {
		case l := <-ch:
			got = append(got, l)
		case <-time.After(time.Second):
			t.Fatalf("tap only delivered %q", got)
		}
	}
	assert.Equal(t, []string{"TX PING", "RX OK PONG"}, got)
}

func TestDrain_ReturnsUnsolicitedLines(t *testing.T) {
	mux, dev := newTestMux(t)
	require.NoError(t, mux.link.Connect())
	dev.Inject("OK READY", "OK PINS A=5", "hello")

	lines, err := mux.Drain(context.Background(), 60*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, []string{"OK READY", "OK PINS A=5", "hello"}, lines)
}

func TestClose_RejectsLaterExchangesAndClosesSubscribers(t *testing.T) {
	mux, dev := newTestMux(t)
	_, ch := mux.Subscribe()
	_, err := mux.Send(context.Background(), Command{Line: "PING"})
	require.NoError(t, err)

	require.NoError(t, mux.Close())
	require.NoError(t, mux.Close())
	assert.True(t, dev.Closed())

	for range ch {
		// drain buffered tap lines until the channel closes
	}
	_, err = mux.Send(context.Background(), Command{Line: "PING"})
	assert.ErrorIs(t, err, ErrClosed)

	_, late := mux.Subscribe()
	_, ok := <-late
	assert.False(t, ok)
}

func TestFirmwareReply(t *testing.T) {
	tests := []struct {
		line string
		want string
	}{
		{"PING", "OK PONG"},
		{"SetAEngine -255", "OK SetAEngine -255"},
		{"SetAEngine 256", "ERR BadSpeed"},
		{"SetServo 3 180", "OK SetServo 3 180"},
		{"SetServo 3 181", "ERR BadServo"},
		{"ServoPwr external", "OK SERVO_PWR EXTERNAL"},
		{"EStop RESET", "OK ESTOP RESET"},
		{"FWVER", "OK FWVER " + FakeFirmwareVersion},
		{"nope", "ERR UnknownCommand"},
	}
	for _, tc := range tests {
		got := FirmwareReply(tc.line)
		if len(got) != 1 || got[0] != tc.want {
			t.Errorf("FirmwareReply(%q) = %q, want %q", tc.line, got, tc.want)
		}
	}
	caps := FirmwareReply("CAPS")
	require.Len(t, caps, 1)
	assert.True(t, strings.HasPrefix(caps[0], `OK CAPS {"commands":["PING",`))
}
