// Serialmux owns the single serial link to the actuator controller. Every
// caller shares one exclusive exchange lock, replies are matched line by line
// to the command awaiting them, and any fault resets the link so the next
// exchange starts from clean framing.
package serialmux

import (
	"context"
	crand "crypto/rand"
	"encoding/hex"
	"errors"
	"net/http"
	"sync"
	"time"

	"go.uber.org/atomic"
	"golang.org/x/sync/semaphore"

	"github.com/banshee-data/motorbridge/internal/monitoring"
)

const (
	// DefaultMaxWait bounds a single exchange when Command.MaxWait is unset.
	DefaultMaxWait = 2500 * time.Millisecond

	replyPoll     = 400 * time.Millisecond
	maxReplyLines = 80
	drainPoll     = 100 * time.Millisecond
	maxDrainLines = 200
)

// ErrClosed is returned once the mux has been closed.
var ErrClosed = errors.New("serial mux closed")

func logf(format string, v ...any) {
	monitoring.Logf(format, v...)
}

// Command is one request line and how to recognise its reply.
type Command struct {
	Line string
	// Expect lists reply prefixes. Empty means infer from the verb.
	Expect   []string
	MaxWait  time.Duration
	PreDrain time.Duration
	// Quiet exchanges are issued by background safety actions and are not
	// counted as actuator activity.
	Quiet bool
}

// Exchange describes one completed command, successful or not.
type Exchange struct {
	Line     string
	Reply    string
	Err      error
	Start    time.Time
	Duration time.Duration
	Quiet    bool
}

// Observer receives every completed exchange after the link lock is released.
type Observer interface {
	ObserveExchange(Exchange)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(Exchange)

func (f ObserverFunc) ObserveExchange(e Exchange) { f(e) }

// SerialMuxInterface is what the rest of the bridge needs from the link.
type SerialMuxInterface interface {
	// Send performs one command/reply exchange.
	Send(ctx context.Context, cmd Command) (string, error)
	// SendBatch performs the commands in order without releasing the link in
	// between.
	SendBatch(ctx context.Context, cmds ...Command) ([]string, error)
	// Drain discards unsolicited lines for d and returns them.
	Drain(ctx context.Context, d time.Duration) ([]string, error)
	// Subscribe creates a channel receiving "TX ..." and "RX ..." lines. The ID
	// identifies the channel when unsubscribing.
	Subscribe() (string, chan string)
	// Unsubscribe removes a channel from the list of subscribers.
	Unsubscribe(string)
	// AddObserver registers o for every later exchange.
	AddObserver(o Observer)
	// Connected reports whether the port is currently open.
	Connected() bool
	// Close closes all subscribed channels and the serial port.
	Close() error
	// AttachAdminRoutes attaches admin debugging endpoints to the given HTTP
	// mux served at /debug/.
	AttachAdminRoutes(*http.ServeMux)
}

// SerialMux serialises command traffic over a Link.
type SerialMux struct {
	link *Link
	sem  *semaphore.Weighted

	subscriberMu sync.Mutex
	subscribers  map[string]chan string

	observerMu sync.RWMutex
	observers  []Observer

	closing atomic.Bool
}

// NewSerialMux creates a SerialMux driving link.
func NewSerialMux(link *Link) *SerialMux {
	return &SerialMux{
		link:        link,
		sem:         semaphore.NewWeighted(1),
		subscribers: make(map[string]chan string),
	}
}

// randomID generates a random channel ID (8 byte random hex encoded value)
func randomID() string {
	b := make([]byte, 8)
	crand.Read(b)
	return hex.EncodeToString(b)
}

func (s *SerialMux) Subscribe() (string, chan string) {
	id := randomID()
	ch := make(chan string, 32)
	s.subscriberMu.Lock()
	defer s.subscriberMu.Unlock()
	if s.closing.Load() {
		close(ch)
		return id, ch
	}
	s.subscribers[id] = ch
	return id, ch
}

// Unsubscribe removes a subscriber from the serial mux.
func (s *SerialMux) Unsubscribe(id string) {
	s.subscriberMu.Lock()
	defer s.subscriberMu.Unlock()
	if ch, ok := s.subscribers[id]; ok {
		close(ch)
		delete(s.subscribers, id)
	}
}

func (s *SerialMux) publish(line string) {
	s.subscriberMu.Lock()
	defer s.subscriberMu.Unlock()
	for _, ch := range s.subscribers {
		select {
		case ch <- line:
		default:
			// slow subscribers miss lines rather than stall the link
		}
	}
}

func (s *SerialMux) AddObserver(o Observer) {
	s.observerMu.Lock()
	defer s.observerMu.Unlock()
	s.observers = append(s.observers, o)
}

func (s *SerialMux) notify(exchanges ...Exchange) {
	s.observerMu.RLock()
	observers := s.observers
	s.observerMu.RUnlock()
	for _, e := range exchanges {
		for _, o := range observers {
			o.ObserveExchange(e)
		}
	}
}

func (s *SerialMux) Connected() bool {
	return s.link.Connected()
}

// Send sanitises cmd.Line and performs one exchange. Empty commands are
// rejected before touching the link.
func (s *SerialMux) Send(ctx context.Context, cmd Command) (string, error) {
	clean := Sanitize(cmd.Line)
	if clean == "" {
		return "", ErrEmptyCommand
	}
	if err := s.acquire(ctx); err != nil {
		return "", err
	}
	ex := s.exchange(ctx, clean, cmd)
	if ex.Err != nil {
		s.link.Close()
	}
	s.sem.Release(1)

	s.notify(ex)
	return ex.Reply, ex.Err
}

// SendBatch holds the link for the whole sequence. The first failure closes
// the link and is returned as a *BatchError carrying the replies so far.
func (s *SerialMux) SendBatch(ctx context.Context, cmds ...Command) ([]string, error) {
	if len(cmds) == 0 {
		return nil, nil
	}
	if err := s.acquire(ctx); err != nil {
		return nil, err
	}

	replies := make([]string, 0, len(cmds))
	done := make([]Exchange, 0, len(cmds))
	var batchErr error
	for i, cmd := range cmds {
		clean := Sanitize(cmd.Line)
		if clean == "" {
			batchErr = &BatchError{Index: i, Line: cmd.Line, Replies: replies, Err: ErrEmptyCommand}
			break
		}
		ex := s.exchange(ctx, clean, cmd)
		done = append(done, ex)
		if ex.Err != nil {
			batchErr = &BatchError{Index: i, Line: clean, Replies: replies, Err: ex.Err}
			break
		}
		replies = append(replies, ex.Reply)
	}
	if batchErr != nil {
		s.link.Close()
	}
	s.sem.Release(1)

	s.notify(done...)
	if batchErr != nil {
		return nil, batchErr
	}
	return replies, nil
}

// Drain reads and discards unsolicited lines for d.
func (s *SerialMux) Drain(ctx context.Context, d time.Duration) ([]string, error) {
	if err := s.acquire(ctx); err != nil {
		return nil, err
	}
	defer s.sem.Release(1)

	if err := s.link.Connect(); err != nil {
		return nil, err
	}
	lines, err := s.drainLocked(ctx, d)
	if err != nil {
		s.link.Close()
	}
	return lines, err
}

func (s *SerialMux) acquire(ctx context.Context) error {
	if s.closing.Load() {
		return ErrClosed
	}
	return s.sem.Acquire(ctx, 1)
}

// exchange runs one command with the lock held.
func (s *SerialMux) exchange(ctx context.Context, clean string, cmd Command) Exchange {
	ex := Exchange{Line: clean, Start: time.Now(), Quiet: cmd.Quiet}
	ex.Reply, ex.Err = s.roundTrip(ctx, clean, cmd)
	ex.Duration = time.Since(ex.Start)
	if ex.Err != nil {
		logf("serial command failed: sent=%q took=%s err=%v", monitoring.Preview(clean), ex.Duration, ex.Err)
	} else {
		monitoring.Serialf("CMD OK sent=%q reply=%q took=%.1fms",
			monitoring.Preview(clean), ex.Reply, float64(ex.Duration)/float64(time.Millisecond))
	}
	return ex
}

func (s *SerialMux) roundTrip(ctx context.Context, clean string, cmd Command) (string, error) {
	if err := s.link.Connect(); err != nil {
		return "", err
	}

	expected := upperAll(cmd.Expect)
	if len(expected) == 0 {
		expected = ExpectedPrefixes(clean)
	}
	maxWait := cmd.MaxWait
	if maxWait <= 0 {
		maxWait = DefaultMaxWait
	}

	if cmd.PreDrain > 0 {
		if _, err := s.drainLocked(ctx, cmd.PreDrain); err != nil {
			return "", err
		}
	}

	monitoring.Serialf("TX %q (%d bytes) expect=%q", monitoring.Preview(clean), len(clean)+1, expected)
	s.publish("TX " + clean)
	if err := s.link.WriteLine(clean); err != nil {
		return "", err
	}
	return s.awaitReply(ctx, clean, expected, maxWait)
}

// awaitReply reads frames until one matches expected. Banner lines are
// skipped, ERR lines fail the exchange and anything else is kept as evidence
// for the timeout error.
func (s *SerialMux) awaitReply(ctx context.Context, sent string, expected []string, maxWait time.Duration) (string, error) {
	end := time.Now().Add(maxWait)
	var seen []string
	for time.Now().Before(end) && len(seen) < maxReplyLines {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		deadline := time.Now().Add(replyPoll)
		if deadline.After(end) {
			deadline = end
		}
		line, err := s.link.ReadFrame(deadline)
		if err != nil {
			return "", err
		}
		if line == "" {
			continue
		}
		s.publish("RX " + line)

		switch class := ClassifyReply(line, expected); class {
		case ReplyIgnored:
			monitoring.Serialf("RX(ignore) %q", line)
		case ReplyError:
			monitoring.Serialf("RX(err) %q", line)
			return "", &ProtocolError{Sent: sent, Reply: line}
		case ReplyMatch:
			monitoring.Serialf("RX(match) %q", line)
			return line, nil
		default:
			monitoring.Serialf("RX(unexpected) %q expect=%q", line, expected)
			seen = append(seen, line)
		}
	}
	return "", newTimeoutError(sent, expected, seen)
}

func (s *SerialMux) drainLocked(ctx context.Context, d time.Duration) ([]string, error) {
	end := time.Now().Add(d)
	var lines []string
	for time.Now().Before(end) && len(lines) < maxDrainLines {
		if err := ctx.Err(); err != nil {
			return lines, err
		}
		deadline := time.Now().Add(drainPoll)
		if deadline.After(end) {
			deadline = end
		}
		line, err := s.link.ReadFrame(deadline)
		if err != nil {
			return lines, err
		}
		if line != "" {
			s.publish("RX " + line)
			lines = append(lines, line)
		}
	}
	if len(lines) > 0 {
		shown := lines
		if len(shown) > 10 {
			shown = shown[:10]
		}
		monitoring.Serialf("DRAIN got=%d lines, first %d: %q", len(lines), len(shown), shown)
	}
	return lines, nil
}

// Close closes all subscriber channels and the port. Later exchanges fail
// with ErrClosed.
func (s *SerialMux) Close() error {
	if s.closing.Swap(true) {
		return nil
	}

	s.subscriberMu.Lock()
	for id, ch := range s.subscribers {
		close(ch)
		delete(s.subscribers, id)
	}
	s.subscriberMu.Unlock()

	// wait for an in-flight exchange so the port is not closed under it
	ctx, cancel := context.WithTimeout(context.Background(), DefaultMaxWait+time.Second)
	defer cancel()
	if err := s.sem.Acquire(ctx, 1); err == nil {
		defer s.sem.Release(1)
	}
	return s.link.Close()
}
