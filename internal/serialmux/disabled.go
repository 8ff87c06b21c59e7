package serialmux

import (
	"context"
	"net/http"
	"sync"
	"time"
)

// DisabledSerialMux is a no-op SerialMuxInterface used when the controller is
// absent (--disable-serial). The HTTP surface keeps running and every exchange
// fails with ErrDisabled. Subscribers are tracked so their channels close on
// Unsubscribe or Close.
type DisabledSerialMux struct {
	mu          sync.Mutex
	subscribers map[string]chan string
	closing     bool
}

func NewDisabledSerialMux() *DisabledSerialMux {
	return &DisabledSerialMux{
		subscribers: make(map[string]chan string),
	}
}

func (d *DisabledSerialMux) Subscribe() (string, chan string) {
	id := randomID()
	ch := make(chan string)

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closing {
		// If already closing, return a closed channel so callers don't block.
		close(ch)
		return id, ch
	}
	d.subscribers[id] = ch
	return id, ch
}

func (d *DisabledSerialMux) Unsubscribe(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if ch, ok := d.subscribers[id]; ok {
		close(ch)
		delete(d.subscribers, id)
	}
}

func (d *DisabledSerialMux) Send(context.Context, Command) (string, error) {
	return "", ErrDisabled
}

func (d *DisabledSerialMux) SendBatch(context.Context, ...Command) ([]string, error) {
	return nil, ErrDisabled
}

func (d *DisabledSerialMux) Drain(context.Context, time.Duration) ([]string, error) {
	return nil, ErrDisabled
}

func (d *DisabledSerialMux) AddObserver(Observer) {}

func (d *DisabledSerialMux) Connected() bool { return false }

func (d *DisabledSerialMux) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closing {
		return nil
	}
	d.closing = true
	for id, ch := range d.subscribers {
		close(ch)
		delete(d.subscribers, id)
	}
	return nil
}

func (d *DisabledSerialMux) AttachAdminRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/debug/serial-disabled", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("serial disabled"))
	})
}
