package db

import (
	"context"
	"time"

	"go.uber.org/atomic"

	"github.com/banshee-data/motorbridge/internal/monitoring"
	"github.com/banshee-data/motorbridge/internal/serialmux"
	"github.com/banshee-data/motorbridge/internal/timeutil"
)

// DefaultWriterBuffer is the number of pending records the writer holds
// before it starts dropping.
const DefaultWriterBuffer = 512

type record struct {
	exchange *ExchangeRecord
	event    *SafetyEvent
}

// Writer journals exchanges and safety events off the command path. It
// implements serialmux.Observer and safety.EventRecorder; both only enqueue.
type Writer struct {
	db    *DB
	clock timeutil.Clock
	queue chan record

	dropped atomic.Int64
	written atomic.Int64
}

// NewWriter creates a Writer with room for size pending records.
func NewWriter(db *DB, size int, clock timeutil.Clock) *Writer {
	if size <= 0 {
		size = DefaultWriterBuffer
	}
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Writer{db: db, clock: clock, queue: make(chan record, size)}
}

func (w *Writer) enqueue(r record) {
	select {
	case w.queue <- r:
	default:
		if n := w.dropped.Inc(); n == 1 || n%100 == 0 {
			monitoring.Logf("journal queue full, %d records dropped so far", n)
		}
	}
}

func (w *Writer) ObserveExchange(e serialmux.Exchange) {
	r := &ExchangeRecord{
		StartedAt:  e.Start,
		Line:       e.Line,
		Reply:      e.Reply,
		DurationMs: float64(e.Duration) / float64(time.Millisecond),
		Quiet:      e.Quiet,
	}
	if e.Err != nil {
		r.Error = e.Err.Error()
	}
	w.enqueue(record{exchange: r})
}

func (w *Writer) RecordSafetyEvent(kind, detail string) {
	w.enqueue(record{event: &SafetyEvent{At: w.clock.Now(), Kind: kind, Detail: detail}})
}

// Dropped returns how many records were discarded because the queue was full.
func (w *Writer) Dropped() int64 {
	return w.dropped.Load()
}

// Written returns how many records reached the database.
func (w *Writer) Written() int64 {
	return w.written.Load()
}

// Run writes queued records until ctx is done, then flushes what is left.
func (w *Writer) Run(ctx context.Context) {
	for {
		select {
		case r := <-w.queue:
			w.write(r)
		case <-ctx.Done():
			for {
				select {
				case r := <-w.queue:
					w.write(r)
				default:
					return
				}
			}
		}
	}
}

func (w *Writer) write(r record) {
	var err error
	switch {
	case r.exchange != nil:
		err = w.db.InsertExchange(*r.exchange)
	case r.event != nil:
		err = w.db.InsertSafetyEvent(*r.event)
	}
	if err != nil {
		monitoring.Logf("journal write failed: %v", err)
		return
	}
	w.written.Inc()
}
