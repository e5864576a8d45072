package history

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/loykin/stackup/internal/events"
)

// Writer forwards bus events to sinks on its own goroutine so a slow database
// never stalls startup. Events that overflow the queue are dropped and logged.
type Writer struct {
	runID   string
	sinks   []Sink
	log     *slog.Logger
	timeout time.Duration

	queue chan Record
	done  chan struct{}
	once  sync.Once
}

// NewWriter starts the forwarding goroutine. Call Close to flush.
func NewWriter(runID string, log *slog.Logger, sinks ...Sink) *Writer {
	if log == nil {
		log = slog.Default()
	}
	w := &Writer{
		runID:   runID,
		sinks:   sinks,
		log:     log,
		timeout: 5 * time.Second,
		queue:   make(chan Record, 256),
		done:    make(chan struct{}),
	}
	go w.loop()
	return w
}

// Attach subscribes the writer to every event on bus.
func (w *Writer) Attach(bus *events.Bus) *events.Subscription {
	return bus.Subscribe(nil, w.Handle)
}

// Handle enqueues e. It never blocks.
func (w *Writer) Handle(e events.Event) {
	defer func() {
		// Close raced ahead of a late event
		_ = recover()
	}()
	select {
	case w.queue <- FromEvent(w.runID, e):
	default:
		w.log.Warn("history queue full, dropping event", "type", e.Type)
	}
}

func (w *Writer) loop() {
	defer close(w.done)
	for r := range w.queue {
		for _, s := range w.sinks {
			ctx, cancel := context.WithTimeout(context.Background(), w.timeout)
			if err := s.Send(ctx, r); err != nil {
				w.log.Warn("history sink send failed", "type", r.Type, "err", err)
			}
			cancel()
		}
	}
}

// Close flushes queued records and closes sinks that implement io.Closer.
func (w *Writer) Close() error {
	var errs []error
	w.once.Do(func() {
		close(w.queue)
		<-w.done
		for _, s := range w.sinks {
			if c, ok := s.(io.Closer); ok {
				if err := c.Close(); err != nil {
					errs = append(errs, err)
				}
			}
		}
	})
	return errors.Join(errs...)
}
