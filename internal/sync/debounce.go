package sync

import (
	"context"
	"log/slog"
	"time"
)

// shutdownFlushTimeout bounds how long a final batch may wait for the
// orchestrator when the event source closes.
const shutdownFlushTimeout = 2 * time.Second

// Debouncer absorbs bursts of raw events into one ChangeBatch per quiet
// period. A single timer restarts on every incoming event; when no event
// has arrived for the configured window the buffered batch is handed to
// the orchestrator and a fresh buffer starts.
//
// Delivery is throttled, not accumulation: while the orchestrator is still
// applying a previous batch the ready batch waits (one pending at a time)
// and new events keep folding into the next buffer. No batch is dropped;
// an empty window delivers nothing.
type Debouncer struct {
	window time.Duration
	in     <-chan ChangeEvent
	out    chan ChangeBatch
}

func NewDebouncer(window time.Duration, in <-chan ChangeEvent) *Debouncer {
	return &Debouncer{
		window: window,
		in:     in,
		out:    make(chan ChangeBatch, 1),
	}
}

// Batches delivers one coalesced ChangeBatch per quiet period. Closed when
// Run exits.
func (d *Debouncer) Batches() <-chan ChangeBatch {
	return d.out
}

// Run blocks until ctx is cancelled or the event source closes. This loop
// is the only steady-state suspension point of the mirror.
func (d *Debouncer) Run(ctx context.Context) error {
	defer close(d.out)

	pending := make(ChangeBatch)
	var timer *time.Timer
	var fire <-chan time.Time

	arm := func() {
		if timer != nil {
			timer.Stop()
		}
		timer = time.NewTimer(d.window)
		fire = timer.C
	}
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case ev, ok := <-d.in:
			if !ok {
				// Source closed; flush whatever accumulated.
				d.flush(pending)
				return nil
			}
			pending.Add(ev)
			arm()

		case <-fire:
			timer = nil
			fire = nil
			if len(pending) == 0 {
				continue
			}
			batch := pending
			pending = make(ChangeBatch)
			slog.Debug("debounce window elapsed", "events", len(batch))

			// Deliver the batch while continuing to fold new events into
			// the fresh buffer.
			for delivered := false; !delivered; {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case ev, ok := <-d.in:
					if !ok {
						d.flush(batch)
						d.flush(pending)
						return nil
					}
					pending.Add(ev)
				case d.out <- batch:
					delivered = true
				}
			}
			if len(pending) > 0 {
				arm()
			}
		}
	}
}

// flush hands a final batch to the orchestrator on shutdown, waiting a
// bounded time for it to be taken.
func (d *Debouncer) flush(batch ChangeBatch) {
	if len(batch) == 0 {
		return
	}
	t := time.NewTimer(shutdownFlushTimeout)
	defer t.Stop()
	select {
	case d.out <- batch:
	case <-t.C:
		slog.Warn("dropping batch on shutdown", "events", len(batch))
	}
}
