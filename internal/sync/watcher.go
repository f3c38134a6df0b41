package sync

import (
	"context"
	"log/slog"
	"os"
	gosync "sync"

	"github.com/rjeczalik/notify"
)

const eventBufferSize = 64

// Watcher turns OS-level notifications on the local root into ChangeEvents.
// Blacklisted paths are dropped before they reach the debouncer.
type Watcher struct {
	root      string
	blacklist *Blacklist
	raw       chan notify.EventInfo
	events    chan ChangeEvent
	done      chan struct{}
	wg        gosync.WaitGroup
	stopOnce  gosync.Once
}

func NewWatcher(root string, blacklist *Blacklist) *Watcher {
	return &Watcher{
		root:      root,
		blacklist: blacklist,
		raw:       make(chan notify.EventInfo, eventBufferSize),
		events:    make(chan ChangeEvent, eventBufferSize),
		done:      make(chan struct{}),
	}
}

// Events is the filtered ChangeEvent stream. Closed on Stop.
func (w *Watcher) Events() <-chan ChangeEvent {
	return w.events
}

func (w *Watcher) Start(ctx context.Context) error {
	slog.Info("watcher start", "dir", w.root)

	recursivePath := w.root + "/..."
	events := notify.Create | notify.Write | notify.Remove | notify.Rename
	if err := notify.Watch(recursivePath, w.raw, events); err != nil {
		return err
	}

	w.wg.Add(1)
	go w.pump(ctx)
	return nil
}

func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		slog.Info("watcher stopping")
		close(w.done)
		notify.Stop(w.raw)
		w.wg.Wait()
		close(w.events)
		slog.Info("watcher stopped")
	})
}

func (w *Watcher) pump(ctx context.Context) {
	defer w.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.done:
			return
		case ev, ok := <-w.raw:
			if !ok {
				return
			}
			if w.blacklist.Match(ev.Path()) {
				continue
			}
			change := ChangeEvent{Path: ev.Path(), Kind: classify(ev)}
			select {
			case w.events <- change:
			default:
				slog.Warn("dropped event: channel full", "path", ev.Path(), "kind", change.Kind)
			}
		}
	}
}

// classify maps a notifier event to a coarse change kind. A rename only
// tells us the affected path, so the side is inferred from whether the
// path still exists.
func classify(ev notify.EventInfo) ChangeKind {
	switch ev.Event() {
	case notify.Create:
		return KindCreated
	case notify.Write:
		return KindModified
	case notify.Remove:
		return KindRemoved
	case notify.Rename:
		if _, err := os.Lstat(ev.Path()); err == nil {
			return KindRenamedTo
		}
		return KindRenamedFrom
	default:
		return KindModified
	}
}
