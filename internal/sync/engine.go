package sync

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"

	"github.com/Sheol27/rmote/internal/remote"
)

// State is the engine's position in its lifecycle.
type State string

const (
	StateConnecting   State = "connecting"
	StateInitialSync  State = "initial-sync"
	StateWatching     State = "watching"
	StateApplying     State = "applying"
	StateShuttingDown State = "shutting-down"
)

// RemoteFS is the gateway surface the engine drives. *remote.Gateway
// satisfies it; tests substitute a recorder.
type RemoteFS interface {
	MkDir(path string, mode fs.FileMode) error
	Put(path string, mode fs.FileMode, content io.Reader) (int64, error)
	Chmod(path string, mode fs.FileMode) error
	RmFile(path string) error
	RmDirAll(path string) error
}

// Engine is the sync orchestrator: it runs the initial full-tree plan,
// then applies one coalesced batch at a time. All remote operations flow
// through here sequentially; there is exactly one producer of work, so no
// locking is needed around the session.
type Engine struct {
	localDir  string
	remote    RemoteFS
	differ    *Differ
	blacklist *Blacklist
	batches   <-chan ChangeBatch

	// reconnect restores a broken session; a single attempt per incident.
	// Nil makes any transport loss fatal.
	reconnect func() error

	state   State
	applied int
	failed  int
}

func NewEngine(localDir string, remoteFS RemoteFS, differ *Differ, blacklist *Blacklist, batches <-chan ChangeBatch, reconnect func() error) *Engine {
	return &Engine{
		localDir:  localDir,
		remote:    remoteFS,
		differ:    differ,
		blacklist: blacklist,
		batches:   batches,
		reconnect: reconnect,
		state:     StateConnecting,
	}
}

func (e *Engine) State() State {
	return e.state
}

func (e *Engine) setState(s State) {
	if e.state != s {
		slog.Debug("engine state", "from", e.state, "to", s)
		e.state = s
	}
}

// InitialSync plans the whole local tree and applies it best-effort:
// individual operation failures are logged and skipped, only an
// unrecoverable session loss aborts.
func (e *Engine) InitialSync(ctx context.Context) error {
	e.setState(StateInitialSync)
	slog.Info("initial sync start")

	plan, err := e.differ.FullTreePlan()
	if err != nil {
		return fmt.Errorf("plan full tree: %w", err)
	}

	if err := e.apply(plan); err != nil {
		return err
	}
	slog.Info("initial sync complete", "ops", len(plan), "failed", e.failed)
	return nil
}

// Run is the steady-state loop: wait for a batch, apply it, repeat.
// Cancellation is honored at the top of the loop and between batches, never
// mid-operation.
func (e *Engine) Run(ctx context.Context) error {
	for {
		e.setState(StateWatching)
		select {
		case <-ctx.Done():
			e.setState(StateShuttingDown)
			return ctx.Err()
		case batch, ok := <-e.batches:
			if !ok {
				e.setState(StateShuttingDown)
				return nil
			}
			e.setState(StateApplying)
			plan := e.planBatch(batch)
			if len(plan) == 0 {
				continue
			}
			slog.Info("applying batch", "changes", len(batch), "ops", len(plan))
			if err := e.apply(plan); err != nil {
				e.setState(StateShuttingDown)
				return err
			}
		}
	}
}

// planBatch turns a coalesced batch into one ordered plan: blacklisted
// entries dropped, per-entry plans concatenated preserving each entry's
// internal ordering.
func (e *Engine) planBatch(batch ChangeBatch) SyncPlan {
	paths := make([]string, 0, len(batch))
	for p := range batch {
		paths = append(paths, p)
	}
	// Deterministic order; parents sort before their children.
	sort.Strings(paths)

	var plan SyncPlan
	for _, p := range paths {
		ev := batch[p]
		if e.blacklist.Match(ev.Path) {
			continue
		}
		sub, err := e.differ.IncrementalPlan(ev)
		if err != nil {
			slog.Warn("plan change failed", "path", ev.Path, "kind", ev.Kind, "error", err)
			continue
		}
		plan.Concat(sub)
	}
	return plan
}

// apply executes a plan in order. Operation failures are logged, counted
// and skipped; a broken session gets one reconnect attempt and one retry
// of the failed operation, and a failed reconnect is fatal.
func (e *Engine) apply(plan SyncPlan) error {
	for _, op := range plan {
		err := e.applyOp(op)
		if err != nil && remote.IsSessionBroken(err) {
			if rerr := e.restoreSession(); rerr != nil {
				return fmt.Errorf("session lost applying %s %s: %w", op.Type, op.Path, rerr)
			}
			err = e.applyOp(op)
		}
		if err != nil {
			e.failed++
			slog.Error("sync op failed", "op", op.Type, "path", op.Path, "error", err)
			continue
		}
		e.applied++
	}
	return nil
}

func (e *Engine) applyOp(op Operation) error {
	switch op.Type {
	case OpMkDir:
		return e.remote.MkDir(op.Path, op.Mode)
	case OpPutFile:
		return e.putFile(op)
	case OpChmod:
		return e.remote.Chmod(op.Path, op.Mode)
	case OpRmFile:
		return e.remote.RmFile(op.Path)
	case OpRmDirAll:
		return e.remote.RmDirAll(op.Path)
	default:
		return fmt.Errorf("unknown operation %q", op.Type)
	}
}

func (e *Engine) putFile(op Operation) error {
	f, err := os.Open(filepath.Join(e.localDir, filepath.FromSlash(op.Path)))
	if err != nil {
		// The source vanished or became unreadable between event and
		// apply; mirror it as a removal rather than failing.
		slog.Warn("local read failed, removing remote copy", "path", op.Path, "error", err)
		return e.remote.RmFile(op.Path)
	}
	defer f.Close()

	_, err = e.remote.Put(op.Path, op.Mode, f)
	return err
}

func (e *Engine) restoreSession() error {
	if e.reconnect == nil {
		return remote.ErrSessionBroken
	}
	slog.Warn("session broken, attempting reconnect")
	if err := e.reconnect(); err != nil {
		return err
	}
	slog.Info("session restored")
	return nil
}
