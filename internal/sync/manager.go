package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/Sheol27/rmote/internal/config"
	"github.com/Sheol27/rmote/internal/remote"
)

// Manager wires the watcher, debouncer, differ and engine together and
// owns their lifecycle.
type Manager struct {
	cfg       *config.Config
	blacklist *Blacklist
	watcher   *Watcher
	debouncer *Debouncer
	differ    *Differ
	session   *remote.Session
}

func NewManager(cfg *config.Config) (*Manager, error) {
	blacklist, err := NewBlacklist(cfg.LocalDir, cfg.Blacklist)
	if err != nil {
		return nil, fmt.Errorf("invalid blacklist: %w", err)
	}
	blacklist.LoadIgnoreFile()

	watcher := NewWatcher(cfg.LocalDir, blacklist)
	debouncer := NewDebouncer(cfg.Debounce, watcher.Events())
	differ := NewDiffer(cfg.LocalDir, blacklist)

	return &Manager{
		cfg:       cfg,
		blacklist: blacklist,
		watcher:   watcher,
		debouncer: debouncer,
		differ:    differ,
	}, nil
}

// Start connects, runs the initial sync when enabled, then watches until
// ctx is cancelled. A clean cancellation returns nil.
func (m *Manager) Start(ctx context.Context) error {
	slog.Info("mirror start",
		"local", m.cfg.LocalDir,
		"remote", fmt.Sprintf("%s@%s:%s", m.cfg.User, m.cfg.Host, m.cfg.RemoteDir),
		"debounce", m.cfg.Debounce,
		"rules", len(m.cfg.Blacklist),
	)

	// Connecting: no sync is possible without the session.
	session, err := remote.Dial(m.cfg)
	if err != nil {
		return err
	}
	m.session = session
	defer session.Close()

	gateway := remote.NewGateway(session.Conn(), m.cfg.RemoteDir)
	if err := gateway.EnsureRoot(); err != nil {
		return fmt.Errorf("ensure remote root: %w", err)
	}

	reconnect := func() error {
		if err := session.Reconnect(); err != nil {
			return err
		}
		gateway.SetConn(session.Conn())
		return nil
	}

	engine := NewEngine(m.cfg.LocalDir, gateway, m.differ, m.blacklist, m.debouncer.Batches(), reconnect)

	// Watch before the initial sync so changes made during the transfer
	// are not lost. The debouncer starts consuming right away: its pending
	// buffer absorbs edits made while the transfer runs, and the engine
	// drains them once its loop starts.
	if err := m.watcher.Start(ctx); err != nil {
		return fmt.Errorf("start watcher: %w", err)
	}
	defer m.watcher.Stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return m.debouncer.Run(gctx)
	})

	if m.cfg.InitialSync {
		if err := engine.InitialSync(ctx); err != nil {
			m.watcher.Stop()
			_ = g.Wait()
			return err
		}
	} else {
		slog.Info("initial sync disabled")
	}

	g.Go(func() error {
		return engine.Run(gctx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	slog.Info("mirror stop")
	return nil
}
