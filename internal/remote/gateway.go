package remote

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"path"
	"strings"
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
)

const dirMode fs.FileMode = 0o755

// Gateway exposes the five idempotent remote operations of the mirror.
// Every operation takes a path relative to the configured remote root and
// is serialized through the single session channel. The gateway never
// retries; failures surface as categorized errors for the engine to
// handle.
type Gateway struct {
	mu   sync.Mutex
	conn Conn
	root string
}

func NewGateway(conn Conn, remoteRoot string) *Gateway {
	return &Gateway{conn: conn, root: remoteRoot}
}

// SetConn swaps in the channel of a reconnected session.
func (g *Gateway) SetConn(conn Conn) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.conn = conn
}

// EnsureRoot creates the remote root directory if needed. The mode of an
// existing root is left alone.
func (g *Gateway) EnsureRoot() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, err := g.mkdirAll(path.Clean(g.root), dirMode); err != nil {
		return g.opErr("mkdir", g.root, err)
	}
	return nil
}

// MkDir creates the directory and all missing ancestors. Already-present
// directories are not an error; the mode of the final component is always
// applied.
func (g *Gateway) MkDir(relPath string, mode fs.FileMode) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	target := g.abs(relPath)
	created, err := g.mkdirAll(target, mode)
	if err != nil {
		return g.opErr("mkdir", relPath, err)
	}
	if !created {
		// Already present; the requested mode still applies.
		if err := g.conn.Chmod(target, mode.Perm()); err != nil {
			return g.opErr("chmod", relPath, err)
		}
	}
	slog.Debug("remote mkdir", "path", relPath, "mode", mode.Perm())
	return nil
}

// Put uploads file content atomically: the bytes land in a temporary name
// next to the target and are renamed over it, so no partially-written file
// is ever the final state. Returns the number of bytes transferred.
func (g *Gateway) Put(relPath string, mode fs.FileMode, content io.Reader) (int64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	target := g.abs(relPath)
	if parent := path.Dir(target); parent != "." {
		if _, err := g.mkdirAll(parent, dirMode); err != nil {
			return 0, g.opErr("mkdir", relPath, err)
		}
	}

	tmp := path.Join(path.Dir(target), "."+path.Base(target)+".rmote-"+uuid.NewString()[:8]+".tmp")
	f, err := g.conn.Create(tmp)
	if err != nil {
		return 0, g.opErr("create", relPath, err)
	}

	n, err := io.Copy(f, content)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		g.conn.Remove(tmp)
		return n, g.opErr("write", relPath, err)
	}

	if err := g.conn.PosixRename(tmp, target); err != nil {
		// Some servers refuse to rename over an existing file.
		g.conn.Remove(target)
		if err := g.conn.PosixRename(tmp, target); err != nil {
			g.conn.Remove(tmp)
			return n, g.opErr("rename", relPath, err)
		}
	}

	if err := g.conn.Chmod(target, mode.Perm()); err != nil {
		return n, g.opErr("chmod", relPath, err)
	}

	slog.Info("remote put", "path", relPath, "size", humanize.Bytes(uint64(n)), "mode", mode.Perm())
	return n, nil
}

// Chmod sets the permission bits of an existing remote entry.
func (g *Gateway) Chmod(relPath string, mode fs.FileMode) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if err := g.conn.Chmod(g.abs(relPath), mode.Perm()); err != nil {
		return g.opErr("chmod", relPath, err)
	}
	slog.Debug("remote chmod", "path", relPath, "mode", mode.Perm())
	return nil
}

// RmFile removes a file. An already-absent file is success.
func (g *Gateway) RmFile(relPath string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if err := g.conn.Remove(g.abs(relPath)); err != nil && !isNotExist(err) {
		return g.opErr("rm", relPath, err)
	}
	slog.Info("remote rm", "path", relPath)
	return nil
}

// RmDirAll removes a directory and everything under it, children first.
// An already-absent directory is success.
func (g *Gateway) RmDirAll(relPath string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	target := g.abs(relPath)
	info, err := g.conn.Stat(target)
	if err != nil {
		if isNotExist(err) {
			return nil
		}
		return g.opErr("stat", relPath, err)
	}
	if !info.IsDir() {
		if err := g.conn.Remove(target); err != nil && !isNotExist(err) {
			return g.opErr("rm", relPath, err)
		}
		return nil
	}

	if err := g.removeTree(target); err != nil {
		return g.opErr("rmdir", relPath, err)
	}
	slog.Info("remote rmdir", "path", relPath)
	return nil
}

func (g *Gateway) removeTree(dir string) error {
	entries, err := g.conn.ReadDir(dir)
	if err != nil {
		if isNotExist(err) {
			return nil
		}
		// Listing failed for another reason; a bare rmdir is the last resort.
		return g.conn.RemoveDirectory(dir)
	}

	for _, entry := range entries {
		child := path.Join(dir, entry.Name())
		if entry.IsDir() {
			if err := g.removeTree(child); err != nil {
				return err
			}
		} else if err := g.conn.Remove(child); err != nil && !isNotExist(err) {
			return err
		}
	}

	if err := g.conn.RemoveDirectory(dir); err != nil && !isNotExist(err) {
		return err
	}
	return nil
}

// mkdirAll creates each missing component of an absolute remote path and
// reports whether the final component was created by this call.
// Intermediate directories get the default dir mode, the final one gets
// mode; components already present are left alone.
func (g *Gateway) mkdirAll(target string, mode fs.FileMode) (bool, error) {
	var built string
	if strings.HasPrefix(target, "/") {
		built = "/"
	}

	var comps []string
	for _, comp := range strings.Split(target, "/") {
		if comp != "" && comp != "." {
			comps = append(comps, comp)
		}
	}

	var createdFinal bool
	for i, comp := range comps {
		built = path.Join(built, comp)

		if err := g.conn.Mkdir(built); err != nil {
			// Racing an existing directory is fine.
			if info, serr := g.conn.Stat(built); serr == nil && info.IsDir() {
				continue
			}
			return false, fmt.Errorf("mkdir %s: %w", built, err)
		}

		m := dirMode
		if i == len(comps)-1 {
			m = mode.Perm()
			createdFinal = true
		}
		if err := g.conn.Chmod(built, m); err != nil {
			return false, fmt.Errorf("chmod %s: %w", built, err)
		}
	}
	return createdFinal, nil
}

func (g *Gateway) abs(relPath string) string {
	if relPath == "" || relPath == "." {
		return path.Clean(g.root)
	}
	return path.Join(g.root, relPath)
}

func (g *Gateway) opErr(op, relPath string, err error) error {
	kind := ErrOperationFailed
	if IsSessionBroken(err) {
		kind = ErrSessionBroken
	}
	return fmt.Errorf("%s %s: %w", op, relPath, errors.Join(kind, err))
}
