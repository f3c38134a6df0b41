package remote

import (
	"bytes"
	"io"
	"io/fs"
	"os"
	"path"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeConn is an in-memory SFTP endpoint. Dirs and files live in flat maps
// keyed by absolute remote path.
type fakeConn struct {
	dirs  map[string]fs.FileMode
	files map[string][]byte
	modes map[string]fs.FileMode
	ops   []string
	fail  map[string]error // op+" "+path -> forced error
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		dirs:  map[string]fs.FileMode{".": 0o755, "/": 0o755},
		files: map[string][]byte{},
		modes: map[string]fs.FileMode{},
		fail:  map[string]error{},
	}
}

func (f *fakeConn) record(op, p string) error {
	f.ops = append(f.ops, op+" "+p)
	return f.fail[op+" "+p]
}

type fakeInfo struct {
	name  string
	isDir bool
}

func (i fakeInfo) Name() string       { return i.name }
func (i fakeInfo) Size() int64        { return 0 }
func (i fakeInfo) Mode() fs.FileMode  { return 0o644 }
func (i fakeInfo) ModTime() time.Time { return time.Time{} }
func (i fakeInfo) IsDir() bool        { return i.isDir }
func (i fakeInfo) Sys() any           { return nil }

func (f *fakeConn) Stat(p string) (os.FileInfo, error) {
	if err := f.record("stat", p); err != nil {
		return nil, err
	}
	if _, ok := f.dirs[p]; ok {
		return fakeInfo{name: path.Base(p), isDir: true}, nil
	}
	if _, ok := f.files[p]; ok {
		return fakeInfo{name: path.Base(p)}, nil
	}
	return nil, fs.ErrNotExist
}

func (f *fakeConn) Mkdir(p string) error {
	if err := f.record("mkdir", p); err != nil {
		return err
	}
	if _, ok := f.dirs[p]; ok {
		return fs.ErrExist
	}
	f.dirs[p] = 0o755
	return nil
}

func (f *fakeConn) Chmod(p string, mode os.FileMode) error {
	if err := f.record("chmod", p); err != nil {
		return err
	}
	f.modes[p] = mode
	return nil
}

type fakeFile struct {
	conn *fakeConn
	path string
	buf  bytes.Buffer
}

func (w *fakeFile) Write(p []byte) (int, error) { return w.buf.Write(p) }
func (w *fakeFile) Close() error {
	w.conn.files[w.path] = w.buf.Bytes()
	return nil
}

func (f *fakeConn) Create(p string) (io.WriteCloser, error) {
	if err := f.record("create", p); err != nil {
		return nil, err
	}
	return &fakeFile{conn: f, path: p}, nil
}

func (f *fakeConn) PosixRename(oldname, newname string) error {
	if err := f.record("rename", oldname); err != nil {
		return err
	}
	data, ok := f.files[oldname]
	if !ok {
		return fs.ErrNotExist
	}
	delete(f.files, oldname)
	f.files[newname] = data
	return nil
}

func (f *fakeConn) Remove(p string) error {
	if err := f.record("rm", p); err != nil {
		return err
	}
	if _, ok := f.files[p]; !ok {
		return fs.ErrNotExist
	}
	delete(f.files, p)
	return nil
}

func (f *fakeConn) RemoveDirectory(p string) error {
	if err := f.record("rmdir", p); err != nil {
		return err
	}
	if _, ok := f.dirs[p]; !ok {
		return fs.ErrNotExist
	}
	for other := range f.dirs {
		if strings.HasPrefix(other, p+"/") {
			return fs.ErrInvalid // not empty
		}
	}
	for other := range f.files {
		if strings.HasPrefix(other, p+"/") {
			return fs.ErrInvalid
		}
	}
	delete(f.dirs, p)
	return nil
}

func (f *fakeConn) ReadDir(p string) ([]os.FileInfo, error) {
	if err := f.record("readdir", p); err != nil {
		return nil, err
	}
	if _, ok := f.dirs[p]; !ok {
		return nil, fs.ErrNotExist
	}
	var infos []os.FileInfo
	seen := map[string]bool{}
	for other := range f.dirs {
		if rest, ok := strings.CutPrefix(other, p+"/"); ok && !strings.Contains(rest, "/") && !seen[rest] {
			infos = append(infos, fakeInfo{name: rest, isDir: true})
			seen[rest] = true
		}
	}
	for other := range f.files {
		if rest, ok := strings.CutPrefix(other, p+"/"); ok && !strings.Contains(rest, "/") && !seen[rest] {
			infos = append(infos, fakeInfo{name: rest})
			seen[rest] = true
		}
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name() < infos[j].Name() })
	return infos, nil
}

func TestGatewayMkDir(t *testing.T) {
	t.Run("creates missing ancestors", func(t *testing.T) {
		conn := newFakeConn()
		gw := NewGateway(conn, "srv")

		require.NoError(t, gw.MkDir("a/b/c", 0o700))
		assert.Contains(t, conn.dirs, "srv")
		assert.Contains(t, conn.dirs, "srv/a")
		assert.Contains(t, conn.dirs, "srv/a/b")
		assert.Contains(t, conn.dirs, "srv/a/b/c")
		assert.Equal(t, fs.FileMode(0o700), conn.modes["srv/a/b/c"])
	})

	t.Run("fresh directory gets a single chmod", func(t *testing.T) {
		conn := newFakeConn()
		conn.dirs["srv"] = 0o755
		gw := NewGateway(conn, "srv")

		require.NoError(t, gw.MkDir("a", 0o700))
		var chmods int
		for _, op := range conn.ops {
			if op == "chmod srv/a" {
				chmods++
			}
		}
		assert.Equal(t, 1, chmods, "one round-trip sets the final mode")
		assert.Equal(t, fs.FileMode(0o700), conn.modes["srv/a"])
	})

	t.Run("existing directory is a no-op, mode still applied", func(t *testing.T) {
		conn := newFakeConn()
		conn.dirs["srv"] = 0o755
		conn.dirs["srv/a"] = 0o755
		gw := NewGateway(conn, "srv")

		require.NoError(t, gw.MkDir("a", 0o711))
		assert.Equal(t, fs.FileMode(0o711), conn.modes["srv/a"])
	})
}

func TestGatewayPut(t *testing.T) {
	t.Run("uploads through temp name and renames", func(t *testing.T) {
		conn := newFakeConn()
		conn.dirs["srv"] = 0o755
		gw := NewGateway(conn, "srv")

		n, err := gw.Put("a/file.txt", 0o644, strings.NewReader("hello"))
		require.NoError(t, err)
		assert.EqualValues(t, 5, n)
		assert.Equal(t, []byte("hello"), conn.files["srv/a/file.txt"])
		assert.Equal(t, fs.FileMode(0o644), conn.modes["srv/a/file.txt"])

		// The create went to a temporary name, never the target.
		for _, op := range conn.ops {
			if strings.HasPrefix(op, "create ") {
				assert.NotEqual(t, "create srv/a/file.txt", op)
				assert.Contains(t, op, ".tmp")
			}
		}
	})

	t.Run("overwrites existing content", func(t *testing.T) {
		conn := newFakeConn()
		conn.dirs["srv"] = 0o755
		gw := NewGateway(conn, "srv")

		_, err := gw.Put("f.txt", 0o644, strings.NewReader("one"))
		require.NoError(t, err)
		_, err = gw.Put("f.txt", 0o644, strings.NewReader("two"))
		require.NoError(t, err)
		assert.Equal(t, []byte("two"), conn.files["srv/f.txt"])
	})
}

func TestGatewayRmFile(t *testing.T) {
	conn := newFakeConn()
	conn.dirs["srv"] = 0o755
	conn.files["srv/x.txt"] = []byte("x")
	gw := NewGateway(conn, "srv")

	require.NoError(t, gw.RmFile("x.txt"))
	assert.NotContains(t, conn.files, "srv/x.txt")

	// Second removal of an absent file still succeeds.
	require.NoError(t, gw.RmFile("x.txt"))
}

func TestGatewayRmDirAll(t *testing.T) {
	t.Run("removes children bottom-up", func(t *testing.T) {
		conn := newFakeConn()
		conn.dirs["srv"] = 0o755
		conn.dirs["srv/d"] = 0o755
		conn.dirs["srv/d/sub"] = 0o755
		conn.files["srv/d/a.txt"] = []byte("a")
		conn.files["srv/d/sub/b.txt"] = []byte("b")
		gw := NewGateway(conn, "srv")

		require.NoError(t, gw.RmDirAll("d"))
		assert.NotContains(t, conn.dirs, "srv/d")
		assert.NotContains(t, conn.dirs, "srv/d/sub")
		assert.Empty(t, conn.files)
	})

	t.Run("absent directory is success", func(t *testing.T) {
		conn := newFakeConn()
		conn.dirs["srv"] = 0o755
		gw := NewGateway(conn, "srv")
		assert.NoError(t, gw.RmDirAll("gone"))
	})

	t.Run("falls back to file removal for non-dirs", func(t *testing.T) {
		conn := newFakeConn()
		conn.dirs["srv"] = 0o755
		conn.files["srv/f"] = []byte("f")
		gw := NewGateway(conn, "srv")

		require.NoError(t, gw.RmDirAll("f"))
		assert.NotContains(t, conn.files, "srv/f")
	})
}

func TestGatewayErrorClassification(t *testing.T) {
	t.Run("transport loss maps to session broken", func(t *testing.T) {
		conn := newFakeConn()
		conn.dirs["srv"] = 0o755
		conn.fail["chmod srv/f.txt"] = io.EOF
		gw := NewGateway(conn, "srv")

		_, err := gw.Put("f.txt", 0o644, strings.NewReader("x"))
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrSessionBroken)
		assert.True(t, IsSessionBroken(err))
	})

	t.Run("op failure maps to operation failed", func(t *testing.T) {
		conn := newFakeConn()
		conn.dirs["srv"] = 0o755
		conn.files["srv/x"] = []byte("x")
		conn.fail["rm srv/x"] = fs.ErrPermission
		gw := NewGateway(conn, "srv")

		err := gw.RmFile("x")
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrOperationFailed)
		assert.False(t, IsSessionBroken(err))
	})
}
