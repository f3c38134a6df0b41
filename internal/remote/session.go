package remote

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"

	"github.com/Sheol27/rmote/internal/config"
)

const dialTimeout = 15 * time.Second

// Conn is the subset of SFTP client operations the gateway issues.
// *sftp.Client satisfies it through the adapter returned by Session.Conn.
type Conn interface {
	Stat(path string) (os.FileInfo, error)
	Mkdir(path string) error
	Chmod(path string, mode os.FileMode) error
	Create(path string) (io.WriteCloser, error)
	PosixRename(oldname, newname string) error
	Remove(path string) error
	RemoveDirectory(path string) error
	ReadDir(path string) ([]os.FileInfo, error)
}

// Session owns the single authenticated SSH channel and its SFTP
// subsystem. It is opened once at startup and reused for the initial sync
// and every subsequent batch. Not reentrant; callers serialize through the
// gateway.
type Session struct {
	cfg  *config.Config
	ssh  *ssh.Client
	sftp *sftp.Client
	mu   sync.Mutex
}

// Dial connects and authenticates with the configured private key, then
// opens the SFTP subsystem.
func Dial(cfg *config.Config) (*Session, error) {
	s := &Session{cfg: cfg}
	if err := s.connect(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConnectionFailed, err)
	}
	return s, nil
}

func (s *Session) connect() error {
	keyData, err := os.ReadFile(s.cfg.Identity)
	if err != nil {
		return fmt.Errorf("read identity %s: %w", s.cfg.Identity, err)
	}

	var signer ssh.Signer
	if s.cfg.Passphrase != "" {
		signer, err = ssh.ParsePrivateKeyWithPassphrase(keyData, []byte(s.cfg.Passphrase))
	} else {
		signer, err = ssh.ParsePrivateKey(keyData)
	}
	if err != nil {
		return fmt.Errorf("parse private key: %w", err)
	}

	sshCfg := &ssh.ClientConfig{
		User:            s.cfg.User,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         dialTimeout,
	}

	sshClient, err := ssh.Dial("tcp", s.cfg.Addr(), sshCfg)
	if err != nil {
		return fmt.Errorf("ssh dial %s: %w", s.cfg.Addr(), err)
	}

	sftpClient, err := sftp.NewClient(sshClient)
	if err != nil {
		sshClient.Close()
		return fmt.Errorf("open sftp subsystem: %w", err)
	}

	s.ssh = sshClient
	s.sftp = sftpClient
	slog.Info("session established", "addr", s.cfg.Addr(), "user", s.cfg.User)
	return nil
}

// Reconnect tears the broken channel down and dials again. Called at most
// once per detected transport failure; a second failure is fatal to the
// caller.
func (s *Session) Reconnect() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	slog.Warn("session reconnecting", "addr", s.cfg.Addr())
	s.closeLocked()
	if err := s.connect(); err != nil {
		return fmt.Errorf("%w: %v", ErrConnectionFailed, err)
	}
	return nil
}

// Conn returns the current live SFTP channel. Must be re-fetched after a
// Reconnect.
func (s *Session) Conn() Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return &sftpConn{c: s.sftp}
}

func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeLocked()
	return nil
}

func (s *Session) closeLocked() {
	if s.sftp != nil {
		s.sftp.Close()
		s.sftp = nil
	}
	if s.ssh != nil {
		s.ssh.Close()
		s.ssh = nil
	}
}

// sftpConn adapts *sftp.Client to the Conn interface (Create narrows
// *sftp.File to io.WriteCloser).
type sftpConn struct {
	c *sftp.Client
}

func (a *sftpConn) Stat(path string) (os.FileInfo, error) { return a.c.Stat(path) }
func (a *sftpConn) Mkdir(path string) error               { return a.c.Mkdir(path) }
func (a *sftpConn) Chmod(path string, mode os.FileMode) error {
	return a.c.Chmod(path, mode)
}
func (a *sftpConn) Create(path string) (io.WriteCloser, error) { return a.c.Create(path) }
func (a *sftpConn) PosixRename(oldname, newname string) error {
	return a.c.PosixRename(oldname, newname)
}
func (a *sftpConn) Remove(path string) error          { return a.c.Remove(path) }
func (a *sftpConn) RemoveDirectory(path string) error { return a.c.RemoveDirectory(path) }
func (a *sftpConn) ReadDir(path string) ([]os.FileInfo, error) {
	return a.c.ReadDir(path)
}
