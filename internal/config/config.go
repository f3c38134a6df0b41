package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/Sheol27/rmote/internal/utils"
)

var (
	home, _            = os.UserHomeDir()
	DefaultConfigPath  = filepath.Join(home, ".rmote", "config.json")
	DefaultLogFilePath = filepath.Join(home, ".rmote", "logs", "rmote.log")
	DefaultIdentity    = filepath.Join(home, ".ssh", "id_ed25519")
	DefaultPort        = 22
	DefaultUser        = "root"
	DefaultRemoteDir   = "."
	DefaultDebounce    = time.Second
)

// Config is the single immutable configuration value for a mirror run.
// It is constructed once at startup, validated, and passed by reference
// to every component.
type Config struct {
	// SSH endpoint
	Host       string `json:"host"`
	Port       int    `json:"port"`
	User       string `json:"user"`
	Identity   string `json:"identity"`
	Passphrase string `json:"-"`

	// Mirror roots
	LocalDir  string `json:"local_dir"`
	RemoteDir string `json:"remote_dir"`

	// Sync behaviour
	Blacklist   []string      `json:"blacklist"`
	Debounce    time.Duration `json:"debounce"`
	InitialSync bool          `json:"initial_sync"`

	Path string `json:"-"`
}

func (c *Config) Validate() error {
	if c.Host == "" {
		return errors.New("remote host is required")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	if c.User == "" {
		c.User = DefaultUser
	}
	if c.Debounce < 0 {
		return fmt.Errorf("debounce window cannot be negative: %s", c.Debounce)
	}

	identity, err := utils.ResolvePath(c.Identity)
	if err != nil {
		return fmt.Errorf("resolve identity path: %w", err)
	}
	c.Identity = identity

	if c.LocalDir == "" {
		c.LocalDir, err = os.Getwd()
		if err != nil {
			return fmt.Errorf("get working directory: %w", err)
		}
	}
	localDir, err := utils.ResolvePath(c.LocalDir)
	if err != nil {
		return fmt.Errorf("resolve local dir: %w", err)
	}
	if !utils.DirExists(localDir) {
		return fmt.Errorf("local dir does not exist: %s", localDir)
	}
	c.LocalDir = localDir

	if c.RemoteDir == "" {
		c.RemoteDir = DefaultRemoteDir
	}

	return nil
}

// Addr returns the host:port dial address for the SSH endpoint.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
