package remote

import (
	"errors"
	"io"
	"io/fs"
	"net"

	"github.com/pkg/sftp"
)

var (
	// ErrConnectionFailed means the initial SSH/SFTP connection could not
	// be established. Fatal at startup.
	ErrConnectionFailed = errors.New("connection failed")

	// ErrSessionBroken means the transport died mid-operation. The engine
	// reacts with a single reconnect attempt.
	ErrSessionBroken = errors.New("session broken")

	// ErrOperationFailed means a specific remote operation failed for a
	// non-transport reason (e.g. permission denied). Logged and skipped.
	ErrOperationFailed = errors.New("remote operation failed")
)

// IsSessionBroken reports whether err indicates the SFTP channel itself is
// gone, as opposed to a single operation failing.
func IsSessionBroken(err error) bool {
	if err == nil {
		return false
	}
	var netErr net.Error
	return errors.Is(err, ErrSessionBroken) ||
		errors.Is(err, sftp.ErrSSHFxConnectionLost) ||
		errors.Is(err, sftp.ErrSSHFxNoConnection) ||
		errors.Is(err, io.EOF) ||
		errors.As(err, &netErr)
}

func isNotExist(err error) bool {
	return errors.Is(err, fs.ErrNotExist) ||
		errors.Is(err, sftp.ErrSSHFxNoSuchFile)
}
