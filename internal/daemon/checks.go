package daemon

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
)

// ValidateSocketPermissions checks that the socket directory exists and is
// writable.
func ValidateSocketPermissions(socketPath string) error {
	dir := filepath.Dir(socketPath)

	info, err := os.Stat(dir)
	if err != nil {
		return fmt.Errorf("socket directory does not exist: %s: %w", dir, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("socket path parent is not a directory: %s", dir)
	}

	// Check write permission by trying to create a temp file.
	f, err := os.CreateTemp(dir, ".cowfork_perm_check")
	if err != nil {
		return fmt.Errorf("permission denied: cannot create socket in %s: %w", dir, err)
	}
	f.Close()
	os.Remove(f.Name())

	return nil
}

// RootWarning logs a warning if the daemon runs as root. Nothing it does
// needs privileges.
func RootWarning(logger *slog.Logger) {
	if os.Getuid() == 0 {
		logger.Warn("running as root; cowfork needs no privileges")
	}
}

// WritePIDFile writes the current process PID to path. An empty path is a
// no-op.
func WritePIDFile(path string) error {
	if path == "" {
		return nil
	}
	data := []byte(strconv.Itoa(os.Getpid()) + "\n")
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("cannot write PID file: %s: %w", path, err)
	}
	return nil
}

// RemovePIDFile removes the PID file if it exists.
func RemovePIDFile(path string) {
	if path == "" {
		return
	}
	_ = os.Remove(path)
}
