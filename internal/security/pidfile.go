package security

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// ErrAlreadyRunning is returned when another process holds the pid file.
var ErrAlreadyRunning = errors.New("security: another instance holds the pid file")

// PidFile is an exclusively locked file holding the daemon's pid. The lock
// is released when the process exits, even on a crash.
type PidFile struct {
	path string
	file *os.File
}

// AcquirePidFile creates or opens path, takes a non-blocking exclusive
// lock and writes the current pid.
func AcquirePidFile(path string) (*PidFile, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("create pid directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0600)
	if err != nil {
		return nil, fmt.Errorf("open pid file: %w", err)
	}
	if err := tryLockFile(f); err != nil {
		f.Close()
		if errors.Is(err, errWouldBlock) {
			if pid, perr := ReadPid(path); perr == nil {
				return nil, fmt.Errorf("%w (pid %d)", ErrAlreadyRunning, pid)
			}
			return nil, ErrAlreadyRunning
		}
		return nil, fmt.Errorf("lock pid file: %w", err)
	}

	if err := f.Truncate(0); err != nil {
		unlockFile(f)
		f.Close()
		return nil, fmt.Errorf("truncate pid file: %w", err)
	}
	if _, err := f.WriteAt([]byte(strconv.Itoa(os.Getpid())+"\n"), 0); err != nil {
		unlockFile(f)
		f.Close()
		return nil, fmt.Errorf("write pid file: %w", err)
	}
	return &PidFile{path: path, file: f}, nil
}

// Path returns the pid file location.
func (p *PidFile) Path() string {
	return p.path
}

// Release removes the file and drops the lock.
func (p *PidFile) Release() error {
	if p.file == nil {
		return nil
	}
	rmErr := os.Remove(p.path)
	unlockFile(p.file)
	closeErr := p.file.Close()
	p.file = nil
	if rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
		return rmErr
	}
	return closeErr
}

// ReadPid returns the pid recorded in path.
func ReadPid(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("parse pid: %w", err)
	}
	return pid, nil
}
