package runstore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"
)

const lockOwnerFile = "owner.json"

// ErrLocked is returned when another live owner holds a lock.
var ErrLocked = errors.New("locked by another process")

// ownerlessGrace is how long a lock directory without a readable owner file
// is assumed to be mid-acquire rather than abandoned.
const ownerlessGrace = 30 * time.Second

type Lock struct {
	lockDir string
}

type lockOwner struct {
	PID       int    `json:"pid"`
	CreatedAt string `json:"created_at"`
	Hostname  string `json:"hostname,omitempty"`
}

// AcquireLock takes the mkdir lock <dir>/<name>.lock. A lock left behind by
// a dead process on this host is taken over.
func AcquireLock(dir, name string) (Lock, error) {
	target := strings.TrimSpace(dir)
	if target == "" {
		return Lock{}, fmt.Errorf("lock directory is required")
	}
	if err := Mkdir(target); err != nil {
		return Lock{}, err
	}
	lockDir := filepath.Join(target, SafeName(name)+".lock")

	if err := os.Mkdir(lockDir, 0o755); err != nil {
		if !os.IsExist(err) {
			return Lock{}, fmt.Errorf("acquire lock %s: %w", lockDir, err)
		}
		owner, stale := inspectLock(lockDir)
		if !stale {
			if owner.PID > 0 {
				return Lock{}, fmt.Errorf("%w: %s (pid=%d created_at=%s host=%s)", ErrLocked, lockDir, owner.PID, owner.CreatedAt, owner.Hostname)
			}
			return Lock{}, fmt.Errorf("%w: %s", ErrLocked, lockDir)
		}
		if err := takeOver(lockDir); err != nil {
			return Lock{}, err
		}
	}

	owner := lockOwner{
		PID:       os.Getpid(),
		CreatedAt: time.Now().UTC().Format(time.RFC3339),
		Hostname:  hostnameOrUnknown(),
	}
	if err := WriteJSON(filepath.Join(lockDir, lockOwnerFile), owner); err != nil {
		_ = os.RemoveAll(lockDir)
		return Lock{}, fmt.Errorf("write lock owner for %s: %w", lockDir, err)
	}
	return Lock{lockDir: lockDir}, nil
}

// takeOver replaces a stale lock while holding <lock>.takeover, re-checking
// staleness under that guard. Without it two contenders could both judge the
// old lock stale and the slower one would delete the faster one's fresh lock.
func takeOver(lockDir string) error {
	guard := lockDir + ".takeover"
	if err := os.Mkdir(guard, 0o755); err != nil {
		if !os.IsExist(err) {
			return fmt.Errorf("guard stale lock %s: %w", lockDir, err)
		}
		// a guard this old belongs to a contender that died mid-takeover
		if info, statErr := os.Stat(guard); statErr == nil && time.Since(info.ModTime()) > ownerlessGrace {
			_ = os.Remove(guard)
		}
		return fmt.Errorf("%w: %s (takeover in progress)", ErrLocked, lockDir)
	}
	defer func() {
		_ = os.Remove(guard)
	}()

	owner, stale := inspectLock(lockDir)
	if !stale {
		return fmt.Errorf("%w: %s (pid=%d)", ErrLocked, lockDir, owner.PID)
	}
	_ = os.Remove(filepath.Join(lockDir, lockOwnerFile))
	if err := os.Remove(lockDir); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove stale lock %s: %w", lockDir, err)
	}
	if err := os.Mkdir(lockDir, 0o755); err != nil {
		if os.IsExist(err) {
			// a plain acquirer won the gap between remove and mkdir
			return fmt.Errorf("%w: %s", ErrLocked, lockDir)
		}
		return fmt.Errorf("acquire lock %s: %w", lockDir, err)
	}
	return nil
}

// AcquireLockWait retries AcquireLock while the lock is held, until ctx ends.
func AcquireLockWait(ctx context.Context, dir, name string) (Lock, error) {
	delay := 5 * time.Millisecond
	for {
		lock, err := AcquireLock(dir, name)
		if err == nil || !errors.Is(err, ErrLocked) {
			return lock, err
		}
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return Lock{}, fmt.Errorf("%w (%v)", err, ctx.Err())
		case <-timer.C:
		}
		if delay < 200*time.Millisecond {
			delay *= 2
		}
	}
}

func (l Lock) Release() error {
	if strings.TrimSpace(l.lockDir) == "" {
		return nil
	}
	_ = os.Remove(filepath.Join(l.lockDir, lockOwnerFile))
	if err := os.Remove(l.lockDir); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("release lock %s: %w", l.lockDir, err)
	}
	return nil
}

func inspectLock(lockDir string) (lockOwner, bool) {
	var owner lockOwner
	if err := ReadJSON(filepath.Join(lockDir, lockOwnerFile), &owner); err != nil || owner.PID <= 0 {
		info, statErr := os.Stat(lockDir)
		if statErr != nil {
			return owner, os.IsNotExist(statErr)
		}
		return owner, time.Since(info.ModTime()) > ownerlessGrace
	}
	if owner.Hostname != hostnameOrUnknown() {
		return owner, false
	}
	return owner, !processAlive(owner.PID)
}

func processAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = proc.Signal(syscall.Signal(0))
	return err == nil || errors.Is(err, syscall.EPERM)
}

func hostnameOrUnknown() string {
	host, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	host = strings.TrimSpace(host)
	if host == "" {
		return "unknown"
	}
	return host
}
