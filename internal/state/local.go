package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"syscall"
	"time"
)

// DefaultFilePath is used by the file driver when no path is configured.
const DefaultFilePath = ".dcfsync.state.json"

const fileVersion = "1.0"

// FileConfig configures the file driver.
type FileConfig struct {
	Path           string        `yaml:"path"`
	LockTimeout    time.Duration `yaml:"lock_timeout"`
	StaleThreshold time.Duration `yaml:"stale_threshold"`
}

// LockConfig controls how writers wait for the lock file.
type LockConfig struct {
	// LockTimeout bounds the wait for a held lock.
	LockTimeout time.Duration
	// StaleThreshold is the age after which a lock is broken even if its
	// holder is still alive.
	StaleThreshold time.Duration
}

// DefaultLockConfig returns the lock settings used by NewLocalBackend.
func DefaultLockConfig() LockConfig {
	return LockConfig{
		LockTimeout:    30 * time.Second,
		StaleThreshold: 5 * time.Minute,
	}
}

// ErrStateCorrupted is returned when the slot file cannot be decoded and no
// usable backup exists.
type ErrStateCorrupted struct {
	Path       string
	BackupUsed bool
	Err        error
}

func (e *ErrStateCorrupted) Error() string {
	if e.BackupUsed {
		return fmt.Sprintf("state file %q and backup are both corrupted: %v", e.Path, e.Err)
	}
	return fmt.Sprintf("state file %q is corrupted: %v", e.Path, e.Err)
}

func (e *ErrStateCorrupted) Unwrap() error { return e.Err }

// ErrStateLocked is returned when the lock could not be taken in time.
type ErrStateLocked struct {
	HolderPID int
	Hostname  string
	LockedAt  time.Time
}

func (e *ErrStateLocked) Error() string {
	return fmt.Sprintf("state file is locked by PID %d on %s since %s",
		e.HolderPID, e.Hostname, e.LockedAt.UTC().Format(time.RFC3339))
}

// LocalBackend stores every slot in one JSON file. Writes take an
// exclusive lock file next to it and keep the previous content as a
// ".bak" copy.
type LocalBackend struct {
	Path       string
	lockConfig LockConfig
	lockFile   *os.File
}

// NewLocalBackend creates a file backend at path.
func NewLocalBackend(path string) *LocalBackend {
	return &LocalBackend{Path: path, lockConfig: DefaultLockConfig()}
}

// WithLockConfig overrides the non-zero fields of cfg.
func (b *LocalBackend) WithLockConfig(cfg LockConfig) *LocalBackend {
	if cfg.LockTimeout > 0 {
		b.lockConfig.LockTimeout = cfg.LockTimeout
	}
	if cfg.StaleThreshold > 0 {
		b.lockConfig.StaleThreshold = cfg.StaleThreshold
	}
	return b
}

// slotFile is the on-disk JSON structure.
type slotFile struct {
	Version string            `json:"version"`
	Slots   map[string]string `json:"slots"`
}

// Get reads one slot.
func (b *LocalBackend) Get(_ context.Context, slot string) (string, error) {
	slots, err := b.Load()
	if err != nil {
		return "", err
	}
	return slots[slot], nil
}

// Set rewrites the file with slot updated, holding the lock throughout.
func (b *LocalBackend) Set(ctx context.Context, slot, value string) error {
	if err := b.LockWithContext(ctx); err != nil {
		return err
	}
	defer func() { _ = b.Unlock() }()

	slots, err := b.Load()
	if err != nil {
		return err
	}
	slots[slot] = value
	return b.Save(slots)
}

// Close is a no-op; the lock is only held inside Set.
func (b *LocalBackend) Close() error { return nil }

// Load reads all slots. A missing file with a readable backup restores the
// backup. A missing file without a backup is an empty slot set.
func (b *LocalBackend) Load() (map[string]string, error) {
	data, err := os.ReadFile(b.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			slots, bakErr := b.loadFromBackup()
			if bakErr == nil {
				return slots, nil
			}
			if errors.Is(bakErr, os.ErrNotExist) {
				return map[string]string{}, nil
			}
			return nil, &ErrStateCorrupted{Path: b.Path, BackupUsed: true, Err: bakErr}
		}
		return nil, err
	}
	slots, decodeErr := decodeSlotFile(data)
	if decodeErr == nil {
		return slots, nil
	}

	slots, bakErr := b.loadFromBackup()
	if bakErr == nil {
		return slots, nil
	}
	if errors.Is(bakErr, os.ErrNotExist) {
		return nil, &ErrStateCorrupted{Path: b.Path, Err: decodeErr}
	}
	return nil, &ErrStateCorrupted{Path: b.Path, BackupUsed: true, Err: decodeErr}
}

// Save writes all slots. The previous file, if any, becomes the backup.
func (b *LocalBackend) Save(slots map[string]string) error {
	if slots == nil {
		slots = map[string]string{}
	}
	data, err := json.MarshalIndent(slotFile{Version: fileVersion, Slots: slots}, "", "  ")
	if err != nil {
		return err
	}
	data = append(data, '\n')

	if prev, err := os.ReadFile(b.Path); err == nil {
		if _, decodeErr := decodeSlotFile(prev); decodeErr == nil {
			if err := os.WriteFile(b.backupPath(), prev, 0644); err != nil {
				return fmt.Errorf("write backup: %w", err)
			}
		}
	}

	tmp := b.Path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, b.Path)
}

func (b *LocalBackend) backupPath() string { return b.Path + ".bak" }

func (b *LocalBackend) lockPath() string { return b.Path + ".lock" }

// loadFromBackup decodes the backup and restores it as the main file.
func (b *LocalBackend) loadFromBackup() (map[string]string, error) {
	data, err := os.ReadFile(b.backupPath())
	if err != nil {
		return nil, err
	}
	slots, err := decodeSlotFile(data)
	if err != nil {
		return nil, err
	}
	_ = os.WriteFile(b.Path, data, 0644)
	return slots, nil
}

func decodeSlotFile(data []byte) (map[string]string, error) {
	var sf slotFile
	if err := json.Unmarshal(data, &sf); err != nil {
		return nil, err
	}
	if sf.Slots == nil {
		sf.Slots = map[string]string{}
	}
	return sf.Slots, nil
}

// lockInfo is written into the lock file by its holder.
type lockInfo struct {
	PID      int       `json:"pid"`
	Created  time.Time `json:"created"`
	Hostname string    `json:"hostname"`
}

// Lock acquires the lock file using the configured timeout.
func (b *LocalBackend) Lock() error {
	return b.LockWithContext(context.Background())
}

// LockWithContext acquires the lock file. A lock whose holder is dead, or
// which is older than the stale threshold, is broken.
func (b *LocalBackend) LockWithContext(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, b.lockConfig.LockTimeout)
	defer cancel()

	path := b.lockPath()
	for {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
		if err != nil {
			return fmt.Errorf("open lock file: %w", err)
		}
		if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err == nil {
			b.writeLockInfo(f, os.Getpid())
			b.lockFile = f
			return nil
		}
		_ = f.Close()

		info := b.readLockInfo(path)
		if info != nil && b.isStale(info) {
			_ = os.Remove(path)
			continue
		}

		select {
		case <-ctx.Done():
			if info == nil {
				return fmt.Errorf("acquire state lock: %w", ctx.Err())
			}
			return &ErrStateLocked{HolderPID: info.PID, Hostname: info.Hostname, LockedAt: info.Created}
		case <-time.After(50 * time.Millisecond):
		}
	}
}

// Unlock releases and removes the lock file.
func (b *LocalBackend) Unlock() error {
	if b.lockFile == nil {
		return nil
	}
	f := b.lockFile
	b.lockFile = nil
	_ = os.Remove(b.lockPath())
	_ = syscall.Flock(int(f.Fd()), syscall.LOCK_UN)
	return f.Close()
}

func (b *LocalBackend) isStale(info *lockInfo) bool {
	if !isProcessAlive(info.PID) {
		return true
	}
	return time.Since(info.Created) > b.lockConfig.StaleThreshold
}

func (b *LocalBackend) writeLockInfo(f *os.File, pid int) {
	host, _ := os.Hostname()
	data, err := json.Marshal(lockInfo{PID: pid, Created: time.Now(), Hostname: host})
	if err != nil {
		return
	}
	_ = f.Truncate(0)
	_, _ = f.WriteAt(data, 0)
	_ = f.Sync()
}

func (b *LocalBackend) readLockInfo(path string) *lockInfo {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	var info lockInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return nil
	}
	return &info
}

func isProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := syscall.Kill(pid, 0)
	return err == nil || errors.Is(err, syscall.EPERM)
}
