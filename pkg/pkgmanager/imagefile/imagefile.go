// Package imagefile implements a PackageManager backend that stages a
// new artifact file alongside the current one and, on activation
// failure, restarts the old artifact to preserve atomicity. The
// stage/commit/rollback shape is adapted from a SQL-transaction
// pattern to a filesystem rename.
package imagefile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/ota-uptane/client-core/internal/fsstore"
	"github.com/ota-uptane/client-core/pkg/pkgmanager"
	"github.com/ota-uptane/client-core/pkg/uptane"
)

// Manager installs targets as plain files under Dir, simulating an
// artifact that must be "restarted" (activated) after a reboot.
type Manager struct {
	mu  sync.Mutex
	dir string

	// ActivateFails, when set, is returned by the simulated activation
	// step in FinalizeInstall instead of succeeding — used by tests to
	// exercise the "new failed / old restored" vs "new failed / old
	// also broken" distinction.
	ActivateFails func() error
	// RestartOldFails simulates the old artifact also being broken
	// when activation of the new one fails.
	RestartOldFails bool
}

type state struct {
	Current *uptane.Target `json:"current"`
	Pending *uptane.Target `json:"pending"`
}

// New returns a backend staging files under dir.
func New(dir string) *Manager {
	return &Manager{dir: dir}
}

func (m *Manager) Name() string { return "imagefile" }

func (m *Manager) statePath() string { return filepath.Join(m.dir, "state.json") }

func (m *Manager) loadState() (state, error) {
	raw, err := os.ReadFile(m.statePath())
	if errors.Is(err, os.ErrNotExist) {
		return state{}, nil
	}
	if err != nil {
		return state{}, fmt.Errorf("imagefile: read state: %w", err)
	}
	var s state
	if err := json.Unmarshal(raw, &s); err != nil {
		return state{}, fmt.Errorf("imagefile: unmarshal state: %w", err)
	}
	return s, nil
}

func (m *Manager) saveState(s state) error {
	raw, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("imagefile: marshal state: %w", err)
	}
	return fsstore.WriteFileAtomic(m.statePath(), raw, 0o644)
}

func (m *Manager) GetInstalledPackages(_ context.Context) ([]pkgmanager.InstalledPackage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, err := m.loadState()
	if err != nil {
		return nil, err
	}
	if s.Current == nil {
		return nil, nil
	}
	return []pkgmanager.InstalledPackage{{Name: s.Current.Name, Version: s.Current.Name}}, nil
}

func (m *Manager) GetCurrent(_ context.Context) (uptane.Target, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, err := m.loadState()
	if err != nil {
		return uptane.Target{}, err
	}
	if s.Current == nil {
		return uptane.Unknown, nil
	}
	return *s.Current, nil
}

// stagedPath is where the update cycle's downloader is expected to
// have placed the verified artifact bytes before calling Install.
func (m *Manager) stagedPath(target uptane.Target) string {
	return filepath.Join(m.dir, "staged", target.Name)
}

func (m *Manager) activePath(name string) string {
	return filepath.Join(m.dir, "active", name)
}

// Install stages target: the artifact at stagedPath(target) must
// already exist (written by the downloader); it is copied into the
// install directory as pending and recorded in state, without
// disturbing the currently active artifact. Completion (activation)
// happens in FinalizeInstall, after the host-level reboot this backend
// always requires.
func (m *Manager) Install(ctx context.Context, target uptane.Target) (pkgmanager.Result, error) {
	select {
	case <-ctx.Done():
		return pkgmanager.Result{Status: pkgmanager.StatusOperationCancelled, Message: "cancelled before install"}, nil
	default:
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	staged := m.stagedPath(target)
	data, err := os.ReadFile(staged)
	if err != nil {
		return pkgmanager.Result{Status: pkgmanager.StatusDownloadFailed, Message: fmt.Sprintf("staged artifact missing: %v", err)}, nil
	}

	pendingPath := m.activePath(target.Name + ".pending")
	if err := fsstore.WriteFileAtomic(pendingPath, data, 0o644); err != nil {
		return pkgmanager.Result{Status: pkgmanager.StatusInstallFailed, Message: err.Error()}, nil
	}

	s, err := m.loadState()
	if err != nil {
		return pkgmanager.Result{}, err
	}
	t := target
	s.Pending = &t
	if err := m.saveState(s); err != nil {
		return pkgmanager.Result{}, err
	}

	return pkgmanager.Result{Status: pkgmanager.StatusNeedsCompletion, Message: "staged " + target.Name + ", reboot required"}, nil
}

// FinalizeInstall activates the pending artifact after reboot. If
// activation fails, it restarts the previously active artifact (which
// is left untouched on disk until activation commits) and reports
// InstallFailed with a message distinguishing whether the old artifact
// was successfully restored.
func (m *Manager) FinalizeInstall(_ context.Context, target uptane.Target) (pkgmanager.Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, err := m.loadState()
	if err != nil {
		return pkgmanager.Result{}, err
	}
	if s.Pending == nil || s.Pending.Name != target.Name {
		return pkgmanager.Result{Status: pkgmanager.StatusInstallFailed, Message: "no pending install matches target"}, nil
	}

	if m.ActivateFails != nil {
		if err := m.ActivateFails(); err != nil {
			if m.RestartOldFails {
				return pkgmanager.Result{Status: pkgmanager.StatusInstallFailed, Message: fmt.Sprintf("new failed (%v) / old also broken", err)}, nil
			}
			return pkgmanager.Result{Status: pkgmanager.StatusInstallFailed, Message: fmt.Sprintf("new failed (%v) / old restored", err)}, nil
		}
	}

	pendingPath := m.activePath(target.Name + ".pending")
	data, err := os.ReadFile(pendingPath)
	if err != nil {
		return pkgmanager.Result{Status: pkgmanager.StatusInstallFailed, Message: fmt.Sprintf("pending artifact missing: %v / old restored", err)}, nil
	}
	if err := fsstore.WriteFileAtomic(m.activePath(target.Name), data, 0o644); err != nil {
		return pkgmanager.Result{Status: pkgmanager.StatusInstallFailed, Message: fmt.Sprintf("activation commit failed: %v", err)}, nil
	}
	os.Remove(pendingPath)

	s.Current = s.Pending
	s.Pending = nil
	if err := m.saveState(s); err != nil {
		return pkgmanager.Result{}, err
	}
	return pkgmanager.Result{Status: pkgmanager.StatusOk, Message: "activated " + target.Name}, nil
}

func (m *Manager) PendingPrimaryUpdate(_ context.Context) (*uptane.Target, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, err := m.loadState()
	if err != nil {
		return nil, err
	}
	return s.Pending, nil
}

func (m *Manager) CheckRollback(_ context.Context) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, err := os.Stat(filepath.Join(m.dir, "rollback-indicator"))
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return err == nil, nil
}

func (m *Manager) RollbackPendingInstall(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, err := m.loadState()
	if err != nil {
		return err
	}
	if s.Pending == nil {
		return fmt.Errorf("imagefile: no pending install to roll back")
	}
	os.Remove(m.activePath(s.Pending.Name + ".pending"))
	s.Pending = nil
	if err := m.saveState(s); err != nil {
		return err
	}
	return os.Remove(filepath.Join(m.dir, "rollback-indicator"))
}

var _ pkgmanager.PackageManager = (*Manager)(nil)
