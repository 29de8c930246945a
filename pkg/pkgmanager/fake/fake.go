// Package fake implements an in-memory pkgmanager.PackageManager used
// by tests and the loopback demo topology, following the usual
// thread-safe in-memory map pattern for test doubles.
package fake

import (
	"context"
	"fmt"
	"sync"

	"github.com/ota-uptane/client-core/pkg/pkgmanager"
	"github.com/ota-uptane/client-core/pkg/uptane"
)

// Manager is a fully in-memory PackageManager. NeedsCompletion, when
// true, makes Install report pkgmanager.StatusNeedsCompletion instead
// of completing synchronously, mirroring backends that require a
// reboot or a host-level primary install.
type Manager struct {
	mu              sync.Mutex
	name            string
	NeedsCompletion bool
	FailInstall     bool
	current         uptane.Target
	pending         *uptane.Target
	rollbackFlag    bool
}

// New returns a fake backend identified by name.
func New(name string) *Manager {
	return &Manager{name: name, current: uptane.Unknown}
}

func (m *Manager) Name() string { return m.name }

func (m *Manager) GetInstalledPackages(_ context.Context) ([]pkgmanager.InstalledPackage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current.Name == "" || m.current.Name == uptane.Unknown.Name {
		return nil, nil
	}
	return []pkgmanager.InstalledPackage{{Name: m.current.Name, Version: m.current.Name}}, nil
}

func (m *Manager) GetCurrent(_ context.Context) (uptane.Target, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current, nil
}

func (m *Manager) Install(ctx context.Context, target uptane.Target) (pkgmanager.Result, error) {
	select {
	case <-ctx.Done():
		return pkgmanager.Result{Status: pkgmanager.StatusOperationCancelled, Message: "cancelled"}, nil
	default:
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.FailInstall {
		return pkgmanager.Result{Status: pkgmanager.StatusInstallFailed, Message: "injected install failure"}, nil
	}

	if m.NeedsCompletion {
		t := target
		m.pending = &t
		return pkgmanager.Result{Status: pkgmanager.StatusNeedsCompletion, Message: "reboot required to activate " + target.Name}, nil
	}

	m.current = target
	return pkgmanager.Result{Status: pkgmanager.StatusOk, Message: "installed " + target.Name}, nil
}

func (m *Manager) FinalizeInstall(_ context.Context, target uptane.Target) (pkgmanager.Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.pending == nil || m.pending.Name != target.Name {
		return pkgmanager.Result{Status: pkgmanager.StatusInstallFailed, Message: "no pending install matches target"}, nil
	}

	m.current = *m.pending
	m.pending = nil
	return pkgmanager.Result{Status: pkgmanager.StatusOk, Message: "finalized " + target.Name}, nil
}

func (m *Manager) PendingPrimaryUpdate(_ context.Context) (*uptane.Target, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pending, nil
}

func (m *Manager) CheckRollback(_ context.Context) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rollbackFlag, nil
}

// SetRollback is a test hook simulating a bootloader-triggered rollback
// indicator being present at the next CheckRollback call.
func (m *Manager) SetRollback(v bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rollbackFlag = v
}

func (m *Manager) RollbackPendingInstall(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pending == nil {
		return fmt.Errorf("fake: no pending install to roll back")
	}
	m.pending = nil
	m.rollbackFlag = false
	return nil
}

var _ pkgmanager.PackageManager = (*Manager)(nil)
