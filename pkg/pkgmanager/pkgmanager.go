// Package pkgmanager defines the pluggable package-manager dispatcher
// contract: atomic install, reboot-required completion, rollback
// detection, and synchronous primary+secondary update support.
// Modeled as a small capability interface — each backend is a separate
// value implementing it, in the same interface/implementation split
// style as a pluggable registry (an interface plus an in-memory
// implementation).
package pkgmanager

import (
	"context"

	"github.com/ota-uptane/client-core/pkg/uptane"
)

// Status is the outcome of an Install or FinalizeInstall call.
type Status string

const (
	StatusOk                 Status = "ok"
	StatusNeedsCompletion    Status = "needs_completion"
	StatusDownloadFailed     Status = "download_failed"
	StatusInstallFailed      Status = "install_failed"
	StatusInternalError      Status = "internal_error"
	StatusOperationCancelled Status = "operation_cancelled"
)

// Result is the {status, message} pair every install-path call returns.
type Result struct {
	Status  Status
	Message string
}

// InstalledPackage is one entry of GetInstalledPackages.
type InstalledPackage struct {
	Name    string
	Version string
}

// PackageManager is the contract every installation backend implements.
type PackageManager interface {
	// Name identifies the backend.
	Name() string

	// GetInstalledPackages lists packages the backend currently knows about.
	GetInstalledPackages(ctx context.Context) ([]InstalledPackage, error)

	// GetCurrent returns the active Target, or uptane.Unknown if the
	// backend cannot determine it.
	GetCurrent(ctx context.Context) (uptane.Target, error)

	// Install attempts to install target. It must either succeed
	// completely or leave the previously running version serviceable.
	Install(ctx context.Context, target uptane.Target) (Result, error)

	// FinalizeInstall is called after reboot; it must reject if no
	// Pending InstalledVersion matches target.
	FinalizeInstall(ctx context.Context, target uptane.Target) (Result, error)

	// PendingPrimaryUpdate is queried by secondaries performing a
	// synchronized primary+secondary update.
	PendingPrimaryUpdate(ctx context.Context) (*uptane.Target, error)

	// CheckRollback is queried after reboot to detect a bootloader-
	// triggered rollback.
	CheckRollback(ctx context.Context) (bool, error)

	// RollbackPendingInstall tidies up after a detected rollback.
	RollbackPendingInstall(ctx context.Context) error
}
