// Package secondary defines the transport contract the update cycle
// uses to drive subordinate ECUs: push trust metadata, transfer
// firmware under a cancellation token, trigger install, read back a
// manifest, and resume a pending install after restart.
//
// Generalizes a transport-agnostic, single-RPC bridge interface to the
// five-call Uptane secondary contract.
package secondary

import (
	"context"

	"github.com/ota-uptane/client-core/pkg/uptane"
)

// TrustChain is the set of signed envelopes a secondary needs to verify
// future metadata on its own: the Director and Image Root files (and,
// for rotation, any intermediate Roots) plus the current Targets.
type TrustChain struct {
	DirectorRoot    uptane.Envelope
	ImageRoot       uptane.Envelope
	DirectorTargets uptane.Envelope
}

// Manifest is a subordinate's self-report of installed packages and
// any install result pending since the last report.
type Manifest struct {
	ECUSerial     string
	Installed     []uptane.Target
	LastResult    *InstallResult
	CorrelationID string
}

// InstallResult is the {status, message} a secondary reports for one
// install attempt.
type InstallResult struct {
	Status  string
	Message string
}

// Transport is the per-ECU contract a secondary backend implements.
type Transport interface {
	// ECUSerial identifies the subordinate this transport talks to.
	ECUSerial() string

	// PutMetadata pushes the verified trust chain to the subordinate so
	// it can verify firmware and manifests independently.
	PutMetadata(ctx context.Context, chain TrustChain) error

	// SendFirmware transfers target's content, observing ctx for
	// cooperative cancellation at coarse-grained steps.
	SendFirmware(ctx context.Context, target uptane.Target, updateType string) error

	// Install triggers activation of previously sent firmware.
	Install(ctx context.Context, target uptane.Target) (InstallResult, error)

	// GetManifest reads back the subordinate's current self-report.
	GetManifest(ctx context.Context) (Manifest, error)

	// CompletePendingInstall resumes a pending install after the
	// primary itself restarts (e.g. after AwaitReboot).
	CompletePendingInstall(ctx context.Context, target uptane.Target) (InstallResult, error)
}
