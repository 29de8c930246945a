// Package loopback implements an in-process secondary.Transport, used
// by tests and by single-ECU deployments where the "secondary" is
// really the same process acting through a local PackageManager,
// following the usual in-memory bridge double shape used for
// transport-layer tests.
package loopback

import (
	"context"
	"sync"

	"github.com/ota-uptane/client-core/pkg/pkgmanager"
	"github.com/ota-uptane/client-core/pkg/secondary"
	"github.com/ota-uptane/client-core/pkg/uptane"
)

// Transport drives a local PackageManager directly, with no network
// hop, as if it were a remote subordinate ECU.
type Transport struct {
	mu       sync.Mutex
	serial   string
	pm       pkgmanager.PackageManager
	chain    secondary.TrustChain
	sent     map[string]uptane.Target
	lastResult *secondary.InstallResult
}

// New returns a loopback transport for ecuSerial, backed by pm.
func New(ecuSerial string, pm pkgmanager.PackageManager) *Transport {
	return &Transport{serial: ecuSerial, pm: pm, sent: make(map[string]uptane.Target)}
}

func (t *Transport) ECUSerial() string { return t.serial }

func (t *Transport) PutMetadata(_ context.Context, chain secondary.TrustChain) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.chain = chain
	return nil
}

func (t *Transport) SendFirmware(ctx context.Context, target uptane.Target, _ string) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sent[target.Name] = target
	return nil
}

func (t *Transport) Install(ctx context.Context, target uptane.Target) (secondary.InstallResult, error) {
	t.mu.Lock()
	_, staged := t.sent[target.Name]
	t.mu.Unlock()
	if !staged {
		res := secondary.InstallResult{Status: "install_failed", Message: "no firmware staged for " + target.Name}
		t.recordResult(res)
		return res, nil
	}

	result, err := t.pm.Install(ctx, target)
	if err != nil {
		return secondary.InstallResult{}, err
	}
	res := secondary.InstallResult{Status: string(result.Status), Message: result.Message}
	t.recordResult(res)
	return res, nil
}

func (t *Transport) CompletePendingInstall(ctx context.Context, target uptane.Target) (secondary.InstallResult, error) {
	result, err := t.pm.FinalizeInstall(ctx, target)
	if err != nil {
		return secondary.InstallResult{}, err
	}
	res := secondary.InstallResult{Status: string(result.Status), Message: result.Message}
	t.recordResult(res)
	return res, nil
}

func (t *Transport) GetManifest(ctx context.Context) (secondary.Manifest, error) {
	current, err := t.pm.GetCurrent(ctx)
	if err != nil {
		return secondary.Manifest{}, err
	}
	t.mu.Lock()
	last := t.lastResult
	t.mu.Unlock()
	return secondary.Manifest{
		ECUSerial:  t.serial,
		Installed:  []uptane.Target{current},
		LastResult: last,
	}, nil
}

func (t *Transport) recordResult(res secondary.InstallResult) {
	t.mu.Lock()
	defer t.mu.Unlock()
	r := res
	t.lastResult = &r
}

var _ secondary.Transport = (*Transport)(nil)
