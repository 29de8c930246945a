// Command uptane-client is the update-cycle daemon: it loads
// configuration, provisions trust from the configured repository
// directory, and drives pkg/cycle until an operator signal or a
// once-mode completion.
//
// Uses a flag-free daemon main with signal.Notify(os.Interrupt,
// syscall.SIGTERM) shutdown and a dedicated metrics setup block (an
// OpenTelemetry meter provider; there is no health endpoint), sized to
// the small set of components this daemon assembles.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/ota-uptane/client-core/internal/config"
	"github.com/ota-uptane/client-core/internal/logging"
	"github.com/ota-uptane/client-core/pkg/cmdqueue"
	"github.com/ota-uptane/client-core/pkg/cycle"
	"github.com/ota-uptane/client-core/pkg/fsfetch"
	"github.com/ota-uptane/client-core/pkg/metrics"
	"github.com/ota-uptane/client-core/pkg/pkgmanager"
	"github.com/ota-uptane/client-core/pkg/pkgmanager/fake"
	"github.com/ota-uptane/client-core/pkg/pkgmanager/imagefile"
	"github.com/ota-uptane/client-core/pkg/secondary"
	"github.com/ota-uptane/client-core/pkg/secondary/loopback"
	"github.com/ota-uptane/client-core/pkg/uptane"
	"github.com/ota-uptane/client-core/pkg/uptane/verify"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "uptane-client:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := logging.New(os.Stdout, cfg.LogLevel)

	meterProvider := sdkmetric.NewMeterProvider()
	defer meterProvider.Shutdown(context.Background())
	met, err := metrics.New(meterProvider.Meter("uptane-client"))
	if err != nil {
		return fmt.Errorf("metrics: %w", err)
	}

	directorTrust, err := loadTrustRoot(cfg.RepoDir, uptane.RepoDirector)
	if err != nil {
		return fmt.Errorf("load director trust root: %w", err)
	}
	imageTrust, err := loadTrustRoot(cfg.RepoDir, uptane.RepoImage)
	if err != nil {
		return fmt.Errorf("load image trust root: %w", err)
	}

	pm, pmDir := buildPackageManager()
	online := fsfetch.New(cfg.RepoDir)
	var offline cycle.OfflineSource
	if cfg.OfflineEnabled {
		offline = fsfetch.New(cfg.OfflineSource)
	}

	primarySerial := getenv("UPTANE_PRIMARY_ECU_SERIAL", "primary")
	secondaries := buildSecondaries(getenv("UPTANE_SECONDARY_ECU_SERIALS", ""))

	startupCtx, startupCancel := context.WithCancel(context.Background())
	rebootRequired, err := completePendingInstall(startupCtx, logger, pm, online, secondaries)
	startupCancel()
	if err != nil {
		return fmt.Errorf("complete pending install: %w", err)
	}
	if rebootRequired {
		logger.Warn("bootloader rolled back the pending install, restarted secondary workloads and need a second reboot")
		return nil
	}

	queue := cmdqueue.New(context.Background())
	defer queue.Shutdown()

	cyc := cycle.New(
		cycle.Config{
			PrimaryECUSerial: primarySerial,
			LockFilePath:     cfg.LockFile,
			PollingInterval:  cfg.PollingInterval,
			OfflineEnabled:   cfg.OfflineEnabled,
			Once:             cfg.Once,
			StagingDir:       filepath.Join(pmDir, "staged"),
		},
		logger, met, queue, online, offline, directorTrust, imageTrust, pm, secondaries,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("shutdown signal received")
		cyc.Stop()
		cancel()
	}()

	logger.Info("uptane-client starting", "repo_dir", cfg.RepoDir, "primary_ecu", primarySerial, "once", cfg.Once)
	result, err := cyc.Run(ctx)
	logger.Info("uptane-client stopped", "result", result)
	if err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

// completePendingInstall runs before the cycle loop starts, closing out
// a primary install left StateAwaitReboot by a prior run. If the
// bootloader rolled the device back, it tidies up the primary via
// RollbackPendingInstall, restarts the prior workload on every
// registered secondary so their state matches the rolled-back primary,
// and reports rebootRequired so the caller exits for a second reboot
// instead of starting the cycle loop. Otherwise it finalizes the
// install and reports the outcome as a device manifest on this, the
// first online round-trip.
func completePendingInstall(ctx context.Context, logger *slog.Logger, pm pkgmanager.PackageManager, online cycle.Fetcher, secondaries map[string]secondary.Transport) (rebootRequired bool, err error) {
	pending, err := pm.PendingPrimaryUpdate(ctx)
	if err != nil {
		return false, fmt.Errorf("check pending primary update: %w", err)
	}
	if pending == nil {
		return false, nil
	}

	rolledBack, err := pm.CheckRollback(ctx)
	if err != nil {
		return false, fmt.Errorf("check rollback: %w", err)
	}
	if rolledBack {
		logger.Warn("bootloader reported rollback of pending install", "target", pending.Name)
		if err := pm.RollbackPendingInstall(ctx); err != nil {
			return false, fmt.Errorf("roll back pending install: %w", err)
		}
		restartSecondaryWorkloads(ctx, logger, *pending, secondaries)
		return true, nil
	}

	res, err := pm.FinalizeInstall(ctx, *pending)
	if err != nil {
		return false, fmt.Errorf("finalize install: %w", err)
	}
	logger.Info("finalized pending install after reboot", "target", pending.Name, "status", res.Status)

	manifest, err := json.Marshal(struct {
		Installed string            `json:"installed"`
		Status    pkgmanager.Status `json:"status"`
		Message   string            `json:"message,omitempty"`
	}{Installed: pending.Name, Status: res.Status, Message: res.Message})
	if err != nil {
		return false, fmt.Errorf("marshal post-reboot manifest: %w", err)
	}
	if err := online.ReportManifest(ctx, manifest); err != nil {
		logger.Warn("report post-reboot manifest failed", "error", err)
	}
	return false, nil
}

// restartSecondaryWorkloads resumes target on every registered
// secondary after a primary rollback, mirroring
// completePendingInstall's own FinalizeInstall call for the primary:
// each secondary's CompletePendingInstall resolves whatever it was
// left doing across the reboot it shared with the primary.
func restartSecondaryWorkloads(ctx context.Context, logger *slog.Logger, target uptane.Target, secondaries map[string]secondary.Transport) {
	for serial, sec := range secondaries {
		res, err := sec.CompletePendingInstall(ctx, target)
		if err != nil {
			logger.Warn("restart secondary workload after primary rollback failed", "ecu", serial, "error", err)
			continue
		}
		logger.Info("restarted secondary workload after primary rollback", "ecu", serial, "status", res.Status)
	}
}

// loadTrustRoot reads <repoDir>/repo/<repo>/root.json and self-verifies
// it as the provisioning trust anchor.
func loadTrustRoot(repoDir string, repo uptane.RepoType) (*verify.TrustRoot, error) {
	path := filepath.Join(repoDir, "repo", string(repo), "root.json")
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var env uptane.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("unmarshal %s: %w", path, err)
	}
	return verify.NewTrustRoot(repo, &env)
}

// buildPackageManager selects the primary PackageManager backend via
// UPTANE_PKG_BACKEND (imagefile, the default, or fake for a dry run),
// returning it alongside its working directory so the cycle can derive
// a staging path from the same root.
func buildPackageManager() (pkgmanager.PackageManager, string) {
	dir := getenv("UPTANE_PKG_DIR", filepath.Join(os.TempDir(), "uptane-pkgmanager"))
	switch getenv("UPTANE_PKG_BACKEND", "imagefile") {
	case "fake":
		return fake.New("fake"), dir
	default:
		return imagefile.New(dir), dir
	}
}

// buildSecondaries wires one in-process loopback.Transport per ECU
// serial in a comma-separated list, backed by its own fake
// PackageManager. Real secondary transports are an external interface;
// this is the demo/test topology.
func buildSecondaries(serialList string) map[string]secondary.Transport {
	out := make(map[string]secondary.Transport)
	for _, serial := range strings.Split(serialList, ",") {
		serial = strings.TrimSpace(serial)
		if serial == "" {
			continue
		}
		out[serial] = loopback.New(serial, fake.New(serial))
	}
	return out
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
