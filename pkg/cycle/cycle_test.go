package cycle_test

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ota-uptane/client-core/pkg/cmdqueue"
	"github.com/ota-uptane/client-core/pkg/cycle"
	"github.com/ota-uptane/client-core/pkg/fsfetch"
	"github.com/ota-uptane/client-core/pkg/pkgmanager/fake"
	"github.com/ota-uptane/client-core/pkg/secondary"
	"github.com/ota-uptane/client-core/pkg/uptane"
	"github.com/ota-uptane/client-core/pkg/uptane/repobuilder"
	"github.com/ota-uptane/client-core/pkg/uptane/verify"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func buildRepo(t *testing.T) string {
	t.Helper()
	base := t.TempDir()
	b := repobuilder.New(base)
	require.NoError(t, b.Generate(uptane.KeyEd25519, time.Time{}))

	imgPath := filepath.Join(t.TempDir(), "app-1.0.bin")
	require.NoError(t, os.WriteFile(imgPath, []byte("app bytes"), 0o644))
	require.NoError(t, b.AddImage(imgPath))
	require.NoError(t, b.AddTarget("app-1.0.bin", "hw-1", "primary", "corr-1"))
	require.NoError(t, b.SignTargets())
	return base
}

func loadTrust(t *testing.T, src *fsfetch.Source, repo uptane.RepoType) *verify.TrustRoot {
	t.Helper()
	env, err := src.FetchRoot(context.Background(), repo, 0)
	require.NoError(t, err)
	trust, err := verify.NewTrustRoot(repo, env)
	require.NoError(t, err)
	return trust
}

// TestCycleOnceRunInstallsAssignedTargetAndReachesNoUpdates exercises
// the fresh-update scenario: a single pending Director assignment
// is fetched, verified, downloaded, installed to the primary via the
// PackageManager, and a once-mode run terminates with NoUpdates once
// the backlog is drained.
func TestCycleOnceRunInstallsAssignedTargetAndReachesNoUpdates(t *testing.T) {
	base := buildRepo(t)
	src := fsfetch.New(base)
	directorTrust := loadTrust(t, src, uptane.RepoDirector)
	imageTrust := loadTrust(t, src, uptane.RepoImage)

	pm := fake.New("primary")
	queue := cmdqueue.New(context.Background())
	defer queue.Shutdown()

	cfg := cycle.Config{
		PrimaryECUSerial: "primary",
		LockFilePath:     filepath.Join(t.TempDir(), "update.lock"),
		PollingInterval:  time.Hour,
		Once:             true,
		StagingDir:       filepath.Join(t.TempDir(), "staged"),
	}
	secondaries := map[string]secondary.Transport{}

	c := cycle.New(cfg, discardLogger(), nil, queue, src, nil, directorTrust, imageTrust, pm, secondaries)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	result, err := c.Run(ctx)
	require.NoError(t, err)
	require.Equal(t, cycle.ResultNoUpdates, result)

	current, err := pm.GetCurrent(context.Background())
	require.NoError(t, err)
	require.Equal(t, "app-1.0.bin", current.Name)
}
