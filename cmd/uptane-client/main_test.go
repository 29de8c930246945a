package main

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ota-uptane/client-core/pkg/fsfetch"
	"github.com/ota-uptane/client-core/pkg/pkgmanager"
	"github.com/ota-uptane/client-core/pkg/pkgmanager/fake"
	"github.com/ota-uptane/client-core/pkg/secondary"
	"github.com/ota-uptane/client-core/pkg/secondary/loopback"
	"github.com/ota-uptane/client-core/pkg/uptane"
	"github.com/ota-uptane/client-core/pkg/uptane/repobuilder"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestCompletePendingInstallNoopWhenNothingPending(t *testing.T) {
	pm := fake.New("primary")
	online := fsfetch.New(t.TempDir())
	rebootRequired, err := completePendingInstall(context.Background(), discardLogger(), pm, online, nil)
	require.NoError(t, err)
	require.False(t, rebootRequired)
}

func TestCompletePendingInstallFinalizesAndReportsManifest(t *testing.T) {
	base := t.TempDir()
	b := repobuilder.New(base)
	require.NoError(t, b.Generate(uptane.KeyEd25519, time.Time{}))

	pm := fake.New("primary")
	pm.NeedsCompletion = true
	_, err := pm.Install(context.Background(), uptane.Target{Name: "app-2.0.bin"})
	require.NoError(t, err)

	online := fsfetch.New(base)
	rebootRequired, err := completePendingInstall(context.Background(), discardLogger(), pm, online, nil)
	require.NoError(t, err)
	require.False(t, rebootRequired)

	current, err := pm.GetCurrent(context.Background())
	require.NoError(t, err)
	require.Equal(t, "app-2.0.bin", current.Name)

	manifestPath := filepath.Join(base, "repo", string(uptane.RepoDirector), "manifest")
	raw, err := os.ReadFile(manifestPath)
	require.NoError(t, err)
	var doc struct {
		Installed string `json:"installed"`
		Status    string `json:"status"`
	}
	require.NoError(t, json.Unmarshal(raw, &doc))
	require.Equal(t, "app-2.0.bin", doc.Installed)
	require.Equal(t, string(pkgmanager.StatusOk), doc.Status)
}

func TestCompletePendingInstallRollsBackOnBootloaderRollback(t *testing.T) {
	pm := fake.New("primary")
	pm.NeedsCompletion = true
	_, err := pm.Install(context.Background(), uptane.Target{Name: "app-2.0.bin"})
	require.NoError(t, err)
	pm.SetRollback(true)

	online := fsfetch.New(t.TempDir())
	rebootRequired, err := completePendingInstall(context.Background(), discardLogger(), pm, online, nil)
	require.NoError(t, err)
	require.True(t, rebootRequired)

	pending, err := pm.PendingPrimaryUpdate(context.Background())
	require.NoError(t, err)
	require.Nil(t, pending)
}

func TestCompletePendingInstallRestartsSecondaryWorkloadsOnRollback(t *testing.T) {
	pm := fake.New("primary")
	pm.NeedsCompletion = true
	_, err := pm.Install(context.Background(), uptane.Target{Name: "app-2.0.bin"})
	require.NoError(t, err)
	pm.SetRollback(true)

	secPM := fake.New("secondary-1")
	secPM.NeedsCompletion = true
	_, err = secPM.Install(context.Background(), uptane.Target{Name: "app-2.0.bin"})
	require.NoError(t, err)
	secTransport := loopback.New("secondary-1", secPM)
	secondaries := map[string]secondary.Transport{"secondary-1": secTransport}

	online := fsfetch.New(t.TempDir())
	rebootRequired, err := completePendingInstall(context.Background(), discardLogger(), pm, online, secondaries)
	require.NoError(t, err)
	require.True(t, rebootRequired)

	current, err := secPM.GetCurrent(context.Background())
	require.NoError(t, err)
	require.Equal(t, "app-2.0.bin", current.Name)
}

func TestLoadTrustRootReadsGeneratedRepo(t *testing.T) {
	base := t.TempDir()
	b := repobuilder.New(base)
	require.NoError(t, b.Generate(uptane.KeyEd25519, time.Time{}))

	trust, err := loadTrustRoot(base, uptane.RepoDirector)
	require.NoError(t, err)
	require.Equal(t, uptane.RepoDirector, trust.Repo)
}

func TestLoadTrustRootFailsWhenMissing(t *testing.T) {
	_, err := loadTrustRoot(t.TempDir(), uptane.RepoDirector)
	require.Error(t, err)
}

func TestBuildPackageManagerSelectsBackendFromEnv(t *testing.T) {
	t.Setenv("UPTANE_PKG_BACKEND", "fake")
	pm, _ := buildPackageManager()
	require.Equal(t, "fake", pm.Name())
}

func TestBuildSecondariesParsesCommaSeparatedSerials(t *testing.T) {
	out := buildSecondaries("ecu-1, ecu-2,,ecu-3")
	require.Len(t, out, 3)
	require.Contains(t, out, "ecu-1")
	require.Contains(t, out, "ecu-2")
	require.Contains(t, out, "ecu-3")
}

func TestGetenvFallsBackToDefault(t *testing.T) {
	require.Equal(t, "fallback", getenv("UPTANE_TEST_UNSET_VAR", "fallback"))
	t.Setenv("UPTANE_TEST_UNSET_VAR", "set")
	require.Equal(t, "set", getenv("UPTANE_TEST_UNSET_VAR", "fallback"))
}
