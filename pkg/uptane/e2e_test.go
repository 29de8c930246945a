package uptane_test

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ota-uptane/client-core/pkg/fsfetch"
	"github.com/ota-uptane/client-core/pkg/uptane"
	"github.com/ota-uptane/client-core/pkg/uptane/repobuilder"
	"github.com/ota-uptane/client-core/pkg/uptane/verify"
)

// TestGenerateAddSignVerifyFetchRoundTrip covers the fresh-repo
// scenario end to end: generate a repository, add an image, assign it
// to an ECU, sign, then verify and fetch it back exactly as the daemon
// would.
func TestGenerateAddSignVerifyFetchRoundTrip(t *testing.T) {
	base := t.TempDir()
	b := repobuilder.New(base)
	require.NoError(t, b.Generate(uptane.KeyEd25519, time.Time{}))

	imgPath := filepath.Join(t.TempDir(), "firmware-1.0.bin")
	require.NoError(t, os.WriteFile(imgPath, []byte("firmware payload bytes"), 0o644))
	require.NoError(t, b.AddImage(imgPath))
	require.NoError(t, b.AddTarget("firmware-1.0.bin", "hw-ecu-1", "primary", "corr-1"))
	require.NoError(t, b.SignTargets())

	src := fsfetch.New(base)
	ctx := context.Background()

	rootEnv, err := src.FetchRoot(ctx, uptane.RepoDirector, 0)
	require.NoError(t, err)
	trust, err := verify.NewTrustRoot(uptane.RepoDirector, rootEnv)
	require.NoError(t, err)
	v := verify.New(trust)

	targetsEnv, err := src.FetchTargets(ctx, uptane.RepoDirector)
	require.NoError(t, err)
	targetsBody, err := v.VerifyTargets(targetsEnv)
	require.NoError(t, err)
	require.Contains(t, targetsBody.Targets, "firmware-1.0.bin")

	snapEnv, err := src.FetchSnapshot(ctx, uptane.RepoDirector)
	require.NoError(t, err)
	_, err = v.VerifySnapshot(snapEnv, trust.Root.Version, targetsBody.Version)
	require.NoError(t, err)

	tsEnv, err := src.FetchTimestamp(ctx, uptane.RepoDirector)
	require.NoError(t, err)
	_, err = v.VerifyTimestamp(tsEnv, snapEnv.Signed)
	require.NoError(t, err)

	rc, err := src.FetchImage(ctx, "firmware-1.0.bin")
	require.NoError(t, err)
	defer rc.Close()
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.Equal(t, "firmware payload bytes", string(data))

	tf := targetsBody.Targets["firmware-1.0.bin"]
	require.Equal(t, int64(len(data)), tf.Length)
	require.Equal(t, "primary", mustECUSerial(t, tf))
}

// TestRootJSONMatchesOneRootJSON enforces the bootstrap invariant:
// root.json and 1.root.json must be byte-identical at generation time.
func TestRootJSONMatchesOneRootJSON(t *testing.T) {
	base := t.TempDir()
	b := repobuilder.New(base)
	require.NoError(t, b.Generate(uptane.KeyEd25519, time.Time{}))

	for _, repo := range []uptane.RepoType{uptane.RepoDirector, uptane.RepoImage} {
		dir := filepath.Join(base, "repo", string(repo))
		a, err := os.ReadFile(filepath.Join(dir, "root.json"))
		require.NoError(t, err)
		bb, err := os.ReadFile(filepath.Join(dir, "1.root.json"))
		require.NoError(t, err)
		require.Equal(t, a, bb)
	}
}

// TestAddImageBumpsVersionExactlyOnce checks that a single AddImage
// call bumps the Image repository's Targets version by exactly one.
func TestAddImageBumpsVersionExactlyOnce(t *testing.T) {
	base := t.TempDir()
	b := repobuilder.New(base)
	require.NoError(t, b.Generate(uptane.KeyEd25519, time.Time{}))

	before := roleVersion(t, base, uptane.RepoImage, uptane.RoleTargets)

	imgPath := filepath.Join(t.TempDir(), "app.bin")
	require.NoError(t, os.WriteFile(imgPath, []byte("v1"), 0o644))
	require.NoError(t, b.AddImage(imgPath))

	after := roleVersion(t, base, uptane.RepoImage, uptane.RoleTargets)
	require.Equal(t, before+1, after)
}

func roleVersion(t *testing.T, base string, repo uptane.RepoType, role uptane.Role) int {
	t.Helper()
	raw, err := os.ReadFile(filepath.Join(base, "repo", string(repo), string(role)+".json"))
	require.NoError(t, err)
	var env uptane.Envelope
	require.NoError(t, json.Unmarshal(raw, &env))
	var v struct {
		Version int `json:"version"`
	}
	require.NoError(t, json.Unmarshal(env.Signed, &v))
	return v.Version
}

func mustECUSerial(t *testing.T, tf uptane.TargetFile) string {
	t.Helper()
	require.NotNil(t, tf.Custom)
	for serial := range tf.Custom.ECUIdentifiers {
		return serial
	}
	t.Fatal("no ecu identifier found")
	return ""
}
