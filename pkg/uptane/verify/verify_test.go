package verify_test

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ota-uptane/client-core/pkg/uptane"
	"github.com/ota-uptane/client-core/pkg/uptane/repobuilder"
	"github.com/ota-uptane/client-core/pkg/uptane/verify"
)

func readEnvelope(t *testing.T, path string) *uptane.Envelope {
	t.Helper()
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	var env uptane.Envelope
	require.NoError(t, json.Unmarshal(raw, &env))
	return &env
}

func TestVerifyTargetsRejectsRollback(t *testing.T) {
	base := t.TempDir()
	b := repobuilder.New(base)
	require.NoError(t, b.Generate(uptane.KeyEd25519, time.Time{}))

	dirDir := filepath.Join(base, "repo", string(uptane.RepoDirector))
	rootEnv := readEnvelope(t, filepath.Join(dirDir, "root.json"))
	trust, err := verify.NewTrustRoot(uptane.RepoDirector, rootEnv)
	require.NoError(t, err)
	v := verify.New(trust)

	targetsEnv := readEnvelope(t, filepath.Join(dirDir, "targets.json"))
	_, err = v.VerifyTargets(targetsEnv)
	require.NoError(t, err)

	// Re-verifying the same (non-bumped) version is a legitimate re-fetch.
	_, err = v.VerifyTargets(targetsEnv)
	require.NoError(t, err)

	imgPath := filepath.Join(t.TempDir(), "x.bin")
	require.NoError(t, os.WriteFile(imgPath, []byte("x"), 0o644))
	require.NoError(t, b.AddImage(imgPath))
	require.NoError(t, b.AddTarget("x.bin", "hw", "primary", ""))
	require.NoError(t, b.SignTargets())

	bumped := readEnvelope(t, filepath.Join(dirDir, "targets.json"))
	_, err = v.VerifyTargets(bumped)
	require.NoError(t, err)

	// Feeding the now-stale envelope back in must be rejected as a rollback.
	_, err = v.VerifyTargets(targetsEnv)
	require.Error(t, err)
}

func TestVerifyRootRejectsVersionRegression(t *testing.T) {
	base := t.TempDir()
	b := repobuilder.New(base)
	require.NoError(t, b.Generate(uptane.KeyEd25519, time.Time{}))

	dirDir := filepath.Join(base, "repo", string(uptane.RepoDirector))
	rootEnv := readEnvelope(t, filepath.Join(dirDir, "root.json"))
	trust, err := verify.NewTrustRoot(uptane.RepoDirector, rootEnv)
	require.NoError(t, err)

	var body uptane.SignedRootBody
	require.NoError(t, json.Unmarshal(rootEnv.Signed, &body))
	body.Version = 0
	trust.Root.Version = 1

	raw, err := json.Marshal(body)
	require.NoError(t, err)
	regressed := &uptane.Envelope{Signed: raw, Signatures: rootEnv.Signatures}

	v := verify.New(trust)
	err = v.VerifyRoot(regressed)
	require.Error(t, err)
}

func TestVerifyTargetsRejectsMalformedEnvelopeShape(t *testing.T) {
	base := t.TempDir()
	b := repobuilder.New(base)
	require.NoError(t, b.Generate(uptane.KeyEd25519, time.Time{}))

	dirDir := filepath.Join(base, "repo", string(uptane.RepoDirector))
	rootEnv := readEnvelope(t, filepath.Join(dirDir, "root.json"))
	trust, err := verify.NewTrustRoot(uptane.RepoDirector, rootEnv)
	require.NoError(t, err)
	v := verify.New(trust)

	malformed := &uptane.Envelope{Signed: json.RawMessage(`{"_type":"Targets"}`), Signatures: nil}
	_, err = v.VerifyTargets(malformed)
	require.Error(t, err)
}

func TestNewTrustRootRejectsWrongType(t *testing.T) {
	base := t.TempDir()
	b := repobuilder.New(base)
	require.NoError(t, b.Generate(uptane.KeyEd25519, time.Time{}))

	dirDir := filepath.Join(base, "repo", string(uptane.RepoDirector))
	targetsEnv := readEnvelope(t, filepath.Join(dirDir, "targets.json"))
	_, err := verify.NewTrustRoot(uptane.RepoDirector, targetsEnv)
	require.Error(t, err)
}
