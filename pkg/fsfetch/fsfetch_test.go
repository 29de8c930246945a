package fsfetch

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ota-uptane/client-core/pkg/cycle"
	"github.com/ota-uptane/client-core/pkg/uptane"
	"github.com/ota-uptane/client-core/pkg/uptane/repobuilder"
)

func TestFetchRootReturnsNotFoundErrorWhenMissing(t *testing.T) {
	src := New(t.TempDir())
	_, err := src.FetchRoot(context.Background(), uptane.RepoDirector, 0)
	require.True(t, cycle.IsNotFound(err))
}

func TestFetchImageReturnsNotFoundErrorWhenMissing(t *testing.T) {
	src := New(t.TempDir())
	_, err := src.FetchImage(context.Background(), "nope.bin")
	require.True(t, cycle.IsNotFound(err))
}

func TestPresentReflectsBaseExistence(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "does-not-exist")
	src := New(missing)
	present, err := src.Present(context.Background())
	require.NoError(t, err)
	require.False(t, present)

	existing := t.TempDir()
	src = New(existing)
	present, err = src.Present(context.Background())
	require.NoError(t, err)
	require.True(t, present)
}

func TestFetchRootRotationWalksNumberedVersions(t *testing.T) {
	base := t.TempDir()
	b := repobuilder.New(base)
	require.NoError(t, b.Generate(uptane.KeyEd25519, time.Time{}))

	src := New(base)
	ctx := context.Background()

	latest, err := src.FetchRoot(ctx, uptane.RepoDirector, 0)
	require.NoError(t, err)
	v1, err := src.FetchRoot(ctx, uptane.RepoDirector, 1)
	require.NoError(t, err)
	require.Equal(t, latest.Signed, v1.Signed)

	_, err = src.FetchRoot(ctx, uptane.RepoDirector, 2)
	require.True(t, cycle.IsNotFound(err))
}
