package scopedguard

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCloseRunsCleanupOnce(t *testing.T) {
	calls := 0
	g := New(func() { calls++ })
	g.Close()
	g.Close()
	require.Equal(t, 1, calls)
}

func TestReleaseDisarmsWithoutRunningCleanup(t *testing.T) {
	calls := 0
	g := New(func() { calls++ })
	g.Release()
	g.Close()
	require.Equal(t, 0, calls)
}

func TestNilCleanupIsSafe(t *testing.T) {
	g := New(nil)
	require.NotPanics(t, g.Close)
}
