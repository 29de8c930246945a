//go:build property
// +build property

package repobuilder

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/ota-uptane/client-core/pkg/uptane"
)

func targetsVersion(t *testing.T, b *Builder, repo uptane.RepoType) int {
	t.Helper()
	_, version, err := b.loadTargetsBody(repo)
	if err != nil {
		t.Fatalf("load targets body: %v", err)
	}
	return version
}

func roleVersionFor(t *testing.T, b *Builder, repo uptane.RepoType, role uptane.Role) int {
	t.Helper()
	v, err := b.roleVersion(repo, role)
	if err != nil {
		t.Fatalf("role version: %v", err)
	}
	return v
}

// TestTargetsVersionMonotonicAfterNRewrites verifies that N successive
// AddImage calls bump the Image repository's Targets role by exactly N
// from its initial version.
// Property: version(Targets) == initial_version + N
func TestTargetsVersionMonotonicAfterNRewrites(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 20
	properties := gopter.NewProperties(parameters)

	properties.Property("Targets version is initial_version + N after N rewrites", prop.ForAll(
		func(n int) bool {
			base := t.TempDir()
			b := New(base)
			if err := b.Generate(uptane.KeyEd25519, time.Time{}); err != nil {
				t.Fatalf("generate: %v", err)
			}
			initial := targetsVersion(t, b, uptane.RepoImage)

			srcDir := t.TempDir()
			for i := 0; i < n; i++ {
				path := filepath.Join(srcDir, "img-"+strconv.Itoa(i)+".bin")
				if err := os.WriteFile(path, []byte("payload"), 0o644); err != nil {
					t.Fatalf("write source image: %v", err)
				}
				if err := b.AddImage(path); err != nil {
					t.Fatalf("add image: %v", err)
				}
			}

			return targetsVersion(t, b, uptane.RepoImage) == initial+n
		},
		gen.IntRange(0, 5),
	))

	properties.TestingRun(t)
}

// TestSignTargetsIdempotentVersioning verifies that calling SignTargets
// N times without intervening changes to the Director Targets content
// bumps Snapshot and Timestamp by exactly N each and leaves Targets
// untouched.
// Property: version(Snapshot) == initial + N, version(Timestamp) == initial + N, version(Targets) unchanged
func TestSignTargetsIdempotentVersioning(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 20
	properties := gopter.NewProperties(parameters)

	properties.Property("repeated SignTargets calls bump Snapshot/Timestamp by exactly N", prop.ForAll(
		func(n int) bool {
			base := t.TempDir()
			b := New(base)
			if err := b.Generate(uptane.KeyEd25519, time.Time{}); err != nil {
				t.Fatalf("generate: %v", err)
			}

			initialTargets := targetsVersion(t, b, uptane.RepoDirector)
			initialSnap := roleVersionFor(t, b, uptane.RepoDirector, uptane.RoleSnapshot)
			initialTS := roleVersionFor(t, b, uptane.RepoDirector, uptane.RoleTimestamp)

			for i := 0; i < n; i++ {
				if err := b.SignTargets(); err != nil {
					t.Fatalf("sign targets: %v", err)
				}
			}

			if n == 0 {
				return targetsVersion(t, b, uptane.RepoDirector) == initialTargets
			}

			return targetsVersion(t, b, uptane.RepoDirector) == initialTargets &&
				roleVersionFor(t, b, uptane.RepoDirector, uptane.RoleSnapshot) == initialSnap+n &&
				roleVersionFor(t, b, uptane.RepoDirector, uptane.RoleTimestamp) == initialTS+n
		},
		gen.IntRange(0, 4),
	))

	properties.TestingRun(t)
}
