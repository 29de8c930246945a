// Package fsfetch implements cycle.Fetcher (and, rooted at a removable
// media mount point, cycle.OfflineSource) directly against an on-disk
// Uptane repository tree of the shape pkg/uptane/repobuilder produces:
// <base>/repo/{director,image}/{root,N.root,targets,snapshot,timestamp}.json
// and <base>/repo/image/targets/<name> for target content.
//
// This stands in for the network/removable-media transport, modeled as
// an external interface; it is the concrete value the daemon wires
// into pkg/cycle for the single-host demo topology, following the
// usual filesystem-backed store reader shape.
package fsfetch

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/ota-uptane/client-core/internal/fsstore"
	"github.com/ota-uptane/client-core/pkg/cycle"
	"github.com/ota-uptane/client-core/pkg/uptane"
)

// Source reads Uptane metadata and target content from Base.
type Source struct {
	Base string
}

// New returns a Source rooted at base.
func New(base string) *Source {
	return &Source{Base: base}
}

func (s *Source) repoDir(repo uptane.RepoType) string {
	return filepath.Join(s.Base, "repo", string(repo))
}

func (s *Source) readEnvelope(path string) (*uptane.Envelope, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, cycle.NewNotFoundError(path + ": not found")
		}
		return nil, fmt.Errorf("fsfetch: read %s: %w", path, err)
	}
	var env uptane.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("fsfetch: unmarshal %s: %w", path, err)
	}
	return &env, nil
}

// FetchRoot reads <repo>/root.json for version 0 (latest), or
// <repo>/<version>.root.json otherwise, matching repobuilder.Generate's
// root-rotation convention.
func (s *Source) FetchRoot(ctx context.Context, repo uptane.RepoType, version int) (*uptane.Envelope, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	name := "root.json"
	if version > 0 {
		name = fmt.Sprintf("%d.root.json", version)
	}
	return s.readEnvelope(filepath.Join(s.repoDir(repo), name))
}

func (s *Source) FetchTargets(ctx context.Context, repo uptane.RepoType) (*uptane.Envelope, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.readEnvelope(filepath.Join(s.repoDir(repo), "targets.json"))
}

func (s *Source) FetchSnapshot(ctx context.Context, repo uptane.RepoType) (*uptane.Envelope, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.readEnvelope(filepath.Join(s.repoDir(repo), "snapshot.json"))
}

func (s *Source) FetchTimestamp(ctx context.Context, repo uptane.RepoType) (*uptane.Envelope, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.readEnvelope(filepath.Join(s.repoDir(repo), "timestamp.json"))
}

// FetchImage opens the stored content of an Image-repo target by name.
func (s *Source) FetchImage(ctx context.Context, name string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path := filepath.Join(s.repoDir(uptane.RepoImage), "targets", name)
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, cycle.NewNotFoundError(path + ": not found")
		}
		return nil, fmt.Errorf("fsfetch: open %s: %w", path, err)
	}
	return f, nil
}

// ReportManifest persists the device manifest at <director>/manifest,
// overwriting whatever manifest was reported last — the device-
// manifest round-trip collapsed to its last value for this transport.
func (s *Source) ReportManifest(ctx context.Context, raw json.RawMessage) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return fsstore.WriteFileAtomic(filepath.Join(s.repoDir(uptane.RepoDirector), "manifest"), raw, 0o644)
}

// Present reports whether Base currently exists, the removable-media
// presence signal the offline edge trigger polls for.
func (s *Source) Present(ctx context.Context) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if _, err := os.Stat(s.Base); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("fsfetch: stat %s: %w", s.Base, err)
	}
	return true, nil
}

var (
	_ cycle.Fetcher       = (*Source)(nil)
	_ cycle.OfflineSource = (*Source)(nil)
)
