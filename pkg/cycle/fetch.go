package cycle

import (
	"context"
	"encoding/json"
	"errors"
	"io"

	"github.com/ota-uptane/client-core/pkg/uptane"
)

// Fetcher retrieves Uptane metadata and image content for one
// repository source (the online transport, or an offline media mount).
// Transport implementation is out of scope; the cycle only depends on
// this contract.
type Fetcher interface {
	// FetchRoot retrieves the root metadata at the given version. A
	// version of 0 means "the latest root.json"; callers walk the
	// rotation chain by requesting version+1 until it is not found.
	FetchRoot(ctx context.Context, repo uptane.RepoType, version int) (*uptane.Envelope, error)
	FetchTargets(ctx context.Context, repo uptane.RepoType) (*uptane.Envelope, error)
	FetchSnapshot(ctx context.Context, repo uptane.RepoType) (*uptane.Envelope, error)
	FetchTimestamp(ctx context.Context, repo uptane.RepoType) (*uptane.Envelope, error)

	// FetchImage streams the content of a named Image-repo target.
	FetchImage(ctx context.Context, name string) (io.ReadCloser, error)

	// ReportManifest uploads a device manifest after an online
	// round-trip; a failed install is reported this way via a manifest
	// on the next online round-trip.
	ReportManifest(ctx context.Context, raw json.RawMessage) error
}

// OfflineSource extends Fetcher with the removable-media presence
// check that drives the offline edge trigger.
type OfflineSource interface {
	Fetcher
	// Present reports whether the offline trust-containing directory
	// currently exists at the mount point.
	Present(ctx context.Context) (bool, error)
}

// notFoundError is returned by FetchRoot when no metadata exists at the
// requested version, ending a root-rotation walk.
type notFoundError struct{ msg string }

func (e *notFoundError) Error() string { return e.msg }

// NewNotFoundError constructs the sentinel Fetcher implementations
// return to signal "no metadata at this version/path".
func NewNotFoundError(msg string) error { return &notFoundError{msg: msg} }

// IsNotFound reports whether err is (or wraps) a not-found sentinel
// from a Fetcher implementation.
func IsNotFound(err error) bool {
	var nf *notFoundError
	return errors.As(err, &nf)
}
