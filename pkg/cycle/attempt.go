package cycle

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"golang.org/x/time/rate"

	"github.com/ota-uptane/client-core/internal/retrypolicy"
	"github.com/ota-uptane/client-core/pkg/pkgmanager"
	"github.com/ota-uptane/client-core/pkg/secondary"
	"github.com/ota-uptane/client-core/pkg/uptane"
	"github.com/ota-uptane/client-core/pkg/uptane/errs"
	"github.com/ota-uptane/client-core/pkg/uptane/verify"
)

// fetchLimiter throttles outbound metadata/image fetches so a run of
// retried attempts does not hammer the backend.
var fetchLimiter = rate.NewLimiter(rate.Limit(10), 20)

// fetchWithRetry runs fn, retrying with deterministic backoff on any
// error the Fetcher reports except the not-found sentinel (which ends
// a root-rotation walk rather than indicating a transient failure), up
// to retrypolicy.DefaultPolicy's bound.
func fetchWithRetry[T any](ctx context.Context, scope, op string, fn func() (T, error)) (T, error) {
	var zero T
	for attempt := 0; ; attempt++ {
		if err := fetchLimiter.Wait(ctx); err != nil {
			return zero, err
		}
		val, err := fn()
		if err == nil || IsNotFound(err) {
			return val, err
		}
		if retrypolicy.ExhaustedAttempts(attempt, retrypolicy.DefaultPolicy) {
			return zero, err
		}
		delay := retrypolicy.Delay(scope, op, attempt, retrypolicy.DefaultPolicy)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return zero, ctx.Err()
		}
	}
}

// verifiedRepo is the fully verified metadata of one repository as of
// one fetch round: the verified Targets and Snapshot bodies.
type verifiedRepo struct {
	targets  uptane.SignedTargetsBody
	snapshot uptane.SignedSnapshotBody
}

// verifyRepo walks the root-rotation chain, then verifies targets,
// snapshot, and timestamp in the dependency order verify.Verifier
// requires.
func verifyRepo(ctx context.Context, f Fetcher, repo uptane.RepoType, v *verify.Verifier) (verifiedRepo, error) {
	if err := rotateRoot(ctx, f, repo, v); err != nil {
		return verifiedRepo{}, fmt.Errorf("%w: root: %v", errs.ErrMetadataInvalid, err)
	}

	targetsEnv, err := fetchWithRetry(ctx, string(repo), "targets", func() (*uptane.Envelope, error) {
		return f.FetchTargets(ctx, repo)
	})
	if err != nil {
		return verifiedRepo{}, fmt.Errorf("%w: fetch targets: %v", errs.ErrNetwork, err)
	}
	targetsBody, err := v.VerifyTargets(targetsEnv)
	if err != nil {
		return verifiedRepo{}, err
	}

	snapEnv, err := fetchWithRetry(ctx, string(repo), "snapshot", func() (*uptane.Envelope, error) {
		return f.FetchSnapshot(ctx, repo)
	})
	if err != nil {
		return verifiedRepo{}, fmt.Errorf("%w: fetch snapshot: %v", errs.ErrNetwork, err)
	}
	snapBody, err := v.VerifySnapshot(snapEnv, v.TrustRoot().Root.Version, targetsBody.Version)
	if err != nil {
		return verifiedRepo{}, err
	}

	tsEnv, err := fetchWithRetry(ctx, string(repo), "timestamp", func() (*uptane.Envelope, error) {
		return f.FetchTimestamp(ctx, repo)
	})
	if err != nil {
		return verifiedRepo{}, fmt.Errorf("%w: fetch timestamp: %v", errs.ErrNetwork, err)
	}
	if _, err := v.VerifyTimestamp(tsEnv, snapEnv.Signed); err != nil {
		return verifiedRepo{}, err
	}

	return verifiedRepo{targets: targetsBody, snapshot: snapBody}, nil
}

// rotateRoot walks forward from the Verifier's currently trusted root
// version, fetching and verifying each successive root.json until the
// Fetcher reports no further version exists.
func rotateRoot(ctx context.Context, f Fetcher, repo uptane.RepoType, v *verify.Verifier) error {
	for {
		next := v.TrustRoot().Root.Version + 1
		env, err := fetchWithRetry(ctx, string(repo), "root", func() (*uptane.Envelope, error) {
			return f.FetchRoot(ctx, repo, next)
		})
		if IsNotFound(err) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("fetch root v%d: %w", next, err)
		}
		if err := v.VerifyRoot(env); err != nil {
			return err
		}
	}
}

// assignment is one Director Target resolved to its destination ECU.
type assignment struct {
	ecuSerial string
	hardware  string
	target    uptane.Target
}

// resolveAssignments extracts every (ecu, target) pair from the
// Director Targets body, attaching name and custom metadata back onto
// each Target (per-target custom is keyed in the map, not on the
// struct, until this point).
func resolveAssignments(dir verifiedRepo) []assignment {
	var out []assignment
	for name, tf := range dir.targets.Targets {
		t := uptane.Target{Name: name, Hashes: tf.Hashes, Length: tf.Length, Custom: tf.Custom}
		if tf.Custom == nil {
			continue
		}
		for serial, ecu := range tf.Custom.ECUIdentifiers {
			out = append(out, assignment{ecuSerial: serial, hardware: ecu.HardwareID, target: t})
		}
	}
	return out
}

// verifyTargetMatchesImage enforces the cross-repository invariant:
// every Director Target has a same-hash, same-length counterpart in
// the Image repository.
func verifyTargetMatchesImage(a assignment, image verifiedRepo) error {
	imgTF, ok := image.targets.Targets[a.target.Name]
	if !ok {
		return fmt.Errorf("%w: target %q not present in image repository", errs.ErrIntegrity, a.target.Name)
	}
	if imgTF.Length != a.target.Length || !hashesEqual(imgTF.Hashes, a.target.Hashes) {
		return fmt.Errorf("%w: target %q hash/length mismatch between director and image repos", errs.ErrIntegrity, a.target.Name)
	}
	return nil
}

func hashesEqual(a, b uptane.Hashes) bool {
	if len(a) != len(b) {
		return false
	}
	for alg, v := range a {
		if b[alg] != v {
			return false
		}
	}
	return true
}

// downloadAndVerify streams the named image from f, checking its
// SHA-256 against target's recorded hash before returning.
func downloadAndVerify(ctx context.Context, f Fetcher, target uptane.Target) ([]byte, error) {
	rc, err := fetchWithRetry(ctx, target.Name, "image", func() (io.ReadCloser, error) {
		return f.FetchImage(ctx, target.Name)
	})
	if err != nil {
		return nil, fmt.Errorf("%w: fetch image %s: %v", errs.ErrNetwork, target.Name, err)
	}
	defer rc.Close()

	data, err := readAllWithCancel(ctx, rc)
	if err != nil {
		return nil, err
	}
	if int64(len(data)) != target.Length {
		return nil, fmt.Errorf("%w: %s length mismatch: got %d want %d", errs.ErrIntegrity, target.Name, len(data), target.Length)
	}
	sum := sha256Hex(data)
	if target.Hashes["sha256"] != "" && target.Hashes["sha256"] != sum {
		return nil, fmt.Errorf("%w: %s sha256 mismatch", errs.ErrIntegrity, target.Name)
	}
	return data, nil
}

func readAllWithCancel(ctx context.Context, r io.Reader) ([]byte, error) {
	type result struct {
		data []byte
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		data, err := io.ReadAll(r)
		ch <- result{data: data, err: err}
	}()
	select {
	case res := <-ch:
		return res.data, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// installAssignment dispatches one assignment to the primary
// PackageManager or the matching secondary.Transport, returning
// whether a reboot/primary-install completion is now pending.
func installAssignment(ctx context.Context, a assignment, data []byte, primarySerial string, pm pkgmanager.PackageManager, secondaries map[string]secondary.Transport, chain secondary.TrustChain, store stager) (needsCompletion bool, err error) {
	if a.ecuSerial == primarySerial {
		if err := store.stage(a.target, data); err != nil {
			return false, err
		}
		res, err := pm.Install(ctx, a.target)
		if err != nil {
			return false, err
		}
		switch res.Status {
		case pkgmanager.StatusOk:
			return false, nil
		case pkgmanager.StatusNeedsCompletion:
			return true, nil
		case pkgmanager.StatusOperationCancelled:
			return false, errs.ErrOperationCancelled
		default:
			return false, fmt.Errorf("%w: %s", errs.ErrBackendInstall, res.Message)
		}
	}

	sec, ok := secondaries[a.ecuSerial]
	if !ok {
		return false, fmt.Errorf("%w: no secondary transport registered for ecu %q", errs.ErrInternal, a.ecuSerial)
	}
	if err := sec.PutMetadata(ctx, chain); err != nil {
		return false, fmt.Errorf("%w: put metadata to %s: %v", errs.ErrNetwork, a.ecuSerial, err)
	}
	updateType := "ostree"
	if a.target.Custom != nil && a.target.Custom.UpdateType != "" {
		updateType = a.target.Custom.UpdateType
	}
	if err := sec.SendFirmware(ctx, a.target, updateType); err != nil {
		return false, fmt.Errorf("%w: send firmware to %s: %v", errs.ErrNetwork, a.ecuSerial, err)
	}
	res, err := sec.Install(ctx, a.target)
	if err != nil {
		return false, err
	}
	switch pkgmanager.Status(res.Status) {
	case pkgmanager.StatusOk:
		return false, nil
	case pkgmanager.StatusNeedsCompletion:
		return true, nil
	default:
		return false, fmt.Errorf("%w: secondary %s: %s", errs.ErrBackendInstall, a.ecuSerial, res.Message)
	}
}

// stager persists downloaded content so a PackageManager backend can
// find it by target name (e.g. pkgmanager/imagefile's staged/ dir).
type stager interface {
	stage(target uptane.Target, data []byte) error
}

func sha256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// manifestFor builds the device manifest reported back after an
// attempt.
func manifestFor(correlationID string, current uptane.Target, result Result, message string) json.RawMessage {
	doc := struct {
		CorrelationID string    `json:"correlationId"`
		Installed     string    `json:"installed"`
		Result        Result    `json:"result"`
		Message       string    `json:"message"`
		Timestamp     time.Time `json:"timestamp,omitempty"`
	}{
		CorrelationID: correlationID,
		Installed:     current.Name,
		Result:        result,
		Message:       message,
	}
	raw, _ := json.Marshal(doc)
	return raw
}
