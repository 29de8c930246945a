// Package verify implements the TUF/Uptane verification pipeline the
// client runs over remotely or offline-supplied metadata before acting
// on it: canonicalize, check signatures and thresholds, and enforce
// role/expiry/version/consistency invariants.
//
// Generalizes a flat-keyring, multi-key signature-threshold check to
// TUF's per-role keyid set and threshold.
package verify

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ota-uptane/client-core/internal/canonjson"
	"github.com/ota-uptane/client-core/pkg/uptane"
	"github.com/ota-uptane/client-core/pkg/uptane/errs"
	"github.com/ota-uptane/client-core/pkg/uptane/keystore"
)

// TrustRoot is the Root metadata snapshot pinned at provisioning,
// updated only via a signed rotation chain.
type TrustRoot struct {
	Repo uptane.RepoType
	Root uptane.SignedRootBody
}

// NewTrustRoot parses and self-verifies a Root envelope: the Root body
// must be signed by at least its own declared Root-role threshold of
// keys. This is the bootstrap trust anchor; later rotations are
// checked by VerifyRoot.
func NewTrustRoot(repo uptane.RepoType, env *uptane.Envelope) (*TrustRoot, error) {
	if err := validateEnvelopeShape(env); err != nil {
		return nil, err
	}

	var root uptane.SignedRootBody
	if err := json.Unmarshal(env.Signed, &root); err != nil {
		return nil, fmt.Errorf("verify: unmarshal root body: %w", err)
	}
	if root.Type != "Root" {
		return nil, fmt.Errorf("%w: expected Root, got %q", errs.ErrMetadataInvalid, root.Type)
	}

	if err := checkThreshold(env, root, uptane.RoleRoot); err != nil {
		return nil, err
	}
	return &TrustRoot{Repo: repo, Root: root}, nil
}

// Verifier checks incoming SignedMetadata against a TrustRoot,
// tracking the last accepted version per role to enforce rollback
// protection.
type Verifier struct {
	trust       *TrustRoot
	lastVersion map[uptane.Role]int
	now         func() time.Time
}

// New creates a Verifier pinned to trust.
func New(trust *TrustRoot) *Verifier {
	return &Verifier{
		trust:       trust,
		lastVersion: make(map[uptane.Role]int),
		now:         time.Now,
	}
}

// TrustRoot returns the verifier's current trust anchor.
func (v *Verifier) TrustRoot() *TrustRoot { return v.trust }

// VerifyRoot attempts to accept env as a Root update. If env's version
// equals the current trusted Root version, it is treated as a re-fetch
// of the already-trusted Root and validated like any other role. If it
// is a version bump, it is a rotation: accepted only if signed by the
// threshold of both the OLD Root's Root keys and the NEW Root's Root
// keys.
func (v *Verifier) VerifyRoot(env *uptane.Envelope) error {
	if err := validateEnvelopeShape(env); err != nil {
		return err
	}

	var candidate uptane.SignedRootBody
	if err := json.Unmarshal(env.Signed, &candidate); err != nil {
		return fmt.Errorf("%w: unmarshal root body: %v", errs.ErrMetadataInvalid, err)
	}
	if candidate.Version == v.trust.Root.Version {
		return v.verifyGeneric(uptane.RoleRoot, env, candidate.Type, "Root", candidate.Expires, candidate.Version)
	}
	if candidate.Version < v.trust.Root.Version {
		return fmt.Errorf("%w: root version %d < trusted %d", errs.ErrRollback, candidate.Version, v.trust.Root.Version)
	}

	if err := checkThreshold(env, v.trust.Root, uptane.RoleRoot); err != nil {
		return err
	}
	if err := checkThreshold(env, candidate, uptane.RoleRoot); err != nil {
		return err
	}
	if candidate.Expires.Before(v.now()) {
		return fmt.Errorf("%w: root", errs.ErrExpired)
	}

	v.trust = &TrustRoot{Repo: v.trust.Repo, Root: candidate}
	v.lastVersion[uptane.RoleRoot] = candidate.Version
	return nil
}

// VerifyTargets verifies a Targets envelope against the trust root.
func (v *Verifier) VerifyTargets(env *uptane.Envelope) (uptane.SignedTargetsBody, error) {
	var body uptane.SignedTargetsBody
	if err := validateEnvelopeShape(env); err != nil {
		return body, err
	}
	if err := json.Unmarshal(env.Signed, &body); err != nil {
		return body, fmt.Errorf("%w: unmarshal targets body: %v", errs.ErrMetadataInvalid, err)
	}
	if err := v.verifyGeneric(uptane.RoleTargets, env, body.Type, "Targets", body.Expires, body.Version); err != nil {
		return body, err
	}
	return body, nil
}

// VerifySnapshot verifies a Snapshot envelope and enforces that its
// enumerated Root and Targets versions match what was actually
// delivered.
func (v *Verifier) VerifySnapshot(env *uptane.Envelope, rootVersion, targetsVersion int) (uptane.SignedSnapshotBody, error) {
	var body uptane.SignedSnapshotBody
	if err := validateEnvelopeShape(env); err != nil {
		return body, err
	}
	if err := json.Unmarshal(env.Signed, &body); err != nil {
		return body, fmt.Errorf("%w: unmarshal snapshot body: %v", errs.ErrMetadataInvalid, err)
	}
	if err := v.verifyGeneric(uptane.RoleSnapshot, env, body.Type, "Snapshot", body.Expires, body.Version); err != nil {
		return body, err
	}

	if m, ok := body.Meta[string(uptane.RoleRoot)]; !ok || m.Version != rootVersion {
		return body, fmt.Errorf("%w: snapshot root version mismatch", errs.ErrInconsistentSnapshot)
	}
	if m, ok := body.Meta[string(uptane.RoleTargets)]; !ok || m.Version != targetsVersion {
		return body, fmt.Errorf("%w: snapshot targets version mismatch", errs.ErrInconsistentSnapshot)
	}
	return body, nil
}

// VerifyTimestamp verifies a Timestamp envelope and enforces that its
// enumerated Snapshot hash matches the SHA-256 of the canonical form of
// snapshotSigned, the Snapshot envelope's `signed` subtree actually
// delivered (canonicalized here, so it may be passed as read).
func (v *Verifier) VerifyTimestamp(env *uptane.Envelope, snapshotSigned []byte) (uptane.SignedTimestampBody, error) {
	var body uptane.SignedTimestampBody
	if err := validateEnvelopeShape(env); err != nil {
		return body, err
	}
	if err := json.Unmarshal(env.Signed, &body); err != nil {
		return body, fmt.Errorf("%w: unmarshal timestamp body: %v", errs.ErrMetadataInvalid, err)
	}
	if err := v.verifyGeneric(uptane.RoleTimestamp, env, body.Type, "Timestamp", body.Expires, body.Version); err != nil {
		return body, err
	}

	m, ok := body.Meta[string(uptane.RoleSnapshot)]
	if !ok {
		return body, fmt.Errorf("%w: timestamp missing snapshot meta", errs.ErrInconsistentSnapshot)
	}
	sum, _, err := canonjson.DigestBytes(snapshotSigned)
	if err != nil {
		return body, fmt.Errorf("%w: canonicalize snapshot: %v", errs.ErrMetadataInvalid, err)
	}
	if m.Hashes["sha256"] != hex.EncodeToString(sum[:]) {
		return body, fmt.Errorf("%w: timestamp snapshot hash mismatch", errs.ErrInconsistentSnapshot)
	}
	return body, nil
}

// verifyGeneric runs the common verification steps: canonicalize,
// check signature threshold, check role name, check expiry, and
// enforce monotonic versioning against the last accepted version.
func (v *Verifier) verifyGeneric(role uptane.Role, env *uptane.Envelope, gotType, wantType string, expires time.Time, version int) error {
	if gotType != wantType {
		return fmt.Errorf("%w: expected %s, got %s", errs.ErrMetadataInvalid, wantType, gotType)
	}

	keys, ok := v.trust.Root.Roles[role]
	if !ok {
		return fmt.Errorf("%w: %s", errs.ErrMissingRole, role)
	}
	if err := checkThresholdWithKeys(env, v.trust.Root.Keys, keys); err != nil {
		return err
	}

	if expires.Before(v.now()) {
		return fmt.Errorf("%w: %s", errs.ErrExpired, role)
	}

	if last, ok := v.lastVersion[role]; ok && version < last {
		return fmt.Errorf("%w: %s version %d < last seen %d", errs.ErrRollback, role, version, last)
	}
	v.lastVersion[role] = version
	return nil
}

func checkThreshold(env *uptane.Envelope, root uptane.SignedRootBody, role uptane.Role) error {
	keys, ok := root.Roles[role]
	if !ok {
		return fmt.Errorf("%w: %s", errs.ErrMissingRole, role)
	}
	return checkThresholdWithKeys(env, root.Keys, keys)
}

func checkThresholdWithKeys(env *uptane.Envelope, allKeys map[string]uptane.PublicKey, roleKeys uptane.RoleKeys) error {
	digest, _, err := canonjson.DigestBytes(env.Signed)
	if err != nil {
		return fmt.Errorf("%w: canonicalize: %v", errs.ErrMetadataInvalid, err)
	}

	allowed := make(map[string]bool, len(roleKeys.KeyIDs))
	for _, id := range roleKeys.KeyIDs {
		allowed[id] = true
	}

	seen := make(map[string]bool)
	valid, badSig, unknownKeyid := 0, false, false
	for _, sig := range env.Signatures {
		if seen[sig.KeyID] {
			continue
		}
		pubInfo, ok := allKeys[sig.KeyID]
		if !ok {
			unknownKeyid = true
			continue
		}
		if !allowed[sig.KeyID] {
			continue
		}
		pub, err := keystore.ParsePublicKeyHex(uptane.KeyKind(pubInfo.KeyType), pubInfo.Value)
		if err != nil {
			badSig = true
			continue
		}
		ok2, err := keystore.Verify(pub, sig.Method, digest, sig.Sig)
		if err != nil || !ok2 {
			badSig = true
			continue
		}
		seen[sig.KeyID] = true
		valid++
	}

	if valid < roleKeys.Threshold {
		switch {
		case valid == 0 && unknownKeyid && !badSig:
			return errs.ErrUnknownKeyid
		case valid == 0 && badSig:
			return errs.ErrBadSignature
		default:
			return fmt.Errorf("%w: have %d, need %d", errs.ErrInsufficientSignatures, valid, roleKeys.Threshold)
		}
	}
	return nil
}

