// Package repobuilder implements the offline Uptane repository
// generator/signer: it produces and mutates the two-repository
// (Director + Image) tree of signed TUF metadata, maintaining the
// monotonic-version invariants of each role.
//
// Uses a mutable versioned collection for the add/bump/re-sign shape,
// and a canonical-JSON signing helper built on the gowebpki/jcs-backed
// internal/canonjson package.
package repobuilder

import (
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/ota-uptane/client-core/internal/canonjson"
	"github.com/ota-uptane/client-core/internal/fsstore"
	"github.com/ota-uptane/client-core/pkg/uptane"
	"github.com/ota-uptane/client-core/pkg/uptane/keystore"
)

const defaultExpiryWindow = 365 * 24 * time.Hour

// Builder generates and mutates the on-disk Uptane repository tree
// rooted at Base: <base>/repo/{director,image}/... and
// <base>/keys/{director,image}/<role>/...
type Builder struct {
	Base string
}

// New returns a Builder rooted at base.
func New(base string) *Builder {
	return &Builder{Base: base}
}

func (b *Builder) repoDir(repo uptane.RepoType) string {
	return filepath.Join(b.Base, "repo", string(repo))
}

func (b *Builder) rolePath(repo uptane.RepoType, role uptane.Role) string {
	return filepath.Join(b.repoDir(repo), string(role)+".json")
}

// Generate emits the initial repository tree: a key pair of the given
// kind for every (repo, role); Root at version 1 listing all four
// role public keys at threshold 1; empty Targets, Snapshot, Timestamp
// at version 1; a `1.root.json` copy of Root for root-rotation
// fetching; and, for the Director repository, an empty `manifest`
// fixture file.
func (b *Builder) Generate(kind uptane.KeyKind, expires time.Time) error {
	if expires.IsZero() {
		expires = time.Now().UTC().Add(defaultExpiryWindow)
	}

	for _, repo := range []uptane.RepoType{uptane.RepoDirector, uptane.RepoImage} {
		keys := make(map[uptane.Role]*keystore.KeyPair, len(uptane.Roles))
		for _, role := range uptane.Roles {
			kp, err := keystore.Generate(kind)
			if err != nil {
				return fmt.Errorf("repobuilder: generate %s/%s key: %w", repo, role, err)
			}
			if err := keystore.Save(filepath.Join(b.Base, "keys"), repo, role, kp); err != nil {
				return fmt.Errorf("repobuilder: save %s/%s key: %w", repo, role, err)
			}
			keys[role] = kp
		}

		rootBody := uptane.SignedRootBody{
			Type:    "Root",
			Version: 1,
			Expires: expires,
			Keys:    make(map[string]uptane.PublicKey, len(keys)),
			Roles:   make(map[uptane.Role]uptane.RoleKeys, len(keys)),
		}
		for role, kp := range keys {
			pubHex, err := keystore.PublicKeyHex(kp.Public)
			if err != nil {
				return err
			}
			rootBody.Keys[kp.KeyID] = uptane.PublicKey{KeyType: string(kp.Kind), Value: pubHex}
			rootBody.Roles[role] = uptane.RoleKeys{KeyIDs: []string{kp.KeyID}, Threshold: 1}
		}

		if err := b.writeRole(repo, uptane.RoleRoot, keys[uptane.RoleRoot], rootBody); err != nil {
			return err
		}
		if err := b.copyFile(b.rolePath(repo, uptane.RoleRoot), filepath.Join(b.repoDir(repo), "1.root.json")); err != nil {
			return err
		}

		targetsBody := uptane.SignedTargetsBody{
			Type:    "Targets",
			Version: 1,
			Expires: expires,
			Targets: map[string]uptane.TargetFile{},
		}
		if repo == uptane.RepoDirector {
			targetsBody.Custom = &uptane.TargetsCustom{CorrelationID: ""}
		}
		if err := b.writeRole(repo, uptane.RoleTargets, keys[uptane.RoleTargets], targetsBody); err != nil {
			return err
		}

		if err := b.refreshSnapshotAndTimestamp(repo, keys[uptane.RoleSnapshot], keys[uptane.RoleTimestamp], expires); err != nil {
			return err
		}

		if repo == uptane.RepoDirector {
			if err := fsstore.WriteFileAtomic(filepath.Join(b.repoDir(repo), "manifest"), []byte{}, 0o644); err != nil {
				return err
			}
		}
	}

	return nil
}

// imageContentPath is where AddImage stores the actual target payload,
// alongside the repository's signed metadata, so a Fetcher can serve
// FetchImage straight out of the repository tree.
func (b *Builder) imageContentPath(name string) string {
	return filepath.Join(b.repoDir(uptane.RepoImage), "targets", name)
}

// AddImage hashes (SHA-256 and SHA-512) and measures path, copies it
// into the Image repository's targets/ directory, then adds/replaces
// it as a Target in the Image repository's Targets role, bumping and
// re-signing Targets, Snapshot, and Timestamp.
func (b *Builder) AddImage(path string) error {
	hashes, length, err := hashFile(path)
	if err != nil {
		return err
	}
	name := filepath.Base(path)

	if err := b.copyFile(path, b.imageContentPath(name)); err != nil {
		return fmt.Errorf("repobuilder: store image content %s: %w", name, err)
	}

	body, version, err := b.loadTargetsBody(uptane.RepoImage)
	if err != nil {
		return err
	}
	body.Targets[name] = uptane.TargetFile{Hashes: hashes, Length: length}
	body.Version = version + 1

	kp, err := keystore.Load(filepath.Join(b.Base, "keys"), uptane.RepoImage, uptane.RoleTargets)
	if err != nil {
		return err
	}
	if err := b.writeRole(uptane.RepoImage, uptane.RoleTargets, kp, body); err != nil {
		return err
	}

	snapKP, err := keystore.Load(filepath.Join(b.Base, "keys"), uptane.RepoImage, uptane.RoleSnapshot)
	if err != nil {
		return err
	}
	tsKP, err := keystore.Load(filepath.Join(b.Base, "keys"), uptane.RepoImage, uptane.RoleTimestamp)
	if err != nil {
		return err
	}
	return b.refreshSnapshotAndTimestamp(uptane.RepoImage, snapKP, tsKP, body.Expires)
}

// AddTarget copies the matching Image-repo Target into the Director
// Targets role, annotated with hardwareID, ecuSerial, and (if non-
// empty) correlationID, bumping and re-signing Director Targets. It
// fails if no Image Target named name exists.
func (b *Builder) AddTarget(name, hardwareID, ecuSerial, correlationID string) error {
	imageBody, _, err := b.loadTargetsBody(uptane.RepoImage)
	if err != nil {
		return err
	}
	tf, ok := imageBody.Targets[name]
	if !ok {
		return fmt.Errorf("repobuilder: no such image target %q", name)
	}

	dirBody, version, err := b.loadTargetsBody(uptane.RepoDirector)
	if err != nil {
		return err
	}
	custom := &uptane.Custom{
		ECUIdentifiers: map[string]uptane.ECUIdentifier{
			ecuSerial: {HardwareID: hardwareID},
		},
	}
	if correlationID != "" {
		custom.CorrelationID = correlationID
	}
	dirBody.Targets[name] = uptane.TargetFile{Hashes: tf.Hashes, Length: tf.Length, Custom: custom}
	dirBody.Version = version + 1
	if correlationID != "" {
		if dirBody.Custom == nil {
			dirBody.Custom = &uptane.TargetsCustom{}
		}
		dirBody.Custom.CorrelationID = correlationID
	}

	kp, err := keystore.Load(filepath.Join(b.Base, "keys"), uptane.RepoDirector, uptane.RoleTargets)
	if err != nil {
		return err
	}
	return b.writeRole(uptane.RepoDirector, uptane.RoleTargets, kp, dirBody)
}

// SignTargets finalizes the Director Targets role: it recomputes the
// signature over the current content (without bumping the Targets
// version) and then bumps and re-signs Snapshot and Timestamp.
func (b *Builder) SignTargets() error {
	body, _, err := b.loadTargetsBody(uptane.RepoDirector)
	if err != nil {
		return err
	}

	kp, err := keystore.Load(filepath.Join(b.Base, "keys"), uptane.RepoDirector, uptane.RoleTargets)
	if err != nil {
		return err
	}
	if err := b.writeRole(uptane.RepoDirector, uptane.RoleTargets, kp, body); err != nil {
		return err
	}

	snapKP, err := keystore.Load(filepath.Join(b.Base, "keys"), uptane.RepoDirector, uptane.RoleSnapshot)
	if err != nil {
		return err
	}
	tsKP, err := keystore.Load(filepath.Join(b.Base, "keys"), uptane.RepoDirector, uptane.RoleTimestamp)
	if err != nil {
		return err
	}
	return b.refreshSnapshotAndTimestamp(uptane.RepoDirector, snapKP, tsKP, body.Expires)
}

// Sign produces a SignedMetadata envelope for an arbitrary canonical-
// JSON body, using the key for (repo, roleName). Used by external
// tooling (the `sign` CLI command) to sign role bodies supplied on
// stdin.
func (b *Builder) Sign(repo uptane.RepoType, roleName uptane.Role, body json.RawMessage) (*uptane.Envelope, error) {
	kp, err := keystore.Load(filepath.Join(b.Base, "keys"), repo, roleName)
	if err != nil {
		return nil, err
	}
	return signRaw(kp, body)
}

func signRaw(kp *keystore.KeyPair, signed json.RawMessage) (*uptane.Envelope, error) {
	digest, _, err := canonjson.DigestBytes(signed)
	if err != nil {
		return nil, fmt.Errorf("repobuilder: digest: %w", err)
	}
	method, sig, err := keystore.Sign(kp, digest)
	if err != nil {
		return nil, fmt.Errorf("repobuilder: sign: %w", err)
	}
	return &uptane.Envelope{
		Signed:     signed,
		Signatures: []uptane.Signature{{KeyID: kp.KeyID, Method: method, Sig: sig}},
	}, nil
}

func (b *Builder) writeRole(repo uptane.RepoType, role uptane.Role, kp *keystore.KeyPair, signedBody interface{}) error {
	raw, err := json.Marshal(signedBody)
	if err != nil {
		return fmt.Errorf("repobuilder: marshal %s/%s: %w", repo, role, err)
	}
	env, err := signRaw(kp, raw)
	if err != nil {
		return fmt.Errorf("repobuilder: sign %s/%s: %w", repo, role, err)
	}
	out, err := json.MarshalIndent(env, "", "  ")
	if err != nil {
		return fmt.Errorf("repobuilder: marshal envelope %s/%s: %w", repo, role, err)
	}
	return fsstore.WriteFileAtomic(b.rolePath(repo, role), out, 0o644)
}

func (b *Builder) loadTargetsBody(repo uptane.RepoType) (uptane.SignedTargetsBody, int, error) {
	raw, err := fsstore.ReadFile(b.rolePath(repo, uptane.RoleTargets))
	if err != nil {
		return uptane.SignedTargetsBody{}, 0, err
	}
	var env uptane.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return uptane.SignedTargetsBody{}, 0, fmt.Errorf("repobuilder: unmarshal envelope: %w", err)
	}
	var body uptane.SignedTargetsBody
	if err := json.Unmarshal(env.Signed, &body); err != nil {
		return uptane.SignedTargetsBody{}, 0, fmt.Errorf("repobuilder: unmarshal targets body: %w", err)
	}
	return body, body.Version, nil
}

func (b *Builder) refreshSnapshotAndTimestamp(repo uptane.RepoType, snapKP, tsKP *keystore.KeyPair, expires time.Time) error {
	rootVersion, err := b.roleVersion(repo, uptane.RoleRoot)
	if err != nil {
		return err
	}
	targetsVersion, err := b.roleVersion(repo, uptane.RoleTargets)
	if err != nil {
		return err
	}
	prevSnapVersion, err := b.roleVersionOrZero(repo, uptane.RoleSnapshot)
	if err != nil {
		return err
	}

	snapBody := uptane.SignedSnapshotBody{
		Type:    "Snapshot",
		Version: prevSnapVersion + 1,
		Expires: expires,
		Meta: map[string]uptane.RoleVersion{
			string(uptane.RoleRoot):    {Version: rootVersion},
			string(uptane.RoleTargets): {Version: targetsVersion},
		},
	}
	if err := b.writeRole(repo, uptane.RoleSnapshot, snapKP, snapBody); err != nil {
		return err
	}

	snapRaw, err := fsstore.ReadFile(b.rolePath(repo, uptane.RoleSnapshot))
	if err != nil {
		return err
	}
	var snapEnv uptane.Envelope
	if err := json.Unmarshal(snapRaw, &snapEnv); err != nil {
		return fmt.Errorf("repobuilder: unmarshal snapshot envelope: %w", err)
	}
	snapDigest, _, err := canonjson.DigestBytes(snapEnv.Signed)
	if err != nil {
		return err
	}

	prevTsVersion, err := b.roleVersionOrZero(repo, uptane.RoleTimestamp)
	if err != nil {
		return err
	}
	tsBody := uptane.SignedTimestampBody{
		Type:    "Timestamp",
		Version: prevTsVersion + 1,
		Expires: expires,
		Meta: map[string]uptane.TimestampMeta{
			string(uptane.RoleSnapshot): {
				Version: snapBody.Version,
				Length:  int64(len(snapEnv.Signed)),
				Hashes:  uptane.Hashes{"sha256": hex.EncodeToString(snapDigest[:])},
			},
		},
	}
	return b.writeRole(repo, uptane.RoleTimestamp, tsKP, tsBody)
}

func (b *Builder) roleVersion(repo uptane.RepoType, role uptane.Role) (int, error) {
	raw, err := fsstore.ReadFile(b.rolePath(repo, role))
	if err != nil {
		return 0, err
	}
	var env uptane.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return 0, fmt.Errorf("repobuilder: unmarshal %s/%s envelope: %w", repo, role, err)
	}
	var v struct {
		Version int `json:"version"`
	}
	if err := json.Unmarshal(env.Signed, &v); err != nil {
		return 0, fmt.Errorf("repobuilder: unmarshal %s/%s version: %w", repo, role, err)
	}
	return v.Version, nil
}

func (b *Builder) roleVersionOrZero(repo uptane.RepoType, role uptane.Role) (int, error) {
	if _, err := os.Stat(b.rolePath(repo, role)); err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}
	return b.roleVersion(repo, role)
}

func (b *Builder) copyFile(src, dst string) error {
	raw, err := fsstore.ReadFile(src)
	if err != nil {
		return err
	}
	return fsstore.WriteFileAtomic(dst, raw, 0o644)
}

func hashFile(path string) (uptane.Hashes, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, fmt.Errorf("repobuilder: open %s: %w", path, err)
	}
	defer f.Close()

	h256 := sha256.New()
	h512 := sha512.New()
	n, err := io.Copy(io.MultiWriter(h256, h512), f)
	if err != nil {
		return nil, 0, fmt.Errorf("repobuilder: hash %s: %w", path, err)
	}

	return uptane.Hashes{
		"sha256": hex.EncodeToString(h256.Sum(nil)),
		"sha512": hex.EncodeToString(h512.Sum(nil)),
	}, n, nil
}
