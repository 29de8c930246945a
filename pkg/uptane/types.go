// Package uptane holds the Uptane/TUF data model shared by the
// repository builder, the verifier, and the update cycle: roles,
// targets, signed metadata envelopes, keys, and installed-version
// bookkeeping.
package uptane

import (
	"encoding/json"
	"time"
)

// Role identifies one of the four TUF roles.
type Role string

const (
	RoleRoot      Role = "root"
	RoleTargets   Role = "targets"
	RoleSnapshot  Role = "snapshot"
	RoleTimestamp Role = "timestamp"
)

// Roles lists all four roles in a stable order, used whenever a
// generator or verifier must iterate "every role".
var Roles = []Role{RoleRoot, RoleTargets, RoleSnapshot, RoleTimestamp}

// RepoType distinguishes the Director repository from the Image
// repository.
type RepoType string

const (
	RepoDirector RepoType = "director"
	RepoImage    RepoType = "image"
)

// KeyKind names a supported signing-key algorithm.
type KeyKind string

const (
	KeyRSA2048  KeyKind = "rsa-2048"
	KeyRSA3072  KeyKind = "rsa-3072"
	KeyRSA4096  KeyKind = "rsa-4096"
	KeyEd25519  KeyKind = "ed25519"
)

// SigMethod names the signature scheme recorded on a Signature.
type SigMethod string

const (
	MethodRSASSAPSSSHA256 SigMethod = "rsassa-pss-sha256"
	MethodEd25519         SigMethod = "ed25519"
)

// Hashes maps a hash algorithm name ("sha256", "sha512") to its hex digest.
type Hashes map[string]string

// Custom carries the free-form `custom` metadata attached to a Target,
// with its commonly used fields pulled out as typed fields. Extra is
// excluded from JSON and Custom has no custom unmarshaler, so other
// keys of `custom` are dropped on decode and not written on encode.
type Custom struct {
	HardwareIDs     []string                   `json:"hardwareIds,omitempty"`
	ECUIdentifiers  map[string]ECUIdentifier   `json:"ecuIdentifiers,omitempty"`
	UpdateType      string                     `json:"updateType,omitempty"`
	CorrelationID   string                     `json:"correlationId,omitempty"`
	Extra           map[string]json.RawMessage `json:"-"`
}

// ECUIdentifier records the hardware id a Target is assigned to on a
// specific ECU serial, as carried in Director Targets.
type ECUIdentifier struct {
	HardwareID string `json:"hardwareId"`
}

// Target describes one update payload: its content hashes, length, and
// custom metadata.
type Target struct {
	Name    string  `json:"-"` // map key in the enclosing Targets body
	Hashes  Hashes  `json:"hashes"`
	Length  int64   `json:"length"`
	Custom  *Custom `json:"custom,omitempty"`
}

// SignedTargetsBody is the `signed` subtree of a Targets role file.
type SignedTargetsBody struct {
	Type        string                     `json:"_type"`
	Version     int                        `json:"version"`
	Expires     time.Time                  `json:"expires"`
	Targets     map[string]TargetFile      `json:"targets"`
	Custom      *TargetsCustom             `json:"custom,omitempty"`
}

// TargetFile is the per-name entry inside SignedTargetsBody.Targets.
type TargetFile struct {
	Hashes Hashes  `json:"hashes"`
	Length int64   `json:"length"`
	Custom *Custom `json:"custom,omitempty"`
}

// TargetsCustom is the Director Targets role's own custom block
// (distinct from the per-target Custom), carrying the correlation id
// for the whole update campaign.
type TargetsCustom struct {
	CorrelationID string `json:"correlationId"`
}

// PublicKey is the public half of a KeyPair as it appears inside Root
// metadata.
type PublicKey struct {
	KeyType string `json:"keytype"`
	KeyID   string `json:"-"`
	Value   string `json:"keyval"`
}

// RoleKeys lists the keyids and threshold trusted for one role, as
// recorded in Root metadata.
type RoleKeys struct {
	KeyIDs    []string `json:"keyids"`
	Threshold int      `json:"threshold"`
}

// SignedRootBody is the `signed` subtree of a Root role file.
type SignedRootBody struct {
	Type    string               `json:"_type"`
	Version int                  `json:"version"`
	Expires time.Time            `json:"expires"`
	Keys    map[string]PublicKey `json:"keys"`
	Roles   map[Role]RoleKeys    `json:"roles"`
}

// RoleVersion names a role's current version, as enumerated by
// Snapshot.
type RoleVersion struct {
	Version int `json:"version"`
}

// SignedSnapshotBody is the `signed` subtree of a Snapshot role file.
type SignedSnapshotBody struct {
	Type    string                 `json:"_type"`
	Version int                    `json:"version"`
	Expires time.Time              `json:"expires"`
	Meta    map[string]RoleVersion `json:"meta"`
}

// TimestampMeta names the current Snapshot's hash, length, and version.
type TimestampMeta struct {
	Version int    `json:"version"`
	Length  int64  `json:"length"`
	Hashes  Hashes `json:"hashes"`
}

// SignedTimestampBody is the `signed` subtree of a Timestamp role file.
type SignedTimestampBody struct {
	Type    string                   `json:"_type"`
	Version int                      `json:"version"`
	Expires time.Time                `json:"expires"`
	Meta    map[string]TimestampMeta `json:"meta"`
}

// Signature is one entry in a SignedMetadata envelope's signatures list.
type Signature struct {
	KeyID  string    `json:"keyid"`
	Method SigMethod `json:"method"`
	Sig    string    `json:"sig"`
}

// Envelope is the generic on-wire shape: a raw `signed` subtree plus
// its signatures. Callers unmarshal Signed into the role-specific body
// type once the envelope has (or is about to be) verified.
type Envelope struct {
	Signed     json.RawMessage `json:"signed"`
	Signatures []Signature     `json:"signatures"`
}

// InstalledStatus is the lifecycle state of an InstalledVersion.
type InstalledStatus string

const (
	StatusCurrent InstalledStatus = "current"
	StatusPending InstalledStatus = "pending"
	StatusNone    InstalledStatus = "none"
)

// InstalledVersion records, per ECU, which Target is active or staged.
type InstalledVersion struct {
	ECUSerial string
	Target    Target
	Status    InstalledStatus
}

// Phase enumerates the lifecycle states of one UpdateAttempt (the
// update cycle groups these as its own states; Phase names the
// attempt's own progress through them).
type Phase string

const (
	PhaseFetching    Phase = "fetching"
	PhaseVerifying   Phase = "verifying"
	PhaseDownloading Phase = "downloading"
	PhaseInstalling  Phase = "installing"
	PhaseReporting   Phase = "reporting"
	PhaseDone        Phase = "done"
	PhaseFailed      Phase = "failed"
	PhaseCancelled   Phase = "cancelled"
)

// UpdateAttempt groups the targets being fetched/verified/installed
// under one correlation id.
type UpdateAttempt struct {
	CorrelationID string
	Targets       []Target
	Phase         Phase
}

// Unknown is the sentinel Target a PackageManager reports when it has
// no notion of what is currently installed.
var Unknown = Target{Name: "unknown"}
