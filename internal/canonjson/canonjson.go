// Package canonjson produces the canonical JSON byte representation that
// Uptane/TUF signatures are computed over: RFC 8785 (JSON Canonicalization
// Scheme), no insignificant whitespace, UTF-8, lexicographically sorted
// object keys.
package canonjson

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"
)

// Marshal encodes v as ordinary JSON and then canonicalizes the result
// per RFC 8785. The returned bytes are the byte-exact form signatures
// must cover.
func Marshal(v interface{}) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonjson: marshal: %w", err)
	}
	canon, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("canonjson: transform: %w", err)
	}
	return canon, nil
}

// Digest returns the SHA-256 digest of the canonical form of v.
func Digest(v interface{}) ([32]byte, error) {
	canon, err := Marshal(v)
	if err != nil {
		return [32]byte{}, err
	}
	return sha256.Sum256(canon), nil
}

// DigestBytes canonicalizes raw (already-marshaled) JSON bytes and
// returns their SHA-256 digest, used when the caller only has a
// json.RawMessage (e.g. the "signed" subtree read off the wire).
func DigestBytes(raw []byte) ([32]byte, []byte, error) {
	canon, err := jcs.Transform(raw)
	if err != nil {
		return [32]byte{}, nil, fmt.Errorf("canonjson: transform: %w", err)
	}
	return sha256.Sum256(canon), canon, nil
}
