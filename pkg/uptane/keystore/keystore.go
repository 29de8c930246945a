// Package keystore generates, persists, and loads the per-(repository,
// role) signing key pairs, and implements the Signer/Verifier
// primitives the rest of the package relies on.
//
// Layout on disk: {base}/{repo}/{role}/{private.key,public.key,key_type}.
// Generalizes a single-algorithm Signer/Verifier split to support
// multiple algorithms: {RSA-2048/3072/4096, Ed25519}.
package keystore

import (
	"crypto"
	"crypto/aes"
	"crypto/cipher"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/hkdf"

	"github.com/ota-uptane/client-core/internal/canonjson"
	"github.com/ota-uptane/client-core/internal/fsstore"
	"github.com/ota-uptane/client-core/pkg/uptane"
)

// keystorePassphraseEnv names the environment variable that, when set,
// encrypts private key material at rest with an HKDF-derived AES-256-GCM
// key. Unset, Save/Load fall back to plain PEM private.key files.
const keystorePassphraseEnv = "UPTANE_KEYSTORE_PASSPHRASE"

const encryptedPrivateKeyType = "UPTANE ENCRYPTED PRIVATE KEY"

// encryptPrivate wraps plaintext (a PEM-encoded private key) in an
// HKDF-derived AES-256-GCM envelope, PEM-encoded in turn so Load can
// tell an encrypted file from a plain one by its PEM type.
func encryptPrivate(passphrase string, plaintext []byte) ([]byte, error) {
	salt := make([]byte, 16)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("keystore: generate salt: %w", err)
	}
	key := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, []byte(passphrase), salt, []byte("uptane-keystore-private-key")), key); err != nil {
		return nil, fmt.Errorf("keystore: derive key: %w", err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("keystore: new cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("keystore: new gcm: %w", err)
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("keystore: generate nonce: %w", err)
	}
	ciphertext := gcm.Seal(nil, nonce, plaintext, nil)

	payload := make([]byte, 0, len(salt)+len(nonce)+len(ciphertext))
	payload = append(payload, salt...)
	payload = append(payload, nonce...)
	payload = append(payload, ciphertext...)
	return pem.EncodeToMemory(&pem.Block{Type: encryptedPrivateKeyType, Bytes: payload}), nil
}

// decryptPrivate is the inverse of encryptPrivate.
func decryptPrivate(passphrase string, payload []byte) ([]byte, error) {
	if len(payload) < 16 {
		return nil, fmt.Errorf("keystore: encrypted private key payload too short")
	}
	salt, rest := payload[:16], payload[16:]

	key := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, []byte(passphrase), salt, []byte("uptane-keystore-private-key")), key); err != nil {
		return nil, fmt.Errorf("keystore: derive key: %w", err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("keystore: new cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("keystore: new gcm: %w", err)
	}
	if len(rest) < gcm.NonceSize() {
		return nil, fmt.Errorf("keystore: encrypted private key payload too short")
	}
	nonce, ciphertext := rest[:gcm.NonceSize()], rest[gcm.NonceSize():]

	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("keystore: decrypt private key (wrong passphrase?): %w", err)
	}
	return plaintext, nil
}

// KeyPair is one role's active signing key, public and private halves.
type KeyPair struct {
	Kind    uptane.KeyKind
	Private crypto.Signer
	Public  crypto.PublicKey
	KeyID   string
}

type publicKeyRepr struct {
	KeyType string `json:"keytype"`
	KeyVal  struct {
		Public string `json:"public"`
	} `json:"keyval"`
}

// Generate creates a new key pair of the requested kind.
func Generate(kind uptane.KeyKind) (*KeyPair, error) {
	switch kind {
	case uptane.KeyEd25519:
		pub, priv, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return nil, fmt.Errorf("keystore: generate ed25519: %w", err)
		}
		return newKeyPair(kind, priv, pub)
	case uptane.KeyRSA2048, uptane.KeyRSA3072, uptane.KeyRSA4096:
		bits, err := rsaBits(kind)
		if err != nil {
			return nil, err
		}
		priv, err := rsa.GenerateKey(rand.Reader, bits)
		if err != nil {
			return nil, fmt.Errorf("keystore: generate rsa: %w", err)
		}
		return newKeyPair(kind, priv, &priv.PublicKey)
	default:
		return nil, fmt.Errorf("keystore: unsupported key kind %q", kind)
	}
}

func rsaBits(kind uptane.KeyKind) (int, error) {
	switch kind {
	case uptane.KeyRSA2048:
		return 2048, nil
	case uptane.KeyRSA3072:
		return 3072, nil
	case uptane.KeyRSA4096:
		return 4096, nil
	default:
		return 0, fmt.Errorf("keystore: not an rsa kind: %q", kind)
	}
}

func newKeyPair(kind uptane.KeyKind, priv crypto.Signer, pub crypto.PublicKey) (*KeyPair, error) {
	kp := &KeyPair{Kind: kind, Private: priv, Public: pub}
	id, err := keyID(kind, pub)
	if err != nil {
		return nil, err
	}
	kp.KeyID = id
	return kp, nil
}

// keyID computes the content-addressed keyid: the SHA-256 of the
// canonical JSON of the public key.
func keyID(kind uptane.KeyKind, pub crypto.PublicKey) (string, error) {
	raw, err := publicKeyBytes(pub)
	if err != nil {
		return "", err
	}
	var repr publicKeyRepr
	repr.KeyType = string(kind)
	repr.KeyVal.Public = hex.EncodeToString(raw)

	digest, err := canonjson.Digest(repr)
	if err != nil {
		return "", fmt.Errorf("keystore: keyid digest: %w", err)
	}
	return hex.EncodeToString(digest[:]), nil
}

func publicKeyBytes(pub crypto.PublicKey) ([]byte, error) {
	switch k := pub.(type) {
	case ed25519.PublicKey:
		return []byte(k), nil
	case *rsa.PublicKey:
		return x509.MarshalPKCS1PublicKey(k), nil
	default:
		return nil, fmt.Errorf("keystore: unsupported public key type %T", pub)
	}
}

// Save persists the key pair under {base}/{repo}/{role}/.
func Save(base string, repo uptane.RepoType, role uptane.Role, kp *KeyPair) error {
	dir := filepath.Join(base, string(repo), string(role))

	privBytes, err := marshalPrivate(kp)
	if err != nil {
		return err
	}
	if passphrase := os.Getenv(keystorePassphraseEnv); passphrase != "" {
		privBytes, err = encryptPrivate(passphrase, privBytes)
		if err != nil {
			return fmt.Errorf("keystore: encrypt private key: %w", err)
		}
	}
	if err := fsstore.WriteFileAtomic(filepath.Join(dir, "private.key"), privBytes, 0o600); err != nil {
		return err
	}

	pubRaw, err := publicKeyBytes(kp.Public)
	if err != nil {
		return err
	}
	pubPEM := pem.EncodeToMemory(&pem.Block{Type: "UPTANE PUBLIC KEY", Bytes: pubRaw})
	if err := fsstore.WriteFileAtomic(filepath.Join(dir, "public.key"), pubPEM, 0o644); err != nil {
		return err
	}

	if err := fsstore.WriteFileAtomic(filepath.Join(dir, "key_type"), []byte(string(kp.Kind)+"\n"), 0o644); err != nil {
		return err
	}
	return nil
}

func marshalPrivate(kp *KeyPair) ([]byte, error) {
	switch kp.Kind {
	case uptane.KeyEd25519:
		priv, ok := kp.Private.(ed25519.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("keystore: private key is not ed25519")
		}
		return pem.EncodeToMemory(&pem.Block{Type: "UPTANE PRIVATE KEY", Bytes: priv}), nil
	case uptane.KeyRSA2048, uptane.KeyRSA3072, uptane.KeyRSA4096:
		priv, ok := kp.Private.(*rsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("keystore: private key is not rsa")
		}
		return pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(priv)}), nil
	default:
		return nil, fmt.Errorf("keystore: unsupported key kind %q", kp.Kind)
	}
}

// Load re-reads the key pair material from {base}/{repo}/{role}/,
// inferring the key kind from the sibling key_type file.
func Load(base string, repo uptane.RepoType, role uptane.Role) (*KeyPair, error) {
	dir := filepath.Join(base, string(repo), string(role))

	kindRaw, err := fsstore.ReadFile(filepath.Join(dir, "key_type"))
	if err != nil {
		return nil, err
	}
	kind := uptane.KeyKind(strings.TrimSpace(string(kindRaw)))

	privRaw, err := fsstore.ReadFile(filepath.Join(dir, "private.key"))
	if err != nil {
		return nil, err
	}
	block, _ := pem.Decode(privRaw)
	if block == nil {
		return nil, fmt.Errorf("keystore: no PEM block in %s", filepath.Join(dir, "private.key"))
	}
	if block.Type == encryptedPrivateKeyType {
		passphrase := os.Getenv(keystorePassphraseEnv)
		if passphrase == "" {
			return nil, fmt.Errorf("keystore: %s is encrypted but %s is not set", filepath.Join(dir, "private.key"), keystorePassphraseEnv)
		}
		inner, err := decryptPrivate(passphrase, block.Bytes)
		if err != nil {
			return nil, err
		}
		block, _ = pem.Decode(inner)
		if block == nil {
			return nil, fmt.Errorf("keystore: no PEM block in decrypted %s", filepath.Join(dir, "private.key"))
		}
	}

	switch kind {
	case uptane.KeyEd25519:
		priv := ed25519.PrivateKey(block.Bytes)
		return newKeyPair(kind, priv, priv.Public().(ed25519.PublicKey))
	case uptane.KeyRSA2048, uptane.KeyRSA3072, uptane.KeyRSA4096:
		priv, err := x509.ParsePKCS1PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("keystore: parse rsa private key: %w", err)
		}
		return newKeyPair(kind, priv, &priv.PublicKey)
	default:
		return nil, fmt.Errorf("keystore: unsupported key kind %q in %s", kind, filepath.Join(dir, "key_type"))
	}
}

// Sign signs digest (a 32-byte SHA-256 value) with the key pair,
// returning the method name and hex-encoded signature.
func Sign(kp *KeyPair, digest [32]byte) (uptane.SigMethod, string, error) {
	switch kp.Kind {
	case uptane.KeyEd25519:
		priv, ok := kp.Private.(ed25519.PrivateKey)
		if !ok {
			return "", "", fmt.Errorf("keystore: sign: not an ed25519 private key")
		}
		sig := ed25519.Sign(priv, digest[:])
		return uptane.MethodEd25519, hex.EncodeToString(sig), nil
	case uptane.KeyRSA2048, uptane.KeyRSA3072, uptane.KeyRSA4096:
		priv, ok := kp.Private.(*rsa.PrivateKey)
		if !ok {
			return "", "", fmt.Errorf("keystore: sign: not an rsa private key")
		}
		sig, err := rsa.SignPSS(rand.Reader, priv, crypto.SHA256, digest[:], &rsa.PSSOptions{SaltLength: rsa.PSSSaltLengthEqualsHash})
		if err != nil {
			return "", "", fmt.Errorf("keystore: rsa-pss sign: %w", err)
		}
		return uptane.MethodRSASSAPSSSHA256, hex.EncodeToString(sig), nil
	default:
		return "", "", fmt.Errorf("keystore: unsupported key kind %q", kp.Kind)
	}
}

// Verify checks a hex-encoded signature of the given method against
// digest, using pub (an ed25519.PublicKey or *rsa.PublicKey).
func Verify(pub crypto.PublicKey, method uptane.SigMethod, digest [32]byte, sigHex string) (bool, error) {
	sig, err := hex.DecodeString(sigHex)
	if err != nil {
		return false, fmt.Errorf("keystore: decode signature: %w", err)
	}

	switch method {
	case uptane.MethodEd25519:
		pk, ok := pub.(ed25519.PublicKey)
		if !ok {
			return false, fmt.Errorf("keystore: verify: public key is not ed25519")
		}
		return ed25519.Verify(pk, digest[:], sig), nil
	case uptane.MethodRSASSAPSSSHA256:
		pk, ok := pub.(*rsa.PublicKey)
		if !ok {
			return false, fmt.Errorf("keystore: verify: public key is not rsa")
		}
		err := rsa.VerifyPSS(pk, crypto.SHA256, digest[:], sig, &rsa.PSSOptions{SaltLength: rsa.PSSSaltLengthAuto})
		return err == nil, nil
	default:
		return false, fmt.Errorf("keystore: unsupported method %q", method)
	}
}

// ParsePublicKeyPEM parses a PEM-encoded public key of the given kind,
// as written by Save. Root metadata embeds keys hex-encoded instead;
// see ParsePublicKeyHex.
func ParsePublicKeyPEM(kind uptane.KeyKind, raw []byte) (crypto.PublicKey, error) {
	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, fmt.Errorf("keystore: no PEM block in public key")
	}
	return parsePublicKeyBytes(kind, block.Bytes)
}

func parsePublicKeyBytes(kind uptane.KeyKind, raw []byte) (crypto.PublicKey, error) {
	switch kind {
	case uptane.KeyEd25519:
		if len(raw) != ed25519.PublicKeySize {
			return nil, fmt.Errorf("keystore: invalid ed25519 public key size %d", len(raw))
		}
		return ed25519.PublicKey(raw), nil
	case uptane.KeyRSA2048, uptane.KeyRSA3072, uptane.KeyRSA4096:
		pub, err := x509.ParsePKCS1PublicKey(raw)
		if err != nil {
			return nil, fmt.Errorf("keystore: parse rsa public key: %w", err)
		}
		return pub, nil
	default:
		return nil, fmt.Errorf("keystore: unsupported key kind %q", kind)
	}
}

// PublicKeyHex hex-encodes the raw public key bytes, as embedded in the
// Root metadata's keyval field.
func PublicKeyHex(pub crypto.PublicKey) (string, error) {
	raw, err := publicKeyBytes(pub)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(raw), nil
}

// ParsePublicKeyHex is the inverse of PublicKeyHex.
func ParsePublicKeyHex(kind uptane.KeyKind, hexStr string) (crypto.PublicKey, error) {
	raw, err := hex.DecodeString(hexStr)
	if err != nil {
		return nil, fmt.Errorf("keystore: decode public key hex: %w", err)
	}
	return parsePublicKeyBytes(kind, raw)
}

// FileTreeHashes walks base and returns a content hash per file,
// supporting a "no two persisted keys share content" invariant check.
// Nothing in this module calls it.
func FileTreeHashes(base string) (map[string]string, error) {
	out := make(map[string]string)
	err := filepath.Walk(base, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		sum := sha256.Sum256(data)
		rel, _ := filepath.Rel(base, path)
		out[rel] = hex.EncodeToString(sum[:])
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("keystore: walk %s: %w", base, err)
	}
	return out, nil
}
