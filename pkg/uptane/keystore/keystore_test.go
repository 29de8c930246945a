package keystore

import (
	"crypto/sha256"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ota-uptane/client-core/pkg/uptane"
)

func TestGenerateEd25519KeyIDIsContentAddressed(t *testing.T) {
	kp1, err := Generate(uptane.KeyEd25519)
	require.NoError(t, err)
	kp2, err := Generate(uptane.KeyEd25519)
	require.NoError(t, err)
	require.NotEmpty(t, kp1.KeyID)
	require.NotEqual(t, kp1.KeyID, kp2.KeyID)
}

func TestSignVerifyRoundTripEd25519(t *testing.T) {
	kp, err := Generate(uptane.KeyEd25519)
	require.NoError(t, err)
	digest := sha256.Sum256([]byte("hello"))

	method, sigHex, err := Sign(kp, digest)
	require.NoError(t, err)
	require.Equal(t, uptane.MethodEd25519, method)

	ok, err := Verify(kp.Public, method, digest, sigHex)
	require.NoError(t, err)
	require.True(t, ok)

	other := sha256.Sum256([]byte("tampered"))
	ok, err = Verify(kp.Public, method, other, sigHex)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestSignVerifyRoundTripRSA(t *testing.T) {
	kp, err := Generate(uptane.KeyRSA2048)
	require.NoError(t, err)
	digest := sha256.Sum256([]byte("hello rsa"))

	method, sigHex, err := Sign(kp, digest)
	require.NoError(t, err)
	require.Equal(t, uptane.MethodRSASSAPSSSHA256, method)

	ok, err := Verify(kp.Public, method, digest, sigHex)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestSaveLoadRoundTripPlaintext(t *testing.T) {
	dir := t.TempDir()
	kp, err := Generate(uptane.KeyEd25519)
	require.NoError(t, err)

	require.NoError(t, Save(dir, uptane.RepoDirector, uptane.RoleRoot, kp))

	loaded, err := Load(dir, uptane.RepoDirector, uptane.RoleRoot)
	require.NoError(t, err)
	require.Equal(t, kp.KeyID, loaded.KeyID)
	require.Equal(t, kp.Kind, loaded.Kind)

	digest := sha256.Sum256([]byte("round trip"))
	method, sigHex, err := Sign(loaded, digest)
	require.NoError(t, err)
	ok, err := Verify(kp.Public, method, digest, sigHex)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestSaveLoadRoundTripEncrypted(t *testing.T) {
	t.Setenv(keystorePassphraseEnv, "correct horse battery staple")

	dir := t.TempDir()
	kp, err := Generate(uptane.KeyRSA2048)
	require.NoError(t, err)
	require.NoError(t, Save(dir, uptane.RepoImage, uptane.RoleTargets, kp))

	loaded, err := Load(dir, uptane.RepoImage, uptane.RoleTargets)
	require.NoError(t, err)
	require.Equal(t, kp.KeyID, loaded.KeyID)
}

func TestLoadEncryptedWithoutPassphraseFails(t *testing.T) {
	t.Setenv(keystorePassphraseEnv, "a-passphrase")
	dir := t.TempDir()
	kp, err := Generate(uptane.KeyEd25519)
	require.NoError(t, err)
	require.NoError(t, Save(dir, uptane.RepoDirector, uptane.RoleTimestamp, kp))

	t.Setenv(keystorePassphraseEnv, "")
	_, err = Load(dir, uptane.RepoDirector, uptane.RoleTimestamp)
	require.Error(t, err)
}

func TestLoadEncryptedWithWrongPassphraseFails(t *testing.T) {
	t.Setenv(keystorePassphraseEnv, "right-passphrase")
	dir := t.TempDir()
	kp, err := Generate(uptane.KeyEd25519)
	require.NoError(t, err)
	require.NoError(t, Save(dir, uptane.RepoDirector, uptane.RoleSnapshot, kp))

	t.Setenv(keystorePassphraseEnv, "wrong-passphrase")
	_, err = Load(dir, uptane.RepoDirector, uptane.RoleSnapshot)
	require.Error(t, err)
}
