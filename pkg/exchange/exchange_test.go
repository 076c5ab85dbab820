package exchange

import (
	"bytes"
	"crypto/rand"
	"crypto/rsa"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/IDSIA/Ferdelance/pkg/types"
)

// testKey generates a small key to keep the suite fast; envelope and
// signature logic is size-independent.
func testKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	return key
}

// TestKeyPersistenceRoundtrip tests saving and reloading a private key
func TestKeyPersistenceRoundtrip(t *testing.T) {
	key := testKey(t)
	path := filepath.Join(t.TempDir(), "private_key.pem")

	require.NoError(t, SavePrivateKey(key, path))

	loaded, err := LoadPrivateKey(path)
	require.NoError(t, err)
	assert.True(t, key.Equal(loaded))
}

// TestLoadOrCreatePrivateKey tests that a second load reuses the key
func TestLoadOrCreatePrivateKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "private_key.pem")

	first, err := LoadOrCreatePrivateKey(path)
	require.NoError(t, err)

	second, err := LoadOrCreatePrivateKey(path)
	require.NoError(t, err)
	assert.True(t, first.Equal(second))
}

// TestTransferEncoding tests the PEM armour strip/restore cycle
func TestTransferEncoding(t *testing.T) {
	key := testKey(t)

	transfer, err := PublicKeyToTransfer(&key.PublicKey)
	require.NoError(t, err)
	assert.NotContains(t, transfer, "-----")
	assert.NotContains(t, transfer, "\n")

	restored, err := PublicKeyFromTransfer(transfer)
	require.NoError(t, err)
	assert.True(t, key.PublicKey.Equal(restored))
}

// TestHybridRoundtrip tests whole-buffer encrypt/decrypt
func TestHybridRoundtrip(t *testing.T) {
	key := testKey(t)
	plaintext := []byte("the quick brown fox jumps over the lazy dog")

	envelope, err := EncryptBytes(&key.PublicKey, plaintext)
	require.NoError(t, err)
	assert.NotContains(t, string(envelope), string(plaintext))

	recovered, err := DecryptBytes(key, envelope)
	require.NoError(t, err)
	assert.Equal(t, plaintext, recovered)
}

// TestHybridEmptyPlaintext tests the zero-byte payload edge case
func TestHybridEmptyPlaintext(t *testing.T) {
	key := testKey(t)

	envelope, err := EncryptBytes(&key.PublicKey, nil)
	require.NoError(t, err)

	recovered, err := DecryptBytes(key, envelope)
	require.NoError(t, err)
	assert.Empty(t, recovered)
}

// TestHybridChunkedDecryption tests feeding the decrypter byte by byte
func TestHybridChunkedDecryption(t *testing.T) {
	key := testKey(t)
	plaintext := bytes.Repeat([]byte("abcdefgh"), 1000)

	envelope, err := EncryptBytes(&key.PublicKey, plaintext)
	require.NoError(t, err)

	dec := NewDecrypter(key)
	var recovered bytes.Buffer
	for _, b := range envelope {
		plain, err := dec.Update([]byte{b})
		require.NoError(t, err)
		recovered.Write(plain)
	}
	require.NoError(t, dec.End())
	assert.Equal(t, plaintext, recovered.Bytes())
}

// TestHybridChecksumTamper tests that a flipped ciphertext bit fails
// checksum verification
func TestHybridChecksumTamper(t *testing.T) {
	key := testKey(t)
	plaintext := []byte("federated learning payload")

	envelope, err := EncryptBytes(&key.PublicKey, plaintext)
	require.NoError(t, err)

	// Flip one bit in the symmetric body, past the sealed preamble.
	envelope[len(envelope)-trailerSize-3] ^= 0x01

	_, err = DecryptBytes(key, envelope)
	assert.ErrorIs(t, err, ErrChecksum)
}

// TestHybridTruncatedEnvelope tests that a short envelope is rejected
func TestHybridTruncatedEnvelope(t *testing.T) {
	key := testKey(t)

	envelope, err := EncryptBytes(&key.PublicKey, []byte("payload"))
	require.NoError(t, err)

	_, err = DecryptBytes(key, envelope[:len(envelope)-5])
	assert.Error(t, err)
}

// TestHybridStream tests the streaming helpers over a large payload
func TestHybridStream(t *testing.T) {
	key := testKey(t)
	plaintext := bytes.Repeat([]byte{0xAB, 0xCD}, 200*1024)

	var envelope bytes.Buffer
	sentChecksum, err := EncryptStream(&key.PublicKey, &envelope, bytes.NewReader(plaintext))
	require.NoError(t, err)

	var recovered bytes.Buffer
	gotChecksum, err := DecryptStream(key, &recovered, &envelope)
	require.NoError(t, err)

	assert.Equal(t, plaintext, recovered.Bytes())
	assert.Equal(t, sentChecksum, gotChecksum)
}

// TestSignVerify tests the RSA-PSS signature cycle
func TestSignVerify(t *testing.T) {
	key := testKey(t)
	claim := JoinClaim("component-1", "AAAA")

	signature, err := Sign(key, claim)
	require.NoError(t, err)
	assert.NoError(t, Verify(&key.PublicKey, claim, signature))
}

// TestVerifyTamperedClaim tests that a changed claim is rejected
func TestVerifyTamperedClaim(t *testing.T) {
	key := testKey(t)

	signature, err := Sign(key, "component-1:AAAA")
	require.NoError(t, err)

	err = Verify(&key.PublicKey, "component-2:AAAA", signature)
	assert.ErrorIs(t, err, types.ErrAccessDenied)
}

// TestVerifyWrongKey tests that a foreign signature is rejected
func TestVerifyWrongKey(t *testing.T) {
	key := testKey(t)
	other := testKey(t)

	signature, err := Sign(other, "claim")
	require.NoError(t, err)

	err = Verify(&key.PublicKey, "claim", signature)
	assert.ErrorIs(t, err, types.ErrAccessDenied)
}

// TestStrChecksum tests the hex digest helper
func TestStrChecksum(t *testing.T) {
	assert.Equal(t, StrChecksum("abc"), StrChecksum("abc"))
	assert.NotEqual(t, StrChecksum("abc"), StrChecksum("abd"))
	assert.Len(t, StrChecksum(""), 64)
}
