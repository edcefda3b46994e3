package zkp

import (
	"bytes"
	"testing"

	"github.com/consensys/gnark-crypto/ecc/bn254/twistededwards/eddsa"
	"github.com/stretchr/testify/require"
)

func testKey(t *testing.T, fill byte) *eddsa.PrivateKey {
	t.Helper()
	key, err := eddsa.GenerateKey(bytes.NewReader(bytes.Repeat([]byte{fill}, 32)))
	require.NoError(t, err, "deterministic key generation should succeed")
	return key
}

func TestSigner_RoundTrip(t *testing.T) {
	signer := NewSigner(testKey(t, 7))
	auth := Authorization{Recipient: testRecipient(), MinNonce: 1, MaxNonce: 5, Amount: 900}

	sig, err := signer.Sign(auth)
	require.NoError(t, err, "signing should succeed")
	require.NotEmpty(t, sig)

	ok, err := VerifyAuthorization(signer.PublicKey(), auth, sig)
	require.NoError(t, err)
	require.True(t, ok, "signature must verify against the same tuple")
}

func TestSigner_TamperedTupleFails(t *testing.T) {
	signer := NewSigner(testKey(t, 7))
	auth := Authorization{Recipient: testRecipient(), MinNonce: 1, MaxNonce: 5, Amount: 900}

	sig, err := signer.Sign(auth)
	require.NoError(t, err)

	tampered := auth
	tampered.Amount++
	ok, err := VerifyAuthorization(signer.PublicKey(), tampered, sig)
	require.NoError(t, err)
	require.False(t, ok, "changing the amount must invalidate the signature")
}

func TestSigner_WrongKeyFails(t *testing.T) {
	signer := NewSigner(testKey(t, 7))
	other := testKey(t, 8)
	auth := Authorization{Recipient: testRecipient(), MinNonce: 1, MaxNonce: 5, Amount: 900}

	sig, err := signer.Sign(auth)
	require.NoError(t, err)

	ok, err := VerifyAuthorization(&other.PublicKey, auth, sig)
	require.NoError(t, err)
	require.False(t, ok, "another key must not accept the signature")
}

func TestSigner_DeterministicKeys(t *testing.T) {
	a := testKey(t, 9)
	b := testKey(t, 9)

	aPub := a.PublicKey.Bytes()
	bPub := b.PublicKey.Bytes()
	require.Equal(t, aPub, bPub, "same seed must derive the same key")
}

func TestVerifyAuthorization_BadSignatureHex(t *testing.T) {
	signer := NewSigner(testKey(t, 7))
	auth := Authorization{Recipient: testRecipient(), MinNonce: 1, MaxNonce: 5, Amount: 900}

	_, err := VerifyAuthorization(signer.PublicKey(), auth, "not-hex")
	require.Error(t, err, "malformed signature hex rejected")
}
