package identity

import (
	"encoding/hex"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFromHex_Deterministic(t *testing.T) {
	seed := strings.Repeat("ab", SeedSize)

	id1, err := FromHex(seed)
	require.NoError(t, err)
	id2, err := FromHex(seed)
	require.NoError(t, err)

	require.Equal(t, id1.PeerID, id2.PeerID, "same seed must yield the same peer id")
	require.Equal(t, id1.PublicKeyHex(), id2.PublicKeyHex(), "same seed must yield the same signing key")
	require.Equal(t, seed, id1.SeedHex())
}

func TestFromHex_UsesFirst32Bytes(t *testing.T) {
	base := strings.Repeat("ab", SeedSize)
	extended := base + "ffffffff"

	id1, err := FromHex(base)
	require.NoError(t, err)
	id2, err := FromHex(extended)
	require.NoError(t, err)

	require.Equal(t, id1.PeerID, id2.PeerID, "bytes past the seed are ignored")
	require.Equal(t, id1.PublicKeyHex(), id2.PublicKeyHex())
}

func TestFromHex_Rejects(t *testing.T) {
	_, err := FromHex("zz")
	require.Error(t, err, "non-hex input")

	_, err = FromHex("abcd")
	require.Error(t, err, "short input")
	require.Contains(t, err.Error(), "need at least")
}

func TestGenerate_Distinct(t *testing.T) {
	id1, err := Generate()
	require.NoError(t, err)
	id2, err := Generate()
	require.NoError(t, err)

	require.NotEqual(t, id1.PeerID, id2.PeerID)
	require.NotEqual(t, id1.PublicKeyHex(), id2.PublicKeyHex())
}

func TestPublicKeyHex_IsCompressedPoint(t *testing.T) {
	id, err := Generate()
	require.NoError(t, err)

	raw, err := hex.DecodeString(id.PublicKeyHex())
	require.NoError(t, err)
	require.Len(t, raw, 32, "compressed BabyJubJub public key is 32 bytes")
}

func TestValidateRecipient(t *testing.T) {
	require.NoError(t, ValidateRecipient(strings.Repeat("01", RecipientSize)))
	require.Error(t, ValidateRecipient("zz"), "non-hex")
	require.Error(t, ValidateRecipient("abcd"), "wrong length")
	require.Error(t, ValidateRecipient(strings.Repeat("01", RecipientSize+1)), "too long")
}
