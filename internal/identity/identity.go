// Package identity derives the node's key material. One 32-byte seed yields
// both the libp2p transport identity and the BabyJubJub payment signing key,
// so a configured node keeps a stable peer ID and public key across restarts.
package identity

import (
	"bytes"
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"github.com/consensys/gnark-crypto/ecc/bn254/twistededwards/eddsa"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/peer"
)

// SeedSize is the secret seed length in bytes.
const SeedSize = 32

// RecipientSize is the payment address length in bytes.
const RecipientSize = 32

// Identity is the node's derived key material.
type Identity struct {
	seed []byte

	// TransportKey authenticates the node on the p2p transport.
	TransportKey crypto.PrivKey
	// PeerID is derived from TransportKey.
	PeerID peer.ID
	// SigningKey signs payout authorizations (EdDSA on BabyJubJub).
	SigningKey *eddsa.PrivateKey
}

// Generate creates an Identity from a fresh random seed.
func Generate() (*Identity, error) {
	seed := make([]byte, SeedSize)
	if _, err := rand.Read(seed); err != nil {
		return nil, fmt.Errorf("reading randomness: %w", err)
	}
	return fromSeed(seed)
}

// FromHex derives an Identity from a hex-encoded secret. Only the first
// SeedSize bytes are used; longer secrets are accepted and truncated.
func FromHex(hexSeed string) (*Identity, error) {
	raw, err := hex.DecodeString(hexSeed)
	if err != nil {
		return nil, fmt.Errorf("decoding private key: %w", err)
	}
	if len(raw) < SeedSize {
		return nil, fmt.Errorf("private key is %d bytes, need at least %d", len(raw), SeedSize)
	}
	return fromSeed(raw[:SeedSize])
}

func fromSeed(seed []byte) (*Identity, error) {
	transportKey, _, err := crypto.GenerateEd25519Key(bytes.NewReader(seed))
	if err != nil {
		return nil, fmt.Errorf("deriving transport key: %w", err)
	}
	peerID, err := peer.IDFromPrivateKey(transportKey)
	if err != nil {
		return nil, fmt.Errorf("deriving peer id: %w", err)
	}
	signingKey, err := eddsa.GenerateKey(bytes.NewReader(seed))
	if err != nil {
		return nil, fmt.Errorf("deriving signing key: %w", err)
	}

	out := make([]byte, SeedSize)
	copy(out, seed)
	return &Identity{
		seed:         out,
		TransportKey: transportKey,
		PeerID:       peerID,
		SigningKey:   signingKey,
	}, nil
}

// SeedHex returns the hex-encoded secret seed.
func (id *Identity) SeedHex() string {
	return hex.EncodeToString(id.seed)
}

// PublicKeyHex returns the compressed BabyJubJub public key, hex-encoded.
// This is the key published in identify responses and admin status.
func (id *Identity) PublicKeyHex() string {
	return hex.EncodeToString(id.SigningKey.PublicKey.Bytes())
}

// ValidateRecipient checks that s is a hex-encoded RecipientSize address.
func ValidateRecipient(s string) error {
	raw, err := hex.DecodeString(s)
	if err != nil {
		return fmt.Errorf("recipient is not hex: %w", err)
	}
	if len(raw) != RecipientSize {
		return fmt.Errorf("recipient is %d bytes, want %d", len(raw), RecipientSize)
	}
	return nil
}
