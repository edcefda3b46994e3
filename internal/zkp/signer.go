package zkp

import (
	"encoding/hex"
	"fmt"

	"github.com/consensys/gnark-crypto/ecc/bn254/twistededwards/eddsa"
	"github.com/consensys/gnark-crypto/hash"
)

// Signer produces payout authorizations signed with the Manager's
// BabyJubJub key. Workers present these signatures on-chain, so the
// packing here must stay in lockstep with the settlement circuit.
type Signer struct {
	key *eddsa.PrivateKey
}

// NewSigner wraps an EdDSA private key for authorization signing.
func NewSigner(key *eddsa.PrivateKey) *Signer {
	return &Signer{key: key}
}

// Sign packs and signs the authorization, returning the hex-encoded
// signature.
func (s *Signer) Sign(a Authorization) (string, error) {
	msg, err := a.Pack()
	if err != nil {
		return "", err
	}
	sig, err := s.key.Sign(msg, hash.MIMC_BN254.New())
	if err != nil {
		return "", fmt.Errorf("signing authorization: %w", err)
	}
	return hex.EncodeToString(sig), nil
}

// PublicKey returns the signer's public key, for export and for tests.
func (s *Signer) PublicKey() *eddsa.PublicKey {
	return &s.key.PublicKey
}

// VerifyAuthorization checks an authorization signature against a public
// key. The Manager never needs this on its own hot path; it exists so
// tests and worker-side tooling share the exact packing the signer uses.
func VerifyAuthorization(pub *eddsa.PublicKey, a Authorization, sigHex string) (bool, error) {
	msg, err := a.Pack()
	if err != nil {
		return false, err
	}
	sig, err := hex.DecodeString(sigHex)
	if err != nil {
		return false, fmt.Errorf("signature is not hex: %w", err)
	}
	return pub.Verify(sig, msg, hash.MIMC_BN254.New())
}
