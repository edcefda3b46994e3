// Package zkp holds the cryptographic glue for the payment flow: packing
// payout authorizations into field elements, EdDSA signing on BabyJubJub,
// and Groth16 settlement-proof verification.
package zkp

import (
	"encoding/hex"
	"fmt"

	"github.com/consensys/gnark-crypto/ecc/bn254/fr"
)

// Authorization is the tuple the Manager signs for one settlement batch.
// It is also the public-signal layout of a settlement proof.
type Authorization struct {
	Recipient string
	MinNonce  uint64
	MaxNonce  uint64
	Amount    uint64
}

// Pack serializes the authorization into MiMC-aligned input: five canonical
// 32-byte big-endian field elements. The 32-byte recipient is split into two
// 16-byte halves so no address bits are lost to modular reduction; the halves
// are followed by minNonce, maxNonce and amount.
func (a Authorization) Pack() ([]byte, error) {
	raw, err := hex.DecodeString(a.Recipient)
	if err != nil {
		return nil, fmt.Errorf("recipient is not hex: %w", err)
	}
	if len(raw) != 32 {
		return nil, fmt.Errorf("recipient is %d bytes, want 32", len(raw))
	}

	var chunks [5]fr.Element
	chunks[0].SetBytes(raw[:16])
	chunks[1].SetBytes(raw[16:])
	chunks[2].SetUint64(a.MinNonce)
	chunks[3].SetUint64(a.MaxNonce)
	chunks[4].SetUint64(a.Amount)

	out := make([]byte, 0, len(chunks)*fr.Bytes)
	for i := range chunks {
		b := chunks[i].Bytes()
		out = append(out, b[:]...)
	}
	return out, nil
}

// recipientElement reduces a 32-byte recipient address into one field
// element, the form it takes as a proof public signal.
func recipientElement(recipient string) (fr.Element, error) {
	var e fr.Element
	raw, err := hex.DecodeString(recipient)
	if err != nil {
		return e, fmt.Errorf("recipient is not hex: %w", err)
	}
	if len(raw) != 32 {
		return e, fmt.Errorf("recipient is %d bytes, want 32", len(raw))
	}
	e.SetBytes(raw)
	return e, nil
}
