package zkp

import (
	"bytes"
	"fmt"
	"os"

	"github.com/consensys/gnark-crypto/ecc"
	"github.com/consensys/gnark-crypto/ecc/bn254/fr"
	"github.com/consensys/gnark/backend/groth16"
	"github.com/consensys/gnark/backend/witness"
)

// publicSignalCount is the settlement circuit's public input layout:
// minNonce, maxNonce, amount, recipient.
const publicSignalCount = 4

// ProofVerifier checks Groth16 settlement proofs against a fixed
// verifying key.
type ProofVerifier struct {
	vk groth16.VerifyingKey
}

// NewProofVerifier parses a gnark-encoded BN254 verifying key.
func NewProofVerifier(vkBytes []byte) (*ProofVerifier, error) {
	vk := groth16.NewVerifyingKey(ecc.BN254)
	if _, err := vk.ReadFrom(bytes.NewReader(vkBytes)); err != nil {
		return nil, fmt.Errorf("parsing verifying key: %w", err)
	}
	return &ProofVerifier{vk: vk}, nil
}

// LoadProofVerifier reads the verifying key from disk.
func LoadProofVerifier(path string) (*ProofVerifier, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading verifying key: %w", err)
	}
	return NewProofVerifier(raw)
}

// Verify checks one proof against the authorization it claims to settle.
// A nil error means the proof is valid for exactly these public signals.
func (v *ProofVerifier) Verify(proofBytes []byte, a Authorization) error {
	proof := groth16.NewProof(ecc.BN254)
	if _, err := proof.ReadFrom(bytes.NewReader(proofBytes)); err != nil {
		return fmt.Errorf("parsing proof: %w", err)
	}
	w, err := publicWitness(a)
	if err != nil {
		return err
	}
	if err := groth16.Verify(proof, v.vk, w); err != nil {
		return fmt.Errorf("proof rejected: %w", err)
	}
	return nil
}

// publicWitness builds the circuit's public inputs in signal order.
func publicWitness(a Authorization) (witness.Witness, error) {
	rec, err := recipientElement(a.Recipient)
	if err != nil {
		return nil, err
	}

	w, err := witness.New(ecc.BN254.ScalarField())
	if err != nil {
		return nil, fmt.Errorf("allocating witness: %w", err)
	}

	values := make(chan any, publicSignalCount)
	var minN, maxN, amt fr.Element
	minN.SetUint64(a.MinNonce)
	maxN.SetUint64(a.MaxNonce)
	amt.SetUint64(a.Amount)
	values <- minN
	values <- maxN
	values <- amt
	values <- rec
	close(values)

	if err := w.Fill(publicSignalCount, 0, values); err != nil {
		return nil, fmt.Errorf("filling witness: %w", err)
	}
	return w, nil
}
