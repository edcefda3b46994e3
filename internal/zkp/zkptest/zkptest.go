// Package zkptest mints real Groth16 proofs so settlement flows can be
// exercised end to end in tests without an external prover.
package zkptest

import (
	"bytes"
	"encoding/base64"
	"encoding/hex"
	"sync"
	"testing"

	"github.com/consensys/gnark-crypto/ecc"
	"github.com/consensys/gnark-crypto/ecc/bn254/fr"
	"github.com/consensys/gnark/backend/groth16"
	"github.com/consensys/gnark/constraint"
	"github.com/consensys/gnark/frontend"
	"github.com/consensys/gnark/frontend/cs/r1cs"
	"github.com/stretchr/testify/require"

	"github.com/taskmesh/taskmesh/internal/zkp"
)

// settlementCircuit mirrors the public signal order the verifier expects:
// minNonce, maxNonce, amount, recipient.
type settlementCircuit struct {
	MinNonce  frontend.Variable `gnark:",public"`
	MaxNonce  frontend.Variable `gnark:",public"`
	Amount    frontend.Variable `gnark:",public"`
	Recipient frontend.Variable `gnark:",public"`
}

func (c *settlementCircuit) Define(api frontend.API) error {
	api.AssertIsLessOrEqual(c.MinNonce, c.MaxNonce)
	return nil
}

// Fixture holds one compiled circuit and its Groth16 keys.
type Fixture struct {
	ccs     constraint.ConstraintSystem
	pk      groth16.ProvingKey
	vkBytes []byte
}

var (
	sharedOnce sync.Once
	shared     *Fixture
	sharedErr  error
)

// Shared returns a process-wide fixture. Setup is expensive, so all tests
// reuse one circuit and key pair.
func Shared(t testing.TB) *Fixture {
	t.Helper()
	sharedOnce.Do(func() {
		shared, sharedErr = build()
	})
	require.NoError(t, sharedErr, "building proof fixture")
	return shared
}

func build() (*Fixture, error) {
	ccs, err := frontend.Compile(ecc.BN254.ScalarField(), r1cs.NewBuilder, &settlementCircuit{})
	if err != nil {
		return nil, err
	}
	pk, vk, err := groth16.Setup(ccs)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if _, err := vk.WriteTo(&buf); err != nil {
		return nil, err
	}
	return &Fixture{ccs: ccs, pk: pk, vkBytes: buf.Bytes()}, nil
}

// VerifyingKey returns the gnark-encoded verifying key.
func (f *Fixture) VerifyingKey() []byte {
	return f.vkBytes
}

// Verifier builds a ProofVerifier over the fixture's key.
func (f *Fixture) Verifier(t testing.TB) *zkp.ProofVerifier {
	t.Helper()
	v, err := zkp.NewProofVerifier(f.vkBytes)
	require.NoError(t, err, "parsing fixture verifying key")
	return v
}

// ProveBase64 mints a valid proof for the authorization and returns it in
// the wire encoding.
func (f *Fixture) ProveBase64(t testing.TB, auth zkp.Authorization) string {
	t.Helper()

	var rec fr.Element
	raw := mustHex(t, auth.Recipient)
	rec.SetBytes(raw)

	assignment := &settlementCircuit{
		MinNonce:  auth.MinNonce,
		MaxNonce:  auth.MaxNonce,
		Amount:    auth.Amount,
		Recipient: rec,
	}
	full, err := frontend.NewWitness(assignment, ecc.BN254.ScalarField())
	require.NoError(t, err, "building full witness")

	proof, err := groth16.Prove(f.ccs, f.pk, full)
	require.NoError(t, err, "proving")

	var buf bytes.Buffer
	_, err = proof.WriteTo(&buf)
	require.NoError(t, err, "encoding proof")
	return base64.StdEncoding.EncodeToString(buf.Bytes())
}

func mustHex(t testing.TB, s string) []byte {
	t.Helper()
	raw, err := hex.DecodeString(s)
	require.NoError(t, err, "decoding recipient hex")
	return raw
}
