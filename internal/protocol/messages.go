package protocol

import "encoding/json"

// IdentifyRequest asks the Manager who it is. The payload is empty; the
// sender's identity comes from the transport.
type IdentifyRequest struct{}

// IdentifyResponse describes this Manager to a prospective worker.
type IdentifyResponse struct {
	PeerID             string   `json:"peerId"`
	Version            string   `json:"version"`
	RequireAccessCodes bool     `json:"requireAccessCodes"`
	IsRegistered       bool     `json:"isRegistered"`
	PublicKey          string   `json:"publicKey"`
	AnnouncedAddresses []string `json:"announcedAddresses"`
	QueueLength        int      `json:"queueLength"`
}

// RequestToWork onboards the sending peer as a worker.
type RequestToWork struct {
	Recipient  string `json:"recipient"`
	Nonce      uint64 `json:"nonce"`
	AccessCode string `json:"accessCode,omitempty"`
}

// NewTask is the provider-facing task submission. TaskID may be empty, in
// which case the Manager assigns one.
type NewTask struct {
	TaskID     string          `json:"taskId,omitempty"`
	TemplateID string          `json:"templateId"`
	Title      string          `json:"title"`
	Reward     uint64          `json:"reward"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

// Offer carries a task offer from the Manager to a worker.
type Offer struct {
	TaskID     string          `json:"taskId"`
	TemplateID string          `json:"templateId"`
	Title      string          `json:"title"`
	Reward     uint64          `json:"reward"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Deadline   int64           `json:"deadline"`
}

// TaskAccepted acknowledges an offer.
type TaskAccepted struct {
	TaskID string `json:"taskId"`
}

// TaskRejected declines an offer.
type TaskRejected struct {
	TaskID string `json:"taskId"`
	Reason string `json:"reason,omitempty"`
}

// TaskCompleted submits a result for an accepted task. Results are opaque.
type TaskCompleted struct {
	TaskID string `json:"taskId"`
	Result string `json:"result"`
}

// PaymentClaim is one record as the worker sees it. The ledger re-derives
// amounts from its own records and never trusts these.
type PaymentClaim struct {
	Nonce     uint64 `json:"nonce"`
	Recipient string `json:"recipient"`
	Amount    uint64 `json:"amount"`
}

// ProofRequest asks the Manager to sign an authorization over a batch of the
// sender's payment records.
type ProofRequest struct {
	Payments []PaymentClaim `json:"payments"`
}

// PublicSignals are the public inputs a settlement proof commits to.
type PublicSignals struct {
	MinNonce  uint64 `json:"minNonce"`
	MaxNonce  uint64 `json:"maxNonce"`
	Amount    uint64 `json:"amount"`
	Recipient string `json:"recipient"`
}

// ProofBundle pairs one Groth16 proof with its public signals. The proof is
// the gnark binary encoding, base64.
type ProofBundle struct {
	Proof         string        `json:"proof"`
	PublicSignals PublicSignals `json:"publicSignals"`
}

// BulkProofRequest settles several contiguous batches at once.
type BulkProofRequest struct {
	Recipient string        `json:"recipient"`
	R8        string        `json:"r8,omitempty"`
	Proofs    []ProofBundle `json:"proofs"`
}

// PayoutRequest flushes the sender's current unsettled batch.
type PayoutRequest struct{}

// TemplateRequest fetches a registered template.
type TemplateRequest struct {
	TemplateID string `json:"templateId"`
}

// TemplateResponse returns a registered template.
type TemplateResponse struct {
	TemplateID string          `json:"templateId"`
	Name       string          `json:"name"`
	CreatedAt  int64           `json:"createdAt"`
	Schema     json.RawMessage `json:"schema,omitempty"`
}

// SignedAuthorization is the Manager's signature over one payment batch.
type SignedAuthorization struct {
	Recipient string `json:"recipient"`
	MinNonce  uint64 `json:"minNonce"`
	MaxNonce  uint64 `json:"maxNonce"`
	Amount    uint64 `json:"amount"`
	Signature string `json:"signature"`
}

// BulkAuthorization aggregates several verified batches into one signature.
type BulkAuthorization struct {
	Recipient string `json:"recipient"`
	MinNonce  uint64 `json:"minNonce"`
	MaxNonce  uint64 `json:"maxNonce"`
	Amount    uint64 `json:"amount"`
	R8        string `json:"r8,omitempty"`
	Signature string `json:"signature"`
	Batches   int    `json:"batches"`
}

// Ok is the generic success acknowledgement.
type Ok struct{}

// ErrorMessage is the typed error reply.
type ErrorMessage struct {
	Kind    Kind   `json:"kind"`
	Message string `json:"message"`
}
