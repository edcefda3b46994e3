// Package protocol defines the Manager's wire protocol: the framed envelope,
// the typed message set exchanged with workers and providers, and the error
// kinds surfaced to peers. Frames are newline-delimited JSON envelopes; one
// request frame and one reply frame per stream.
package protocol

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
)

// Version is the protocol version advertised in identify responses.
const Version = "1.0.0"

// ID is the libp2p protocol identifier frames travel on.
const ID = "/taskmesh/1.0.0"

// MaxFrameSize bounds a single frame. Oversized frames abort the stream.
const MaxFrameSize = 1 << 20

// Message type names. Requests arrive from peers; responses are what the
// Manager answers with. The offer message is the one request the Manager
// itself originates.
const (
	MsgIdentifyRequest  = "identifyRequest"
	MsgRequestToWork    = "requestToWork"
	MsgTask             = "task"
	MsgTaskAccepted     = "taskAccepted"
	MsgTaskRejected     = "taskRejected"
	MsgTaskCompleted    = "taskCompleted"
	MsgProofRequest     = "proofRequest"
	MsgBulkProofRequest = "bulkProofRequest"
	MsgPayoutRequest    = "payoutRequest"
	MsgTemplateRequest  = "templateRequest"

	MsgOffer = "offer"

	MsgIdentifyResponse    = "identifyResponse"
	MsgTemplate            = "template"
	MsgSignedAuthorization = "signedAuthorization"
	MsgBulkAuthorization   = "bulkAuthorization"
	MsgPayment             = "payment"
	MsgOk                  = "ok"
	MsgError               = "error"
)

// Envelope is the unit of framing: a message type tag plus its payload.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewEnvelope marshals payload into an Envelope of the given type.
// A nil payload produces an envelope with no payload field.
func NewEnvelope(msgType string, payload any) (Envelope, error) {
	env := Envelope{Type: msgType}
	if payload == nil {
		return env, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("failed to encode %s payload: %w", msgType, err)
	}
	env.Payload = raw
	return env, nil
}

// Decode unmarshals the envelope payload into v.
func (e Envelope) Decode(v any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("%s payload is empty", e.Type)
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("failed to decode %s payload: %w", e.Type, err)
	}
	return nil
}

// WriteFrame writes one newline-terminated envelope to w.
func WriteFrame(w io.Writer, env Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to encode frame: %w", err)
	}
	if len(data) > MaxFrameSize {
		return fmt.Errorf("frame of %d bytes exceeds limit", len(data))
	}
	data = append(data, '\n')
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("failed to write frame: %w", err)
	}
	return nil
}

// ReadFrame reads one newline-terminated envelope from r.
func ReadFrame(r *bufio.Reader) (Envelope, error) {
	line, err := r.ReadBytes('\n')
	if err != nil {
		if err == io.EOF && len(line) > 0 {
			// final frame without trailing newline
		} else {
			return Envelope{}, err
		}
	}
	if len(line) > MaxFrameSize {
		return Envelope{}, fmt.Errorf("frame of %d bytes exceeds limit", len(line))
	}
	var env Envelope
	if err := json.Unmarshal(line, &env); err != nil {
		return Envelope{}, fmt.Errorf("failed to decode frame: %w", err)
	}
	if env.Type == "" {
		return Envelope{}, fmt.Errorf("frame missing type")
	}
	return env, nil
}
