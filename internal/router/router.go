// Package router maps inbound protocol messages to the subsystems that
// serve them. One request envelope in, one reply envelope out; failures
// become typed error replies instead of dropped streams.
package router

import (
	"context"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/taskmesh/taskmesh/internal/engine"
	"github.com/taskmesh/taskmesh/internal/identity"
	"github.com/taskmesh/taskmesh/internal/ledger"
	"github.com/taskmesh/taskmesh/internal/log"
	"github.com/taskmesh/taskmesh/internal/protocol"
	"github.com/taskmesh/taskmesh/internal/registry"
	"github.com/taskmesh/taskmesh/internal/tracing"
)

// Transport is the slice of the wire layer the router needs back: the
// addresses to advertise and the ability to drop an abusive peer.
type Transport interface {
	Addrs() []string
	ClosePeer(peerID string) error
}

// Router dispatches one envelope at a time. Peers submitting proofs that
// fail verification accumulate strikes; past the limit the peer is
// disconnected and its counter reset.
type Router struct {
	id     *identity.Identity
	reg    *registry.Registry
	eng    *engine.Engine
	led    *ledger.Ledger
	tracer trace.Tracer

	requireCodes     bool
	maxProofFailures int

	mu            sync.Mutex
	transport     Transport
	proofFailures map[string]int
}

// New builds a router. The transport is wired in later via SetTransport
// because the two reference each other.
func New(id *identity.Identity, reg *registry.Registry, eng *engine.Engine, led *ledger.Ledger, requireCodes bool, maxProofFailures int, tracer trace.Tracer) *Router {
	if tracer == nil {
		tracer = noop.NewTracerProvider().Tracer("noop")
	}
	return &Router{
		id:               id,
		reg:              reg,
		eng:              eng,
		led:              led,
		tracer:           tracer,
		requireCodes:     requireCodes,
		maxProofFailures: maxProofFailures,
		proofFailures:    make(map[string]int),
	}
}

// SetTransport wires the transport in.
func (r *Router) SetTransport(tr Transport) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transport = tr
}

// Handle serves one request envelope from peerID and returns the reply.
func (r *Router) Handle(ctx context.Context, peerID string, env protocol.Envelope) protocol.Envelope {
	ctx, span := r.tracer.Start(ctx, tracing.SpanPrefixMessage+env.Type,
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String(tracing.AttrPeerID, peerID),
			attribute.String(tracing.AttrMessageType, env.Type),
		))
	defer span.End()

	reply, err := r.dispatch(ctx, peerID, env)
	if err != nil {
		kind := protocol.KindOf(err)
		span.RecordError(err)
		span.SetAttributes(attribute.String(tracing.AttrErrorKind, string(kind)))
		span.SetStatus(codes.Error, err.Error())
		log.Warn(log.CatRouter, "message failed",
			"peer", peerID, "type", env.Type, "kind", kind, "reason", err.Error())
		return protocol.ErrorEnvelope(err)
	}
	span.SetStatus(codes.Ok, "")
	return reply
}

func (r *Router) dispatch(ctx context.Context, peerID string, env protocol.Envelope) (protocol.Envelope, error) {
	switch env.Type {
	case protocol.MsgIdentifyRequest:
		return r.handleIdentify(peerID)
	case protocol.MsgRequestToWork:
		return r.handleRequestToWork(peerID, env)
	case protocol.MsgTask:
		return r.handleTask(ctx, peerID, env)
	case protocol.MsgTaskAccepted:
		return r.handleTaskAccepted(peerID, env)
	case protocol.MsgTaskRejected:
		return r.handleTaskRejected(peerID, env)
	case protocol.MsgTaskCompleted:
		return r.handleTaskCompleted(peerID, env)
	case protocol.MsgProofRequest:
		return r.handleProofRequest(peerID, env)
	case protocol.MsgBulkProofRequest:
		return r.handleBulkProofRequest(ctx, peerID, env)
	case protocol.MsgPayoutRequest:
		return r.handlePayoutRequest(peerID)
	case protocol.MsgTemplateRequest:
		return r.handleTemplateRequest(env)
	default:
		return protocol.Envelope{}, protocol.NewError(protocol.KindInvalidArgument,
			fmt.Sprintf("unsupported message type %q", env.Type))
	}
}

func (r *Router) handleIdentify(peerID string) (protocol.Envelope, error) {
	resp := protocol.IdentifyResponse{
		PeerID:             r.id.PeerID.String(),
		Version:            protocol.Version,
		RequireAccessCodes: r.requireCodes,
		IsRegistered:       r.reg.IsOnboarded(peerID),
		PublicKey:          r.id.PublicKeyHex(),
		AnnouncedAddresses: r.announcedAddrs(),
		QueueLength:        r.reg.QueueLength(),
	}
	return protocol.NewEnvelope(protocol.MsgIdentifyResponse, resp)
}

func (r *Router) handleRequestToWork(peerID string, env protocol.Envelope) (protocol.Envelope, error) {
	var m protocol.RequestToWork
	if err := env.Decode(&m); err != nil {
		return protocol.Envelope{}, protocol.NewError(protocol.KindInvalidArgument, err.Error())
	}
	if err := r.reg.Onboard(peerID, m.Recipient, m.Nonce, m.AccessCode); err != nil {
		return protocol.Envelope{}, err
	}
	return protocol.NewEnvelope(protocol.MsgOk, protocol.Ok{})
}

func (r *Router) handleTask(ctx context.Context, peerID string, env protocol.Envelope) (protocol.Envelope, error) {
	var m protocol.NewTask
	if err := env.Decode(&m); err != nil {
		return protocol.Envelope{}, protocol.NewError(protocol.KindInvalidArgument, err.Error())
	}
	task, err := r.eng.CreateTask(engine.CreateTaskParams{
		TaskID:     m.TaskID,
		TemplateID: m.TemplateID,
		Title:      m.Title,
		Reward:     m.Reward,
		Provider:   peerID,
		Payload:    m.Payload,
	})
	if err != nil {
		return protocol.Envelope{}, err
	}
	trace.SpanFromContext(ctx).SetAttributes(attribute.String(tracing.AttrTaskID, task.ID))
	// Echo the task back so providers learn the assigned id.
	return protocol.NewEnvelope(protocol.MsgTask, protocol.NewTask{
		TaskID:     task.ID,
		TemplateID: task.TemplateID,
		Title:      task.Title,
		Reward:     task.Reward,
	})
}

func (r *Router) handleTaskAccepted(peerID string, env protocol.Envelope) (protocol.Envelope, error) {
	var m protocol.TaskAccepted
	if err := env.Decode(&m); err != nil {
		return protocol.Envelope{}, protocol.NewError(protocol.KindInvalidArgument, err.Error())
	}
	if err := r.eng.AcceptTask(peerID, m.TaskID); err != nil {
		return protocol.Envelope{}, err
	}
	return protocol.NewEnvelope(protocol.MsgOk, protocol.Ok{})
}

func (r *Router) handleTaskRejected(peerID string, env protocol.Envelope) (protocol.Envelope, error) {
	var m protocol.TaskRejected
	if err := env.Decode(&m); err != nil {
		return protocol.Envelope{}, protocol.NewError(protocol.KindInvalidArgument, err.Error())
	}
	if err := r.eng.RejectTask(peerID, m.TaskID, m.Reason); err != nil {
		return protocol.Envelope{}, err
	}
	return protocol.NewEnvelope(protocol.MsgOk, protocol.Ok{})
}

func (r *Router) handleTaskCompleted(peerID string, env protocol.Envelope) (protocol.Envelope, error) {
	var m protocol.TaskCompleted
	if err := env.Decode(&m); err != nil {
		return protocol.Envelope{}, protocol.NewError(protocol.KindInvalidArgument, err.Error())
	}
	if err := r.eng.CompleteTask(peerID, m.TaskID, m.Result); err != nil {
		return protocol.Envelope{}, err
	}
	return protocol.NewEnvelope(protocol.MsgOk, protocol.Ok{})
}

func (r *Router) handleProofRequest(peerID string, env protocol.Envelope) (protocol.Envelope, error) {
	var m protocol.ProofRequest
	if err := env.Decode(&m); err != nil {
		return protocol.Envelope{}, protocol.NewError(protocol.KindInvalidArgument, err.Error())
	}
	recipient, err := r.senderRecipient(peerID)
	if err != nil {
		return protocol.Envelope{}, err
	}
	auth, err := r.led.ProcessProofRequest(recipient, m.Payments)
	if err != nil {
		return protocol.Envelope{}, err
	}
	return protocol.NewEnvelope(protocol.MsgSignedAuthorization, auth)
}

func (r *Router) handleBulkProofRequest(ctx context.Context, peerID string, env protocol.Envelope) (protocol.Envelope, error) {
	var m protocol.BulkProofRequest
	if err := env.Decode(&m); err != nil {
		return protocol.Envelope{}, protocol.NewError(protocol.KindInvalidArgument, err.Error())
	}
	recipient, err := r.senderRecipient(peerID)
	if err != nil {
		return protocol.Envelope{}, err
	}
	if m.Recipient != "" && m.Recipient != recipient {
		return protocol.Envelope{}, protocol.NewError(protocol.KindForbidden,
			"request recipient does not match the sender's registration")
	}
	trace.SpanFromContext(ctx).SetAttributes(attribute.String(tracing.AttrRecipient, recipient))

	bulk, err := r.led.BulkPaymentProofs(recipient, m.R8, m.Proofs)
	if err != nil {
		if protocol.KindOf(err) == protocol.KindProofInvalid {
			r.noteProofFailure(peerID)
		}
		return protocol.Envelope{}, err
	}
	r.clearProofFailures(peerID)
	return protocol.NewEnvelope(protocol.MsgBulkAuthorization, bulk)
}

func (r *Router) handlePayoutRequest(peerID string) (protocol.Envelope, error) {
	recipient, err := r.senderRecipient(peerID)
	if err != nil {
		return protocol.Envelope{}, err
	}
	auth, err := r.led.ProcessPayoutRequest(recipient)
	if err != nil {
		return protocol.Envelope{}, err
	}
	return protocol.NewEnvelope(protocol.MsgSignedAuthorization, auth)
}

func (r *Router) handleTemplateRequest(env protocol.Envelope) (protocol.Envelope, error) {
	var m protocol.TemplateRequest
	if err := env.Decode(&m); err != nil {
		return protocol.Envelope{}, protocol.NewError(protocol.KindInvalidArgument, err.Error())
	}
	tpl, ok := r.eng.Template(m.TemplateID)
	if !ok {
		return protocol.Envelope{}, protocol.NewError(protocol.KindNotFound,
			fmt.Sprintf("template %s not found", m.TemplateID))
	}
	return protocol.NewEnvelope(protocol.MsgTemplate, protocol.TemplateResponse{
		TemplateID: tpl.TemplateID,
		Name:       tpl.Name,
		CreatedAt:  tpl.CreatedAt.UnixMilli(),
		Schema:     tpl.Schema,
	})
}

// senderRecipient resolves the payment recipient a peer registered with.
// Payment operations are only open to onboarded workers.
func (r *Router) senderRecipient(peerID string) (string, error) {
	w, ok := r.reg.Get(peerID)
	if !ok {
		return "", protocol.NewError(protocol.KindForbidden, "peer is not an onboarded worker")
	}
	return w.Recipient, nil
}

func (r *Router) noteProofFailure(peerID string) {
	r.mu.Lock()
	r.proofFailures[peerID]++
	n := r.proofFailures[peerID]
	tr := r.transport
	if n >= r.maxProofFailures {
		delete(r.proofFailures, peerID)
	}
	r.mu.Unlock()

	if n < r.maxProofFailures {
		return
	}
	log.Warn(log.CatRouter, "proof failure limit reached, dropping peer", "peer", peerID, "failures", n)
	if tr != nil {
		if err := tr.ClosePeer(peerID); err != nil {
			log.ErrorErr(log.CatRouter, "closing peer", err, "peer", peerID)
		}
	}
}

func (r *Router) clearProofFailures(peerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.proofFailures, peerID)
}

func (r *Router) announcedAddrs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.transport == nil {
		return nil
	}
	return r.transport.Addrs()
}
