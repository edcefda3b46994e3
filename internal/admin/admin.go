// Package admin exposes the Manager's HTTP surface: node status, task and
// template ingest, read models for tasks and workers, an SSE stream of
// broker events, and Prometheus metrics. The surface ingests and observes;
// task dispatch and payment state change only through the engine and ledger.
package admin

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/taskmesh/taskmesh/internal/engine"
	"github.com/taskmesh/taskmesh/internal/events"
	"github.com/taskmesh/taskmesh/internal/log"
	"github.com/taskmesh/taskmesh/internal/metrics"
	"github.com/taskmesh/taskmesh/internal/registry"
	"github.com/taskmesh/taskmesh/internal/tracing"
)

// heartbeatInterval keeps idle SSE connections alive through proxies.
const heartbeatInterval = 30 * time.Second

// Status is the body of GET /.
type Status struct {
	PeerID             string    `json:"peerId"`
	Version            string    `json:"version"`
	IsStarted          bool      `json:"isStarted"`
	StartTime          time.Time `json:"startTime"`
	Cycle              uint64    `json:"cycle"`
	RequireAccessCodes bool      `json:"requireAccessCodes"`
	AnnouncedAddresses []string  `json:"announcedAddresses"`
	PublicKey          string    `json:"publicKey"`
	ConnectedPeers     int       `json:"connectedPeers"`
}

// Handler serves the admin routes.
type Handler struct {
	eng    *engine.Engine
	reg    *registry.Registry
	broker *events.Broker
	status func() Status
	tracer trace.Tracer
}

// HandlerConfig configures the admin handler.
type HandlerConfig struct {
	// Engine receives task and template ingest (required).
	Engine *engine.Engine
	// Registry backs the worker read model (required).
	Registry *registry.Registry
	// Broker feeds the SSE event stream (required).
	Broker *events.Broker
	// Status reports the node identity and runtime figures for GET /
	// (required).
	Status func() Status
	// Tracer records ingest operations as spans (optional).
	Tracer trace.Tracer
}

// NewHandler creates an admin handler.
func NewHandler(cfg HandlerConfig) *Handler {
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = noop.NewTracerProvider().Tracer("noop")
	}
	return &Handler{
		eng:    cfg.Engine,
		reg:    cfg.Registry,
		broker: cfg.Broker,
		status: cfg.Status,
		tracer: tracer,
	}
}

// Routes returns an http.Handler with all admin routes registered.
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /{$}", h.GetStatus)

	// Ingest
	mux.HandleFunc("POST /task", h.CreateTask)
	mux.HandleFunc("POST /template/register", h.RegisterTemplate)

	// Read models
	mux.HandleFunc("GET /tasks/{templateId}", h.ListTasks)
	mux.HandleFunc("GET /workers", h.ListWorkers)

	// Event streaming
	mux.HandleFunc("GET /events", h.StreamEvents)

	mux.Handle("GET /metrics", metrics.Handler())

	return mux
}

// === Request/Response Types ===

// CreateTaskRequest is the body of POST /task. It mirrors the p2p task
// message; TaskID may be empty, in which case the Manager assigns one.
type CreateTaskRequest struct {
	TaskID     string          `json:"taskId,omitempty"`
	TemplateID string          `json:"templateId"`
	Title      string          `json:"title"`
	Reward     uint64          `json:"reward"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

// CreateTaskResponse is the body of a successful POST /task.
type CreateTaskResponse struct {
	ID string `json:"id"`
}

// RegisterTemplateRequest is the body of POST /template/register.
type RegisterTemplateRequest struct {
	Template          TemplateSpec `json:"template"`
	ProviderPeerIDStr string       `json:"providerPeerIdStr,omitempty"`
}

// TemplateSpec is the template portion of a registration request.
type TemplateSpec struct {
	Name   string          `json:"name"`
	Schema json.RawMessage `json:"schema,omitempty"`
}

// RegisterTemplateResponse is the body of a successful POST /template/register.
type RegisterTemplateResponse struct {
	ID string `json:"id"`
}

// TaskSummary is one element of GET /tasks/{templateId}. Result carries the
// most recent submitted result parsed as JSON, the raw string when it is not
// valid JSON, or null when nothing has been submitted.
type TaskSummary struct {
	TaskID     string `json:"taskId"`
	TemplateID string `json:"templateId"`
	Title      string `json:"title"`
	Result     any    `json:"result"`
}

// WorkerSummary is one element of GET /workers.
type WorkerSummary struct {
	PeerID        string    `json:"peerId"`
	Recipient     string    `json:"recipient"`
	State         string    `json:"state"`
	CurrentTaskID string    `json:"currentTaskId,omitempty"`
	OnboardedAt   time.Time `json:"onboardedAt"`
}

// ErrorResponse is the body of every failed admin request.
type ErrorResponse struct {
	Status int    `json:"status"`
	Error  string `json:"error"`
}

// === Handlers ===

// GetStatus reports the node's identity and runtime figures.
// GET /
func (h *Handler) GetStatus(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.status())
}

// CreateTask admits a task posted by a local provider.
// POST /task
func (h *Handler) CreateTask(w http.ResponseWriter, r *http.Request) {
	_, span := h.tracer.Start(r.Context(), tracing.SpanPrefixAdmin+"task",
		trace.WithSpanKind(trace.SpanKindServer))
	defer span.End()

	var req CreateTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		span.SetStatus(codes.Error, "invalid JSON body")
		h.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	task, err := h.eng.CreateTask(engine.CreateTaskParams{
		TaskID:     req.TaskID,
		TemplateID: req.TemplateID,
		Title:      req.Title,
		Reward:     req.Reward,
		Payload:    req.Payload,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		h.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	span.SetAttributes(attribute.String(tracing.AttrTaskID, task.ID))
	span.SetStatus(codes.Ok, "")
	h.writeJSON(w, http.StatusOK, CreateTaskResponse{ID: task.ID})
}

// RegisterTemplate registers a task template.
// POST /template/register
func (h *Handler) RegisterTemplate(w http.ResponseWriter, r *http.Request) {
	_, span := h.tracer.Start(r.Context(), tracing.SpanPrefixAdmin+"template.register",
		trace.WithSpanKind(trace.SpanKindServer))
	defer span.End()

	var req RegisterTemplateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		span.SetStatus(codes.Error, "invalid JSON body")
		h.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	tpl, err := h.eng.RegisterTemplate(req.Template.Name, req.ProviderPeerIDStr, req.Template.Schema)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		h.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	span.SetAttributes(attribute.String(tracing.AttrTemplateID, tpl.TemplateID))
	span.SetStatus(codes.Ok, "")
	h.writeJSON(w, http.StatusOK, RegisterTemplateResponse{ID: tpl.TemplateID})
}

// ListTasks returns every task under a template. Unknown templates yield an
// empty array.
// GET /tasks/{templateId}
func (h *Handler) ListTasks(w http.ResponseWriter, r *http.Request) {
	templateID := r.PathValue("templateId")

	tasks := h.eng.TasksByTemplate(templateID)
	summaries := make([]TaskSummary, 0, len(tasks))
	for i := range tasks {
		summaries = append(summaries, taskToSummary(&tasks[i]))
	}

	h.writeJSON(w, http.StatusOK, summaries)
}

// ListWorkers returns every onboarded worker.
// GET /workers
func (h *Handler) ListWorkers(w http.ResponseWriter, r *http.Request) {
	workers := h.reg.List()
	summaries := make([]WorkerSummary, 0, len(workers))
	for _, wk := range workers {
		summaries = append(summaries, WorkerSummary{
			PeerID:        wk.PeerID,
			Recipient:     wk.Recipient,
			State:         string(wk.State),
			CurrentTaskID: wk.CurrentTaskID,
			OnboardedAt:   wk.OnboardedAt,
		})
	}

	h.writeJSON(w, http.StatusOK, summaries)
}

// StreamEvents streams broker events via SSE until the client disconnects.
// GET /events
func (h *Handler) StreamEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		h.writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // disable nginx buffering

	ch := h.broker.Subscribe(r.Context())

	_, _ = fmt.Fprintf(w, "event: connected\ndata: {}\n\n")
	flusher.Flush()

	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// comment frame, keeps the connection alive
			_, _ = fmt.Fprintf(w, ": heartbeat\n\n")
			flusher.Flush()
		case ev, ok := <-ch:
			if !ok {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				log.ErrorErr(log.CatAdmin, "encoding event", err, "tag", ev.Tag)
				continue
			}
			_, _ = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Tag, data)
			flusher.Flush()
		}
	}
}

// === Helpers ===

func taskToSummary(t *engine.Task) TaskSummary {
	s := TaskSummary{
		TaskID:     t.ID,
		TemplateID: t.TemplateID,
		Title:      t.Title,
	}
	if raw, ok := t.Result(); ok {
		var parsed any
		if err := json.Unmarshal([]byte(raw), &parsed); err == nil {
			s.Result = parsed
		} else {
			s.Result = raw
		}
	}
	return s
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.ErrorErr(log.CatAdmin, "encoding response", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, ErrorResponse{Status: status, Error: message})
}

// Server wraps the Handler with an http.Server for lifecycle management.
type Server struct {
	server   *http.Server
	listener net.Listener
	port     int
}

// NewServer creates an admin server listening on addr. Port 0 asks the OS
// for a free port; read it back with Port.
func NewServer(addr string, handler *Handler) (*Server, error) {
	// Bind up front so the caller learns the port before serving.
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listening on %s: %w", addr, err)
	}

	port := 0
	if tcpAddr, ok := listener.Addr().(*net.TCPAddr); ok {
		port = tcpAddr.Port
	}

	return &Server{
		listener: listener,
		port:     port,
		server: &http.Server{
			Handler:           handler.Routes(),
			ReadTimeout:       30 * time.Second,
			ReadHeaderTimeout: 10 * time.Second,
			WriteTimeout:      0, // SSE connections stay open
		},
	}, nil
}

// Start serves requests until the server is stopped. It blocks.
func (s *Server) Start() error {
	log.Info(log.CatAdmin, "admin surface listening", "addr", s.listener.Addr().String())
	err := s.server.Serve(s.listener)
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Stop gracefully shuts the server down.
func (s *Server) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// Port returns the bound port.
func (s *Server) Port() int {
	return s.port
}

// Addr returns the bound address.
func (s *Server) Addr() string {
	return s.listener.Addr().String()
}
