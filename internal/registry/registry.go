package registry

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/taskmesh/taskmesh/internal/accesscode"
	"github.com/taskmesh/taskmesh/internal/events"
	"github.com/taskmesh/taskmesh/internal/identity"
	"github.com/taskmesh/taskmesh/internal/log"
	"github.com/taskmesh/taskmesh/internal/protocol"
	"github.com/taskmesh/taskmesh/internal/store"
)

// Registry owns worker connection state and the dispatch queue. All
// mutations are serialized through one mutex; the task engine and the
// message router call in concurrently.
type Registry struct {
	mu           sync.Mutex
	st           store.Store
	broker       *events.Broker
	requireCodes bool

	workers map[string]*Worker
	queue   []string
}

// New loads persisted workers and builds the registry. Live sessions do
// not survive a restart, so every loaded worker starts out Registered
// and off the queue until it reconnects.
func New(st store.Store, broker *events.Broker, requireCodes bool) (*Registry, error) {
	workers, err := loadWorkers(st)
	if err != nil {
		return nil, err
	}
	for _, w := range workers {
		w.State = StateRegistered
	}
	return &Registry{
		st:           st,
		broker:       broker,
		requireCodes: requireCodes,
		workers:      workers,
	}, nil
}

// Onboard admits a worker. Nonces must strictly increase per peer; the one
// exception is an exact repeat of the last accepted (nonce, recipient) pair,
// which is treated as an idempotent retry. First-time onboarding consumes an
// access code when the node requires them; known workers re-onboard without
// one.
func (r *Registry) Onboard(peerID, recipient string, nonce uint64, code string) error {
	if peerID == "" {
		return protocol.NewError(protocol.KindInvalidArgument, "peer id is required")
	}
	if err := identity.ValidateRecipient(recipient); err != nil {
		return protocol.NewError(protocol.KindInvalidArgument, err.Error())
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if w, ok := r.workers[peerID]; ok {
		switch {
		case nonce < w.LastNonce:
			return protocol.NewError(protocol.KindReplay, "nonce is older than the last accepted")
		case nonce == w.LastNonce:
			if recipient == w.Recipient {
				return nil
			}
			return protocol.NewError(protocol.KindReplay, "nonce already used with a different recipient")
		}
		if w.State == StateBusy {
			return protocol.NewError(protocol.KindConflict, "worker is busy with a task")
		}
		w.Recipient = recipient
		w.LastNonce = nonce
		w.State = StateConnected
		w.ConnectedAt = time.Now()
		if err := w.persist(r.st); err != nil {
			return err
		}
		r.enqueue(peerID)
		r.broker.Publish(events.WorkerConnected, events.WorkerPayload{PeerID: peerID, State: string(w.State)})
		log.Info(log.CatRegistry, "worker re-onboarded", "peer", peerID, "nonce", nonce)
		return nil
	}

	if r.requireCodes {
		if code == "" {
			return protocol.NewError(protocol.KindForbidden, "access code required")
		}
		if err := accesscode.Redeem(r.st, code, peerID); err != nil {
			return err
		}
	}

	now := time.Now()
	w := &Worker{
		PeerID:      peerID,
		Recipient:   recipient,
		State:       StateConnected,
		LastNonce:   nonce,
		OnboardedAt: now,
		ConnectedAt: now,
	}
	if err := w.persist(r.st); err != nil {
		return err
	}
	r.workers[peerID] = w
	r.enqueue(peerID)
	r.broker.Publish(events.WorkerOnboarded, events.WorkerPayload{PeerID: peerID, State: string(w.State)})
	log.Info(log.CatRegistry, "worker onboarded", "peer", peerID, "recipient", recipient)
	return nil
}

// Connect handles a transport-level connection from a known worker. Unknown
// peers (providers, not-yet-onboarded workers) are ignored.
func (r *Registry) Connect(peerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	w, ok := r.workers[peerID]
	if !ok || w.State == StateConnected || w.State == StateBusy {
		return
	}
	w.State = StateConnected
	w.ConnectedAt = time.Now()
	if err := w.persist(r.st); err != nil {
		log.ErrorErr(log.CatRegistry, "persisting worker on connect", err, "peer", peerID)
	}
	r.enqueue(peerID)
	r.broker.Publish(events.WorkerConnected, events.WorkerPayload{PeerID: peerID, State: string(w.State)})
}

// Disconnect handles a transport drop. The durable record survives; the
// worker just leaves the queue. Task recovery is the engine's job.
func (r *Registry) Disconnect(peerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	w, ok := r.workers[peerID]
	if !ok || w.State == StateDisconnected || w.State == StateRegistered {
		return
	}
	w.State = StateDisconnected
	if err := w.persist(r.st); err != nil {
		log.ErrorErr(log.CatRegistry, "persisting worker on disconnect", err, "peer", peerID)
	}
	r.dequeue(peerID)
	r.broker.Publish(events.WorkerDisconnected, events.WorkerPayload{
		PeerID: peerID,
		State:  string(w.State),
		TaskID: w.CurrentTaskID,
	})
	log.Info(log.CatRegistry, "worker disconnected", "peer", peerID, "task", w.CurrentTaskID)
}

// NextEligible returns the next Connected, non-busy worker in round-robin
// order and rotates it to the back of the queue. Workers for which skip
// returns true are passed over without losing their place. skip may be nil.
func (r *Registry) NextEligible(skip func(peerID string) bool) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i, peerID := range r.queue {
		w, ok := r.workers[peerID]
		if !ok || !w.Eligible() {
			continue
		}
		if skip != nil && skip(peerID) {
			continue
		}
		r.queue = append(r.queue[:i], r.queue[i+1:]...)
		r.queue = append(r.queue, peerID)
		return peerID, true
	}
	return "", false
}

// MarkBusy assigns a task to a worker. Only Connected workers can take one.
func (r *Registry) MarkBusy(peerID, taskID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	w, ok := r.workers[peerID]
	if !ok {
		return protocol.NewError(protocol.KindNotFound, fmt.Sprintf("worker %s not found", peerID))
	}
	if w.State != StateConnected {
		return protocol.NewError(protocol.KindConflict, fmt.Sprintf("worker %s is %s", peerID, w.State))
	}
	w.State = StateBusy
	w.CurrentTaskID = taskID
	if err := w.persist(r.st); err != nil {
		return err
	}
	r.broker.Publish(events.WorkerBusy, events.WorkerPayload{PeerID: peerID, State: string(w.State), TaskID: taskID})
	return nil
}

// MarkIdle clears a worker's task. A busy worker returns to Connected;
// any other state is kept as is.
func (r *Registry) MarkIdle(peerID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	w, ok := r.workers[peerID]
	if !ok {
		return protocol.NewError(protocol.KindNotFound, fmt.Sprintf("worker %s not found", peerID))
	}
	w.CurrentTaskID = ""
	if w.State == StateBusy {
		w.State = StateConnected
	}
	if err := w.persist(r.st); err != nil {
		return err
	}
	r.broker.Publish(events.WorkerIdle, events.WorkerPayload{PeerID: peerID, State: string(w.State)})
	return nil
}

// Get returns a copy of the worker record.
func (r *Registry) Get(peerID string) (Worker, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	w, ok := r.workers[peerID]
	if !ok {
		return Worker{}, false
	}
	return *w, true
}

// IsOnboarded reports whether the peer has ever onboarded.
func (r *Registry) IsOnboarded(peerID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.workers[peerID]
	return ok
}

// List returns all worker records ordered by peer id.
func (r *Registry) List() []Worker {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Worker, 0, len(r.workers))
	for _, w := range r.workers {
		out = append(out, *w)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PeerID < out[j].PeerID })
	return out
}

// QueueLength is the number of workers currently in the dispatch rotation.
func (r *Registry) QueueLength() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.queue)
}

// ConnectedCount is the number of workers currently connected, busy ones
// included.
func (r *Registry) ConnectedCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for _, w := range r.workers {
		if w.State == StateConnected || w.State == StateBusy {
			n++
		}
	}
	return n
}

func (r *Registry) enqueue(peerID string) {
	for _, existing := range r.queue {
		if existing == peerID {
			return
		}
	}
	r.queue = append(r.queue, peerID)
}

func (r *Registry) dequeue(peerID string) {
	for i, existing := range r.queue {
		if existing == peerID {
			r.queue = append(r.queue[:i], r.queue[i+1:]...)
			return
		}
	}
}
