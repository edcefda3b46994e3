// Package registry tracks workers: onboarding, connection state, and the
// round-robin dispatch queue. The registry owns worker connection state
// exclusively; the task engine asks it for eligible workers and marks them
// busy or idle.
package registry

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/taskmesh/taskmesh/internal/store"
)

// State is a worker's connection state.
type State string

const (
	StateUnknown      State = "unknown"
	StateRegistered   State = "registered" // durable record, no session this run
	StateConnected    State = "connected"
	StateBusy         State = "busy"
	StateDisconnected State = "disconnected" // had a session this run, lost it
)

// Worker is the durable record of one onboarded worker. The record survives
// disconnects so re-onboarding is idempotent.
type Worker struct {
	PeerID        string    `json:"peerId"`
	Recipient     string    `json:"recipient"`
	State         State     `json:"state"`
	CurrentTaskID string    `json:"currentTaskId,omitempty"`
	LastNonce     uint64    `json:"lastNonce"`
	OnboardedAt   time.Time `json:"onboardedAt"`
	ConnectedAt   time.Time `json:"connectedAt"`
}

// Eligible reports whether the worker can receive an offer right now. A
// reconnected worker still holding a claim from its dropped session stays
// ineligible until the engine tears the old assignment down.
func (w *Worker) Eligible() bool {
	return w.State == StateConnected && w.CurrentTaskID == ""
}

func (w *Worker) persist(st store.Store) error {
	raw, err := json.Marshal(w)
	if err != nil {
		return fmt.Errorf("encoding worker %s: %w", w.PeerID, err)
	}
	if err := st.Put(store.WorkerKey(w.PeerID), raw); err != nil {
		return fmt.Errorf("persisting worker %s: %w", w.PeerID, err)
	}
	return nil
}

func loadWorkers(st store.Store) (map[string]*Worker, error) {
	entries, err := st.List(store.PrefixWorker)
	if err != nil {
		return nil, fmt.Errorf("listing workers: %w", err)
	}
	workers := make(map[string]*Worker, len(entries))
	for _, e := range entries {
		var w Worker
		if err := json.Unmarshal(e.Value, &w); err != nil {
			return nil, fmt.Errorf("decoding worker %s: %w", e.Key, err)
		}
		workers[w.PeerID] = &w
	}
	return workers, nil
}
