// Package engine owns the task lifecycle: admission, dispatch, acceptance,
// submission, and recovery from timeouts and disconnects. Tasks move
// through a strict state machine and carry an append-only event log.
package engine

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/taskmesh/taskmesh/internal/store"
)

// TaskState is a task's position in the lifecycle.
type TaskState string

const (
	TaskPending   TaskState = "pending"
	TaskOffered   TaskState = "offered"
	TaskAccepted  TaskState = "accepted"
	TaskCompleted TaskState = "completed"
	TaskRejected  TaskState = "rejected"
	TaskExpired   TaskState = "expired"
)

// EventType tags one entry in a task's event log.
type EventType string

const (
	EventCreated    EventType = "created"
	EventOffered    EventType = "offered"
	EventAccepted   EventType = "accepted"
	EventRejected   EventType = "rejected"
	EventSubmission EventType = "submission"
	EventCompleted  EventType = "completed"
	EventExpired    EventType = "expired"
)

// actorManager marks log entries written by the node itself rather than a
// peer.
const actorManager = "manager"

// TaskEvent is one append-only log entry.
type TaskEvent struct {
	Type      EventType       `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Actor     string          `json:"actor"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// Task is the durable record of one work item.
type Task struct {
	ID             string          `json:"id"`
	TemplateID     string          `json:"templateId"`
	Title          string          `json:"title"`
	Reward         uint64          `json:"reward"`
	ProviderPeerID string          `json:"providerPeerId"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	CreatedAt      time.Time       `json:"createdAt"`

	State          TaskState  `json:"state"`
	AssignedWorker string     `json:"assignedWorkerPeerId,omitempty"`
	OfferedAt      *time.Time `json:"offeredAt,omitempty"`
	Deadline       *time.Time `json:"deadline,omitempty"`

	// PaymentAccrued marks that the completion reward reached the ledger's
	// inbox. Completed tasks without it are replayed on startup.
	PaymentAccrued bool `json:"paymentAccrued,omitempty"`

	Events []TaskEvent `json:"events"`
}

// appendEvent adds a log entry, clamping the timestamp so the log stays
// monotonic even across clock adjustments.
func (t *Task) appendEvent(typ EventType, actor string, payload json.RawMessage) {
	ts := time.Now()
	if n := len(t.Events); n > 0 && ts.Before(t.Events[n-1].Timestamp) {
		ts = t.Events[n-1].Timestamp
	}
	t.Events = append(t.Events, TaskEvent{Type: typ, Timestamp: ts, Actor: actor, Payload: payload})
}

// Result returns the most recent submitted result, if any.
func (t *Task) Result() (string, bool) {
	for i := len(t.Events) - 1; i >= 0; i-- {
		if t.Events[i].Type != EventSubmission {
			continue
		}
		var result string
		if err := json.Unmarshal(t.Events[i].Payload, &result); err != nil {
			return "", false
		}
		return result, true
	}
	return "", false
}

func (t *Task) persist(st store.Store) error {
	raw, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("encoding task %s: %w", t.ID, err)
	}
	if err := st.Put(store.TaskKey(t.ID), raw); err != nil {
		return fmt.Errorf("persisting task %s: %w", t.ID, err)
	}
	return nil
}

func loadTasks(st store.Store) (map[string]*Task, error) {
	entries, err := st.List(store.PrefixTask)
	if err != nil {
		return nil, fmt.Errorf("listing tasks: %w", err)
	}
	tasks := make(map[string]*Task, len(entries))
	for _, e := range entries {
		var t Task
		if err := json.Unmarshal(e.Value, &t); err != nil {
			return nil, fmt.Errorf("decoding task %s: %w", e.Key, err)
		}
		tasks[t.ID] = &t
	}
	return tasks, nil
}
