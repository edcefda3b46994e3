// Package events defines the tagged event type shared by every subsystem
// and the broker used to fan events out to observers. Subsystems publish;
// observers (admin surface, tests, dashboards) subscribe. Observers never
// mutate core state through this package.
package events

import "time"

// Tag identifies the kind of event carried in an Event.
type Tag string

// Task lifecycle tags.
const (
	TaskCreated    Tag = "task:created"
	TaskOffered    Tag = "task:offered"
	TaskAccepted   Tag = "task:accepted"
	TaskRejected   Tag = "task:rejected"
	TaskSubmission Tag = "task:submission"
	TaskCompleted  Tag = "task:completed"
	TaskExpired    Tag = "task:expired"
)

// Worker lifecycle tags.
const (
	WorkerOnboarded    Tag = "worker:onboarded"
	WorkerConnected    Tag = "worker:connected"
	WorkerDisconnected Tag = "worker:disconnected"
	WorkerBusy         Tag = "worker:busy"
	WorkerIdle         Tag = "worker:idle"
)

// Payment tags.
const (
	PaymentCreated Tag = "payment:created"
	PaymentSettled Tag = "payment:settled"
)

// Node lifecycle tags.
const (
	Cycle          Tag = "cycle"
	ManagerStart   Tag = "manager:start"
	ManagerStop    Tag = "manager:stop"
	ManagerPaused  Tag = "manager:paused"
	ManagerResumed Tag = "manager:resumed"
)

// Event is the single tagged-variant event type. Payload holds one of the
// typed payload structs below; observers switch on Tag.
type Event struct {
	Tag     Tag       `json:"tag"`
	At      time.Time `json:"at"`
	Payload any       `json:"payload,omitempty"`
}

// New builds an Event stamped with the current time.
func New(tag Tag, payload any) Event {
	return Event{Tag: tag, At: time.Now(), Payload: payload}
}

// TaskPayload accompanies task:* events.
type TaskPayload struct {
	TaskID     string `json:"taskId"`
	TemplateID string `json:"templateId"`
	State      string `json:"state"`
	WorkerPeer string `json:"workerPeerId,omitempty"`
	Provider   string `json:"providerPeerId,omitempty"`
	Reward     uint64 `json:"reward"`
}

// WorkerPayload accompanies worker:* events.
type WorkerPayload struct {
	PeerID string `json:"peerId"`
	State  string `json:"state"`
	TaskID string `json:"taskId,omitempty"`
}

// PaymentPayload accompanies payment:* events.
type PaymentPayload struct {
	Recipient string `json:"recipient"`
	Nonce     uint64 `json:"nonce"`
	Amount    uint64 `json:"amount"`
	TaskID    string `json:"taskId,omitempty"`
}

// CyclePayload accompanies cycle events.
type CyclePayload struct {
	Cycle uint64 `json:"cycle"`
}

// StopPayload accompanies manager:stop.
type StopPayload struct {
	Reason string `json:"reason,omitempty"`
}
