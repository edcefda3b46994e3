package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	gocache "github.com/patrickmn/go-cache"

	"github.com/taskmesh/taskmesh/internal/events"
	"github.com/taskmesh/taskmesh/internal/log"
	"github.com/taskmesh/taskmesh/internal/protocol"
	"github.com/taskmesh/taskmesh/internal/registry"
	"github.com/taskmesh/taskmesh/internal/store"
)

// OfferSender delivers task offers to workers over the wire. The transport
// implements it; tests substitute a recorder.
type OfferSender interface {
	SendOffer(ctx context.Context, peerID string, offer protocol.Offer) error
}

// Accruer hands a completion reward to the payment pipeline. A false return
// means the pipeline could not take it right now; the task keeps
// PaymentAccrued=false and the startup replay retries it.
type Accruer func(taskID, recipient string, amount uint64) bool

// Engine drives the task state machine. It owns the pending queue and the
// per-task rejection blacklist; worker connection state stays with the
// registry. All mutations are serialized through one mutex, and the wire
// write for an offer happens outside it.
type Engine struct {
	mu     sync.Mutex
	st     store.Store
	broker *events.Broker
	reg    *registry.Registry

	sender  OfferSender
	accruer Accruer

	acceptanceTime time.Duration
	blacklist      *gocache.Cache

	tasks     map[string]*Task
	templates map[string]*Template
	pending   []string
	draining  bool
}

// New loads persisted tasks and templates and rebuilds the pending queue in
// creation order. Offered and accepted tasks are left as they are; the first
// sweep returns them to pending if their worker never comes back.
func New(st store.Store, broker *events.Broker, reg *registry.Registry, acceptanceTime, blacklistTTL time.Duration) (*Engine, error) {
	tasks, err := loadTasks(st)
	if err != nil {
		return nil, err
	}
	templates, err := loadTemplates(st)
	if err != nil {
		return nil, err
	}
	// gocache keeps entries with a nonpositive TTL forever; clamp so a zero
	// window means no exclusion instead of a permanent one.
	if blacklistTTL <= 0 {
		blacklistTTL = time.Nanosecond
	}
	e := &Engine{
		st:             st,
		broker:         broker,
		reg:            reg,
		acceptanceTime: acceptanceTime,
		blacklist:      gocache.New(blacklistTTL, 2*blacklistTTL),
		tasks:          tasks,
		templates:      templates,
	}
	for _, t := range sortByCreation(tasks) {
		if t.State == TaskPending {
			e.pending = append(e.pending, t.ID)
		}
	}
	return e, nil
}

// SetSender wires the transport in. The engine and the transport reference
// each other, so this happens after both exist.
func (e *Engine) SetSender(s OfferSender) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sender = s
}

// SetAccruer wires the payment pipeline in. A nil accruer means payments are
// disabled and completions are marked accrued immediately.
func (e *Engine) SetAccruer(a Accruer) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.accruer = a
}

// CreateTaskParams carries the caller-supplied fields of a new task.
// TaskID is optional; the engine assigns one when it is empty.
type CreateTaskParams struct {
	TaskID     string
	TemplateID string
	Title      string
	Reward     uint64
	Provider   string
	Payload    json.RawMessage
}

// CreateTask admits a task into the pending queue.
func (e *Engine) CreateTask(p CreateTaskParams) (*Task, error) {
	if p.Reward == 0 {
		return nil, protocol.NewError(protocol.KindInvalidArgument, "reward must be positive")
	}
	if p.Title == "" {
		return nil, protocol.NewError(protocol.KindInvalidArgument, "title is required")
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.draining {
		return nil, protocol.NewError(protocol.KindCancelled, "manager is stopping and not accepting tasks")
	}
	if _, ok := e.templates[p.TemplateID]; !ok {
		return nil, protocol.NewError(protocol.KindNotFound, fmt.Sprintf("template %s not found", p.TemplateID))
	}
	id := p.TaskID
	if id == "" {
		id = uuid.NewString()
	}
	if _, ok := e.tasks[id]; ok {
		return nil, protocol.NewError(protocol.KindConflict, fmt.Sprintf("task %s already exists", id))
	}

	actor := p.Provider
	if actor == "" {
		actor = actorManager
	}
	t := &Task{
		ID:             id,
		TemplateID:     p.TemplateID,
		Title:          p.Title,
		Reward:         p.Reward,
		ProviderPeerID: p.Provider,
		Payload:        p.Payload,
		CreatedAt:      time.Now(),
		State:          TaskPending,
	}
	t.appendEvent(EventCreated, actor, nil)
	if err := t.persist(e.st); err != nil {
		return nil, err
	}
	e.tasks[id] = t
	e.pending = append(e.pending, id)
	e.broker.Publish(events.TaskCreated, taskEventPayload(t))
	log.Info(log.CatEngine, "task created", "task", id, "template", p.TemplateID, "reward", p.Reward)
	out := *t
	return &out, nil
}

// RegisterTemplate stores a new task template and returns it with its
// assigned id.
func (e *Engine) RegisterTemplate(name, providerPeerID string, schema json.RawMessage) (*Template, error) {
	if name == "" {
		return nil, protocol.NewError(protocol.KindInvalidArgument, "template name is required")
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	tpl := &Template{
		TemplateID:     uuid.NewString(),
		Name:           name,
		ProviderPeerID: providerPeerID,
		CreatedAt:      time.Now(),
		Schema:         schema,
	}
	if err := tpl.persist(e.st); err != nil {
		return nil, err
	}
	e.templates[tpl.TemplateID] = tpl
	log.Info(log.CatEngine, "template registered", "template", tpl.TemplateID, "name", name)
	out := *tpl
	return &out, nil
}

type outboundOffer struct {
	peerID string
	offer  protocol.Offer
}

// Dispatch pairs pending tasks with eligible workers and sends the offers.
// Workers blacklisted for a task are passed over without losing their place
// in the rotation. Tasks that cannot be paired stay pending in order.
// Returns the number of offers delivered.
func (e *Engine) Dispatch(ctx context.Context) int {
	e.mu.Lock()
	if e.draining || e.sender == nil || len(e.pending) == 0 {
		e.mu.Unlock()
		return 0
	}

	var outbound []outboundOffer
	var remaining []string
	for _, taskID := range e.pending {
		t, ok := e.tasks[taskID]
		if !ok || t.State != TaskPending {
			continue
		}
		peerID, found := e.reg.NextEligible(func(p string) bool { return e.blacklisted(taskID, p) })
		if !found {
			remaining = append(remaining, taskID)
			continue
		}
		if err := e.reg.MarkBusy(peerID, taskID); err != nil {
			log.ErrorErr(log.CatEngine, "claiming worker for offer", err, "peer", peerID, "task", taskID)
			remaining = append(remaining, taskID)
			continue
		}

		now := time.Now()
		deadline := now.Add(e.acceptanceTime)
		t.State = TaskOffered
		t.AssignedWorker = peerID
		t.OfferedAt = &now
		t.Deadline = &deadline
		t.appendEvent(EventOffered, actorManager, nil)
		if err := t.persist(e.st); err != nil {
			log.ErrorErr(log.CatEngine, "persisting offered task", err, "task", taskID)
			t.Events = t.Events[:len(t.Events)-1]
			t.State = TaskPending
			t.AssignedWorker = ""
			t.OfferedAt = nil
			t.Deadline = nil
			e.releaseWorker(peerID)
			remaining = append(remaining, taskID)
			continue
		}
		e.broker.Publish(events.TaskOffered, taskEventPayload(t))
		outbound = append(outbound, outboundOffer{
			peerID: peerID,
			offer: protocol.Offer{
				TaskID:     t.ID,
				TemplateID: t.TemplateID,
				Title:      t.Title,
				Reward:     t.Reward,
				Payload:    t.Payload,
				Deadline:   deadline.UnixMilli(),
			},
		})
	}
	e.pending = remaining
	sender := e.sender
	e.mu.Unlock()

	delivered := 0
	for _, o := range outbound {
		if err := sender.SendOffer(ctx, o.peerID, o.offer); err != nil {
			log.ErrorErr(log.CatEngine, "delivering offer", err, "peer", o.peerID, "task", o.offer.TaskID)
			e.recallOffer(o.offer.TaskID, "offer delivery failed")
			continue
		}
		delivered++
		log.Info(log.CatEngine, "task offered", "task", o.offer.TaskID, "worker", o.peerID)
	}
	return delivered
}

// recallOffer undoes a dispatched offer whose wire write failed. The worker
// is blacklisted for the task so an immediate redispatch picks someone else,
// and the task returns to the front of the pending queue unless a reply
// raced in and moved it on already.
func (e *Engine) recallOffer(taskID, note string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	t, ok := e.tasks[taskID]
	if !ok || t.State != TaskOffered {
		return
	}
	e.blacklistWorker(taskID, t.AssignedWorker)
	e.requeueFront([]*Task{e.expireAssignment(t, note)})
}

// AcceptTask moves an offered task to accepted. Only the assigned worker can
// accept, and only before the offer deadline.
func (e *Engine) AcceptTask(peerID, taskID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	t, ok := e.tasks[taskID]
	if !ok {
		return protocol.NewError(protocol.KindNotFound, fmt.Sprintf("task %s not found", taskID))
	}
	if t.State != TaskOffered {
		// When two workers race to claim the task, the loser is told whose
		// task it is rather than getting a generic state conflict.
		if t.State == TaskAccepted && t.AssignedWorker != peerID {
			return protocol.NewError(protocol.KindForbidden, "task was accepted by a different worker")
		}
		return protocol.NewError(protocol.KindConflict, fmt.Sprintf("task %s is %s, not offered", taskID, t.State))
	}
	if t.AssignedWorker != peerID {
		return protocol.NewError(protocol.KindForbidden, "task was offered to a different worker")
	}
	if t.Deadline != nil && time.Now().After(*t.Deadline) {
		return protocol.NewError(protocol.KindDeadlinePassed, "acceptance deadline has passed")
	}

	t.State = TaskAccepted
	t.appendEvent(EventAccepted, peerID, nil)
	if err := t.persist(e.st); err != nil {
		t.Events = t.Events[:len(t.Events)-1]
		t.State = TaskOffered
		return err
	}
	e.broker.Publish(events.TaskAccepted, taskEventPayload(t))
	log.Info(log.CatEngine, "task accepted", "task", taskID, "worker", peerID)
	return nil
}

// RejectTask declines an offer. The worker is blacklisted for this task and
// the task returns to the front of the pending queue.
func (e *Engine) RejectTask(peerID, taskID, reason string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	t, ok := e.tasks[taskID]
	if !ok {
		return protocol.NewError(protocol.KindNotFound, fmt.Sprintf("task %s not found", taskID))
	}
	if t.State != TaskOffered {
		return protocol.NewError(protocol.KindConflict, fmt.Sprintf("task %s is %s, not offered", taskID, t.State))
	}
	if t.AssignedWorker != peerID {
		return protocol.NewError(protocol.KindForbidden, "task was offered to a different worker")
	}

	e.blacklistWorker(taskID, peerID)

	var payload json.RawMessage
	if reason != "" {
		payload, _ = json.Marshal(reason)
	}
	t.appendEvent(EventRejected, peerID, payload)
	t.State = TaskPending
	t.AssignedWorker = ""
	t.OfferedAt = nil
	t.Deadline = nil
	if err := t.persist(e.st); err != nil {
		return err
	}
	e.releaseWorker(peerID)
	e.pending = append([]string{taskID}, e.pending...)
	e.broker.Publish(events.TaskRejected, taskEventPayload(t))
	log.Info(log.CatEngine, "task rejected", "task", taskID, "worker", peerID, "reason", reason)
	return nil
}

// CompleteTask records a result submission and closes the task. The reward
// is handed to the accruer; the task stays marked unaccrued until the
// payment pipeline confirms it took the accrual.
func (e *Engine) CompleteTask(peerID, taskID, result string) error {
	e.mu.Lock()

	t, ok := e.tasks[taskID]
	if !ok {
		e.mu.Unlock()
		return protocol.NewError(protocol.KindNotFound, fmt.Sprintf("task %s not found", taskID))
	}
	if t.State != TaskAccepted {
		e.mu.Unlock()
		return protocol.NewError(protocol.KindConflict, fmt.Sprintf("task %s is %s, not accepted", taskID, t.State))
	}
	if t.AssignedWorker != peerID {
		e.mu.Unlock()
		return protocol.NewError(protocol.KindForbidden, "task is assigned to a different worker")
	}

	payload, err := json.Marshal(result)
	if err != nil {
		e.mu.Unlock()
		return protocol.NewError(protocol.KindInvalidArgument, "result is not encodable")
	}
	t.appendEvent(EventSubmission, peerID, payload)
	t.appendEvent(EventCompleted, actorManager, nil)
	t.State = TaskCompleted
	t.PaymentAccrued = e.accruer == nil
	if err := t.persist(e.st); err != nil {
		t.Events = t.Events[:len(t.Events)-2]
		t.State = TaskAccepted
		t.PaymentAccrued = false
		e.mu.Unlock()
		return err
	}

	recipient := ""
	if w, ok := e.reg.Get(peerID); ok {
		recipient = w.Recipient
	}
	accruer := e.accruer
	reward := t.Reward
	snapshot := taskEventPayload(t)
	e.releaseWorker(peerID)
	e.mu.Unlock()

	e.broker.Publish(events.TaskSubmission, snapshot)
	e.broker.Publish(events.TaskCompleted, snapshot)

	if accruer != nil {
		switch {
		case recipient == "":
			log.Warn(log.CatEngine, "no recipient on record, accrual deferred", "task", taskID, "worker", peerID)
		case !accruer(taskID, recipient, reward):
			log.Warn(log.CatEngine, "payment pipeline full, accrual deferred", "task", taskID)
		}
	}
	log.Info(log.CatEngine, "task completed", "task", taskID, "worker", peerID)
	return nil
}

// MarkPaymentAccrued records that the completion reward reached the ledger.
// Unknown or already-accrued tasks are ignored.
func (e *Engine) MarkPaymentAccrued(taskID string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	t, ok := e.tasks[taskID]
	if !ok || t.State != TaskCompleted || t.PaymentAccrued {
		return
	}
	t.PaymentAccrued = true
	if err := t.persist(e.st); err != nil {
		log.ErrorErr(log.CatEngine, "persisting accrual confirmation", err, "task", taskID)
	}
}

// UnaccruedCompletions returns completed tasks whose reward never reached
// the ledger, oldest first. Startup replays these.
func (e *Engine) UnaccruedCompletions() []Task {
	e.mu.Lock()
	defer e.mu.Unlock()

	var out []Task
	for _, t := range sortByCreation(e.tasks) {
		if t.State == TaskCompleted && !t.PaymentAccrued {
			out = append(out, *t)
		}
	}
	return out
}

// Sweep expires offers whose acceptance deadline passed and recovers tasks
// whose worker disconnected. A worker that lets an offer lapse is not
// blacklisted; it already rotated to the back of the queue at dispatch.
// Returns the expired and recovered counts.
func (e *Engine) Sweep(now time.Time) (int, int) {
	e.mu.Lock()
	defer e.mu.Unlock()

	var expired, recovered int
	var requeue []*Task
	for _, t := range e.tasks {
		switch t.State {
		case TaskOffered:
			if t.Deadline != nil && now.After(*t.Deadline) {
				requeue = append(requeue, e.expireAssignment(t, "acceptance deadline passed"))
				expired++
			} else if e.workerGone(t.AssignedWorker) {
				requeue = append(requeue, e.expireAssignment(t, "worker disconnected"))
				recovered++
			}
		case TaskAccepted:
			if e.workerGone(t.AssignedWorker) {
				requeue = append(requeue, e.expireAssignment(t, "worker disconnected"))
				recovered++
			}
		}
	}
	e.requeueFront(requeue)
	return expired, recovered
}

// BeginDrain stops admissions and recalls open offers. Accepted tasks keep
// running until the drain deadline; pending tasks stay pending for the next
// start.
func (e *Engine) BeginDrain() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.draining {
		return
	}
	e.draining = true
	var requeue []*Task
	for _, t := range e.tasks {
		if t.State == TaskOffered {
			requeue = append(requeue, e.expireAssignment(t, "manager stopping"))
		}
	}
	e.requeueFront(requeue)
	log.Info(log.CatEngine, "drain started", "pending", len(e.pending))
}

// Draining reports whether a drain is in progress.
func (e *Engine) Draining() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.draining
}

// ActiveCount is the number of accepted tasks still running.
func (e *Engine) ActiveCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()

	n := 0
	for _, t := range e.tasks {
		if t.State == TaskAccepted {
			n++
		}
	}
	return n
}

// ExpireActive force-expires tasks still accepted when the drain deadline
// passes. Expired is terminal; the assignment is kept for the audit trail.
func (e *Engine) ExpireActive() int {
	e.mu.Lock()
	defer e.mu.Unlock()

	n := 0
	for _, t := range e.tasks {
		if t.State != TaskAccepted {
			continue
		}
		payload, _ := json.Marshal("drain deadline passed")
		t.appendEvent(EventExpired, actorManager, payload)
		t.State = TaskExpired
		if err := t.persist(e.st); err != nil {
			log.ErrorErr(log.CatEngine, "persisting expired task", err, "task", t.ID)
		}
		e.releaseWorker(t.AssignedWorker)
		e.broker.Publish(events.TaskExpired, taskEventPayload(t))
		log.Warn(log.CatEngine, "task expired at drain deadline", "task", t.ID, "worker", t.AssignedWorker)
		n++
	}
	return n
}

// Task returns a copy of one task.
func (e *Engine) Task(taskID string) (Task, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	t, ok := e.tasks[taskID]
	if !ok {
		return Task{}, false
	}
	return *t, true
}

// Template returns a copy of one template.
func (e *Engine) Template(templateID string) (Template, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	tpl, ok := e.templates[templateID]
	if !ok {
		return Template{}, false
	}
	return *tpl, true
}

// Templates returns all templates, oldest first.
func (e *Engine) Templates() []Template {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]Template, 0, len(e.templates))
	for _, tpl := range e.templates {
		out = append(out, *tpl)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].TemplateID < out[j].TemplateID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// TasksByTemplate returns the tasks created from one template, oldest first.
func (e *Engine) TasksByTemplate(templateID string) []Task {
	e.mu.Lock()
	defer e.mu.Unlock()

	var out []Task
	for _, t := range sortByCreation(e.tasks) {
		if t.TemplateID == templateID {
			out = append(out, *t)
		}
	}
	return out
}

// CompletedTasks pages through completed tasks, oldest first.
func (e *Engine) CompletedTasks(offset, limit int) []Task {
	e.mu.Lock()
	defer e.mu.Unlock()

	var completed []Task
	for _, t := range sortByCreation(e.tasks) {
		if t.State == TaskCompleted {
			completed = append(completed, *t)
		}
	}
	if offset >= len(completed) {
		return nil
	}
	completed = completed[offset:]
	if limit > 0 && limit < len(completed) {
		completed = completed[:limit]
	}
	return completed
}

// PendingCount is the number of tasks waiting for a worker.
func (e *Engine) PendingCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.pending)
}

// StateCounts tallies tasks by state.
func (e *Engine) StateCounts() map[TaskState]int {
	e.mu.Lock()
	defer e.mu.Unlock()

	counts := make(map[TaskState]int)
	for _, t := range e.tasks {
		counts[t.State]++
	}
	return counts
}

// expireAssignment returns an offered or accepted task to the pending pool
// and releases its worker. Callers hold e.mu and requeue the returned task.
func (e *Engine) expireAssignment(t *Task, note string) *Task {
	worker := t.AssignedWorker
	payload, _ := json.Marshal(note)
	t.appendEvent(EventExpired, actorManager, payload)
	t.State = TaskPending
	t.AssignedWorker = ""
	t.OfferedAt = nil
	t.Deadline = nil
	if err := t.persist(e.st); err != nil {
		log.ErrorErr(log.CatEngine, "persisting recovered task", err, "task", t.ID)
	}
	e.releaseWorker(worker)
	e.broker.Publish(events.TaskExpired, taskEventPayload(t))
	log.Info(log.CatEngine, "task returned to pending", "task", t.ID, "reason", note)
	return t
}

// requeueFront puts recovered tasks back at the head of the pending queue
// in creation order, ahead of younger tasks.
func (e *Engine) requeueFront(tasks []*Task) {
	if len(tasks) == 0 {
		return
	}
	sort.Slice(tasks, func(i, j int) bool {
		if tasks[i].CreatedAt.Equal(tasks[j].CreatedAt) {
			return tasks[i].ID < tasks[j].ID
		}
		return tasks[i].CreatedAt.Before(tasks[j].CreatedAt)
	})
	ids := make([]string, 0, len(tasks))
	for _, t := range tasks {
		ids = append(ids, t.ID)
	}
	e.pending = append(ids, e.pending...)
}

func (e *Engine) releaseWorker(peerID string) {
	if peerID == "" {
		return
	}
	if err := e.reg.MarkIdle(peerID); err != nil && protocol.KindOf(err) != protocol.KindNotFound {
		log.ErrorErr(log.CatEngine, "releasing worker", err, "peer", peerID)
	}
}

// workerGone reports whether the assigned worker has no live session,
// whether it dropped mid-run or the node restarted out from under it.
func (e *Engine) workerGone(peerID string) bool {
	w, ok := e.reg.Get(peerID)
	return !ok || (w.State != registry.StateConnected && w.State != registry.StateBusy)
}

func (e *Engine) blacklistWorker(taskID, peerID string) {
	if peerID == "" {
		return
	}
	e.blacklist.SetDefault(taskID+"/"+peerID, time.Now())
}

func (e *Engine) blacklisted(taskID, peerID string) bool {
	_, found := e.blacklist.Get(taskID + "/" + peerID)
	return found
}

func taskEventPayload(t *Task) events.TaskPayload {
	return events.TaskPayload{
		TaskID:     t.ID,
		TemplateID: t.TemplateID,
		State:      string(t.State),
		WorkerPeer: t.AssignedWorker,
		Provider:   t.ProviderPeerID,
		Reward:     t.Reward,
	}
}

func sortByCreation(tasks map[string]*Task) []*Task {
	out := make([]*Task, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}
