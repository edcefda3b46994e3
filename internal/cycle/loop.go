// Package cycle drives the periodic management pass. Each tick recovers
// state first and dispatches second, so freed workers are usable in the
// same pass that freed them. Between ticks, task and worker events wake
// dispatch directly so new work never waits a full interval.
package cycle

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/taskmesh/taskmesh/internal/engine"
	"github.com/taskmesh/taskmesh/internal/events"
	"github.com/taskmesh/taskmesh/internal/log"
)

// Loop ticks the task engine and dispatches on task and worker events in
// between. Pausing skips both without stopping the ticker; stopping drains.
type Loop struct {
	eng          *engine.Engine
	broker       *events.Broker
	interval     time.Duration
	drainTimeout time.Duration
	autoManage   bool

	paused atomic.Bool
	cycle  atomic.Uint64

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// New builds a stopped loop. interval is the tick period; drainTimeout
// bounds how long Stop waits for accepted tasks.
func New(eng *engine.Engine, broker *events.Broker, interval, drainTimeout time.Duration, autoManage bool) *Loop {
	return &Loop{
		eng:          eng,
		broker:       broker,
		interval:     interval,
		drainTimeout: drainTimeout,
		autoManage:   autoManage,
	}
}

// Start begins ticking. Starting a running loop is a no-op.
func (l *Loop) Start(ctx context.Context) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.started {
		return
	}
	l.started = true
	ctx, l.cancel = context.WithCancel(ctx)
	l.done = make(chan struct{})
	go l.run(ctx, l.done)
	log.Info(log.CatLoop, "control loop started", "interval", l.interval, "autoManage", l.autoManage)
}

// wakeTags are the events after which a new pairing may be possible: a task
// arrived, a worker came back to the rotation, or a pause lifted.
var wakeTags = map[events.Tag]bool{
	events.TaskCreated:     true,
	events.TaskCompleted:   true,
	events.TaskRejected:    true,
	events.TaskExpired:     true,
	events.WorkerOnboarded: true,
	events.WorkerConnected: true,
	events.ManagerResumed:  true,
}

func (l *Loop) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()
	wakes := l.broker.Subscribe(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			l.tick(ctx, now)
		case ev, ok := <-wakes:
			if !ok {
				wakes = nil
				continue
			}
			if wakeTags[ev.Tag] {
				l.wake(ctx)
			}
		}
	}
}

// wake dispatches outside the tick. Event-driven dispatch stays on even when
// periodic management is off, so manual-mode tasks are still offered as soon
// as a worker frees up.
func (l *Loop) wake(ctx context.Context) {
	if l.paused.Load() {
		return
	}
	if n := l.eng.Dispatch(ctx); n > 0 {
		log.Debug(log.CatLoop, "wake dispatch", "dispatched", n)
	}
}

func (l *Loop) tick(ctx context.Context, now time.Time) {
	if l.paused.Load() {
		return
	}
	expired, recovered := l.eng.Sweep(now)
	dispatched := 0
	if l.autoManage {
		dispatched = l.eng.Dispatch(ctx)
	}
	n := l.cycle.Add(1)
	l.broker.Publish(events.Cycle, events.CyclePayload{Cycle: n})
	if expired+recovered+dispatched > 0 {
		log.Debug(log.CatLoop, "management pass",
			"cycle", n, "dispatched", dispatched, "expired", expired, "recovered", recovered)
	}
}

// Stop halts the ticker and drains the engine: admissions close, open
// offers are recalled, and accepted work gets until the drain timeout to
// finish before it is expired. ctx cancellation cuts the wait short.
func (l *Loop) Stop(ctx context.Context) {
	l.mu.Lock()
	if !l.started {
		l.mu.Unlock()
		return
	}
	l.started = false
	cancel, done := l.cancel, l.done
	l.mu.Unlock()

	cancel()
	<-done

	l.eng.BeginDrain()
	deadline := time.NewTimer(l.drainTimeout)
	defer deadline.Stop()
	poll := time.NewTicker(l.interval)
	defer poll.Stop()

	for l.eng.ActiveCount() > 0 {
		select {
		case <-ctx.Done():
			l.expireStragglers("stop cancelled")
			return
		case <-deadline.C:
			l.expireStragglers("drain deadline passed")
			return
		case now := <-poll.C:
			// Keep recovering disconnects so the drain can finish early.
			l.eng.Sweep(now)
		}
	}
	log.Info(log.CatLoop, "drain complete")
}

func (l *Loop) expireStragglers(reason string) {
	if n := l.eng.ExpireActive(); n > 0 {
		log.Warn(log.CatLoop, "expired unfinished tasks", "count", n, "reason", reason)
	}
}

// Pause skips management passes until Resume. The cycle counter freezes.
func (l *Loop) Pause() {
	if l.paused.Swap(true) {
		return
	}
	l.broker.Publish(events.ManagerPaused, nil)
	log.Info(log.CatLoop, "management paused")
}

// Resume re-enables management passes.
func (l *Loop) Resume() {
	if !l.paused.Swap(false) {
		return
	}
	l.broker.Publish(events.ManagerResumed, nil)
	log.Info(log.CatLoop, "management resumed")
}

// Paused reports whether management passes are currently skipped.
func (l *Loop) Paused() bool {
	return l.paused.Load()
}

// Cycle is the number of completed management passes.
func (l *Loop) Cycle() uint64 {
	return l.cycle.Load()
}
