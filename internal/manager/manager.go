// Package manager assembles a taskmesh node from its subsystems: store,
// identity, worker registry, task engine, payment ledger, control loop,
// message router, p2p transport, and the HTTP admin surface. It owns the
// start/stop order and the glue between them; all domain logic lives in
// the subsystems.
package manager

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/taskmesh/taskmesh/internal/accesscode"
	"github.com/taskmesh/taskmesh/internal/admin"
	"github.com/taskmesh/taskmesh/internal/config"
	"github.com/taskmesh/taskmesh/internal/cycle"
	"github.com/taskmesh/taskmesh/internal/engine"
	"github.com/taskmesh/taskmesh/internal/events"
	"github.com/taskmesh/taskmesh/internal/identity"
	"github.com/taskmesh/taskmesh/internal/ledger"
	"github.com/taskmesh/taskmesh/internal/log"
	"github.com/taskmesh/taskmesh/internal/metrics"
	"github.com/taskmesh/taskmesh/internal/registry"
	"github.com/taskmesh/taskmesh/internal/router"
	"github.com/taskmesh/taskmesh/internal/store"
	"github.com/taskmesh/taskmesh/internal/tracing"
	"github.com/taskmesh/taskmesh/internal/transport"
	"github.com/taskmesh/taskmesh/internal/zkp"
)

// Manager is one assembled node. Build it with New or NewWithStore, then
// Start it; Stop runs the graceful drain and tears the node down.
type Manager struct {
	cfg     config.Config
	version string

	id     *identity.Identity
	st     store.Store
	broker *events.Broker
	reg    *registry.Registry
	eng    *engine.Engine
	led    *ledger.Ledger
	loop   *cycle.Loop
	rtr    *router.Router
	traces *tracing.Provider

	// ownsStore marks stores opened by New; caller-provided stores stay
	// open after Stop.
	ownsStore bool

	mu        sync.Mutex
	started   bool
	startTime time.Time
	cancel    context.CancelFunc
	tp        *transport.Transport
	adminSrv  *admin.Server
	codes     *accesscode.Watcher
	pumps     sync.WaitGroup
}

// New opens the durable store under cfg.DataDir and assembles a node.
func New(cfg config.Config, version string) (*Manager, error) {
	st, err := store.NewSqliteStore(cfg.StorePath())
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}
	m, err := NewWithStore(cfg, version, st)
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	m.ownsStore = true
	return m, nil
}

// NewWithStore assembles a node on a caller-provided store. The caller
// keeps ownership of the store; Stop does not close it.
func NewWithStore(cfg config.Config, version string, st store.Store) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	var id *identity.Identity
	var err error
	if cfg.PrivateKey != "" {
		id, err = identity.FromHex(cfg.PrivateKey)
		if err != nil {
			return nil, fmt.Errorf("deriving identity: %w", err)
		}
	} else {
		id, err = identity.Generate()
		if err != nil {
			return nil, fmt.Errorf("generating identity: %w", err)
		}
		log.Warn(log.CatConfig, "no private key configured, peer identity will not survive a restart",
			"peer", id.PeerID.String())
	}

	broker := events.NewBroker()
	reg, err := registry.New(st, broker, cfg.RequireAccessCodes)
	if err != nil {
		return nil, fmt.Errorf("building registry: %w", err)
	}

	blacklistTTL := time.Duration(cfg.BlacklistCycles) * cfg.TickInterval
	eng, err := engine.New(st, broker, reg, cfg.TaskAcceptanceTime, blacklistTTL)
	if err != nil {
		return nil, fmt.Errorf("building engine: %w", err)
	}

	var signer *zkp.Signer
	var verifier *zkp.ProofVerifier
	if cfg.PaymentsEnabled() {
		signer = zkp.NewSigner(id.SigningKey)
		if cfg.VerificationKeyFile != "" {
			verifier, err = zkp.LoadProofVerifier(cfg.VerificationKeyFile)
			if err != nil {
				return nil, fmt.Errorf("loading verifying key: %w", err)
			}
		}
	}
	led, err := ledger.New(st, broker, signer, verifier, cfg.PaymentBatchSize)
	if err != nil {
		return nil, fmt.Errorf("building ledger: %w", err)
	}

	if cfg.PaymentsEnabled() {
		eng.SetAccruer(func(taskID, recipient string, amount uint64) bool {
			return led.EnqueueAccrual(ledger.AccrualRequest{
				TaskID:    taskID,
				Recipient: recipient,
				Amount:    amount,
			})
		})
	}

	traces, err := tracing.NewProvider(tracing.Config{
		Enabled:      cfg.Tracing.Enabled,
		Exporter:     cfg.Tracing.Exporter,
		FilePath:     cfg.Tracing.FilePath,
		OTLPEndpoint: cfg.Tracing.OTLPEndpoint,
		SampleRate:   cfg.Tracing.SampleRate,
	})
	if err != nil {
		return nil, fmt.Errorf("building tracing provider: %w", err)
	}

	rtr := router.New(id, reg, eng, led, cfg.RequireAccessCodes, cfg.MaxProofFailures, traces.Tracer())
	loop := cycle.New(eng, broker, cfg.TickInterval, cfg.DrainTimeout, cfg.AutoManage)

	return &Manager{
		cfg:     cfg,
		version: version,
		id:      id,
		st:      st,
		broker:  broker,
		reg:     reg,
		eng:     eng,
		led:     led,
		loop:    loop,
		rtr:     rtr,
		traces:  traces,
	}, nil
}

// Start brings the node online: pumps, transport, admin surface, control
// loop. It returns once everything is serving.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.started {
		return fmt.Errorf("manager already started")
	}

	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel

	// Subscriptions go first so nothing published during startup is lost.
	confirmCh := m.broker.Subscribe(ctx)
	m.pumps.Add(1)
	go func() {
		defer m.pumps.Done()
		m.confirmAccruals(confirmCh)
	}()

	m.pumps.Add(1)
	go func() {
		defer m.pumps.Done()
		metrics.Observe(ctx, m.broker)
	}()

	m.pumps.Add(1)
	go func() {
		defer m.pumps.Done()
		m.led.Run(ctx)
	}()

	if m.led.Enabled() {
		m.replayAccruals()
		if m.cfg.VerificationKeyFile == "" {
			log.Warn(log.CatConfig, "payments enabled without a verifying key, bulk proof settlement is off")
		}
	}

	tp, err := transport.New(m.id, m.cfg.ListenAddrs(), m.cfg.Announce, m.rtr, m.reg)
	if err != nil {
		cancel()
		return fmt.Errorf("starting transport: %w", err)
	}
	m.tp = tp
	m.eng.SetSender(tp)
	m.rtr.SetTransport(tp)

	if m.cfg.AccessCodeFile != "" {
		w, err := accesscode.NewWatcher(m.st, accesscode.DefaultWatcherConfig(m.cfg.AccessCodeFile))
		if err != nil {
			m.teardownOnStartError()
			return fmt.Errorf("watching access code file: %w", err)
		}
		if _, err := w.Start(); err != nil {
			m.teardownOnStartError()
			return fmt.Errorf("watching access code file: %w", err)
		}
		m.codes = w
	}

	if m.cfg.WithAdmin {
		handler := admin.NewHandler(admin.HandlerConfig{
			Engine:   m.eng,
			Registry: m.reg,
			Broker:   m.broker,
			Status:   m.Status,
			Tracer:   m.traces.Tracer(),
		})
		srv, err := admin.NewServer(fmt.Sprintf(":%d", m.cfg.AdminPort), handler)
		if err != nil {
			m.teardownOnStartError()
			return fmt.Errorf("starting admin surface: %w", err)
		}
		m.adminSrv = srv
		go func() {
			if err := srv.Start(); err != nil {
				log.ErrorErr(log.CatAdmin, "admin surface failed", err)
			}
		}()
	}

	m.loop.Start(ctx)
	m.started = true
	m.startTime = time.Now()
	m.broker.Publish(events.ManagerStart, nil)
	log.Info(log.CatConfig, "manager started",
		"peer", m.id.PeerID.String(),
		"addrs", m.tp.Addrs(),
		"payments", m.led.Enabled(),
		"admin", m.cfg.WithAdmin)
	return nil
}

// teardownOnStartError unwinds the pieces Start already brought up. Caller
// holds the lock.
func (m *Manager) teardownOnStartError() {
	if m.tp != nil {
		_ = m.tp.Close()
		m.tp = nil
	}
	if m.codes != nil {
		_ = m.codes.Stop()
		m.codes = nil
	}
	m.cancel()
}

// Stop announces the shutdown, drains the engine, and tears everything
// down. ctx bounds the admin shutdown and can cut the drain short.
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.started {
		return nil
	}
	m.started = false

	// Announced before teardown so observers see it while streams are up.
	m.broker.Publish(events.ManagerStop, events.StopPayload{Reason: "shutdown requested"})

	m.loop.Stop(ctx)

	if m.tp != nil {
		if err := m.tp.Close(); err != nil {
			log.ErrorErr(log.CatTransport, "closing transport", err)
		}
		m.tp = nil
	}

	// Closing the broker ends the pumps and the admin SSE streams, so the
	// admin shutdown below does not wait on open event connections.
	m.cancel()
	m.broker.Close()
	m.pumps.Wait()

	if m.adminSrv != nil {
		if err := m.adminSrv.Stop(ctx); err != nil {
			log.ErrorErr(log.CatAdmin, "stopping admin surface", err)
		}
		m.adminSrv = nil
	}
	if m.codes != nil {
		if err := m.codes.Stop(); err != nil {
			log.ErrorErr(log.CatCode, "stopping access code watcher", err)
		}
		m.codes = nil
	}

	if err := m.traces.Shutdown(ctx); err != nil {
		log.ErrorErr(log.CatConfig, "shutting down tracing", err)
	}
	if m.ownsStore {
		if err := m.st.Close(); err != nil {
			log.ErrorErr(log.CatStore, "closing store", err)
		}
	}
	log.Info(log.CatConfig, "manager stopped", "peer", m.id.PeerID.String())
	return nil
}

// confirmAccruals marks tasks accrued once the ledger records the payment.
// This closes the outbox loop: completions carry PaymentAccrued=false until
// the ledger confirms, and startup replays the ones that never got here.
func (m *Manager) confirmAccruals(ch <-chan events.Event) {
	for ev := range ch {
		if ev.Tag != events.PaymentCreated {
			continue
		}
		p, ok := ev.Payload.(events.PaymentPayload)
		if !ok || p.TaskID == "" {
			continue
		}
		m.eng.MarkPaymentAccrued(p.TaskID)
	}
}

// replayAccruals re-credits completed tasks whose reward never reached the
// ledger. Accrue deduplicates by task id, so replaying after a crash between
// the ledger write and the task update cannot double-credit.
func (m *Manager) replayAccruals() {
	tasks := m.eng.UnaccruedCompletions()
	for _, t := range tasks {
		w, ok := m.reg.Get(t.AssignedWorker)
		if !ok || w.Recipient == "" {
			log.Warn(log.CatLedger, "completed task has no recipient on record, skipping replay",
				"task", t.ID, "worker", t.AssignedWorker)
			continue
		}
		if _, err := m.led.Accrue(ledger.AccrualRequest{
			TaskID:    t.ID,
			Recipient: w.Recipient,
			Amount:    t.Reward,
		}); err != nil {
			log.ErrorErr(log.CatLedger, "replaying accrual", err, "task", t.ID)
			continue
		}
		m.eng.MarkPaymentAccrued(t.ID)
	}
	if len(tasks) > 0 {
		log.Info(log.CatLedger, "replayed unaccrued completions", "count", len(tasks))
	}
}

// Status reports the node's identity and runtime figures.
func (m *Manager) Status() admin.Status {
	m.mu.Lock()
	started := m.started
	startTime := m.startTime
	var addrs []string
	if m.tp != nil {
		addrs = m.tp.Addrs()
	}
	m.mu.Unlock()

	return admin.Status{
		PeerID:             m.id.PeerID.String(),
		Version:            m.version,
		IsStarted:          started,
		StartTime:          startTime,
		Cycle:              m.loop.Cycle(),
		RequireAccessCodes: m.cfg.RequireAccessCodes,
		AnnouncedAddresses: addrs,
		PublicKey:          m.id.PublicKeyHex(),
		ConnectedPeers:     m.reg.ConnectedCount(),
	}
}

// Pause suspends management passes; inbound messages keep being served.
func (m *Manager) Pause() { m.loop.Pause() }

// Resume re-enables management passes.
func (m *Manager) Resume() { m.loop.Resume() }

// PeerID is the node's transport identity.
func (m *Manager) PeerID() string {
	return m.id.PeerID.String()
}

// Addrs lists the node's dialable multiaddrs. Empty before Start.
func (m *Manager) Addrs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.tp == nil {
		return nil
	}
	return m.tp.Addrs()
}

// AdminAddr is the bound admin address. Empty when the surface is off or
// the node is stopped.
func (m *Manager) AdminAddr() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.adminSrv == nil {
		return ""
	}
	return m.adminSrv.Addr()
}

// Engine exposes the task engine read models.
func (m *Manager) Engine() *engine.Engine { return m.eng }

// Ledger exposes the payment ledger read models.
func (m *Manager) Ledger() *ledger.Ledger { return m.led }

// Registry exposes the worker registry read models.
func (m *Manager) Registry() *registry.Registry { return m.reg }

// Broker exposes the event broker for observers.
func (m *Manager) Broker() *events.Broker { return m.broker }
