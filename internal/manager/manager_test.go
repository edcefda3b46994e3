package manager_test

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/libp2p/go-libp2p"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	ws "github.com/libp2p/go-libp2p/p2p/transport/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskmesh/taskmesh/internal/admin"
	"github.com/taskmesh/taskmesh/internal/config"
	"github.com/taskmesh/taskmesh/internal/engine"
	"github.com/taskmesh/taskmesh/internal/events"
	"github.com/taskmesh/taskmesh/internal/identity"
	"github.com/taskmesh/taskmesh/internal/manager"
	"github.com/taskmesh/taskmesh/internal/protocol"
	"github.com/taskmesh/taskmesh/internal/registry"
	"github.com/taskmesh/taskmesh/internal/store"
	"github.com/taskmesh/taskmesh/internal/zkp"
	"github.com/taskmesh/taskmesh/internal/zkp/zkptest"
)

// testConfig binds the node to a loopback websocket address with fast ticks.
func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg := config.Defaults()
	cfg.Listen = []string{"/ip4/127.0.0.1/tcp/0/ws"}
	cfg.RequireAccessCodes = false
	cfg.WithAdmin = false
	cfg.DataDir = t.TempDir()
	cfg.TickInterval = 10 * time.Millisecond
	cfg.TaskAcceptanceTime = time.Second
	cfg.DrainTimeout = 2 * time.Second
	return cfg
}

// startManager brings a freshly assembled node online and ties its shutdown
// to the test.
func startManager(t *testing.T, m *manager.Manager, err error) *manager.Manager {
	t.Helper()
	require.NoError(t, err)
	require.NoError(t, m.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = m.Stop(ctx)
	})
	return m
}

// testWorker is the peer half of the wire conversations: a libp2p host that
// acks every offer the manager pushes, records it, and sends request frames
// of its own.
type testWorker struct {
	t      *testing.T
	host   host.Host
	target peer.AddrInfo

	mu      sync.Mutex
	offers  []protocol.Offer
	offerCh chan protocol.Offer
}

func newTestWorker(t *testing.T, m *manager.Manager) *testWorker {
	t.Helper()
	h, err := libp2p.New(
		libp2p.ListenAddrStrings("/ip4/127.0.0.1/tcp/0/ws"),
		libp2p.Transport(ws.New),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = h.Close() })

	addrs := m.Addrs()
	require.NotEmpty(t, addrs, "manager advertises at least one address")
	info, err := peer.AddrInfoFromString(addrs[0])
	require.NoError(t, err)

	w := &testWorker{t: t, host: h, target: *info, offerCh: make(chan protocol.Offer, 16)}
	h.SetStreamHandler(protocol.ID, w.serveOffer)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, h.Connect(ctx, *info))
	return w
}

func (w *testWorker) serveOffer(s network.Stream) {
	defer s.Close()
	env, err := protocol.ReadFrame(bufio.NewReader(s))
	if err != nil {
		_ = s.Reset()
		return
	}
	ok, _ := protocol.NewEnvelope(protocol.MsgOk, protocol.Ok{})
	_ = protocol.WriteFrame(s, ok)
	if env.Type != protocol.MsgOffer {
		return
	}
	var offer protocol.Offer
	if env.Decode(&offer) != nil {
		return
	}
	w.mu.Lock()
	w.offers = append(w.offers, offer)
	w.mu.Unlock()
	select {
	case w.offerCh <- offer:
	default:
	}
}

func (w *testWorker) offerCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.offers)
}

// send performs one request/reply exchange with the manager.
func (w *testWorker) send(msgType string, payload any) protocol.Envelope {
	w.t.Helper()
	env, err := protocol.NewEnvelope(msgType, payload)
	require.NoError(w.t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	s, err := w.host.NewStream(ctx, w.target.ID, protocol.ID)
	require.NoError(w.t, err)
	defer s.Close()
	_ = s.SetDeadline(time.Now().Add(10 * time.Second))

	require.NoError(w.t, protocol.WriteFrame(s, env))
	reply, err := protocol.ReadFrame(bufio.NewReader(s))
	require.NoError(w.t, err)
	return reply
}

// sendOk sends a request and requires the generic success reply.
func (w *testWorker) sendOk(msgType string, payload any) {
	w.t.Helper()
	reply := w.send(msgType, payload)
	if reply.Type == protocol.MsgError {
		var em protocol.ErrorMessage
		_ = reply.Decode(&em)
		w.t.Fatalf("%s failed: %s: %s", msgType, em.Kind, em.Message)
	}
	require.Equal(w.t, protocol.MsgOk, reply.Type)
}

func (w *testWorker) onboard(recipient string, nonce uint64) {
	w.t.Helper()
	w.sendOk(protocol.MsgRequestToWork, protocol.RequestToWork{Recipient: recipient, Nonce: nonce})
}

func (w *testWorker) waitOffer() protocol.Offer {
	w.t.Helper()
	select {
	case offer := <-w.offerCh:
		return offer
	case <-time.After(5 * time.Second):
		w.t.Fatal("timed out waiting for an offer")
		return protocol.Offer{}
	}
}

func (w *testWorker) close() {
	_ = w.host.Close()
}

func requireErrorReply(t *testing.T, reply protocol.Envelope, kind protocol.Kind) protocol.ErrorMessage {
	t.Helper()
	require.Equal(t, protocol.MsgError, reply.Type, "expected an error reply")
	var em protocol.ErrorMessage
	require.NoError(t, reply.Decode(&em))
	require.Equal(t, kind, em.Kind, "error message: %s", em.Message)
	return em
}

type offerSink struct{}

func (offerSink) SendOffer(context.Context, string, protocol.Offer) error { return nil }

func TestManager_TaskLifecycleEndToEnd(t *testing.T) {
	cfg := testConfig(t)
	cfg.PaymentAccount = strings.Repeat("ab", 32)
	cfg.PaymentBatchSize = 4
	mgr, err := manager.New(cfg, "1.0.0-test")
	m := startManager(t, mgr, err)

	tpl, err := m.Engine().RegisterTemplate("render", "", nil)
	require.NoError(t, err)

	w := newTestWorker(t, m)

	// A transport connection alone does not make a worker.
	reply := w.send(protocol.MsgIdentifyRequest, nil)
	require.Equal(t, protocol.MsgIdentifyResponse, reply.Type)
	var ident protocol.IdentifyResponse
	require.NoError(t, reply.Decode(&ident))
	assert.Equal(t, m.PeerID(), ident.PeerID)
	assert.False(t, ident.RequireAccessCodes)
	assert.False(t, ident.IsRegistered)
	assert.NotEmpty(t, ident.PublicKey)

	recipient := strings.Repeat("a1", 32)
	w.onboard(recipient, 1)

	// Providers submit tasks over the same wire without onboarding.
	reply = w.send(protocol.MsgTask, protocol.NewTask{
		TemplateID: tpl.TemplateID,
		Title:      "render frames",
		Reward:     5,
		Payload:    json.RawMessage(`{"frames":24}`),
	})
	require.Equal(t, protocol.MsgTask, reply.Type)
	var created protocol.NewTask
	require.NoError(t, reply.Decode(&created))
	require.NotEmpty(t, created.TaskID, "the manager assigns an id")

	offer := w.waitOffer()
	assert.Equal(t, created.TaskID, offer.TaskID)
	assert.Equal(t, tpl.TemplateID, offer.TemplateID)
	assert.Equal(t, uint64(5), offer.Reward)
	assert.JSONEq(t, `{"frames":24}`, string(offer.Payload))
	assert.Positive(t, offer.Deadline)

	w.sendOk(protocol.MsgTaskAccepted, protocol.TaskAccepted{TaskID: offer.TaskID})
	w.sendOk(protocol.MsgTaskCompleted, protocol.TaskCompleted{TaskID: offer.TaskID, Result: `{"frames":"rendered"}`})

	require.Eventually(t, func() bool {
		records, err := m.Ledger().Records(recipient)
		return err == nil && len(records) == 1
	}, 5*time.Second, 10*time.Millisecond, "the completion accrues one payment")

	records, err := m.Ledger().Records(recipient)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, uint64(0), records[0].Nonce, "nonces start at zero")
	assert.Equal(t, uint64(5), records[0].Amount)
	assert.Equal(t, created.TaskID, records[0].TaskID)
	assert.False(t, records[0].Settled())

	task, ok := m.Engine().Task(created.TaskID)
	require.True(t, ok)
	assert.Equal(t, engine.TaskCompleted, task.State)
	wantOrder := []engine.EventType{
		engine.EventCreated, engine.EventOffered, engine.EventAccepted,
		engine.EventSubmission, engine.EventCompleted,
	}
	require.Len(t, task.Events, len(wantOrder))
	for i, typ := range wantOrder {
		assert.Equal(t, typ, task.Events[i].Type, "event %d", i)
	}
	for i := 1; i < len(task.Events); i++ {
		assert.False(t, task.Events[i].Timestamp.Before(task.Events[i-1].Timestamp),
			"the event log stays in timestamp order")
	}

	require.Eventually(t, func() bool {
		got, _ := m.Engine().Task(created.TaskID)
		return got.PaymentAccrued
	}, 5*time.Second, 10*time.Millisecond, "the accrual confirmation reaches the task record")

	// Registered templates are served back over the wire.
	reply = w.send(protocol.MsgTemplateRequest, protocol.TemplateRequest{TemplateID: tpl.TemplateID})
	require.Equal(t, protocol.MsgTemplate, reply.Type)
	var fetched protocol.TemplateResponse
	require.NoError(t, reply.Decode(&fetched))
	assert.Equal(t, "render", fetched.Name)

	reply = w.send(protocol.MsgIdentifyRequest, nil)
	var again protocol.IdentifyResponse
	require.NoError(t, reply.Decode(&again))
	assert.True(t, again.IsRegistered)
}

func TestManager_OfferExpiryMovesToNextWorker(t *testing.T) {
	cfg := testConfig(t)
	cfg.TaskAcceptanceTime = 200 * time.Millisecond
	mgr, err := manager.NewWithStore(cfg, "1.0.0-test", store.NewMemoryStore())
	m := startManager(t, mgr, err)

	tpl, err := m.Engine().RegisterTemplate("render", "", nil)
	require.NoError(t, err)

	first := newTestWorker(t, m)
	first.onboard(strings.Repeat("a1", 32), 1)
	second := newTestWorker(t, m)
	second.onboard(strings.Repeat("b2", 32), 1)

	task, err := m.Engine().CreateTask(engine.CreateTaskParams{
		TemplateID: tpl.TemplateID, Title: "job", Reward: 3,
	})
	require.NoError(t, err)

	got := first.waitOffer()
	assert.Equal(t, task.ID, got.TaskID)

	// The first worker sits on the offer past the acceptance deadline; the
	// retry goes to the next worker in the rotation, not back to the first.
	redo := second.waitOffer()
	assert.Equal(t, task.ID, redo.TaskID)

	second.sendOk(protocol.MsgTaskAccepted, protocol.TaskAccepted{TaskID: task.ID})
	second.sendOk(protocol.MsgTaskCompleted, protocol.TaskCompleted{TaskID: task.ID, Result: "done"})

	final, ok := m.Engine().Task(task.ID)
	require.True(t, ok)
	assert.Equal(t, engine.TaskCompleted, final.State)
	expiredLogged := false
	for _, ev := range final.Events {
		if ev.Type == engine.EventExpired {
			expiredLogged = true
		}
	}
	assert.True(t, expiredLogged, "the missed offer is on the task's log")
	assert.Equal(t, 1, first.offerCount(), "the first worker is not retried for this task")
}

func TestManager_DisconnectRequeuesAcceptedTask(t *testing.T) {
	cfg := testConfig(t)
	cfg.PaymentAccount = strings.Repeat("ab", 32)
	mgr, err := manager.NewWithStore(cfg, "1.0.0-test", store.NewMemoryStore())
	m := startManager(t, mgr, err)

	tpl, err := m.Engine().RegisterTemplate("render", "", nil)
	require.NoError(t, err)

	recipient := strings.Repeat("a1", 32)
	w := newTestWorker(t, m)
	w.onboard(recipient, 1)

	task, err := m.Engine().CreateTask(engine.CreateTaskParams{
		TemplateID: tpl.TemplateID, Title: "job", Reward: 9,
	})
	require.NoError(t, err)

	offer := w.waitOffer()
	w.sendOk(protocol.MsgTaskAccepted, protocol.TaskAccepted{TaskID: offer.TaskID})
	accepted, _ := m.Engine().Task(task.ID)
	require.Equal(t, engine.TaskAccepted, accepted.State)

	w.close()

	require.Eventually(t, func() bool {
		got, ok := m.Engine().Task(task.ID)
		return ok && got.State == engine.TaskPending
	}, 5*time.Second, 10*time.Millisecond, "the task returns to the queue")

	requeued, _ := m.Engine().Task(task.ID)
	assert.Empty(t, requeued.AssignedWorker, "the assignment is cleared")
	assert.Equal(t, 1, m.Engine().PendingCount())

	records, err := m.Ledger().Records(recipient)
	require.NoError(t, err)
	assert.Empty(t, records, "no reward accrues for unfinished work")
}

func TestManager_PaymentSettlementOverTheWire(t *testing.T) {
	fx := zkptest.Shared(t)
	vkPath := filepath.Join(t.TempDir(), "settlement.vk")
	require.NoError(t, os.WriteFile(vkPath, fx.VerifyingKey(), 0o600))

	id, err := identity.Generate()
	require.NoError(t, err)

	cfg := testConfig(t)
	cfg.PaymentAccount = strings.Repeat("ab", 32)
	cfg.PaymentBatchSize = 4
	cfg.PrivateKey = id.SeedHex()
	cfg.VerificationKeyFile = vkPath
	mgr, err := manager.NewWithStore(cfg, "1.0.0-test", store.NewMemoryStore())
	m := startManager(t, mgr, err)

	tpl, err := m.Engine().RegisterTemplate("render", "", nil)
	require.NoError(t, err)

	recipient := strings.Repeat("a1", 32)
	w := newTestWorker(t, m)
	w.onboard(recipient, 1)

	for i, reward := range []uint64{5, 7} {
		_, err := m.Engine().CreateTask(engine.CreateTaskParams{
			TemplateID: tpl.TemplateID, Title: fmt.Sprintf("job-%d", i), Reward: reward,
		})
		require.NoError(t, err)
		offer := w.waitOffer()
		w.sendOk(protocol.MsgTaskAccepted, protocol.TaskAccepted{TaskID: offer.TaskID})
		w.sendOk(protocol.MsgTaskCompleted, protocol.TaskCompleted{TaskID: offer.TaskID, Result: "done"})
	}
	require.Eventually(t, func() bool { return m.Ledger().Accrued(recipient) == 2 },
		5*time.Second, 10*time.Millisecond, "both rewards accrue")

	// A payout request signs the unsettled batch without settling anything.
	reply := w.send(protocol.MsgPayoutRequest, protocol.PayoutRequest{})
	require.Equal(t, protocol.MsgSignedAuthorization, reply.Type)
	var payout protocol.SignedAuthorization
	require.NoError(t, reply.Decode(&payout))
	assert.Equal(t, uint64(0), payout.MinNonce)
	assert.Equal(t, uint64(1), payout.MaxNonce)
	assert.Equal(t, uint64(12), payout.Amount)
	assert.Zero(t, m.Ledger().SettledCount(recipient))

	// Claimed amounts are checked against the ledger's records.
	reply = w.send(protocol.MsgProofRequest, protocol.ProofRequest{Payments: []protocol.PaymentClaim{
		{Nonce: 0, Recipient: recipient, Amount: 5},
		{Nonce: 1, Recipient: recipient, Amount: 7},
	}})
	require.Equal(t, protocol.MsgSignedAuthorization, reply.Type)

	reply = w.send(protocol.MsgProofRequest, protocol.ProofRequest{Payments: []protocol.PaymentClaim{
		{Nonce: 0, Recipient: recipient, Amount: 500},
	}})
	requireErrorReply(t, reply, protocol.KindInvalidArgument)

	// A proof batch that skips nonce 0 cannot settle.
	second := protocol.ProofBundle{
		Proof:         fx.ProveBase64(t, zkp.Authorization{Recipient: recipient, MinNonce: 1, MaxNonce: 1, Amount: 7}),
		PublicSignals: protocol.PublicSignals{MinNonce: 1, MaxNonce: 1, Amount: 7, Recipient: recipient},
	}
	reply = w.send(protocol.MsgBulkProofRequest, protocol.BulkProofRequest{
		Recipient: recipient, Proofs: []protocol.ProofBundle{second},
	})
	em := requireErrorReply(t, reply, protocol.KindConflict)
	assert.Contains(t, em.Message, "gap")
	assert.Zero(t, m.Ledger().SettledCount(recipient), "nothing settles on a rejected batch")

	// Contiguous batches from nonce zero settle under one signature.
	batches := []protocol.ProofBundle{
		{
			Proof:         fx.ProveBase64(t, zkp.Authorization{Recipient: recipient, MinNonce: 0, MaxNonce: 0, Amount: 5}),
			PublicSignals: protocol.PublicSignals{MinNonce: 0, MaxNonce: 0, Amount: 5, Recipient: recipient},
		},
		second,
	}
	reply = w.send(protocol.MsgBulkProofRequest, protocol.BulkProofRequest{Recipient: recipient, Proofs: batches})
	require.Equal(t, protocol.MsgBulkAuthorization, reply.Type)
	var bulk protocol.BulkAuthorization
	require.NoError(t, reply.Decode(&bulk))
	assert.Equal(t, uint64(0), bulk.MinNonce)
	assert.Equal(t, uint64(1), bulk.MaxNonce)
	assert.Equal(t, uint64(12), bulk.Amount)
	assert.Equal(t, 2, bulk.Batches)
	assert.Equal(t, uint64(2), m.Ledger().SettledCount(recipient))

	pub := zkp.NewSigner(id.SigningKey).PublicKey()
	okSig, err := zkp.VerifyAuthorization(pub, zkp.Authorization{
		Recipient: recipient, MinNonce: 0, MaxNonce: 1, Amount: 12,
	}, bulk.Signature)
	require.NoError(t, err)
	assert.True(t, okSig, "the authorization verifies against the manager's signing key")

	// Replaying the settled range is rejected as an overlap.
	reply = w.send(protocol.MsgBulkProofRequest, protocol.BulkProofRequest{Recipient: recipient, Proofs: batches})
	em = requireErrorReply(t, reply, protocol.KindConflict)
	assert.Contains(t, em.Message, "overlap")
}

func TestManager_ForeignRecipientIsForbidden(t *testing.T) {
	cfg := testConfig(t)
	cfg.PaymentAccount = strings.Repeat("ab", 32)
	mgr, err := manager.NewWithStore(cfg, "1.0.0-test", store.NewMemoryStore())
	m := startManager(t, mgr, err)

	mine := strings.Repeat("a1", 32)
	foreign := strings.Repeat("b2", 32)
	w := newTestWorker(t, m)
	w.onboard(mine, 1)

	reply := w.send(protocol.MsgBulkProofRequest, protocol.BulkProofRequest{
		Recipient: foreign,
		Proofs: []protocol.ProofBundle{{
			Proof:         "AAAA",
			PublicSignals: protocol.PublicSignals{Recipient: foreign, Amount: 5},
		}},
	})
	em := requireErrorReply(t, reply, protocol.KindForbidden)
	assert.Contains(t, em.Message, "does not match")

	reply = w.send(protocol.MsgProofRequest, protocol.ProofRequest{Payments: []protocol.PaymentClaim{
		{Nonce: 0, Recipient: foreign, Amount: 5},
	}})
	requireErrorReply(t, reply, protocol.KindForbidden)

	// Peers that never onboarded get no payment operations at all.
	outsider := newTestWorker(t, m)
	reply = outsider.send(protocol.MsgPayoutRequest, protocol.PayoutRequest{})
	em = requireErrorReply(t, reply, protocol.KindForbidden)
	assert.Contains(t, em.Message, "not an onboarded worker")
}

func TestManager_RoundRobinSharesOffers(t *testing.T) {
	cfg := testConfig(t)
	mgr, err := manager.NewWithStore(cfg, "1.0.0-test", store.NewMemoryStore())
	m := startManager(t, mgr, err)

	tpl, err := m.Engine().RegisterTemplate("render", "", nil)
	require.NoError(t, err)

	workers := make([]*testWorker, 3)
	for i := range workers {
		workers[i] = newTestWorker(t, m)
		workers[i].onboard(strings.Repeat(fmt.Sprintf("a%d", i), 32), 1)
	}

	for i := 0; i < 6; i++ {
		_, err := m.Engine().CreateTask(engine.CreateTaskParams{
			TemplateID: tpl.TemplateID, Title: fmt.Sprintf("job-%d", i), Reward: 1,
		})
		require.NoError(t, err)
	}

	// Round one: each worker gets exactly one task and finishes it.
	offers := make([]protocol.Offer, len(workers))
	for i, w := range workers {
		offers[i] = w.waitOffer()
	}
	for i, w := range workers {
		w.sendOk(protocol.MsgTaskAccepted, protocol.TaskAccepted{TaskID: offers[i].TaskID})
		w.sendOk(protocol.MsgTaskCompleted, protocol.TaskCompleted{TaskID: offers[i].TaskID, Result: "done"})
	}

	// Round two: every worker accepts before anyone completes, so no worker
	// can re-enter the rotation and grab a third task.
	for i, w := range workers {
		offers[i] = w.waitOffer()
		w.sendOk(protocol.MsgTaskAccepted, protocol.TaskAccepted{TaskID: offers[i].TaskID})
	}
	for i, w := range workers {
		w.sendOk(protocol.MsgTaskCompleted, protocol.TaskCompleted{TaskID: offers[i].TaskID, Result: "done"})
	}

	for i, w := range workers {
		assert.Equal(t, 2, w.offerCount(), "worker %d share of the offers", i)
	}
	require.Eventually(t, func() bool {
		return m.Engine().StateCounts()[engine.TaskCompleted] == 6
	}, 5*time.Second, 10*time.Millisecond)
	assert.Zero(t, m.Engine().PendingCount())
}

func TestManager_ReplaysUnaccruedCompletionsOnStart(t *testing.T) {
	st := store.NewMemoryStore()
	recipient := strings.Repeat("a1", 32)

	// Seed the store with a completed task whose reward never reached the
	// ledger, the state a crash between completion and accrual leaves behind.
	broker := events.NewBroker()
	reg, err := registry.New(st, broker, false)
	require.NoError(t, err)
	require.NoError(t, reg.Onboard("worker-peer", recipient, 1, ""))
	eng, err := engine.New(st, broker, reg, time.Minute, time.Minute)
	require.NoError(t, err)
	eng.SetSender(offerSink{})
	eng.SetAccruer(func(string, string, uint64) bool { return false })

	tpl, err := eng.RegisterTemplate("render", "", nil)
	require.NoError(t, err)
	task, err := eng.CreateTask(engine.CreateTaskParams{
		TemplateID: tpl.TemplateID, Title: "job", Reward: 9,
	})
	require.NoError(t, err)
	require.Equal(t, 1, eng.Dispatch(context.Background()))
	require.NoError(t, eng.AcceptTask("worker-peer", task.ID))
	require.NoError(t, eng.CompleteTask("worker-peer", task.ID, "done"))
	seeded, _ := eng.Task(task.ID)
	require.False(t, seeded.PaymentAccrued, "the reward is still owed")
	broker.Close()

	cfg := testConfig(t)
	cfg.PaymentAccount = strings.Repeat("ab", 32)
	mgr, err := manager.NewWithStore(cfg, "1.0.0-test", st)
	m := startManager(t, mgr, err)

	records, err := m.Ledger().Records(recipient)
	require.NoError(t, err)
	require.Len(t, records, 1, "startup replay credits the owed reward")
	assert.Equal(t, uint64(0), records[0].Nonce)
	assert.Equal(t, uint64(9), records[0].Amount)
	assert.Equal(t, task.ID, records[0].TaskID)

	replayed, ok := m.Engine().Task(task.ID)
	require.True(t, ok)
	assert.True(t, replayed.PaymentAccrued)
}

func TestManager_StopDrainsAcceptedWork(t *testing.T) {
	cfg := testConfig(t)
	cfg.PaymentAccount = strings.Repeat("ab", 32)
	cfg.DrainTimeout = 3 * time.Second
	mgr, err := manager.NewWithStore(cfg, "1.0.0-test", store.NewMemoryStore())
	m := startManager(t, mgr, err)

	tpl, err := m.Engine().RegisterTemplate("render", "", nil)
	require.NoError(t, err)

	recipient := strings.Repeat("a1", 32)
	w := newTestWorker(t, m)
	w.onboard(recipient, 1)

	task, err := m.Engine().CreateTask(engine.CreateTaskParams{
		TemplateID: tpl.TemplateID, Title: "job", Reward: 4,
	})
	require.NoError(t, err)
	offer := w.waitOffer()
	w.sendOk(protocol.MsgTaskAccepted, protocol.TaskAccepted{TaskID: offer.TaskID})

	stopped := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		stopped <- m.Stop(ctx)
	}()

	// The wire stays open during the drain; a submission that lands in the
	// window still counts and still pays.
	require.Eventually(t, func() bool { return m.Engine().Draining() },
		2*time.Second, 5*time.Millisecond)
	w.sendOk(protocol.MsgTaskCompleted, protocol.TaskCompleted{TaskID: offer.TaskID, Result: "done"})

	require.Eventually(t, func() bool {
		records, err := m.Ledger().Records(recipient)
		return err == nil && len(records) == 1
	}, 2*time.Second, 5*time.Millisecond, "the drain window completion still pays")

	select {
	case err := <-stopped:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("stop did not return after the drain finished")
	}

	final, ok := m.Engine().Task(task.ID)
	require.True(t, ok)
	assert.Equal(t, engine.TaskCompleted, final.State)

	require.NoError(t, m.Stop(context.Background()), "second stop is a no-op")
}

func TestManager_StatusAndAdminSurface(t *testing.T) {
	cfg := testConfig(t)
	cfg.WithAdmin = true
	cfg.AdminPort = 0
	mgr, err := manager.NewWithStore(cfg, "1.2.3", store.NewMemoryStore())
	m := startManager(t, mgr, err)

	require.Error(t, m.Start(context.Background()), "double start is rejected")

	st := m.Status()
	assert.True(t, st.IsStarted)
	assert.Equal(t, "1.2.3", st.Version)
	assert.Equal(t, m.PeerID(), st.PeerID)
	assert.NotEmpty(t, st.PublicKey)
	assert.NotEmpty(t, m.Addrs())
	require.Eventually(t, func() bool { return m.Status().Cycle > 0 },
		2*time.Second, 10*time.Millisecond, "management passes advance the cycle counter")

	// The admin surface answers on the OS-assigned port.
	addr := m.AdminAddr()
	require.NotEmpty(t, addr)
	_, port, err := net.SplitHostPort(addr)
	require.NoError(t, err)
	resp, err := http.Get(fmt.Sprintf("http://127.0.0.1:%s/", port))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var status admin.Status
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&status))
	assert.Equal(t, m.PeerID(), status.PeerID)
	assert.True(t, status.IsStarted)

	// Unknown message types come back as typed errors, not dropped streams.
	w := newTestWorker(t, m)
	reply := w.send("mystery", nil)
	requireErrorReply(t, reply, protocol.KindInvalidArgument)

	// Pausing freezes the cycle counter without dropping connections.
	m.Pause()
	frozen := m.Status().Cycle
	time.Sleep(50 * time.Millisecond)
	assert.LessOrEqual(t, m.Status().Cycle, frozen+1)
	m.Resume()
	require.Eventually(t, func() bool { return m.Status().Cycle > frozen+1 },
		2*time.Second, 10*time.Millisecond)

	require.NoError(t, m.Stop(context.Background()))
	assert.False(t, m.Status().IsStarted)
	assert.Empty(t, m.AdminAddr(), "the admin address clears once stopped")
	require.NoError(t, m.Stop(context.Background()), "stop is idempotent")
}
