package ledger

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"runtime"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/taskmesh/taskmesh/internal/events"
	"github.com/taskmesh/taskmesh/internal/log"
	"github.com/taskmesh/taskmesh/internal/protocol"
	"github.com/taskmesh/taskmesh/internal/store"
	"github.com/taskmesh/taskmesh/internal/zkp"
)

// inboxDepth bounds the accrual inbox. Overflow is tolerable: completed
// tasks are replayed from the task log on restart.
const inboxDepth = 256

// AccrualRequest asks the ledger to credit a recipient for a completed
// task. TaskID deduplicates replays.
type AccrualRequest struct {
	TaskID    string
	Recipient string
	Amount    uint64
}

// Ledger owns payment records. One mutex serializes all mutations; proof
// verification is CPU-bound and runs outside of it.
type Ledger struct {
	st        store.Store
	broker    *events.Broker
	signer    *zkp.Signer
	verifier  *zkp.ProofVerifier
	batchSize int

	inbox chan AccrualRequest

	// next[r] is the nonce the next accrual for r takes; settled[r] is the
	// first unsettled nonce. Nonces start at 0, so both are counts.
	mu      sync.Mutex
	next    map[string]uint64
	settled map[string]uint64
}

// New loads persisted payment state and builds the ledger. A nil signer
// disables payments entirely; a nil verifier disables bulk proof settlement
// but leaves accrual and plain authorizations working.
func New(st store.Store, broker *events.Broker, signer *zkp.Signer, verifier *zkp.ProofVerifier, batchSize int) (*Ledger, error) {
	if batchSize <= 0 {
		return nil, fmt.Errorf("payment batch size must be positive, got %d", batchSize)
	}
	state, err := loadState(st)
	if err != nil {
		return nil, err
	}
	l := &Ledger{
		st:        st,
		broker:    broker,
		signer:    signer,
		verifier:  verifier,
		batchSize: batchSize,
		inbox:     make(chan AccrualRequest, inboxDepth),
		next:      state.next,
		settled:   state.settled,
	}
	return l, nil
}

// Enabled reports whether the node accrues and signs payments.
func (l *Ledger) Enabled() bool {
	return l.signer != nil
}

// EnqueueAccrual hands an accrual to the ledger without blocking the
// caller. It reports false when the inbox is full; the caller leaves the
// task flagged for restart replay in that case.
func (l *Ledger) EnqueueAccrual(req AccrualRequest) bool {
	select {
	case l.inbox <- req:
		return true
	default:
		log.Warn(log.CatLedger, "accrual inbox full, deferring to restart replay",
			"task", req.TaskID, "recipient", req.Recipient)
		return false
	}
}

// Run consumes the accrual inbox until ctx is cancelled.
func (l *Ledger) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case req := <-l.inbox:
			if !l.Enabled() {
				log.Warn(log.CatLedger, "payments disabled, dropping accrual",
					"task", req.TaskID, "recipient", req.Recipient, "amount", req.Amount)
				continue
			}
			if _, err := l.Accrue(req); err != nil {
				log.ErrorErr(log.CatLedger, "accrual failed", err,
					"task", req.TaskID, "recipient", req.Recipient)
			}
		}
	}
}

// Accrue allocates the next nonce for the recipient and persists the
// record. Requests that carry a task id are idempotent: a replay returns
// the record created the first time.
func (l *Ledger) Accrue(req AccrualRequest) (*Record, error) {
	if !l.Enabled() {
		return nil, protocol.NewError(protocol.KindForbidden, "payments are disabled")
	}
	if req.Recipient == "" {
		return nil, protocol.NewError(protocol.KindInvalidArgument, "recipient is required")
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if req.TaskID != "" {
		existing, err := l.accruedForTask(req.TaskID)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			return existing, nil
		}
	}

	rec := &Record{
		Nonce:     l.next[req.Recipient],
		Recipient: req.Recipient,
		Amount:    req.Amount,
		TaskID:    req.TaskID,
		CreatedAt: time.Now(),
	}
	// Marker first: if the record write is lost, startup recovery rebuilds
	// it from the marker instead of double-crediting on replay.
	if req.TaskID != "" {
		if err := rec.persistMarker(l.st); err != nil {
			return nil, err
		}
	}
	if err := rec.persist(l.st); err != nil {
		return nil, err
	}
	l.next[req.Recipient] = rec.Nonce + 1

	l.broker.Publish(events.PaymentCreated, events.PaymentPayload{
		Recipient: rec.Recipient,
		Nonce:     rec.Nonce,
		Amount:    rec.Amount,
		TaskID:    rec.TaskID,
	})
	log.Info(log.CatLedger, "payment accrued",
		"recipient", rec.Recipient, "nonce", rec.Nonce, "amount", rec.Amount, "task", rec.TaskID)
	return rec, nil
}

func (l *Ledger) accruedForTask(taskID string) (*Record, error) {
	raw, err := l.st.Get(store.PaymentTaskKey(taskID))
	if errors.Is(err, store.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading accrual marker %s: %w", taskID, err)
	}
	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("decoding accrual marker %s: %w", taskID, err)
	}
	return &rec, nil
}

// ProcessProofRequest signs an authorization over a batch of the sender's
// records. Claimed amounts are checked against the ledger's own records and
// the total is re-derived, never trusted.
func (l *Ledger) ProcessProofRequest(senderRecipient string, claims []protocol.PaymentClaim) (*protocol.SignedAuthorization, error) {
	if !l.Enabled() {
		return nil, protocol.NewError(protocol.KindForbidden, "payments are disabled")
	}
	if len(claims) == 0 {
		return nil, protocol.NewError(protocol.KindInvalidArgument, "no payments in request")
	}
	if claims[0].Recipient != senderRecipient {
		return nil, protocol.NewError(protocol.KindForbidden, "recipient does not match sender")
	}

	min, max := claims[0].Nonce, claims[0].Nonce
	for _, c := range claims {
		if c.Recipient != senderRecipient {
			return nil, protocol.NewError(protocol.KindInvalidArgument, "claims span multiple recipients")
		}
		if c.Nonce < min {
			min = c.Nonce
		}
		if c.Nonce > max {
			max = c.Nonce
		}
	}
	if span := max - min + 1; span > uint64(l.batchSize) {
		return nil, protocol.NewError(protocol.KindInvalidArgument,
			fmt.Sprintf("batch too large: %d records exceeds limit %d", span, l.batchSize))
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	records, err := recordsInRange(l.st, senderRecipient, min, max)
	if err != nil {
		return nil, err
	}
	byNonce := make(map[uint64]*Record, len(records))
	var total uint64
	for i := range records {
		byNonce[records[i].Nonce] = &records[i]
		total += records[i].Amount
	}
	for _, c := range claims {
		rec, ok := byNonce[c.Nonce]
		if !ok {
			return nil, protocol.NewError(protocol.KindNotFound, fmt.Sprintf("unknown nonce %d", c.Nonce))
		}
		if rec.Amount != c.Amount {
			return nil, protocol.NewError(protocol.KindInvalidArgument,
				fmt.Sprintf("inconsistent sum: nonce %d accrued %d, claimed %d", c.Nonce, rec.Amount, c.Amount))
		}
	}

	return l.sign(senderRecipient, min, max, total)
}

// BulkPaymentProofs verifies Groth16 settlement proofs, marks the covered
// records settled, and returns one aggregated authorization. Batches must
// be disjoint and contiguous from the recipient's last settled nonce.
func (l *Ledger) BulkPaymentProofs(senderRecipient, r8 string, proofs []protocol.ProofBundle) (*protocol.BulkAuthorization, error) {
	if !l.Enabled() {
		return nil, protocol.NewError(protocol.KindForbidden, "payments are disabled")
	}
	if l.verifier == nil {
		return nil, protocol.NewError(protocol.KindForbidden, "no verifying key configured")
	}
	if len(proofs) == 0 {
		return nil, protocol.NewError(protocol.KindInvalidArgument, "no proofs in request")
	}
	if r8 != "" {
		if _, err := hex.DecodeString(r8); err != nil {
			return nil, protocol.NewError(protocol.KindInvalidArgument, "r8 is not hex")
		}
	}
	for _, p := range proofs {
		sig := p.PublicSignals
		if sig.Recipient != senderRecipient {
			return nil, protocol.NewError(protocol.KindForbidden, "proof recipient does not match sender")
		}
		if sig.MaxNonce < sig.MinNonce {
			return nil, protocol.NewError(protocol.KindInvalidArgument,
				fmt.Sprintf("inverted range [%d, %d]", sig.MinNonce, sig.MaxNonce))
		}
		if span := sig.MaxNonce - sig.MinNonce + 1; span > uint64(l.batchSize) {
			return nil, protocol.NewError(protocol.KindInvalidArgument,
				fmt.Sprintf("batch too large: %d records exceeds limit %d", span, l.batchSize))
		}
	}

	// Verification is CPU-bound; run it on a bounded pool before taking
	// the ledger lock.
	if err := l.verifyAll(proofs); err != nil {
		return nil, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	sorted := make([]protocol.ProofBundle, len(proofs))
	copy(sorted, proofs)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].PublicSignals.MinNonce < sorted[j].PublicSignals.MinNonce
	})

	expect := l.settled[senderRecipient]
	for _, p := range sorted {
		sig := p.PublicSignals
		if sig.MinNonce < expect {
			return nil, protocol.NewError(protocol.KindConflict,
				fmt.Sprintf("range [%d, %d] overlaps settled records", sig.MinNonce, sig.MaxNonce))
		}
		if sig.MinNonce > expect {
			return nil, protocol.NewError(protocol.KindConflict,
				fmt.Sprintf("range [%d, %d] leaves a gap before nonce %d", sig.MinNonce, sig.MaxNonce, expect))
		}
		expect = sig.MaxNonce + 1
	}

	// Amounts must match the ledger's accrued sums exactly.
	var batchRecords [][]Record
	for _, p := range sorted {
		sig := p.PublicSignals
		records, err := recordsInRange(l.st, senderRecipient, sig.MinNonce, sig.MaxNonce)
		if err != nil {
			return nil, err
		}
		if uint64(len(records)) != sig.MaxNonce-sig.MinNonce+1 {
			return nil, protocol.NewError(protocol.KindNotFound,
				fmt.Sprintf("range [%d, %d] references unknown nonces", sig.MinNonce, sig.MaxNonce))
		}
		var sum uint64
		for _, r := range records {
			sum += r.Amount
		}
		if sum != sig.Amount {
			return nil, protocol.NewError(protocol.KindInvalidArgument,
				fmt.Sprintf("inconsistent sum: range [%d, %d] accrued %d, proof claims %d",
					sig.MinNonce, sig.MaxNonce, sum, sig.Amount))
		}
		batchRecords = append(batchRecords, records)
	}

	now := time.Now()
	for _, records := range batchRecords {
		for i := range records {
			records[i].SettledAt = &now
			if err := records[i].persist(l.st); err != nil {
				return nil, err
			}
		}
	}
	first := sorted[0].PublicSignals
	last := sorted[len(sorted)-1].PublicSignals
	l.settled[senderRecipient] = last.MaxNonce + 1

	var total uint64
	for _, p := range sorted {
		total += p.PublicSignals.Amount
		l.broker.Publish(events.PaymentSettled, events.PaymentPayload{
			Recipient: senderRecipient,
			Nonce:     p.PublicSignals.MaxNonce,
			Amount:    p.PublicSignals.Amount,
		})
	}

	auth, err := l.sign(senderRecipient, first.MinNonce, last.MaxNonce, total)
	if err != nil {
		return nil, err
	}
	log.Info(log.CatLedger, "bulk proofs settled",
		"recipient", senderRecipient, "batches", len(sorted),
		"minNonce", first.MinNonce, "maxNonce", last.MaxNonce, "amount", total)
	return &protocol.BulkAuthorization{
		Recipient: auth.Recipient,
		MinNonce:  auth.MinNonce,
		MaxNonce:  auth.MaxNonce,
		Amount:    auth.Amount,
		R8:        r8,
		Signature: auth.Signature,
		Batches:   len(sorted),
	}, nil
}

func (l *Ledger) verifyAll(proofs []protocol.ProofBundle) error {
	var g errgroup.Group
	g.SetLimit(runtime.GOMAXPROCS(0))
	for _, p := range proofs {
		p := p
		g.Go(func() error {
			raw, err := base64.StdEncoding.DecodeString(p.Proof)
			if err != nil {
				return protocol.NewError(protocol.KindProofInvalid, "proof is not base64")
			}
			auth := zkp.Authorization{
				Recipient: p.PublicSignals.Recipient,
				MinNonce:  p.PublicSignals.MinNonce,
				MaxNonce:  p.PublicSignals.MaxNonce,
				Amount:    p.PublicSignals.Amount,
			}
			if err := l.verifier.Verify(raw, auth); err != nil {
				return protocol.NewError(protocol.KindProofInvalid, err.Error())
			}
			return nil
		})
	}
	return g.Wait()
}

// ProcessPayoutRequest signs an authorization over the recipient's oldest
// unsettled records, up to one batch. It is an administrative flush and
// does not mark anything settled.
func (l *Ledger) ProcessPayoutRequest(recipient string) (*protocol.SignedAuthorization, error) {
	if !l.Enabled() {
		return nil, protocol.NewError(protocol.KindForbidden, "payments are disabled")
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	start := l.settled[recipient]
	next := l.next[recipient]
	if next <= start {
		return nil, protocol.NewError(protocol.KindNotFound, "no unsettled payments")
	}
	end := next - 1
	if span := end - start + 1; span > uint64(l.batchSize) {
		end = start + uint64(l.batchSize) - 1
	}

	records, err := recordsInRange(l.st, recipient, start, end)
	if err != nil {
		return nil, err
	}
	var total uint64
	for _, r := range records {
		total += r.Amount
	}
	return l.sign(recipient, start, end, total)
}

func (l *Ledger) sign(recipient string, min, max, total uint64) (*protocol.SignedAuthorization, error) {
	sig, err := l.signer.Sign(zkp.Authorization{
		Recipient: recipient,
		MinNonce:  min,
		MaxNonce:  max,
		Amount:    total,
	})
	if err != nil {
		return nil, fmt.Errorf("signing authorization: %w", err)
	}
	return &protocol.SignedAuthorization{
		Recipient: recipient,
		MinNonce:  min,
		MaxNonce:  max,
		Amount:    total,
		Signature: sig,
	}, nil
}

// Accrued returns how many records the recipient has, which is also the
// nonce the next accrual takes.
func (l *Ledger) Accrued(recipient string) uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.next[recipient]
}

// SettledCount returns how many of the recipient's records are settled,
// which is also the first unsettled nonce.
func (l *Ledger) SettledCount(recipient string) uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.settled[recipient]
}

// UnsettledSum returns the total amount and record count accrued past the
// settled records.
func (l *Ledger) UnsettledSum(recipient string) (uint64, int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	start := l.settled[recipient]
	next := l.next[recipient]
	if next <= start {
		return 0, 0, nil
	}
	records, err := recordsInRange(l.st, recipient, start, next-1)
	if err != nil {
		return 0, 0, err
	}
	var total uint64
	for _, r := range records {
		total += r.Amount
	}
	return total, len(records), nil
}

// Records returns every record for a recipient in nonce order.
func (l *Ledger) Records(recipient string) ([]Record, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	next := l.next[recipient]
	if next == 0 {
		return nil, nil
	}
	return recordsInRange(l.st, recipient, 0, next-1)
}
