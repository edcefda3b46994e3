// Package ledger accrues payments owed to workers and settles them through
// signed authorizations. Nonces count up from 0 per recipient with no gaps;
// settlement advances a per-recipient settled count that bulk proof batches
// must continue from.
package ledger

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/taskmesh/taskmesh/internal/store"
)

// Record is one accrued payment. SettledAt is set once the record has been
// covered by a verified bulk proof.
type Record struct {
	Nonce     uint64     `json:"nonce"`
	Recipient string     `json:"recipient"`
	Amount    uint64     `json:"amount"`
	TaskID    string     `json:"taskId,omitempty"`
	CreatedAt time.Time  `json:"createdAt"`
	SettledAt *time.Time `json:"settledAt,omitempty"`
}

// Settled reports whether the record has been settled.
func (r *Record) Settled() bool {
	return r.SettledAt != nil
}

func (r *Record) persist(st store.Store) error {
	raw, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("encoding payment %s/%d: %w", r.Recipient, r.Nonce, err)
	}
	if err := st.Put(store.PaymentKey(r.Recipient, r.Nonce), raw); err != nil {
		return fmt.Errorf("persisting payment %s/%d: %w", r.Recipient, r.Nonce, err)
	}
	return nil
}

// persistMarker writes the accrual-by-task marker. The marker carries the
// full record so a crash between marker and record writes is recoverable.
func (r *Record) persistMarker(st store.Store) error {
	raw, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("encoding accrual marker %s: %w", r.TaskID, err)
	}
	if err := st.Put(store.PaymentTaskKey(r.TaskID), raw); err != nil {
		return fmt.Errorf("persisting accrual marker %s: %w", r.TaskID, err)
	}
	return nil
}

// ledgerState is what a startup scan recovers: per-recipient next nonces,
// settled counts, and any markers whose record write was lost. Nonces start
// at 0, so both maps hold counts: next[r] is the nonce the next accrual
// takes, settled[r] the first unsettled nonce.
type ledgerState struct {
	next    map[string]uint64
	settled map[string]uint64
}

func loadState(st store.Store) (*ledgerState, error) {
	entries, err := st.List(store.PrefixPayment)
	if err != nil {
		return nil, fmt.Errorf("listing payments: %w", err)
	}

	state := &ledgerState{
		next:    make(map[string]uint64),
		settled: make(map[string]uint64),
	}
	var markers []Record

	for _, e := range entries {
		var r Record
		if err := json.Unmarshal(e.Value, &r); err != nil {
			return nil, fmt.Errorf("decoding payment %s: %w", e.Key, err)
		}
		if strings.HasPrefix(e.Key, store.PaymentTaskPrefix) {
			markers = append(markers, r)
		}
		if r.Nonce+1 > state.next[r.Recipient] {
			state.next[r.Recipient] = r.Nonce + 1
		}
		if r.Settled() && r.Nonce+1 > state.settled[r.Recipient] {
			state.settled[r.Recipient] = r.Nonce + 1
		}
	}

	// Recreate records lost to a crash between marker and record writes.
	for i := range markers {
		m := markers[i]
		_, err := st.Get(store.PaymentKey(m.Recipient, m.Nonce))
		if err == nil {
			continue
		}
		if !errors.Is(err, store.ErrKeyNotFound) {
			return nil, fmt.Errorf("checking payment %s/%d: %w", m.Recipient, m.Nonce, err)
		}
		if err := m.persist(st); err != nil {
			return nil, err
		}
	}

	return state, nil
}

// recordsInRange returns a recipient's records with nonce in [min, max],
// ordered by nonce.
func recordsInRange(st store.Store, recipient string, min, max uint64) ([]Record, error) {
	entries, err := st.List(store.PaymentPrefix(recipient))
	if err != nil {
		return nil, fmt.Errorf("listing payments for %s: %w", recipient, err)
	}
	var out []Record
	for _, e := range entries {
		var r Record
		if err := json.Unmarshal(e.Value, &r); err != nil {
			return nil, fmt.Errorf("decoding payment %s: %w", e.Key, err)
		}
		if r.Nonce < min || r.Nonce > max {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}
