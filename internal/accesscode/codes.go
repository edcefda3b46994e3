// Package accesscode manages the onboarding whitelist: minting single-use
// codes, importing operator-provided code files, and redeeming codes during
// worker onboarding.
package accesscode

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/taskmesh/taskmesh/internal/protocol"
	"github.com/taskmesh/taskmesh/internal/store"
)

// Record is one access code and its consumption state.
type Record struct {
	Code       string     `json:"code"`
	CreatedAt  time.Time  `json:"createdAt"`
	ConsumedAt *time.Time `json:"consumedAt,omitempty"`
	ConsumedBy string     `json:"consumedBy,omitempty"`
}

// Consumed reports whether the code was already redeemed.
func (r Record) Consumed() bool {
	return r.ConsumedAt != nil
}

// Mint creates n fresh codes and persists them unconsumed.
func Mint(st store.Store, n int) ([]string, error) {
	codes := make([]string, 0, n)
	for i := 0; i < n; i++ {
		rec := Record{Code: uuid.NewString(), CreatedAt: time.Now()}
		raw, err := json.Marshal(rec)
		if err != nil {
			return nil, fmt.Errorf("encoding access code: %w", err)
		}
		if err := st.Put(store.AccessCodeKey(rec.Code), raw); err != nil {
			return nil, fmt.Errorf("persisting access code: %w", err)
		}
		codes = append(codes, rec.Code)
	}
	return codes, nil
}

// Import persists operator-supplied codes, skipping duplicates. It returns
// the number of codes actually added.
func Import(st store.Store, codes []string) (int, error) {
	added := 0
	for _, code := range codes {
		code = strings.TrimSpace(code)
		if code == "" {
			continue
		}
		key := store.AccessCodeKey(code)
		_, err := st.Get(key)
		if err == nil {
			// Known code keeps its consumption state.
			continue
		}
		if !errors.Is(err, store.ErrKeyNotFound) {
			return added, fmt.Errorf("checking access code: %w", err)
		}
		rec := Record{Code: code, CreatedAt: time.Now()}
		raw, err := json.Marshal(rec)
		if err != nil {
			return added, fmt.Errorf("encoding access code: %w", err)
		}
		if err := st.Put(key, raw); err != nil {
			return added, fmt.Errorf("persisting access code: %w", err)
		}
		added++
	}
	return added, nil
}

// ImportFile imports one code per line. Blank lines and lines starting
// with '#' are skipped.
func ImportFile(st store.Store, path string) (int, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("reading access code file: %w", err)
	}
	var codes []string
	for _, line := range strings.Split(string(raw), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		codes = append(codes, line)
	}
	return Import(st, codes)
}

// Redeem consumes a code on behalf of peerID. Unknown and already-consumed
// codes both fail closed.
func Redeem(st store.Store, code, peerID string) error {
	raw, err := st.Get(store.AccessCodeKey(code))
	if errors.Is(err, store.ErrKeyNotFound) {
		return protocol.NewError(protocol.KindForbidden, "unknown access code")
	}
	if err != nil {
		return fmt.Errorf("loading access code: %w", err)
	}
	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return fmt.Errorf("decoding access code: %w", err)
	}
	if rec.Consumed() {
		return protocol.NewError(protocol.KindForbidden, "access code already consumed")
	}
	now := time.Now()
	rec.ConsumedAt = &now
	rec.ConsumedBy = peerID
	updated, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encoding access code: %w", err)
	}
	if err := st.Put(store.AccessCodeKey(code), updated); err != nil {
		return fmt.Errorf("consuming access code: %w", err)
	}
	return nil
}

// List returns every known code record, ordered by code.
func List(st store.Store) ([]Record, error) {
	entries, err := st.List(store.PrefixAccessCode)
	if err != nil {
		return nil, fmt.Errorf("listing access codes: %w", err)
	}
	records := make([]Record, 0, len(entries))
	for _, e := range entries {
		var rec Record
		if err := json.Unmarshal(e.Value, &rec); err != nil {
			return nil, fmt.Errorf("decoding access code %s: %w", e.Key, err)
		}
		records = append(records, rec)
	}
	return records, nil
}
