// Package store provides the Manager's durable key-value persistence. Every
// subsystem writes under its own key prefix; there are no cross-prefix
// transactions. Two implementations exist: a sqlite-backed store for the
// node and an in-memory store for tests.
package store

import (
	"errors"
	"fmt"
)

// ErrKeyNotFound is returned when a key has no value.
var ErrKeyNotFound = errors.New("key not found")

// Key prefixes. One subsystem per prefix.
const (
	PrefixTask       = "task/"
	PrefixWorker     = "worker/"
	PrefixPayment    = "payment/"
	PrefixTemplate   = "template/"
	PrefixAccessCode = "accesscode/"
)

// Entry is one key-value pair returned by List.
type Entry struct {
	Key   string
	Value []byte
}

// Store is the durable KV interface shared by all subsystems.
type Store interface {
	// Get returns the value for key, or ErrKeyNotFound.
	Get(key string) ([]byte, error)
	// Put creates or replaces the value for key.
	Put(key string, value []byte) error
	// Delete removes key. Deleting an absent key is not an error.
	Delete(key string) error
	// List returns all entries whose key starts with prefix, ordered by key.
	List(prefix string) ([]Entry, error)
	// Close releases the underlying resources.
	Close() error
}

// TaskKey builds the storage key for a task.
func TaskKey(taskID string) string {
	return PrefixTask + taskID
}

// WorkerKey builds the storage key for a worker record.
func WorkerKey(peerID string) string {
	return PrefixWorker + peerID
}

// PaymentKey builds the storage key for one payment record. Nonces are
// zero-padded so lexical key order matches numeric nonce order.
func PaymentKey(recipient string, nonce uint64) string {
	return fmt.Sprintf("%s%s/%020d", PrefixPayment, recipient, nonce)
}

// PaymentPrefix is the common prefix of one recipient's payment records.
func PaymentPrefix(recipient string) string {
	return PrefixPayment + recipient + "/"
}

// PaymentTaskKey indexes an accrual by task id so replayed accruals are
// deduplicated. "bytask" cannot collide with a recipient, which is always
// hex.
func PaymentTaskKey(taskID string) string {
	return PrefixPayment + "bytask/" + taskID
}

// PaymentTaskPrefix is the common prefix of all accrual-by-task markers.
const PaymentTaskPrefix = PrefixPayment + "bytask/"

// TemplateKey builds the storage key for a template.
func TemplateKey(templateID string) string {
	return PrefixTemplate + templateID
}

// AccessCodeKey builds the storage key for an access code.
func AccessCodeKey(code string) string {
	return PrefixAccessCode + code
}

// prefixUpperBound returns the smallest key greater than every key with the
// given prefix, for range scans. Empty string means unbounded.
func prefixUpperBound(prefix string) string {
	b := []byte(prefix)
	for i := len(b) - 1; i >= 0; i-- {
		if b[i] < 0xff {
			b[i]++
			return string(b[:i+1])
		}
	}
	return ""
}
