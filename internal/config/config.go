// Package config provides configuration types and defaults for the taskmesh
// Manager node.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Config holds all configuration options for the Manager.
type Config struct {
	// Port is the p2p transport listen port. Ignored when Listen is set.
	Port int `mapstructure:"port"`

	// AutoManage runs the dispatch step on every cycle tick. When false,
	// dispatch still runs when a task arrives or a worker becomes idle.
	AutoManage bool `mapstructure:"auto_manage"`

	// Listen is the set of bind multiaddrs. Empty means a WebSocket
	// listener on all interfaces at Port.
	Listen []string `mapstructure:"listen"`

	// Announce is the set of advertised multiaddrs. Empty means announce
	// the listen addresses.
	Announce []string `mapstructure:"announce"`

	// PaymentBatchSize caps how many records one proof request may span.
	PaymentBatchSize int `mapstructure:"payment_batch_size"`

	// RequireAccessCodes gates onboarding on a persisted code whitelist.
	RequireAccessCodes bool `mapstructure:"require_access_codes"`

	// PaymentAccount is the settlement address. Payments are disabled when
	// empty: accruals are dropped and proof requests refused.
	PaymentAccount string `mapstructure:"payment_account"`

	// WithAdmin mounts the HTTP admin surface.
	WithAdmin bool `mapstructure:"with_admin"`

	// AdminPort is the HTTP admin listen port. 0 asks the OS for a free
	// port.
	AdminPort int `mapstructure:"admin_port"`

	// PrivateKey is the node's hex-encoded secret seed. The first 32 bytes
	// derive both the transport identity and the payment signing key. When
	// empty an ephemeral key is generated and the peer identity will not
	// survive restarts.
	PrivateKey string `mapstructure:"private_key"`

	// VerificationKeyFile points at the Groth16 verifying key used to check
	// settlement proofs. Bulk proof requests are refused when unset.
	VerificationKeyFile string `mapstructure:"verification_key_file"`

	// AccessCodeFile is an optional newline-delimited code list that is
	// imported at startup and watched for additions.
	AccessCodeFile string `mapstructure:"access_code_file"`

	// DataDir holds the durable store. Created on first run.
	DataDir string `mapstructure:"data_dir"`

	// TaskAcceptanceTime bounds how long a task may stay Offered.
	TaskAcceptanceTime time.Duration `mapstructure:"task_acceptance_time"`

	// TickInterval is the control-loop cadence.
	TickInterval time.Duration `mapstructure:"tick_interval"`

	// DrainTimeout bounds the graceful stop: accepted tasks past this
	// deadline are expired.
	DrainTimeout time.Duration `mapstructure:"drain_timeout"`

	// BlacklistCycles is how many ticks a rejecting worker is excluded
	// from re-offers of the same task.
	BlacklistCycles int `mapstructure:"blacklist_cycles"`

	// MaxProofFailures disconnects a peer after this many invalid proofs
	// in one session.
	MaxProofFailures int `mapstructure:"max_proof_failures"`

	// LogLevel is one of "debug", "info", "warn", "error".
	LogLevel string `mapstructure:"log_level"`

	// LogFile mirrors logs into a file when set.
	LogFile string `mapstructure:"log_file"`

	Tracing TracingConfig `mapstructure:"tracing"`
}

// TracingConfig configures the OpenTelemetry provider.
type TracingConfig struct {
	// Enabled controls whether tracing is active.
	Enabled bool `mapstructure:"enabled"`

	// Exporter selects the export backend: "none", "file", "stdout", "otlp".
	Exporter string `mapstructure:"exporter"`

	// FilePath is the output file for the "file" exporter.
	FilePath string `mapstructure:"file_path"`

	// OTLPEndpoint is the collector endpoint for the "otlp" exporter.
	OTLPEndpoint string `mapstructure:"otlp_endpoint"`

	// SampleRate is the fraction of traces to sample. 1.0 samples all.
	SampleRate float64 `mapstructure:"sample_rate"`
}

// Defaults returns the stock configuration.
func Defaults() Config {
	return Config{
		Port:               19955,
		AutoManage:         true,
		Listen:             nil,
		Announce:           nil,
		PaymentBatchSize:   100,
		RequireAccessCodes: true,
		PaymentAccount:     "",
		WithAdmin:          true,
		AdminPort:          8889,
		DataDir:            ".taskmesh",
		TaskAcceptanceTime: 30 * time.Second,
		TickInterval:       time.Second,
		DrainTimeout:       30 * time.Second,
		BlacklistCycles:    5,
		MaxProofFailures:   5,
		LogLevel:           "info",
		Tracing: TracingConfig{
			Enabled:      false,
			Exporter:     "file",
			OTLPEndpoint: "localhost:4317",
			SampleRate:   1.0,
		},
	}
}

// ListenAddrs resolves the effective bind multiaddrs.
func (c Config) ListenAddrs() []string {
	if len(c.Listen) > 0 {
		return c.Listen
	}
	return []string{fmt.Sprintf("/ip4/0.0.0.0/tcp/%d/ws", c.Port)}
}

// PaymentsEnabled reports whether the ledger should accrue and sign.
func (c Config) PaymentsEnabled() bool {
	return c.PaymentAccount != ""
}

// StorePath is the sqlite database location under DataDir.
func (c Config) StorePath() string {
	return filepath.Join(c.DataDir, "manager.db")
}

// Validate rejects configurations the node cannot run with.
func (c Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("port %d out of range", c.Port)
	}
	if c.WithAdmin && (c.AdminPort < 0 || c.AdminPort > 65535) {
		return fmt.Errorf("admin_port %d out of range", c.AdminPort)
	}
	if c.PaymentBatchSize <= 0 {
		return fmt.Errorf("payment_batch_size must be positive, got %d", c.PaymentBatchSize)
	}
	if c.TaskAcceptanceTime <= 0 {
		return fmt.Errorf("task_acceptance_time must be positive")
	}
	if c.TickInterval <= 0 {
		return fmt.Errorf("tick_interval must be positive")
	}
	if c.BlacklistCycles < 0 {
		return fmt.Errorf("blacklist_cycles must not be negative")
	}
	return nil
}

// DefaultConfigTemplate returns the default config as a YAML string with
// comments.
func DefaultConfigTemplate() string {
	return `# taskmesh Manager configuration

# p2p transport listen port (used when "listen" is not set)
port: 19955

# Run the dispatch step on every cycle tick
auto_manage: true

# Bind multiaddrs. Default: a WebSocket listener on all interfaces at "port".
# listen:
#   - /ip4/0.0.0.0/tcp/19955/ws

# Advertised multiaddrs. Default: the listen addresses.
# announce:
#   - /dns4/manager.example.org/tcp/19955/ws

# Maximum payment records per proof batch
payment_batch_size: 100

# Gate worker onboarding on single-use access codes
require_access_codes: true

# Settlement address (hex). Payments are disabled while unset.
# payment_account: ""

# Optional newline-delimited access code file, watched for additions
# access_code_file: ""

# HTTP admin surface
with_admin: true
admin_port: 8889

# Node secret seed (hex). Generate one with: taskmesh keygen
# private_key: ""

# Groth16 verifying key for settlement proofs
# verification_key_file: ""

# Durable store location
data_dir: .taskmesh

# Task/offer timing
task_acceptance_time: 30s
tick_interval: 1s
drain_timeout: 30s

# Worker policy
blacklist_cycles: 5
max_proof_failures: 5

# Logging: debug, info, warn, error
log_level: info
# log_file: manager.log

# Tracing (OpenTelemetry)
tracing:
  enabled: false
  exporter: file        # none, file, stdout, otlp
  # file_path: traces.jsonl
  otlp_endpoint: localhost:4317
  sample_rate: 1.0
`
}

// WriteDefaultConfig creates a config file at the given path with default
// settings and comments. Creates the parent directory if it doesn't exist.
func WriteDefaultConfig(configPath string) error {
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.WriteFile(configPath, []byte(DefaultConfigTemplate()), 0o600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	return nil
}
