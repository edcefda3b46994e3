// Package log provides structured logging for the Manager. Every message is
// tagged with a category so that one subsystem's chatter can be filtered in
// or out. The backend is zap; until Init is called all logging is a no-op,
// which keeps tests quiet.
package log

import (
	"fmt"
	"os"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Category groups related log messages.
type Category string

const (
	CatConfig    Category = "config"     // configuration loading/saving
	CatStore     Category = "store"      // persistence operations
	CatRegistry  Category = "registry"   // worker registry and queue
	CatEngine    Category = "engine"     // task transitions and dispatch
	CatLedger    Category = "ledger"     // payment accrual and proofs
	CatLoop      Category = "loop"       // control loop ticks
	CatRouter    Category = "router"     // message routing
	CatTransport Category = "transport"  // p2p transport
	CatAdmin     Category = "admin"      // http admin surface
	CatCode      Category = "accesscode" // access code import
)

var (
	mu     sync.RWMutex
	logger = zap.NewNop().Sugar()
)

// Init configures the global logger. level is one of "debug", "info",
// "warn", "error"; file, when non-empty, mirrors output into that file.
// The returned cleanup flushes buffered entries and must be called on
// shutdown.
func Init(level, file string) (func(), error) {
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encCfg.EncodeLevel = zapcore.CapitalLevelEncoder
	consoleEnc := zapcore.NewConsoleEncoder(encCfg)

	cores := []zapcore.Core{
		zapcore.NewCore(consoleEnc, zapcore.Lock(os.Stderr), lvl),
	}

	var f *os.File
	if file != "" {
		var err error
		f, err = os.OpenFile(file, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
		if err != nil {
			return nil, fmt.Errorf("opening log file: %w", err)
		}
		jsonEnc := zapcore.NewJSONEncoder(encCfg)
		cores = append(cores, zapcore.NewCore(jsonEnc, zapcore.Lock(f), lvl))
	}

	l := zap.New(zapcore.NewTee(cores...))

	mu.Lock()
	logger = l.Sugar()
	mu.Unlock()

	return func() {
		_ = l.Sync()
		if f != nil {
			_ = f.Close()
		}
		mu.Lock()
		logger = zap.NewNop().Sugar()
		mu.Unlock()
	}, nil
}

func get() *zap.SugaredLogger {
	mu.RLock()
	defer mu.RUnlock()
	return logger
}

func with(cat Category, keysAndValues []any) []any {
	return append([]any{"cat", string(cat)}, keysAndValues...)
}

// Debug logs a debug message with key-value fields.
func Debug(cat Category, msg string, keysAndValues ...any) {
	get().Debugw(msg, with(cat, keysAndValues)...)
}

// Info logs an info message with key-value fields.
func Info(cat Category, msg string, keysAndValues ...any) {
	get().Infow(msg, with(cat, keysAndValues)...)
}

// Warn logs a warning with key-value fields.
func Warn(cat Category, msg string, keysAndValues ...any) {
	get().Warnw(msg, with(cat, keysAndValues)...)
}

// Error logs an error message with key-value fields.
func Error(cat Category, msg string, keysAndValues ...any) {
	get().Errorw(msg, with(cat, keysAndValues)...)
}

// ErrorErr logs an error message with the error attached as a field.
func ErrorErr(cat Category, msg string, err error, keysAndValues ...any) {
	get().Errorw(msg, with(cat, append([]any{"error", err}, keysAndValues...))...)
}
