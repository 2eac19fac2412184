// Package log provides structured logging for symcore using zap, with
// field helpers for the things this library logs most: addresses,
// candidate files, and skipped records.
package log

import (
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger wraps zap.Logger with symcore-specific helpers.
type Logger struct {
	*zap.Logger
}

var (
	// L is the global logger instance.
	L    *Logger
	once sync.Once
)

// Init initializes the global logger with the given configuration.
// Safe to call multiple times; only the first call takes effect.
func Init(debug bool) {
	once.Do(func() {
		L = New(debug)
	})
}

// New creates a new Logger instance.
func New(debug bool) *Logger {
	var cfg zap.Config
	if debug {
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		cfg = zap.NewProductionConfig()
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	}

	// Shorter timestamps in development
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := cfg.Build(zap.AddCallerSkip(1))
	if err != nil {
		// Fallback to no-op if config fails
		logger = zap.NewNop()
	}

	return &Logger{Logger: logger}
}

// NewNop creates a no-op logger for testing.
func NewNop() *Logger {
	return &Logger{Logger: zap.NewNop()}
}

func init() {
	// A usable logger always exists even if Init is never called; a
	// library caller shouldn't have to configure logging just to get a
	// lookup result.
	L = NewNop()
}

// WithLibrary returns a logger with the library's identity preset.
func (l *Logger) WithLibrary(name, debugID string) *Logger {
	return &Logger{Logger: l.Logger.With(zap.String("lib", name), zap.String("debug_id", debugID))}
}

// CandidateTried logs an attempt to open a candidate file location.
func (l *Logger) CandidateTried(path string, err error) {
	if err == nil {
		l.Debug("candidate opened", zap.String("path", path))
		return
	}
	l.Debug("candidate rejected", zap.String("path", path), zap.Error(err))
}

// IdentityMismatch logs a debug-id mismatch between the requested and the
// opened file.
func (l *Logger) IdentityMismatch(path, want, got string) {
	l.Warn("debug id mismatch",
		zap.String("path", path),
		zap.String("want", want),
		zap.String("got", got),
	)
}

// RecordSkipped logs a single malformed record being skipped without
// failing the whole map.
func (l *Logger) RecordSkipped(kind string, offset int64, err error) {
	l.Debug("record skipped", zap.String("kind", kind), zap.Int64("offset", offset), zap.Error(err))
}

// Lookup logs a completed address lookup at debug level.
func (l *Logger) Lookup(addr string, found bool) {
	l.Debug("lookup", zap.String("addr", addr), zap.Bool("found", found))
}

// Hex formats a uint64 as a 0x-prefixed hex string for logging.
func Hex(v uint64) string {
	return "0x" + hexString(v)
}

func hexString(v uint64) string {
	const digits = "0123456789abcdef"
	if v == 0 {
		return "0"
	}
	buf := make([]byte, 16)
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = digits[v&0xf]
		v >>= 4
	}
	return string(buf[i:])
}

// Addr creates an address field.
func Addr(name string, addr uint64) zap.Field {
	return zap.String(name, Hex(addr))
}

// Size creates a size field.
func Size(size uint64) zap.Field {
	return zap.Uint64("size", size)
}

// Fn creates a function name field.
func Fn(name string) zap.Field {
	return zap.String("fn", name)
}
