// Package logx is the ambient structured-logging facade used across the
// engine. It follows eventloop's pattern of a swappable package-level
// logger with a safe no-op default (see eventloop/logging.go in the pack),
// but backs the real implementation with github.com/joeycumines/logiface
// over github.com/rs/zerolog (as wired in logiface-zerolog), rather than a
// hand-rolled sink.
package logx

import (
	"os"
	"sync"
	"sync/atomic"

	"github.com/joeycumines/izerolog"
	"github.com/joeycumines/logiface"
	"github.com/rs/zerolog"
)

// Logger is the minimal leveled-logging surface the engine calls into.
// Key/value pairs are flattened alternating key,val,key,val...; an odd
// trailing element is dropped.
type Logger interface {
	Debug(msg string, kv ...any)
	Warn(msg string, kv ...any)
	Error(msg string, err error, kv ...any)
}

var current atomic.Pointer[Logger]

func init() {
	var l Logger = noop{}
	current.Store(&l)
}

// Set installs the package-level logger. Safe to call concurrently; takes
// effect for subsequent log calls only.
func Set(l Logger) {
	if l == nil {
		l = noop{}
	}
	current.Store(&l)
}

// Default returns the currently installed logger.
func Default() Logger {
	return *current.Load()
}

// NewZerolog builds a Logger backed by zerolog, writing to w (os.Stderr if
// nil). Grounded on logiface-zerolog's WithZerolog wiring.
func NewZerolog(w *os.File) Logger {
	if w == nil {
		w = os.Stderr
	}
	zl := zerolog.New(w).With().Timestamp().Logger()
	inner := logiface.New[*izerolog.Event](izerolog.L.WithZerolog(zl))
	return &zerologLogger{inner: inner}
}

type zerologLogger struct {
	mu    sync.Mutex
	inner *logiface.Logger[*izerolog.Event]
}

func (z *zerologLogger) build(b *logiface.Builder[*izerolog.Event], kv []any) {
	for i := 0; i+1 < len(kv); i += 2 {
		key, _ := kv[i].(string)
		if key == "" {
			continue
		}
		b.Any(key, kv[i+1])
	}
}

func (z *zerologLogger) Debug(msg string, kv ...any) {
	z.mu.Lock()
	defer z.mu.Unlock()
	b := z.inner.Debug()
	z.build(b, kv)
	b.Log(msg)
}

func (z *zerologLogger) Warn(msg string, kv ...any) {
	z.mu.Lock()
	defer z.mu.Unlock()
	b := z.inner.Warning()
	z.build(b, kv)
	b.Log(msg)
}

func (z *zerologLogger) Error(msg string, err error, kv ...any) {
	z.mu.Lock()
	defer z.mu.Unlock()
	b := z.inner.Err()
	if err != nil {
		b = b.Err(err)
	}
	z.build(b, kv)
	b.Log(msg)
}

type noop struct{}

func (noop) Debug(string, ...any)        {}
func (noop) Warn(string, ...any)         {}
func (noop) Error(string, error, ...any) {}
