// Package log bootstraps the process-wide zap logger used across the
// library. Callers that embed gatehouse into a larger application can
// swap the logger with ReplaceLogger before wiring any middleware.
package log

import (
	"sync"

	"go.uber.org/zap"
)

var (
	mu     sync.RWMutex
	logger = zap.NewNop()
	once   sync.Once
)

// Logger returns the current process logger. The first call initializes
// a production logger; if that fails (e.g. in restricted environments)
// the nop logger is kept.
func Logger() *zap.Logger {
	once.Do(func() {
		if l, err := zap.NewProduction(); err == nil {
			mu.Lock()
			logger = l
			mu.Unlock()
		}
	})
	mu.RLock()
	defer mu.RUnlock()
	return logger
}

// ReplaceLogger swaps the process logger and returns the previous one.
func ReplaceLogger(l *zap.Logger) *zap.Logger {
	once.Do(func() {})
	mu.Lock()
	defer mu.Unlock()
	prev := logger
	if l != nil {
		logger = l
	}
	return prev
}
