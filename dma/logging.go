package dma

import (
	"fmt"
	"log/slog"
)

// SlogLogger adapts a *slog.Logger to the Logger interface, mirroring the
// teacher's cmd/hiveexplorer/logger package: a thin passthrough over a
// structured logger rather than a bespoke logging implementation. Unlike
// that package's global L, this one is an explicit value threaded through
// Config.Logger, since a Pool has no natural "main()" to initialize a
// package-level global from.
type SlogLogger struct {
	L *slog.Logger
}

// NewSlogLogger wraps l. A nil l falls back to slog.Default().
func NewSlogLogger(l *slog.Logger) SlogLogger {
	if l == nil {
		l = slog.Default()
	}
	return SlogLogger{L: l}
}

func (s SlogLogger) Debugf(format string, args ...any) {
	s.L.Debug(fmt.Sprintf(format, args...))
}

func (s SlogLogger) Errorf(format string, args ...any) {
	s.L.Error(fmt.Sprintf(format, args...))
}
