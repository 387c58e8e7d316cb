// Package instrument defines the event sink the limiter and middleware
// publish structured events through. The default sink discards events, so
// instrumentation costs nothing unless a real sink is injected.
package instrument

import "go.uber.org/zap"

// Event names emitted by the limiter façade.
const (
	EventRateLimitChecked   = "rate_limit.checked"
	EventRateLimitAllowed   = "rate_limit.allowed"
	EventRateLimitThrottled = "rate_limit.throttled"
)

// Event names emitted by the middleware pipeline.
const (
	EventRequestSafelisted  = "request.safelisted"
	EventRequestBlocklisted = "request.blocklisted"
	EventRequestBanned      = "request.banned"
	EventRequestThrottled   = "request.throttled"
	EventRequestTracked     = "request.tracked"
)

// Instrumenter receives structured events. Implementations must be safe
// for concurrent use and must not block the caller for long; event order
// across goroutines is unspecified.
type Instrumenter interface {
	Instrument(name string, payload map[string]any)
}

// Null discards every event. It is the default sink.
type Null struct{}

func (Null) Instrument(string, map[string]any) {}

// ZapSink logs every event at debug level with the payload as fields.
type ZapSink struct {
	Logger *zap.Logger
}

func NewZapSink(l *zap.Logger) *ZapSink {
	return &ZapSink{Logger: l}
}

func (s *ZapSink) Instrument(name string, payload map[string]any) {
	if s.Logger == nil {
		return
	}
	fields := make([]zap.Field, 0, len(payload))
	for k, v := range payload {
		fields = append(fields, zap.Any(k, v))
	}
	s.Logger.Debug(name, fields...)
}

// Func adapts a plain function to the Instrumenter interface.
type Func func(name string, payload map[string]any)

func (f Func) Instrument(name string, payload map[string]any) { f(name, payload) }
