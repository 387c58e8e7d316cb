// Package middleware composes safelists, blocklists, throttles, trackers
// and ban rules into a single admission decision per request.
//
// Evaluation order is fixed: safelists first, then blocklists and
// fail2bans (403), then allow2bans (side effects only), then throttles
// (429), then trackers. The first decisive verdict short-circuits the
// pipeline and renders its canned response; everything else delegates to
// the wrapped handler.
package middleware

import (
	"fmt"
	"net/http"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/gatehouse/gatehouse/internal/log"
	"github.com/gatehouse/gatehouse/pkg/instrument"
)

// Handler is the request-filtering middleware. Wrap the application
// handler once and share the Config for rule changes at runtime.
type Handler struct {
	next   http.Handler
	cfg    *Config
	logger *zap.Logger
}

// New wraps next with the filtering pipeline configured by cfg.
func New(next http.Handler, cfg *Config) *Handler {
	return &Handler{next: next, cfg: cfg, logger: log.Logger()}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	// Re-entry guard: a request that already passed through (nested
	// routers, internal redispatch) is delegated unchanged.
	if entered(ctx) {
		h.next.ServeHTTP(w, r)
		return
	}
	ann := &Annotation{TraceID: uuid.NewString()}
	ctx = markEntered(withAnnotation(ctx, ann))
	r = r.WithContext(ctx)

	snap := h.cfg.snap.load()
	if !snap.enabled {
		h.next.ServeHTTP(w, r)
		return
	}

	for _, rule := range snap.safelists {
		if rule.matches(r, ann) {
			h.cfg.sink.Instrument(instrument.EventRequestSafelisted, map[string]any{
				"rule": rule.name, "trace_id": ann.TraceID,
			})
			h.next.ServeHTTP(w, r)
			return
		}
	}

	for _, rule := range snap.blocklists {
		if rule.matches(r, ann) {
			h.cfg.sink.Instrument(instrument.EventRequestBlocklisted, map[string]any{
				"rule": rule.name, "trace_id": ann.TraceID,
			})
			snap.blocklistedResponder(w, r)
			return
		}
	}
	for _, rule := range snap.fail2bans {
		if rule.matches(r, ann) {
			snap.blocklistedResponder(w, r)
			return
		}
	}

	for _, rule := range snap.allow2bans {
		if err := rule.observe(r); err != nil {
			h.fail(w, r, err)
			return
		}
	}

	for _, rule := range snap.throttles {
		matched, err := rule.matches(r, ann)
		if err != nil {
			h.fail(w, r, err)
			return
		}
		if matched {
			h.cfg.sink.Instrument(instrument.EventRequestThrottled, map[string]any{
				"rule": rule.name, "trace_id": ann.TraceID,
			})
			snap.throttledResponder(w, r)
			return
		}
	}

	for _, rule := range snap.tracks {
		if err := rule.matches(r, ann); err != nil {
			h.fail(w, r, err)
			return
		}
	}

	h.next.ServeHTTP(w, r)
}

// fail renders the storage-failure response. The pipeline fails closed:
// a backend error rejects the request rather than admitting it.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	h.logger.Error("request filtering failed",
		zap.String("path", r.URL.Path), zap.Error(err))
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusInternalServerError)
	fmt.Fprintln(w, "request filtering unavailable")
}
