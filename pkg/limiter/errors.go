package limiter

import (
	"errors"
	"fmt"
	"time"
)

// ThrottledError reports a denied consumption. It carries the limiter so
// callers can annotate responses with the limit that rejected them.
type ThrottledError struct {
	Limiter    *Limiter
	RetryAfter time.Duration
}

func (e *ThrottledError) Error() string {
	return fmt.Sprintf("limiter: %q throttled, retry after %s", e.Limiter.Key(), e.RetryAfter)
}

// IsThrottled reports whether err is (or wraps) a throttled rejection.
func IsThrottled(err error) bool {
	var te *ThrottledError
	return errors.As(err, &te)
}

// AsThrottled extracts the rejection details from err, if present.
func AsThrottled(err error) (*ThrottledError, bool) {
	var te *ThrottledError
	if errors.As(err, &te) {
		return te, true
	}
	return nil, false
}

// ConfigError reports an invalid limiter or rule configuration. It is
// raised eagerly at construction.
type ConfigError struct {
	Reason string
}

func (e *ConfigError) Error() string {
	return "limiter: invalid configuration: " + e.Reason
}
