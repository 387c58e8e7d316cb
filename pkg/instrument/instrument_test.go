package instrument

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestNull_Discards(t *testing.T) {
	// Must be safe with any payload, including nil.
	Null{}.Instrument(EventRateLimitChecked, nil)
}

func TestFunc_Adapts(t *testing.T) {
	var gotName string
	var gotPayload map[string]any
	sink := Func(func(name string, payload map[string]any) {
		gotName = name
		gotPayload = payload
	})

	sink.Instrument(EventRateLimitAllowed, map[string]any{"key": "k"})

	assert.Equal(t, EventRateLimitAllowed, gotName)
	assert.Equal(t, "k", gotPayload["key"])
}

func TestZapSink_LogsEvents(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	sink := NewZapSink(zap.New(core))

	sink.Instrument(EventRateLimitThrottled, map[string]any{
		"key":         "req/ip:1.2.3.4",
		"retry_after": 1.5,
	})

	entries := logs.All()
	require.Len(t, entries, 1)
	assert.Equal(t, EventRateLimitThrottled, entries[0].Message)

	fields := entries[0].ContextMap()
	assert.Equal(t, "req/ip:1.2.3.4", fields["key"])
	assert.Equal(t, 1.5, fields["retry_after"])
}

func TestZapSink_NilLogger(t *testing.T) {
	sink := &ZapSink{}
	sink.Instrument(EventRateLimitChecked, map[string]any{"key": "k"})
}
