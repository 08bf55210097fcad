package delivery

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfig_Validate_ConflictingDispatchMode(t *testing.T) {
	cfg := DefaultConfig()
	cfg.EventTypes = map[string]EventTypeConfig{
		"order.created": {Batch: true, Debounce: true},
	}
	assert.ErrorIs(t, cfg.Validate(), ErrConflictingDispatchMode)
}

func TestConfig_Validate_NormalizesZeroFields(t *testing.T) {
	cfg := Config{}
	require.NoError(t, cfg.Validate())

	def := DefaultConfig()
	assert.Equal(t, def.MaxWorkers, cfg.MaxWorkers)
	assert.Equal(t, def.QueueCapacity, cfg.QueueCapacity)
	assert.Equal(t, def.MaxAttempts, cfg.MaxAttempts)
}

func TestConfig_dispatchMode(t *testing.T) {
	cfg := DefaultConfig()
	cfg.EventTypes = map[string]EventTypeConfig{
		"order.created": {Batch: true},
		"order.updated": {Debounce: true},
	}
	assert.Equal(t, DispatchBatch, cfg.dispatchMode("order.created"))
	assert.Equal(t, DispatchDebounce, cfg.dispatchMode("order.updated"))
	assert.Equal(t, DispatchImmediate, cfg.dispatchMode("order.shipped"))
}

func TestConfig_nearCapacity(t *testing.T) {
	cfg := Config{QueueCapacity: 100}
	assert.False(t, cfg.nearCapacity(79), "79/100 should not be near capacity")
	assert.True(t, cfg.nearCapacity(80), "80/100 should be near capacity")
}
