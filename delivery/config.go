package delivery

import "time"

// DispatchMode selects how events of a given type are grouped before
// dispatch.
type DispatchMode int

const (
	// DispatchImmediate delivers each event as its own task (the default).
	DispatchImmediate DispatchMode = iota
	// DispatchBatch buffers events per webhook, flushing on BatchSize or
	// BatchWindow.
	DispatchBatch
	// DispatchDebounce collapses a burst of events sharing a debounce key
	// into a single delivery of the latest one.
	DispatchDebounce
)

// EventTypeConfig configures batching/debouncing for one event type. Both
// Batch and Debounce set is rejected by Config.Validate.
type EventTypeConfig struct {
	Batch    bool
	Debounce bool
}

func (c EventTypeConfig) mode() DispatchMode {
	switch {
	case c.Batch:
		return DispatchBatch
	case c.Debounce:
		return DispatchDebounce
	default:
		return DispatchImmediate
	}
}

// Config configures an Engine.
type Config struct {
	MaxWorkers     int
	QueueCapacity  int
	MaxAttempts    int
	BaseDelay      time.Duration
	MaxDelay       time.Duration
	AttemptTimeout time.Duration

	BatchSize   int
	BatchWindow time.Duration

	DebounceWindow time.Duration

	// EventTypes maps an event type to its dispatch mode. Types absent
	// from this map use DispatchImmediate.
	EventTypes map[string]EventTypeConfig

	DLQEnabled bool

	PersistQueue bool
	QueueFile    string

	// AttemptsPerSecond and AttemptBurst bound the outbound HTTP client's
	// request rate across all destinations via one engine-wide
	// security.AttemptPacer, independent of per-webhook retry/backoff pacing.
	AttemptsPerSecond float64
	AttemptBurst      int
}

// DefaultConfig returns sane defaults mirroring the teacher's
// DefaultRetryConfig shape, adapted to the delivery engine's own fields.
func DefaultConfig() Config {
	return Config{
		MaxWorkers:     4,
		QueueCapacity:  1000,
		MaxAttempts:    5,
		BaseDelay:      time.Second,
		MaxDelay:       5 * time.Minute,
		AttemptTimeout: 10 * time.Second,
		BatchSize:      50,
		BatchWindow:    5 * time.Second,
		DebounceWindow: 2 * time.Second,
		DLQEnabled:     true,

		AttemptsPerSecond: 50,
		AttemptBurst:      10,
	}
}

// Validate rejects a configuration that enables both batching and
// debouncing for the same event type, and normalizes missing fields to
// their defaults.
func (c *Config) Validate() error {
	for eventType, cfg := range c.EventTypes {
		if cfg.Batch && cfg.Debounce {
			return ErrConflictingDispatchMode
		}
		_ = eventType
	}
	if c.MaxWorkers <= 0 {
		c.MaxWorkers = DefaultConfig().MaxWorkers
	}
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = DefaultConfig().QueueCapacity
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultConfig().MaxAttempts
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = DefaultConfig().BaseDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = DefaultConfig().MaxDelay
	}
	if c.AttemptTimeout <= 0 {
		c.AttemptTimeout = DefaultConfig().AttemptTimeout
	}
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultConfig().BatchSize
	}
	if c.BatchWindow <= 0 {
		c.BatchWindow = DefaultConfig().BatchWindow
	}
	if c.DebounceWindow <= 0 {
		c.DebounceWindow = DefaultConfig().DebounceWindow
	}
	if c.AttemptsPerSecond <= 0 {
		c.AttemptsPerSecond = DefaultConfig().AttemptsPerSecond
	}
	if c.AttemptBurst <= 0 {
		c.AttemptBurst = DefaultConfig().AttemptBurst
	}
	return nil
}

func (c *Config) dispatchMode(eventType string) DispatchMode {
	if c.EventTypes == nil {
		return DispatchImmediate
	}
	return c.EventTypes[eventType].mode()
}

// nearCapacity reports whether a queue of the given length is at or above
// 80% of cfg.QueueCapacity, the threshold at which batches stop opening and
// debounced events collapse into already-pending ones.
func (c *Config) nearCapacity(queueLen int) bool {
	return float64(queueLen) >= 0.8*float64(c.QueueCapacity)
}
