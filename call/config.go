package call

import "time"

// Config defines engine timeouts and retry policy.
type Config struct {
	// RingTimeout bounds how long a session may ring before it is
	// finalized with the no-answer reason (default: 30s).
	RingTimeout time.Duration

	// ConnectTimeout bounds transport negotiation after accept; expiry
	// finalizes with the failed reason (default: 15s).
	ConnectTimeout time.Duration

	// RecoveryWindow bounds how long a disconnected transport may attempt
	// to reconnect before the call is finalized as network-lost
	// (default: 6s).
	RecoveryWindow time.Duration

	// BusyStaleness is how old a live-looking session may be before the
	// busy detector treats it as abandoned (default: 2h).
	BusyStaleness time.Duration

	// PollInterval is the signaling watcher's fallback poll period; zero
	// selects the watcher default.
	PollInterval time.Duration

	// StoreRetries and StoreRetryBackoff govern transient signaling write
	// failures (defaults: 3, 200ms).
	StoreRetries      int
	StoreRetryBackoff time.Duration
}

// DefaultConfig returns the production timeouts.
func DefaultConfig() *Config {
	return &Config{
		RingTimeout:       30 * time.Second,
		ConnectTimeout:    15 * time.Second,
		RecoveryWindow:    6 * time.Second,
		BusyStaleness:     2 * time.Hour,
		StoreRetries:      3,
		StoreRetryBackoff: 200 * time.Millisecond,
	}
}
