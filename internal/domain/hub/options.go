package hub

import "time"

// Option is a functional configuration knob for the Hub.
type Option func(*Hub)

// WithMailboxSize sets the per-user actor mailbox capacity.
func WithMailboxSize(size int) Option {
	return func(h *Hub) {
		h.config.mailboxSize = size
	}
}

// WithSendTimeout bounds how long the fan-out loop blocks on one slow
// session queue.
func WithSendTimeout(d time.Duration) Option {
	return func(h *Hub) {
		h.config.sendTimeout = d
	}
}

// WithIdleTimeout defines the quiet period after which a session-less cell
// becomes eligible for eviction.
func WithIdleTimeout(d time.Duration) Option {
	return func(h *Hub) {
		h.config.idleTimeout = d
	}
}

// WithEvictionInterval configures how often the janitor runs.
func WithEvictionInterval(d time.Duration) Option {
	return func(h *Hub) {
		h.config.evictionInterval = d
	}
}
