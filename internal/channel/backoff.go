package channel

import (
	"context"
	"time"

	. "github.com/arcuslabs/arcusgw/internal/logging"
)

// Reconnect policy defaults
const (
	DefaultBackoffBase = 1 * time.Second
	DefaultBackoffCap  = 30 * time.Second
)

// Backoff computes exponential reconnect delays: base, base*2, base*4,
// capped. Reset returns it to the base delay after a successful
// reconnect. Not safe for concurrent use; each adapter owns one.
type Backoff struct {
	Base time.Duration
	Cap  time.Duration

	attempt int
}

// NewBackoff returns a Backoff with the default policy
func NewBackoff() *Backoff {
	return &Backoff{Base: DefaultBackoffBase, Cap: DefaultBackoffCap}
}

// Next returns the delay before the next attempt and advances the counter
func (b *Backoff) Next() time.Duration {
	base := b.Base
	if base <= 0 {
		base = DefaultBackoffBase
	}
	cap := b.Cap
	if cap <= 0 {
		cap = DefaultBackoffCap
	}

	d := base << b.attempt
	if d > cap || d <= 0 { // <= 0 guards shift overflow
		d = cap
	} else {
		b.attempt++
	}
	return d
}

// Reset restores the initial delay
func (b *Backoff) Reset() {
	b.attempt = 0
}

// Attempts returns how many delays have been handed out since the last reset
func (b *Backoff) Attempts() int {
	return b.attempt
}

// Reconnector runs a connect function in a loop with exponential
// backoff. After each successful connect it waits for the connection to
// drop (the wait function returns), resets the backoff, and reconnects.
type Reconnector struct {
	Name    string
	Backoff *Backoff

	// Connect establishes the transport. Wait blocks until the
	// connection is lost, returning the cause.
	Connect func(ctx context.Context) error
	Wait    func(ctx context.Context) error
}

// Run loops until ctx is cancelled or shutdown begins
func (r *Reconnector) Run(ctx context.Context) {
	if r.Backoff == nil {
		r.Backoff = NewBackoff()
	}

	for {
		if ctx.Err() != nil || IsShuttingDown() {
			return
		}

		if err := r.Connect(ctx); err != nil {
			delay := r.Backoff.Next()
			L_warn("channel: connect failed, backing off",
				"channel", r.Name,
				"attempt", r.Backoff.Attempts(),
				"delay", delay,
				"error", err)
			select {
			case <-time.After(delay):
				continue
			case <-ctx.Done():
				return
			}
		}

		// Connected: backoff resets so the next disconnect starts at base
		r.Backoff.Reset()
		L_info("channel: connected", "channel", r.Name)

		err := r.Wait(ctx)
		if ctx.Err() != nil || IsShuttingDown() {
			return
		}
		L_warn("channel: connection lost, reconnecting", "channel", r.Name, "error", err)
	}
}
