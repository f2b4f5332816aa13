package gateway

import "errors"

var (
	// ErrRecallTimeout means the knowledge store didn't answer within
	// its deadline. Recall failures degrade the reply, they never drop
	// the message.
	ErrRecallTimeout = errors.New("memory recall timed out")

	// ErrGenerateTimeout means the reply generator didn't answer within
	// its deadline
	ErrGenerateTimeout = errors.New("reply generation timed out")

	// ErrNoAdapter means a reply targeted a channel with no registered
	// adapter
	ErrNoAdapter = errors.New("no adapter for channel")

	// ErrNoGenerator means the dispatcher has no reply backend wired
	ErrNoGenerator = errors.New("no reply generator configured")

	// ErrShuttingDown rejects new inbound work during shutdown
	ErrShuttingDown = errors.New("gateway shutting down")
)
