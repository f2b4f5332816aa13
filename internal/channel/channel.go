// Package channel defines the adapter boundary between external
// messaging surfaces and the gateway core.
//
// Adapters are pure transport: they normalize wire events into
// types.NormalizedMessage, deliver outbound messages, and own their
// connection lifecycle. They hold no business state.
package channel

import (
	"context"
	"errors"

	"github.com/arcuslabs/arcusgw/internal/types"
)

// ErrChannelUnavailable is returned by Send when the transport is down.
// Sends fail fast rather than queueing behind a dead connection; the
// adapter's own reconnect loop handles recovery.
var ErrChannelUnavailable = errors.New("channel unavailable")

// Handler receives normalized inbound messages. An adapter never
// invokes the handler concurrently for messages from the same chat;
// different chats may be delivered concurrently.
type Handler func(ctx context.Context, msg *types.NormalizedMessage)

// Adapter is the contract every messaging surface implements
type Adapter interface {
	// Name returns the channel tag (e.g. "telegram", "ws")
	Name() string

	// Connect establishes the transport connection
	Connect(ctx context.Context) error

	// Disconnect gracefully shuts down the transport
	Disconnect() error

	// IsConnected reports current transport state
	IsConnected() bool

	// OnMessage registers the single inbound handler. Must be called
	// before Connect.
	OnMessage(h Handler)

	// Send delivers an outbound message. Returns ErrChannelUnavailable
	// if the transport is down.
	Send(ctx context.Context, msg types.OutboundMessage) (types.SendResult, error)
}

// Optional capabilities, probed by the dispatcher via type assertion.
// Adapters implement only what their platform supports.

// TypingNotifier can show a typing indicator while a reply is prepared
type TypingNotifier interface {
	SendTyping(ctx context.Context, chat types.ChatRef) error
}

// Reactor can attach an emoji reaction to a message
type Reactor interface {
	React(ctx context.Context, chat types.ChatRef, messageID, emoji string) error
}

// ReactionHandler receives reaction events (feedback signals)
type ReactionHandler func(ctx context.Context, chat types.ChatRef, messageID, emoji string, sender types.Alias)

// ReactionSource is implemented by adapters whose platform delivers
// reaction events
type ReactionSource interface {
	OnReaction(h ReactionHandler)
}

// MessageLimiter advertises the platform's outbound length limit.
// The dispatcher chunks longer replies.
type MessageLimiter interface {
	MaxMessageLen() int
}

// Waiter blocks until the adapter's connection drops. Adapters that
// implement it get precise reconnect timing; others are polled.
type Waiter interface {
	Wait(ctx context.Context) error
}
