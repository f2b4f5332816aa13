// Package types holds the normalized message model shared by all
// channel adapters and the gateway core.
package types

import (
	"fmt"
	"strings"
	"time"
)

// ChatKind distinguishes direct conversations from group chats
type ChatKind string

const (
	ChatDirect ChatKind = "direct"
	ChatGroup  ChatKind = "group"
)

// ChatRef identifies a chat/conversation on a specific channel
type ChatRef struct {
	ID   string   `json:"id"`
	Kind ChatKind `json:"kind"`
}

// Alias is a channel-scoped sender identifier in "channel:rawId" form.
// It is the pre-resolution identity: the same person on two channels
// has two aliases.
type Alias string

// MakeAlias builds an alias from a channel tag and a platform-native ID
func MakeAlias(channel, rawID string) Alias {
	return Alias(channel + ":" + rawID)
}

// Channel returns the channel portion of the alias
func (a Alias) Channel() string {
	if i := strings.IndexByte(string(a), ':'); i >= 0 {
		return string(a)[:i]
	}
	return string(a)
}

// RawID returns the platform-native portion of the alias
func (a Alias) RawID() string {
	if i := strings.IndexByte(string(a), ':'); i >= 0 {
		return string(a)[i+1:]
	}
	return string(a)
}

// Valid reports whether the alias has the "channel:rawId" shape
func (a Alias) Valid() bool {
	i := strings.IndexByte(string(a), ':')
	return i > 0 && i < len(a)-1
}

// Attachment references an opaque media blob. The gateway never
// downloads or inspects attachment content.
type Attachment struct {
	MimeType string `json:"mimeType"`
	Ref      string `json:"ref"` // URL or adapter-scoped handle
	Size     int64  `json:"size,omitempty"`
}

// NormalizedMessage is an inbound message after adapter normalization.
// It is immutable once created: adapters produce it, everything
// downstream reads it.
type NormalizedMessage struct {
	ID          string       `json:"id"` // unique per channel
	Channel     string       `json:"channel"`
	ReceivedAt  time.Time    `json:"receivedAt"`
	Chat        ChatRef      `json:"chat"`
	Sender      Alias        `json:"sender"`
	Text        string       `json:"text"`
	Attachments []Attachment `json:"attachments,omitempty"`
	ReplyToID   string       `json:"replyToId,omitempty"`
}

// Validate checks the invariants adapters must uphold
func (m *NormalizedMessage) Validate() error {
	if m.ID == "" {
		return fmt.Errorf("message has no id")
	}
	if m.Channel == "" {
		return fmt.Errorf("message %s has no channel", m.ID)
	}
	if !m.Sender.Valid() {
		return fmt.Errorf("message %s has malformed sender alias %q", m.ID, m.Sender)
	}
	if m.Chat.ID == "" {
		return fmt.Errorf("message %s has no chat id", m.ID)
	}
	return nil
}

// OutboundMessage is a reply routed back through an adapter
type OutboundMessage struct {
	Chat      ChatRef `json:"chat"`
	Text      string  `json:"text"`
	ReplyToID string  `json:"replyToId,omitempty"`
}

// SendResult reports a successful adapter send
type SendResult struct {
	MessageID string    `json:"messageId"`
	SentAt    time.Time `json:"sentAt"`
}

// Turn is one entry of a session's conversation history
type Turn struct {
	Role      string    `json:"role"` // "user" or "assistant"
	Text      string    `json:"text"`
	Channel   string    `json:"channel,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}
