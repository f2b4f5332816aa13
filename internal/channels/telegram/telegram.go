// Package telegram is the Telegram channel adapter, built on telebot
// long polling.
package telegram

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	tele "gopkg.in/telebot.v4"

	"github.com/arcuslabs/arcusgw/internal/channel"
	"github.com/arcuslabs/arcusgw/internal/config"
	. "github.com/arcuslabs/arcusgw/internal/logging"
	"github.com/arcuslabs/arcusgw/internal/types"
)

// Telegram caps messages at 4096 characters
const maxMessageLen = 4096

// Endpoint for reaction updates; the pinned telebot release routes them
// but does not export the constant
const onMessageReaction = "\amessage_reaction"

// Adapter implements channel.Adapter over the Telegram Bot API
type Adapter struct {
	bot *tele.Bot
	cfg config.ChannelConfig

	handler  channel.Handler
	reaction channel.ReactionHandler

	mu        sync.Mutex
	connected bool

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates the adapter and registers its update handlers
func New(cfg config.ChannelConfig) (*Adapter, error) {
	if cfg.BotToken == "" {
		return nil, fmt.Errorf("telegram bot token not configured")
	}

	bot, err := tele.NewBot(tele.Settings{
		Token: cfg.BotToken,
		Poller: &tele.LongPoller{
			Timeout: 10 * time.Second,
			// Reaction updates are opt-in on the Bot API
			AllowedUpdates: []string{"message", "edited_message", "message_reaction"},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create telegram bot: %w", err)
	}

	L_debug("telegram: bot created", "username", bot.Me.Username, "id", bot.Me.ID)

	a := &Adapter{bot: bot, cfg: cfg}
	a.setupHandlers()
	return a, nil
}

func (a *Adapter) setupHandlers() {
	a.bot.Handle(tele.OnText, func(c tele.Context) error {
		a.dispatch(c.Message())
		return nil
	})

	a.bot.Handle(tele.OnMedia, func(c tele.Context) error {
		a.dispatch(c.Message())
		return nil
	})

	a.bot.Handle(onMessageReaction, func(c tele.Context) error {
		mr := c.Update().MessageReaction
		if mr == nil || a.reaction == nil || len(mr.NewReaction) == 0 {
			return nil
		}

		chat := chatRef(mr.Chat)
		sender := types.MakeAlias("telegram", strconv.FormatInt(mr.User.ID, 10))
		for _, r := range mr.NewReaction {
			a.reaction(a.ctx, chat, strconv.Itoa(mr.MessageID), r.Emoji, sender)
		}
		return nil
	})
}

// dispatch normalizes one Telegram message and hands it to the gateway
func (a *Adapter) dispatch(m *tele.Message) {
	if a.handler == nil || m == nil || m.Sender == nil {
		return
	}

	msg := &types.NormalizedMessage{
		ID:         strconv.Itoa(m.ID),
		Channel:    "telegram",
		ReceivedAt: m.Time(),
		Chat:       chatRef(m.Chat),
		Sender:     types.MakeAlias("telegram", strconv.FormatInt(m.Sender.ID, 10)),
		Text:       m.Text,
	}
	if msg.Text == "" {
		msg.Text = m.Caption
	}
	if m.ReplyTo != nil {
		msg.ReplyToID = strconv.Itoa(m.ReplyTo.ID)
	}
	if m.Photo != nil {
		msg.Attachments = append(msg.Attachments, types.Attachment{
			MimeType: "image/jpeg",
			Ref:      m.Photo.FileID,
			Size:     m.Photo.FileSize,
		})
	}
	if m.Document != nil {
		msg.Attachments = append(msg.Attachments, types.Attachment{
			MimeType: m.Document.MIME,
			Ref:      m.Document.FileID,
			Size:     m.Document.FileSize,
		})
	}
	if m.Voice != nil {
		msg.Attachments = append(msg.Attachments, types.Attachment{
			MimeType: m.Voice.MIME,
			Ref:      m.Voice.FileID,
			Size:     m.Voice.FileSize,
		})
	}

	a.handler(a.ctx, msg)
}

func chatRef(c *tele.Chat) types.ChatRef {
	kind := types.ChatGroup
	if c.Type == tele.ChatPrivate {
		kind = types.ChatDirect
	}
	return types.ChatRef{ID: strconv.FormatInt(c.ID, 10), Kind: kind}
}

// Name implements channel.Adapter
func (a *Adapter) Name() string { return "telegram" }

// Connect starts long polling. The poller runs until Disconnect.
func (a *Adapter) Connect(ctx context.Context) error {
	a.mu.Lock()
	if a.connected {
		a.mu.Unlock()
		return nil
	}
	a.ctx, a.cancel = context.WithCancel(ctx)
	a.connected = true
	a.mu.Unlock()

	go a.bot.Start()
	L_info("telegram: polling started", "username", a.bot.Me.Username)
	return nil
}

// Disconnect stops the poller
func (a *Adapter) Disconnect() error {
	a.mu.Lock()
	if !a.connected {
		a.mu.Unlock()
		return nil
	}
	a.connected = false
	cancel := a.cancel
	a.mu.Unlock()

	a.bot.Stop()
	if cancel != nil {
		cancel()
	}
	L_info("telegram: polling stopped")
	return nil
}

// IsConnected implements channel.Adapter
func (a *Adapter) IsConnected() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.connected
}

// OnMessage implements channel.Adapter
func (a *Adapter) OnMessage(h channel.Handler) {
	a.handler = h
}

// OnReaction implements channel.ReactionSource
func (a *Adapter) OnReaction(h channel.ReactionHandler) {
	a.reaction = h
}

// Send implements channel.Adapter
func (a *Adapter) Send(ctx context.Context, msg types.OutboundMessage) (types.SendResult, error) {
	if !a.IsConnected() {
		return types.SendResult{}, channel.ErrChannelUnavailable
	}

	chatID, err := strconv.ParseInt(msg.Chat.ID, 10, 64)
	if err != nil {
		return types.SendResult{}, fmt.Errorf("bad telegram chat id %q: %w", msg.Chat.ID, err)
	}

	opts := &tele.SendOptions{}
	if msg.ReplyToID != "" {
		if replyID, err := strconv.Atoi(msg.ReplyToID); err == nil {
			opts.ReplyTo = &tele.Message{ID: replyID, Chat: &tele.Chat{ID: chatID}}
		}
	}

	sent, err := a.bot.Send(&tele.Chat{ID: chatID}, msg.Text, opts)
	if err != nil {
		return types.SendResult{}, fmt.Errorf("telegram send failed: %w", err)
	}
	return types.SendResult{MessageID: strconv.Itoa(sent.ID), SentAt: sent.Time()}, nil
}

// SendTyping implements channel.TypingNotifier
func (a *Adapter) SendTyping(ctx context.Context, chat types.ChatRef) error {
	chatID, err := strconv.ParseInt(chat.ID, 10, 64)
	if err != nil {
		return err
	}
	return a.bot.Notify(&tele.Chat{ID: chatID}, tele.Typing)
}

// MaxMessageLen implements channel.MessageLimiter
func (a *Adapter) MaxMessageLen() int {
	if a.cfg.MaxMessageLen > 0 && a.cfg.MaxMessageLen < maxMessageLen {
		return a.cfg.MaxMessageLen
	}
	return maxMessageLen
}
