// Package gateway is the dispatch core: it takes normalized inbound
// messages, runs them through access control, identity resolution,
// session bookkeeping, memory recall and reply generation, and routes
// the reply back out through the originating adapter.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/arcuslabs/arcusgw/internal/access"
	"github.com/arcuslabs/arcusgw/internal/budget"
	"github.com/arcuslabs/arcusgw/internal/channel"
	"github.com/arcuslabs/arcusgw/internal/config"
	"github.com/arcuslabs/arcusgw/internal/identity"
	. "github.com/arcuslabs/arcusgw/internal/logging"
	"github.com/arcuslabs/arcusgw/internal/trust"
	"github.com/arcuslabs/arcusgw/internal/types"
)

// Deps wires the dispatcher's collaborators
type Deps struct {
	Config    *config.Snapshot
	Access    *access.Controller
	Identity  *identity.Manager
	Trust     *trust.Manager
	Recaller  Recaller
	Generator Generator
	Executor  ActionExecutor
	Bus       *Bus
}

// Dispatcher coordinates the whole inbound pipeline.
//
// Two concurrency rules hold at all times: messages that share a
// session key execute strictly one at a time in arrival order, and the
// total number of executing handlers never exceeds the configured
// concurrency cap.
type Dispatcher struct {
	snap      *config.Snapshot
	access    *access.Controller
	ids       *identity.Manager
	trust     *trust.Manager
	recaller  Recaller
	generator Generator
	executor  ActionExecutor
	bus       *Bus

	sem *semaphore.Weighted

	mu       sync.Mutex
	adapters map[string]channel.Adapter
	tails    map[string]chan struct{}

	inflight atomic.Int64
	wg       sync.WaitGroup
	started  time.Time
}

// New creates a dispatcher
func New(d Deps) *Dispatcher {
	cfg := d.Config.Current()
	bus := d.Bus
	if bus == nil {
		bus = NewBus()
	}
	return &Dispatcher{
		snap:      d.Config,
		access:    d.Access,
		ids:       d.Identity,
		trust:     d.Trust,
		recaller:  d.Recaller,
		generator: d.Generator,
		executor:  d.Executor,
		bus:       bus,
		sem:       semaphore.NewWeighted(int64(cfg.Gateway.Concurrency)),
		adapters:  make(map[string]channel.Adapter),
		tails:     make(map[string]chan struct{}),
	}
}

// Bus returns the event bus
func (d *Dispatcher) Bus() *Bus {
	return d.bus
}

// AddAdapter registers a channel adapter and hooks its inbound stream
// into the pipeline. Must be called before Start.
func (d *Dispatcher) AddAdapter(a channel.Adapter) {
	d.mu.Lock()
	d.adapters[a.Name()] = a
	d.mu.Unlock()

	a.OnMessage(func(ctx context.Context, msg *types.NormalizedMessage) {
		if err := d.HandleInbound(ctx, msg); err != nil {
			L_warn("gateway: message handling failed",
				"channel", msg.Channel, "id", msg.ID, "error", err)
		}
	})

	if rs, ok := a.(channel.ReactionSource); ok {
		rs.OnReaction(d.handleReaction)
	}
}

func (d *Dispatcher) adapter(name string) channel.Adapter {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.adapters[name]
}

// Start launches every adapter's reconnect loop and publishes the
// started event. It returns immediately; loops run until ctx cancels.
func (d *Dispatcher) Start(ctx context.Context) {
	d.started = time.Now()

	d.mu.Lock()
	adapters := make([]channel.Adapter, 0, len(d.adapters))
	for _, a := range d.adapters {
		adapters = append(adapters, a)
	}
	d.mu.Unlock()

	for _, a := range adapters {
		a := a
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			r := &channel.Reconnector{
				Name:    a.Name(),
				Connect: a.Connect,
				Wait:    waitFor(a),
			}
			r.Run(ctx)
		}()
	}

	d.bus.Publish(EventStarted, map[string]any{"adapters": len(adapters)})
	L_info("gateway: started", "adapters", len(adapters))
}

// waitFor blocks until the adapter's connection drops, using the
// adapter's own Wait when it has one and polling otherwise
func waitFor(a channel.Adapter) func(ctx context.Context) error {
	if w, ok := a.(channel.Waiter); ok {
		return w.Wait
	}
	return func(ctx context.Context) error {
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
				if !a.IsConnected() {
					return channel.ErrChannelUnavailable
				}
			}
		}
	}
}

// Stop disconnects all adapters and waits for their loops to finish
func (d *Dispatcher) Stop() {
	SetShuttingDown()

	d.mu.Lock()
	adapters := make([]channel.Adapter, 0, len(d.adapters))
	for _, a := range d.adapters {
		adapters = append(adapters, a)
	}
	d.mu.Unlock()

	for _, a := range adapters {
		if err := a.Disconnect(); err != nil {
			L_warn("gateway: disconnect failed", "channel", a.Name(), "error", err)
		}
	}
	d.wg.Wait()

	d.bus.Publish(EventStopped, nil)
	L_info("gateway: stopped")
}

// HandleInbound runs one message through the full pipeline
func (d *Dispatcher) HandleInbound(ctx context.Context, msg *types.NormalizedMessage) error {
	if IsShuttingDown() {
		return ErrShuttingDown
	}
	if err := msg.Validate(); err != nil {
		return fmt.Errorf("dropping malformed message: %w", err)
	}

	d.inflight.Add(1)
	defer d.inflight.Add(-1)

	d.bus.Publish(EventMessageReceived, map[string]any{
		"channel": msg.Channel, "id": msg.ID, "sender": string(msg.Sender),
	})

	decision := d.access.Evaluate(ctx, msg.Sender, msg.Chat)
	if !decision.Allowed {
		d.bus.Publish(EventAccessDenied, map[string]any{
			"sender": string(msg.Sender), "mode": decision.Mode, "reason": decision.Reason,
		})
		L_debug("gateway: access denied",
			"sender", msg.Sender, "mode", decision.Mode, "reason", decision.Reason)

		// Only the pairing flow talks back to strangers
		if decision.PairingCode != "" {
			d.sendText(ctx, msg, pairingDenialText(decision.PairingCode))
		}
		return nil
	}

	cfg := d.snap.Current()

	canonicalID, err := d.ids.Resolve(ctx, msg.Sender)
	if err != nil {
		return fmt.Errorf("identity resolution failed: %w", err)
	}

	key := identity.SessionKey(cfg.Session.Scope, canonicalID, msg.Channel, msg.Chat.ID)

	// Serialize on the session key first, then take a global slot. The
	// key slot is released on every exit path below via this defer.
	release := d.acquireKey(key)
	defer release()

	if err := d.sem.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("cancelled waiting for an execution slot: %w", err)
	}
	defer d.sem.Release(1)

	created := !d.ids.HasSession(key)
	if _, err := d.ids.GetOrCreateSession(ctx, key, canonicalID); err != nil {
		return err
	}
	if created {
		d.bus.Publish(EventSessionCreated, map[string]any{
			"key": key, "canonicalId": canonicalID,
		})
	}

	if d.handleCommand(ctx, msg, key, canonicalID) {
		return nil
	}

	if tn, ok := d.adapter(msg.Channel).(channel.TypingNotifier); ok {
		if err := tn.SendTyping(ctx, msg.Chat); err != nil {
			L_trace("gateway: typing indicator failed", "channel", msg.Channel, "error", err)
		}
	}

	// History is captured before the new turn lands; the generator gets
	// the message itself separately
	history := d.ids.History(key)

	if err := d.ids.AppendTurn(ctx, key, types.Turn{
		Role: "user", Text: msg.Text, Channel: msg.Channel, Timestamp: msg.ReceivedAt,
	}); err != nil {
		return err
	}

	memories := d.recall(ctx, cfg, key, canonicalID, msg.Text)
	selected := budget.Allocate(memories, cfg.Gateway.ContextBudgetTokens, budget.PreferenceWeights{
		Relevance: cfg.Gateway.RelevanceWeight,
		Recency:   cfg.Gateway.RecencyWeight,
		Cost:      cfg.Gateway.CostWeight,
	})

	resp, err := d.generate(ctx, cfg, GenerateRequest{
		SessionKey:  key,
		CanonicalID: canonicalID,
		Message:     msg,
		History:     history,
		Memories:    selected,
	})
	if err != nil {
		d.sendText(ctx, msg, "Sorry - I couldn't put a reply together. Please try again.")
		return err
	}

	text := d.gateActions(ctx, canonicalID, resp)

	// The assistant turn is durable before delivery is attempted; a
	// failed send leaves history consistent and is not retried here
	if err := d.ids.AppendTurn(ctx, key, types.Turn{
		Role: "assistant", Text: text, Channel: msg.Channel, Timestamp: time.Now(),
	}); err != nil {
		return err
	}

	if err := d.deliver(ctx, msg, text); err != nil {
		L_warn("gateway: reply delivery failed",
			"channel", msg.Channel, "chat", msg.Chat.ID, "error", err)
		return err
	}

	d.bus.Publish(EventMessageResponded, map[string]any{
		"channel": msg.Channel, "id": msg.ID, "sessionKey": key,
	})
	return nil
}

// acquireKey takes the FIFO execution slot for a session key. Waiters
// chain on the previous holder's channel, so arrival order is exactly
// execution order.
func (d *Dispatcher) acquireKey(key string) (release func()) {
	ready := make(chan struct{})

	d.mu.Lock()
	prev := d.tails[key]
	d.tails[key] = ready
	d.mu.Unlock()

	if prev != nil {
		<-prev
	}

	return func() {
		d.mu.Lock()
		if d.tails[key] == ready {
			delete(d.tails, key)
		}
		d.mu.Unlock()
		close(ready)
	}
}

// recall asks the knowledge store for relevant memory under a bounded
// deadline. Any failure degrades to an empty result.
func (d *Dispatcher) recall(ctx context.Context, cfg *config.Config, key, canonicalID, query string) []types.MemoryItem {
	if d.recaller == nil {
		return nil
	}

	rctx, cancel := context.WithTimeout(ctx, cfg.Gateway.RecallTimeout())
	defer cancel()

	items, err := d.recaller.Recall(rctx, RecallRequest{
		SessionKey:  key,
		CanonicalID: canonicalID,
		Query:       query,
		Limit:       cfg.Gateway.RecallLimit,
	})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			err = ErrRecallTimeout
		}
		L_warn("gateway: recall degraded to empty", "sessionKey", key, "error", err)
		return nil
	}
	return items
}

// generate produces the reply under a bounded deadline
func (d *Dispatcher) generate(ctx context.Context, cfg *config.Config, req GenerateRequest) (GenerateResponse, error) {
	if d.generator == nil {
		return GenerateResponse{}, ErrNoGenerator
	}

	gctx, cancel := context.WithTimeout(ctx, cfg.Gateway.GenerateTimeout())
	defer cancel()

	resp, err := d.generator.Generate(gctx, req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			err = ErrGenerateTimeout
		}
		return GenerateResponse{}, err
	}
	return resp, nil
}

// gateActions authorizes each proposed action against the sender's
// trust level. Denied actions are downgraded to textual proposals and
// never executed, so they leave no outcome in the ledger. Executed
// actions record success or failure.
func (d *Dispatcher) gateActions(ctx context.Context, canonicalID string, resp GenerateResponse) string {
	text := resp.Text

	var proposals []string
	for _, act := range resp.Actions {
		auth := d.trust.Authorize(canonicalID, act.Category)
		if !auth.Allowed || d.executor == nil {
			L_info("gateway: action downgraded to proposal",
				"canonicalId", canonicalID, "action", act.Name,
				"category", act.Category, "reason", auth.Reason)
			proposals = append(proposals, fmt.Sprintf("- %s (%s): %s", act.Name, act.Category, act.Description))
			continue
		}

		outcome := "success"
		if err := d.executor.Execute(ctx, canonicalID, act); err != nil {
			outcome = "failure"
			L_warn("gateway: action failed",
				"canonicalId", canonicalID, "action", act.Name, "error", err)
		}
		if err := d.trust.Record(ctx, canonicalID, act.Category, outcome, "action "+act.Name); err != nil {
			L_error("gateway: failed to record action outcome", "error", err)
		}
	}

	if len(proposals) > 0 {
		text += "\n\nI'd like to do the following but need approval first:\n" + strings.Join(proposals, "\n")
	}
	return text
}

// deliver sends the reply through the originating adapter, chunked to
// the platform's message length limit
func (d *Dispatcher) deliver(ctx context.Context, msg *types.NormalizedMessage, text string) error {
	a := d.adapter(msg.Channel)
	if a == nil {
		return fmt.Errorf("%w: %s", ErrNoAdapter, msg.Channel)
	}

	max := 0
	if ml, ok := a.(channel.MessageLimiter); ok {
		max = ml.MaxMessageLen()
	}

	replyTo := msg.ID
	for _, chunk := range ChunkText(text, max) {
		if _, err := a.Send(ctx, types.OutboundMessage{
			Chat:      msg.Chat,
			Text:      chunk,
			ReplyToID: replyTo,
		}); err != nil {
			return err
		}
		// Only the first chunk threads onto the inbound message
		replyTo = ""
	}
	return nil
}

// sendText is a best-effort single message back to the sender's chat
func (d *Dispatcher) sendText(ctx context.Context, msg *types.NormalizedMessage, text string) {
	if err := d.deliver(ctx, msg, text); err != nil {
		L_debug("gateway: notice delivery failed", "channel", msg.Channel, "error", err)
	}
}

func pairingDenialText(code string) string {
	return fmt.Sprintf(
		"You're not paired with this gateway yet. Ask the operator to approve pairing code %s.", code)
}

// handleReaction turns reaction feedback on delivered replies into
// trust outcomes for the reacting identity
func (d *Dispatcher) handleReaction(ctx context.Context, chat types.ChatRef, messageID, emoji string, sender types.Alias) {
	outcome, ok := reactionOutcome(emoji)
	if !ok {
		return
	}

	canonicalID, found := d.ids.Lookup(sender)
	if !found {
		return
	}

	if err := d.trust.Record(ctx, canonicalID, "communicate", outcome, "reaction "+emoji); err != nil {
		L_warn("gateway: failed to record reaction", "sender", sender, "error", err)
	}
	L_debug("gateway: reaction recorded",
		"sender", sender, "emoji", emoji, "outcome", outcome)
}

// reactionOutcome maps feedback emojis onto ledger outcomes. Anything
// unrecognized is ignored.
func reactionOutcome(emoji string) (string, bool) {
	switch emoji {
	case "👍", "❤️", "🔥", "💯", "🙏":
		return "success", true
	case "👎", "💩":
		return "failure", true
	}
	return "", false
}

// Health reports gateway liveness for the status surface
type Health struct {
	Uptime   time.Duration   `json:"uptime"`
	Inflight int64           `json:"inflight"`
	Sessions int             `json:"sessions"`
	Channels map[string]bool `json:"channels"`
}

// CheckHealth snapshots dispatcher state
func (d *Dispatcher) CheckHealth() Health {
	d.mu.Lock()
	channels := make(map[string]bool, len(d.adapters))
	for name, a := range d.adapters {
		channels[name] = a.IsConnected()
	}
	d.mu.Unlock()

	var uptime time.Duration
	if !d.started.IsZero() {
		uptime = time.Since(d.started)
	}

	return Health{
		Uptime:   uptime,
		Inflight: d.inflight.Load(),
		Sessions: len(d.ids.Sessions()),
		Channels: channels,
	}
}
