// Package ws is a websocket channel adapter: the gateway hosts an
// endpoint and each connected client is one direct conversation.
package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/arcuslabs/arcusgw/internal/channel"
	"github.com/arcuslabs/arcusgw/internal/config"
	. "github.com/arcuslabs/arcusgw/internal/logging"
	"github.com/arcuslabs/arcusgw/internal/types"
)

const writeTimeout = 10 * time.Second

// InboundFrame is one client message
type InboundFrame struct {
	ID     string `json:"id,omitempty"`
	Sender string `json:"sender"`
	Text   string `json:"text"`
}

// OutboundFrame is one gateway reply
type OutboundFrame struct {
	ID        string `json:"id"`
	Text      string `json:"text"`
	ReplyToID string `json:"replyToId,omitempty"`
}

type client struct {
	chatID string
	sender string
	conn   *websocket.Conn

	writeMu sync.Mutex
}

func (c *client) write(frame OutboundFrame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteJSON(frame)
}

// Adapter implements channel.Adapter over a websocket server
type Adapter struct {
	cfg      config.ChannelConfig
	upgrader websocket.Upgrader

	handler channel.Handler

	mu      sync.Mutex
	server  *http.Server
	clients map[string]*client // chat id -> connection
	serving bool

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates the adapter. cfg.Listen is the bind address.
func New(cfg config.ChannelConfig) *Adapter {
	return &Adapter{
		cfg:     cfg,
		clients: make(map[string]*client),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// The endpoint is for local/trusted clients
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// Name implements channel.Adapter
func (a *Adapter) Name() string { return "ws" }

// Connect binds the listener and starts serving
func (a *Adapter) Connect(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.serving {
		return nil
	}

	addr := a.cfg.Listen
	if addr == "" {
		addr = "127.0.0.1:8480"
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("ws listen failed: %w", err)
	}

	a.ctx, a.cancel = context.WithCancel(ctx)

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", a.serveWS)
	a.server = &http.Server{Handler: mux}
	a.serving = true

	go func() {
		if err := a.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			L_error("ws: server stopped", "error", err)
			a.mu.Lock()
			a.serving = false
			a.mu.Unlock()
		}
	}()

	L_info("ws: listening", "addr", addr)
	return nil
}

// Disconnect shuts the server down and drops all clients
func (a *Adapter) Disconnect() error {
	a.mu.Lock()
	if !a.serving {
		a.mu.Unlock()
		return nil
	}
	a.serving = false
	server := a.server
	cancel := a.cancel
	for _, c := range a.clients {
		c.conn.Close()
	}
	a.clients = make(map[string]*client)
	a.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	ctx, done := context.WithTimeout(context.Background(), 5*time.Second)
	defer done()
	return server.Shutdown(ctx)
}

// IsConnected implements channel.Adapter
func (a *Adapter) IsConnected() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.serving
}

// OnMessage implements channel.Adapter
func (a *Adapter) OnMessage(h channel.Handler) {
	a.handler = h
}

// serveWS upgrades one connection and pumps its messages
func (a *Adapter) serveWS(w http.ResponseWriter, r *http.Request) {
	conn, err := a.upgrader.Upgrade(w, r, nil)
	if err != nil {
		L_warn("ws: upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	// The sender identity comes from the query; anonymous clients get a
	// connection-scoped one
	sender := r.URL.Query().Get("sender")
	if sender == "" {
		sender = "anon-" + uuid.NewString()[:8]
	}

	c := &client{
		chatID: uuid.NewString(),
		sender: sender,
		conn:   conn,
	}

	a.mu.Lock()
	a.clients[c.chatID] = c
	a.mu.Unlock()

	L_info("ws: client connected", "chat", c.chatID, "sender", sender, "remote", r.RemoteAddr)
	go a.readLoop(c)
}

func (a *Adapter) readLoop(c *client) {
	defer func() {
		c.conn.Close()
		a.mu.Lock()
		delete(a.clients, c.chatID)
		a.mu.Unlock()
		L_info("ws: client disconnected", "chat", c.chatID)
	}()

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}

		var frame InboundFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			L_debug("ws: dropping bad frame", "chat", c.chatID, "error", err)
			continue
		}
		if frame.Text == "" {
			continue
		}
		if frame.ID == "" {
			frame.ID = uuid.NewString()
		}

		if a.handler == nil {
			continue
		}
		a.handler(a.ctx, &types.NormalizedMessage{
			ID:         frame.ID,
			Channel:    "ws",
			ReceivedAt: time.Now(),
			Chat:       types.ChatRef{ID: c.chatID, Kind: types.ChatDirect},
			Sender:     types.MakeAlias("ws", c.sender),
			Text:       frame.Text,
		})
	}
}

// Send implements channel.Adapter
func (a *Adapter) Send(ctx context.Context, msg types.OutboundMessage) (types.SendResult, error) {
	a.mu.Lock()
	c, ok := a.clients[msg.Chat.ID]
	serving := a.serving
	a.mu.Unlock()

	if !serving || !ok {
		return types.SendResult{}, channel.ErrChannelUnavailable
	}

	frame := OutboundFrame{
		ID:        uuid.NewString(),
		Text:      msg.Text,
		ReplyToID: msg.ReplyToID,
	}
	if err := c.write(frame); err != nil {
		return types.SendResult{}, fmt.Errorf("ws send failed: %w", err)
	}
	return types.SendResult{MessageID: frame.ID, SentAt: time.Now()}, nil
}
