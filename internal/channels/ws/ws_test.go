package ws

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/arcuslabs/arcusgw/internal/config"
	"github.com/arcuslabs/arcusgw/internal/types"
)

func freeAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("probe addr: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()
	return addr
}

func startAdapter(t *testing.T) (*Adapter, string) {
	t.Helper()

	addr := freeAddr(t)
	a := New(config.ChannelConfig{Listen: addr})
	if err := a.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() { a.Disconnect() })
	return a, "ws://" + addr + "/ws"
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()

	var conn *websocket.Conn
	var err error
	for i := 0; i < 20; i++ {
		conn, _, err = websocket.DefaultDialer.Dial(url, nil)
		if err == nil {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestInboundNormalization(t *testing.T) {
	a, url := startAdapter(t)

	var mu sync.Mutex
	var got *types.NormalizedMessage
	received := make(chan struct{}, 1)
	a.OnMessage(func(_ context.Context, msg *types.NormalizedMessage) {
		mu.Lock()
		got = msg
		mu.Unlock()
		received <- struct{}{}
	})

	conn := dial(t, url+"?sender=alice")
	if err := conn.WriteJSON(InboundFrame{ID: "f1", Text: "hello"}); err != nil {
		t.Fatalf("write: %v", err)
	}

	select {
	case <-received:
	case <-time.After(2 * time.Second):
		t.Fatal("message never reached the handler")
	}

	mu.Lock()
	defer mu.Unlock()
	if got.ID != "f1" || got.Text != "hello" {
		t.Errorf("unexpected message %+v", got)
	}
	if got.Channel != "ws" {
		t.Errorf("expected channel ws, got %q", got.Channel)
	}
	if got.Sender != types.MakeAlias("ws", "alice") {
		t.Errorf("expected sender ws:alice, got %q", got.Sender)
	}
	if got.Chat.Kind != types.ChatDirect {
		t.Errorf("ws chats are direct, got %q", got.Chat.Kind)
	}
	if err := got.Validate(); err != nil {
		t.Errorf("normalized message should validate: %v", err)
	}
}

func TestRoundTrip(t *testing.T) {
	a, url := startAdapter(t)

	var chatID string
	received := make(chan struct{}, 1)
	a.OnMessage(func(_ context.Context, msg *types.NormalizedMessage) {
		chatID = msg.Chat.ID
		received <- struct{}{}
	})

	conn := dial(t, url+"?sender=bob")
	if err := conn.WriteJSON(InboundFrame{Text: "ping"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	<-received

	res, err := a.Send(context.Background(), types.OutboundMessage{
		Chat: types.ChatRef{ID: chatID, Kind: types.ChatDirect},
		Text: "pong",
	})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if res.MessageID == "" {
		t.Error("expected a message id")
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var frame OutboundFrame
	if err := conn.ReadJSON(&frame); err != nil {
		t.Fatalf("read reply: %v", err)
	}
	if frame.Text != "pong" {
		t.Errorf("expected pong, got %q", frame.Text)
	}
}

func TestSendToUnknownChatFailsFast(t *testing.T) {
	a, _ := startAdapter(t)

	_, err := a.Send(context.Background(), types.OutboundMessage{
		Chat: types.ChatRef{ID: "nope", Kind: types.ChatDirect},
		Text: "hello?",
	})
	if err == nil {
		t.Error("expected an error for an unknown chat")
	}
}

func TestEmptyFramesIgnored(t *testing.T) {
	a, url := startAdapter(t)

	received := make(chan struct{}, 2)
	a.OnMessage(func(_ context.Context, msg *types.NormalizedMessage) {
		received <- struct{}{}
	})

	conn := dial(t, url)
	if err := conn.WriteJSON(InboundFrame{Text: ""}); err != nil {
		t.Fatalf("write empty: %v", err)
	}
	if err := conn.WriteJSON(InboundFrame{Text: "real"}); err != nil {
		t.Fatalf("write real: %v", err)
	}

	select {
	case <-received:
	case <-time.After(2 * time.Second):
		t.Fatal("real message never arrived")
	}
	select {
	case <-received:
		t.Error("empty frame should have been dropped")
	case <-time.After(100 * time.Millisecond):
	}
}
