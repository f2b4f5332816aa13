package identity

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/arcuslabs/arcusgw/internal/config"
	"github.com/arcuslabs/arcusgw/internal/store"
	"github.com/arcuslabs/arcusgw/internal/types"
)

func testManager(t *testing.T, cfg *config.Config) *Manager {
	t.Helper()

	st, err := store.Open(filepath.Join(t.TempDir(), "identity.db"))
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	m, err := NewManager(context.Background(), config.NewSnapshot(cfg), st)
	if err != nil {
		t.Fatalf("failed to create manager: %v", err)
	}
	return m
}

func TestResolveCreatesOnce(t *testing.T) {
	m := testManager(t, config.Default())
	ctx := context.Background()
	alias := types.MakeAlias("telegram", "alice")

	id1, err := m.Resolve(ctx, alias)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	id2, err := m.Resolve(ctx, alias)
	if err != nil {
		t.Fatalf("resolve again: %v", err)
	}
	if id1 != id2 {
		t.Errorf("same alias resolved to different identities: %s vs %s", id1, id2)
	}
}

func TestResolveRejectsMalformedAlias(t *testing.T) {
	m := testManager(t, config.Default())
	if _, err := m.Resolve(context.Background(), types.Alias("nocolon")); err == nil {
		t.Error("expected error for malformed alias")
	}
}

func TestLinkMergesAndSurvivorIsOldest(t *testing.T) {
	m := testManager(t, config.Default())
	ctx := context.Background()

	// Control creation times so the survivor is unambiguous
	base := time.Now()
	m.now = func() time.Time { return base }
	a := types.MakeAlias("telegram", "alice")
	idA, _ := m.Resolve(ctx, a)

	m.now = func() time.Time { return base.Add(time.Hour) }
	b := types.MakeAlias("ws", "alice")
	idB, _ := m.Resolve(ctx, b)

	if idA == idB {
		t.Fatal("distinct aliases should start as distinct identities")
	}

	survivor, err := m.Link(ctx, a, b)
	if err != nil {
		t.Fatalf("link: %v", err)
	}
	if survivor != idA {
		t.Errorf("expected oldest identity %s to survive, got %s", idA, survivor)
	}

	// Both aliases now resolve to the survivor
	for _, alias := range []types.Alias{a, b} {
		got, _ := m.Resolve(ctx, alias)
		if got != survivor {
			t.Errorf("alias %s resolves to %s, expected %s", alias, got, survivor)
		}
	}

	ident, ok := m.Get(survivor)
	if !ok {
		t.Fatal("survivor identity missing")
	}
	if len(ident.Aliases) != 2 {
		t.Errorf("expected 2 aliases on survivor, got %d", len(ident.Aliases))
	}
	if _, ok := m.Get(idB); ok {
		t.Error("absorbed identity should be gone")
	}
}

func TestLinkIsIdempotentAndCommutative(t *testing.T) {
	m := testManager(t, config.Default())
	ctx := context.Background()
	a := types.MakeAlias("telegram", "alice")
	b := types.MakeAlias("ws", "alice")

	first, err := m.Link(ctx, a, b)
	if err != nil {
		t.Fatalf("link: %v", err)
	}
	again, err := m.Link(ctx, a, b)
	if err != nil {
		t.Fatalf("repeat link: %v", err)
	}
	reversed, err := m.Link(ctx, b, a)
	if err != nil {
		t.Fatalf("reversed link: %v", err)
	}
	if first != again || first != reversed {
		t.Errorf("link not stable: %s, %s, %s", first, again, reversed)
	}
}

func TestLinkFiresMergeCallback(t *testing.T) {
	m := testManager(t, config.Default())
	ctx := context.Background()

	var gotFrom, gotTo string
	m.OnMerge(func(_ context.Context, from, to string) {
		gotFrom, gotTo = from, to
	})

	a := types.MakeAlias("telegram", "bob")
	b := types.MakeAlias("ws", "bob")
	survivor, err := m.Link(ctx, a, b)
	if err != nil {
		t.Fatalf("link: %v", err)
	}
	if gotTo != survivor {
		t.Errorf("merge callback survivor %s, expected %s", gotTo, survivor)
	}
	if gotFrom == "" || gotFrom == survivor {
		t.Errorf("merge callback absorbed id %q invalid", gotFrom)
	}
}

func TestSessionKeyScopes(t *testing.T) {
	if got := SessionKey("unified", "id1", "telegram", "c1"); got != "main" {
		t.Errorf("unified: got %q", got)
	}
	if got := SessionKey("per-peer", "id1", "telegram", "c1"); got != "id1" {
		t.Errorf("per-peer: got %q", got)
	}
	if got := SessionKey("per-channel-peer", "id1", "telegram", "c1"); got != "telegram:id1:c1" {
		t.Errorf("per-channel-peer: got %q", got)
	}
}

func TestGetOrCreateSessionIsSingleFlight(t *testing.T) {
	m := testManager(t, config.Default())
	ctx := context.Background()

	id, _ := m.Resolve(ctx, types.MakeAlias("ws", "alice"))
	key := SessionKey("per-channel-peer", id, "ws", "c1")

	// A burst of concurrent lookups must converge on one session
	var wg sync.WaitGroup
	results := make([]*Session, 16)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s, err := m.GetOrCreateSession(ctx, key, id)
			if err != nil {
				t.Errorf("get session: %v", err)
				return
			}
			results[i] = s
		}(i)
	}
	wg.Wait()

	for i := 1; i < len(results); i++ {
		if results[i] != results[0] {
			t.Fatalf("concurrent callers got distinct sessions")
		}
	}
}

func TestAppendTurnBoundsHistory(t *testing.T) {
	cfg := config.Default()
	cfg.Session.MaxHistoryTurns = 5
	m := testManager(t, cfg)
	ctx := context.Background()

	id, _ := m.Resolve(ctx, types.MakeAlias("ws", "alice"))
	key := SessionKey(cfg.Session.Scope, id, "ws", "c1")
	if _, err := m.GetOrCreateSession(ctx, key, id); err != nil {
		t.Fatalf("get session: %v", err)
	}

	for i := 0; i < 9; i++ {
		err := m.AppendTurn(ctx, key, types.Turn{
			Role: "user", Text: fmt.Sprintf("msg %d", i), Timestamp: time.Now(),
		})
		if err != nil {
			t.Fatalf("append turn %d: %v", i, err)
		}
	}

	h := m.History(key)
	if len(h) != 5 {
		t.Fatalf("expected history bounded at 5, got %d", len(h))
	}
	if h[0].Text != "msg 4" || h[4].Text != "msg 8" {
		t.Errorf("expected oldest turns dropped, got %q .. %q", h[0].Text, h[4].Text)
	}
}

func TestIdleTimeoutResetClearsHistory(t *testing.T) {
	cfg := config.Default()
	cfg.Session.Reset = "idle-timeout"
	cfg.Session.IdleTimeoutMinutes = 30
	m := testManager(t, cfg)
	ctx := context.Background()

	base := time.Now()
	m.now = func() time.Time { return base }

	id, _ := m.Resolve(ctx, types.MakeAlias("ws", "alice"))
	key := SessionKey(cfg.Session.Scope, id, "ws", "c1")
	first, _ := m.GetOrCreateSession(ctx, key, id)
	if err := m.AppendTurn(ctx, key, types.Turn{Role: "user", Text: "hello", Timestamp: base}); err != nil {
		t.Fatalf("append: %v", err)
	}

	// Within the idle window nothing resets
	m.now = func() time.Time { return base.Add(10 * time.Minute) }
	if _, err := m.GetOrCreateSession(ctx, key, id); err != nil {
		t.Fatalf("get session: %v", err)
	}
	if len(m.History(key)) != 1 {
		t.Fatal("history should survive within the idle window")
	}

	// Past the window the session resets but keeps its object identity
	m.now = func() time.Time { return base.Add(45 * time.Minute) }
	second, err := m.GetOrCreateSession(ctx, key, id)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if second != first {
		t.Error("reset should clear history, not replace the session")
	}
	if len(m.History(key)) != 0 {
		t.Error("history should be empty after idle reset")
	}

	// The reset touches activity, so an immediate re-check stays quiet
	if !second.LastActiveAt.Equal(base.Add(45 * time.Minute)) {
		t.Errorf("reset should update LastActiveAt, got %v", second.LastActiveAt)
	}
	if err := m.AppendTurn(ctx, key, types.Turn{Role: "user", Text: "back", Timestamp: m.now()}); err != nil {
		t.Fatalf("append after reset: %v", err)
	}
	m.now = func() time.Time { return base.Add(46 * time.Minute) }
	if _, err := m.GetOrCreateSession(ctx, key, id); err != nil {
		t.Fatalf("get session: %v", err)
	}
	if len(m.History(key)) != 1 {
		t.Error("session must not reset again right after a reset")
	}
}

func TestDailyResetBoundary(t *testing.T) {
	sc := &config.SessionConfig{Reset: "daily-at-hour", DailyResetHour: 4}
	day := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)

	// Active at 23:00, checked at 03:00 next day: boundary not crossed yet
	if shouldReset(sc, day.Add(23*time.Hour), day.Add(27*time.Hour)) {
		t.Error("should not reset before the daily hour")
	}
	// Checked at 05:00 next day: 04:00 boundary crossed
	if !shouldReset(sc, day.Add(23*time.Hour), day.Add(29*time.Hour)) {
		t.Error("should reset after crossing the daily hour")
	}
	// Active at 05:00, checked 06:00 same day: boundary was before activity
	if shouldReset(sc, day.Add(29*time.Hour), day.Add(30*time.Hour)) {
		t.Error("should not reset twice within the same day")
	}
}

func TestStateSurvivesRestart(t *testing.T) {
	cfg := config.Default()
	path := filepath.Join(t.TempDir(), "identity.db")
	ctx := context.Background()
	a := types.MakeAlias("telegram", "alice")
	b := types.MakeAlias("ws", "alice")

	st, err := store.Open(path)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	m1, err := NewManager(ctx, config.NewSnapshot(cfg), st)
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	survivor, err := m1.Link(ctx, a, b)
	if err != nil {
		t.Fatalf("link: %v", err)
	}
	key := SessionKey(cfg.Session.Scope, survivor, "ws", "c1")
	if _, err := m1.GetOrCreateSession(ctx, key, survivor); err != nil {
		t.Fatalf("session: %v", err)
	}
	if err := m1.AppendTurn(ctx, key, types.Turn{Role: "user", Text: "hi", Timestamp: time.Now()}); err != nil {
		t.Fatalf("append: %v", err)
	}
	st.Close()

	st2, err := store.Open(path)
	if err != nil {
		t.Fatalf("reopen store: %v", err)
	}
	defer st2.Close()
	m2, err := NewManager(ctx, config.NewSnapshot(cfg), st2)
	if err != nil {
		t.Fatalf("restore manager: %v", err)
	}

	for _, alias := range []types.Alias{a, b} {
		got, err := m2.Resolve(ctx, alias)
		if err != nil {
			t.Fatalf("resolve after restart: %v", err)
		}
		if got != survivor {
			t.Errorf("alias %s resolves to %s after restart, expected %s", alias, got, survivor)
		}
	}

	h := m2.History(key)
	if len(h) != 1 || h[0].Text != "hi" {
		t.Errorf("history not restored, got %v", h)
	}
}
