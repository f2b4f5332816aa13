package identity

import (
	"context"
	"fmt"
	"time"

	"github.com/arcuslabs/arcusgw/internal/config"
	. "github.com/arcuslabs/arcusgw/internal/logging"
	"github.com/arcuslabs/arcusgw/internal/store"
	"github.com/arcuslabs/arcusgw/internal/types"
)

// Session is one conversation context. The manager lock guards all
// fields; callers only ever see copies of the history.
type Session struct {
	Key          string
	CanonicalID  string
	CreatedAt    time.Time
	LastActiveAt time.Time

	turns []types.Turn
}

// SessionKey derives the session key for a message given the configured
// continuity scope:
//
//	unified          - everything shares one session
//	per-peer         - one session per canonical identity
//	per-channel-peer - one session per identity, channel and chat
func SessionKey(scope, canonicalID, channel, chatID string) string {
	switch scope {
	case "unified":
		return "main"
	case "per-peer":
		return canonicalID
	default:
		return fmt.Sprintf("%s:%s:%s", channel, canonicalID, chatID)
	}
}

// GetOrCreateSession returns the session for key, creating it on first
// use. Concurrent callers for the same key get the same session. The
// reset policy is evaluated lazily here, so an idle or stale session is
// cleared the moment it is next touched.
func (m *Manager) GetOrCreateSession(ctx context.Context, key, canonicalID string) (*Session, error) {
	cfg := m.snap.Current()
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()

	sess, ok := m.sessions[key]
	if !ok {
		sess = &Session{
			Key:          key,
			CanonicalID:  canonicalID,
			CreatedAt:    now,
			LastActiveAt: now,
		}
		if err := m.store.PutSession(ctx, key, canonicalID, now, now); err != nil {
			return nil, fmt.Errorf("failed to persist session: %w", err)
		}
		m.sessions[key] = sess
		L_debug("identity: session created", "key", key, "canonicalId", canonicalID)
		return sess, nil
	}

	if shouldReset(&cfg.Session, sess.LastActiveAt, now) {
		if err := m.store.ClearTurns(ctx, key); err != nil {
			return nil, fmt.Errorf("failed to clear session: %w", err)
		}
		sess.turns = nil
		// The reset itself is activity; without this a daily-at-hour
		// session would reset again on every touch until a turn lands
		sess.LastActiveAt = now
		if err := m.store.PutSession(ctx, key, sess.CanonicalID, sess.CreatedAt, now); err != nil {
			return nil, fmt.Errorf("failed to touch session: %w", err)
		}
		L_info("identity: session reset", "key", key, "policy", cfg.Session.Reset)
	}
	return sess, nil
}

// shouldReset applies the configured reset policy against the session's
// last activity
func shouldReset(sc *config.SessionConfig, lastActive, now time.Time) bool {
	switch sc.Reset {
	case "idle-timeout":
		idle := time.Duration(sc.IdleTimeoutMinutes) * time.Minute
		return idle > 0 && now.Sub(lastActive) > idle

	case "daily-at-hour":
		// Reset once the most recent daily boundary falls between the
		// last activity and now
		boundary := time.Date(now.Year(), now.Month(), now.Day(),
			sc.DailyResetHour, 0, 0, 0, now.Location())
		if boundary.After(now) {
			boundary = boundary.AddDate(0, 0, -1)
		}
		return lastActive.Before(boundary)
	}
	return false
}

// AppendTurn records one turn of conversation in the session, trimming
// history past the configured bound. The turn is durable before the
// in-memory history is updated.
func (m *Manager) AppendTurn(ctx context.Context, key string, turn types.Turn) error {
	cfg := m.snap.Current()
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()

	sess, ok := m.sessions[key]
	if !ok {
		return fmt.Errorf("unknown session %q", key)
	}

	if err := m.store.AppendTurn(ctx, store.TurnRow{
		SessionKey: key,
		Role:       turn.Role,
		Text:       turn.Text,
		Channel:    turn.Channel,
		Timestamp:  turn.Timestamp,
	}); err != nil {
		return fmt.Errorf("failed to persist turn: %w", err)
	}

	sess.turns = append(sess.turns, turn)
	if max := cfg.Session.MaxHistoryTurns; max > 0 && len(sess.turns) > max {
		sess.turns = sess.turns[len(sess.turns)-max:]
	}

	sess.LastActiveAt = now
	if err := m.store.PutSession(ctx, key, sess.CanonicalID, sess.CreatedAt, now); err != nil {
		return fmt.Errorf("failed to touch session: %w", err)
	}
	return nil
}

// HasSession reports whether a session exists for key
func (m *Manager) HasSession(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.sessions[key]
	return ok
}

// History returns a copy of the session's conversation history
func (m *Manager) History(key string) []types.Turn {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, ok := m.sessions[key]
	if !ok {
		return nil
	}
	return append([]types.Turn(nil), sess.turns...)
}

// ResetSession clears a session's history on demand (operator command)
func (m *Manager) ResetSession(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, ok := m.sessions[key]
	if !ok {
		return fmt.Errorf("unknown session %q", key)
	}
	if err := m.store.ClearTurns(ctx, key); err != nil {
		return err
	}
	sess.turns = nil
	L_info("identity: session reset", "key", key, "policy", "manual")
	return nil
}

// Sessions returns a snapshot of live session metadata
func (m *Manager) Sessions() []Session {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, Session{
			Key:          s.Key,
			CanonicalID:  s.CanonicalID,
			CreatedAt:    s.CreatedAt,
			LastActiveAt: s.LastActiveAt,
		})
	}
	return out
}

// storedTurns converts persisted turn rows into history entries
func storedTurns(rows []store.TurnRow) []types.Turn {
	out := make([]types.Turn, 0, len(rows))
	for _, r := range rows {
		out = append(out, types.Turn{
			Role:      r.Role,
			Text:      r.Text,
			Channel:   r.Channel,
			Timestamp: r.Timestamp,
		})
	}
	return out
}
