// Package trust scores how much autonomy each identity has earned and
// gates actions on it.
//
// The source of truth is an append-only audit log: every score change
// is an entry, corrections are compensating entries, and the cached
// score is always recomputable by replaying an identity's log. A cache
// that disagrees with its log is treated as corruption, never silently
// patched.
package trust

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/arcuslabs/arcusgw/internal/config"
	. "github.com/arcuslabs/arcusgw/internal/logging"
	"github.com/arcuslabs/arcusgw/internal/store"
)

// Score deltas are asymmetric: trust builds slowly and erodes fast
const (
	SuccessDelta = 0.01
	FailureDelta = -0.02
)

// Autonomy level thresholds. An identity holds the highest level whose
// threshold its score meets.
var levelThresholds = [5]float64{0.0, 0.3, 0.5, 0.7, 0.85}

// BootstrapScore is granted on pairing approval: enough for low-risk
// actions, everything further is earned
const BootstrapScore = 0.3

// ErrLedgerDivergence means a cached score disagrees with a replay of
// its audit log. The log wins; the cache (or the code that maintained
// it) is broken.
var ErrLedgerDivergence = errors.New("trust ledger divergence")

// Entry is one immutable ledger record
type Entry struct {
	ID          string
	CanonicalID string
	Category    string
	Delta       float64
	Reason      string
	Outcome     string
	Timestamp   time.Time
}

// Authorization is the outcome of gating one action
type Authorization struct {
	Allowed  bool
	Level    int
	Required int
	Reason   string
}

// Manager owns the ledger and cached scores
type Manager struct {
	snap  *config.Snapshot
	store *store.Store

	mu      sync.Mutex
	scores  map[string]float64
	entropy *ulid.MonotonicEntropy

	now func() time.Time
}

// NewManager creates a manager, rebuilding cached scores by replaying
// the persisted audit log
func NewManager(ctx context.Context, snap *config.Snapshot, st *store.Store) (*Manager, error) {
	m := &Manager{
		snap:    snap,
		store:   st,
		scores:  make(map[string]float64),
		entropy: ulid.Monotonic(rand.Reader, 0),
		now:     time.Now,
	}

	logs, err := st.LoadAudit(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load trust audit: %w", err)
	}
	for id, rows := range logs {
		m.scores[id] = replayRows(rows)
	}

	L_info("trust: rebuilt scores from audit log", "identities", len(m.scores))
	return m, nil
}

// replayRows folds a log into a score, clamping after every step so
// replay order matters exactly as it did when the entries were written
func replayRows(rows []store.AuditRow) float64 {
	score := 0.0
	for _, r := range rows {
		score = clamp(score + r.Delta)
	}
	return score
}

func clamp(s float64) float64 {
	if s < 0 {
		return 0
	}
	if s > 1 {
		return 1
	}
	return s
}

// LevelFor maps a score to an autonomy level
func LevelFor(score float64) int {
	level := 0
	for l, threshold := range levelThresholds {
		if score >= threshold {
			level = l
		}
	}
	return level
}

// Score returns an identity's cached score. Unknown identities score 0.
func (m *Manager) Score(canonicalID string) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.scores[canonicalID]
}

// Level returns an identity's current autonomy level
func (m *Manager) Level(canonicalID string) int {
	return LevelFor(m.Score(canonicalID))
}

// Authorize gates an action category against the identity's level.
// Categories with no configured requirement are denied outright.
func (m *Manager) Authorize(canonicalID, category string) Authorization {
	cfg := m.snap.Current()
	level := m.Level(canonicalID)

	required, known := cfg.Trust.Required[category]
	if !known {
		return Authorization{
			Allowed:  false,
			Level:    level,
			Required: -1,
			Reason:   fmt.Sprintf("unknown action category %q", category),
		}
	}

	if level < required {
		return Authorization{
			Allowed:  false,
			Level:    level,
			Required: required,
			Reason:   fmt.Sprintf("level %d below required %d for %s", level, required, category),
		}
	}
	return Authorization{Allowed: true, Level: level, Required: required}
}

// Record appends an outcome to the ledger and updates the cached score.
// outcome is "success" or "failure"; anything else records no delta.
func (m *Manager) Record(ctx context.Context, canonicalID, category, outcome, reason string) error {
	var delta float64
	switch outcome {
	case "success":
		delta = SuccessDelta
	case "failure":
		delta = FailureDelta
	}
	return m.append(ctx, canonicalID, category, delta, outcome, reason)
}

// Bootstrap lifts a freshly paired identity to the bootstrap score via
// a single compensating entry. An identity already at or above it keeps
// its score, but the approval still lands in the log as a zero-delta
// entry so every pairing grant is auditable.
func (m *Manager) Bootstrap(ctx context.Context, canonicalID, reason string) error {
	m.mu.Lock()
	current := m.scores[canonicalID]
	m.mu.Unlock()

	delta := BootstrapScore - current
	if delta < 0 {
		delta = 0
	}
	return m.append(ctx, canonicalID, "pairing", delta, "bootstrap", reason)
}

func (m *Manager) append(ctx context.Context, canonicalID, category string, delta float64, outcome, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	row := store.AuditRow{
		ID:          ulid.MustNew(ulid.Timestamp(now), m.entropy).String(),
		CanonicalID: canonicalID,
		Category:    category,
		Delta:       delta,
		Reason:      reason,
		Outcome:     outcome,
		Timestamp:   now,
	}

	// Durable before cached: a crash between the two replays cleanly
	if err := m.store.AppendAudit(ctx, row); err != nil {
		return fmt.Errorf("failed to append trust entry: %w", err)
	}

	before := m.scores[canonicalID]
	m.scores[canonicalID] = clamp(before + delta)

	L_debug("trust: recorded",
		"canonicalId", canonicalID, "category", category,
		"delta", delta, "score", m.scores[canonicalID])
	return nil
}

// History returns an identity's full ledger in append order
func (m *Manager) History(ctx context.Context, canonicalID string) ([]Entry, error) {
	rows, err := m.store.GetAudit(ctx, canonicalID)
	if err != nil {
		return nil, err
	}

	out := make([]Entry, 0, len(rows))
	for _, r := range rows {
		out = append(out, Entry{
			ID:          r.ID,
			CanonicalID: r.CanonicalID,
			Category:    r.Category,
			Delta:       r.Delta,
			Reason:      r.Reason,
			Outcome:     r.Outcome,
			Timestamp:   r.Timestamp,
		})
	}
	return out, nil
}

// Verify replays an identity's log and compares it against the cached
// score. Divergence is loud: it means the append-only invariant broke.
func (m *Manager) Verify(ctx context.Context, canonicalID string) error {
	rows, err := m.store.GetAudit(ctx, canonicalID)
	if err != nil {
		return err
	}
	replayed := replayRows(rows)

	m.mu.Lock()
	cached := m.scores[canonicalID]
	m.mu.Unlock()

	if replayed != cached {
		L_error("trust: ledger divergence",
			"canonicalId", canonicalID, "cached", cached, "replayed", replayed)
		return fmt.Errorf("%w: identity %s cached %.4f, log replays to %.4f",
			ErrLedgerDivergence, canonicalID, cached, replayed)
	}
	return nil
}

// Merge folds an absorbed identity's ledger into the survivor's.
// Called from the identity manager's merge hook.
func (m *Manager) Merge(ctx context.Context, fromID, toID string) {
	if err := m.store.ReassignAudit(ctx, fromID, toID); err != nil {
		L_error("trust: failed to merge ledgers", "from", fromID, "to", toID, "error", err)
		return
	}

	rows, err := m.store.GetAudit(ctx, toID)
	if err != nil {
		L_error("trust: failed to replay merged ledger", "canonicalId", toID, "error", err)
		return
	}

	m.mu.Lock()
	delete(m.scores, fromID)
	m.scores[toID] = replayRows(rows)
	score := m.scores[toID]
	m.mu.Unlock()

	L_info("trust: ledgers merged", "from", fromID, "to", toID, "score", score)
}
