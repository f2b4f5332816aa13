// Package identity maps channel-scoped aliases onto canonical
// identities and owns the session lifecycle keyed off them.
//
// An identity starts as a single alias on first contact. Linking two
// aliases merges their identities; the merge is commutative and
// idempotent, and the survivor is always the identity created first so
// repeated links from any direction converge on the same canonical id.
package identity

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/arcuslabs/arcusgw/internal/config"
	. "github.com/arcuslabs/arcusgw/internal/logging"
	"github.com/arcuslabs/arcusgw/internal/store"
	"github.com/arcuslabs/arcusgw/internal/types"
)

// Identity is one canonical person/agent known to the gateway
type Identity struct {
	CanonicalID string
	CreatedAt   time.Time
	Aliases     []types.Alias
}

// MergeFunc is called after two identities merge, with the absorbed id
// and the survivor. Used to fold trust ledgers together.
type MergeFunc func(ctx context.Context, fromID, toID string)

// Manager owns the alias index and all identities
type Manager struct {
	snap  *config.Snapshot
	store *store.Store

	mu         sync.Mutex
	aliases    map[types.Alias]string // alias -> canonical id
	identities map[string]*Identity
	sessions   map[string]*Session

	onMerge MergeFunc

	now func() time.Time
}

// NewManager creates a manager, restoring identities and sessions from
// the store
func NewManager(ctx context.Context, snap *config.Snapshot, st *store.Store) (*Manager, error) {
	m := &Manager{
		snap:       snap,
		store:      st,
		aliases:    make(map[types.Alias]string),
		identities: make(map[string]*Identity),
		sessions:   make(map[string]*Session),
		now:        time.Now,
	}

	idRows, err := st.LoadIdentities(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load identities: %w", err)
	}
	for _, r := range idRows {
		if r.MergedInto != "" {
			continue
		}
		m.identities[r.CanonicalID] = &Identity{
			CanonicalID: r.CanonicalID,
			CreatedAt:   r.CreatedAt,
		}
	}

	aliasRows, err := st.LoadAliases(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load aliases: %w", err)
	}
	for alias, id := range aliasRows {
		a := types.Alias(alias)
		m.aliases[a] = id
		if ident, ok := m.identities[id]; ok {
			ident.Aliases = append(ident.Aliases, a)
		}
	}

	sessRows, err := st.LoadSessions(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load sessions: %w", err)
	}
	cfg := snap.Current()
	for _, r := range sessRows {
		turns, err := st.GetTurns(ctx, r.Key, cfg.Session.MaxHistoryTurns)
		if err != nil {
			return nil, fmt.Errorf("failed to load turns for %s: %w", r.Key, err)
		}
		m.sessions[r.Key] = &Session{
			Key:          r.Key,
			CanonicalID:  r.CanonicalID,
			CreatedAt:    r.CreatedAt,
			LastActiveAt: r.LastActiveAt,
			turns:        storedTurns(turns),
		}
	}

	L_info("identity: restored state",
		"identities", len(m.identities), "aliases", len(m.aliases), "sessions", len(m.sessions))
	return m, nil
}

// OnMerge registers the merge callback
func (m *Manager) OnMerge(f MergeFunc) {
	m.onMerge = f
}

// Resolve returns the canonical id for alias, creating a fresh identity
// on first contact
func (m *Manager) Resolve(ctx context.Context, alias types.Alias) (string, error) {
	if !alias.Valid() {
		return "", fmt.Errorf("malformed alias %q", alias)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	return m.resolveLocked(ctx, alias)
}

func (m *Manager) resolveLocked(ctx context.Context, alias types.Alias) (string, error) {
	if id, ok := m.aliases[alias]; ok {
		return id, nil
	}

	now := m.now()
	ident := &Identity{
		CanonicalID: uuid.NewString(),
		CreatedAt:   now,
		Aliases:     []types.Alias{alias},
	}

	if err := m.store.PutIdentity(ctx, store.IdentityRow{
		CanonicalID: ident.CanonicalID,
		CreatedAt:   now,
	}); err != nil {
		return "", fmt.Errorf("failed to persist identity: %w", err)
	}
	if err := m.store.PutAlias(ctx, string(alias), ident.CanonicalID, now); err != nil {
		return "", fmt.Errorf("failed to persist alias: %w", err)
	}

	m.identities[ident.CanonicalID] = ident
	m.aliases[alias] = ident.CanonicalID

	L_info("identity: new identity", "alias", alias, "canonicalId", ident.CanonicalID)
	return ident.CanonicalID, nil
}

// Link merges the identities behind two aliases and returns the
// surviving canonical id. Linking already-linked aliases is a no-op.
// The survivor is the identity created earliest (ties break on id), so
// Link(a, b) and Link(b, a) produce the same result.
func (m *Manager) Link(ctx context.Context, a, b types.Alias) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	idA, err := m.resolveLocked(ctx, a)
	if err != nil {
		return "", err
	}
	idB, err := m.resolveLocked(ctx, b)
	if err != nil {
		return "", err
	}
	if idA == idB {
		return idA, nil
	}

	survivor, absorbed := m.identities[idA], m.identities[idB]
	if olderFirst(absorbed, survivor) {
		survivor, absorbed = absorbed, survivor
	}

	if err := m.store.ReassignAliases(ctx, absorbed.CanonicalID, survivor.CanonicalID); err != nil {
		return "", fmt.Errorf("failed to persist merge: %w", err)
	}

	for _, alias := range absorbed.Aliases {
		m.aliases[alias] = survivor.CanonicalID
	}
	survivor.Aliases = append(survivor.Aliases, absorbed.Aliases...)
	delete(m.identities, absorbed.CanonicalID)

	// Re-point the absorbed identity's sessions at the survivor
	for _, sess := range m.sessions {
		if sess.CanonicalID == absorbed.CanonicalID {
			sess.CanonicalID = survivor.CanonicalID
		}
	}

	L_info("identity: merged",
		"absorbed", absorbed.CanonicalID, "survivor", survivor.CanonicalID,
		"aliases", len(survivor.Aliases))

	if m.onMerge != nil {
		m.onMerge(ctx, absorbed.CanonicalID, survivor.CanonicalID)
	}
	return survivor.CanonicalID, nil
}

// olderFirst reports whether x was created before y, breaking exact
// timestamp ties on the canonical id so ordering is total
func olderFirst(x, y *Identity) bool {
	if !x.CreatedAt.Equal(y.CreatedAt) {
		return x.CreatedAt.Before(y.CreatedAt)
	}
	return x.CanonicalID < y.CanonicalID
}

// Get returns a copy of an identity, or false if unknown
func (m *Manager) Get(canonicalID string) (Identity, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ident, ok := m.identities[canonicalID]
	if !ok {
		return Identity{}, false
	}
	out := *ident
	out.Aliases = append([]types.Alias(nil), ident.Aliases...)
	return out, true
}

// Lookup returns the canonical id for alias without creating anything
func (m *Manager) Lookup(alias types.Alias) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.aliases[alias]
	return id, ok
}
