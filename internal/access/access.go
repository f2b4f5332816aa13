// Package access decides whether an inbound sender may interact with
// the gateway at all. It evaluates per-channel policy rules and runs
// the pairing-code flow for unknown senders.
package access

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/arcuslabs/arcusgw/internal/config"
	. "github.com/arcuslabs/arcusgw/internal/logging"
	"github.com/arcuslabs/arcusgw/internal/store"
	"github.com/arcuslabs/arcusgw/internal/types"
)

var (
	ErrUnknownCode           = errors.New("unknown pairing code")
	ErrCodeExpired           = errors.New("pairing code expired")
	ErrCodeResolved          = errors.New("pairing code already resolved")
	ErrApproverNotAuthorized = errors.New("approver not authorized")
)

// Decision is the outcome of an access evaluation
type Decision struct {
	Allowed bool
	Mode    string // policy mode that produced the decision
	Reason  string

	// PairingCode is set when the sender has a pending pairing request;
	// the dispatcher relays it so an operator can approve out of band.
	PairingCode string
}

// ApprovedFunc is called after a pairing approval commits, with the
// newly admitted alias and the approver tag. Used to bootstrap trust.
type ApprovedFunc func(ctx context.Context, alias types.Alias, approver string)

// Controller evaluates access policy and owns pairing state
type Controller struct {
	snap  *config.Snapshot
	store *store.Store

	mu       sync.Mutex
	pending  map[types.Alias]*PairingRequest
	byCode   map[string]*PairingRequest
	approved map[types.Alias]bool

	onApproved ApprovedFunc

	now func() time.Time
}

// New creates a controller, restoring pairing state from the store
func New(ctx context.Context, snap *config.Snapshot, st *store.Store) (*Controller, error) {
	c := &Controller{
		snap:     snap,
		store:    st,
		pending:  make(map[types.Alias]*PairingRequest),
		byCode:   make(map[string]*PairingRequest),
		approved: make(map[types.Alias]bool),
		now:      time.Now,
	}

	rows, err := st.LoadPairings(ctx)
	if err != nil {
		return nil, err
	}
	for _, r := range rows {
		switch r.Status {
		case StatusApproved:
			c.approved[types.Alias(r.Alias)] = true
		case StatusPending:
			req := &PairingRequest{
				ID:        r.ID,
				Alias:     types.Alias(r.Alias),
				Code:      r.Code,
				IssuedAt:  r.IssuedAt,
				ExpiresAt: r.ExpiresAt,
				Status:    r.Status,
			}
			c.pending[req.Alias] = req
			c.byCode[req.Code] = req
		}
	}

	L_debug("access: restored pairing state",
		"approved", len(c.approved), "pending", len(c.pending))
	return c, nil
}

// OnApproved registers the approval callback. Must be set before the
// controller starts serving approvals.
func (c *Controller) OnApproved(f ApprovedFunc) {
	c.onApproved = f
}

// Evaluate decides whether sender may interact in chat. Deny decisions
// under pairing mode carry the sender's active pairing code.
func (c *Controller) Evaluate(ctx context.Context, sender types.Alias, chat types.ChatRef) Decision {
	cfg := c.snap.Current()
	mode, allow := ruleFor(&cfg.Access, sender.Channel(), chat.Kind)

	switch mode {
	case "open":
		return Decision{Allowed: true, Mode: mode}

	case "disabled":
		return Decision{Allowed: false, Mode: mode, Reason: "channel disabled"}

	case "allowlist":
		if allowlisted(allow, sender) {
			return Decision{Allowed: true, Mode: mode}
		}
		// Group chats can be allowlisted by their group id, admitting
		// every member
		if chat.Kind == types.ChatGroup && contains(allow, chat.ID) {
			return Decision{Allowed: true, Mode: mode}
		}
		return Decision{Allowed: false, Mode: mode, Reason: "sender not on allowlist"}

	case "pairing":
		c.mu.Lock()
		defer c.mu.Unlock()

		if c.approved[sender] {
			return Decision{Allowed: true, Mode: mode}
		}

		code, err := c.ensurePendingLocked(ctx, sender, cfg.Pairing)
		if err != nil {
			L_error("access: failed to issue pairing code", "sender", sender, "error", err)
			return Decision{Allowed: false, Mode: mode, Reason: "pairing unavailable"}
		}
		return Decision{
			Allowed:     false,
			Mode:        mode,
			Reason:      "pairing required",
			PairingCode: code,
		}
	}

	// Unrecognized mode denies; config validation should have caught it
	return Decision{Allowed: false, Mode: mode, Reason: "unknown access mode"}
}

// ensurePendingLocked returns the sender's active pairing code, issuing
// a new request when none exists or the old one lapsed. At most one
// pending request per alias exists at any time.
func (c *Controller) ensurePendingLocked(ctx context.Context, sender types.Alias, pc config.PairingConfig) (string, error) {
	now := c.now()

	if req, ok := c.pending[sender]; ok {
		if !req.Expired(now) {
			return req.Code, nil
		}
		c.resolveLocked(ctx, req, StatusExpired, "")
	}

	code, err := c.uniqueCodeLocked(pc.CodeLength)
	if err != nil {
		return "", err
	}

	req := newRequest(sender, code, now, pc.TTL())
	c.pending[sender] = req
	c.byCode[code] = req

	if err := c.persist(ctx, req); err != nil {
		return "", err
	}

	L_info("access: pairing code issued",
		"sender", sender, "expiresAt", req.ExpiresAt.Format(time.RFC3339))
	return code, nil
}

// uniqueCodeLocked generates a code not currently held by any live request
func (c *Controller) uniqueCodeLocked(length int) (string, error) {
	for attempt := 0; attempt < 10; attempt++ {
		code, err := generateCode(length)
		if err != nil {
			return "", err
		}
		if _, taken := c.byCode[code]; !taken {
			return code, nil
		}
	}
	return "", errors.New("failed to generate unique pairing code")
}

// Approve resolves a pending pairing code. approverLevel is the
// approver's current autonomy level; approvals below the configured
// minimum are refused. An expired code never approves.
func (c *Controller) Approve(ctx context.Context, code, approver string, approverLevel int) (types.Alias, error) {
	cfg := c.snap.Current()
	if approverLevel < cfg.Trust.ApproverMinLevel {
		return "", ErrApproverNotAuthorized
	}

	c.mu.Lock()
	req, ok := c.byCode[code]
	if !ok {
		c.mu.Unlock()
		return "", ErrUnknownCode
	}
	if req.Status != StatusPending {
		c.mu.Unlock()
		return "", ErrCodeResolved
	}
	if req.Expired(c.now()) {
		c.resolveLocked(ctx, req, StatusExpired, "")
		c.mu.Unlock()
		return "", ErrCodeExpired
	}

	c.resolveLocked(ctx, req, StatusApproved, approver)
	c.approved[req.Alias] = true
	c.mu.Unlock()

	L_info("access: pairing approved", "alias", req.Alias, "approver", approver)

	if c.onApproved != nil {
		c.onApproved(ctx, req.Alias, approver)
	}
	return req.Alias, nil
}

// Deny resolves a pending pairing code without granting access
func (c *Controller) Deny(ctx context.Context, code, approver string) (types.Alias, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	req, ok := c.byCode[code]
	if !ok {
		return "", ErrUnknownCode
	}
	if req.Status != StatusPending {
		return "", ErrCodeResolved
	}

	c.resolveLocked(ctx, req, StatusDenied, approver)
	L_info("access: pairing denied", "alias", req.Alias, "approver", approver)
	return req.Alias, nil
}

// Revoke withdraws a previously approved alias
func (c *Controller) Revoke(ctx context.Context, alias types.Alias) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.approved[alias] {
		return nil
	}
	delete(c.approved, alias)

	if err := c.store.RevokeApprovals(ctx, string(alias)); err != nil {
		return err
	}

	L_info("access: approval revoked", "alias", alias)
	return nil
}

// Pending returns a copy of the live pending requests, for operator
// listing
func (c *Controller) Pending() []PairingRequest {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]PairingRequest, 0, len(c.pending))
	for _, req := range c.pending {
		out = append(out, *req)
	}
	return out
}

// Approved reports whether alias holds a pairing grant
func (c *Controller) Approved(alias types.Alias) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.approved[alias]
}

// Sweep expires stale pending requests and prunes dead rows past the
// retention window. Run periodically from the heartbeat scheduler.
func (c *Controller) Sweep(ctx context.Context) {
	cfg := c.snap.Current()
	now := c.now()

	c.mu.Lock()
	for _, req := range c.pending {
		if req.Expired(now) {
			c.resolveLocked(ctx, req, StatusExpired, "")
		}
	}
	c.mu.Unlock()

	cutoff := now.Add(-cfg.Pairing.Retention())
	n, err := c.store.DeletePairingsBefore(ctx, cutoff)
	if err != nil {
		L_warn("access: pairing retention sweep failed", "error", err)
		return
	}
	if n > 0 {
		L_debug("access: pruned dead pairing requests", "count", n)
	}
}

// resolveLocked moves a request to a terminal status and persists it.
// Caller holds the lock.
func (c *Controller) resolveLocked(ctx context.Context, req *PairingRequest, status, approver string) {
	req.Status = status
	req.Approver = approver
	delete(c.pending, req.Alias)
	delete(c.byCode, req.Code)

	if err := c.persist(ctx, req); err != nil {
		L_error("access: failed to persist pairing state",
			"alias", req.Alias, "status", status, "error", err)
	}
}

func (c *Controller) persist(ctx context.Context, req *PairingRequest) error {
	return c.store.PutPairing(ctx, store.PairingRow{
		ID:        req.ID,
		Alias:     string(req.Alias),
		Code:      req.Code,
		IssuedAt:  req.IssuedAt,
		ExpiresAt: req.ExpiresAt,
		Status:    req.Status,
		Approver:  req.Approver,
	})
}

// ruleFor finds the policy mode for a (channel, chat kind) pair,
// falling back to the configured default mode
func ruleFor(ac *config.AccessConfig, channel string, kind types.ChatKind) (string, []string) {
	for _, r := range ac.Rules {
		if r.Channel == channel && r.Kind == string(kind) {
			return r.Mode, r.Allow
		}
	}
	mode := ac.DefaultMode
	if mode == "" {
		mode = "pairing"
	}
	return mode, nil
}

// allowlisted matches either the full alias or the platform-native id
func allowlisted(allow []string, sender types.Alias) bool {
	for _, a := range allow {
		if a == string(sender) || a == sender.RawID() {
			return true
		}
	}
	return false
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
