// arcusgw is a multi-channel conversational gateway: it normalizes
// messages from channel adapters, enforces access and trust policy, and
// routes conversations to the agent runtime behind it.
package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"

	"github.com/arcuslabs/arcusgw/internal/access"
	"github.com/arcuslabs/arcusgw/internal/channels/telegram"
	"github.com/arcuslabs/arcusgw/internal/channels/ws"
	"github.com/arcuslabs/arcusgw/internal/config"
	"github.com/arcuslabs/arcusgw/internal/gateway"
	"github.com/arcuslabs/arcusgw/internal/heartbeat"
	"github.com/arcuslabs/arcusgw/internal/identity"
	"github.com/arcuslabs/arcusgw/internal/logging"
	. "github.com/arcuslabs/arcusgw/internal/logging"
	"github.com/arcuslabs/arcusgw/internal/store"
	"github.com/arcuslabs/arcusgw/internal/trust"
	"github.com/arcuslabs/arcusgw/internal/types"
	"github.com/arcuslabs/arcusgw/internal/upstream"
)

const version = "0.1.0"

type CLI struct {
	Config string `help:"Path to the config file." default:"arcusgw.toml" type:"path"`

	Serve    ServeCmd    `cmd:"" default:"withargs" help:"Run the gateway."`
	Pair     PairCmd     `cmd:"" help:"Manage pairing requests."`
	Identity IdentityCmd `cmd:"" help:"Inspect and link identities."`
	Trust    TrustCmd    `cmd:"" help:"Inspect the trust ledger."`
	Session  SessionCmd  `cmd:"" help:"Inspect and reset sessions."`
	Version  VersionCmd  `cmd:"" help:"Print the version."`
}

func main() {
	var cli CLI
	kctx := kong.Parse(&cli,
		kong.Name("arcusgw"),
		kong.Description("Multi-channel conversational gateway."),
		kong.UsageOnError(),
	)
	kctx.FatalIfErrorf(kctx.Run(&cli))
}

// app holds the wired core shared by every command
type app struct {
	cfg    *config.Config
	snap   *config.Snapshot
	store  *store.Store
	access *access.Controller
	ids    *identity.Manager
	trust  *trust.Manager
}

// openApp loads config and builds the managers over the store
func openApp(ctx context.Context, cli *CLI) (*app, error) {
	cfg, err := config.Load(cli.Config)
	if err != nil {
		return nil, err
	}

	logging.Init(&logging.Config{
		Level:      cfg.LogLevel(),
		TimeFormat: "15:04:05",
		ShowCaller: true,
	})

	st, err := store.Open(cfg.Store.Path)
	if err != nil {
		return nil, err
	}

	snap := config.NewSnapshot(cfg)

	ac, err := access.New(ctx, snap, st)
	if err != nil {
		st.Close()
		return nil, err
	}
	ids, err := identity.NewManager(ctx, snap, st)
	if err != nil {
		st.Close()
		return nil, err
	}
	tr, err := trust.NewManager(ctx, snap, st)
	if err != nil {
		st.Close()
		return nil, err
	}

	ids.OnMerge(tr.Merge)
	ac.OnApproved(func(ctx context.Context, alias types.Alias, approver string) {
		id, err := ids.Resolve(ctx, alias)
		if err != nil {
			L_error("failed to resolve approved alias", "alias", alias, "error", err)
			return
		}
		if err := tr.Bootstrap(ctx, id, "paired by "+approver); err != nil {
			L_error("failed to bootstrap trust", "canonicalId", id, "error", err)
		}
	})

	return &app{cfg: cfg, snap: snap, store: st, access: ac, ids: ids, trust: tr}, nil
}

func (a *app) close() {
	a.store.Close()
}

// ---------------------------------------------------------------------------
// serve

type ServeCmd struct{}

func (s *ServeCmd) Run(cli *CLI) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := openApp(ctx, cli)
	if err != nil {
		return err
	}
	defer a.close()

	L_info("arcusgw %s starting", version)

	up := upstream.New(a.cfg.Upstream)
	d := gateway.New(gateway.Deps{
		Config:    a.snap,
		Access:    a.access,
		Identity:  a.ids,
		Trust:     a.trust,
		Recaller:  up,
		Generator: up,
		Executor:  up,
	})

	for name, ch := range a.cfg.Channels {
		if !ch.Enabled {
			continue
		}
		switch name {
		case "telegram":
			t, err := telegram.New(ch)
			if err != nil {
				return fmt.Errorf("telegram adapter: %w", err)
			}
			d.AddAdapter(t)
		case "ws":
			d.AddAdapter(ws.New(ch))
		default:
			L_warn("unknown channel in config, skipping", "channel", name)
		}
	}

	// Hot-reload the config snapshot on file changes
	watcher, err := config.NewWatcher(cli.Config, a.snap, nil)
	if err != nil {
		L_warn("config watching disabled", "error", err)
	} else {
		defer watcher.Close()
	}

	hb := heartbeat.New(a.snap, d.HandleInbound, func(ctx context.Context) {
		a.access.Sweep(ctx)
	})
	if err := hb.Start(); err != nil {
		return err
	}

	d.Start(ctx)
	L_info("arcusgw ready")

	<-ctx.Done()
	L_info("shutting down")

	hb.Stop()
	d.Stop()
	return nil
}

// ---------------------------------------------------------------------------
// pair

type PairCmd struct {
	List    PairListCmd    `cmd:"" help:"List pending pairing requests."`
	Approve PairApproveCmd `cmd:"" help:"Approve a pairing code."`
	Deny    PairDenyCmd    `cmd:"" help:"Deny a pairing code."`
}

type PairListCmd struct{}

func (p *PairListCmd) Run(cli *CLI) error {
	ctx := context.Background()
	a, err := openApp(ctx, cli)
	if err != nil {
		return err
	}
	defer a.close()

	pending := a.access.Pending()
	if len(pending) == 0 {
		fmt.Println("no pending pairing requests")
		return nil
	}
	for _, req := range pending {
		fmt.Printf("%s  %-30s expires %s\n",
			req.Code, req.Alias, req.ExpiresAt.Format(time.RFC3339))
	}
	return nil
}

type PairApproveCmd struct {
	Code string `arg:"" help:"Pairing code to approve."`
	As   string `help:"Approve as this alias (channel:id); its trust level applies. Defaults to the local operator."`
}

func (p *PairApproveCmd) Run(cli *CLI) error {
	ctx := context.Background()
	a, err := openApp(ctx, cli)
	if err != nil {
		return err
	}
	defer a.close()

	// The local operator holds the highest level; a remote approver
	// brings whatever level they earned
	approver := "operator"
	level := 4
	if p.As != "" {
		id, ok := a.ids.Lookup(types.Alias(p.As))
		if !ok {
			return fmt.Errorf("unknown approver alias %q", p.As)
		}
		approver = p.As
		level = a.trust.Level(id)
	}

	alias, err := a.access.Approve(ctx, p.Code, approver, level)
	if err != nil {
		return err
	}
	fmt.Printf("approved %s\n", alias)
	return nil
}

type PairDenyCmd struct {
	Code string `arg:"" help:"Pairing code to deny."`
}

func (p *PairDenyCmd) Run(cli *CLI) error {
	ctx := context.Background()
	a, err := openApp(ctx, cli)
	if err != nil {
		return err
	}
	defer a.close()

	alias, err := a.access.Deny(ctx, p.Code, "operator")
	if err != nil {
		return err
	}
	fmt.Printf("denied %s\n", alias)
	return nil
}

// ---------------------------------------------------------------------------
// identity

type IdentityCmd struct {
	Link IdentityLinkCmd `cmd:"" help:"Link two aliases to one identity."`
	Show IdentityShowCmd `cmd:"" help:"Show the identity behind an alias."`
}

type IdentityLinkCmd struct {
	A string `arg:"" help:"First alias (channel:id)."`
	B string `arg:"" help:"Second alias (channel:id)."`
}

func (c *IdentityLinkCmd) Run(cli *CLI) error {
	ctx := context.Background()
	a, err := openApp(ctx, cli)
	if err != nil {
		return err
	}
	defer a.close()

	survivor, err := a.ids.Link(ctx, types.Alias(c.A), types.Alias(c.B))
	if err != nil {
		return err
	}
	fmt.Printf("linked: canonical identity %s\n", survivor)
	return nil
}

type IdentityShowCmd struct {
	Alias string `arg:"" help:"Alias to look up (channel:id)."`
}

func (c *IdentityShowCmd) Run(cli *CLI) error {
	ctx := context.Background()
	a, err := openApp(ctx, cli)
	if err != nil {
		return err
	}
	defer a.close()

	id, ok := a.ids.Lookup(types.Alias(c.Alias))
	if !ok {
		return fmt.Errorf("unknown alias %q", c.Alias)
	}
	ident, _ := a.ids.Get(id)

	fmt.Printf("canonical id: %s\n", ident.CanonicalID)
	fmt.Printf("created:      %s\n", ident.CreatedAt.Format(time.RFC3339))
	fmt.Printf("trust:        %.4f (L%d)\n", a.trust.Score(id), a.trust.Level(id))
	fmt.Println("aliases:")
	for _, al := range ident.Aliases {
		fmt.Printf("  %s\n", al)
	}
	return nil
}

// ---------------------------------------------------------------------------
// trust

type TrustCmd struct {
	History TrustHistoryCmd `cmd:"" help:"Show an identity's trust ledger."`
	Verify  TrustVerifyCmd  `cmd:"" help:"Verify cached scores against the ledger."`
}

type TrustHistoryCmd struct {
	Alias string `arg:"" help:"Alias to inspect (channel:id)."`
}

func (c *TrustHistoryCmd) Run(cli *CLI) error {
	ctx := context.Background()
	a, err := openApp(ctx, cli)
	if err != nil {
		return err
	}
	defer a.close()

	id, ok := a.ids.Lookup(types.Alias(c.Alias))
	if !ok {
		return fmt.Errorf("unknown alias %q", c.Alias)
	}

	entries, err := a.trust.History(ctx, id)
	if err != nil {
		return err
	}
	for _, e := range entries {
		fmt.Printf("%s  %-12s %+.3f  %-8s %s\n",
			e.Timestamp.Format(time.RFC3339), e.Category, e.Delta, e.Outcome, e.Reason)
	}
	fmt.Printf("score: %.4f (L%d)\n", a.trust.Score(id), a.trust.Level(id))
	return nil
}

type TrustVerifyCmd struct {
	Alias string `arg:"" help:"Alias to verify (channel:id)."`
}

func (c *TrustVerifyCmd) Run(cli *CLI) error {
	ctx := context.Background()
	a, err := openApp(ctx, cli)
	if err != nil {
		return err
	}
	defer a.close()

	id, ok := a.ids.Lookup(types.Alias(c.Alias))
	if !ok {
		return fmt.Errorf("unknown alias %q", c.Alias)
	}
	if err := a.trust.Verify(ctx, id); err != nil {
		return err
	}
	fmt.Println("ok: cached score matches the ledger")
	return nil
}

// ---------------------------------------------------------------------------
// session

type SessionCmd struct {
	List  SessionListCmd  `cmd:"" help:"List sessions."`
	Reset SessionResetCmd `cmd:"" help:"Clear a session's history."`
}

type SessionListCmd struct{}

func (c *SessionListCmd) Run(cli *CLI) error {
	ctx := context.Background()
	a, err := openApp(ctx, cli)
	if err != nil {
		return err
	}
	defer a.close()

	for _, s := range a.ids.Sessions() {
		fmt.Printf("%-50s last active %s\n", s.Key, s.LastActiveAt.Format(time.RFC3339))
	}
	return nil
}

type SessionResetCmd struct {
	Key string `arg:"" help:"Session key to reset."`
}

func (c *SessionResetCmd) Run(cli *CLI) error {
	ctx := context.Background()
	a, err := openApp(ctx, cli)
	if err != nil {
		return err
	}
	defer a.close()

	if err := a.ids.ResetSession(ctx, c.Key); err != nil {
		return err
	}
	fmt.Printf("reset %s\n", c.Key)
	return nil
}

// ---------------------------------------------------------------------------

type VersionCmd struct{}

func (v *VersionCmd) Run(*CLI) error {
	fmt.Printf("arcusgw %s\n", version)
	return nil
}
