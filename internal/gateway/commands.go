package gateway

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	. "github.com/arcuslabs/arcusgw/internal/logging"
	"github.com/arcuslabs/arcusgw/internal/types"
)

const helpText = `Commands:
/new - start a fresh session
/status - gateway health
/autonomy - your autonomy level and trust score
/help - this list`

// handleCommand intercepts operator slash commands before the message
// reaches recall and generation. Commands never become conversation
// turns. Unrecognized slash text falls through, so ordinary messages
// that happen to start with "/" still get a reply.
func (d *Dispatcher) handleCommand(ctx context.Context, msg *types.NormalizedMessage, key, canonicalID string) bool {
	fields := strings.Fields(msg.Text)
	if len(fields) == 0 || !strings.HasPrefix(fields[0], "/") {
		return false
	}
	// Group chats address commands as /cmd@botname
	cmd, _, _ := strings.Cut(fields[0], "@")

	switch cmd {
	case "/new":
		if err := d.ids.ResetSession(ctx, key); err != nil {
			L_warn("gateway: session reset command failed", "key", key, "error", err)
			d.sendText(ctx, msg, "Couldn't reset the session. Please try again.")
			return true
		}
		d.bus.Publish(EventSessionReset, map[string]any{"key": key})
		d.sendText(ctx, msg, "Started a fresh session. Previous conversation is cleared.")

	case "/status":
		d.sendText(ctx, msg, statusText(d.CheckHealth()))

	case "/autonomy":
		d.sendText(ctx, msg, fmt.Sprintf("Autonomy level %d (trust score %.2f).",
			d.trust.Level(canonicalID), d.trust.Score(canonicalID)))

	case "/help":
		d.sendText(ctx, msg, helpText)

	default:
		return false
	}

	L_debug("gateway: command handled", "command", cmd, "sender", msg.Sender)
	return true
}

func statusText(h Health) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Up %s. %d message(s) in flight, %d active session(s).",
		h.Uptime.Round(time.Second), h.Inflight, h.Sessions)

	names := make([]string, 0, len(h.Channels))
	for name := range h.Channels {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		state := "down"
		if h.Channels[name] {
			state = "up"
		}
		fmt.Fprintf(&b, "\n%s: %s", name, state)
	}
	return b.String()
}
