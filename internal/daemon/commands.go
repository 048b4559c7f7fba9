package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/molt-labs/molt/pkg/channel"
)

const helpText = `Commands:
/status — agent state, counters, stability
/pause — stop heartbeats and consolidation
/resume — resume autonomous operation
/heartbeat — trigger an immediate heartbeat
/ask <question> — ask the agent anything (answers async)
/reflect — force a reflection cycle (async)
/strategy — show the current strategy document
/stability — show the stability index breakdown
/insights [n] — show learned insights
/events [n] — show recent internal events
/digest — send the pending digest now
/dm <conversation_id> <text> — answer an escalated DM yourself
/dm release <conversation_id> — hand an escalated DM back to the agent
/search <query> — search Moltbook posts
/watch <name> [note] — watch and follow another agent
/unwatch <name> — stop watching and unfollow
/help — this text`

// onOperatorMessage handles a message from any operator channel. Every
// message is a command; channels have already authenticated the sender.
func (d *Daemon) onOperatorMessage(ctx context.Context, msg channel.Message) error {
	reply, err := d.runCommand(ctx, msg)
	if err != nil {
		reply = "Error: " + err.Error()
	}
	if reply == "" {
		return nil
	}
	ch := d.channelByName(msg.Source)
	if ch == nil {
		slog.Warn("reply channel unknown", "source", msg.Source)
		return nil
	}
	return ch.Send(ctx, channel.Response{Content: reply, RoomID: msg.RoomID})
}

func (d *Daemon) channelByName(name string) Reporter {
	for _, ch := range d.channels {
		if ch.Name() == name {
			return ch
		}
	}
	return nil
}

func (d *Daemon) runCommand(ctx context.Context, msg channel.Message) (string, error) {
	text := strings.TrimSpace(msg.Content)
	cmd, rest := text, ""
	if i := strings.IndexByte(text, ' '); i > 0 {
		cmd, rest = text[:i], strings.TrimSpace(text[i+1:])
	}

	switch cmd {
	case "/help", "help":
		return helpText, nil

	case "/status":
		return d.statusText(), nil

	case "/pause":
		if err := d.store.SetState("paused", "1"); err != nil {
			return "", err
		}
		d.store.Audit("paused", "operator")
		return "⏸ Paused. Heartbeats and consolidation are stopped; /resume to continue.", nil

	case "/resume":
		if err := d.store.SetState("paused", "0"); err != nil {
			return "", err
		}
		d.store.Audit("resumed", "operator")
		return "▶️ Resumed.", nil

	case "/heartbeat":
		if _, err := d.store.AddTask("heartbeat", ""); err != nil {
			return "", err
		}
		return "💓 Heartbeat queued.", nil

	case "/ask":
		if rest == "" {
			return "Usage: /ask <question>", nil
		}
		if _, err := d.store.AddTask("ask", rest); err != nil {
			return "", err
		}
		return "🤔 Thinking — answer coming up.", nil

	case "/reflect":
		if _, err := d.store.AddTask("reflect", ""); err != nil {
			return "", err
		}
		return "🪞 Reflection queued.", nil

	case "/strategy":
		doc, err := d.currentStrategy().JSON()
		if err != nil {
			return "", err
		}
		latest, _ := d.store.LatestStrategy()
		header := "Current strategy"
		if latest != nil {
			header = fmt.Sprintf("Strategy v%d (trigger: %s)", latest.Version, latest.Trigger)
		}
		return header + "\n```\n" + doc + "\n```", nil

	case "/stability":
		report, err := d.stability.Compute()
		if err != nil {
			return "", err
		}
		var sb strings.Builder
		fmt.Fprintf(&sb, "Stability: %.3f", report.Overall)
		if report.Alert {
			sb.WriteString(" ⚠️ ALERT")
		}
		for name, v := range report.Components {
			fmt.Fprintf(&sb, "\n  %s: %.3f", name, v)
		}
		return sb.String(), nil

	case "/insights":
		limit := 10
		if n, err := strconv.Atoi(rest); err == nil && n > 0 {
			limit = n
		}
		insights, err := d.store.Insights(limit)
		if err != nil {
			return "", err
		}
		if len(insights) == 0 {
			return "No insights yet.", nil
		}
		var sb strings.Builder
		sb.WriteString("Insights:\n")
		for _, in := range insights {
			fmt.Fprintf(&sb, "• [%s %.2f ×%d] %s\n", in.Category, in.Confidence, in.EvidenceCount, in.Insight)
		}
		return sb.String(), nil

	case "/events":
		limit := 10
		if n, err := strconv.Atoi(rest); err == nil && n > 0 {
			limit = n
		}
		events := d.bus.Recent(limit)
		if len(events) == 0 {
			return "No events this session.", nil
		}
		var sb strings.Builder
		sb.WriteString("Recent events:\n")
		for _, e := range events {
			fmt.Fprintf(&sb, "• %s %s\n", e.At.Format("15:04:05"), e.Type)
		}
		return sb.String(), nil

	case "/digest":
		d.digestJob()
		return "", nil

	case "/dm":
		return d.dmCommand(ctx, rest)

	case "/search":
		if rest == "" {
			return "Usage: /search <query>", nil
		}
		posts, err := d.client.Search(ctx, rest, 5)
		if err != nil {
			return "", err
		}
		if len(posts) == 0 {
			return "Nothing found.", nil
		}
		var sb strings.Builder
		for _, p := range posts {
			fmt.Fprintf(&sb, "[%s] %s — by %s\n", p.ID, p.Title, p.Author)
		}
		return sb.String(), nil

	case "/watch":
		if rest == "" {
			agents, err := d.store.WatchedAgents()
			if err != nil {
				return "", err
			}
			if len(agents) == 0 {
				return "Not watching anyone. Usage: /watch <name> [note]", nil
			}
			var sb strings.Builder
			sb.WriteString("Watching:\n")
			for _, a := range agents {
				fmt.Fprintf(&sb, "• %s — %s\n", a.Name, a.Note)
			}
			return sb.String(), nil
		}
		name, note := rest, ""
		if i := strings.IndexByte(rest, ' '); i > 0 {
			name, note = rest[:i], strings.TrimSpace(rest[i+1:])
		}
		if err := d.store.WatchAgent(name, note); err != nil {
			return "", err
		}
		if err := d.client.Follow(ctx, name); err != nil {
			return "", fmt.Errorf("watching %s, but follow failed: %w", name, err)
		}
		return fmt.Sprintf("👀 Watching and following %s.", name), nil

	case "/unwatch":
		if rest == "" {
			return "Usage: /unwatch <name>", nil
		}
		if err := d.store.UnwatchAgent(rest); err != nil {
			return "", err
		}
		if err := d.client.Unfollow(ctx, rest); err != nil {
			return "", fmt.Errorf("unwatched %s, but unfollow failed: %w", rest, err)
		}
		return fmt.Sprintf("Stopped watching %s.", rest), nil

	default:
		if strings.HasPrefix(cmd, "/") {
			return "Unknown command. /help for the list.", nil
		}
		// Bare text is treated as a question.
		if _, err := d.store.AddTask("ask", text); err != nil {
			return "", err
		}
		return "🤔 Thinking — answer coming up.", nil
	}
}

// dmCommand resolves escalated DM conversations: the operator either
// answers in the agent's stead or releases the thread back to it.
func (d *Daemon) dmCommand(ctx context.Context, rest string) (string, error) {
	if rest == "" {
		return "Usage: /dm <conversation_id> <text> or /dm release <conversation_id>", nil
	}
	parts := strings.SplitN(rest, " ", 2)

	if parts[0] == "release" {
		if len(parts) < 2 {
			return "Usage: /dm release <conversation_id>", nil
		}
		convID := strings.TrimSpace(parts[1])
		if err := d.store.SetDMNeedsHuman(convID, false); err != nil {
			return "", err
		}
		d.store.Audit("dm_released", convID)
		return "🤝 Conversation released back to the agent.", nil
	}

	if len(parts) < 2 {
		return "Usage: /dm <conversation_id> <text>", nil
	}
	convID, text := parts[0], parts[1]
	if _, err := d.client.SendDM(ctx, convID, text); err != nil {
		return "", err
	}
	d.store.SetDMNeedsHuman(convID, false)
	d.store.Audit("dm_operator_reply", convID)
	return "📨 Sent. The agent handles this conversation again.", nil
}

func (d *Daemon) statusText() string {
	stats := d.store.Stats()
	count, _ := d.store.GetStateInt("heartbeat_count")
	name := d.agentName()
	if name == "" {
		name = "(unregistered)"
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "🦀 %s\n", name)
	if stats.Paused {
		sb.WriteString("State: ⏸ paused\n")
	} else {
		sb.WriteString("State: running\n")
	}
	fmt.Fprintf(&sb, "Uptime: %s\n", time.Since(d.startedAt).Round(time.Second))
	fmt.Fprintf(&sb, "Heartbeats: %d\n", count)
	fmt.Fprintf(&sb, "Posts: %d | Comments today: %d | Unreplied: %d\n",
		stats.TotalPosts, stats.CommentsToday, stats.UnrepliedComments)
	fmt.Fprintf(&sb, "Episodes: %d | Pending tasks: %d\n", d.store.EpisodeCount(), stats.PendingTasks)
	if stats.LastPostAt != nil {
		fmt.Fprintf(&sb, "Last post: %.1fh ago\n", stats.HoursSinceLastPost)
	}
	if report, err := d.stability.Compute(); err == nil {
		fmt.Fprintf(&sb, "Stability: %.3f", report.Overall)
		if report.Alert {
			sb.WriteString(" ⚠️")
		}
	}
	return sb.String()
}
