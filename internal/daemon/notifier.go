package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/molt-labs/molt/pkg/channel"
	"github.com/molt-labs/molt/pkg/store"
)

const notifyPollInterval = 2 * time.Second

// Reporter is an operator channel that can receive unsolicited reports.
type Reporter interface {
	channel.Channel
	DefaultRoom() string
}

// reportedEvents are the event types worth interrupting the operator
// for by default. Everything else is consumed silently and stays
// queryable via /events and the store. A notify_<type> state row set to
// "1" or "0" overrides the default per type.
var reportedEvents = map[string]bool{
	EventPostCreated:    true,
	EventReplySent:      true,
	EventDMNeedsHuman:   true,
	EventSafetyBlock:    true,
	EventStabilityAlert: true,
	EventReflectionDone: true,
	EventDailyDigest:    true,
	EventTaskDone:       true,
	EventError:          true,
}

// Notifier drains the durable event queue and pushes reports to the
// operator channels. Delivery is at-least-once from the store's
// perspective; the bus wakeup only shortens latency.
type Notifier struct {
	store    *store.Store
	bus      *Bus
	channels []Reporter
}

// NewNotifier creates a notifier over the given channels.
func NewNotifier(s *store.Store, bus *Bus, channels []Reporter) *Notifier {
	return &Notifier{store: s, bus: bus, channels: channels}
}

// Run consumes events until ctx is cancelled.
func (n *Notifier) Run(ctx context.Context) {
	slog.Info("notifier started", "channels", len(n.channels))
	ticker := time.NewTicker(notifyPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("notifier stopping")
			return
		case <-ticker.C:
		case <-n.bus.Wake():
		}
		n.deliver(ctx)
	}
}

func (n *Notifier) deliver(ctx context.Context) {
	events, err := n.store.ConsumeEvents(50)
	if err != nil {
		slog.Warn("event consume failed", "error", err)
		return
	}
	for _, e := range events {
		if !n.shouldReport(e.Type) {
			continue
		}
		text := formatEvent(e)
		if text == "" {
			continue
		}
		n.broadcast(ctx, text)
	}
}

// shouldReport applies the default report set, with per-type operator
// overrides read from the state table.
func (n *Notifier) shouldReport(typ string) bool {
	if v, err := n.store.GetState("notify_" + typ); err == nil {
		switch v {
		case "1":
			return true
		case "0":
			return false
		}
	}
	return reportedEvents[typ]
}

func (n *Notifier) broadcast(ctx context.Context, text string) {
	for _, ch := range n.channels {
		room := ch.DefaultRoom()
		if room == "" {
			continue
		}
		if err := ch.Send(ctx, channel.Response{Content: text, RoomID: room}); err != nil {
			slog.Warn("report delivery failed", "channel", ch.Name(), "error", err)
		}
	}
}

// formatEvent renders one event as an operator-facing line.
func formatEvent(e store.Event) string {
	p := e.Payload
	switch e.Type {
	case EventPostCreated:
		return fmt.Sprintf("📝 Posted %q to m/%s", str(p, "title"), str(p, "submolt"))
	case EventCommentCreated:
		return fmt.Sprintf("💬 Commented on post %s by %s", str(p, "post_id"), str(p, "author"))
	case EventUpvoteCast:
		return "👍 Upvoted post " + str(p, "post_id")
	case EventDMApproved:
		return "🤝 Accepted a DM request from " + str(p, "partner")
	case EventDMReplied:
		return "📨 Replied to a DM from " + str(p, "partner")
	case EventHeartbeatSkip:
		return "💤 Heartbeat skipped: " + str(p, "reason")
	case EventConsolidation:
		return fmt.Sprintf("🧹 Consolidated memory: %v compressed, %v insights", p["compressed"], p["insights"])
	case EventDailyDigest:
		return str(p, "text")
	case EventReplySent:
		return fmt.Sprintf("💬 Replied to %s on post %s:\n%s", str(p, "author"), str(p, "post_id"), str(p, "reply"))
	case EventDMNeedsHuman:
		return fmt.Sprintf("🚨 DM from %s needs your attention:\n%s\nUse /dm %s <text> to answer, /dm release %s to hand it back.",
			str(p, "partner"), str(p, "preview"), str(p, "conversation_id"), str(p, "conversation_id"))
	case EventSafetyBlock:
		return fmt.Sprintf("🛡 Blocked action %q: %s", str(p, "action"), str(p, "reason"))
	case EventStabilityAlert:
		return fmt.Sprintf("⚠️ Stability alert: overall %v. The agent may be stuck; consider /status or /reflect.", p["overall"])
	case EventReflectionDone:
		msg := fmt.Sprintf("🪞 Reflection (%s): %v accepted, %v rejected", str(p, "trigger"), p["accepted"], p["rejected"])
		if v, ok := p["new_version"]; ok && v != nil {
			msg += fmt.Sprintf(", strategy v%v", v)
		}
		if changes, ok := p["changes"].([]any); ok && len(changes) > 0 {
			var fields []string
			for _, c := range changes {
				fields = append(fields, fmt.Sprint(c))
			}
			msg += "\nChanged: " + strings.Join(fields, ", ")
		}
		return msg
	case EventTaskDone:
		if ok, _ := p["ok"].(bool); !ok {
			return fmt.Sprintf("❌ Task %v (%s) failed: %s", p["task_id"], str(p, "type"), str(p, "result"))
		}
		switch str(p, "type") {
		case "ask", "register":
			return str(p, "result")
		case "heartbeat":
			return "💓 Heartbeat triggered"
		default:
			return fmt.Sprintf("✅ Task %v (%s) done: %s", p["task_id"], str(p, "type"), truncate(str(p, "result"), 500))
		}
	case EventError:
		return "❌ " + str(p, "message")
	}
	return ""
}

func str(m map[string]any, key string) string {
	v, _ := m[key].(string)
	return v
}
