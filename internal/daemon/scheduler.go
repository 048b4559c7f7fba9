package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/molt-labs/molt/internal/agent"
	"github.com/molt-labs/molt/internal/moltbook"
	"github.com/molt-labs/molt/pkg/memory"
	"github.com/molt-labs/molt/pkg/persona"
	"github.com/molt-labs/molt/pkg/reflection"
	"github.com/molt-labs/molt/pkg/safety"
	"github.com/molt-labs/molt/pkg/store"
)

// Platform is the social surface the scheduler acts on. moltbook.Client
// implements it; tests substitute a fake.
type Platform interface {
	Feed(ctx context.Context, sort string, limit int) ([]moltbook.Post, error)
	Post(ctx context.Context, id string) (*moltbook.Post, error)
	CreatePost(ctx context.Context, req moltbook.CreatePostRequest) (*moltbook.Post, error)
	Comments(ctx context.Context, postID, sort string) ([]moltbook.Comment, error)
	CreateComment(ctx context.Context, postID string, req moltbook.CreateCommentRequest) (*moltbook.Comment, error)
	UpvotePost(ctx context.Context, postID string) error
	UpvoteComment(ctx context.Context, commentID string) error
	CheckDMActivity(ctx context.Context) (*moltbook.DMActivity, error)
	DMRequests(ctx context.Context) ([]moltbook.DMConversation, error)
	AcceptDM(ctx context.Context, conversationID string) error
	DMConversations(ctx context.Context) ([]moltbook.DMConversation, error)
	DMMessages(ctx context.Context, conversationID string) ([]moltbook.DMMessage, error)
	SendDM(ctx context.Context, conversationID, content string) (*moltbook.DMMessage, error)
}

// Per-tick caps. Obligations come before autonomy, so the reply cap
// keeps one busy thread from eating the whole heartbeat.
const (
	maxRepliesPerTick  = 2
	feedLimit          = 15
	ownPostWindow      = 48 * time.Hour
	ownPostLimit       = 10
	engagementMinAge   = 6 * time.Hour
	engagementPostsMax = 5
)

// Scheduler runs the heartbeat loop: jittered wakeups, obligations
// first (replies on own posts, DMs), then one autonomous action, then
// the stability and reflection checks.
type Scheduler struct {
	store     *store.Store
	memory    *memory.Manager
	brain     *agent.Brain
	gate      *safety.Gate
	stability *safety.StabilityIndex
	reflector *reflection.Engine
	platform  Platform
	bus       *Bus

	minInterval time.Duration
	maxInterval time.Duration
	rng         *rand.Rand
	trigger     chan struct{}

	// agentName returns the registered name, or "" before registration.
	agentName func() string
	// strategy returns the live strategy document.
	strategy func() persona.Strategy
	// onReflection runs after a committed reflection so the daemon can
	// reload the strategy and rebuild the system prompt.
	onReflection func(ctx context.Context)
}

// SchedulerDeps collects the scheduler's collaborators.
type SchedulerDeps struct {
	Store     *store.Store
	Memory    *memory.Manager
	Brain     *agent.Brain
	Gate      *safety.Gate
	Stability *safety.StabilityIndex
	Reflector *reflection.Engine
	Platform  Platform
	Bus       *Bus

	MinInterval time.Duration
	MaxInterval time.Duration

	AgentName    func() string
	Strategy     func() persona.Strategy
	OnReflection func(ctx context.Context)
}

// NewScheduler creates a heartbeat scheduler.
func NewScheduler(d SchedulerDeps) *Scheduler {
	if d.MinInterval <= 0 {
		d.MinInterval = 30 * time.Minute
	}
	if d.MaxInterval < d.MinInterval {
		d.MaxInterval = d.MinInterval
	}
	if d.AgentName == nil {
		d.AgentName = func() string { return "" }
	}
	if d.Strategy == nil {
		d.Strategy = func() persona.Strategy { return persona.DefaultStrategy() }
	}
	return &Scheduler{
		store:        d.Store,
		memory:       d.Memory,
		brain:        d.Brain,
		gate:         d.Gate,
		stability:    d.Stability,
		reflector:    d.Reflector,
		platform:     d.Platform,
		bus:          d.Bus,
		minInterval:  d.MinInterval,
		maxInterval:  d.MaxInterval,
		rng:          rand.New(rand.NewSource(time.Now().UnixNano())),
		trigger:      make(chan struct{}, 1),
		agentName:    d.AgentName,
		strategy:     d.Strategy,
		onReflection: d.OnReflection,
	}
}

// TriggerNow requests an immediate tick. Non-blocking; a pending
// trigger coalesces with later ones.
func (s *Scheduler) TriggerNow() {
	select {
	case s.trigger <- struct{}{}:
	default:
	}
}

// nextDelay draws a uniform delay from the jitter window.
func (s *Scheduler) nextDelay() time.Duration {
	span := s.maxInterval - s.minInterval
	if span <= 0 {
		return s.minInterval
	}
	return s.minInterval + time.Duration(s.rng.Int63n(int64(span)+1))
}

// Run drives the heartbeat until ctx is cancelled. The next wakeup is
// drawn before the tick runs, so a slow tick never compresses the
// following interval.
func (s *Scheduler) Run(ctx context.Context) {
	slog.Info("heartbeat scheduler started", "min", s.minInterval, "max", s.maxInterval)
	for {
		delay := s.nextDelay()
		slog.Debug("next heartbeat scheduled", "in", delay)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			slog.Info("heartbeat scheduler stopping")
			return
		case <-timer.C:
		case <-s.trigger:
			timer.Stop()
		}
		s.Tick(ctx)
	}
}

// Tick runs one heartbeat. Every stage is fault-isolated: a platform
// or oracle failure in one stage logs and moves on.
func (s *Scheduler) Tick(ctx context.Context) {
	tickID := uuid.NewString()[:8]
	log := slog.With("tick", tickID)

	name := s.agentName()
	if name == "" {
		log.Info("heartbeat skipped: not registered")
		s.bus.Publish(EventHeartbeatSkip, map[string]any{"reason": "unregistered"})
		return
	}
	if s.store.Paused() {
		log.Info("heartbeat skipped: paused")
		s.bus.Publish(EventHeartbeatSkip, map[string]any{"reason": "paused"})
		return
	}

	if err := s.store.SetState("heartbeat_running", "1"); err != nil {
		log.Error("could not take heartbeat lock", "error", err)
		return
	}
	defer s.store.SetState("heartbeat_running", "0")

	count, _ := s.store.GetStateInt("heartbeat_count")
	count++
	s.store.SetState("heartbeat_count", strconv.Itoa(count))
	log.Info("heartbeat", "count", count)

	s.handleOwnPostReplies(ctx, log, name)
	s.handleDMs(ctx, log, name)
	s.checkEngagement(ctx, log)
	s.autonomousAction(ctx, log)
	s.checkStability(log)
	s.maybeReflect(ctx, log)
}

// --- Obligations: replies on own posts ---

// handleOwnPostReplies answers unanswered comments on the agent's
// recent posts, oldest first, at most maxRepliesPerTick per heartbeat.
// Eligible comments are top-level ones or direct replies to the agent's
// own comments; deeper subthreads are left alone.
func (s *Scheduler) handleOwnPostReplies(ctx context.Context, log *slog.Logger, name string) {
	posts, err := s.store.RecentOwnPosts(ownPostWindow, ownPostLimit)
	if err != nil {
		log.Warn("own posts lookup failed", "error", err)
		return
	}

	replies := 0
	for _, post := range posts {
		if replies >= maxRepliesPerTick {
			return
		}
		comments, err := s.platform.Comments(ctx, post.PostID, "new")
		if err != nil {
			log.Warn("comments fetch failed", "post", post.PostID, "error", err)
			continue
		}

		byID := make(map[string]*moltbook.Comment, len(comments))
		for i := range comments {
			byID[comments[i].ID] = &comments[i]
		}

		var eligible []*moltbook.Comment
		for i := range comments {
			c := &comments[i]
			if c.Author == name {
				// Our own comment, mark and move on.
				s.store.MarkCommentSeen(c.ID, post.PostID, true)
				continue
			}
			seen, err := s.store.CommentSeen(c.ID)
			if err != nil || seen {
				continue
			}
			if !s.eligibleForReply(c, byID, name) {
				s.store.MarkCommentSeen(c.ID, post.PostID, false)
				continue
			}
			eligible = append(eligible, c)
		}
		sort.Slice(eligible, func(i, j int) bool {
			return eligible[i].CreatedAt.Before(eligible[j].CreatedAt)
		})

		for _, c := range eligible {
			if replies >= maxRepliesPerTick {
				return
			}
			if done := s.replyTo(ctx, log, &post, comments, c); !done {
				// Cooldown hit; no point trying further replies this tick.
				return
			}
			replies++
		}
	}
}

// eligibleForReply reports whether a comment deserves an answer:
// top-level, or a direct reply to one of the agent's own comments.
func (s *Scheduler) eligibleForReply(c *moltbook.Comment, byID map[string]*moltbook.Comment, name string) bool {
	if c.ParentID == "" {
		return true
	}
	parent, ok := byID[c.ParentID]
	return ok && parent.Author == name
}

// replyTo generates and posts one reply. Returns false only on a
// cooldown, which ends reply handling for this tick.
func (s *Scheduler) replyTo(ctx context.Context, log *slog.Logger, post *store.OwnPost, all []moltbook.Comment, incoming *moltbook.Comment) bool {
	thread := commentThread(all, incoming)

	text, err := s.brain.GenerateReply(ctx, post, thread, incoming)
	if err != nil {
		log.Warn("reply generation failed", "comment", incoming.ID, "error", err)
		return true
	}

	created, err := s.platform.CreateComment(ctx, post.PostID, moltbook.CreateCommentRequest{
		Content:  text,
		ParentID: incoming.ID,
	})
	if err != nil {
		var cool *moltbook.CooldownError
		if errors.As(err, &cool) {
			log.Info("reply deferred by cooldown", "scope", cool.Scope, "retry_after", cool.RetryAfter)
			return false
		}
		log.Warn("reply post failed", "comment", incoming.ID, "error", err)
		return true
	}

	s.store.MarkCommentSeen(incoming.ID, post.PostID, true)
	s.store.AddOwnComment(created.ID, post.PostID)
	if err := s.platform.UpvoteComment(ctx, incoming.ID); err != nil {
		log.Debug("courtesy upvote failed", "comment", incoming.ID, "error", err)
	}

	s.memory.Remember(ctx, "reply",
		fmt.Sprintf("Replied to %s on my post %q: %s", incoming.Author, post.Title, truncate(text, 200)),
		map[string]any{"post_id": post.PostID, "comment_id": created.ID})
	s.bus.Publish(EventReplySent, map[string]any{
		"post_id": post.PostID,
		"author":  incoming.Author,
		"reply":   truncate(text, 200),
	})
	log.Info("replied to comment", "post", post.PostID, "author", incoming.Author)
	return true
}

// commentThread walks parent links from the incoming comment to the
// root and returns the chain oldest-first, excluding the incoming
// comment itself.
func commentThread(all []moltbook.Comment, incoming *moltbook.Comment) []moltbook.Comment {
	byID := make(map[string]moltbook.Comment, len(all))
	for _, c := range all {
		byID[c.ID] = c
	}
	var chain []moltbook.Comment
	cur := incoming.ParentID
	for cur != "" {
		c, ok := byID[cur]
		if !ok {
			break
		}
		chain = append(chain, c)
		cur = c.ParentID
	}
	// Walked child to root; the prompt wants it oldest first.
	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}
	return chain
}

// --- Obligations: direct messages ---

// handleDMs approves pending requests and answers unread messages.
// The watermark always advances to the newest fetched message id, even
// when reply generation fails, so one poisoned message cannot wedge a
// conversation.
func (s *Scheduler) handleDMs(ctx context.Context, log *slog.Logger, name string) {
	activity, err := s.platform.CheckDMActivity(ctx)
	if err != nil {
		log.Warn("dm activity check failed", "error", err)
		return
	}
	if activity.PendingRequests == 0 && activity.UnreadMessages == 0 {
		return
	}

	if activity.PendingRequests > 0 {
		requests, err := s.platform.DMRequests(ctx)
		if err != nil {
			log.Warn("dm requests fetch failed", "error", err)
		}
		for _, req := range requests {
			if err := s.platform.AcceptDM(ctx, req.ID); err != nil {
				log.Warn("dm accept failed", "conversation", req.ID, "error", err)
				continue
			}
			s.store.UpsertDMConversation(req.ID, req.Partner)
			s.bus.Publish(EventDMApproved, map[string]any{
				"conversation_id": req.ID,
				"partner":         req.Partner,
			})
			log.Info("dm request accepted", "partner", req.Partner)
		}
	}

	if activity.UnreadMessages == 0 {
		return
	}
	conversations, err := s.platform.DMConversations(ctx)
	if err != nil {
		log.Warn("dm conversations fetch failed", "error", err)
		return
	}
	for _, conv := range conversations {
		s.handleConversation(ctx, log, name, conv)
	}
}

func (s *Scheduler) handleConversation(ctx context.Context, log *slog.Logger, name string, conv moltbook.DMConversation) {
	local, err := s.store.DMConversation(conv.ID)
	if err != nil {
		log.Warn("dm conversation lookup failed", "conversation", conv.ID, "error", err)
		return
	}
	if local == nil {
		s.store.UpsertDMConversation(conv.ID, conv.Partner)
		local = &store.DMConversation{ConversationID: conv.ID, OtherAgent: conv.Partner}
	}
	if local.NeedsHuman {
		// Escalated; the operator resolves it via /dm.
		return
	}

	messages, err := s.platform.DMMessages(ctx, conv.ID)
	if err != nil {
		log.Warn("dm messages fetch failed", "conversation", conv.ID, "error", err)
		return
	}
	if len(messages) == 0 {
		return
	}
	newest := messages[len(messages)-1].ID

	// Everything after the watermark; an unknown watermark id means the
	// history rotated, so treat all fetched messages as new.
	fresh := messages
	if local.LastSeenMessageID != "" {
		for i, m := range messages {
			if m.ID == local.LastSeenMessageID {
				fresh = messages[i+1:]
				break
			}
		}
	}

	var incoming []moltbook.DMMessage
	for _, m := range fresh {
		if m.Sender != name {
			incoming = append(incoming, m)
		}
	}
	if len(incoming) == 0 {
		s.store.SetDMWatermark(conv.ID, newest)
		return
	}

	// Injection signatures in a private channel escalate to the
	// operator instead of being answered.
	for _, m := range incoming {
		if _, warnings := safety.Sanitize(m.Content); len(warnings) > 0 {
			log.Warn("dm escalated to operator", "conversation", conv.ID, "partner", conv.Partner, "warnings", len(warnings))
			s.store.SetDMNeedsHuman(conv.ID, true)
			s.store.SetDMWatermark(conv.ID, newest)
			s.bus.Publish(EventDMNeedsHuman, map[string]any{
				"conversation_id": conv.ID,
				"partner":         conv.Partner,
				"preview":         truncate(m.Content, 150),
			})
			return
		}
	}

	reply, needsHuman, err := s.brain.GenerateDMReply(ctx, conv.Partner, messages)
	if err != nil {
		log.Warn("dm reply generation failed", "conversation", conv.ID, "error", err)
		s.store.SetDMWatermark(conv.ID, newest)
		return
	}
	if needsHuman {
		log.Info("dm handed to operator", "conversation", conv.ID, "partner", conv.Partner)
		s.store.SetDMNeedsHuman(conv.ID, true)
		s.store.SetDMWatermark(conv.ID, newest)
		s.bus.Publish(EventDMNeedsHuman, map[string]any{
			"conversation_id": conv.ID,
			"partner":         conv.Partner,
			"preview":         truncate(incoming[len(incoming)-1].Content, 150),
		})
		return
	}
	if _, err := s.platform.SendDM(ctx, conv.ID, reply); err != nil {
		log.Warn("dm send failed", "conversation", conv.ID, "error", err)
		s.store.SetDMWatermark(conv.ID, newest)
		return
	}

	s.store.SetDMWatermark(conv.ID, newest)
	s.memory.Remember(ctx, "dm",
		fmt.Sprintf("DM exchange with %s: they said %q, I replied %q",
			conv.Partner, truncate(incoming[len(incoming)-1].Content, 150), truncate(reply, 150)),
		map[string]any{"conversation_id": conv.ID})
	s.bus.Publish(EventDMReplied, map[string]any{
		"conversation_id": conv.ID,
		"partner":         conv.Partner,
	})
	log.Info("dm replied", "partner", conv.Partner)
}

// --- Engagement check ---

// checkEngagement flags own-post episodes whose posts got no votes and
// no comments after a grace period. The flag is a reflection trigger.
func (s *Scheduler) checkEngagement(ctx context.Context, log *slog.Logger) {
	episodes, err := s.store.EpisodesByType("post", engagementPostsMax)
	if err != nil {
		return
	}
	for _, ep := range episodes {
		if _, done := ep.Metadata["zero_engagement"]; done {
			continue
		}
		if time.Since(ep.CreatedAt) < engagementMinAge {
			continue
		}
		postID, _ := ep.Metadata["post_id"].(string)
		if postID == "" {
			continue
		}
		post, err := s.platform.Post(ctx, postID)
		if err != nil {
			log.Debug("engagement check fetch failed", "post", postID, "error", err)
			continue
		}
		zero := post.Upvotes == 0 && post.CommentCount == 0
		if err := s.store.SetEpisodeMetadataKey(ep.ID, "zero_engagement", zero); err != nil {
			log.Warn("engagement flag write failed", "episode", ep.ID, "error", err)
		}
		if zero {
			log.Info("post got zero engagement", "post", postID)
		}
	}
}

// --- Autonomous action ---

// autonomousAction asks the brain for one action and executes it if the
// task shield allows. A blocked action is remembered and skipped.
func (s *Scheduler) autonomousAction(ctx context.Context, log *slog.Logger) {
	stats := s.store.Stats()
	feed, err := s.platform.Feed(ctx, "new", feedLimit)
	if err != nil {
		log.Warn("feed fetch failed", "error", err)
		feed = nil
	}
	for _, p := range feed {
		s.store.MarkPostSeen(p.ID, false)
	}

	decision, err := s.brain.DecideAction(ctx, stats, feed)
	if err != nil {
		log.Warn("deliberation failed", "error", err)
		return
	}
	log.Info("decision", "action", decision.Action, "post_id", decision.PostID, "reasoning", truncate(decision.Reasoning, 120))

	if decision.Action != agent.ActionSkip {
		mission, objectives := missionObjectives(s.strategy())
		params := map[string]any{"post_id": decision.PostID, "topic": decision.Topic}
		safe, reason := s.gate.ValidateAction(ctx, decision.Action, params, mission, objectives)
		if !safe {
			s.memory.Remember(ctx, "safety_block",
				fmt.Sprintf("Blocked action %s: %s", decision.Action, reason),
				map[string]any{"action": decision.Action, "reason": reason})
			s.bus.Publish(EventSafetyBlock, map[string]any{"action": decision.Action, "reason": reason})
			decision = &agent.Decision{Action: agent.ActionSkip, Reasoning: "blocked: " + reason}
		}
	}

	switch decision.Action {
	case agent.ActionPost:
		s.doPost(ctx, log, decision.Topic)
	case agent.ActionComment:
		s.doComment(ctx, log, decision.PostID, feed)
	case agent.ActionUpvote:
		s.doUpvote(ctx, log, decision.PostID)
	default:
		s.memory.Remember(ctx, "skip", "Skipped this heartbeat: "+decision.Reasoning, nil)
	}
}

func (s *Scheduler) doPost(ctx context.Context, log *slog.Logger, topic string) {
	titles, _ := s.store.OwnPostTitles(5)
	draft, err := s.brain.GeneratePost(ctx, topic, titles)
	if err != nil {
		log.Warn("post generation failed", "topic", topic, "error", err)
		return
	}
	created, err := s.platform.CreatePost(ctx, moltbook.CreatePostRequest{
		Submolt: draft.Submolt,
		Title:   draft.Title,
		Content: draft.Content,
	})
	if err != nil {
		var cool *moltbook.CooldownError
		if errors.As(err, &cool) {
			log.Info("post deferred by cooldown", "retry_after", cool.RetryAfter)
			return
		}
		log.Warn("post create failed", "error", err)
		return
	}

	s.store.AddOwnPost(created.ID, created.Title, created.Submolt)
	s.memory.Remember(ctx, "post",
		fmt.Sprintf("Posted %q to m/%s: %s", created.Title, created.Submolt, truncate(draft.Content, 200)),
		map[string]any{"post_id": created.ID})
	s.store.AddDigestItem("post", created.ID, fmt.Sprintf("Posted %q to m/%s", created.Title, created.Submolt))
	s.bus.Publish(EventPostCreated, map[string]any{
		"post_id": created.ID,
		"title":   created.Title,
		"submolt": created.Submolt,
	})
	log.Info("posted", "post", created.ID, "title", created.Title)
}

func (s *Scheduler) doComment(ctx context.Context, log *slog.Logger, postID string, feed []moltbook.Post) {
	post := findPost(feed, postID)
	if post == nil {
		fetched, err := s.platform.Post(ctx, postID)
		if err != nil {
			log.Warn("comment target fetch failed", "post", postID, "error", err)
			return
		}
		post = fetched
	}
	existing, err := s.platform.Comments(ctx, postID, "top")
	if err != nil {
		existing = nil
	}
	text, err := s.brain.GenerateComment(ctx, post, existing)
	if err != nil {
		log.Warn("comment generation failed", "post", postID, "error", err)
		return
	}
	created, err := s.platform.CreateComment(ctx, postID, moltbook.CreateCommentRequest{Content: text})
	if err != nil {
		var cool *moltbook.CooldownError
		if errors.As(err, &cool) {
			log.Info("comment deferred by cooldown", "scope", cool.Scope, "retry_after", cool.RetryAfter)
			return
		}
		log.Warn("comment create failed", "post", postID, "error", err)
		return
	}

	s.store.AddOwnComment(created.ID, postID)
	s.store.MarkPostSeen(postID, true)
	if err := s.platform.UpvotePost(ctx, postID); err != nil {
		log.Debug("courtesy upvote failed", "post", postID, "error", err)
	}
	s.memory.Remember(ctx, "comment",
		fmt.Sprintf("Commented on %q by %s: %s", post.Title, post.Author, truncate(text, 200)),
		map[string]any{"post_id": postID, "comment_id": created.ID})
	s.store.AddDigestItem("comment", postID, fmt.Sprintf("Commented on %q by %s", post.Title, post.Author))
	s.bus.Publish(EventCommentCreated, map[string]any{
		"post_id": postID,
		"author":  post.Author,
	})
	log.Info("commented", "post", postID)
}

func (s *Scheduler) doUpvote(ctx context.Context, log *slog.Logger, postID string) {
	if err := s.platform.UpvotePost(ctx, postID); err != nil {
		log.Warn("upvote failed", "post", postID, "error", err)
		return
	}
	s.store.MarkPostSeen(postID, true)
	s.memory.Remember(ctx, "upvote", "Upvoted post "+postID, map[string]any{"post_id": postID})
	s.bus.Publish(EventUpvoteCast, map[string]any{"post_id": postID})
	log.Info("upvoted", "post", postID)
}

func findPost(feed []moltbook.Post, id string) *moltbook.Post {
	for i := range feed {
		if feed[i].ID == id {
			return &feed[i]
		}
	}
	return nil
}

// --- Stability and reflection ---

func (s *Scheduler) checkStability(log *slog.Logger) {
	report, err := s.stability.Compute()
	if err != nil {
		log.Warn("stability compute failed", "error", err)
		return
	}
	log.Debug("stability", "overall", report.Overall)
	if report.Alert {
		log.Warn("stability alert", "overall", report.Overall, "components", report.Components)
		s.bus.Publish(EventStabilityAlert, map[string]any{
			"overall":    report.Overall,
			"components": report.Components,
		})
	}
}

func (s *Scheduler) maybeReflect(ctx context.Context, log *slog.Logger) {
	due, trigger := s.reflector.ShouldReflect()
	if !due {
		return
	}
	log.Info("reflection due", "trigger", trigger)

	result, err := s.reflector.Reflect(ctx, s.strategy())
	if err != nil {
		log.Warn("reflection failed", "error", err)
		return
	}

	// A zero-engagement trigger is consumed by the cycle it fired.
	if trigger == "zero_engagement" {
		if episodes, err := s.store.EpisodesByType("post", engagementPostsMax); err == nil {
			for _, ep := range episodes {
				if zero, ok := ep.Metadata["zero_engagement"].(bool); ok && zero {
					s.store.SetEpisodeMetadataKey(ep.ID, "zero_engagement", false)
				}
			}
		}
	}

	if result.NewVersion != nil && s.onReflection != nil {
		s.onReflection(ctx)
	}
	s.bus.Publish(EventReflectionDone, map[string]any{
		"trigger":     trigger,
		"accepted":    result.Accepted,
		"rejected":    result.Rejected,
		"changes":     result.Changes,
		"new_version": result.NewVersion,
	})
	log.Info("reflection complete", "accepted", result.Accepted, "rejected", result.Rejected)
}

// missionObjectives pulls the mission statement and current objectives
// out of the strategy document for the task shield.
func missionObjectives(strategy persona.Strategy) (string, []string) {
	goals, _ := strategy["goals"].(map[string]any)
	mission, _ := goals["mission"].(string)
	var objectives []string
	if raw, ok := goals["current_objectives"].([]any); ok {
		for _, o := range raw {
			if s, ok := o.(string); ok {
				objectives = append(objectives, s)
			}
		}
	}
	return mission, objectives
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
