package daemon

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/molt-labs/molt/internal/moltbook"
	"github.com/molt-labs/molt/pkg/channel"
	"github.com/molt-labs/molt/pkg/consolidate"
	"github.com/molt-labs/molt/pkg/store"

	_ "modernc.org/sqlite"
)

// countingOracle records how many inferences ran.
type countingOracle struct {
	calls int
}

func (o *countingOracle) Infer(ctx context.Context, prompt string, maxTokens int) (string, error) {
	o.calls++
	return "[]", nil
}

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "agent.db"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestConsolidationYieldsToRunningHeartbeat(t *testing.T) {
	s := openTestStore(t)
	oracle := &countingOracle{}
	d := &Daemon{
		store:        s,
		bus:          NewBus(s),
		consolidator: consolidate.New(s, oracle, consolidate.DefaultConfig()),
	}
	for _, content := range []string{"saw a post", "wrote a comment", "got a reply", "upvoted something"} {
		if _, err := s.AddEpisode("observation", content, 4.0, nil); err != nil {
			t.Fatalf("AddEpisode: %v", err)
		}
	}

	s.SetState("heartbeat_running", "1")
	d.consolidateJob(context.Background())
	if oracle.calls != 0 {
		t.Fatalf("consolidation ran %d inferences during a heartbeat, want 0", oracle.calls)
	}
	if events, _ := s.ConsumeEvents(10); len(events) != 0 {
		t.Errorf("consolidation emitted %d events during a heartbeat", len(events))
	}

	// With the lock released the same job consolidates normally.
	s.SetState("heartbeat_running", "0")
	d.consolidateJob(context.Background())
	if oracle.calls == 0 {
		t.Error("consolidation did not run after the heartbeat finished")
	}
}

func TestConsolidationSkipsWhenPaused(t *testing.T) {
	s := openTestStore(t)
	oracle := &countingOracle{}
	d := &Daemon{
		store:        s,
		bus:          NewBus(s),
		consolidator: consolidate.New(s, oracle, consolidate.DefaultConfig()),
	}
	s.AddEpisode("observation", "saw a post", 4.0, nil)
	s.AddEpisode("observation", "wrote a comment", 4.0, nil)
	s.AddEpisode("observation", "got a reply", 4.0, nil)
	s.SetState("paused", "1")

	d.consolidateJob(context.Background())
	if oracle.calls != 0 {
		t.Errorf("consolidation ran %d inferences while paused, want 0", oracle.calls)
	}
}

func TestDigestRoutesThroughEventQueue(t *testing.T) {
	s := openTestStore(t)
	d := &Daemon{store: s, bus: NewBus(s)}
	s.AddDigestItem("post", "p1", `Posted "On tide pools" to m/general`)
	s.AddDigestItem("comment", "p2", `Commented on "Shell care" by crab`)

	d.digestJob()

	events, err := s.ConsumeEvents(10)
	if err != nil {
		t.Fatalf("ConsumeEvents: %v", err)
	}
	if len(events) != 1 || events[0].Type != EventDailyDigest {
		t.Fatalf("events = %v, want one daily_digest", events)
	}
	text := formatEvent(events[0])
	if !strings.Contains(text, "2 actions") || !strings.Contains(text, "On tide pools") {
		t.Errorf("digest text = %q", text)
	}

	// Items reported; an immediate second run emits nothing.
	d.digestJob()
	if again, _ := s.ConsumeEvents(10); len(again) != 0 {
		t.Errorf("second digest run emitted %d events, want 0", len(again))
	}
}

func TestNotifierGatingOverridesFromState(t *testing.T) {
	s := openTestStore(t)
	n := NewNotifier(s, NewBus(s), nil)

	if n.shouldReport(EventUpvoteCast) {
		t.Error("upvote_cast reported by default")
	}
	if !n.shouldReport(EventPostCreated) {
		t.Error("post_created silent by default")
	}

	s.SetState("notify_"+EventUpvoteCast, "1")
	s.SetState("notify_"+EventPostCreated, "0")

	if !n.shouldReport(EventUpvoteCast) {
		t.Error("state override did not enable upvote_cast")
	}
	if n.shouldReport(EventPostCreated) {
		t.Error("state override did not silence post_created")
	}
}

func operatorMessage(text string) channel.Message {
	return channel.Message{Source: "telegram", SenderID: "op", RoomID: "room1", Content: text}
}

func newCommandDaemon(t *testing.T, handler http.Handler) (*Daemon, *store.Store) {
	t.Helper()
	s := openTestStore(t)
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return &Daemon{
		store:  s,
		bus:    NewBus(s),
		client: moltbook.NewClient(srv.URL, "mk-test"),
	}, s
}

func TestWatchFollowsAndRecords(t *testing.T) {
	var followed []string
	d, s := newCommandDaemon(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost && strings.HasSuffix(r.URL.Path, "/follow") {
			followed = append(followed, r.URL.Path)
		}
		w.Write([]byte(`{}`))
	}))

	reply, err := d.runCommand(context.Background(), operatorMessage("/watch crabby shell expert"))
	if err != nil {
		t.Fatalf("runCommand: %v", err)
	}
	if !strings.Contains(reply, "crabby") {
		t.Errorf("reply = %q", reply)
	}
	if len(followed) != 1 || !strings.Contains(followed[0], "/agents/crabby/follow") {
		t.Errorf("follow calls = %v", followed)
	}
	agents, _ := s.WatchedAgents()
	if len(agents) != 1 || agents[0].Name != "crabby" || agents[0].Note != "shell expert" {
		t.Errorf("watched = %+v", agents)
	}
}

func TestUnwatchUnfollowsAndDeletes(t *testing.T) {
	var methods []string
	d, s := newCommandDaemon(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/follow") {
			methods = append(methods, r.Method)
		}
		w.Write([]byte(`{}`))
	}))
	s.WatchAgent("crabby", "")

	if _, err := d.runCommand(context.Background(), operatorMessage("/unwatch crabby")); err != nil {
		t.Fatalf("runCommand: %v", err)
	}
	if len(methods) != 1 || methods[0] != http.MethodDelete {
		t.Errorf("unfollow methods = %v, want [DELETE]", methods)
	}
	if agents, _ := s.WatchedAgents(); len(agents) != 0 {
		t.Errorf("still watching %+v", agents)
	}
}

func TestSearchFormatsResults(t *testing.T) {
	d, _ := newCommandDaemon(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/search" {
			http.NotFound(w, r)
			return
		}
		if got := r.URL.Query().Get("q"); got != "tide pools" {
			t.Errorf("query = %q", got)
		}
		w.Write([]byte(`[{"id": "p7", "title": "On tide pools", "author": "crab"}]`))
	}))

	reply, err := d.runCommand(context.Background(), operatorMessage("/search tide pools"))
	if err != nil {
		t.Fatalf("runCommand: %v", err)
	}
	if !strings.Contains(reply, "On tide pools") || !strings.Contains(reply, "crab") {
		t.Errorf("reply = %q", reply)
	}
}

func TestSearchEmptyResults(t *testing.T) {
	d, _ := newCommandDaemon(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[]`))
	}))

	reply, err := d.runCommand(context.Background(), operatorMessage("/search nothing here"))
	if err != nil {
		t.Fatalf("runCommand: %v", err)
	}
	if reply != "Nothing found." {
		t.Errorf("reply = %q", reply)
	}
}
