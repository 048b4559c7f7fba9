// Package matrix implements the Matrix operator channel using
// mautrix-go, running inside the daemon process directly. It is an
// alternative to Telegram for operators on self-hosted homeservers.
package matrix

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/molt-labs/molt/pkg/channel"
)

// Config holds Matrix channel configuration.
type Config struct {
	Homeserver string `json:"homeserver"`
	UserID     string `json:"user_id"` // localpart, e.g. "molt"
	Password   string `json:"password"`
	ServerName string `json:"server_name"` // e.g. "matrix.example.com"
	// AllowFrom lists full operator user ids (@op:example.com). Empty
	// means reject everyone.
	AllowFrom []string `json:"allow_from"`
	DataDir   string   `json:"data_dir"`
}

// Channel implements channel.Channel for Matrix.
type Channel struct {
	config    Config
	client    *mautrix.Client
	handler   channel.MessageHandler
	startTime int64
	mu        sync.Mutex

	credFile  string
	stateFile string
	roomID    string // last room an operator spoke in, for reports
}

// credentials holds saved Matrix login state.
type credentials struct {
	AccessToken string `json:"access_token"`
	UserID      string `json:"user_id"`
	DeviceID    string `json:"device_id"`
}

type savedState struct {
	RoomID string `json:"room_id"`
}

// New creates a Matrix channel.
func New(cfg Config) *Channel {
	return &Channel{
		config:    cfg,
		credFile:  filepath.Join(cfg.DataDir, "matrix_credentials.json"),
		stateFile: filepath.Join(cfg.DataDir, "matrix_state.json"),
	}
}

// Name returns the channel identifier.
func (c *Channel) Name() string { return "matrix" }

// DefaultRoom returns the room unsolicited reports go to: the last room
// an operator messaged from, surviving restarts.
func (c *Channel) DefaultRoom() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.roomID == "" {
		c.loadState()
	}
	return c.roomID
}

// Start connects to Matrix and syncs until ctx is cancelled.
func (c *Channel) Start(ctx context.Context, handler channel.MessageHandler) error {
	c.handler = handler
	c.startTime = time.Now().UnixMilli()

	os.MkdirAll(c.config.DataDir, 0o755)

	fullUserID := fmt.Sprintf("@%s:%s", c.config.UserID, c.config.ServerName)

	client, err := mautrix.NewClient(c.config.Homeserver, id.UserID(fullUserID), "")
	if err != nil {
		return fmt.Errorf("create matrix client: %w", err)
	}
	c.client = client

	// In-memory sync store; a resync on restart is acceptable.
	client.Store = mautrix.NewMemorySyncStore()

	if err := c.loginWithRetry(ctx, fullUserID); err != nil {
		return err
	}

	syncer := client.Syncer.(*mautrix.DefaultSyncer)
	syncer.OnEventType(event.EventMessage, func(ctx context.Context, evt *event.Event) {
		c.onMessage(ctx, evt)
	})
	syncer.OnEventType(event.StateMember, func(ctx context.Context, evt *event.Event) {
		c.onMemberEvent(ctx, evt)
	})

	slog.Info("matrix channel ready, starting sync")

	for {
		err := client.SyncWithContext(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			slog.Warn("matrix sync error, reconnecting in 15s", "error", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(15 * time.Second):
			}
		}
	}
}

// loginWithRetry tries saved credentials first, then password login
// with exponential backoff.
func (c *Channel) loginWithRetry(ctx context.Context, fullUserID string) error {
	if err := c.loadCredentials(); err == nil {
		slog.Info("loaded saved matrix credentials", "user", fullUserID)
		return nil
	}

	backoff := 2 * time.Second
	maxBackoff := 2 * time.Minute
	maxAttempts := 10

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		slog.Info("logging into matrix",
			"user", fullUserID,
			"homeserver", c.config.Homeserver,
			"attempt", attempt,
		)

		resp, err := c.client.Login(ctx, &mautrix.ReqLogin{
			Type: mautrix.AuthTypePassword,
			Identifier: mautrix.UserIdentifier{
				Type: mautrix.IdentifierTypeUser,
				User: c.config.UserID,
			},
			Password:         c.config.Password,
			StoreCredentials: true,
		})

		if err == nil {
			slog.Info("logged into matrix", "user", resp.UserID, "device", resp.DeviceID)
			c.saveCredentials(credentials{
				AccessToken: resp.AccessToken,
				UserID:      string(resp.UserID),
				DeviceID:    string(resp.DeviceID),
			})
			return nil
		}

		errStr := err.Error()
		if strings.Contains(errStr, "M_FORBIDDEN") ||
			strings.Contains(errStr, "M_UNKNOWN_TOKEN") ||
			strings.Contains(errStr, "M_INVALID_PARAM") {
			return fmt.Errorf("matrix login: %w (non-retryable)", err)
		}

		if attempt == maxAttempts {
			return fmt.Errorf("matrix login: %w (after %d attempts)", err, maxAttempts)
		}

		slog.Warn("matrix login failed, retrying", "error", err, "attempt", attempt, "backoff", backoff)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}

	return fmt.Errorf("matrix login: exhausted retries")
}

// Send delivers a message to a Matrix room, splitting long content.
func (c *Channel) Send(ctx context.Context, resp channel.Response) error {
	const maxLen = 4000

	roomID := resp.RoomID
	if roomID == "" {
		roomID = c.DefaultRoom()
	}
	if roomID == "" {
		return fmt.Errorf("matrix send: no room known yet")
	}

	content := resp.Content
	if len(content) <= maxLen {
		_, err := c.client.SendText(ctx, id.RoomID(roomID), content)
		if err != nil {
			slog.Error("matrix send failed", "room", roomID, "error", err)
		}
		return err
	}

	chunks := splitMessage(content, maxLen)
	for i, chunk := range chunks {
		prefix := fmt.Sprintf("[%d/%d] ", i+1, len(chunks))
		if _, err := c.client.SendText(ctx, id.RoomID(roomID), prefix+chunk); err != nil {
			slog.Error("matrix send failed", "room", roomID, "chunk", i+1, "error", err)
			return err
		}
		if i < len(chunks)-1 {
			time.Sleep(500 * time.Millisecond)
		}
	}
	return nil
}

// Stop gracefully shuts down the Matrix channel.
func (c *Channel) Stop() error {
	if c.client != nil {
		c.client.StopSync()
	}
	return nil
}

func (c *Channel) onMessage(ctx context.Context, evt *event.Event) {
	if evt.Sender == c.client.UserID {
		return
	}
	// Ignore history from before this run.
	if evt.Timestamp < c.startTime {
		return
	}
	if !c.isAllowed(evt.Sender) {
		slog.Warn("matrix message from unauthorized sender", "sender", evt.Sender)
		return
	}

	msgContent := evt.Content.AsMessage()
	if msgContent == nil || msgContent.Body == "" {
		return
	}

	c.rememberRoom(string(evt.RoomID))

	msg := channel.Message{
		Source:    "matrix",
		SenderID:  string(evt.Sender),
		RoomID:    string(evt.RoomID),
		Content:   msgContent.Body,
		Timestamp: evt.Timestamp,
	}

	if err := c.handler(ctx, msg); err != nil {
		slog.Error("matrix handler failed", "error", err)
		c.Send(ctx, channel.Response{
			RoomID:  string(evt.RoomID),
			Content: fmt.Sprintf("(error: %s)", err),
		})
	}
}

// onMemberEvent auto-joins rooms when invited by an operator.
func (c *Channel) onMemberEvent(ctx context.Context, evt *event.Event) {
	if evt.GetStateKey() != string(c.client.UserID) {
		return
	}
	memberContent := evt.Content.AsMember()
	if memberContent == nil || memberContent.Membership != event.MembershipInvite {
		return
	}
	if !c.isAllowed(evt.Sender) {
		slog.Warn("rejecting room invite from unauthorized user", "sender", evt.Sender)
		return
	}

	slog.Info("accepting room invite", "room", evt.RoomID, "from", evt.Sender)
	if _, err := c.client.JoinRoomByID(ctx, evt.RoomID); err != nil {
		slog.Error("failed to join room", "room", evt.RoomID, "error", err)
	}
}

// --- Persistence ---

func (c *Channel) loadCredentials() error {
	data, err := os.ReadFile(c.credFile)
	if err != nil {
		return err
	}
	var creds credentials
	if err := json.Unmarshal(data, &creds); err != nil {
		return err
	}
	c.client.AccessToken = creds.AccessToken
	c.client.UserID = id.UserID(creds.UserID)
	c.client.DeviceID = id.DeviceID(creds.DeviceID)
	return nil
}

func (c *Channel) saveCredentials(creds credentials) {
	data, _ := json.MarshalIndent(creds, "", "  ")
	os.WriteFile(c.credFile, data, 0o600)
}

// rememberRoom persists the operator's room so reports survive restarts.
// Caller must not hold mu.
func (c *Channel) rememberRoom(roomID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.roomID == roomID {
		return
	}
	c.roomID = roomID
	data, _ := json.Marshal(savedState{RoomID: roomID})
	os.WriteFile(c.stateFile, data, 0o600)
}

// loadState restores the saved report room. Caller holds mu.
func (c *Channel) loadState() {
	data, err := os.ReadFile(c.stateFile)
	if err != nil {
		return
	}
	var st savedState
	if json.Unmarshal(data, &st) == nil {
		c.roomID = st.RoomID
	}
}

// isAllowed checks the operator allow-list. An empty list rejects
// everyone.
func (c *Channel) isAllowed(sender id.UserID) bool {
	for _, allowed := range c.config.AllowFrom {
		if string(sender) == allowed {
			return true
		}
	}
	return false
}

func splitMessage(s string, maxLen int) []string {
	var chunks []string
	for len(s) > maxLen {
		cut := maxLen
		if idx := strings.LastIndex(s[:maxLen], "\n"); idx > 0 {
			cut = idx
		}
		chunks = append(chunks, s[:cut])
		s = strings.TrimPrefix(s[cut:], "\n")
	}
	if len(s) > 0 {
		chunks = append(chunks, s)
	}
	return chunks
}
