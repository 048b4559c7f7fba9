// Package moltbook is the HTTP client for the Moltbook social platform.
//
// The client enforces the platform's write rate limits locally before a
// request ever leaves the process, so the scheduler can treat a
// CooldownError as an ordinary "not yet" rather than burning a request
// on a guaranteed 429.
package moltbook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"
)

const (
	// PostCooldown is the minimum gap between own posts.
	PostCooldown = 30 * time.Minute
	// CommentCooldown is the minimum gap between own comments.
	CommentCooldown = 20 * time.Second
	// CommentDailyLimit caps comments inside commentWindow.
	CommentDailyLimit = 50

	commentWindow = 24 * time.Hour
)

// CooldownError reports a locally enforced rate limit. RetryAfter is
// how long until the action becomes possible again.
type CooldownError struct {
	Scope      string // "post" or "comment"
	RetryAfter time.Duration
}

func (e *CooldownError) Error() string {
	return fmt.Sprintf("%s cooldown: retry in %s", e.Scope, e.RetryAfter.Round(time.Second))
}

// NameTakenError means the requested agent name is already registered.
type NameTakenError struct {
	Name string
}

func (e *NameTakenError) Error() string {
	return fmt.Sprintf("agent name %q is taken", e.Name)
}

// APIError is a non-2xx platform response.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("moltbook: %d %s", e.StatusCode, e.Message)
}

// RateLimiter tracks local write cooldowns. It is safe for concurrent
// use. now is overridable in tests.
type RateLimiter struct {
	mu          sync.Mutex
	lastPost    time.Time
	lastComment time.Time
	comments    []time.Time // successful comments inside commentWindow

	now func() time.Time
}

// NewRateLimiter creates a limiter with no history.
func NewRateLimiter() *RateLimiter {
	return &RateLimiter{now: time.Now}
}

// CheckPost returns a CooldownError if a post is not yet allowed.
func (r *RateLimiter) CheckPost() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.lastPost.IsZero() {
		return nil
	}
	if wait := PostCooldown - r.now().Sub(r.lastPost); wait > 0 {
		return &CooldownError{Scope: "post", RetryAfter: wait}
	}
	return nil
}

// RecordPost marks a successful post.
func (r *RateLimiter) RecordPost() {
	r.mu.Lock()
	r.lastPost = r.now()
	r.mu.Unlock()
}

// CheckComment returns a CooldownError if a comment is not yet allowed,
// either by the per-comment gap or the sliding daily cap.
func (r *RateLimiter) CheckComment() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()

	if !r.lastComment.IsZero() {
		if wait := CommentCooldown - now.Sub(r.lastComment); wait > 0 {
			return &CooldownError{Scope: "comment", RetryAfter: wait}
		}
	}

	r.prune(now)
	if len(r.comments) >= CommentDailyLimit {
		wait := r.comments[0].Add(commentWindow).Sub(now)
		return &CooldownError{Scope: "comment", RetryAfter: wait}
	}
	return nil
}

// RecordComment marks a successful comment.
func (r *RateLimiter) RecordComment() {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	r.lastComment = now
	r.comments = append(r.comments, now)
	r.prune(now)
}

// prune drops comment timestamps outside the window. Caller holds mu.
func (r *RateLimiter) prune(now time.Time) {
	cutoff := now.Add(-commentWindow)
	i := 0
	for i < len(r.comments) && r.comments[i].Before(cutoff) {
		i++
	}
	r.comments = r.comments[i:]
}

// Client talks to the Moltbook API.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	limiter    *RateLimiter
}

// NewClient creates a Moltbook client. apiKey may be empty before
// registration; SetAPIKey installs it afterwards.
func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		limiter: NewRateLimiter(),
	}
}

// SetAPIKey installs the key received from Register.
func (c *Client) SetAPIKey(key string) { c.apiKey = key }

// do performs one API request, retrying exactly once on a 429 that
// carries a Retry-After header.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	for attempt := 0; ; attempt++ {
		var reader io.Reader
		if body != nil {
			b, err := json.Marshal(body)
			if err != nil {
				return fmt.Errorf("marshal request: %w", err)
			}
			reader = bytes.NewReader(b)
		}

		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
		if err != nil {
			return fmt.Errorf("create request: %w", err)
		}
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if c.apiKey != "" {
			req.Header.Set("Authorization", "Bearer "+c.apiKey)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("%s %s: %w", method, path, err)
		}

		if resp.StatusCode == http.StatusTooManyRequests && attempt == 0 {
			wait := retryAfter(resp)
			io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
			slog.Warn("rate limited by platform, retrying once", "path", path, "wait", wait)
			select {
			case <-time.After(wait):
				continue
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			resp.Body.Close()
			return &APIError{StatusCode: resp.StatusCode, Message: string(msg)}
		}

		if out != nil {
			err = json.NewDecoder(resp.Body).Decode(out)
		}
		resp.Body.Close()
		if err != nil {
			return fmt.Errorf("decode %s response: %w", path, err)
		}
		return nil
	}
}

func retryAfter(resp *http.Response) time.Duration {
	if s := resp.Header.Get("Retry-After"); s != "" {
		if secs, err := strconv.Atoi(s); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
	}
	return 5 * time.Second
}

// Register creates a new agent account. A 409 means the name is taken;
// the caller should generate a different one and retry.
func (c *Client) Register(ctx context.Context, name, bio string) (*RegisterResponse, error) {
	var out RegisterResponse
	err := c.do(ctx, http.MethodPost, "/agents/register", map[string]string{
		"name": name,
		"bio":  bio,
	}, &out)
	if apiErr, ok := err.(*APIError); ok && apiErr.StatusCode == http.StatusConflict {
		return nil, &NameTakenError{Name: name}
	}
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// Me returns the authenticated agent's own profile.
func (c *Client) Me(ctx context.Context) (*Agent, error) {
	var out Agent
	if err := c.do(ctx, http.MethodGet, "/agents/me", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Feed returns posts. sort is "new", "hot", or "top".
func (c *Client) Feed(ctx context.Context, sort string, limit int) ([]Post, error) {
	q := url.Values{}
	if sort != "" {
		q.Set("sort", sort)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var out []Post
	if err := c.do(ctx, http.MethodGet, "/feed?"+q.Encode(), nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Post returns one post by id.
func (c *Client) Post(ctx context.Context, id string) (*Post, error) {
	var out Post
	if err := c.do(ctx, http.MethodGet, "/posts/"+url.PathEscape(id), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CreatePost publishes a post, subject to the post cooldown.
func (c *Client) CreatePost(ctx context.Context, req CreatePostRequest) (*Post, error) {
	if err := c.limiter.CheckPost(); err != nil {
		return nil, err
	}
	var out Post
	if err := c.do(ctx, http.MethodPost, "/posts", req, &out); err != nil {
		return nil, err
	}
	c.limiter.RecordPost()
	return &out, nil
}

// Comments returns a post's comments. sort is "new" or "top".
func (c *Client) Comments(ctx context.Context, postID, sort string) ([]Comment, error) {
	q := url.Values{}
	if sort != "" {
		q.Set("sort", sort)
	}
	var out []Comment
	path := "/posts/" + url.PathEscape(postID) + "/comments?" + q.Encode()
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// CreateComment comments on a post, subject to the comment cooldown and
// the sliding daily cap.
func (c *Client) CreateComment(ctx context.Context, postID string, req CreateCommentRequest) (*Comment, error) {
	if err := c.limiter.CheckComment(); err != nil {
		return nil, err
	}
	var out Comment
	path := "/posts/" + url.PathEscape(postID) + "/comments"
	if err := c.do(ctx, http.MethodPost, path, req, &out); err != nil {
		return nil, err
	}
	c.limiter.RecordComment()
	return &out, nil
}

// UpvotePost upvotes a post. Upvotes are not rate limited.
func (c *Client) UpvotePost(ctx context.Context, postID string) error {
	return c.do(ctx, http.MethodPost, "/posts/"+url.PathEscape(postID)+"/upvote", nil, nil)
}

// UpvoteComment upvotes a comment.
func (c *Client) UpvoteComment(ctx context.Context, commentID string) error {
	return c.do(ctx, http.MethodPost, "/comments/"+url.PathEscape(commentID)+"/upvote", nil, nil)
}

// Search runs a full-text search over posts.
func (c *Client) Search(ctx context.Context, query string, limit int) ([]Post, error) {
	q := url.Values{"q": {query}}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var out []Post
	if err := c.do(ctx, http.MethodGet, "/search?"+q.Encode(), nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Follow follows another agent by name.
func (c *Client) Follow(ctx context.Context, name string) error {
	return c.do(ctx, http.MethodPost, "/agents/"+url.PathEscape(name)+"/follow", nil, nil)
}

// Unfollow removes a follow.
func (c *Client) Unfollow(ctx context.Context, name string) error {
	return c.do(ctx, http.MethodDelete, "/agents/"+url.PathEscape(name)+"/follow", nil, nil)
}

// CheckDMActivity is the cheap inbox probe called every heartbeat.
func (c *Client) CheckDMActivity(ctx context.Context) (*DMActivity, error) {
	var out DMActivity
	if err := c.do(ctx, http.MethodGet, "/dm/check", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// DMRequests lists pending conversation requests.
func (c *Client) DMRequests(ctx context.Context) ([]DMConversation, error) {
	var out []DMConversation
	if err := c.do(ctx, http.MethodGet, "/dm/requests", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// AcceptDM approves a pending conversation request.
func (c *Client) AcceptDM(ctx context.Context, conversationID string) error {
	return c.do(ctx, http.MethodPost, "/dm/"+url.PathEscape(conversationID)+"/accept", nil, nil)
}

// DMConversations lists active conversations.
func (c *Client) DMConversations(ctx context.Context) ([]DMConversation, error) {
	var out []DMConversation
	if err := c.do(ctx, http.MethodGet, "/dm/conversations", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// DMMessages returns a conversation's messages, oldest first.
func (c *Client) DMMessages(ctx context.Context, conversationID string) ([]DMMessage, error) {
	var out []DMMessage
	path := "/dm/" + url.PathEscape(conversationID) + "/messages"
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// SendDM sends a message in an active conversation. DMs share the
// comment cooldown but not the daily cap.
func (c *Client) SendDM(ctx context.Context, conversationID, content string) (*DMMessage, error) {
	var out DMMessage
	path := "/dm/" + url.PathEscape(conversationID) + "/messages"
	err := c.do(ctx, http.MethodPost, path, map[string]string{"content": content}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}
