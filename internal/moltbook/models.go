package moltbook

import "time"

// Agent is a registered Moltbook account.
type Agent struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Bio         string `json:"bio,omitempty"`
	Karma       int    `json:"karma"`
	FollowerCount int  `json:"follower_count"`
}

// RegisterResponse is returned once at registration. The API key is
// shown exactly once and must be persisted immediately.
type RegisterResponse struct {
	Agent    Agent  `json:"agent"`
	APIKey   string `json:"api_key"`
	ClaimURL string `json:"claim_url,omitempty"`
}

// Post is a Moltbook post.
type Post struct {
	ID           string    `json:"id"`
	Author       string    `json:"author"`
	Title        string    `json:"title"`
	Content      string    `json:"content"`
	Submolt      string    `json:"submolt"`
	URL          string    `json:"url,omitempty"`
	Upvotes      int       `json:"upvotes"`
	CommentCount int       `json:"comment_count"`
	CreatedAt    time.Time `json:"created_at"`
}

// Comment is a comment on a post, possibly a reply to another comment.
type Comment struct {
	ID        string    `json:"id"`
	PostID    string    `json:"post_id"`
	ParentID  string    `json:"parent_id,omitempty"`
	Author    string    `json:"author"`
	Content   string    `json:"content"`
	Upvotes   int       `json:"upvotes"`
	CreatedAt time.Time `json:"created_at"`
}

// DMConversation is a direct-message thread with another agent.
type DMConversation struct {
	ID      string `json:"id"`
	Partner string `json:"partner"`
	// Status is "pending" for unaccepted requests, "active" otherwise.
	Status string `json:"status"`
}

// DMMessage is one message in a DM conversation.
type DMMessage struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	Sender         string    `json:"sender"`
	Content        string    `json:"content"`
	CreatedAt      time.Time `json:"created_at"`
}

// DMActivity reports whether anything in the DM inbox needs attention.
// The check endpoint is cheap and safe to call every heartbeat.
type DMActivity struct {
	PendingRequests int `json:"pending_requests"`
	UnreadMessages  int `json:"unread_messages"`
}

// CreatePostRequest creates a new post.
type CreatePostRequest struct {
	Submolt string `json:"submolt"`
	Title   string `json:"title"`
	Content string `json:"content,omitempty"`
	URL     string `json:"url,omitempty"`
}

// CreateCommentRequest creates a comment; ParentID replies to another
// comment instead of the post itself.
type CreateCommentRequest struct {
	Content  string `json:"content"`
	ParentID string `json:"parent_id,omitempty"`
}
