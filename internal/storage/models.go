package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// Turn roles.
const (
	RoleUser = "user"
	RoleBot  = "bot"
)

// Feedback types.
const (
	FeedbackLike    = "like"
	FeedbackDislike = "dislike"
)

// Feedback toggle outcomes.
const (
	FeedbackCreated = "created"
	FeedbackUpdated = "updated"
	FeedbackRemoved = "removed"
)

// Conversation is one chat session. CorrelationID is the opaque id the
// upstream AI service uses for multi-turn context; once set it is never
// overwritten.
type Conversation struct {
	ID            string
	CorrelationID string
	Title         string
	CreatedAt     time.Time
}

// Turn is a single message within a conversation. Bot turns may carry
// artifact markup added by the compositor.
type Turn struct {
	ID             string
	ConversationID string
	Role           string
	Text           string
	CreatedAt      time.Time
}

// Attachment is an uploaded file's extracted text, referenced by chat
// requests through its id.
type Attachment struct {
	ID        string
	Filename  string
	Text      string
	CreatedAt time.Time
}

// FAQRef promotes a conversation into the curated FAQ list.
// A conversation has at most one FAQRef.
type FAQRef struct {
	ID             string
	ConversationID string
	Title          string
	Preview        string
	CreatedAt      time.Time
	PromotedAt     time.Time
}

// ConversationPreview is a conversation plus the text of its first user
// turn, for sidebar listings.
type ConversationPreview struct {
	Conversation
	Preview string
}

// ConversationFeedback is the per-conversation like/dislike rollup shown on
// the dashboard.
type ConversationFeedback struct {
	ConversationID string
	Title          string
	Likes          int
	Dislikes       int
}

// DashboardStats aggregates counters for the dashboard view.
type DashboardStats struct {
	TotalConversations int                    `json:"total_conversations"`
	TotalFeedback      int                    `json:"total_feedback"`
	TotalLikes         int                    `json:"total_likes"`
	TotalDislikes      int                    `json:"total_dislikes"`
	WithFeedback       []ConversationFeedback `json:"with_feedback"`
	FAQ                []FAQRef               `json:"faq"`
}
