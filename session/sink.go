package session

import (
	"context"
	"strings"
	"time"
	"unicode/utf8"
)

// Roles of history records
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// TitleMaxRunes bounds the title derived from the first user message.
const TitleMaxRunes = 60

// Turn is one history record.
type Turn struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// UsageRecord is the token usage of one terminated session.
type UsageRecord struct {
	SessionID    string    `json:"session_id"`
	ConnID       string    `json:"conn_id"`
	UserID       string    `json:"user_id"`
	InputTokens  int64     `json:"input_tokens"`
	OutputTokens int64     `json:"output_tokens"`
	CreatedAt    time.Time `json:"created_at"`
}

// SessionRecord is the stored conversation of one terminated session.
type SessionRecord struct {
	SessionID string    `json:"session_id"`
	ConnID    string    `json:"conn_id"`
	UserID    string    `json:"user_id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	History   []Turn    `json:"history"`
}

// Sink persists termination records. Both writes are upserts keyed by session
// id, so replaying a record is harmless.
type Sink interface {
	UpsertUsageLog(ctx context.Context, rec UsageRecord) error
	UpsertSessionRecord(ctx context.Context, rec SessionRecord) error
}

// Title returns the first user message of history, cut to TitleMaxRunes.
func Title(history []Turn) string {
	for _, t := range history {
		if t.Role != RoleUser {
			continue
		}
		title := strings.TrimSpace(t.Content)
		if utf8.RuneCountInString(title) > TitleMaxRunes {
			title = strings.TrimSpace(string([]rune(title)[:TitleMaxRunes])) + "..."
		}
		return title
	}
	return ""
}
