package chat

import (
	"time"

	"github.com/zhouzirui/empath/backend/internal/model/emotion"
)

// Role identifies who produced a turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Turn is one transcript entry. Turns are appended, never edited.
type Turn struct {
	ID        string         `json:"id"`
	SessionID string         `json:"sessionId"`
	Role      Role           `json:"role"`
	Text      string         `json:"text"`
	Emotion   *emotion.Label `json:"emotion,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}
