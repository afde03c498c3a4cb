package domain

import (
	"time"
	"unicode/utf8"
)

// DisplayNameLength is the number of leading characters of the first user
// message a session is named after. The name is derived once and never
// recomputed.
const DisplayNameLength = 10

type SessionMessage struct {
	ID          string        `json:"id"`
	Role        Role          `json:"role"`
	Content     string        `json:"content"`
	Timestamp   time.Time     `json:"timestamp"`
	Model       string        `json:"model,omitempty"`
	Attachments []ContentPart `json:"attachments,omitempty"`
}

type Session struct {
	ID          string           `json:"id"`
	DisplayName string           `json:"display_name"`
	Messages    []SessionMessage `json:"messages"`
	CreatedAt   time.Time        `json:"created_at"`
	UpdatedAt   time.Time        `json:"updated_at"`
}

// SessionCatalog is the single durable record holding every session plus the
// current/last pointers. CurrentSessionID, when set, always references an
// entry in Sessions.
type SessionCatalog struct {
	Sessions         []Session `json:"sessions"`
	CurrentSessionID string    `json:"current_session_id,omitempty"`
	LastSessionID    string    `json:"last_session_id,omitempty"`
}

func (c SessionCatalog) Find(id string) (Session, bool) {
	for _, s := range c.Sessions {
		if s.ID == id {
			return s, true
		}
	}
	return Session{}, false
}

// DeriveDisplayName truncates the first user message to the display-name
// length, on rune boundaries.
func DeriveDisplayName(firstUserMessage string) string {
	if utf8.RuneCountInString(firstUserMessage) <= DisplayNameLength {
		return firstUserMessage
	}
	runes := []rune(firstUserMessage)
	return string(runes[:DisplayNameLength])
}
