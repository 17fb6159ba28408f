package chat

import (
	"strings"
	"time"
	"unicode/utf8"

	"github.com/oklog/ulid/v2"
	"github.com/pkg/errors"
)

type Source string

const (
	SourceWeb      Source = "web"
	SourceTelegram Source = "telegram"
)

func ParseSource(s string) (Source, error) {
	switch Source(strings.ToLower(strings.TrimSpace(s))) {
	case SourceWeb, "":
		return SourceWeb, nil
	case SourceTelegram:
		return SourceTelegram, nil
	default:
		return "", errors.Errorf("unknown source %q", s)
	}
}

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

type Conversation struct {
	ID         string    `json:"id"`
	IdentityID int64     `json:"identityId"`
	Title      string    `json:"title"`
	Source     Source    `json:"source"`
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversationId"`
	Role           Role      `json:"role"`
	Content        string    `json:"content"`
	CreatedAt      time.Time `json:"createdAt"`
}

// NewID returns a ULID; ids sort in creation order.
func NewID() string {
	return ulid.Make().String()
}

const maxTitleRunes = 60

// TitleFrom derives a conversation title from its first user message.
func TitleFrom(content string) string {
	title := strings.Join(strings.Fields(content), " ")
	if utf8.RuneCountInString(title) <= maxTitleRunes {
		return title
	}
	runes := []rune(title)
	return strings.TrimSpace(string(runes[:maxTitleRunes-1])) + "…"
}
