package chat

import (
	"context"
	"time"
)

// Repo stores conversations and their messages.
type Repo interface {
	CreateConversation(ctx context.Context, conv *Conversation) error
	// GetConversation returns ErrConversationNotFound for unknown ids.
	GetConversation(ctx context.Context, id string) (*Conversation, error)
	// ListConversations returns an identity's conversations, most recently updated first.
	ListConversations(ctx context.Context, identityID int64) ([]*Conversation, error)
	// LatestConversation returns the most recently updated conversation from source.
	LatestConversation(ctx context.Context, identityID int64, source Source) (*Conversation, error)
	TouchConversation(ctx context.Context, id string, updatedAt time.Time) error
	RenameConversation(ctx context.Context, id string, title string) error
	AddMessage(ctx context.Context, msg *Message) error
	// ListMessages returns the newest limit messages in chronological order.
	// A limit of zero or less returns all of them.
	ListMessages(ctx context.Context, conversationID string, limit int) ([]*Message, error)
}
