package repofake

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/jrsteele09/tg-chat-gateway/chat"
	apperrors "github.com/jrsteele09/tg-chat-gateway/internal/errors"
)

var _ chat.Repo = (*FakeChatRepo)(nil)

type FakeChatRepo struct {
	conversations map[string]*chat.Conversation
	messages      map[string][]*chat.Message
	lock          sync.RWMutex
}

func NewFakeChatRepo() *FakeChatRepo {
	return &FakeChatRepo{
		conversations: make(map[string]*chat.Conversation),
		messages:      make(map[string][]*chat.Message),
	}
}

func (r *FakeChatRepo) CreateConversation(_ context.Context, conv *chat.Conversation) error {
	r.lock.Lock()
	defer r.lock.Unlock()

	c := *conv
	r.conversations[conv.ID] = &c
	return nil
}

func (r *FakeChatRepo) GetConversation(_ context.Context, id string) (*chat.Conversation, error) {
	r.lock.RLock()
	defer r.lock.RUnlock()

	conv, ok := r.conversations[id]
	if !ok {
		return nil, apperrors.ErrConversationNotFound
	}
	c := *conv
	return &c, nil
}

func (r *FakeChatRepo) ListConversations(_ context.Context, identityID int64) ([]*chat.Conversation, error) {
	r.lock.RLock()
	defer r.lock.RUnlock()
	return r.listLocked(identityID, ""), nil
}

func (r *FakeChatRepo) LatestConversation(_ context.Context, identityID int64, source chat.Source) (*chat.Conversation, error) {
	r.lock.RLock()
	defer r.lock.RUnlock()

	convs := r.listLocked(identityID, source)
	if len(convs) == 0 {
		return nil, apperrors.ErrConversationNotFound
	}
	return convs[0], nil
}

func (r *FakeChatRepo) TouchConversation(_ context.Context, id string, updatedAt time.Time) error {
	r.lock.Lock()
	defer r.lock.Unlock()

	conv, ok := r.conversations[id]
	if !ok {
		return apperrors.ErrConversationNotFound
	}
	conv.UpdatedAt = updatedAt
	return nil
}

func (r *FakeChatRepo) RenameConversation(_ context.Context, id string, title string) error {
	r.lock.Lock()
	defer r.lock.Unlock()

	conv, ok := r.conversations[id]
	if !ok {
		return apperrors.ErrConversationNotFound
	}
	conv.Title = title
	return nil
}

func (r *FakeChatRepo) AddMessage(_ context.Context, msg *chat.Message) error {
	r.lock.Lock()
	defer r.lock.Unlock()

	if _, ok := r.conversations[msg.ConversationID]; !ok {
		return apperrors.ErrConversationNotFound
	}
	m := *msg
	r.messages[msg.ConversationID] = append(r.messages[msg.ConversationID], &m)
	return nil
}

func (r *FakeChatRepo) ListMessages(_ context.Context, conversationID string, limit int) ([]*chat.Message, error) {
	r.lock.RLock()
	defer r.lock.RUnlock()

	all := r.messages[conversationID]
	if limit > 0 && len(all) > limit {
		all = all[len(all)-limit:]
	}
	out := make([]*chat.Message, 0, len(all))
	for _, msg := range all {
		m := *msg
		out = append(out, &m)
	}
	return out, nil
}

// listLocked filters by source when source is non-empty.
func (r *FakeChatRepo) listLocked(identityID int64, source chat.Source) []*chat.Conversation {
	var out []*chat.Conversation
	for _, conv := range r.conversations {
		if conv.IdentityID != identityID || (source != "" && conv.Source != source) {
			continue
		}
		c := *conv
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	return out
}
