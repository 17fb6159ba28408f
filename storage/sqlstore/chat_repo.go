package sqlstore

import (
	"context"
	"database/sql"
	"time"

	"github.com/jrsteele09/tg-chat-gateway/chat"
	apperrors "github.com/jrsteele09/tg-chat-gateway/internal/errors"
	"github.com/pkg/errors"
)

const (
	conversationColumns = `id, identity_id, title, source, created_at, updated_at`
	messageColumns      = `id, conversation_id, role, content, created_at`
)

var _ chat.Repo = (*ChatRepo)(nil)

type ChatRepo struct {
	store *Store
}

func (r *ChatRepo) CreateConversation(ctx context.Context, conv *chat.Conversation) error {
	_, err := r.store.exec(ctx, `INSERT INTO conversations (`+conversationColumns+`) VALUES (?, ?, ?, ?, ?, ?)`,
		conv.ID, conv.IdentityID, conv.Title, string(conv.Source), conv.CreatedAt.UTC(), conv.UpdatedAt.UTC())
	if err != nil {
		return errors.Wrap(err, "[ChatRepo.CreateConversation]")
	}
	return nil
}

func (r *ChatRepo) GetConversation(ctx context.Context, id string) (*chat.Conversation, error) {
	row := r.store.queryRow(ctx, `SELECT `+conversationColumns+` FROM conversations WHERE id = ?`, id)
	conv, err := scanConversation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.ErrConversationNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "[ChatRepo.GetConversation]")
	}
	return conv, nil
}

func (r *ChatRepo) ListConversations(ctx context.Context, identityID int64) ([]*chat.Conversation, error) {
	rows, err := r.store.query(ctx, `
		SELECT `+conversationColumns+` FROM conversations
		WHERE identity_id = ?
		ORDER BY updated_at DESC, id DESC`, identityID)
	if err != nil {
		return nil, errors.Wrap(err, "[ChatRepo.ListConversations]")
	}
	defer rows.Close()

	var convs []*chat.Conversation
	for rows.Next() {
		conv, err := scanConversation(rows)
		if err != nil {
			return nil, errors.Wrap(err, "[ChatRepo.ListConversations] scan")
		}
		convs = append(convs, conv)
	}
	return convs, rows.Err()
}

func (r *ChatRepo) LatestConversation(ctx context.Context, identityID int64, source chat.Source) (*chat.Conversation, error) {
	row := r.store.queryRow(ctx, `
		SELECT `+conversationColumns+` FROM conversations
		WHERE identity_id = ? AND source = ?
		ORDER BY updated_at DESC, id DESC
		LIMIT 1`, identityID, string(source))
	conv, err := scanConversation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.ErrConversationNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "[ChatRepo.LatestConversation]")
	}
	return conv, nil
}

func (r *ChatRepo) TouchConversation(ctx context.Context, id string, updatedAt time.Time) error {
	res, err := r.store.exec(ctx, `UPDATE conversations SET updated_at = ? WHERE id = ?`, updatedAt.UTC(), id)
	if err != nil {
		return errors.Wrap(err, "[ChatRepo.TouchConversation]")
	}
	return rowsAffected(res, apperrors.ErrConversationNotFound)
}

func (r *ChatRepo) RenameConversation(ctx context.Context, id string, title string) error {
	res, err := r.store.exec(ctx, `UPDATE conversations SET title = ? WHERE id = ?`, title, id)
	if err != nil {
		return errors.Wrap(err, "[ChatRepo.RenameConversation]")
	}
	return rowsAffected(res, apperrors.ErrConversationNotFound)
}

func (r *ChatRepo) AddMessage(ctx context.Context, msg *chat.Message) error {
	_, err := r.store.exec(ctx, `INSERT INTO messages (`+messageColumns+`) VALUES (?, ?, ?, ?, ?)`,
		msg.ID, msg.ConversationID, string(msg.Role), msg.Content, msg.CreatedAt.UTC())
	if err != nil {
		return errors.Wrap(err, "[ChatRepo.AddMessage]")
	}
	return nil
}

func (r *ChatRepo) ListMessages(ctx context.Context, conversationID string, limit int) ([]*chat.Message, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if limit > 0 {
		rows, err = r.store.query(ctx, `
			SELECT `+messageColumns+` FROM (
				SELECT `+messageColumns+` FROM messages
				WHERE conversation_id = ?
				ORDER BY id DESC
				LIMIT ?
			) recent ORDER BY id ASC`, conversationID, limit)
	} else {
		rows, err = r.store.query(ctx, `
			SELECT `+messageColumns+` FROM messages
			WHERE conversation_id = ?
			ORDER BY id ASC`, conversationID)
	}
	if err != nil {
		return nil, errors.Wrap(err, "[ChatRepo.ListMessages]")
	}
	defer rows.Close()

	var msgs []*chat.Message
	for rows.Next() {
		var (
			msg  chat.Message
			role string
		)
		if err := rows.Scan(&msg.ID, &msg.ConversationID, &role, &msg.Content, &msg.CreatedAt); err != nil {
			return nil, errors.Wrap(err, "[ChatRepo.ListMessages] scan")
		}
		msg.Role = chat.Role(role)
		msg.CreatedAt = msg.CreatedAt.UTC()
		msgs = append(msgs, &msg)
	}
	return msgs, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanConversation(row scanner) (*chat.Conversation, error) {
	var (
		conv   chat.Conversation
		source string
	)
	if err := row.Scan(&conv.ID, &conv.IdentityID, &conv.Title, &source, &conv.CreatedAt, &conv.UpdatedAt); err != nil {
		return nil, err
	}
	conv.Source = chat.Source(source)
	conv.CreatedAt = conv.CreatedAt.UTC()
	conv.UpdatedAt = conv.UpdatedAt.UTC()
	return &conv, nil
}
