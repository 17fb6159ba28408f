package chat

import (
	"context"
	"strings"
	"time"

	"github.com/jrsteele09/tg-chat-gateway/ai"
	apperrors "github.com/jrsteele09/tg-chat-gateway/internal/errors"
	"github.com/jrsteele09/tg-chat-gateway/quota"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const (
	defaultHistoryLimit = 50
	maxMessageRunes     = 8000

	// GenerationFailedNotice is shown in place of an assistant reply when generation fails.
	GenerationFailedNotice = "The assistant is unavailable right now. Your message was saved and did not count against your daily limit. Please try again."
)

// Ledger gates sends against the daily quota.
type Ledger interface {
	CheckAndReserve(ctx context.Context, identityID int64) (*quota.Usage, error)
	Commit(ctx context.Context, identityID int64) (*quota.Usage, error)
}

// SendResult describes one send. Reply is nil and Notice is set when
// generation failed.
type SendResult struct {
	Conversation *Conversation `json:"conversation"`
	UserMessage  *Message      `json:"userMessage"`
	Reply        *Message      `json:"reply,omitempty"`
	Notice       string        `json:"notice,omitempty"`
	Usage        *quota.Usage  `json:"usage,omitempty"`
}

type Service struct {
	repo         Repo
	ledger       Ledger
	generator    ai.Generator
	historyLimit int
	nowFunc      func() time.Time
}

type ServiceOption func(*Service)

// WithHistoryLimit caps how many stored messages are loaded as generation context.
func WithHistoryLimit(limit int) ServiceOption {
	return func(s *Service) {
		s.historyLimit = limit
	}
}

func WithNowFunc(now func() time.Time) ServiceOption {
	return func(s *Service) {
		s.nowFunc = now
	}
}

func NewService(repo Repo, ledger Ledger, generator ai.Generator, options ...ServiceOption) (*Service, error) {
	if repo == nil || ledger == nil || generator == nil {
		return nil, errors.New("[NewService] repo, ledger and generator are required")
	}
	s := &Service{
		repo:         repo,
		ledger:       ledger,
		generator:    generator,
		historyLimit: defaultHistoryLimit,
		nowFunc:      time.Now,
	}
	for _, opt := range options {
		opt(s)
	}
	return s, nil
}

func (s *Service) ListConversations(ctx context.Context, identityID int64) ([]*Conversation, error) {
	convs, err := s.repo.ListConversations(ctx, identityID)
	if err != nil {
		return nil, errors.Wrap(err, "[Service.ListConversations]")
	}
	return convs, nil
}

func (s *Service) CreateConversation(ctx context.Context, identityID int64, title string, source Source) (*Conversation, error) {
	now := s.nowFunc().UTC()
	conv := &Conversation{
		ID:         NewID(),
		IdentityID: identityID,
		Title:      TitleFrom(title),
		Source:     source,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.repo.CreateConversation(ctx, conv); err != nil {
		return nil, errors.Wrap(err, "[Service.CreateConversation]")
	}
	return conv, nil
}

func (s *Service) ListMessages(ctx context.Context, identityID int64, conversationID string) ([]*Message, error) {
	if _, err := s.owned(ctx, identityID, conversationID); err != nil {
		return nil, err
	}
	msgs, err := s.repo.ListMessages(ctx, conversationID, 0)
	if err != nil {
		return nil, errors.Wrap(err, "[Service.ListMessages]")
	}
	return msgs, nil
}

// Send runs one exchange: quota check, user turn, generation, assistant turn,
// quota commit. On generation failure the user turn stays stored, quota is
// not committed and the returned result carries a notice alongside an error
// matching ErrGenerationFailed.
func (s *Service) Send(ctx context.Context, identityID int64, conversationID string, content string) (*SendResult, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil, apperrors.ErrEmptyMessage
	}
	if len([]rune(content)) > maxMessageRunes {
		return nil, apperrors.Wrapf(apperrors.ErrInvalidRequest, "message longer than %d characters", maxMessageRunes)
	}

	conv, err := s.owned(ctx, identityID, conversationID)
	if err != nil {
		return nil, err
	}

	usage, err := s.ledger.CheckAndReserve(ctx, identityID)
	if err != nil {
		return nil, err
	}

	userMsg, err := s.addMessage(ctx, conv.ID, RoleUser, content)
	if err != nil {
		return nil, err
	}
	result := &SendResult{Conversation: conv, UserMessage: userMsg, Usage: usage}

	history, err := s.repo.ListMessages(ctx, conv.ID, s.historyLimit)
	if err != nil {
		return nil, errors.Wrap(err, "[Service.Send] load history")
	}

	reply, genErr := s.generator.Generate(ctx, toTurns(history))
	if genErr != nil {
		log.Err(genErr).Int64("identity", identityID).Str("conversation", conv.ID).Msg("generation failed")
		s.touch(ctx, conv, "")
		result.Notice = GenerationFailedNotice
		if !apperrors.Is(genErr, apperrors.ErrGenerationFailed) {
			genErr = apperrors.Wrapf(apperrors.ErrGenerationFailed, "%v", genErr)
		}
		return result, genErr
	}

	result.Reply, err = s.addMessage(ctx, conv.ID, RoleAssistant, reply)
	if err != nil {
		return nil, err
	}

	committed, err := s.ledger.Commit(ctx, identityID)
	if err != nil {
		return nil, errors.Wrap(err, "[Service.Send] commit usage")
	}
	result.Usage = committed

	title := ""
	if conv.Title == "" {
		title = TitleFrom(content)
	}
	s.touch(ctx, conv, title)
	return result, nil
}

// SendToLatest sends into the identity's latest messaging conversation,
// opening one when there is none.
func (s *Service) SendToLatest(ctx context.Context, identityID int64, content string) (*SendResult, error) {
	conv, err := s.repo.LatestConversation(ctx, identityID, SourceTelegram)
	if apperrors.Is(err, apperrors.ErrConversationNotFound) {
		conv, err = s.StartNew(ctx, identityID)
	}
	if err != nil {
		return nil, errors.Wrap(err, "[Service.SendToLatest]")
	}
	return s.Send(ctx, identityID, conv.ID, content)
}

// StartNew opens a fresh messaging conversation; later SendToLatest calls use it.
func (s *Service) StartNew(ctx context.Context, identityID int64) (*Conversation, error) {
	return s.CreateConversation(ctx, identityID, "", SourceTelegram)
}

func (s *Service) owned(ctx context.Context, identityID int64, conversationID string) (*Conversation, error) {
	conv, err := s.repo.GetConversation(ctx, conversationID)
	if err != nil {
		if apperrors.Is(err, apperrors.ErrConversationNotFound) {
			return nil, err
		}
		return nil, errors.Wrap(err, "[Service.owned]")
	}
	if conv.IdentityID != identityID {
		return nil, apperrors.ErrConversationNotFound
	}
	return conv, nil
}

func (s *Service) addMessage(ctx context.Context, conversationID string, role Role, content string) (*Message, error) {
	msg := &Message{
		ID:             NewID(),
		ConversationID: conversationID,
		Role:           role,
		Content:        content,
		CreatedAt:      s.nowFunc().UTC(),
	}
	if err := s.repo.AddMessage(ctx, msg); err != nil {
		return nil, errors.Wrapf(err, "[Service.addMessage] %s turn", role)
	}
	return msg, nil
}

// touch bumps the conversation's update time and sets title when non-empty.
// Failures are logged only; the exchange itself is already stored.
func (s *Service) touch(ctx context.Context, conv *Conversation, title string) {
	now := s.nowFunc().UTC()
	if err := s.repo.TouchConversation(ctx, conv.ID, now); err != nil {
		log.Err(err).Str("conversation", conv.ID).Msg("failed to touch conversation")
	} else {
		conv.UpdatedAt = now
	}
	if title == "" {
		return
	}
	if err := s.repo.RenameConversation(ctx, conv.ID, title); err != nil {
		log.Err(err).Str("conversation", conv.ID).Msg("failed to title conversation")
		return
	}
	conv.Title = title
}

func toTurns(msgs []*Message) []ai.Turn {
	turns := make([]ai.Turn, 0, len(msgs))
	for _, m := range msgs {
		role := ai.RoleUser
		if m.Role == RoleAssistant {
			role = ai.RoleAssistant
		}
		turns = append(turns, ai.Turn{Role: role, Content: m.Content})
	}
	return turns
}
