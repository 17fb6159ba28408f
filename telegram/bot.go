package telegram

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/jrsteele09/tg-chat-gateway/chat"
	"github.com/jrsteele09/tg-chat-gateway/handshake/pendingrepo"
	"github.com/jrsteele09/tg-chat-gateway/identity"
	"github.com/jrsteele09/tg-chat-gateway/quota"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

const (
	pollTimeoutSeconds = 30
	maxMessageLength   = 4096
	defaultSendRate    = 25
)

// API is the part of *tgbotapi.BotAPI the bot uses.
type API interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
}

type Handshakes interface {
	ConfirmHandshake(ctx context.Context, code string, profile identity.Profile) (*pendingrepo.Result, error)
}

type Chats interface {
	SendToLatest(ctx context.Context, identityID int64, content string) (*chat.SendResult, error)
	StartNew(ctx context.Context, identityID int64) (*chat.Conversation, error)
}

type UsageReader interface {
	Usage(ctx context.Context, identityID int64) (*quota.Usage, error)
}

// Bot is the messaging front end. Updates arrive either from Run (long
// polling) or from the webhook route; both end in HandleUpdate.
type Bot struct {
	api        API
	handshakes Handshakes
	identities identity.Repo
	chats      Chats
	usage      UsageReader

	admins       map[int64]struct{}
	limiter      *rate.Limiter
	defaultLimit int
	proLimit     int
	nowFunc      func() time.Time

	wg sync.WaitGroup
}

type BotOption func(*Bot)

// WithAdmins lists the user ids allowed to run operator commands.
func WithAdmins(ids ...int64) BotOption {
	return func(b *Bot) {
		for _, id := range ids {
			b.admins[id] = struct{}{}
		}
	}
}

// WithSendRate caps outbound messages per second.
func WithSendRate(perSecond int) BotOption {
	return func(b *Bot) {
		if perSecond > 0 {
			b.limiter = rate.NewLimiter(rate.Limit(perSecond), 1)
		}
	}
}

// WithDailyLimits sets the limits assigned to new identities and by /plan.
func WithDailyLimits(free, pro int) BotOption {
	return func(b *Bot) {
		b.defaultLimit = free
		b.proLimit = pro
	}
}

func WithNowFunc(now func() time.Time) BotOption {
	return func(b *Bot) {
		b.nowFunc = now
	}
}

func NewBot(api API, handshakes Handshakes, identities identity.Repo, chats Chats, usage UsageReader, options ...BotOption) (*Bot, error) {
	if api == nil || handshakes == nil || identities == nil || chats == nil || usage == nil {
		return nil, errors.New("[NewBot] missing dependency")
	}
	b := &Bot{
		api:          api,
		handshakes:   handshakes,
		identities:   identities,
		chats:        chats,
		usage:        usage,
		admins:       make(map[int64]struct{}),
		limiter:      rate.NewLimiter(rate.Limit(defaultSendRate), 1),
		defaultLimit: 100,
		proLimit:     1000,
		nowFunc:      time.Now,
	}
	for _, opt := range options {
		opt(b)
	}
	return b, nil
}

// Dispatch handles update on its own goroutine.
func (b *Bot) Dispatch(ctx context.Context, update tgbotapi.Update) {
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		b.HandleUpdate(ctx, update)
	}()
}

// Wait blocks until every dispatched update has been handled.
func (b *Bot) Wait() {
	b.wg.Wait()
}

// Run long-polls for updates until ctx is cancelled, then waits for
// in-flight handlers.
func (b *Bot) Run(ctx context.Context) error {
	if _, err := b.api.Request(tgbotapi.DeleteWebhookConfig{}); err != nil {
		log.Warn().Err(err).Msg("failed to clear webhook before polling")
	}

	u := tgbotapi.NewUpdate(0)
	u.Timeout = pollTimeoutSeconds
	updates := b.api.GetUpdatesChan(u)
	log.Info().Msg("telegram polling started")

	defer b.wg.Wait()
	for {
		select {
		case <-ctx.Done():
			b.api.StopReceivingUpdates()
			log.Info().Msg("telegram polling stopped")
			return nil
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			b.Dispatch(ctx, update)
		}
	}
}

// SetWebhook registers url with Telegram for webhook mode.
func (b *Bot) SetWebhook(url string) error {
	wh, err := tgbotapi.NewWebhook(url)
	if err != nil {
		return errors.Wrap(err, "[Bot.SetWebhook]")
	}
	if _, err := b.api.Request(wh); err != nil {
		return errors.Wrap(err, "[Bot.SetWebhook] request")
	}
	return nil
}

// DecodeWebhook reads one update posted by Telegram.
func DecodeWebhook(r *http.Request) (*tgbotapi.Update, error) {
	var update tgbotapi.Update
	if err := json.NewDecoder(r.Body).Decode(&update); err != nil {
		return nil, errors.Wrap(err, "[DecodeWebhook]")
	}
	return &update, nil
}

// HandleUpdate processes one inbound update. Failures are reported to the
// user as messages and logged; nothing is returned.
func (b *Bot) HandleUpdate(ctx context.Context, update tgbotapi.Update) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Int("update", update.UpdateID).Msg("telegram handler panicked")
		}
	}()

	msg := update.Message
	if msg == nil || msg.From == nil || msg.Chat == nil || msg.From.IsBot {
		return
	}
	in := inbound{
		chatID:  msg.Chat.ID,
		profile: profileOf(msg.From),
	}

	if msg.IsCommand() {
		b.handleCommand(ctx, in, msg.Command(), strings.TrimSpace(msg.CommandArguments()))
		return
	}
	if strings.TrimSpace(msg.Text) == "" {
		b.reply(ctx, in.chatID, textOnly)
		return
	}
	b.handleText(ctx, in, msg.Text)
}

type inbound struct {
	chatID  int64
	profile identity.Profile
}

func profileOf(u *tgbotapi.User) identity.Profile {
	return identity.Profile{
		ID:          u.ID,
		DisplayName: strings.TrimSpace(u.FirstName + " " + u.LastName),
		Username:    u.UserName,
	}
}

func (b *Bot) typing(chatID int64) {
	if _, err := b.api.Request(tgbotapi.NewChatAction(chatID, tgbotapi.ChatTyping)); err != nil {
		log.Debug().Err(err).Int64("chat", chatID).Msg("typing action failed")
	}
}

// reply sends text, split to Telegram's message size, paced by the limiter.
func (b *Bot) reply(ctx context.Context, chatID int64, text string) {
	for _, chunk := range splitMessage(text, maxMessageLength) {
		if err := b.limiter.Wait(ctx); err != nil {
			log.Warn().Err(err).Int64("chat", chatID).Msg("reply dropped")
			return
		}
		if _, err := b.api.Send(tgbotapi.NewMessage(chatID, chunk)); err != nil {
			log.Err(err).Int64("chat", chatID).Msg("failed to send telegram message")
			return
		}
	}
}

// splitMessage cuts text into pieces of at most limit runes, preferring
// line breaks.
func splitMessage(text string, limit int) []string {
	runes := []rune(text)
	var chunks []string
	for len(runes) > limit {
		cut := limit
		for i := limit; i > limit/2; i-- {
			if runes[i-1] == '\n' {
				cut = i
				break
			}
		}
		chunks = append(chunks, string(runes[:cut]))
		runes = runes[cut:]
	}
	if len(runes) > 0 {
		chunks = append(chunks, string(runes))
	}
	return chunks
}
