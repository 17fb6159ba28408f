package main

import (
	"context"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/jrsteele09/tg-chat-gateway/ai"
	"github.com/jrsteele09/tg-chat-gateway/chat"
	chatfake "github.com/jrsteele09/tg-chat-gateway/chat/repofake"
	"github.com/jrsteele09/tg-chat-gateway/handshake"
	"github.com/jrsteele09/tg-chat-gateway/handshake/pendingrepo"
	"github.com/jrsteele09/tg-chat-gateway/identity"
	identityfake "github.com/jrsteele09/tg-chat-gateway/identity/repofake"
	"github.com/jrsteele09/tg-chat-gateway/internal/config"
	"github.com/jrsteele09/tg-chat-gateway/quota"
	"github.com/jrsteele09/tg-chat-gateway/server"
	"github.com/jrsteele09/tg-chat-gateway/storage/sqlstore"
	"github.com/jrsteele09/tg-chat-gateway/telegram"
	"github.com/jrsteele09/tg-chat-gateway/token"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// app owns every long-lived component of the gateway.
type app struct {
	config config.Config
	store  *sqlstore.Store
	broker *handshake.Broker
	bot    *telegram.Bot
	server *server.Server
}

func newApp(ctx context.Context, c config.Config) (*app, error) {
	a := &app{config: c}

	identities, chats, err := a.openStorage(ctx)
	if err != nil {
		return nil, err
	}

	signer, err := token.NewHMACSigner(c.GetSessionSecret())
	if err != nil {
		return nil, errors.Wrap(err, "[newApp] signer")
	}
	issuer, err := token.NewIssuer(signer, identities,
		token.WithIssuer(c.GetTokenIssuer()),
		token.WithExpiry(c.GetSessionTokenExpiry()),
	)
	if err != nil {
		return nil, errors.Wrap(err, "[newApp] issuer")
	}

	a.broker, err = handshake.NewBroker(pendingrepo.NewInMemoryRepo(), identities, issuer,
		handshake.WithBotLink(handshake.BotLink(c.GetBotUsername())),
		handshake.WithTimeout(c.GetHandshakeTimeout()),
		handshake.WithDailyLimit(c.GetDefaultDailyLimit()),
	)
	if err != nil {
		return nil, errors.Wrap(err, "[newApp] broker")
	}

	ledger := quota.NewLedger(identities,
		quota.WithTurnWeight(c.GetTurnWeight()),
		quota.WithLocation(c.GetQuotaLocation()),
	)

	generator, err := newGenerator(c)
	if err != nil {
		return nil, err
	}
	chatService, err := chat.NewService(chats, ledger, generator)
	if err != nil {
		return nil, errors.Wrap(err, "[newApp] chat service")
	}

	deps := server.Dependencies{
		Handshakes: a.broker,
		Tokens:     issuer,
		Chats:      chatService,
		Usage:      ledger,
		Health:     a.health,
	}

	if c.GetBotToken() == "" {
		log.Warn().Msg("TELEGRAM_BOT_TOKEN is not set, handshakes cannot be confirmed")
	} else {
		api, err := tgbotapi.NewBotAPI(c.GetBotToken())
		if err != nil {
			return nil, errors.Wrap(err, "[newApp] telegram api")
		}
		a.bot, err = telegram.NewBot(api, a.broker, identities, chatService, ledger,
			telegram.WithAdmins(c.GetAdminIDs()...),
			telegram.WithSendRate(c.GetSendRatePerSecond()),
			telegram.WithDailyLimits(c.GetDefaultDailyLimit(), c.GetProDailyLimit()),
		)
		if err != nil {
			return nil, errors.Wrap(err, "[newApp] bot")
		}
		log.Info().Str("bot", api.Self.UserName).Str("mode", c.GetTelegramMode()).Msg("telegram bot ready")
		if c.GetTelegramMode() == config.TelegramModeWebhook {
			deps.Bot = a.bot
		}
	}

	a.server, err = server.New(c, deps)
	if err != nil {
		return nil, errors.Wrap(err, "[newApp] server")
	}
	return a, nil
}

// openStorage picks the SQL store when DATABASE_URL is set and the in-memory
// repos otherwise.
func (a *app) openStorage(ctx context.Context) (identity.Repo, chat.Repo, error) {
	dsn := a.config.GetDatabaseURL()
	if dsn == "" {
		log.Warn().Msg("DATABASE_URL is not set, using in-memory storage")
		return identityfake.NewFakeIdentityRepo(), chatfake.NewFakeChatRepo(), nil
	}
	store, err := sqlstore.Open(ctx, dsn)
	if err != nil {
		return nil, nil, errors.Wrap(err, "[app.openStorage]")
	}
	a.store = store
	return store.Identities(), store.Chats(), nil
}

func newGenerator(c config.Config) (ai.Generator, error) {
	providers, err := ai.NewProviders(c.GetProviders())
	if err != nil {
		return nil, errors.Wrap(err, "[newGenerator] providers")
	}
	return ai.NewChain(providers,
		ai.WithCallTimeout(c.GetGenerationTimeout()),
		ai.WithHistoryWindow(ai.NewHistoryWindow(c.GetHistoryTokenBudget(), c.GetSystemPrompt(), ai.CountTokens)),
		ai.WithCircuitBreakerConfig(ai.CircuitBreakerConfig{
			MaxFailures:  c.GetCircuitMaxFailures(),
			ResetTimeout: c.GetCircuitResetTimeout(),
		}),
	)
}

// start begins receiving messaging updates, by long polling or by
// registering the webhook route with the platform.
func (a *app) start(ctx context.Context) {
	if a.bot == nil {
		return
	}
	if a.config.GetTelegramMode() == config.TelegramModeWebhook {
		url := a.config.GetBaseURL() + strings.Replace(server.RouteTelegramWebhook, "{secret}", a.config.GetWebhookSecret(), 1)
		if err := a.bot.SetWebhook(url); err != nil {
			log.Err(err).Msg("failed to register webhook")
		}
		return
	}
	go func() {
		if err := a.bot.Run(ctx); err != nil {
			log.Err(err).Msg("telegram polling stopped")
		}
	}()
}

func (a *app) health(ctx context.Context) error {
	if a.store == nil {
		return nil
	}
	return a.store.Ping(ctx)
}

// close expires pending handshakes, drains in-flight updates and releases storage.
func (a *app) close() {
	a.broker.Close()
	if a.bot != nil {
		a.bot.Wait()
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			log.Err(err).Msg("failed to close store")
		}
	}
}
