package config

import (
	"strconv"

	"github.com/rs/zerolog/log"
)

const (
	TelegramModePoll    = "poll"
	TelegramModeWebhook = "webhook"
)

type TelegramConfig interface {
	GetBotToken() string
	GetBotUsername() string
	GetTelegramMode() string
	GetWebhookSecret() string
	GetAdminIDs() []int64
	GetSendRatePerSecond() int
}

type Telegram struct{}

var _ TelegramConfig = Telegram{}

func (Telegram) GetBotToken() string {
	return GetEnv("TELEGRAM_BOT_TOKEN", "")
}

func (Telegram) GetBotUsername() string {
	return GetEnv("TELEGRAM_BOT_USERNAME", "")
}

func (Telegram) GetTelegramMode() string {
	if GetEnv("TELEGRAM_MODE", TelegramModePoll) == TelegramModeWebhook {
		return TelegramModeWebhook
	}
	return TelegramModePoll
}

func (Telegram) GetWebhookSecret() string {
	return GetEnv("TELEGRAM_WEBHOOK_SECRET", "")
}

func (Telegram) GetAdminIDs() []int64 {
	var ids []int64
	for _, raw := range GetEnvList("TELEGRAM_ADMIN_IDS", nil) {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			log.Warn().Str("value", raw).Msg("ignoring invalid TELEGRAM_ADMIN_IDS entry")
			continue
		}
		ids = append(ids, id)
	}
	return ids
}

// GetSendRatePerSecond caps outbound bot messages (Telegram allows ~30/s per bot).
func (Telegram) GetSendRatePerSecond() int {
	return GetEnvInt("TELEGRAM_SEND_RATE", 25)
}
