package config

import (
	"errors"
	"strings"
)

type Config interface {
	EnvConfig
	CorsConfig
	AuthConfig
	QuotaConfig
	AIConfig
	TelegramConfig
	StorageConfig
}

type EnvConfig interface {
	GetPort() string
	GetAppName() string
	GetEnv() string
	GetBaseURL() string
	GetLogLevel() string
}

type CorsConfig interface {
	GetAllowedOrigins() AllowedOrigins
	GetAllowedMethods() []string
	GetAllowedHeaders() []string
}

type StorageConfig interface {
	GetDatabaseURL() string
}

type mainConfig struct {
	EnvVars
	Cors
	Auth
	Quota
	AI
	Telegram
	Storage
}

func New() Config {
	return mainConfig{}
}

// Validate reports missing settings that only have development defaults.
func Validate(c Config) error {
	if c.GetEnv() == "DEV" {
		return nil
	}
	var problems []string
	if c.GetSessionSecret() == devSessionSecret {
		problems = append(problems, "SESSION_SECRET must be set")
	}
	if c.GetBotToken() == "" {
		problems = append(problems, "TELEGRAM_BOT_TOKEN must be set")
	}
	if c.GetBotUsername() == "" {
		problems = append(problems, "TELEGRAM_BOT_USERNAME must be set")
	}
	if c.GetTelegramMode() == TelegramModeWebhook && c.GetWebhookSecret() == "" {
		problems = append(problems, "TELEGRAM_WEBHOOK_SECRET must be set in webhook mode")
	}
	if len(problems) == 0 {
		return nil
	}
	return errors.New("config: " + strings.Join(problems, "; "))
}
