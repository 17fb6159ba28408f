package config

import "time"

const devSessionSecret = "dev-only-session-secret"

type AuthConfig interface {
	GetSessionSecret() string
	GetTokenIssuer() string
	GetSessionTokenExpiry() time.Duration
	GetHandshakeTimeout() time.Duration
	GetAuthPollTimeout() time.Duration
	GetAuthInitRatePerMinute() int
}

type Auth struct{}

var _ AuthConfig = Auth{}

func (Auth) GetSessionSecret() string {
	return GetEnv("SESSION_SECRET", devSessionSecret)
}

func (Auth) GetTokenIssuer() string {
	return GetEnv("TOKEN_ISSUER", "tg-chat-gateway")
}

func (Auth) GetSessionTokenExpiry() time.Duration {
	return GetEnvDuration("SESSION_TOKEN_EXPIRY", 7*24*time.Hour) // 7 days
}

func (Auth) GetHandshakeTimeout() time.Duration {
	return GetEnvDuration("HANDSHAKE_TIMEOUT", 5*time.Minute)
}

func (Auth) GetAuthPollTimeout() time.Duration {
	return GetEnvDuration("AUTH_POLL_TIMEOUT", 30*time.Second)
}

func (Auth) GetAuthInitRatePerMinute() int {
	return GetEnvInt("AUTH_INIT_RATE_PER_MIN", 20)
}
