package config

import (
	"time"

	"github.com/rs/zerolog/log"
)

type QuotaConfig interface {
	GetDefaultDailyLimit() int
	GetProDailyLimit() int
	GetTurnWeight() int
	GetQuotaLocation() *time.Location
}

type Quota struct{}

var _ QuotaConfig = Quota{}

func (Quota) GetDefaultDailyLimit() int {
	return GetEnvInt("QUOTA_DEFAULT_DAILY_LIMIT", 100)
}

func (Quota) GetProDailyLimit() int {
	return GetEnvInt("QUOTA_PRO_DAILY_LIMIT", 1000)
}

// GetTurnWeight is the number of quota units one user/assistant exchange costs.
func (Quota) GetTurnWeight() int {
	return GetEnvInt("QUOTA_TURN_WEIGHT", 1)
}

// GetQuotaLocation is the single time zone used for day rollover (server local by default).
func (Quota) GetQuotaLocation() *time.Location {
	name := GetEnv("QUOTA_TIMEZONE", "")
	if name == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		log.Err(err).Str("timezone", name).Msg("unknown QUOTA_TIMEZONE, using server local")
		return time.Local
	}
	return loc
}
