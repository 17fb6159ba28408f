package identity

import (
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// Plan is the subscription tier an identity is on.
type Plan string

const (
	PlanFree Plan = "free"
	PlanPro  Plan = "pro"
)

// DateLayout is the calendar-date format stored in LastReset.
const DateLayout = "2006-01-02"

func ParsePlan(s string) (Plan, error) {
	switch Plan(strings.ToLower(strings.TrimSpace(s))) {
	case PlanFree:
		return PlanFree, nil
	case PlanPro:
		return PlanPro, nil
	}
	return "", errors.Errorf("unknown plan %q", s)
}

// Identity is a user keyed by their Telegram user id.
type Identity struct {
	ID            int64     `json:"id"`                    // Telegram user id
	DisplayName   string    `json:"displayName,omitempty"` // First + last name as reported by Telegram
	Username      string    `json:"username,omitempty"`    // Telegram @username, may be empty
	Plan          Plan      `json:"plan"`
	DailyLimit    int       `json:"dailyLimit"`
	UsedToday     int       `json:"usedToday"`
	LastReset     string    `json:"lastReset"`     // Date (DateLayout) UsedToday was last zeroed
	TotalMessages int64     `json:"totalMessages"` // Never reset
	Blocked       bool      `json:"blocked,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
}

// Profile is what the messaging platform tells us about a user.
type Profile struct {
	ID          int64
	DisplayName string
	Username    string
}

func (p Profile) Validate() error {
	if p.ID <= 0 {
		return errors.New("profile id must be positive")
	}
	return nil
}

// New builds a fresh identity for a first contact. LastReset stays empty so
// the first quota check stamps it with the ledger's own calendar date.
func New(p Profile, plan Plan, dailyLimit int, now time.Time) *Identity {
	return &Identity{
		ID:          p.ID,
		DisplayName: p.DisplayName,
		Username:    p.Username,
		Plan:        plan,
		DailyLimit:  dailyLimit,
		CreatedAt:   now.UTC(),
	}
}

// Subject renders the id the way session tokens carry it.
func (i *Identity) Subject() string {
	return strconv.FormatInt(i.ID, 10)
}

func ParseSubject(sub string) (int64, error) {
	id, err := strconv.ParseInt(sub, 10, 64)
	if err != nil || id <= 0 {
		return 0, errors.Errorf("invalid subject %q", sub)
	}
	return id, nil
}

func (i *Identity) Remaining() int {
	if r := i.DailyLimit - i.UsedToday; r > 0 {
		return r
	}
	return 0
}

func (i *Identity) Clone() *Identity {
	if i == nil {
		return nil
	}
	c := *i
	return &c
}
