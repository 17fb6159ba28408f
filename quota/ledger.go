package quota

import (
	"context"
	"fmt"
	"time"

	"github.com/jrsteele09/tg-chat-gateway/identity"
	apperrors "github.com/jrsteele09/tg-chat-gateway/internal/errors"
	"github.com/pkg/errors"
)

// UsageRepo is the part of the identity store the ledger needs.
type UsageRepo interface {
	ResetUsage(ctx context.Context, id int64, today string) (*identity.Identity, error)
	AddUsage(ctx context.Context, id int64, today string, n int) (*identity.Identity, error)
}

// Usage is an identity's position against its daily limit.
type Usage struct {
	Used      int       `json:"used"`
	Limit     int       `json:"limit"`
	Remaining int       `json:"remaining"`
	Total     int64     `json:"total"`
	ResetsAt  time.Time `json:"resetsAt"`
}

// ExceededError is returned by CheckAndReserve when the daily limit is used up.
type ExceededError struct {
	Usage Usage
}

func (e *ExceededError) Error() string {
	return fmt.Sprintf("quota exceeded: %d of %d used", e.Usage.Used, e.Usage.Limit)
}

func (e *ExceededError) Is(target error) bool {
	return target == apperrors.ErrQuotaExceeded
}

// Ledger enforces per-identity daily message caps. Day rollover is applied
// lazily at the top of every check, against calendar dates in one fixed
// time zone rather than the user's own.
type Ledger struct {
	repo       UsageRepo
	turnWeight int
	location   *time.Location
	nowFunc    func() time.Time
}

type LedgerOption func(*Ledger)

// WithTurnWeight sets how many units one committed exchange costs.
func WithTurnWeight(weight int) LedgerOption {
	return func(l *Ledger) {
		l.turnWeight = weight
	}
}

func WithLocation(loc *time.Location) LedgerOption {
	return func(l *Ledger) {
		l.location = loc
	}
}

func WithNowFunc(now func() time.Time) LedgerOption {
	return func(l *Ledger) {
		l.nowFunc = now
	}
}

func NewLedger(repo UsageRepo, options ...LedgerOption) *Ledger {
	l := &Ledger{
		repo:       repo,
		turnWeight: 1,
		location:   time.Local,
		nowFunc:    time.Now,
	}
	for _, opt := range options {
		opt(l)
	}
	if l.turnWeight < 1 {
		l.turnWeight = 1
	}
	if l.location == nil {
		l.location = time.Local
	}
	return l
}

// CheckAndReserve applies the day rollover and then admits the send unless
// UsedToday has reached DailyLimit. A rejected check mutates nothing beyond
// the rollover.
func (l *Ledger) CheckAndReserve(ctx context.Context, identityID int64) (*Usage, error) {
	usage, err := l.Usage(ctx, identityID)
	if err != nil {
		return nil, err
	}
	if usage.Used >= usage.Limit {
		return usage, &ExceededError{Usage: *usage}
	}
	return usage, nil
}

// Commit charges one exchange to today's counter, rolling the day over first
// when the exchange was admitted before midnight. Call it only after the
// reply was produced.
func (l *Ledger) Commit(ctx context.Context, identityID int64) (*Usage, error) {
	ident, err := l.repo.AddUsage(ctx, identityID, l.today(), l.turnWeight)
	if err != nil {
		return nil, errors.Wrap(err, "[Ledger.Commit] add usage")
	}
	return l.usageOf(ident), nil
}

// Usage returns the identity's current position with the rollover applied.
func (l *Ledger) Usage(ctx context.Context, identityID int64) (*Usage, error) {
	ident, err := l.repo.ResetUsage(ctx, identityID, l.today())
	if err != nil {
		return nil, errors.Wrap(err, "[Ledger.Usage] reset usage")
	}
	return l.usageOf(ident), nil
}

func (l *Ledger) TurnWeight() int {
	return l.turnWeight
}

func (l *Ledger) today() string {
	return l.nowFunc().In(l.location).Format(identity.DateLayout)
}

func (l *Ledger) usageOf(ident *identity.Identity) *Usage {
	now := l.nowFunc().In(l.location)
	y, m, d := now.Date()
	return &Usage{
		Used:      ident.UsedToday,
		Limit:     ident.DailyLimit,
		Remaining: ident.Remaining(),
		Total:     ident.TotalMessages,
		ResetsAt:  time.Date(y, m, d+1, 0, 0, 0, 0, l.location),
	}
}
