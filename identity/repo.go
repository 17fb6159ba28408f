package identity

import "context"

// Repo is the durable identity and quota store.
// Implementations must apply AddUsage atomically per identity.
type Repo interface {
	// Ensure stores ident when no identity with its ID exists, otherwise refreshes
	// the display name and username. It returns the stored record.
	Ensure(ctx context.Context, ident *Identity) (*Identity, error)
	Get(ctx context.Context, id int64) (*Identity, error)
	// ResetUsage zeroes UsedToday and sets LastReset when LastReset is before today.
	ResetUsage(ctx context.Context, id int64, today string) (*Identity, error)
	// AddUsage applies the same rollover as ResetUsage and then adds n to
	// UsedToday and TotalMessages, in one step.
	AddUsage(ctx context.Context, id int64, today string, n int) (*Identity, error)
	SetBlocked(ctx context.Context, id int64, blocked bool) error
	SetPlan(ctx context.Context, id int64, plan Plan, dailyLimit int) error
}
