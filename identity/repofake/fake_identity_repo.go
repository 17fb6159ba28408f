package repofake

import (
	"context"
	"sync"

	"github.com/jrsteele09/tg-chat-gateway/identity"
	apperrors "github.com/jrsteele09/tg-chat-gateway/internal/errors"
)

var _ identity.Repo = (*FakeIdentityRepo)(nil)

type FakeIdentityRepo struct {
	identities map[int64]*identity.Identity
	lock       sync.RWMutex
}

func NewFakeIdentityRepo() *FakeIdentityRepo {
	return &FakeIdentityRepo{
		identities: make(map[int64]*identity.Identity),
	}
}

func (r *FakeIdentityRepo) Ensure(_ context.Context, ident *identity.Identity) (*identity.Identity, error) {
	r.lock.Lock()
	defer r.lock.Unlock()

	existing, ok := r.identities[ident.ID]
	if !ok {
		r.identities[ident.ID] = ident.Clone()
		return ident.Clone(), nil
	}
	if ident.DisplayName != "" {
		existing.DisplayName = ident.DisplayName
	}
	if ident.Username != "" {
		existing.Username = ident.Username
	}
	return existing.Clone(), nil
}

func (r *FakeIdentityRepo) Get(_ context.Context, id int64) (*identity.Identity, error) {
	r.lock.RLock()
	defer r.lock.RUnlock()

	ident, ok := r.identities[id]
	if !ok {
		return nil, apperrors.ErrIdentityNotFound
	}
	return ident.Clone(), nil
}

func (r *FakeIdentityRepo) ResetUsage(_ context.Context, id int64, today string) (*identity.Identity, error) {
	r.lock.Lock()
	defer r.lock.Unlock()

	ident, ok := r.identities[id]
	if !ok {
		return nil, apperrors.ErrIdentityNotFound
	}
	if ident.LastReset < today {
		ident.UsedToday = 0
		ident.LastReset = today
	}
	return ident.Clone(), nil
}

func (r *FakeIdentityRepo) AddUsage(_ context.Context, id int64, today string, n int) (*identity.Identity, error) {
	r.lock.Lock()
	defer r.lock.Unlock()

	ident, ok := r.identities[id]
	if !ok {
		return nil, apperrors.ErrIdentityNotFound
	}
	if ident.LastReset < today {
		ident.UsedToday = 0
		ident.LastReset = today
	}
	ident.UsedToday += n
	ident.TotalMessages += int64(n)
	return ident.Clone(), nil
}

func (r *FakeIdentityRepo) SetBlocked(_ context.Context, id int64, blocked bool) error {
	r.lock.Lock()
	defer r.lock.Unlock()

	ident, ok := r.identities[id]
	if !ok {
		return apperrors.ErrIdentityNotFound
	}
	ident.Blocked = blocked
	return nil
}

func (r *FakeIdentityRepo) SetPlan(_ context.Context, id int64, plan identity.Plan, dailyLimit int) error {
	r.lock.Lock()
	defer r.lock.Unlock()

	ident, ok := r.identities[id]
	if !ok {
		return apperrors.ErrIdentityNotFound
	}
	ident.Plan = plan
	ident.DailyLimit = dailyLimit
	return nil
}

// Put overwrites an identity, for seeding tests.
func (r *FakeIdentityRepo) Put(ident *identity.Identity) {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.identities[ident.ID] = ident.Clone()
}
