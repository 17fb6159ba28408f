package sqlstore

import (
	"context"
	"database/sql"

	"github.com/jrsteele09/tg-chat-gateway/identity"
	apperrors "github.com/jrsteele09/tg-chat-gateway/internal/errors"
	"github.com/pkg/errors"
)

const identityColumns = `id, display_name, username, plan, daily_limit, used_today, last_reset, total_messages, blocked, created_at`

var _ identity.Repo = (*IdentityRepo)(nil)

type IdentityRepo struct {
	store *Store
}

func (r *IdentityRepo) Ensure(ctx context.Context, ident *identity.Identity) (*identity.Identity, error) {
	row := r.store.queryRow(ctx, `
		INSERT INTO identities (`+identityColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			display_name = CASE WHEN excluded.display_name <> '' THEN excluded.display_name ELSE identities.display_name END,
			username = CASE WHEN excluded.username <> '' THEN excluded.username ELSE identities.username END
		RETURNING `+identityColumns,
		ident.ID, ident.DisplayName, ident.Username, string(ident.Plan), ident.DailyLimit,
		ident.UsedToday, ident.LastReset, ident.TotalMessages, ident.Blocked, ident.CreatedAt.UTC(),
	)
	stored, err := scanIdentity(row)
	if err != nil {
		return nil, errors.Wrap(err, "[IdentityRepo.Ensure]")
	}
	return stored, nil
}

func (r *IdentityRepo) Get(ctx context.Context, id int64) (*identity.Identity, error) {
	row := r.store.queryRow(ctx, `SELECT `+identityColumns+` FROM identities WHERE id = ?`, id)
	return r.one(row, "[IdentityRepo.Get]")
}

func (r *IdentityRepo) ResetUsage(ctx context.Context, id int64, today string) (*identity.Identity, error) {
	row := r.store.queryRow(ctx, `
		UPDATE identities SET
			used_today = CASE WHEN last_reset < ? THEN 0 ELSE used_today END,
			last_reset = CASE WHEN last_reset < ? THEN ? ELSE last_reset END
		WHERE id = ?
		RETURNING `+identityColumns,
		today, today, today, id,
	)
	return r.one(row, "[IdentityRepo.ResetUsage]")
}

func (r *IdentityRepo) AddUsage(ctx context.Context, id int64, today string, n int) (*identity.Identity, error) {
	row := r.store.queryRow(ctx, `
		UPDATE identities SET
			used_today = CASE WHEN last_reset < ? THEN ? ELSE used_today + ? END,
			last_reset = CASE WHEN last_reset < ? THEN ? ELSE last_reset END,
			total_messages = total_messages + ?
		WHERE id = ?
		RETURNING `+identityColumns,
		today, n, n, today, today, n, id,
	)
	return r.one(row, "[IdentityRepo.AddUsage]")
}

func (r *IdentityRepo) SetBlocked(ctx context.Context, id int64, blocked bool) error {
	res, err := r.store.exec(ctx, `UPDATE identities SET blocked = ? WHERE id = ?`, blocked, id)
	if err != nil {
		return errors.Wrap(err, "[IdentityRepo.SetBlocked]")
	}
	return rowsAffected(res, apperrors.ErrIdentityNotFound)
}

func (r *IdentityRepo) SetPlan(ctx context.Context, id int64, plan identity.Plan, dailyLimit int) error {
	res, err := r.store.exec(ctx, `UPDATE identities SET plan = ?, daily_limit = ? WHERE id = ?`, string(plan), dailyLimit, id)
	if err != nil {
		return errors.Wrap(err, "[IdentityRepo.SetPlan]")
	}
	return rowsAffected(res, apperrors.ErrIdentityNotFound)
}

func (r *IdentityRepo) one(row *sql.Row, op string) (*identity.Identity, error) {
	ident, err := scanIdentity(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.ErrIdentityNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, op)
	}
	return ident, nil
}

func scanIdentity(row scanner) (*identity.Identity, error) {
	var (
		ident identity.Identity
		plan  string
	)
	err := row.Scan(&ident.ID, &ident.DisplayName, &ident.Username, &plan, &ident.DailyLimit,
		&ident.UsedToday, &ident.LastReset, &ident.TotalMessages, &ident.Blocked, &ident.CreatedAt)
	if err != nil {
		return nil, err
	}
	ident.Plan = identity.Plan(plan)
	ident.CreatedAt = ident.CreatedAt.UTC()
	return &ident, nil
}
