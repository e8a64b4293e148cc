package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/expertline/expertline/internal/domain"
	"github.com/expertline/expertline/internal/id"
)

// ─── Users ──────────────────────────────────────────────────────────────────

// InsertUser stores a new account.
func (c conn) InsertUser(ctx context.Context, u *domain.User) error {
	_, err := c.exec(ctx, `INSERT INTO users (id, name, balance, created_ms) VALUES (?, ?, ?, ?)`,
		u.ID, u.Name, u.Balance, toMillis(u.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

// GetUser loads one account.
func (c conn) GetUser(ctx context.Context, uid id.ID) (*domain.User, error) {
	var (
		u  domain.User
		ms int64
	)
	err := c.queryRow(ctx, `SELECT id, name, balance, created_ms FROM users WHERE id = ?`, uid).
		Scan(&u.ID, &u.Name, &u.Balance, &ms)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}
	u.CreatedAt = fromMillis(ms)
	return &u, nil
}

// CompareAndSetBalance is the only balance writer.
func (c conn) CompareAndSetBalance(ctx context.Context, uid id.ID, prev, next int64) (bool, error) {
	if next < 0 {
		return false, fmt.Errorf("set balance: negative balance %d", next)
	}
	ok, err := c.execCAS(ctx, `UPDATE users SET balance = ? WHERE id = ? AND balance = ?`, next, uid, prev)
	if err != nil {
		return false, fmt.Errorf("set balance: %w", err)
	}
	return ok, nil
}

// ─── Experts ────────────────────────────────────────────────────────────────

const expertColumns = `id, user_id, display_name, rate_per_minute, approved,
	unclaimed, rating_count, rating_sum, created_ms`

// InsertExpert stores a new expert profile.
func (c conn) InsertExpert(ctx context.Context, e *domain.Expert) error {
	_, err := c.exec(ctx, `INSERT INTO experts (`+expertColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.UserID, e.DisplayName, e.RatePerMinute, boolInt(e.Approved),
		e.Unclaimed, e.RatingCount, e.RatingSum, toMillis(e.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert expert: %w", err)
	}
	return nil
}

// GetExpert loads one expert.
func (c conn) GetExpert(ctx context.Context, eid id.ID) (*domain.Expert, error) {
	e, err := scanExpert(c.queryRow(ctx, `SELECT `+expertColumns+` FROM experts WHERE id = ?`, eid))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrExpertNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get expert: %w", err)
	}
	return e, nil
}

// ListExperts returns experts ordered by creation.
func (c conn) ListExperts(ctx context.Context, approvedOnly bool) ([]domain.Expert, error) {
	q := `SELECT ` + expertColumns + ` FROM experts`
	if approvedOnly {
		q += ` WHERE approved = 1`
	}
	rows, err := c.query(ctx, q+` ORDER BY created_ms ASC`)
	if err != nil {
		return nil, fmt.Errorf("list experts: %w", err)
	}
	defer rows.Close()

	var out []domain.Expert
	for rows.Next() {
		e, err := scanExpert(rows)
		if err != nil {
			return nil, fmt.Errorf("scan expert: %w", err)
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

// SetExpertApproved toggles approval.
func (c conn) SetExpertApproved(ctx context.Context, eid id.ID, approved bool) error {
	ok, err := c.execCAS(ctx, `UPDATE experts SET approved = ? WHERE id = ?`, boolInt(approved), eid)
	if err != nil {
		return fmt.Errorf("approve expert: %w", err)
	}
	if !ok {
		return domain.ErrExpertNotFound
	}
	return nil
}

// CompareAndSetUnclaimed is the only writer of the earnings counter.
func (c conn) CompareAndSetUnclaimed(ctx context.Context, eid id.ID, prev, next int64) (bool, error) {
	if next < 0 {
		return false, fmt.Errorf("set unclaimed: negative value %d", next)
	}
	ok, err := c.execCAS(ctx, `UPDATE experts SET unclaimed = ? WHERE id = ? AND unclaimed = ?`, next, eid, prev)
	if err != nil {
		return false, fmt.Errorf("set unclaimed: %w", err)
	}
	return ok, nil
}

// AddExpertRating folds one rating into the running totals.
func (c conn) AddExpertRating(ctx context.Context, eid id.ID, rating int) error {
	_, err := c.exec(ctx, `UPDATE experts SET rating_count = rating_count + 1, rating_sum = rating_sum + ?
		WHERE id = ?`, rating, eid)
	if err != nil {
		return fmt.Errorf("add rating: %w", err)
	}
	return nil
}

func scanExpert(r scanner) (*domain.Expert, error) {
	var (
		e  domain.Expert
		ms int64
	)
	err := r.Scan(&e.ID, &e.UserID, &e.DisplayName, &e.RatePerMinute, &e.Approved,
		&e.Unclaimed, &e.RatingCount, &e.RatingSum, &ms)
	if err != nil {
		return nil, err
	}
	e.CreatedAt = fromMillis(ms)
	return &e, nil
}
