package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/expertline/expertline/internal/domain"
	"github.com/expertline/expertline/internal/id"
)

// ─── Expert Availability ────────────────────────────────────────────────────

const availabilityColumns = `expert_id, online, busy, session_id, last_seen_ms, updated_ms`

// GetAvailability reads the record straight from the table.
func (c conn) GetAvailability(ctx context.Context, eid id.ID) (*domain.AvailabilityRecord, error) {
	rec, err := scanAvailability(c.queryRow(ctx,
		`SELECT `+availabilityColumns+` FROM expert_availability WHERE expert_id = ?`, eid))
	if errors.Is(err, sql.ErrNoRows) {
		return &domain.AvailabilityRecord{ExpertID: eid}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get availability: %w", err)
	}
	return rec, nil
}

// ListAvailability returns every record.
func (c conn) ListAvailability(ctx context.Context) ([]domain.AvailabilityRecord, error) {
	rows, err := c.query(ctx, `SELECT `+availabilityColumns+` FROM expert_availability ORDER BY expert_id`)
	if err != nil {
		return nil, fmt.Errorf("list availability: %w", err)
	}
	defer rows.Close()

	var out []domain.AvailabilityRecord
	for rows.Next() {
		rec, err := scanAvailability(rows)
		if err != nil {
			return nil, fmt.Errorf("scan availability: %w", err)
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

// SetOnline upserts the online flag. Offline always clears the binding.
func (c conn) SetOnline(ctx context.Context, eid id.ID, online bool, at time.Time) error {
	ms := toMillis(at)
	var err error
	if online {
		_, err = c.exec(ctx, `INSERT INTO expert_availability (`+availabilityColumns+`)
			VALUES (?, 1, 0, NULL, ?, ?)
			ON CONFLICT(expert_id) DO UPDATE SET
				online = 1, last_seen_ms = excluded.last_seen_ms, updated_ms = excluded.updated_ms`,
			eid, ms, ms)
	} else {
		_, err = c.exec(ctx, `INSERT INTO expert_availability (`+availabilityColumns+`)
			VALUES (?, 0, 0, NULL, ?, ?)
			ON CONFLICT(expert_id) DO UPDATE SET
				online = 0, busy = 0, session_id = NULL, updated_ms = excluded.updated_ms`,
			eid, ms, ms)
	}
	if err != nil {
		return fmt.Errorf("set online: %w", err)
	}
	return nil
}

// BindSession claims a free, online expert for sid.
func (c conn) BindSession(ctx context.Context, eid, sid id.ID, at time.Time) (bool, error) {
	ok, err := c.execCAS(ctx, `UPDATE expert_availability
		SET busy = 1, session_id = ?, updated_ms = ?
		WHERE expert_id = ? AND online = 1
		  AND ((busy = 0 AND session_id IS NULL) OR session_id = ?)`,
		sid, toMillis(at), eid, sid)
	if err != nil {
		return false, fmt.Errorf("bind session: %w", err)
	}
	return ok, nil
}

// ReleaseSession frees the expert only if sid still holds it.
func (c conn) ReleaseSession(ctx context.Context, eid, sid id.ID, at time.Time) (bool, error) {
	ok, err := c.execCAS(ctx, `UPDATE expert_availability
		SET busy = 0, session_id = NULL, updated_ms = ?
		WHERE expert_id = ? AND session_id = ?`,
		toMillis(at), eid, sid)
	if err != nil {
		return false, fmt.Errorf("release session: %w", err)
	}
	return ok, nil
}

// ClearBusy frees the expert regardless of binding.
func (c conn) ClearBusy(ctx context.Context, eid id.ID, at time.Time) error {
	_, err := c.exec(ctx, `UPDATE expert_availability
		SET busy = 0, session_id = NULL, updated_ms = ?
		WHERE expert_id = ?`, toMillis(at), eid)
	if err != nil {
		return fmt.Errorf("clear busy: %w", err)
	}
	return nil
}

// TouchLastSeen records a heartbeat without changing state.
func (c conn) TouchLastSeen(ctx context.Context, eid id.ID, at time.Time) error {
	_, err := c.exec(ctx, `UPDATE expert_availability SET last_seen_ms = ? WHERE expert_id = ?`,
		toMillis(at), eid)
	if err != nil {
		return fmt.Errorf("touch last seen: %w", err)
	}
	return nil
}

func scanAvailability(r scanner) (*domain.AvailabilityRecord, error) {
	var (
		rec              domain.AvailabilityRecord
		lastSeen, update int64
	)
	if err := r.Scan(&rec.ExpertID, &rec.Online, &rec.Busy, &rec.SessionID, &lastSeen, &update); err != nil {
		return nil, err
	}
	rec.LastSeen = fromMillis(lastSeen)
	rec.UpdatedAt = fromMillis(update)
	return &rec, nil
}
