package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/expertline/expertline/internal/domain"
	"github.com/expertline/expertline/internal/id"
)

// ─── Sessions ───────────────────────────────────────────────────────────────

const sessionColumns = `id, caller_id, expert_id, state, rate_per_minute,
	started_ms, ended_ms, duration_seconds, minutes, tokens_spent, tokens_debited,
	expert_credit, caller_balance, end_reason, ended_by, rating, review, created_ms, updated_ms`

// InsertSession stores a new session.
func (c conn) InsertSession(ctx context.Context, s *domain.Session) error {
	_, err := c.exec(ctx, `INSERT INTO sessions (`+sessionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		s.ID, s.CallerID, s.ExpertID, string(s.State), s.RatePerMinute,
		nullMillis(s.StartedAt), nullMillis(s.EndedAt), s.DurationSeconds, s.Minutes,
		s.TokensSpent, s.TokensDebited, s.ExpertCredit, s.CallerBalance, string(s.EndReason), string(s.EndedBy),
		s.Rating, s.Review, toMillis(s.CreatedAt), toMillis(s.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

// GetSession loads one session.
func (c conn) GetSession(ctx context.Context, sid id.ID) (*domain.Session, error) {
	row := c.queryRow(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, sid)
	s, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	return s, nil
}

// TransitionSession is the compare-and-set on session state.
func (c conn) TransitionSession(ctx context.Context, sid id.ID, from, to domain.SessionState, p domain.SessionPatch, at time.Time) (bool, error) {
	sets := []string{"state = ?", "updated_ms = ?"}
	args := []any{string(to), toMillis(at)}
	if p.StartedAt != nil {
		sets = append(sets, "started_ms = ?")
		args = append(args, toMillis(*p.StartedAt))
	}
	if p.EndedAt != nil {
		sets = append(sets, "ended_ms = ?")
		args = append(args, toMillis(*p.EndedAt))
	}
	for _, f := range []struct {
		col string
		v   *int64
	}{
		{"duration_seconds", p.DurationSeconds},
		{"minutes", p.Minutes},
		{"tokens_spent", p.TokensSpent},
		{"tokens_debited", p.TokensDebited},
		{"expert_credit", p.ExpertCredit},
		{"caller_balance", p.CallerBalance},
	} {
		if f.v != nil {
			sets = append(sets, f.col+" = ?")
			args = append(args, *f.v)
		}
	}
	if p.EndReason != "" {
		sets = append(sets, "end_reason = ?")
		args = append(args, string(p.EndReason))
	}
	if p.EndedBy != "" {
		sets = append(sets, "ended_by = ?")
		args = append(args, string(p.EndedBy))
	}
	args = append(args, sid, string(from))

	ok, err := c.execCAS(ctx,
		`UPDATE sessions SET `+strings.Join(sets, ", ")+` WHERE id = ? AND state = ?`, args...)
	if err != nil {
		return false, fmt.Errorf("transition session %s -> %s: %w", from, to, err)
	}
	return ok, nil
}

// TouchSession records activity on a live session.
func (c conn) TouchSession(ctx context.Context, sid id.ID, at time.Time) error {
	_, err := c.exec(ctx, `UPDATE sessions SET updated_ms = ?
		WHERE id = ? AND state IN ('initiated', 'ringing', 'accepted', 'connected')`,
		toMillis(at), sid)
	if err != nil {
		return fmt.Errorf("touch session: %w", err)
	}
	return nil
}

// ListSessionsByState returns sessions in state not updated since cutoff.
func (c conn) ListSessionsByState(ctx context.Context, state domain.SessionState, updatedBefore time.Time, limit int) ([]domain.Session, error) {
	rows, err := c.query(ctx, `SELECT `+sessionColumns+` FROM sessions
		WHERE state = ? AND updated_ms < ?
		ORDER BY updated_ms ASC LIMIT ?`,
		string(state), toMillis(updatedBefore), limitOrDefault(limit))
	if err != nil {
		return nil, fmt.Errorf("list sessions by state: %w", err)
	}
	return collectSessions(rows)
}

// ListActiveSessions returns non-terminal sessions created before cutoff.
func (c conn) ListActiveSessions(ctx context.Context, createdBefore time.Time, limit int) ([]domain.Session, error) {
	rows, err := c.query(ctx, `SELECT `+sessionColumns+` FROM sessions
		WHERE state IN ('initiated', 'ringing', 'accepted', 'connected') AND created_ms < ?
		ORDER BY created_ms ASC LIMIT ?`,
		toMillis(createdBefore), limitOrDefault(limit))
	if err != nil {
		return nil, fmt.Errorf("list active sessions: %w", err)
	}
	return collectSessions(rows)
}

// ActiveSessionForExpert returns the newest non-terminal session of the expert.
func (c conn) ActiveSessionForExpert(ctx context.Context, eid id.ID) (*domain.Session, error) {
	row := c.queryRow(ctx, `SELECT `+sessionColumns+` FROM sessions
		WHERE expert_id = ? AND state IN ('ringing', 'accepted', 'connected')
		ORDER BY created_ms DESC LIMIT 1`, eid)
	s, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("active session for expert: %w", err)
	}
	return s, nil
}

// RateSession stores the caller's rating once.
func (c conn) RateSession(ctx context.Context, sid id.ID, rating int, review string, at time.Time) (bool, error) {
	ok, err := c.execCAS(ctx, `UPDATE sessions SET rating = ?, review = ?, updated_ms = ?
		WHERE id = ? AND state = 'settled' AND rating = 0`,
		rating, review, toMillis(at), sid)
	if err != nil {
		return false, fmt.Errorf("rate session: %w", err)
	}
	return ok, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSession(r scanner) (*domain.Session, error) {
	var (
		s                  domain.Session
		state, reason, by  string
		started, ended     sql.NullInt64
		createdMs, updated int64
	)
	err := r.Scan(&s.ID, &s.CallerID, &s.ExpertID, &state, &s.RatePerMinute,
		&started, &ended, &s.DurationSeconds, &s.Minutes, &s.TokensSpent, &s.TokensDebited,
		&s.ExpertCredit, &s.CallerBalance, &reason, &by, &s.Rating, &s.Review, &createdMs, &updated)
	if err != nil {
		return nil, err
	}
	s.State = domain.SessionState(state)
	s.EndReason = domain.EndReason(reason)
	s.EndedBy = domain.Role(by)
	s.StartedAt = fromNullMillis(started)
	s.EndedAt = fromNullMillis(ended)
	s.CreatedAt = fromMillis(createdMs)
	s.UpdatedAt = fromMillis(updated)
	return &s, nil
}

func collectSessions(rows *sql.Rows) ([]domain.Session, error) {
	defer rows.Close()
	var out []domain.Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		out = append(out, *s)
	}
	return out, rows.Err()
}

func limitOrDefault(limit int) int {
	if limit <= 0 || limit > 1000 {
		return 1000
	}
	return limit
}
