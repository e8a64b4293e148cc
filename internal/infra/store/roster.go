package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/expertline/expertline/internal/domain"
	"github.com/expertline/expertline/internal/id"
)

// ─── Transport Roster ───────────────────────────────────────────────────────

// PutRosterReport replaces the reporter's previous snapshot.
func (d *DB) PutRosterReport(ctx context.Context, reporter string, r domain.Roster, at time.Time) error {
	sessions, err := json.Marshal(idStrings(r.SessionIDs))
	if err != nil {
		return fmt.Errorf("encode roster sessions: %w", err)
	}
	experts, err := json.Marshal(idStrings(r.ExpertIDs))
	if err != nil {
		return fmt.Errorf("encode roster experts: %w", err)
	}
	_, err = d.exec(ctx, `INSERT INTO roster_reports (reporter, session_ids, expert_ids, reported_ms)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(reporter) DO UPDATE SET
			session_ids = excluded.session_ids,
			expert_ids = excluded.expert_ids,
			reported_ms = excluded.reported_ms`,
		reporter, string(sessions), string(experts), toMillis(at))
	if err != nil {
		return fmt.Errorf("put roster report: %w", err)
	}
	return nil
}

// LiveRoster unions every report newer than since. The roster is Complete
// only if at least one reporter is fresh.
func (d *DB) LiveRoster(ctx context.Context, since time.Time) (domain.Roster, error) {
	rows, err := d.query(ctx, `SELECT session_ids, expert_ids FROM roster_reports WHERE reported_ms >= ?`,
		toMillis(since))
	if err != nil {
		return domain.Roster{}, fmt.Errorf("live roster: %w", err)
	}
	defer rows.Close()

	var (
		out      domain.Roster
		seenSess = map[string]bool{}
		seenExp  = map[string]bool{}
	)
	for rows.Next() {
		var sj, ej string
		if err := rows.Scan(&sj, &ej); err != nil {
			return domain.Roster{}, fmt.Errorf("scan roster: %w", err)
		}
		out.Complete = true
		if err := appendIDs(sj, seenSess, &out.SessionIDs); err != nil {
			return domain.Roster{}, err
		}
		if err := appendIDs(ej, seenExp, &out.ExpertIDs); err != nil {
			return domain.Roster{}, err
		}
	}
	return out, rows.Err()
}

// PruneRoster drops reports older than before.
func (d *DB) PruneRoster(ctx context.Context, before time.Time) (int64, error) {
	res, err := d.exec(ctx, `DELETE FROM roster_reports WHERE reported_ms < ?`, toMillis(before))
	if err != nil {
		return 0, fmt.Errorf("prune roster: %w", err)
	}
	return res.RowsAffected()
}

func idStrings(ids []id.ID) []string {
	out := make([]string, 0, len(ids))
	for _, v := range ids {
		out = append(out, v.String())
	}
	return out
}

func appendIDs(raw string, seen map[string]bool, dst *[]id.ID) error {
	var ss []string
	if err := json.Unmarshal([]byte(raw), &ss); err != nil {
		return fmt.Errorf("decode roster: %w", err)
	}
	for _, s := range ss {
		if seen[s] {
			continue
		}
		v, err := id.Parse(s)
		if err != nil {
			return fmt.Errorf("decode roster: %w", err)
		}
		seen[s] = true
		*dst = append(*dst, v)
	}
	return nil
}

// ─── Leases ─────────────────────────────────────────────────────────────────

// AcquireLease takes or renews name for holder until the given time. It
// fails while another holder's lease is unexpired.
func (d *DB) AcquireLease(ctx context.Context, name, holder string, now, until time.Time) (bool, error) {
	ok, err := d.execCAS(ctx, `INSERT INTO leases (name, holder, expires_ms) VALUES (?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET holder = excluded.holder, expires_ms = excluded.expires_ms
		WHERE leases.expires_ms < ? OR leases.holder = excluded.holder`,
		name, holder, toMillis(until), toMillis(now))
	if err != nil {
		return false, fmt.Errorf("acquire lease: %w", err)
	}
	return ok, nil
}
