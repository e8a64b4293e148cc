package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/expertline/expertline/internal/domain"
	"github.com/expertline/expertline/internal/id"
)

// ─── Ledger Entries ─────────────────────────────────────────────────────────

const entryColumns = `id, account_id, bucket, type, amount, balance_before,
	balance_after, session_id, description, created_ms`

// InsertEntry appends one entry. There is no update or delete.
func (c conn) InsertEntry(ctx context.Context, e *domain.LedgerEntry) error {
	_, err := c.exec(ctx, `INSERT INTO ledger_entries (`+entryColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.AccountID, string(e.Bucket), string(e.Type), e.Amount,
		e.BalanceBefore, e.BalanceAfter, e.SessionID, e.Description, toMillis(e.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert ledger entry: %w", err)
	}
	return nil
}

// ListEntries returns an account's entries, newest first.
func (c conn) ListEntries(ctx context.Context, accountID id.ID, limit int) ([]domain.LedgerEntry, error) {
	rows, err := c.query(ctx, `SELECT `+entryColumns+` FROM ledger_entries
		WHERE account_id = ? ORDER BY created_ms DESC, id DESC LIMIT ?`,
		accountID, limitOrDefault(limit))
	if err != nil {
		return nil, fmt.Errorf("list entries: %w", err)
	}
	return collectEntries(rows)
}

// SessionEntries returns every entry that references sid.
func (c conn) SessionEntries(ctx context.Context, sid id.ID) ([]domain.LedgerEntry, error) {
	rows, err := c.query(ctx, `SELECT `+entryColumns+` FROM ledger_entries
		WHERE session_id = ? ORDER BY created_ms ASC, id ASC`, sid)
	if err != nil {
		return nil, fmt.Errorf("session entries: %w", err)
	}
	return collectEntries(rows)
}

func collectEntries(rows *sql.Rows) ([]domain.LedgerEntry, error) {
	defer rows.Close()
	var out []domain.LedgerEntry
	for rows.Next() {
		var (
			e           domain.LedgerEntry
			bucket, typ string
			ms          int64
		)
		if err := rows.Scan(&e.ID, &e.AccountID, &bucket, &typ, &e.Amount,
			&e.BalanceBefore, &e.BalanceAfter, &e.SessionID, &e.Description, &ms); err != nil {
			return nil, fmt.Errorf("scan entry: %w", err)
		}
		e.Bucket = domain.Bucket(bucket)
		e.Type = domain.EntryType(typ)
		e.CreatedAt = fromMillis(ms)
		out = append(out, e)
	}
	return out, rows.Err()
}
