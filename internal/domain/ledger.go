package domain

import (
	"time"

	"github.com/expertline/expertline/internal/id"
)

// ─── Ledger Types ───────────────────────────────────────────────────────────

// EntryType is the business reason for a balance change.
type EntryType string

const (
	EntryCredit EntryType = "credit"
	EntryDebit  EntryType = "debit"
	EntryRefund EntryType = "refund"
	EntryClaim  EntryType = "claim"
)

// Valid reports whether t is a known entry type.
func (t EntryType) Valid() bool {
	switch t {
	case EntryCredit, EntryDebit, EntryRefund, EntryClaim:
		return true
	}
	return false
}

// Sign is -1 for entries that reduce a balance and +1 otherwise.
func (t EntryType) Sign() int64 {
	if t == EntryDebit {
		return -1
	}
	return 1
}

// Bucket names which counter an entry moved.
type Bucket string

const (
	// BucketBalance is a user's spendable balance.
	BucketBalance Bucket = "balance"
	// BucketEarnings is an expert's unclaimed earnings counter.
	BucketEarnings Bucket = "earnings"
)

// LedgerEntry is one immutable balance mutation.
// BalanceAfter == BalanceBefore + Sign*Amount and BalanceAfter >= 0.
type LedgerEntry struct {
	ID            id.ID     `json:"id"`
	AccountID     id.ID     `json:"account_id"`
	Bucket        Bucket    `json:"bucket"`
	Type          EntryType `json:"type"`
	Amount        int64     `json:"amount"`
	BalanceBefore int64     `json:"balance_before"`
	BalanceAfter  int64     `json:"balance_after"`
	SessionID     id.ID     `json:"session_id,omitempty"`
	Description   string    `json:"description,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// Consistent checks the entry arithmetic.
func (e LedgerEntry) Consistent() bool {
	return e.Amount >= 0 && e.BalanceAfter >= 0 &&
		e.BalanceAfter == e.BalanceBefore+e.Type.Sign()*e.Amount
}
