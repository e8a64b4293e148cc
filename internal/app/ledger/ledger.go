// Package ledger owns every token balance mutation. Each mutation is a
// compare-and-set on the current balance paired with one append-only entry,
// written in the same transaction.
//
// The package-level Debit, Credit and CreditEarnings functions operate on a
// caller-supplied transaction so settlement can combine them with the
// session state change; the Ledger methods open their own.
package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/expertline/expertline/internal/domain"
	"github.com/expertline/expertline/internal/id"
	"github.com/expertline/expertline/internal/infra/events"
	"github.com/expertline/expertline/internal/infra/observability"
)

// casAttempts bounds re-reads when a concurrent writer changes the balance
// between our read and our conditional write.
const casAttempts = 5

// Ledger runs standalone balance operations.
type Ledger struct {
	store  domain.Store
	now    func() time.Time
	logger *slog.Logger
	sink   domain.EventSink
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option { return func(l *Ledger) { l.now = now } }

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option { return func(l *Ledger) { l.logger = logger } }

// WithEvents sets the sink that receives an event per entry.
func WithEvents(sink domain.EventSink) Option { return func(l *Ledger) { l.sink = sink } }

// New creates a Ledger over store.
func New(store domain.Store, opts ...Option) *Ledger {
	l := &Ledger{store: store, now: time.Now, logger: slog.Default(), sink: events.Nop{}}
	for _, o := range opts {
		o(l)
	}
	return l
}

// ─── Transaction-scoped Operations ─────────────────────────────────────────

// Debit takes up to amount from uid's balance. The debit is clamped to the
// available balance and the entry records the clamped amount.
func Debit(ctx context.Context, q domain.Queries, at time.Time, uid id.ID, amount int64, desc string, sid id.ID) (*domain.LedgerEntry, error) {
	if amount < 0 {
		return nil, domain.Invalid("amount", "must not be negative")
	}
	return mutateBalance(ctx, q, at, uid, domain.EntryDebit, amount, desc, sid)
}

// Credit adds amount to uid's balance with the given entry type (credit,
// refund or claim).
func Credit(ctx context.Context, q domain.Queries, at time.Time, uid id.ID, typ domain.EntryType, amount int64, desc string, sid id.ID) (*domain.LedgerEntry, error) {
	if amount < 0 {
		return nil, domain.Invalid("amount", "must not be negative")
	}
	if typ == domain.EntryDebit || !typ.Valid() {
		return nil, domain.Invalid("type", "%q is not a crediting entry type", typ)
	}
	return mutateBalance(ctx, q, at, uid, typ, amount, desc, sid)
}

// CreditEarnings adds amount to an expert's unclaimed earnings.
func CreditEarnings(ctx context.Context, q domain.Queries, at time.Time, eid id.ID, amount int64, desc string, sid id.ID) (*domain.LedgerEntry, error) {
	if amount < 0 {
		return nil, domain.Invalid("amount", "must not be negative")
	}
	for attempt := 0; attempt < casAttempts; attempt++ {
		e, err := q.GetExpert(ctx, eid)
		if err != nil {
			return nil, err
		}
		ok, err := q.CompareAndSetUnclaimed(ctx, eid, e.Unclaimed, e.Unclaimed+amount)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		return appendEntry(ctx, q, &domain.LedgerEntry{
			ID:            id.NewEntry(),
			AccountID:     eid,
			Bucket:        domain.BucketEarnings,
			Type:          domain.EntryCredit,
			Amount:        amount,
			BalanceBefore: e.Unclaimed,
			BalanceAfter:  e.Unclaimed + amount,
			SessionID:     sid,
			Description:   desc,
			CreatedAt:     at,
		})
	}
	return nil, fmt.Errorf("credit earnings %s: %w", eid, domain.ErrConcurrencyConflict)
}

func mutateBalance(ctx context.Context, q domain.Queries, at time.Time, uid id.ID, typ domain.EntryType, amount int64, desc string, sid id.ID) (*domain.LedgerEntry, error) {
	for attempt := 0; attempt < casAttempts; attempt++ {
		u, err := q.GetUser(ctx, uid)
		if err != nil {
			return nil, err
		}
		applied := amount
		if typ == domain.EntryDebit {
			applied = domain.ClampDebit(amount, u.Balance)
			if applied < amount {
				observability.LedgerClamped.Inc()
			}
		}
		next := u.Balance + typ.Sign()*applied
		ok, err := q.CompareAndSetBalance(ctx, uid, u.Balance, next)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		return appendEntry(ctx, q, &domain.LedgerEntry{
			ID:            id.NewEntry(),
			AccountID:     uid,
			Bucket:        domain.BucketBalance,
			Type:          typ,
			Amount:        applied,
			BalanceBefore: u.Balance,
			BalanceAfter:  next,
			SessionID:     sid,
			Description:   desc,
			CreatedAt:     at,
		})
	}
	return nil, fmt.Errorf("%s %s: %w", typ, uid, domain.ErrConcurrencyConflict)
}

func appendEntry(ctx context.Context, q domain.Queries, e *domain.LedgerEntry) (*domain.LedgerEntry, error) {
	if !e.Consistent() {
		return nil, fmt.Errorf("ledger entry %s does not balance: %d %s %d -> %d",
			e.ID, e.BalanceBefore, e.Type, e.Amount, e.BalanceAfter)
	}
	if err := q.InsertEntry(ctx, e); err != nil {
		return nil, err
	}
	observability.LedgerEntries.WithLabelValues(string(e.Type), string(e.Bucket)).Inc()
	observability.LedgerTokens.WithLabelValues(string(e.Type)).Add(float64(e.Amount))
	return e, nil
}

// ─── Standalone Operations ──────────────────────────────────────────────────

// Debit runs the package-level Debit in its own transaction.
func (l *Ledger) Debit(ctx context.Context, uid id.ID, amount int64, desc string, sid id.ID) (*domain.LedgerEntry, error) {
	return l.run(ctx, func(q domain.Queries, at time.Time) (*domain.LedgerEntry, error) {
		return Debit(ctx, q, at, uid, amount, desc, sid)
	})
}

// Credit tops up uid's balance, typically after an external payment.
func (l *Ledger) Credit(ctx context.Context, uid id.ID, amount int64, desc string) (*domain.LedgerEntry, error) {
	if amount <= 0 {
		return nil, domain.Invalid("amount", "must be positive")
	}
	return l.run(ctx, func(q domain.Queries, at time.Time) (*domain.LedgerEntry, error) {
		return Credit(ctx, q, at, uid, domain.EntryCredit, amount, desc, id.Nil)
	})
}

// Refund returns tokens to uid, optionally referencing the session refunded.
// Refunds against a session may be split but never total more than it debited.
func (l *Ledger) Refund(ctx context.Context, uid id.ID, amount int64, desc string, sid id.ID) (*domain.LedgerEntry, error) {
	if amount <= 0 {
		return nil, domain.Invalid("amount", "must be positive")
	}
	return l.run(ctx, func(q domain.Queries, at time.Time) (*domain.LedgerEntry, error) {
		if !sid.IsNil() {
			s, err := q.GetSession(ctx, sid)
			if err != nil {
				return nil, err
			}
			if !s.CallerID.Equal(uid) {
				return nil, domain.ErrUnauthorized
			}
			entries, err := q.SessionEntries(ctx, sid)
			if err != nil {
				return nil, err
			}
			remaining := s.TokensDebited
			for _, e := range entries {
				if e.Type == domain.EntryRefund && e.AccountID.Equal(uid) {
					remaining -= e.Amount
				}
			}
			if amount > remaining {
				return nil, domain.Invalid("amount", "exceeds the %d refundable tokens left for the session", remaining)
			}
		}
		return Credit(ctx, q, at, uid, domain.EntryRefund, amount, desc, sid)
	})
}

// Claim moves all of an expert's unclaimed earnings into the backing user's
// balance. The earnings decrement and the balance credit commit together.
func (l *Ledger) Claim(ctx context.Context, eid id.ID) (*domain.LedgerEntry, error) {
	return l.run(ctx, func(q domain.Queries, at time.Time) (*domain.LedgerEntry, error) {
		e, err := q.GetExpert(ctx, eid)
		if err != nil {
			return nil, err
		}
		if e.Unclaimed <= 0 {
			return nil, domain.ErrNothingToClaim
		}
		ok, err := q.CompareAndSetUnclaimed(ctx, eid, e.Unclaimed, 0)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, fmt.Errorf("claim %s: %w", eid, domain.ErrConcurrencyConflict)
		}
		// The earnings side is recorded as a debit of the counter.
		if _, err := appendEntry(ctx, q, &domain.LedgerEntry{
			ID:            id.NewEntry(),
			AccountID:     eid,
			Bucket:        domain.BucketEarnings,
			Type:          domain.EntryDebit,
			Amount:        e.Unclaimed,
			BalanceBefore: e.Unclaimed,
			BalanceAfter:  0,
			Description:   "claimed to balance",
			CreatedAt:     at,
		}); err != nil {
			return nil, err
		}
		return Credit(ctx, q, at, e.UserID, domain.EntryClaim, e.Unclaimed, "earnings claim "+eid.String(), id.Nil)
	})
}

// Balance returns uid's spendable balance.
func (l *Ledger) Balance(ctx context.Context, uid id.ID) (int64, error) {
	u, err := l.store.GetUser(ctx, uid)
	if err != nil {
		return 0, err
	}
	return u.Balance, nil
}

// Entries returns the newest entries of an account (user or expert).
func (l *Ledger) Entries(ctx context.Context, account id.ID, limit int) ([]domain.LedgerEntry, error) {
	return l.store.ListEntries(ctx, account, limit)
}

func (l *Ledger) run(ctx context.Context, fn func(q domain.Queries, at time.Time) (*domain.LedgerEntry, error)) (*domain.LedgerEntry, error) {
	ctx, span := observability.StartSpan(ctx, "ledger.mutate")
	var entry *domain.LedgerEntry
	at := l.now()
	err := l.store.InTx(ctx, func(q domain.Queries) error {
		var err error
		entry, err = fn(q, at)
		return err
	})
	observability.EndSpan(span, err, domain.ErrNothingToClaim, domain.ErrValidation, domain.ErrNotFound)
	if err != nil {
		return nil, err
	}
	l.logger.Info("ledger entry",
		"account_id", entry.AccountID.String(),
		"type", entry.Type,
		"amount", entry.Amount,
		"balance_after", entry.BalanceAfter)
	events.Emit(ctx, l.sink, l.logger, domain.Event{
		Kind:      domain.EventLedger,
		SessionID: entry.SessionID,
		Entry:     entry,
		At:        at,
	})
	return entry, nil
}
