package domain

import (
	"context"
	"time"

	"github.com/expertline/expertline/internal/id"
)

// ─── Store Interfaces ───────────────────────────────────────────────────────
// Infrastructure implements these; the application layer depends on them.
// Every mutating method is a single conditional update. Methods returning
// (bool, error) report false when the condition no longer held.

// SessionStore persists sessions.
type SessionStore interface {
	InsertSession(ctx context.Context, s *Session) error
	GetSession(ctx context.Context, sid id.ID) (*Session, error)

	// TransitionSession moves sid from -> to and applies patch, only if the
	// stored state still equals from.
	TransitionSession(ctx context.Context, sid id.ID, from, to SessionState, patch SessionPatch, at time.Time) (bool, error)

	// TouchSession bumps updated_at on a non-terminal session.
	TouchSession(ctx context.Context, sid id.ID, at time.Time) error

	// ListSessionsByState returns sessions in state last updated before cutoff.
	ListSessionsByState(ctx context.Context, state SessionState, updatedBefore time.Time, limit int) ([]Session, error)

	// ListActiveSessions returns non-terminal sessions created before cutoff.
	ListActiveSessions(ctx context.Context, createdBefore time.Time, limit int) ([]Session, error)

	// ActiveSessionForExpert returns the newest non-terminal session bound to
	// the expert, or ErrSessionNotFound.
	ActiveSessionForExpert(ctx context.Context, eid id.ID) (*Session, error)

	// RateSession stores a rating once, only on a settled session.
	RateSession(ctx context.Context, sid id.ID, rating int, review string, at time.Time) (bool, error)
}

// AccountStore persists users and experts.
type AccountStore interface {
	InsertUser(ctx context.Context, u *User) error
	GetUser(ctx context.Context, uid id.ID) (*User, error)
	// CompareAndSetBalance writes next only if the balance still equals prev.
	CompareAndSetBalance(ctx context.Context, uid id.ID, prev, next int64) (bool, error)

	InsertExpert(ctx context.Context, e *Expert) error
	GetExpert(ctx context.Context, eid id.ID) (*Expert, error)
	ListExperts(ctx context.Context, approvedOnly bool) ([]Expert, error)
	SetExpertApproved(ctx context.Context, eid id.ID, approved bool) error
	// CompareAndSetUnclaimed writes next only if unclaimed still equals prev.
	CompareAndSetUnclaimed(ctx context.Context, eid id.ID, prev, next int64) (bool, error)
	AddExpertRating(ctx context.Context, eid id.ID, rating int) error
}

// LedgerStore persists the append-only entry log.
type LedgerStore interface {
	InsertEntry(ctx context.Context, e *LedgerEntry) error
	ListEntries(ctx context.Context, accountID id.ID, limit int) ([]LedgerEntry, error)
	SessionEntries(ctx context.Context, sid id.ID) ([]LedgerEntry, error)
}

// AvailabilityStore persists expert availability records.
type AvailabilityStore interface {
	// GetAvailability returns the record, or an offline record if none exists.
	GetAvailability(ctx context.Context, eid id.ID) (*AvailabilityRecord, error)
	ListAvailability(ctx context.Context) ([]AvailabilityRecord, error)

	// SetOnline upserts the online flag. Going offline clears busy and the
	// bound session.
	SetOnline(ctx context.Context, eid id.ID, online bool, at time.Time) error

	// BindSession marks the expert busy with sid if it is online and free,
	// or already bound to sid.
	BindSession(ctx context.Context, eid, sid id.ID, at time.Time) (bool, error)

	// ReleaseSession clears busy if the bound session is sid.
	ReleaseSession(ctx context.Context, eid, sid id.ID, at time.Time) (bool, error)

	// ClearBusy clears busy and the bound session unconditionally.
	ClearBusy(ctx context.Context, eid id.ID, at time.Time) error

	// TouchLastSeen records a heartbeat.
	TouchLastSeen(ctx context.Context, eid id.ID, at time.Time) error
}

// Queries is the full set of store operations usable inside a transaction.
type Queries interface {
	SessionStore
	AccountStore
	LedgerStore
	AvailabilityStore
}

// Store is a Queries that can also open transactions.
type Store interface {
	Queries
	InTx(ctx context.Context, fn func(q Queries) error) error
}

// RosterStore persists the transport's live roster reports so every engine
// instance sees the same view.
type RosterStore interface {
	PutRosterReport(ctx context.Context, reporter string, r Roster, at time.Time) error
	// LiveRoster merges reports newer than since.
	LiveRoster(ctx context.Context, since time.Time) (Roster, error)
	// PruneRoster drops reports older than before.
	PruneRoster(ctx context.Context, before time.Time) (int64, error)
}

// LeaseStore grants short exclusive leases for periodic jobs.
type LeaseStore interface {
	AcquireLease(ctx context.Context, name, holder string, now, until time.Time) (bool, error)
}

// RosterSource yields the transport's current live roster.
type RosterSource interface {
	LiveRoster(ctx context.Context) (Roster, error)
}

// EventKind names a lifecycle event.
type EventKind string

const (
	EventTransition EventKind = "session.transition"
	EventSettled    EventKind = "session.settled"
	EventLedger     EventKind = "ledger.entry"
	EventDrift      EventKind = "reconcile.drift"
)

// Event is a lifecycle notification published after a commit.
type Event struct {
	Kind       EventKind    `json:"kind"`
	SessionID  id.ID        `json:"session_id,omitempty"`
	ExpertID   id.ID        `json:"expert_id,omitempty"`
	From       SessionState `json:"from,omitempty"`
	To         SessionState `json:"to,omitempty"`
	Settlement *Settlement  `json:"settlement,omitempty"`
	Entry      *LedgerEntry `json:"entry,omitempty"`
	Detail     string       `json:"detail,omitempty"`
	At         time.Time    `json:"at"`
}

// EventSink receives lifecycle events. Publishing is best effort.
type EventSink interface {
	Publish(ctx context.Context, ev Event) error
}
