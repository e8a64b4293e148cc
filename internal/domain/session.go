package domain

import (
	"time"

	"github.com/expertline/expertline/internal/id"
)

// ─── Session Lifecycle ──────────────────────────────────────────────────────

// SessionState is the lifecycle position of a consultation call.
type SessionState string

const (
	StateInitiated SessionState = "initiated"
	StateRinging   SessionState = "ringing"
	StateAccepted  SessionState = "accepted"
	StateConnected SessionState = "connected"
	StateSettled   SessionState = "settled"
	StateMissed    SessionState = "missed"
	StateRejected  SessionState = "rejected"
	StateFailed    SessionState = "failed"
)

// transitions lists every legal destination per source state. Terminal
// states have no entry.
var transitions = map[SessionState][]SessionState{
	StateInitiated: {StateRinging, StateMissed, StateFailed},
	StateRinging:   {StateAccepted, StateMissed, StateRejected, StateFailed},
	StateAccepted:  {StateConnected, StateFailed},
	StateConnected: {StateSettled, StateFailed},
}

// ActiveStates are the non-terminal states, in lifecycle order.
var ActiveStates = []SessionState{StateInitiated, StateRinging, StateAccepted, StateConnected}

// Terminal reports whether no transition leaves s.
func (s SessionState) Terminal() bool {
	switch s {
	case StateSettled, StateMissed, StateRejected, StateFailed:
		return true
	}
	return false
}

// Valid reports whether s is a known state.
func (s SessionState) Valid() bool {
	_, active := transitions[s]
	return active || s.Terminal()
}

// CanTransition reports whether from -> to is in the table.
func CanTransition(from, to SessionState) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// CheckTransition returns an *InvalidTransitionError when from -> to is illegal.
func CheckTransition(from, to SessionState) error {
	if !CanTransition(from, to) {
		return &InvalidTransitionError{From: from, To: to}
	}
	return nil
}

// EndReason records why a session reached its terminal state.
type EndReason string

const (
	ReasonCompleted    EndReason = "completed"
	ReasonRejected     EndReason = "rejected"
	ReasonDisconnected EndReason = "disconnected"
	ReasonTimeout      EndReason = "timeout"
	ReasonUnavailable  EndReason = "expert_unavailable"
	ReasonNotConnected EndReason = "ended_before_connect"
	ReasonStale        EndReason = "stale"
	ReasonOrphaned     EndReason = "orphaned"
	ReasonExhausted    EndReason = "balance_exhausted"
)

// Role is the party kind acting on a session.
type Role string

const (
	RoleCaller    Role = "caller"
	RoleExpert    Role = "expert"
	RoleSystem    Role = "system"
	RoleTransport Role = "transport"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	switch r {
	case RoleCaller, RoleExpert, RoleSystem, RoleTransport:
		return true
	}
	return false
}

// Session is one consultation call. Rate is frozen at creation; the billing
// fields are written once, by the terminal transition.
type Session struct {
	ID            id.ID        `json:"id"`
	CallerID      id.ID        `json:"caller_id"`
	ExpertID      id.ID        `json:"expert_id"`
	State         SessionState `json:"state"`
	RatePerMinute int64        `json:"rate_per_minute"`

	StartedAt *time.Time `json:"started_at,omitempty"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`

	DurationSeconds int64 `json:"duration_seconds"`
	Minutes         int64 `json:"minutes"`
	TokensSpent     int64 `json:"tokens_spent"`
	TokensDebited   int64 `json:"tokens_debited"`
	ExpertCredit    int64 `json:"expert_credit"`
	// CallerBalance is the caller's balance right after settlement.
	CallerBalance int64 `json:"caller_balance"`

	EndReason EndReason `json:"end_reason,omitempty"`
	EndedBy   Role      `json:"ended_by,omitempty"`

	Rating int    `json:"rating,omitempty"`
	Review string `json:"review,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Settlement is the billing outcome of a terminal transition.
type Settlement struct {
	SessionID       id.ID        `json:"session_id"`
	State           SessionState `json:"state"`
	DurationSeconds int64        `json:"duration_seconds"`
	Minutes         int64        `json:"minutes"`
	TokensSpent     int64        `json:"tokens_spent"`
	TokensDebited   int64        `json:"tokens_debited"`
	ExpertCredit    int64        `json:"expert_credit"`
	CallerBalance   int64        `json:"caller_balance"`
	EndReason       EndReason    `json:"end_reason,omitempty"`
}

// SettlementOf rebuilds the settlement summary from a terminal session.
func SettlementOf(s *Session) Settlement {
	return Settlement{
		SessionID:       s.ID,
		State:           s.State,
		DurationSeconds: s.DurationSeconds,
		Minutes:         s.Minutes,
		TokensSpent:     s.TokensSpent,
		TokensDebited:   s.TokensDebited,
		ExpertCredit:    s.ExpertCredit,
		CallerBalance:   s.CallerBalance,
		EndReason:       s.EndReason,
	}
}

// SessionPatch carries the columns a transition writes alongside the state.
// Nil pointers leave the column untouched.
type SessionPatch struct {
	StartedAt       *time.Time
	EndedAt         *time.Time
	DurationSeconds *int64
	Minutes         *int64
	TokensSpent     *int64
	TokensDebited   *int64
	ExpertCredit    *int64
	CallerBalance   *int64
	EndReason       EndReason
	EndedBy         Role
}
