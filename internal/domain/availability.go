package domain

import (
	"time"

	"github.com/expertline/expertline/internal/id"
)

// ─── Expert Availability ────────────────────────────────────────────────────

// Availability is the single derived state of an expert.
type Availability int

const (
	Offline Availability = iota
	Online
	Busy
)

func (a Availability) String() string {
	switch a {
	case Online:
		return "online"
	case Busy:
		return "busy"
	default:
		return "offline"
	}
}

// AvailabilityRecord is the persisted row owned by the availability
// coordinator. Busy implies SessionID names a non-terminal session.
type AvailabilityRecord struct {
	ExpertID  id.ID
	Online    bool
	Busy      bool
	SessionID id.ID
	LastSeen  time.Time
	UpdatedAt time.Time
}

// State derives the tri-state: offline unless online, busy when flagged or
// bound to a session.
func (r AvailabilityRecord) State() Availability {
	if !r.Online {
		return Offline
	}
	if r.Busy || !r.SessionID.IsNil() {
		return Busy
	}
	return Online
}

// ExpertStatus is the serialized availability view. The boolean fields exist
// for clients that predate the state field.
type ExpertStatus struct {
	ExpertID  id.ID     `json:"expert_id"`
	State     string    `json:"state"`
	IsOnline  bool      `json:"is_online"`
	IsBusy    bool      `json:"is_busy"`
	SessionID id.ID     `json:"current_session_id,omitempty"`
	LastSeen  time.Time `json:"last_seen"`
}

// Status renders r for the wire.
func (r AvailabilityRecord) Status() ExpertStatus {
	st := r.State()
	return ExpertStatus{
		ExpertID:  r.ExpertID,
		State:     st.String(),
		IsOnline:  st != Offline,
		IsBusy:    st == Busy,
		SessionID: r.SessionID,
		LastSeen:  r.LastSeen,
	}
}

// Roster is the live view reported by the real-time transport: which
// sessions and experts currently hold a connection.
type Roster struct {
	SessionIDs []id.ID
	ExpertIDs  []id.ID
	// Complete is false when no transport instance has reported recently,
	// in which case cross-layer repair must not act on absence.
	Complete bool
}

// HasSession reports whether sid is live in the roster.
func (r Roster) HasSession(sid id.ID) bool {
	for _, s := range r.SessionIDs {
		if s.Equal(sid) {
			return true
		}
	}
	return false
}

// HasExpert reports whether eid holds a transport connection.
func (r Roster) HasExpert(eid id.ID) bool {
	for _, e := range r.ExpertIDs {
		if e.Equal(eid) {
			return true
		}
	}
	return false
}
