package api

import (
	"net/http"

	"github.com/expertline/expertline/internal/domain"
	"github.com/expertline/expertline/internal/id"
)

// ─── Transport API ──────────────────────────────────────────────────────────
// Signals from the real-time transport. The transport is trusted to name
// the party; these routes are guarded by the transport token instead of
// user identity.

func (s *Server) handleRinging(w http.ResponseWriter, r *http.Request) {
	sid, ok := pathID(w, r, id.KindSession)
	if !ok {
		return
	}
	sess, err := retryConflict("ringing", func() (*domain.Session, error) {
		return s.svc.Sessions.MarkRinging(r.Context(), sid)
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleConnected(w http.ResponseWriter, r *http.Request) {
	sid, ok := pathID(w, r, id.KindSession)
	if !ok {
		return
	}
	sess, err := retryConflict("connected", func() (*domain.Session, error) {
		return s.svc.Sessions.Connect(r.Context(), sid)
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

type disconnectRequest struct {
	PartyID id.ID       `json:"party_id"`
	Role    domain.Role `json:"role"`
}

func (s *Server) handleDisconnected(w http.ResponseWriter, r *http.Request) {
	sid, ok := pathID(w, r, id.KindSession)
	if !ok {
		return
	}
	req := disconnectRequest{Role: domain.RoleTransport}
	if !decode(w, r, &req) {
		return
	}
	st, err := retryConflict("disconnected", func() (*domain.Settlement, error) {
		return s.svc.Sessions.HandleDisconnect(r.Context(), sid, req.PartyID, req.Role)
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleTimeout(w http.ResponseWriter, r *http.Request) {
	sid, ok := pathID(w, r, id.KindSession)
	if !ok {
		return
	}
	st, err := retryConflict("timeout", func() (*domain.Settlement, error) {
		return s.svc.Sessions.HandleTimeout(r.Context(), sid)
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleSessionHeartbeat(w http.ResponseWriter, r *http.Request) {
	sid, ok := pathID(w, r, id.KindSession)
	if !ok {
		return
	}
	if err := s.svc.Sessions.Heartbeat(r.Context(), sid); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type rosterRequest struct {
	Reporter   string  `json:"reporter"`
	SessionIDs []id.ID `json:"session_ids"`
	ExpertIDs  []id.ID `json:"expert_ids"`
}

// handleRoster stores one transport instance's live view for the periodic
// cross-layer sweep.
func (s *Server) handleRoster(w http.ResponseWriter, r *http.Request) {
	var req rosterRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Reporter == "" {
		s.fail(w, r, domain.Invalid("reporter", "required"))
		return
	}
	roster := domain.Roster{SessionIDs: req.SessionIDs, ExpertIDs: req.ExpertIDs}
	if err := s.svc.Store.PutRosterReport(r.Context(), req.Reporter, roster, s.now()); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// handleSync runs the cross-layer sweep against the posted roster, which
// is taken as the transport's complete view.
func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	var req rosterRequest
	if !decode(w, r, &req) {
		return
	}
	roster := domain.Roster{SessionIDs: req.SessionIDs, ExpertIDs: req.ExpertIDs, Complete: true}
	rep, err := s.svc.Sweeper.SyncActiveSessions(r.Context(), roster)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}
