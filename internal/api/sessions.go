package api

import (
	"context"
	"net/http"

	"github.com/expertline/expertline/internal/domain"
	"github.com/expertline/expertline/internal/id"
)

// ─── Session API ────────────────────────────────────────────────────────────
// Caller and expert facing session routes.
//
// POST /v1/sessions              — initiate a call {expert_id}
// GET  /v1/sessions/{id}         — session detail (either party)
// POST /v1/sessions/{id}/accept  — expert accepts a ringing call
// POST /v1/sessions/{id}/reject  — expert rejects {reason}
// POST /v1/sessions/{id}/end     — either party ends; returns the settlement
// GET  /v1/sessions/{id}/balance — caller polls remaining talk time
// POST /v1/sessions/{id}/rating  — caller rates a settled call {rating, review}

type initiateRequest struct {
	ExpertID id.ID `json:"expert_id"`
}

type initiateResponse struct {
	SessionID     id.ID               `json:"session_id"`
	State         domain.SessionState `json:"state"`
	RatePerMinute int64               `json:"rate_per_minute"`
}

func (s *Server) handleInitiate(w http.ResponseWriter, r *http.Request) {
	uid, ok := caller(w, r)
	if !ok {
		return
	}
	var req initiateRequest
	if !decode(w, r, &req) {
		return
	}
	sess, err := s.svc.Sessions.Initiate(r.Context(), uid, req.ExpertID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, initiateResponse{
		SessionID:     sess.ID,
		State:         sess.State,
		RatePerMinute: sess.RatePerMinute,
	})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, _, _, ok := s.sessionForParty(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleAccept(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.sessionForExpert(w, r)
	if !ok {
		return
	}
	out, err := retryConflict("accept", func() (*domain.Session, error) {
		return s.svc.Sessions.Accept(r.Context(), sess.ID, sess.ExpertID)
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

type rejectRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleReject(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.sessionForExpert(w, r)
	if !ok {
		return
	}
	var req rejectRequest
	if !decode(w, r, &req) {
		return
	}
	st, err := retryConflict("reject", func() (*domain.Settlement, error) {
		return s.svc.Sessions.Reject(r.Context(), sess.ID, sess.ExpertID, req.Reason)
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleEnd(w http.ResponseWriter, r *http.Request) {
	sess, party, role, ok := s.sessionForParty(w, r)
	if !ok {
		return
	}
	st, err := retryConflict("end", func() (*domain.Settlement, error) {
		return s.svc.Sessions.EndAs(r.Context(), sess.ID, party, role)
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleCheckBalance(w http.ResponseWriter, r *http.Request) {
	uid, ok := caller(w, r)
	if !ok {
		return
	}
	sid, ok := pathID(w, r, id.KindSession)
	if !ok {
		return
	}
	bc, err := s.svc.Sessions.CheckBalance(r.Context(), sid, uid)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, bc)
}

type rateRequest struct {
	Rating int    `json:"rating"`
	Review string `json:"review"`
}

func (s *Server) handleRate(w http.ResponseWriter, r *http.Request) {
	uid, ok := caller(w, r)
	if !ok {
		return
	}
	sid, ok := pathID(w, r, id.KindSession)
	if !ok {
		return
	}
	var req rateRequest
	if !decode(w, r, &req) {
		return
	}
	if err := s.svc.Sessions.Rate(r.Context(), sid, uid, req.Rating, req.Review); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ─── Helpers ────────────────────────────────────────────────────────────────

// sessionForParty loads the path session and resolves the requesting user to
// the caller or the expert side of it.
func (s *Server) sessionForParty(w http.ResponseWriter, r *http.Request) (*domain.Session, id.ID, domain.Role, bool) {
	uid, ok := caller(w, r)
	if !ok {
		return nil, id.Nil, "", false
	}
	sid, ok := pathID(w, r, id.KindSession)
	if !ok {
		return nil, id.Nil, "", false
	}
	sess, err := s.svc.Sessions.Get(r.Context(), sid)
	if err != nil {
		s.fail(w, r, err)
		return nil, id.Nil, "", false
	}
	party, role, err := s.partyOf(r.Context(), sess, uid)
	if err != nil {
		s.fail(w, r, err)
		return nil, id.Nil, "", false
	}
	return sess, party, role, true
}

func (s *Server) partyOf(ctx context.Context, sess *domain.Session, uid id.ID) (id.ID, domain.Role, error) {
	if sess.CallerID.Equal(uid) {
		return uid, domain.RoleCaller, nil
	}
	if _, err := s.expertOwnedBy(ctx, sess.ExpertID, uid); err != nil {
		return id.Nil, "", err
	}
	return sess.ExpertID, domain.RoleExpert, nil
}

// sessionForExpert loads the path session and requires the requesting user
// to back its expert.
func (s *Server) sessionForExpert(w http.ResponseWriter, r *http.Request) (*domain.Session, bool) {
	uid, ok := caller(w, r)
	if !ok {
		return nil, false
	}
	sid, ok := pathID(w, r, id.KindSession)
	if !ok {
		return nil, false
	}
	sess, err := s.svc.Sessions.Get(r.Context(), sid)
	if err != nil {
		s.fail(w, r, err)
		return nil, false
	}
	if _, err := s.expertOwnedBy(r.Context(), sess.ExpertID, uid); err != nil {
		s.fail(w, r, err)
		return nil, false
	}
	return sess, true
}
