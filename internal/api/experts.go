package api

import (
	"net/http"
	"strconv"

	"github.com/expertline/expertline/internal/domain"
	"github.com/expertline/expertline/internal/id"
)

// ─── Expert API ─────────────────────────────────────────────────────────────
// Availability and earnings routes. Mutations require the requesting user to
// back the expert; reads are public.

type expertStateResponse struct {
	ExpertID id.ID  `json:"expert_id"`
	State    string `json:"state"`
}

func (s *Server) handleListExperts(w http.ResponseWriter, r *http.Request) {
	onlineOnly, _ := strconv.ParseBool(r.URL.Query().Get("online"))
	list, err := s.svc.Experts.List(r.Context(), onlineOnly)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"experts": list})
}

func (s *Server) handleExpertStatus(w http.ResponseWriter, r *http.Request) {
	eid, ok := pathID(w, r, id.KindExpert)
	if !ok {
		return
	}
	if _, err := s.svc.Store.GetExpert(r.Context(), eid); err != nil {
		s.fail(w, r, err)
		return
	}
	st, err := s.svc.Experts.Status(r.Context(), eid)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

type setOnlineRequest struct {
	Online bool `json:"online"`
}

func (s *Server) handleSetOnline(w http.ResponseWriter, r *http.Request) {
	eid, ok := s.ownExpert(w, r)
	if !ok {
		return
	}
	var req setOnlineRequest
	if !decode(w, r, &req) {
		return
	}
	if err := s.svc.Experts.SetOnline(r.Context(), eid, req.Online); err != nil {
		s.fail(w, r, err)
		return
	}
	s.writeExpertState(w, r, eid)
}

func (s *Server) handleExpertHeartbeat(w http.ResponseWriter, r *http.Request) {
	eid, ok := s.ownExpert(w, r)
	if !ok {
		return
	}
	if err := s.svc.Experts.Heartbeat(r.Context(), eid); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type expertDisconnectRequest struct {
	// InActiveCall defaults to whether the expert is currently busy.
	InActiveCall *bool `json:"in_active_call"`
}

func (s *Server) handleExpertDisconnect(w http.ResponseWriter, r *http.Request) {
	eid, ok := s.ownExpert(w, r)
	if !ok {
		return
	}
	var req expertDisconnectRequest
	if !decode(w, r, &req) {
		return
	}
	inCall := false
	if req.InActiveCall != nil {
		inCall = *req.InActiveCall
	} else {
		st, err := s.svc.Experts.State(r.Context(), eid)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		inCall = st == domain.Busy
	}
	if err := s.svc.Experts.Disconnect(r.Context(), eid, inCall); err != nil {
		s.fail(w, r, err)
		return
	}
	s.writeExpertState(w, r, eid)
}

func (s *Server) handleExpertReconnect(w http.ResponseWriter, r *http.Request) {
	eid, ok := s.ownExpert(w, r)
	if !ok {
		return
	}
	st, err := s.svc.Experts.Reconnect(r.Context(), eid)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, expertStateResponse{ExpertID: eid, State: st.String()})
}

func (s *Server) handleClaim(w http.ResponseWriter, r *http.Request) {
	eid, ok := s.ownExpert(w, r)
	if !ok {
		return
	}
	entry, err := retryConflict("claim", func() (*domain.LedgerEntry, error) {
		return s.svc.Ledger.Claim(r.Context(), eid)
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

// ownExpert parses the path expert and checks the requesting user backs it.
func (s *Server) ownExpert(w http.ResponseWriter, r *http.Request) (id.ID, bool) {
	uid, ok := caller(w, r)
	if !ok {
		return id.Nil, false
	}
	eid, ok := pathID(w, r, id.KindExpert)
	if !ok {
		return id.Nil, false
	}
	if _, err := s.expertOwnedBy(r.Context(), eid, uid); err != nil {
		s.fail(w, r, err)
		return id.Nil, false
	}
	return eid, true
}

func (s *Server) writeExpertState(w http.ResponseWriter, r *http.Request, eid id.ID) {
	st, err := s.svc.Experts.State(r.Context(), eid)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, expertStateResponse{ExpertID: eid, State: st.String()})
}
