package api

import (
	"net/http"
	"strconv"

	"github.com/expertline/expertline/internal/domain"
	"github.com/expertline/expertline/internal/id"
)

// ─── Account API ────────────────────────────────────────────────────────────

type balanceResponse struct {
	UserID  id.ID `json:"user_id"`
	Balance int64 `json:"balance"`
}

func (s *Server) handleUserBalance(w http.ResponseWriter, r *http.Request) {
	uid, ok := s.self(w, r)
	if !ok {
		return
	}
	bal, err := s.svc.Ledger.Balance(r.Context(), uid)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, balanceResponse{UserID: uid, Balance: bal})
}

func (s *Server) handleUserEntries(w http.ResponseWriter, r *http.Request) {
	uid, ok := s.self(w, r)
	if !ok {
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	entries, err := s.svc.Ledger.Entries(r.Context(), uid, limit)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

// self requires the path user to be the requesting user.
func (s *Server) self(w http.ResponseWriter, r *http.Request) (id.ID, bool) {
	uid, ok := caller(w, r)
	if !ok {
		return id.Nil, false
	}
	path, ok := pathID(w, r, id.KindUser)
	if !ok {
		return id.Nil, false
	}
	if !path.Equal(uid) {
		s.fail(w, r, domain.ErrUnauthorized)
		return id.Nil, false
	}
	return uid, true
}

// ─── Admin API ──────────────────────────────────────────────────────────────

type createUserRequest struct {
	Name    string `json:"name"`
	Balance int64  `json:"balance"`
}

// handleCreateUser creates a user. An opening balance is applied as a
// ledger credit so it has an entry like any other balance change.
func (s *Server) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	var req createUserRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Balance < 0 {
		s.fail(w, r, domain.Invalid("balance", "must not be negative"))
		return
	}
	u, err := domain.NewUser(req.Name, 0, s.now())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if err := s.svc.Store.InsertUser(r.Context(), u); err != nil {
		s.fail(w, r, err)
		return
	}
	if req.Balance > 0 {
		entry, err := s.svc.Ledger.Credit(r.Context(), u.ID, req.Balance, "opening balance")
		if err != nil {
			s.fail(w, r, err)
			return
		}
		u.Balance = entry.BalanceAfter
	}
	writeJSON(w, http.StatusCreated, u)
}

type createExpertRequest struct {
	UserID        id.ID  `json:"user_id"`
	DisplayName   string `json:"display_name"`
	RatePerMinute int64  `json:"rate_per_minute"`
	Approved      bool   `json:"approved"`
}

func (s *Server) handleCreateExpert(w http.ResponseWriter, r *http.Request) {
	var req createExpertRequest
	if !decode(w, r, &req) {
		return
	}
	if !req.UserID.IsNil() {
		if _, err := s.svc.Store.GetUser(r.Context(), req.UserID); err != nil {
			s.fail(w, r, err)
			return
		}
	}
	ex, err := domain.NewExpert(req.UserID, req.DisplayName, req.RatePerMinute, s.now())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	ex.Approved = req.Approved
	if err := s.svc.Store.InsertExpert(r.Context(), ex); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, ex)
}

type approveRequest struct {
	Approved *bool `json:"approved"`
}

func (s *Server) handleApproveExpert(w http.ResponseWriter, r *http.Request) {
	eid, ok := pathID(w, r, id.KindExpert)
	if !ok {
		return
	}
	var req approveRequest
	if !decode(w, r, &req) {
		return
	}
	approved := req.Approved == nil || *req.Approved
	if err := s.svc.Store.SetExpertApproved(r.Context(), eid, approved); err != nil {
		s.fail(w, r, err)
		return
	}
	ex, err := s.svc.Store.GetExpert(r.Context(), eid)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ex)
}

type adjustRequest struct {
	Amount      int64  `json:"amount"`
	Description string `json:"description"`
	SessionID   id.ID  `json:"session_id"`
}

func (s *Server) handleCredit(w http.ResponseWriter, r *http.Request) {
	uid, ok := pathID(w, r, id.KindUser)
	if !ok {
		return
	}
	var req adjustRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Description == "" {
		req.Description = "admin credit"
	}
	entry, err := retryConflict("credit", func() (*domain.LedgerEntry, error) {
		return s.svc.Ledger.Credit(r.Context(), uid, req.Amount, req.Description)
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

func (s *Server) handleRefund(w http.ResponseWriter, r *http.Request) {
	uid, ok := pathID(w, r, id.KindUser)
	if !ok {
		return
	}
	var req adjustRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Description == "" {
		req.Description = "refund"
	}
	entry, err := retryConflict("refund", func() (*domain.LedgerEntry, error) {
		return s.svc.Ledger.Refund(r.Context(), uid, req.Amount, req.Description, req.SessionID)
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

// handleSweep runs the stuck, busy and roster sweeps now.
func (s *Server) handleSweep(w http.ResponseWriter, r *http.Request) {
	rep, err := s.svc.Sweeper.RunOnce(r.Context())
	if err != nil {
		s.logger.Warn("on-demand sweep finished with errors", "error", err)
	}
	writeJSON(w, http.StatusOK, rep)
}
