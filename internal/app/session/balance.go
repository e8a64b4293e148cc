package session

import (
	"context"
	"fmt"

	"github.com/expertline/expertline/internal/domain"
	"github.com/expertline/expertline/internal/id"
	"github.com/expertline/expertline/internal/infra/observability"
)

// BalanceCheck is the result of CheckBalance. Settlement is set when the
// check ended the call.
type BalanceCheck struct {
	domain.BalanceStatus
	SessionID  id.ID              `json:"session_id"`
	Settlement *domain.Settlement `json:"settlement,omitempty"`
}

// Heartbeat records activity on a live session so the stale sweep leaves it
// alone.
func (e *Engine) Heartbeat(ctx context.Context, sid id.ID) error {
	s, err := e.store.GetSession(ctx, sid)
	if err != nil {
		return err
	}
	if s.State.Terminal() {
		return &domain.InvalidTransitionError{From: s.State, To: s.State}
	}
	return e.store.TouchSession(ctx, sid, e.now())
}

// CheckBalance reports how long the caller can keep talking. Polling it also
// counts as session activity. When the accrued charge exceeds the balance
// and auto-end is on, the call is settled here.
func (e *Engine) CheckBalance(ctx context.Context, sid, callerID id.ID) (bc *BalanceCheck, err error) {
	ctx, span := observability.StartSpan(ctx, "session.check_balance", spanAttrs(sid))
	defer func() { observability.EndSpan(span, err, expectedErrs...) }()

	s, err := e.store.GetSession(ctx, sid)
	if err != nil {
		return nil, err
	}
	if !callerID.IsNil() && !s.CallerID.Equal(callerID) {
		return nil, domain.ErrUnauthorized
	}
	if s.State != domain.StateConnected || s.StartedAt == nil {
		return nil, fmt.Errorf("session %s is %s: %w", sid, s.State, domain.ErrNotConnected)
	}
	caller, err := e.store.GetUser(ctx, s.CallerID)
	if err != nil {
		return nil, err
	}

	now := e.now()
	elapsed := int64(now.Sub(*s.StartedAt).Seconds())
	bc = &BalanceCheck{
		BalanceStatus: domain.ComputeBalanceStatus(caller.Balance, s.RatePerMinute, elapsed),
		SessionID:     sid,
	}
	if err := e.store.TouchSession(ctx, sid, now); err != nil {
		return nil, err
	}
	if !bc.Exhausted || !e.cfg.AutoEndOnExhaustion {
		return bc, nil
	}

	e.logger.Info("balance exhausted, ending session",
		"session_id", sid.String(),
		"balance", caller.Balance,
		"accrued", bc.AccruedTokens)
	s.UpdatedAt = now
	st, err := e.end(ctx, s, domain.RoleSystem, domain.ReasonExhausted)
	if err != nil {
		return nil, err
	}
	bc.Settlement = st
	return bc, nil
}

// Rate records the caller's rating of a settled session. A session can be
// rated once.
func (e *Engine) Rate(ctx context.Context, sid, callerID id.ID, rating int, review string) (err error) {
	ctx, span := observability.StartSpan(ctx, "session.rate", spanAttrs(sid))
	defer func() { observability.EndSpan(span, err, expectedErrs...) }()

	if err := domain.ValidateRating(rating, review); err != nil {
		return err
	}
	return e.store.InTx(ctx, func(q domain.Queries) error {
		s, err := q.GetSession(ctx, sid)
		if err != nil {
			return err
		}
		if !s.CallerID.Equal(callerID) {
			return domain.ErrUnauthorized
		}
		if s.State != domain.StateSettled {
			return domain.ErrNotSettled
		}
		ok, err := q.RateSession(ctx, sid, rating, review, e.now())
		if err != nil {
			return err
		}
		if !ok {
			return domain.ErrAlreadyRated
		}
		return q.AddExpertRating(ctx, s.ExpertID, rating)
	})
}
