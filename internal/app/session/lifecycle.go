package session

import (
	"context"
	"errors"
	"fmt"

	"github.com/expertline/expertline/internal/domain"
	"github.com/expertline/expertline/internal/id"
	"github.com/expertline/expertline/internal/infra/observability"
)

// expectedErrs are business outcomes that should not mark a span as failed.
var expectedErrs = []error{
	domain.ErrNotFound, domain.ErrValidation, domain.ErrUnauthorized,
	domain.ErrExpertUnavailable, domain.ErrExpertNotApproved, domain.ErrInsufficientBalance,
	domain.ErrConcurrencyConflict, domain.ErrNotConnected, domain.ErrNotSettled, domain.ErrAlreadyRated,
}

// Initiate creates a session for caller with expert. The expert must be
// approved and available right now and the caller must hold the reserve.
// The expert is not marked busy until MarkRinging.
func (e *Engine) Initiate(ctx context.Context, callerID, expertID id.ID) (s *domain.Session, err error) {
	ctx, span := observability.StartSpan(ctx, "session.initiate")
	defer func() { observability.EndSpan(span, err, expectedErrs...) }()

	if callerID.IsNil() {
		return nil, domain.Invalid("caller_id", "required")
	}
	if expertID.IsNil() {
		return nil, domain.Invalid("expert_id", "required")
	}

	expert, err := e.store.GetExpert(ctx, expertID)
	if err != nil {
		return nil, err
	}
	if expert.UserID.Equal(callerID) {
		return nil, domain.Invalid("expert_id", "cannot call yourself")
	}
	if !expert.Approved {
		return nil, domain.ErrExpertNotApproved
	}
	available, err := e.avail.IsAvailable(ctx, expertID)
	if err != nil {
		return nil, err
	}
	if !available {
		return nil, domain.ErrExpertUnavailable
	}
	caller, err := e.store.GetUser(ctx, callerID)
	if err != nil {
		return nil, err
	}
	if caller.Balance < domain.Reserve(expert.RatePerMinute) {
		return nil, fmt.Errorf("%w: have %d, need %d", domain.ErrInsufficientBalance,
			caller.Balance, domain.Reserve(expert.RatePerMinute))
	}

	now := e.now()
	s = &domain.Session{
		ID:            id.NewSession(),
		CallerID:      callerID,
		ExpertID:      expertID,
		State:         domain.StateInitiated,
		RatePerMinute: expert.RatePerMinute,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := e.store.InsertSession(ctx, s); err != nil {
		return nil, err
	}
	span.SetAttributes(spanAttrs(s.ID))
	e.applied(ctx, s, "", domain.StateInitiated, "")
	return s, nil
}

// MarkRinging moves an initiated session to ringing and binds the expert.
// If the expert cannot be bound the session fails, the release is retried,
// and ErrExpertUnavailable is returned.
func (e *Engine) MarkRinging(ctx context.Context, sid id.ID) (s *domain.Session, err error) {
	ctx, span := observability.StartSpan(ctx, "session.mark_ringing", spanAttrs(sid))
	defer func() { observability.EndSpan(span, err, expectedErrs...) }()

	s, err = e.store.GetSession(ctx, sid)
	if err != nil {
		return nil, err
	}
	if err := e.transition(ctx, s, domain.StateRinging, domain.SessionPatch{}); err != nil {
		return nil, err
	}

	bindErr := e.avail.SetBusy(ctx, s.ExpertID, s.ID)
	if bindErr == nil {
		return s, nil
	}
	if _, err := e.settle(ctx, s, endSpec{
		to:     domain.StateFailed,
		reason: domain.ReasonUnavailable,
		by:     domain.RoleSystem,
		detail: bindErr.Error(),
	}); err != nil {
		e.logger.Error("fail session after bind failure", "session_id", sid.String(), "error", err)
	}
	if errors.Is(bindErr, domain.ErrExpertUnavailable) {
		return nil, bindErr
	}
	return nil, fmt.Errorf("%w: %v", domain.ErrExpertUnavailable, bindErr)
}

// Accept moves ringing to accepted. Only the session's expert may accept.
func (e *Engine) Accept(ctx context.Context, sid, expertID id.ID) (s *domain.Session, err error) {
	ctx, span := observability.StartSpan(ctx, "session.accept", spanAttrs(sid))
	defer func() { observability.EndSpan(span, err, expectedErrs...) }()

	s, err = e.ownedByExpert(ctx, sid, expertID)
	if err != nil {
		return nil, err
	}
	if err := e.transition(ctx, s, domain.StateAccepted, domain.SessionPatch{}); err != nil {
		return nil, err
	}
	return s, nil
}

// Reject ends a ringing session as rejected and releases the expert.
func (e *Engine) Reject(ctx context.Context, sid, expertID id.ID, reason string) (st *domain.Settlement, err error) {
	ctx, span := observability.StartSpan(ctx, "session.reject", spanAttrs(sid))
	defer func() { observability.EndSpan(span, err, expectedErrs...) }()

	s, err := e.ownedByExpert(ctx, sid, expertID)
	if err != nil {
		return nil, err
	}
	if s.State != domain.StateRinging {
		return nil, &domain.InvalidTransitionError{From: s.State, To: domain.StateRejected}
	}
	return e.settle(ctx, s, endSpec{
		to:     domain.StateRejected,
		reason: domain.ReasonRejected,
		by:     domain.RoleExpert,
		detail: reason,
	})
}

// Connect marks the media channel established. Billing starts now.
func (e *Engine) Connect(ctx context.Context, sid id.ID) (s *domain.Session, err error) {
	ctx, span := observability.StartSpan(ctx, "session.connect", spanAttrs(sid))
	defer func() { observability.EndSpan(span, err, expectedErrs...) }()

	s, err = e.store.GetSession(ctx, sid)
	if err != nil {
		return nil, err
	}
	start := e.now()
	if err := e.transition(ctx, s, domain.StateConnected, domain.SessionPatch{StartedAt: &start}); err != nil {
		return nil, err
	}
	return s, nil
}

// End is the single settlement path. A connected session is billed for its
// talk time; any earlier state settles as failed with zero tokens. Ending an
// already terminal session returns its stored settlement.
func (e *Engine) End(ctx context.Context, sid id.ID, by domain.Role) (st *domain.Settlement, err error) {
	ctx, span := observability.StartSpan(ctx, "session.end", spanAttrs(sid))
	defer func() { observability.EndSpan(span, err, expectedErrs...) }()

	if !by.Valid() {
		return nil, domain.Invalid("initiator", "unknown role %q", by)
	}
	s, err := e.store.GetSession(ctx, sid)
	if err != nil {
		return nil, err
	}
	return e.end(ctx, s, by, domain.ReasonCompleted)
}

// EndAs is End restricted to a party of the session.
func (e *Engine) EndAs(ctx context.Context, sid, partyID id.ID, role domain.Role) (*domain.Settlement, error) {
	s, err := e.store.GetSession(ctx, sid)
	if err != nil {
		return nil, err
	}
	if err := checkParty(s, partyID, role); err != nil {
		return nil, err
	}
	return e.End(ctx, sid, role)
}

func (e *Engine) end(ctx context.Context, s *domain.Session, by domain.Role, reason domain.EndReason) (*domain.Settlement, error) {
	if s.State == domain.StateConnected {
		return e.settle(ctx, s, endSpec{
			to:          domain.StateSettled,
			reason:      reason,
			by:          by,
			billedUntil: e.now(),
		})
	}
	return e.settle(ctx, s, endSpec{
		to:     domain.StateFailed,
		reason: domain.ReasonNotConnected,
		by:     by,
	})
}

// HandleDisconnect reacts to a party's transport connection closing. A
// connected session settles exactly as End would; earlier states fail
// without billing.
func (e *Engine) HandleDisconnect(ctx context.Context, sid, partyID id.ID, role domain.Role) (st *domain.Settlement, err error) {
	ctx, span := observability.StartSpan(ctx, "session.disconnect", spanAttrs(sid))
	defer func() { observability.EndSpan(span, err, expectedErrs...) }()

	s, err := e.store.GetSession(ctx, sid)
	if err != nil {
		return nil, err
	}
	if err := checkParty(s, partyID, role); err != nil {
		return nil, err
	}
	if s.State == domain.StateConnected {
		return e.end(ctx, s, role, domain.ReasonDisconnected)
	}
	return e.settle(ctx, s, endSpec{
		to:     domain.StateFailed,
		reason: domain.ReasonDisconnected,
		by:     role,
	})
}

// HandleTimeout marks an unanswered session missed. It only applies to
// initiated and ringing sessions.
func (e *Engine) HandleTimeout(ctx context.Context, sid id.ID) (st *domain.Settlement, err error) {
	ctx, span := observability.StartSpan(ctx, "session.timeout", spanAttrs(sid))
	defer func() { observability.EndSpan(span, err, expectedErrs...) }()

	s, err := e.store.GetSession(ctx, sid)
	if err != nil {
		return nil, err
	}
	if s.State != domain.StateInitiated && s.State != domain.StateRinging {
		return nil, &domain.InvalidTransitionError{From: s.State, To: domain.StateMissed}
	}
	return e.settle(ctx, s, endSpec{
		to:     domain.StateMissed,
		reason: domain.ReasonTimeout,
		by:     domain.RoleSystem,
	})
}

// Fail force-settles a non-terminal session as failed. A connected session
// is billed up to its last recorded activity, since nothing after that can
// be shown to have been delivered.
func (e *Engine) Fail(ctx context.Context, sid id.ID, reason domain.EndReason, detail string) (st *domain.Settlement, err error) {
	ctx, span := observability.StartSpan(ctx, "session.fail", spanAttrs(sid))
	defer func() { observability.EndSpan(span, err, expectedErrs...) }()

	s, err := e.store.GetSession(ctx, sid)
	if err != nil {
		return nil, err
	}
	if s.State.Terminal() {
		return nil, &domain.InvalidTransitionError{From: s.State, To: domain.StateFailed}
	}
	return e.settle(ctx, s, endSpec{
		to:          domain.StateFailed,
		reason:      reason,
		by:          domain.RoleSystem,
		billedUntil: s.UpdatedAt,
		detail:      detail,
	})
}

func (e *Engine) ownedByExpert(ctx context.Context, sid, expertID id.ID) (*domain.Session, error) {
	s, err := e.store.GetSession(ctx, sid)
	if err != nil {
		return nil, err
	}
	if !s.ExpertID.Equal(expertID) {
		return nil, domain.ErrUnauthorized
	}
	return s, nil
}

// checkParty verifies partyID is the session's caller or expert for role.
// System and transport roles act on any session.
func checkParty(s *domain.Session, partyID id.ID, role domain.Role) error {
	switch role {
	case domain.RoleCaller:
		if !s.CallerID.Equal(partyID) {
			return domain.ErrUnauthorized
		}
	case domain.RoleExpert:
		if !s.ExpertID.Equal(partyID) {
			return domain.ErrUnauthorized
		}
	case domain.RoleSystem, domain.RoleTransport:
	default:
		return domain.Invalid("role", "unknown role %q", role)
	}
	return nil
}
