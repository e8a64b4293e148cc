// Package session implements the consultation session state machine.
//
// Every transition is a compare-and-set on the stored state. Terminal
// transitions run through one settlement routine that applies the state
// change and the ledger entries in a single transaction, then releases the
// expert. Because the state CAS decides which caller settles, End is
// idempotent and billing happens exactly once however many end, disconnect
// or sweep signals race.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/expertline/expertline/internal/app/availability"
	"github.com/expertline/expertline/internal/app/ledger"
	"github.com/expertline/expertline/internal/domain"
	"github.com/expertline/expertline/internal/id"
	"github.com/expertline/expertline/internal/infra/events"
	"github.com/expertline/expertline/internal/infra/observability"
)

// Config controls engine policy.
type Config struct {
	// AutoEndOnExhaustion ends a connected call from CheckBalance once the
	// caller can no longer cover the minute in progress.
	AutoEndOnExhaustion bool
	// ReleaseAttempts bounds retries when freeing an expert on cleanup.
	ReleaseAttempts int
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		AutoEndOnExhaustion: true,
		ReleaseAttempts:     3,
	}
}

// Engine runs session transitions.
type Engine struct {
	store  domain.Store
	avail  *availability.Coordinator
	cfg    Config
	now    func() time.Time
	logger *slog.Logger
	sink   domain.EventSink
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option { return func(e *Engine) { e.now = now } }

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option { return func(e *Engine) { e.logger = logger } }

// WithEvents sets the lifecycle event sink.
func WithEvents(sink domain.EventSink) Option { return func(e *Engine) { e.sink = sink } }

// New creates an Engine.
func New(store domain.Store, avail *availability.Coordinator, cfg Config, opts ...Option) *Engine {
	if cfg.ReleaseAttempts <= 0 {
		cfg.ReleaseAttempts = DefaultConfig().ReleaseAttempts
	}
	e := &Engine{
		store:  store,
		avail:  avail,
		cfg:    cfg,
		now:    time.Now,
		logger: slog.Default(),
		sink:   events.Nop{},
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Get loads a session.
func (e *Engine) Get(ctx context.Context, sid id.ID) (*domain.Session, error) {
	return e.store.GetSession(ctx, sid)
}

// ─── Transitions ────────────────────────────────────────────────────────────

// transition applies a non-terminal from -> to change on s.
func (e *Engine) transition(ctx context.Context, s *domain.Session, to domain.SessionState, patch domain.SessionPatch) error {
	from := s.State
	if err := domain.CheckTransition(from, to); err != nil {
		return err
	}
	at := e.now()
	ok, err := e.store.TransitionSession(ctx, s.ID, from, to, patch, at)
	if err != nil {
		return err
	}
	if !ok {
		return e.lostRace(ctx, s.ID, to, "transition")
	}
	s.State = to
	s.UpdatedAt = at
	if patch.StartedAt != nil {
		s.StartedAt = patch.StartedAt
	}
	e.applied(ctx, s, from, to, "")
	return nil
}

// lostRace classifies a failed CAS: the state moved under us, so the
// requested change is either no longer legal or worth one retry.
func (e *Engine) lostRace(ctx context.Context, sid id.ID, to domain.SessionState, op string) error {
	observability.SessionConflicts.WithLabelValues(op).Inc()
	cur, err := e.store.GetSession(ctx, sid)
	if err != nil {
		return err
	}
	if !domain.CanTransition(cur.State, to) {
		return &domain.InvalidTransitionError{From: cur.State, To: to}
	}
	return fmt.Errorf("session %s: %w", sid, domain.ErrConcurrencyConflict)
}

func (e *Engine) applied(ctx context.Context, s *domain.Session, from, to domain.SessionState, detail string) {
	observability.SessionTransitions.WithLabelValues(string(from), string(to)).Inc()
	e.logger.Info("session transition",
		"session_id", s.ID.String(),
		"expert_id", s.ExpertID.String(),
		"from", from,
		"to", to)
	events.Emit(ctx, e.sink, e.logger, domain.Event{
		Kind:      domain.EventTransition,
		SessionID: s.ID,
		ExpertID:  s.ExpertID,
		From:      from,
		To:        to,
		Detail:    detail,
		At:        s.UpdatedAt,
	})
}

// ─── Settlement ─────────────────────────────────────────────────────────────

// endSpec describes a terminal transition.
type endSpec struct {
	to     domain.SessionState
	reason domain.EndReason
	by     domain.Role
	// billedUntil is the end of billable time for a connected session.
	billedUntil time.Time
	detail      string
}

// settle moves s to a terminal state. A session leaving Connected is billed
// from StartedAt to billedUntil, which is also recorded as its end time; any
// other session settles with zero tokens. If another caller settled s first,
// the stored settlement is returned.
func (e *Engine) settle(ctx context.Context, s *domain.Session, spec endSpec) (*domain.Settlement, error) {
	if s.State.Terminal() {
		return e.existingSettlement(s)
	}
	if err := domain.CheckTransition(s.State, spec.to); err != nil {
		return nil, err
	}

	at := e.now()
	from := s.State
	var (
		duration, minutes, spent int64
		billed                   = from == domain.StateConnected && s.StartedAt != nil
		endedAt                  = at
	)
	if billed {
		endedAt = spec.billedUntil
		if endedAt.Before(*s.StartedAt) {
			endedAt = *s.StartedAt
		}
		duration = int64(endedAt.Sub(*s.StartedAt) / time.Second)
		minutes, spent = domain.Charge(duration, s.RatePerMinute)
	}

	var debited, credit, balance int64
	errLost := errors.New("lost settlement race")
	err := e.store.InTx(ctx, func(q domain.Queries) error {
		ok, err := q.TransitionSession(ctx, s.ID, from, spec.to, domain.SessionPatch{
			EndedAt:         &endedAt,
			DurationSeconds: &duration,
			Minutes:         &minutes,
			TokensSpent:     &spent,
			EndReason:       spec.reason,
			EndedBy:         spec.by,
		}, at)
		if err != nil {
			return err
		}
		if !ok {
			return errLost
		}

		if billed {
			desc := "session " + s.ID.String()
			entry, err := ledger.Debit(ctx, q, at, s.CallerID, spent, desc, s.ID)
			if err != nil {
				return fmt.Errorf("debit caller: %w", err)
			}
			debited, balance = entry.Amount, entry.BalanceAfter
			credit = domain.ExpertShare(debited)
			if credit > 0 {
				if _, err := ledger.CreditEarnings(ctx, q, at, s.ExpertID, credit, desc, s.ID); err != nil {
					return fmt.Errorf("credit expert: %w", err)
				}
			}
		} else {
			u, err := q.GetUser(ctx, s.CallerID)
			if err != nil {
				return fmt.Errorf("read caller balance: %w", err)
			}
			balance = u.Balance
		}
		// The state already holds; this self-transition only records the
		// amounts the ledger actually moved and the balance they left.
		ok, err = q.TransitionSession(ctx, s.ID, spec.to, spec.to, domain.SessionPatch{
			TokensDebited: &debited,
			ExpertCredit:  &credit,
			CallerBalance: &balance,
		}, at)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("record settlement amounts: session %s changed state", s.ID)
		}
		return nil
	})
	if errors.Is(err, errLost) {
		observability.SessionConflicts.WithLabelValues("settle").Inc()
		cur, gerr := e.store.GetSession(ctx, s.ID)
		if gerr != nil {
			return nil, gerr
		}
		if cur.State.Terminal() {
			return e.existingSettlement(cur)
		}
		return nil, fmt.Errorf("settle session %s: %w", s.ID, domain.ErrConcurrencyConflict)
	}
	if err != nil {
		return nil, fmt.Errorf("settle session %s: %w", s.ID, err)
	}

	// The binding is released only after the terminal state is durable.
	e.avail.ReleaseWithRetry(ctx, s.ExpertID, s.ID, e.cfg.ReleaseAttempts)

	s.State = spec.to
	s.EndedAt = &endedAt
	s.UpdatedAt = at
	s.DurationSeconds, s.Minutes, s.TokensSpent = duration, minutes, spent
	s.TokensDebited, s.ExpertCredit, s.CallerBalance = debited, credit, balance
	s.EndReason, s.EndedBy = spec.reason, spec.by

	st := domain.SettlementOf(s)

	observability.SessionsSettled.WithLabelValues(string(spec.to), string(spec.reason)).Inc()
	if billed {
		observability.SessionDuration.Observe(float64(duration))
	}
	e.applied(ctx, s, from, spec.to, spec.detail)
	e.logger.Info("session settled",
		"session_id", s.ID.String(),
		"state", spec.to,
		"reason", spec.reason,
		"duration_seconds", duration,
		"tokens_spent", spent,
		"tokens_debited", debited,
		"expert_credit", credit)
	events.Emit(ctx, e.sink, e.logger, domain.Event{
		Kind:       domain.EventSettled,
		SessionID:  s.ID,
		ExpertID:   s.ExpertID,
		From:       from,
		To:         spec.to,
		Settlement: &st,
		Detail:     spec.detail,
		At:         at,
	})
	return &st, nil
}

// existingSettlement returns the summary stored by the transition that
// settled s, so repeated end signals see identical output.
func (e *Engine) existingSettlement(s *domain.Session) (*domain.Settlement, error) {
	st := domain.SettlementOf(s)
	return &st, nil
}

func spanAttrs(sid id.ID) attribute.KeyValue {
	return attribute.String("session.id", sid.String())
}
