// Package reconcile repairs drift between the store, the availability
// records and the real-time transport. Every repair goes through the
// session engine's normal terminal operations, so a sweep racing a live
// request settles at most once.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/expertline/expertline/internal/domain"
	"github.com/expertline/expertline/internal/id"
	"github.com/expertline/expertline/internal/infra/events"
	"github.com/expertline/expertline/internal/infra/observability"
)

// Config holds sweep thresholds.
type Config struct {
	// RingTimeout moves initiated and ringing sessions to missed.
	RingTimeout time.Duration
	// AcceptTimeout fails accepted sessions that never connect.
	AcceptTimeout time.Duration
	// StaleAfter fails connected sessions with no recorded activity.
	StaleAfter time.Duration
	// OrphanGrace keeps brand new sessions out of the roster comparison
	// until the transport has had a chance to report them.
	OrphanGrace time.Duration
	// BatchSize caps sessions handled per state per run.
	BatchSize int
}

// DefaultConfig returns the production thresholds.
func DefaultConfig() Config {
	return Config{
		RingTimeout:   30 * time.Second,
		AcceptTimeout: 30 * time.Second,
		StaleAfter:    5 * time.Minute,
		OrphanGrace:   30 * time.Second,
		BatchSize:     500,
	}
}

// Sessions is the subset of the session engine the sweeps drive.
type Sessions interface {
	HandleTimeout(ctx context.Context, sid id.ID) (*domain.Settlement, error)
	Fail(ctx context.Context, sid id.ID, reason domain.EndReason, detail string) (*domain.Settlement, error)
}

// Experts is the subset of the availability coordinator the sweeps drive.
type Experts interface {
	Release(ctx context.Context, eid, sid id.ID) (bool, error)
	ForceRelease(ctx context.Context, eid id.ID) error
}

// Store is the read side the sweeps scan.
type Store interface {
	GetSession(ctx context.Context, sid id.ID) (*domain.Session, error)
	ListSessionsByState(ctx context.Context, state domain.SessionState, updatedBefore time.Time, limit int) ([]domain.Session, error)
	ListActiveSessions(ctx context.Context, createdBefore time.Time, limit int) ([]domain.Session, error)
	ListAvailability(ctx context.Context) ([]domain.AvailabilityRecord, error)
}

// Discrepancy is drift the sweep reports but does not repair.
type Discrepancy struct {
	Kind     string    `json:"kind"`
	ExpertID id.ID     `json:"expert_id"`
	State    string    `json:"state"`
	LastSeen time.Time `json:"last_seen"`
}

// Report summarizes one sweep run.
type Report struct {
	Missed        int                 `json:"missed"`
	Failed        int                 `json:"failed"`
	Stale         int                 `json:"stale"`
	Orphaned      int                 `json:"orphaned"`
	Released      int                 `json:"released"`
	Skipped       int                 `json:"skipped"`
	Errors        int                 `json:"errors"`
	Settled       []domain.Settlement `json:"settled,omitempty"`
	Discrepancies []Discrepancy       `json:"discrepancies,omitempty"`
	RosterChecked bool                `json:"roster_checked"`
}

func (r *Report) merge(o *Report) {
	r.Missed += o.Missed
	r.Failed += o.Failed
	r.Stale += o.Stale
	r.Orphaned += o.Orphaned
	r.Released += o.Released
	r.Skipped += o.Skipped
	r.Errors += o.Errors
	r.Settled = append(r.Settled, o.Settled...)
	r.Discrepancies = append(r.Discrepancies, o.Discrepancies...)
	r.RosterChecked = r.RosterChecked || o.RosterChecked
}

// Sweeper runs the reconciliation sweeps.
type Sweeper struct {
	sessions Sessions
	experts  Experts
	store    Store
	roster   domain.RosterSource
	cfg      Config
	now      func() time.Time
	logger   *slog.Logger
	sink     domain.EventSink
}

// Option configures a Sweeper.
type Option func(*Sweeper)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option { return func(s *Sweeper) { s.now = now } }

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option { return func(s *Sweeper) { s.logger = logger } }

// WithEvents sets the sink for drift events.
func WithEvents(sink domain.EventSink) Option { return func(s *Sweeper) { s.sink = sink } }

// WithRoster sets the transport roster consulted by RunOnce. Without one
// the cross-layer sweep only runs through SyncActiveSessions.
func WithRoster(r domain.RosterSource) Option { return func(s *Sweeper) { s.roster = r } }

// New creates a Sweeper.
func New(sessions Sessions, experts Experts, store Store, cfg Config, opts ...Option) *Sweeper {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultConfig().BatchSize
	}
	s := &Sweeper{
		sessions: sessions,
		experts:  experts,
		store:    store,
		cfg:      cfg,
		now:      time.Now,
		logger:   slog.Default(),
		sink:     events.Nop{},
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// RunOnce runs the stuck, busy and roster sweeps in that order. A failing
// sweep does not stop the others; their errors are joined.
func (s *Sweeper) RunOnce(ctx context.Context) (*Report, error) {
	total := &Report{}
	var errs []error

	run := func(name string, fn func(context.Context) (*Report, error)) {
		rep, err := fn(ctx)
		if rep != nil {
			total.merge(rep)
		}
		outcome := "ok"
		if err != nil {
			outcome = "error"
			errs = append(errs, fmt.Errorf("%s sweep: %w", name, err))
		}
		observability.SweepRuns.WithLabelValues(name, outcome).Inc()
	}
	run("stuck", s.SweepStuck)
	run("busy", s.SweepBusy)
	if s.roster != nil {
		run("roster", s.SweepRoster)
	}
	return total, errors.Join(errs...)
}

// ─── Stuck Sessions ─────────────────────────────────────────────────────────

// SweepStuck ends sessions that have sat in a pre-terminal state too long.
// Unanswered sessions become missed; accepted sessions that never connect
// and connected sessions without activity fail, billed to their last
// recorded activity.
func (s *Sweeper) SweepStuck(ctx context.Context) (*Report, error) {
	now := s.now()
	rep := &Report{}

	for _, state := range []domain.SessionState{domain.StateInitiated, domain.StateRinging} {
		stuck, err := s.store.ListSessionsByState(ctx, state, now.Add(-s.cfg.RingTimeout), s.cfg.BatchSize)
		if err != nil {
			return rep, err
		}
		for _, sess := range stuck {
			st, err := s.sessions.HandleTimeout(ctx, sess.ID)
			s.record(rep, "missed", domain.ReasonTimeout, &sess, st, err, &rep.Missed)
		}
	}

	accepted, err := s.store.ListSessionsByState(ctx, domain.StateAccepted, now.Add(-s.cfg.AcceptTimeout), s.cfg.BatchSize)
	if err != nil {
		return rep, err
	}
	for _, sess := range accepted {
		st, err := s.sessions.Fail(ctx, sess.ID, domain.ReasonTimeout, "accepted but never connected")
		s.record(rep, "accept_timeout", domain.ReasonTimeout, &sess, st, err, &rep.Failed)
	}

	connected, err := s.store.ListSessionsByState(ctx, domain.StateConnected, now.Add(-s.cfg.StaleAfter), s.cfg.BatchSize)
	if err != nil {
		return rep, err
	}
	for _, sess := range connected {
		st, err := s.sessions.Fail(ctx, sess.ID, domain.ReasonStale, "no activity")
		s.record(rep, "stale", domain.ReasonStale, &sess, st, err, &rep.Stale)
	}
	return rep, nil
}

// ─── Busy Auto-correction ───────────────────────────────────────────────────

// SweepBusy frees experts marked busy whose bound session is missing or
// already terminal. Online flags are never touched here.
func (s *Sweeper) SweepBusy(ctx context.Context) (*Report, error) {
	recs, err := s.store.ListAvailability(ctx)
	if err != nil {
		return nil, err
	}
	rep := &Report{}
	for _, rec := range recs {
		if !rec.Busy && rec.SessionID.IsNil() {
			continue
		}
		if rec.SessionID.IsNil() {
			s.release(ctx, rep, rec.ExpertID, id.Nil, "busy without session")
			continue
		}
		sess, err := s.store.GetSession(ctx, rec.SessionID)
		switch {
		case errors.Is(err, domain.ErrNotFound):
			s.release(ctx, rep, rec.ExpertID, rec.SessionID, "bound session missing")
		case err != nil:
			rep.Errors++
			s.logger.Warn("busy sweep: load session", "expert_id", rec.ExpertID.String(), "error", err)
		case sess.State.Terminal():
			s.release(ctx, rep, rec.ExpertID, rec.SessionID, "bound session "+string(sess.State))
		}
	}
	return rep, nil
}

func (s *Sweeper) release(ctx context.Context, rep *Report, eid, sid id.ID, why string) {
	var err error
	released := true
	if sid.IsNil() {
		err = s.experts.ForceRelease(ctx, eid)
	} else {
		// Conditional on sid so an expert rebound meanwhile stays busy.
		released, err = s.experts.Release(ctx, eid, sid)
	}
	if err != nil {
		rep.Errors++
		s.logger.Warn("busy sweep: release", "expert_id", eid.String(), "error", err)
		return
	}
	if !released {
		rep.Skipped++
		return
	}
	rep.Released++
	observability.SweepActions.WithLabelValues("release_busy").Inc()
	s.logger.Info("released stuck busy expert", "expert_id", eid.String(), "reason", why)
	events.Emit(ctx, s.sink, s.logger, domain.Event{
		Kind:      domain.EventDrift,
		SessionID: sid,
		ExpertID:  eid,
		Detail:    why,
		At:        s.now(),
	})
}

// ─── Cross-layer ────────────────────────────────────────────────────────────

// SweepRoster compares the store against the transport's live roster. An
// incomplete roster (no fresh report) is skipped, since an empty view would
// otherwise orphan every live call.
func (s *Sweeper) SweepRoster(ctx context.Context) (*Report, error) {
	roster, err := s.roster.LiveRoster(ctx)
	if err != nil {
		return nil, err
	}
	if !roster.Complete {
		s.logger.Debug("roster sweep skipped: no fresh transport report")
		return &Report{}, nil
	}
	return s.SyncActiveSessions(ctx, roster)
}

// SyncActiveSessions force-fails every ringing, accepted or connected
// session the transport does not know about and releases its expert.
// Experts online in the store but absent from the roster are reported as
// discrepancies only; going offline stays an explicit action.
func (s *Sweeper) SyncActiveSessions(ctx context.Context, live domain.Roster) (*Report, error) {
	now := s.now()
	rep := &Report{RosterChecked: true}

	active, err := s.store.ListActiveSessions(ctx, now.Add(-s.cfg.OrphanGrace), s.cfg.BatchSize)
	if err != nil {
		return nil, err
	}
	for _, sess := range active {
		// The transport learns of a session when it starts ringing.
		if sess.State == domain.StateInitiated || live.HasSession(sess.ID) {
			continue
		}
		st, err := s.sessions.Fail(ctx, sess.ID, domain.ReasonOrphaned, "unknown to transport")
		s.record(rep, "orphaned", domain.ReasonOrphaned, &sess, st, err, &rep.Orphaned)
	}

	recs, err := s.store.ListAvailability(ctx)
	if err != nil {
		return rep, err
	}
	for _, rec := range recs {
		state := rec.State()
		if state == domain.Offline || live.HasExpert(rec.ExpertID) {
			continue
		}
		d := Discrepancy{
			Kind:     "expert_absent",
			ExpertID: rec.ExpertID,
			State:    state.String(),
			LastSeen: rec.LastSeen,
		}
		rep.Discrepancies = append(rep.Discrepancies, d)
		observability.SweepDiscrepancies.WithLabelValues(d.Kind).Inc()
		s.logger.Warn("expert not on transport roster",
			"expert_id", rec.ExpertID.String(),
			"state", d.State,
			"last_seen", rec.LastSeen)
		events.Emit(ctx, s.sink, s.logger, domain.Event{
			Kind:     domain.EventDrift,
			ExpertID: rec.ExpertID,
			Detail:   d.Kind,
			At:       now,
		})
	}
	return rep, nil
}

// record tallies one terminal action. Losing to a concurrent transition is
// expected and counted as skipped, including when the session comes back
// already settled for another reason.
func (s *Sweeper) record(rep *Report, kind string, want domain.EndReason, sess *domain.Session, st *domain.Settlement, err error, counter *int) {
	switch {
	case err == nil && st.EndReason != want:
		rep.Skipped++
		s.logger.Debug("sweep lost to concurrent settlement",
			"action", kind,
			"session_id", sess.ID.String(),
			"state", st.State,
			"reason", st.EndReason)
	case err == nil:
		*counter++
		rep.Settled = append(rep.Settled, *st)
		observability.SweepActions.WithLabelValues(kind).Inc()
		s.logger.Info("sweep settled session",
			"action", kind,
			"session_id", sess.ID.String(),
			"from", sess.State,
			"to", st.State,
			"tokens_debited", st.TokensDebited)
	case domain.IsInvalidTransition(err), errors.Is(err, domain.ErrConcurrencyConflict):
		rep.Skipped++
	default:
		rep.Errors++
		s.logger.Error("sweep action failed",
			"action", kind,
			"session_id", sess.ID.String(),
			"error", err)
	}
}
