// Package availability is the single writer of expert online/busy state.
//
// Every mutation is one conditional update against the store followed by
// invalidation of the listing cache. The cache only serves listing reads;
// IsAvailable and State always read the store.
package availability

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/expertline/expertline/internal/domain"
	"github.com/expertline/expertline/internal/id"
	"github.com/expertline/expertline/internal/infra/observability"
)

// Config controls the listing cache.
type Config struct {
	CacheTTL  time.Duration // default 5m
	CacheSize int           // default 4096 experts
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		CacheTTL:  5 * time.Minute,
		CacheSize: 4096,
	}
}

// Store is what the coordinator needs from persistence.
type Store interface {
	domain.AvailabilityStore
	GetExpert(ctx context.Context, eid id.ID) (*domain.Expert, error)
	ListExperts(ctx context.Context, approvedOnly bool) ([]domain.Expert, error)
	ActiveSessionForExpert(ctx context.Context, eid id.ID) (*domain.Session, error)
}

// Coordinator owns expert availability.
type Coordinator struct {
	store  Store
	cache  *expirable.LRU[string, domain.ExpertStatus]
	now    func() time.Time
	logger *slog.Logger
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithClock overrides time.Now for stored timestamps.
func WithClock(now func() time.Time) Option { return func(c *Coordinator) { c.now = now } }

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option { return func(c *Coordinator) { c.logger = logger } }

// New creates a Coordinator.
func New(store Store, cfg Config, opts ...Option) *Coordinator {
	def := DefaultConfig()
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = def.CacheTTL
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = def.CacheSize
	}
	c := &Coordinator{
		store:  store,
		cache:  expirable.NewLRU[string, domain.ExpertStatus](cfg.CacheSize, nil, cfg.CacheTTL),
		now:    time.Now,
		logger: slog.Default(),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// ─── Reads ──────────────────────────────────────────────────────────────────

// IsAvailable reports whether the expert can take a new session. It always
// reads the store.
func (c *Coordinator) IsAvailable(ctx context.Context, eid id.ID) (bool, error) {
	st, err := c.State(ctx, eid)
	if err != nil {
		return false, err
	}
	return st == domain.Online, nil
}

// State returns the expert's current tri-state from the store.
func (c *Coordinator) State(ctx context.Context, eid id.ID) (domain.Availability, error) {
	rec, err := c.store.GetAvailability(ctx, eid)
	if err != nil {
		return domain.Offline, err
	}
	return rec.State(), nil
}

// Record returns the raw stored record.
func (c *Coordinator) Record(ctx context.Context, eid id.ID) (*domain.AvailabilityRecord, error) {
	return c.store.GetAvailability(ctx, eid)
}

// Status returns the serialized view, served from the listing cache when
// possible. It may lag the store by up to the cache TTL if another instance
// wrote the record.
func (c *Coordinator) Status(ctx context.Context, eid id.ID) (domain.ExpertStatus, error) {
	if st, ok := c.cache.Get(eid.String()); ok {
		observability.AvailabilityCache.WithLabelValues("hit").Inc()
		return st, nil
	}
	observability.AvailabilityCache.WithLabelValues("miss").Inc()
	if _, err := c.store.GetExpert(ctx, eid); err != nil {
		return domain.ExpertStatus{}, err
	}
	rec, err := c.store.GetAvailability(ctx, eid)
	if err != nil {
		return domain.ExpertStatus{}, err
	}
	st := rec.Status()
	c.cache.Add(eid.String(), st)
	return st, nil
}

// ExpertListing pairs an expert profile with its cached status.
type ExpertListing struct {
	domain.Expert
	Status domain.ExpertStatus `json:"status"`
}

// List returns approved experts with their cached statuses. Misses are
// filled with one bulk read.
func (c *Coordinator) List(ctx context.Context, onlineOnly bool) ([]ExpertListing, error) {
	experts, err := c.store.ListExperts(ctx, true)
	if err != nil {
		return nil, err
	}
	var bulk map[string]domain.AvailabilityRecord
	out := make([]ExpertListing, 0, len(experts))
	for _, e := range experts {
		st, ok := c.cache.Get(e.ID.String())
		if ok {
			observability.AvailabilityCache.WithLabelValues("hit").Inc()
		} else {
			observability.AvailabilityCache.WithLabelValues("miss").Inc()
			if bulk == nil {
				if bulk, err = c.loadAll(ctx); err != nil {
					return nil, err
				}
			}
			rec, found := bulk[e.ID.String()]
			if !found {
				rec = domain.AvailabilityRecord{ExpertID: e.ID}
			}
			st = rec.Status()
			c.cache.Add(e.ID.String(), st)
		}
		if onlineOnly && !st.IsOnline {
			continue
		}
		out = append(out, ExpertListing{Expert: e, Status: st})
	}
	return out, nil
}

func (c *Coordinator) loadAll(ctx context.Context) (map[string]domain.AvailabilityRecord, error) {
	recs, err := c.store.ListAvailability(ctx)
	if err != nil {
		return nil, err
	}
	m := make(map[string]domain.AvailabilityRecord, len(recs))
	for _, r := range recs {
		m[r.ExpertID.String()] = r
	}
	return m, nil
}

// ─── Mutations ──────────────────────────────────────────────────────────────

// SetOnline sets the online flag. Going offline force-clears busy and the
// bound session.
func (c *Coordinator) SetOnline(ctx context.Context, eid id.ID, online bool) error {
	defer c.invalidate(eid)
	if _, err := c.store.GetExpert(ctx, eid); err != nil {
		return err
	}
	if err := c.store.SetOnline(ctx, eid, online, c.now()); err != nil {
		return err
	}
	c.logger.Info("expert availability set", "expert_id", eid.String(), "online", online)
	return nil
}

// SetBusy binds sid to the expert. It fails with ErrExpertUnavailable when
// the expert is offline or bound to another session.
func (c *Coordinator) SetBusy(ctx context.Context, eid, sid id.ID) error {
	defer c.invalidate(eid)
	ok, err := c.store.BindSession(ctx, eid, sid, c.now())
	if err != nil {
		return err
	}
	if !ok {
		observability.AvailabilityBindFailures.Inc()
		return domain.ErrExpertUnavailable
	}
	return nil
}

// Release frees the expert if sid still holds it. Releasing an expert that
// has already moved on is not an error.
func (c *Coordinator) Release(ctx context.Context, eid, sid id.ID) (bool, error) {
	defer c.invalidate(eid)
	return c.store.ReleaseSession(ctx, eid, sid, c.now())
}

// ReleaseWithRetry retries Release a few times and logs, rather than
// returns, a final failure. Used on cleanup paths where the primary error
// already describes the outcome.
func (c *Coordinator) ReleaseWithRetry(ctx context.Context, eid, sid id.ID, attempts int) {
	if attempts < 1 {
		attempts = 1
	}
	var err error
	for i := 0; i < attempts; i++ {
		if _, err = c.Release(ctx, eid, sid); err == nil {
			return
		}
		if ctx.Err() != nil {
			break
		}
	}
	c.logger.Error("release expert failed", "expert_id", eid.String(), "session_id", sid.String(),
		"attempts", attempts, "error", err)
}

// ForceRelease clears busy and the binding whatever session holds it.
func (c *Coordinator) ForceRelease(ctx context.Context, eid id.ID) error {
	defer c.invalidate(eid)
	return c.store.ClearBusy(ctx, eid, c.now())
}

// Heartbeat records that the expert is still connected.
func (c *Coordinator) Heartbeat(ctx context.Context, eid id.ID) error {
	defer c.invalidate(eid)
	return c.store.TouchLastSeen(ctx, eid, c.now())
}

// Disconnect handles the expert's transport connection closing. Outside a
// call the expert goes offline; during a call the record is left alone so
// a quick reconnect resumes the session.
func (c *Coordinator) Disconnect(ctx context.Context, eid id.ID, wasInActiveCall bool) error {
	if wasInActiveCall {
		return c.Heartbeat(ctx, eid)
	}
	return c.SetOnline(ctx, eid, false)
}

// Reconnect brings the expert back online and re-derives busy from the
// newest non-terminal session still bound to it.
func (c *Coordinator) Reconnect(ctx context.Context, eid id.ID) (domain.Availability, error) {
	if err := c.SetOnline(ctx, eid, true); err != nil {
		return domain.Offline, err
	}
	defer c.invalidate(eid)

	s, err := c.store.ActiveSessionForExpert(ctx, eid)
	switch {
	case err == nil:
		ok, err := c.store.BindSession(ctx, eid, s.ID, c.now())
		if err != nil {
			return domain.Offline, err
		}
		if !ok {
			// Bound to a different live session; leave it for the sweep.
			c.logger.Warn("reconnect found conflicting binding", "expert_id", eid.String(), "session_id", s.ID.String())
		}
	case errors.Is(err, domain.ErrSessionNotFound):
		if err := c.store.ClearBusy(ctx, eid, c.now()); err != nil {
			return domain.Offline, err
		}
	default:
		return domain.Offline, fmt.Errorf("reconnect: %w", err)
	}
	return c.State(ctx, eid)
}

func (c *Coordinator) invalidate(eid id.ID) { c.cache.Remove(eid.String()) }
