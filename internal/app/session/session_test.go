package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/expertline/expertline/internal/app/availability"
	"github.com/expertline/expertline/internal/domain"
	"github.com/expertline/expertline/internal/id"
	"github.com/expertline/expertline/internal/infra/store"
)

// ─── Helpers ────────────────────────────────────────────────────────────────

var base = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

// clock is a settable time source shared by the engine and coordinator.
type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type harness struct {
	eng   *Engine
	avail *availability.Coordinator
	db    *store.DB
	clk   *clock
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	db, err := store.OpenDir(t.TempDir())
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	clk := &clock{now: base}
	avail := availability.New(db, availability.DefaultConfig(), availability.WithClock(clk.Now))
	eng := New(db, avail, cfg, WithClock(clk.Now))
	return &harness{eng: eng, avail: avail, db: db, clk: clk}
}

func (h *harness) user(t *testing.T, balance int64) id.ID {
	t.Helper()
	u, _ := domain.NewUser("caller", balance, base)
	if err := h.db.InsertUser(context.Background(), u); err != nil {
		t.Fatalf("InsertUser: %v", err)
	}
	return u.ID
}

// expert seeds an approved, online expert.
func (h *harness) expert(t *testing.T, rate int64) *domain.Expert {
	t.Helper()
	ctx := context.Background()
	e, _ := domain.NewExpert(h.user(t, 0), "Expert", rate, base)
	e.Approved = true
	if err := h.db.InsertExpert(ctx, e); err != nil {
		t.Fatalf("InsertExpert: %v", err)
	}
	if err := h.avail.SetOnline(ctx, e.ID, true); err != nil {
		t.Fatalf("SetOnline: %v", err)
	}
	return e
}

func (h *harness) balance(t *testing.T, uid id.ID) int64 {
	t.Helper()
	u, err := h.db.GetUser(context.Background(), uid)
	if err != nil {
		t.Fatalf("GetUser: %v", err)
	}
	return u.Balance
}

func (h *harness) unclaimed(t *testing.T, eid id.ID) int64 {
	t.Helper()
	e, err := h.db.GetExpert(context.Background(), eid)
	if err != nil {
		t.Fatalf("GetExpert: %v", err)
	}
	return e.Unclaimed
}

// connected drives a fresh session to Connected.
func (h *harness) connected(t *testing.T, caller id.ID, ex *domain.Expert) *domain.Session {
	t.Helper()
	ctx := context.Background()
	s, err := h.eng.Initiate(ctx, caller, ex.ID)
	if err != nil {
		t.Fatalf("Initiate: %v", err)
	}
	if _, err := h.eng.MarkRinging(ctx, s.ID); err != nil {
		t.Fatalf("MarkRinging: %v", err)
	}
	if _, err := h.eng.Accept(ctx, s.ID, ex.ID); err != nil {
		t.Fatalf("Accept: %v", err)
	}
	s, err = h.eng.Connect(ctx, s.ID)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	return s
}

func (h *harness) session(t *testing.T, sid id.ID) *domain.Session {
	t.Helper()
	s, err := h.db.GetSession(context.Background(), sid)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	return s
}

// assertBilledSpan checks that the stored timestamps account for every
// billed token.
func assertBilledSpan(t *testing.T, s *domain.Session) {
	t.Helper()
	if s.StartedAt == nil || s.EndedAt == nil {
		t.Fatalf("session %s missing started_at or ended_at", s.ID)
	}
	span := int64(s.EndedAt.Sub(*s.StartedAt) / time.Second)
	if span != s.DurationSeconds {
		t.Errorf("ended_at - started_at = %ds, duration = %ds", span, s.DurationSeconds)
	}
	if want := domain.BillableMinutes(span) * s.RatePerMinute; s.TokensSpent != want {
		t.Errorf("tokens spent = %d, want %d for %ds", s.TokensSpent, want, span)
	}
}

func (h *harness) availability(t *testing.T, eid id.ID) domain.Availability {
	t.Helper()
	a, err := h.avail.State(context.Background(), eid)
	if err != nil {
		t.Fatalf("State: %v", err)
	}
	return a
}

// ─── Initiate ───────────────────────────────────────────────────────────────

func TestInitiate_Guards(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	ctx := context.Background()
	ex := h.expert(t, 20)

	poor := h.user(t, 99)
	if _, err := h.eng.Initiate(ctx, poor, ex.ID); !errors.Is(err, domain.ErrInsufficientBalance) {
		t.Errorf("balance 99 at rate 20: err = %v, want ErrInsufficientBalance", err)
	}

	rich := h.user(t, 100)
	s, err := h.eng.Initiate(ctx, rich, ex.ID)
	if err != nil {
		t.Fatalf("Initiate at exact reserve: %v", err)
	}
	if s.State != domain.StateInitiated || s.RatePerMinute != 20 {
		t.Errorf("session = %s rate %d, want initiated rate 20", s.State, s.RatePerMinute)
	}
	if got := h.availability(t, ex.ID); got != domain.Online {
		t.Errorf("Initiate should not bind the expert, state = %s", got)
	}

	if _, err := h.eng.Initiate(ctx, ex.UserID, ex.ID); !errors.Is(err, domain.ErrValidation) {
		t.Errorf("self call: err = %v, want ErrValidation", err)
	}
	if _, err := h.eng.Initiate(ctx, rich, id.NewExpert()); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("unknown expert: err = %v, want ErrNotFound", err)
	}
}

func TestInitiate_ExpertNotOfferable(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	ctx := context.Background()
	caller := h.user(t, 1000)

	pending, _ := domain.NewExpert(h.user(t, 0), "Pending", 10, base)
	h.db.InsertExpert(ctx, pending)
	h.avail.SetOnline(ctx, pending.ID, true)
	if _, err := h.eng.Initiate(ctx, caller, pending.ID); !errors.Is(err, domain.ErrExpertNotApproved) {
		t.Errorf("unapproved: err = %v, want ErrExpertNotApproved", err)
	}

	offline := h.expert(t, 10)
	h.avail.SetOnline(ctx, offline.ID, false)
	if _, err := h.eng.Initiate(ctx, caller, offline.ID); !errors.Is(err, domain.ErrExpertUnavailable) {
		t.Errorf("offline: err = %v, want ErrExpertUnavailable", err)
	}

	busy := h.expert(t, 10)
	h.connected(t, caller, busy)
	if _, err := h.eng.Initiate(ctx, caller, busy.ID); !errors.Is(err, domain.ErrExpertUnavailable) {
		t.Errorf("busy: err = %v, want ErrExpertUnavailable", err)
	}
}

// ─── Settlement ─────────────────────────────────────────────────────────────

func TestEnd_Settlement(t *testing.T) {
	tests := []struct {
		name        string
		balance     int64 // balance while talking
		rate        int64
		talk        time.Duration
		wantSpent   int64
		wantDebited int64
		wantBalance int64
		wantCredit  int64
	}{
		{"covered", 100, 20, 95 * time.Second, 40, 40, 60, 36},
		{"clamped", 15, 20, 70 * time.Second, 40, 15, 0, 13},
		{"exact minute", 100, 20, 60 * time.Second, 20, 20, 80, 18},
		{"under a minute", 100, 10, 30 * time.Second, 10, 10, 90, 9},
		{"connected then ended at once", 100, 20, 0, 20, 20, 80, 18},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, DefaultConfig())
			ctx := context.Background()
			ex := h.expert(t, tt.rate)
			start := domain.Reserve(tt.rate)
			caller := h.user(t, start)
			s := h.connected(t, caller, ex)
			if tt.balance != start {
				if ok, err := h.db.CompareAndSetBalance(ctx, caller, start, tt.balance); !ok || err != nil {
					t.Fatalf("set balance: ok=%v err=%v", ok, err)
				}
			}

			h.clk.Advance(tt.talk)
			st, err := h.eng.End(ctx, s.ID, domain.RoleCaller)
			if err != nil {
				t.Fatalf("End: %v", err)
			}
			if st.State != domain.StateSettled {
				t.Errorf("state = %s, want settled", st.State)
			}
			if st.TokensSpent != tt.wantSpent || st.TokensDebited != tt.wantDebited {
				t.Errorf("spent/debited = %d/%d, want %d/%d", st.TokensSpent, st.TokensDebited, tt.wantSpent, tt.wantDebited)
			}
			if st.ExpertCredit != tt.wantCredit {
				t.Errorf("expert credit = %d, want %d", st.ExpertCredit, tt.wantCredit)
			}
			if st.CallerBalance != tt.wantBalance {
				t.Errorf("settlement balance = %d, want %d", st.CallerBalance, tt.wantBalance)
			}
			if got := h.balance(t, caller); got != tt.wantBalance {
				t.Errorf("stored balance = %d, want %d", got, tt.wantBalance)
			}
			if got := h.unclaimed(t, ex.ID); got != tt.wantCredit {
				t.Errorf("unclaimed = %d, want %d", got, tt.wantCredit)
			}
			if got := h.availability(t, ex.ID); got != domain.Online {
				t.Errorf("expert after settle = %s, want online", got)
			}
		})
	}
}

func TestEnd_Idempotent(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	ctx := context.Background()
	ex := h.expert(t, 20)
	caller := h.user(t, 100)
	s := h.connected(t, caller, ex)

	h.clk.Advance(95 * time.Second)
	first, err := h.eng.End(ctx, s.ID, domain.RoleCaller)
	if err != nil {
		t.Fatalf("first End: %v", err)
	}
	// A top-up between signals must not leak into the repeated summary.
	if ok, err := h.db.CompareAndSetBalance(ctx, caller, 60, 500); !ok || err != nil {
		t.Fatalf("top up: ok=%v err=%v", ok, err)
	}
	h.clk.Advance(time.Minute)
	second, err := h.eng.End(ctx, s.ID, domain.RoleExpert)
	if err != nil {
		t.Fatalf("second End: %v", err)
	}
	if first.CallerBalance != 60 {
		t.Errorf("first balance = %d, want 60", first.CallerBalance)
	}
	if second.State != first.State || second.DurationSeconds != first.DurationSeconds ||
		second.Minutes != first.Minutes || second.TokensSpent != first.TokensSpent ||
		second.TokensDebited != first.TokensDebited || second.ExpertCredit != first.ExpertCredit ||
		second.CallerBalance != first.CallerBalance || second.EndReason != first.EndReason {
		t.Errorf("second End = %+v, want %+v", second, first)
	}
	entries, err := h.db.SessionEntries(ctx, s.ID)
	if err != nil {
		t.Fatalf("SessionEntries: %v", err)
	}
	if len(entries) != 2 {
		t.Errorf("entries = %d, want one debit and one earnings credit", len(entries))
	}
	if got := h.balance(t, caller); got != 500 {
		t.Errorf("balance = %d, want 500", got)
	}
}

func TestEnd_ConcurrentSignalsBillOnce(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	ctx := context.Background()
	ex := h.expert(t, 20)
	caller := h.user(t, 100)
	s := h.connected(t, caller, ex)
	h.clk.Advance(95 * time.Second)

	var wg sync.WaitGroup
	results := make([]*domain.Settlement, 6)
	errs := make([]error, 6)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if i%2 == 0 {
				results[i], errs[i] = h.eng.End(ctx, s.ID, domain.RoleCaller)
			} else {
				results[i], errs[i] = h.eng.HandleDisconnect(ctx, s.ID, ex.ID, domain.RoleExpert)
			}
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil && !errors.Is(err, domain.ErrConcurrencyConflict) {
			t.Errorf("call %d: %v", i, err)
		}
	}
	if got := h.balance(t, caller); got != 60 {
		t.Errorf("balance = %d, want 60", got)
	}
	if got := h.unclaimed(t, ex.ID); got != 36 {
		t.Errorf("unclaimed = %d, want 36", got)
	}
}

func TestEnd_BeforeConnectIsFree(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	ctx := context.Background()
	ex := h.expert(t, 20)
	caller := h.user(t, 100)

	s, _ := h.eng.Initiate(ctx, caller, ex.ID)
	h.eng.MarkRinging(ctx, s.ID)
	h.eng.Accept(ctx, s.ID, ex.ID)
	h.clk.Advance(20 * time.Second)

	st, err := h.eng.End(ctx, s.ID, domain.RoleCaller)
	if err != nil {
		t.Fatalf("End: %v", err)
	}
	if st.State != domain.StateFailed || st.TokensSpent != 0 {
		t.Errorf("settlement = %s/%d tokens, want failed/0", st.State, st.TokensSpent)
	}
	if st.EndReason != domain.ReasonNotConnected {
		t.Errorf("reason = %s, want %s", st.EndReason, domain.ReasonNotConnected)
	}
	if got := h.balance(t, caller); got != 100 {
		t.Errorf("balance = %d, want 100", got)
	}
	if got := h.availability(t, ex.ID); got != domain.Online {
		t.Errorf("expert = %s, want online", got)
	}
}

func TestEnd_UnknownRole(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	if _, err := h.eng.End(context.Background(), id.NewSession(), domain.Role("bystander")); !errors.Is(err, domain.ErrValidation) {
		t.Errorf("err = %v, want ErrValidation", err)
	}
}

// ─── Transitions ────────────────────────────────────────────────────────────

func TestMarkRinging_ConcurrentCallersOneWins(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	ctx := context.Background()
	ex := h.expert(t, 10)

	const callers = 5
	sids := make([]id.ID, callers)
	for i := range sids {
		s, err := h.eng.Initiate(ctx, h.user(t, 100), ex.ID)
		if err != nil {
			t.Fatalf("Initiate %d: %v", i, err)
		}
		sids[i] = s.ID
	}

	var wg sync.WaitGroup
	errs := make([]error, callers)
	for i := range sids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = h.eng.MarkRinging(ctx, sids[i])
		}(i)
	}
	wg.Wait()

	won, lost := 0, 0
	for i, err := range errs {
		switch {
		case err == nil:
			won++
		case errors.Is(err, domain.ErrExpertUnavailable):
			lost++
			s, _ := h.eng.Get(ctx, sids[i])
			if s.State != domain.StateFailed {
				t.Errorf("losing session %d = %s, want failed", i, s.State)
			}
		default:
			t.Errorf("MarkRinging %d: %v", i, err)
		}
	}
	if won != 1 || lost != callers-1 {
		t.Errorf("won/lost = %d/%d, want 1/%d", won, lost, callers-1)
	}
	if got := h.availability(t, ex.ID); got != domain.Busy {
		t.Errorf("expert = %s, want busy", got)
	}
}

func TestAccept_OnlyBoundExpert(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	ctx := context.Background()
	ex := h.expert(t, 10)
	other := h.expert(t, 10)
	s, _ := h.eng.Initiate(ctx, h.user(t, 100), ex.ID)
	h.eng.MarkRinging(ctx, s.ID)

	if _, err := h.eng.Accept(ctx, s.ID, other.ID); !errors.Is(err, domain.ErrUnauthorized) {
		t.Errorf("foreign accept: err = %v, want ErrUnauthorized", err)
	}
	if _, err := h.eng.Accept(ctx, s.ID, ex.ID); err != nil {
		t.Fatalf("Accept: %v", err)
	}
	if _, err := h.eng.Accept(ctx, s.ID, ex.ID); !domain.IsInvalidTransition(err) {
		t.Errorf("second accept: err = %v, want invalid transition", err)
	}
}

func TestInvalidTransitions(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	ctx := context.Background()
	ex := h.expert(t, 10)
	s, _ := h.eng.Initiate(ctx, h.user(t, 100), ex.ID)

	if _, err := h.eng.Connect(ctx, s.ID); !domain.IsInvalidTransition(err) {
		t.Errorf("initiated -> connected: err = %v, want invalid transition", err)
	}
	if _, err := h.eng.Accept(ctx, s.ID, ex.ID); !domain.IsInvalidTransition(err) {
		t.Errorf("initiated -> accepted: err = %v, want invalid transition", err)
	}
	if _, err := h.eng.Reject(ctx, s.ID, ex.ID, "busy"); !domain.IsInvalidTransition(err) {
		t.Errorf("reject from initiated: err = %v, want invalid transition", err)
	}
	if _, err := h.eng.Fail(ctx, s.ID, domain.ReasonStale, ""); err != nil {
		t.Fatalf("Fail: %v", err)
	}
	if _, err := h.eng.MarkRinging(ctx, s.ID); !domain.IsInvalidTransition(err) {
		t.Errorf("failed -> ringing: err = %v, want invalid transition", err)
	}
	if _, err := h.eng.Fail(ctx, s.ID, domain.ReasonStale, ""); !domain.IsInvalidTransition(err) {
		t.Errorf("fail terminal: err = %v, want invalid transition", err)
	}
}

func TestReject_ReleasesExpert(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	ctx := context.Background()
	ex := h.expert(t, 10)
	caller := h.user(t, 100)
	s, _ := h.eng.Initiate(ctx, caller, ex.ID)
	h.eng.MarkRinging(ctx, s.ID)

	st, err := h.eng.Reject(ctx, s.ID, ex.ID, "in a meeting")
	if err != nil {
		t.Fatalf("Reject: %v", err)
	}
	if st.State != domain.StateRejected || st.TokensSpent != 0 {
		t.Errorf("settlement = %s/%d, want rejected/0", st.State, st.TokensSpent)
	}
	if got := h.availability(t, ex.ID); got != domain.Online {
		t.Errorf("expert = %s, want online", got)
	}
	if got := h.balance(t, caller); got != 100 {
		t.Errorf("balance = %d, want 100", got)
	}
}

func TestHandleTimeout(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	ctx := context.Background()
	ex := h.expert(t, 10)
	caller := h.user(t, 100)

	s, _ := h.eng.Initiate(ctx, caller, ex.ID)
	h.eng.MarkRinging(ctx, s.ID)
	st, err := h.eng.HandleTimeout(ctx, s.ID)
	if err != nil {
		t.Fatalf("HandleTimeout: %v", err)
	}
	if st.State != domain.StateMissed || st.EndReason != domain.ReasonTimeout {
		t.Errorf("settlement = %s/%s, want missed/timeout", st.State, st.EndReason)
	}
	if got := h.availability(t, ex.ID); got != domain.Online {
		t.Errorf("expert = %s, want online", got)
	}

	live := h.connected(t, caller, ex)
	if _, err := h.eng.HandleTimeout(ctx, live.ID); !domain.IsInvalidTransition(err) {
		t.Errorf("timeout on connected: err = %v, want invalid transition", err)
	}
}

func TestHandleDisconnect(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	ctx := context.Background()
	ex := h.expert(t, 10)
	caller := h.user(t, 100)
	s := h.connected(t, caller, ex)

	if _, err := h.eng.HandleDisconnect(ctx, s.ID, id.NewUser(), domain.RoleCaller); !errors.Is(err, domain.ErrUnauthorized) {
		t.Errorf("stranger disconnect: err = %v, want ErrUnauthorized", err)
	}

	h.clk.Advance(30 * time.Second)
	st, err := h.eng.HandleDisconnect(ctx, s.ID, caller, domain.RoleCaller)
	if err != nil {
		t.Fatalf("HandleDisconnect: %v", err)
	}
	if st.State != domain.StateSettled || st.TokensSpent != 10 {
		t.Errorf("settlement = %s/%d, want settled/10", st.State, st.TokensSpent)
	}
	if st.EndReason != domain.ReasonDisconnected {
		t.Errorf("reason = %s, want disconnected", st.EndReason)
	}
	if got := h.balance(t, caller); got != 90 {
		t.Errorf("balance = %d, want 90", got)
	}
}

func TestFail_ConnectedBillsToLastActivity(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	ctx := context.Background()
	ex := h.expert(t, 10)
	caller := h.user(t, 100)
	s := h.connected(t, caller, ex)

	h.clk.Advance(90 * time.Second)
	if err := h.eng.Heartbeat(ctx, s.ID); err != nil {
		t.Fatalf("Heartbeat: %v", err)
	}
	h.clk.Advance(10 * time.Minute)

	st, err := h.eng.Fail(ctx, s.ID, domain.ReasonStale, "no activity")
	if err != nil {
		t.Fatalf("Fail: %v", err)
	}
	if st.State != domain.StateFailed || st.DurationSeconds != 90 || st.TokensSpent != 20 {
		t.Errorf("settlement = %s %ds %d tokens, want failed 90s 20 tokens", st.State, st.DurationSeconds, st.TokensSpent)
	}
	if got := h.balance(t, caller); got != 80 {
		t.Errorf("balance = %d, want 80", got)
	}
	stored := h.session(t, s.ID)
	if stored.EndedAt == nil || !stored.EndedAt.Equal(base.Add(90*time.Second)) {
		t.Errorf("ended_at = %v, want last activity %v", stored.EndedAt, base.Add(90*time.Second))
	}
	assertBilledSpan(t, stored)
}

func TestFail_ConnectedWithoutActivityBillsFirstMinute(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	ctx := context.Background()
	ex := h.expert(t, 10)
	caller := h.user(t, 100)
	s := h.connected(t, caller, ex)

	h.clk.Advance(6 * time.Minute)
	st, err := h.eng.Fail(ctx, s.ID, domain.ReasonStale, "no activity")
	if err != nil {
		t.Fatalf("Fail: %v", err)
	}
	if st.DurationSeconds != 0 || st.TokensSpent != 10 {
		t.Errorf("settlement = %ds %d tokens, want 0s 10 tokens", st.DurationSeconds, st.TokensSpent)
	}
	stored := h.session(t, s.ID)
	if stored.EndedAt == nil || !stored.EndedAt.Equal(*stored.StartedAt) {
		t.Errorf("ended_at = %v, want started_at %v", stored.EndedAt, stored.StartedAt)
	}
	assertBilledSpan(t, stored)
}

// ─── Balance ────────────────────────────────────────────────────────────────

func TestCheckBalance_Tiers(t *testing.T) {
	h := newHarness(t, Config{AutoEndOnExhaustion: false})
	ctx := context.Background()
	ex := h.expert(t, 60)
	caller := h.user(t, 300)
	s := h.connected(t, caller, ex)

	if _, err := h.eng.CheckBalance(ctx, s.ID, id.NewUser()); !errors.Is(err, domain.ErrUnauthorized) {
		t.Errorf("foreign caller: err = %v, want ErrUnauthorized", err)
	}

	steps := []struct {
		at   time.Duration
		tier domain.WarningTier
	}{
		{0, domain.WarnNone},
		{3 * time.Minute, domain.WarnTwoMin},
		{4 * time.Minute, domain.WarnOneMin},
		{4*time.Minute + 40*time.Second, domain.WarnCritical},
	}
	elapsed := time.Duration(0)
	for _, st := range steps {
		h.clk.Advance(st.at - elapsed)
		elapsed = st.at
		bc, err := h.eng.CheckBalance(ctx, s.ID, caller)
		if err != nil {
			t.Fatalf("CheckBalance at %s: %v", st.at, err)
		}
		if bc.Tier != st.tier {
			t.Errorf("at %s tier = %s, want %s", st.at, bc.Tier, st.tier)
		}
		if bc.Exhausted || bc.Settlement != nil {
			t.Errorf("at %s: unexpected exhaustion", st.at)
		}
	}
}

func TestCheckBalance_AutoEnd(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	ctx := context.Background()
	ex := h.expert(t, 20)
	caller := h.user(t, 100)
	s := h.connected(t, caller, ex)

	h.clk.Advance(5*time.Minute + time.Second)
	bc, err := h.eng.CheckBalance(ctx, s.ID, caller)
	if err != nil {
		t.Fatalf("CheckBalance: %v", err)
	}
	if !bc.Exhausted || bc.Settlement == nil {
		t.Fatalf("check = %+v, want exhausted with settlement", bc)
	}
	if bc.Settlement.EndReason != domain.ReasonExhausted || bc.Settlement.TokensDebited != 100 {
		t.Errorf("settlement = %+v", bc.Settlement)
	}
	if got := h.balance(t, caller); got != 0 {
		t.Errorf("balance = %d, want 0", got)
	}

	if _, err := h.eng.CheckBalance(ctx, s.ID, caller); !errors.Is(err, domain.ErrNotConnected) {
		t.Errorf("after end: err = %v, want ErrNotConnected", err)
	}
}

// ─── Rating ─────────────────────────────────────────────────────────────────

func TestRate(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	ctx := context.Background()
	ex := h.expert(t, 10)
	caller := h.user(t, 100)
	s := h.connected(t, caller, ex)

	if err := h.eng.Rate(ctx, s.ID, caller, 5, ""); !errors.Is(err, domain.ErrNotSettled) {
		t.Errorf("rate live session: err = %v, want ErrNotSettled", err)
	}
	h.clk.Advance(time.Minute)
	h.eng.End(ctx, s.ID, domain.RoleCaller)

	if err := h.eng.Rate(ctx, s.ID, caller, 6, ""); !errors.Is(err, domain.ErrValidation) {
		t.Errorf("rating 6: err = %v, want ErrValidation", err)
	}
	if err := h.eng.Rate(ctx, s.ID, ex.UserID, 4, ""); !errors.Is(err, domain.ErrUnauthorized) {
		t.Errorf("expert rating own call: err = %v, want ErrUnauthorized", err)
	}
	if err := h.eng.Rate(ctx, s.ID, caller, 4, "clear answers"); err != nil {
		t.Fatalf("Rate: %v", err)
	}
	if err := h.eng.Rate(ctx, s.ID, caller, 5, ""); !errors.Is(err, domain.ErrAlreadyRated) {
		t.Errorf("second rating: err = %v, want ErrAlreadyRated", err)
	}
	got, _ := h.db.GetExpert(ctx, ex.ID)
	if got.RatingCount != 1 || got.RatingSum != 4 {
		t.Errorf("expert rating = %d/%d, want 1/4", got.RatingSum, got.RatingCount)
	}
}
