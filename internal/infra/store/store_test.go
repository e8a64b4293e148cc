package store

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/expertline/expertline/internal/domain"
	"github.com/expertline/expertline/internal/id"
)

// ─── Helpers ────────────────────────────────────────────────────────────────

func newTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := OpenDir(t.TempDir())
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

var base = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func seedUser(t *testing.T, db *DB, balance int64) *domain.User {
	t.Helper()
	u, err := domain.NewUser("caller", balance, base)
	if err != nil {
		t.Fatalf("NewUser: %v", err)
	}
	if err := db.InsertUser(context.Background(), u); err != nil {
		t.Fatalf("InsertUser: %v", err)
	}
	return u
}

func seedExpert(t *testing.T, db *DB, rate int64) *domain.Expert {
	t.Helper()
	u := seedUser(t, db, 0)
	e, err := domain.NewExpert(u.ID, "expert", rate, base)
	if err != nil {
		t.Fatalf("NewExpert: %v", err)
	}
	e.Approved = true
	if err := db.InsertExpert(context.Background(), e); err != nil {
		t.Fatalf("InsertExpert: %v", err)
	}
	return e
}

func seedSession(t *testing.T, db *DB, state domain.SessionState) *domain.Session {
	t.Helper()
	caller := seedUser(t, db, 100)
	expert := seedExpert(t, db, 20)
	s := &domain.Session{
		ID:            id.NewSession(),
		CallerID:      caller.ID,
		ExpertID:      expert.ID,
		State:         state,
		RatePerMinute: expert.RatePerMinute,
		CreatedAt:     base,
		UpdatedAt:     base,
	}
	if err := db.InsertSession(context.Background(), s); err != nil {
		t.Fatalf("InsertSession: %v", err)
	}
	return s
}

// ─── Schema ─────────────────────────────────────────────────────────────────

func TestMigrations_TablesExist(t *testing.T) {
	db := newTestDB(t)
	tables := []string{"users", "experts", "sessions", "ledger_entries",
		"expert_availability", "roster_reports", "leases"}
	for _, table := range tables {
		var count int
		err := db.db.QueryRow(
			`SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?`, table,
		).Scan(&count)
		if err != nil {
			t.Fatalf("checking table %s: %v", table, err)
		}
		if count != 1 {
			t.Errorf("table %s not found", table)
		}
	}
}

func TestMigrate_Idempotent(t *testing.T) {
	db := newTestDB(t)
	if err := db.Migrate(context.Background()); err != nil {
		t.Fatalf("second Migrate: %v", err)
	}
}

func TestRebind(t *testing.T) {
	pg := conn{dialect: Postgres}
	got := pg.rebind(`UPDATE t SET a = ? WHERE id = ? AND b = ?`)
	want := `UPDATE t SET a = $1 WHERE id = $2 AND b = $3`
	if got != want {
		t.Errorf("rebind = %q, want %q", got, want)
	}
	lite := conn{dialect: SQLite}
	if q := `SELECT ?`; lite.rebind(q) != q {
		t.Error("sqlite queries must be left unchanged")
	}
}

// ─── Sessions ───────────────────────────────────────────────────────────────

func TestTransitionSession_CompareAndSet(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	s := seedSession(t, db, domain.StateInitiated)

	ok, err := db.TransitionSession(ctx, s.ID, domain.StateInitiated, domain.StateRinging, domain.SessionPatch{}, base.Add(time.Second))
	if err != nil || !ok {
		t.Fatalf("first transition = %v, %v", ok, err)
	}
	ok, err = db.TransitionSession(ctx, s.ID, domain.StateInitiated, domain.StateFailed, domain.SessionPatch{}, base.Add(2*time.Second))
	if err != nil {
		t.Fatalf("stale transition: %v", err)
	}
	if ok {
		t.Fatal("transition from a stale state must not apply")
	}

	got, err := db.GetSession(ctx, s.ID)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if got.State != domain.StateRinging {
		t.Errorf("state = %s, want ringing", got.State)
	}
	if !got.UpdatedAt.Equal(base.Add(time.Second)) {
		t.Errorf("updated_at = %v", got.UpdatedAt)
	}
}

func TestTransitionSession_WritesPatch(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	s := seedSession(t, db, domain.StateConnected)

	start := base.Add(time.Minute)
	end := start.Add(95 * time.Second)
	dur, mins, spent, debited, credit := int64(95), int64(2), int64(40), int64(40), int64(36)
	ok, err := db.TransitionSession(ctx, s.ID, domain.StateConnected, domain.StateSettled, domain.SessionPatch{
		StartedAt:       &start,
		EndedAt:         &end,
		DurationSeconds: &dur,
		Minutes:         &mins,
		TokensSpent:     &spent,
		TokensDebited:   &debited,
		ExpertCredit:    &credit,
		EndReason:       domain.ReasonCompleted,
		EndedBy:         domain.RoleCaller,
	}, end)
	if err != nil || !ok {
		t.Fatalf("transition = %v, %v", ok, err)
	}

	got, _ := db.GetSession(ctx, s.ID)
	if got.TokensSpent != 40 || got.ExpertCredit != 36 || got.Minutes != 2 || got.DurationSeconds != 95 {
		t.Errorf("billing = %+v", got)
	}
	if got.EndedAt == nil || !got.EndedAt.Equal(end) {
		t.Errorf("ended_at = %v", got.EndedAt)
	}
	if got.EndReason != domain.ReasonCompleted || got.EndedBy != domain.RoleCaller {
		t.Errorf("reason = %s by %s", got.EndReason, got.EndedBy)
	}
}

func TestGetSession_NotFound(t *testing.T) {
	db := newTestDB(t)
	_, err := db.GetSession(context.Background(), id.NewSession())
	if !domain.IsNotFound(err) {
		t.Errorf("expected not found, got %v", err)
	}
}

func TestListSessionsByState_Cutoff(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	old := seedSession(t, db, domain.StateRinging)
	fresh := seedSession(t, db, domain.StateRinging)
	db.TouchSession(ctx, fresh.ID, base.Add(time.Minute))

	got, err := db.ListSessionsByState(ctx, domain.StateRinging, base.Add(30*time.Second), 0)
	if err != nil {
		t.Fatalf("ListSessionsByState: %v", err)
	}
	if len(got) != 1 || !got[0].ID.Equal(old.ID) {
		t.Fatalf("got %d sessions, want only the stale one", len(got))
	}
}

func TestActiveSessionForExpert(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	s := seedSession(t, db, domain.StateConnected)

	got, err := db.ActiveSessionForExpert(ctx, s.ExpertID)
	if err != nil {
		t.Fatalf("ActiveSessionForExpert: %v", err)
	}
	if !got.ID.Equal(s.ID) {
		t.Errorf("got %s, want %s", got.ID, s.ID)
	}

	db.TransitionSession(ctx, s.ID, domain.StateConnected, domain.StateFailed, domain.SessionPatch{}, base)
	if _, err := db.ActiveSessionForExpert(ctx, s.ExpertID); !domain.IsNotFound(err) {
		t.Errorf("terminal session should not count, got %v", err)
	}
}

func TestRateSession_Once(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	s := seedSession(t, db, domain.StateSettled)

	ok, err := db.RateSession(ctx, s.ID, 5, "great", base)
	if err != nil || !ok {
		t.Fatalf("first rating = %v, %v", ok, err)
	}
	ok, _ = db.RateSession(ctx, s.ID, 1, "changed my mind", base)
	if ok {
		t.Error("second rating must not apply")
	}
}

// ─── Balances ───────────────────────────────────────────────────────────────

func TestCompareAndSetBalance(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	u := seedUser(t, db, 100)

	ok, err := db.CompareAndSetBalance(ctx, u.ID, 100, 60)
	if err != nil || !ok {
		t.Fatalf("CAS = %v, %v", ok, err)
	}
	ok, _ = db.CompareAndSetBalance(ctx, u.ID, 100, 20)
	if ok {
		t.Fatal("CAS with a stale balance must fail")
	}
	if _, err := db.CompareAndSetBalance(ctx, u.ID, 60, -1); err == nil {
		t.Fatal("negative balance must be rejected")
	}

	got, _ := db.GetUser(ctx, u.ID)
	if got.Balance != 60 {
		t.Errorf("balance = %d, want 60", got.Balance)
	}
}

func TestInsertEntry_OncePerSession(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	s := seedSession(t, db, domain.StateSettled)

	entry := func() *domain.LedgerEntry {
		return &domain.LedgerEntry{
			ID: id.NewEntry(), AccountID: s.CallerID, Bucket: domain.BucketBalance,
			Type: domain.EntryDebit, Amount: 40, BalanceBefore: 100, BalanceAfter: 60,
			SessionID: s.ID, CreatedAt: base,
		}
	}
	if err := db.InsertEntry(ctx, entry()); err != nil {
		t.Fatalf("first entry: %v", err)
	}
	if err := db.InsertEntry(ctx, entry()); err == nil {
		t.Fatal("second debit for the same session must be rejected")
	}

	entries, err := db.SessionEntries(ctx, s.ID)
	if err != nil {
		t.Fatalf("SessionEntries: %v", err)
	}
	if len(entries) != 1 || entries[0].Type != domain.EntryDebit || !entries[0].Consistent() {
		t.Errorf("entries = %+v", entries)
	}
}

func TestInsertEntry_RefundsMaySplit(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	s := seedSession(t, db, domain.StateSettled)

	for i, before := range []int64{60, 70} {
		e := &domain.LedgerEntry{
			ID: id.NewEntry(), AccountID: s.CallerID, Bucket: domain.BucketBalance,
			Type: domain.EntryRefund, Amount: 10, BalanceBefore: before, BalanceAfter: before + 10,
			SessionID: s.ID, CreatedAt: base,
		}
		if err := db.InsertEntry(ctx, e); err != nil {
			t.Fatalf("refund %d: %v", i, err)
		}
	}
	entries, err := db.SessionEntries(ctx, s.ID)
	if err != nil {
		t.Fatalf("SessionEntries: %v", err)
	}
	if len(entries) != 2 {
		t.Errorf("entries = %d, want 2 refunds", len(entries))
	}
}

func TestInTx_RollsBack(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	u := seedUser(t, db, 100)

	err := db.InTx(ctx, func(q domain.Queries) error {
		if _, err := q.CompareAndSetBalance(ctx, u.ID, 100, 0); err != nil {
			return err
		}
		return domain.ErrConcurrencyConflict
	})
	if err != domain.ErrConcurrencyConflict {
		t.Fatalf("InTx err = %v", err)
	}
	got, _ := db.GetUser(ctx, u.ID)
	if got.Balance != 100 {
		t.Errorf("balance = %d, want rollback to 100", got.Balance)
	}
}

// ─── Availability ───────────────────────────────────────────────────────────

func TestAvailability_BindRelease(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	e := seedExpert(t, db, 10)
	s1, s2 := id.NewSession(), id.NewSession()

	rec, _ := db.GetAvailability(ctx, e.ID)
	if rec.State() != domain.Offline {
		t.Fatalf("missing record should read offline, got %s", rec.State())
	}
	if ok, _ := db.BindSession(ctx, e.ID, s1, base); ok {
		t.Fatal("offline expert must not bind")
	}

	db.SetOnline(ctx, e.ID, true, base)
	if ok, err := db.BindSession(ctx, e.ID, s1, base); err != nil || !ok {
		t.Fatalf("bind = %v, %v", ok, err)
	}
	if ok, _ := db.BindSession(ctx, e.ID, s1, base); !ok {
		t.Error("rebinding the same session should be accepted")
	}
	if ok, _ := db.BindSession(ctx, e.ID, s2, base); ok {
		t.Fatal("second session must not bind a busy expert")
	}
	if ok, _ := db.ReleaseSession(ctx, e.ID, s2, base); ok {
		t.Fatal("release by a non-owning session must not apply")
	}
	if ok, _ := db.ReleaseSession(ctx, e.ID, s1, base); !ok {
		t.Fatal("release by the owning session should apply")
	}

	rec, _ = db.GetAvailability(ctx, e.ID)
	if rec.State() != domain.Online {
		t.Errorf("state = %s, want online", rec.State())
	}
}

func TestAvailability_OfflineClearsBusy(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	e := seedExpert(t, db, 10)

	db.SetOnline(ctx, e.ID, true, base)
	db.BindSession(ctx, e.ID, id.NewSession(), base)
	if err := db.SetOnline(ctx, e.ID, false, base); err != nil {
		t.Fatalf("SetOnline(false): %v", err)
	}
	rec, _ := db.GetAvailability(ctx, e.ID)
	if rec.Busy || !rec.SessionID.IsNil() || rec.Online {
		t.Errorf("record = %+v, want fully cleared", rec)
	}
}

// ─── Roster & Leases ────────────────────────────────────────────────────────

func TestLiveRoster_MergesFreshReports(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	s1, s2, e1 := id.NewSession(), id.NewSession(), id.NewExpert()

	r, err := db.LiveRoster(ctx, base)
	if err != nil {
		t.Fatalf("LiveRoster: %v", err)
	}
	if r.Complete {
		t.Error("roster with no reports must be incomplete")
	}

	db.PutRosterReport(ctx, "edge-a", domain.Roster{SessionIDs: []id.ID{s1}, ExpertIDs: []id.ID{e1}}, base)
	db.PutRosterReport(ctx, "edge-b", domain.Roster{SessionIDs: []id.ID{s1, s2}}, base)
	db.PutRosterReport(ctx, "edge-stale", domain.Roster{SessionIDs: []id.ID{id.NewSession()}}, base.Add(-time.Hour))

	r, err = db.LiveRoster(ctx, base.Add(-time.Minute))
	if err != nil {
		t.Fatalf("LiveRoster: %v", err)
	}
	if !r.Complete {
		t.Error("roster should be complete")
	}
	if len(r.SessionIDs) != 2 || !r.HasSession(s1) || !r.HasSession(s2) {
		t.Errorf("sessions = %v", r.SessionIDs)
	}
	if !r.HasExpert(e1) {
		t.Error("expert missing")
	}

	n, err := db.PruneRoster(ctx, base.Add(-time.Minute))
	if err != nil || n != 1 {
		t.Errorf("PruneRoster = %d, %v; want 1", n, err)
	}
}

func TestAcquireLease(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	ok, err := db.AcquireLease(ctx, "sweep", "a", base, base.Add(time.Minute))
	if err != nil || !ok {
		t.Fatalf("first acquire = %v, %v", ok, err)
	}
	if ok, _ := db.AcquireLease(ctx, "sweep", "b", base.Add(time.Second), base.Add(time.Minute)); ok {
		t.Fatal("b must not take an unexpired lease")
	}
	if ok, _ := db.AcquireLease(ctx, "sweep", "a", base.Add(time.Second), base.Add(2*time.Minute)); !ok {
		t.Fatal("holder should renew")
	}
	if ok, _ := db.AcquireLease(ctx, "sweep", "b", base.Add(3*time.Minute), base.Add(4*time.Minute)); !ok {
		t.Fatal("b should take an expired lease")
	}
}

// ─── PostgreSQL ─────────────────────────────────────────────────────────────

func TestPostgres_SmokeCAS(t *testing.T) {
	dsn := os.Getenv("EXPERTLINE_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("EXPERTLINE_TEST_POSTGRES_DSN not set")
	}
	ctx := context.Background()
	db, err := Open(ctx, Config{Driver: Postgres, DSN: dsn})
	if err != nil {
		t.Fatalf("open postgres: %v", err)
	}
	defer db.Close()

	u, _ := domain.NewUser("pg-caller", 50, base)
	if err := db.InsertUser(ctx, u); err != nil {
		t.Fatalf("InsertUser: %v", err)
	}
	if ok, err := db.CompareAndSetBalance(ctx, u.ID, 50, 10); err != nil || !ok {
		t.Fatalf("CAS = %v, %v", ok, err)
	}
	if ok, _ := db.CompareAndSetBalance(ctx, u.ID, 50, 0); ok {
		t.Fatal("stale CAS must fail")
	}
}
