package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"strings"
	"testing"

	"github.com/expertline/expertline/internal/domain"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(io.Discard)
	rootCmd.SetArgs(args)
	err := rootCmd.ExecuteContext(context.Background())
	return out.String(), err
}

func useTempHome(t *testing.T) {
	t.Helper()
	t.Setenv("EXPERTLINE_HOME", t.TempDir())
	t.Setenv("EXPERTLINE_EVENTS_LOG", "false")
}

func TestCommandsRegistered(t *testing.T) {
	want := map[string]bool{"serve": false, "sweep": false, "migrate": false, "user": false, "expert": false}
	for _, c := range rootCmd.Commands() {
		if _, ok := want[c.Name()]; ok {
			want[c.Name()] = true
		}
	}
	for name, found := range want {
		if !found {
			t.Errorf("command %q not registered", name)
		}
	}
}

func TestUserAndAmount(t *testing.T) {
	if _, _, err := userAndAmount([]string{"nope", "5"}); err == nil {
		t.Error("bad user id should fail")
	}
}

func TestUserCreate_ThenBalanceAndCredit(t *testing.T) {
	useTempHome(t)

	out, err := run(t, "user", "create", "alice", "--balance", "50")
	if err != nil {
		t.Fatalf("user create: %v", err)
	}
	var u domain.User
	if err := json.Unmarshal([]byte(out), &u); err != nil {
		t.Fatalf("decode %q: %v", out, err)
	}
	if u.Balance != 50 {
		t.Fatalf("balance = %d, want 50", u.Balance)
	}

	if _, err := run(t, "user", "credit", u.ID.String(), "25"); err != nil {
		t.Fatalf("user credit: %v", err)
	}
	out, err = run(t, "user", "balance", u.ID.String())
	if err != nil {
		t.Fatalf("user balance: %v", err)
	}
	if strings.TrimSpace(out) != "75" {
		t.Errorf("balance output = %q, want 75", out)
	}

	out, err = run(t, "user", "entries", u.ID.String())
	if err != nil {
		t.Fatalf("user entries: %v", err)
	}
	if !strings.Contains(out, "opening balance") || !strings.Contains(out, "admin credit") {
		t.Errorf("entries output missing rows:\n%s", out)
	}
}

func TestExpertClaim_NothingToClaim(t *testing.T) {
	useTempHome(t)

	out, err := run(t, "user", "create", "bob", "--balance", "0")
	if err != nil {
		t.Fatalf("user create: %v", err)
	}
	var u domain.User
	json.Unmarshal([]byte(out), &u)

	out, err = run(t, "expert", "register", u.ID.String(), "--name", "Bob", "--rate", "10", "--approve")
	if err != nil {
		t.Fatalf("expert register: %v", err)
	}
	var ex domain.Expert
	if err := json.Unmarshal([]byte(out), &ex); err != nil {
		t.Fatalf("decode %q: %v", out, err)
	}
	if !ex.Approved || ex.RatePerMinute != 10 {
		t.Fatalf("expert = %+v", ex)
	}

	if _, err := run(t, "expert", "claim", ex.ID.String()); err == nil {
		t.Error("claim with no earnings should fail")
	}
}

func TestSweep_PrintsReport(t *testing.T) {
	useTempHome(t)
	out, err := run(t, "sweep")
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if !strings.HasPrefix(strings.TrimSpace(out), "{") {
		t.Errorf("sweep output = %q, want JSON report", out)
	}
}
