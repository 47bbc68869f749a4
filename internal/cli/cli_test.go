package cli_test

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/atmx/prediction-engine/internal/cli"
	"github.com/atmx/prediction-engine/internal/errs"
	"github.com/atmx/prediction-engine/internal/lifecycle"
	"github.com/atmx/prediction-engine/internal/model"
	"github.com/atmx/prediction-engine/internal/pnl"
)

// run executes predctl against in-memory backends.
func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	t.Setenv("PE_DATABASE_URL", "")
	t.Setenv("PE_REDIS_URL", "")

	cmd := cli.NewRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append([]string{"--quiet"}, args...))
	err := cmd.Execute()
	return out.String(), err
}

func TestDrain_EmptyQueue(t *testing.T) {
	out, err := run(t, "drain")
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if strings.TrimSpace(out) != "applied 0 events" {
		t.Errorf("output = %q", out)
	}
}

func TestFlush(t *testing.T) {
	out, err := run(t, "flush")
	if err != nil {
		t.Fatalf("flush: %v", err)
	}
	if strings.TrimSpace(out) != "flushed 0 orders" {
		t.Errorf("output = %q", out)
	}

	out, err = run(t, "flush", "--order", "o-missing")
	if err != nil {
		t.Fatalf("flush --order: %v", err)
	}
	if !strings.Contains(out, "flushed o-missing") {
		t.Errorf("output = %q", out)
	}
}

func TestEvaluate_NoAdvisors(t *testing.T) {
	out, err := run(t, "evaluate")
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	var res lifecycle.Result
	if err := json.Unmarshal([]byte(out), &res); err != nil {
		t.Fatalf("decode %q: %v", out, err)
	}
	if res != (lifecycle.Result{}) {
		t.Errorf("result = %+v, want zero", res)
	}
}

func TestStats_Empty(t *testing.T) {
	out, err := run(t, "stats", "adv1", "--from", "2026-10-01", "--as-of", "2026-10-19T20:00:00Z")
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	var s pnl.Summary
	if err := json.Unmarshal([]byte(out), &s); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if s.Net.Count != 0 || s.AsOf.IsZero() {
		t.Errorf("summary = %+v", s)
	}
}

func TestStats_BadFlags(t *testing.T) {
	if _, err := run(t, "stats", "adv1", "--from", "October"); !errs.IsValidation(err) {
		t.Errorf("bad --from: expected validation error, got %v", err)
	}
	if _, err := run(t, "stats", "adv1", "--as-of", "noon"); !errs.IsValidation(err) {
		t.Errorf("bad --as-of: expected validation error, got %v", err)
	}
	if _, err := run(t, "stats"); err == nil {
		t.Error("expected an error without an advisor")
	}
}

func TestAccountOpen(t *testing.T) {
	out, err := run(t, "account", "open", "adv1", "1000")
	if err != nil {
		t.Fatalf("account open: %v", err)
	}
	var acct model.Account
	if err := json.Unmarshal([]byte(out), &acct); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if acct.AdvisorID != "adv1" || acct.Cash.String() != "1000" {
		t.Errorf("account = %+v", acct)
	}

	if _, err := run(t, "account", "open", "adv1", "--", "-5"); !errs.IsValidation(err) {
		t.Errorf("negative cash: expected validation error, got %v", err)
	}
}

func TestPortfolio_UnknownAdvisor(t *testing.T) {
	if _, err := run(t, "portfolio", "nobody"); !errs.IsNotFound(err) {
		t.Errorf("expected not found, got %v", err)
	}
	if _, err := run(t, "account", "show", "nobody"); !errs.IsNotFound(err) {
		t.Errorf("expected not found, got %v", err)
	}
}
