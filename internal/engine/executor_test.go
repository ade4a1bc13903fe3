package engine_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"

	"remedy/internal/domain"
	"remedy/internal/engine"
	"remedy/internal/repo"
)

func newTestExecutor(env testEnv) *engine.Executor {
	x := engine.NewExecutor(env.Engine, slog.New(slog.NewTextHandler(io.Discard, nil)))
	x.OwnerID = "test-worker"
	return x
}

func putLease(t *testing.T, env testEnv, l domain.Lease) {
	t.Helper()
	tx, err := env.Engine.DB.BeginTx(env.Ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := env.Engine.Repo.UpsertLeaseTx(env.Ctx, tx, l); err != nil {
		t.Fatalf("upsert lease: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}
}

// scriptedRemediator lets a test choose the outcome per call.
type scriptedRemediator struct {
	name   string
	typ    string
	remove func(ctx context.Context, value string) (domain.Outcome, error)
}

func (s scriptedRemediator) Name() string           { return s.name }
func (s scriptedRemediator) ObservableType() string { return s.typ }

func (s scriptedRemediator) Remove(ctx context.Context, value string) (domain.Outcome, error) {
	if s.remove == nil {
		return domain.Outcome{Status: domain.OutcomeSuccess}, nil
	}
	return s.remove(ctx, value)
}

func (s scriptedRemediator) Restore(ctx context.Context, value, restoreKey string) (domain.Outcome, error) {
	return domain.Outcome{Status: domain.OutcomeSuccess, Message: "restored " + value}, nil
}

func TestDrainCompletesQueuedRequests(t *testing.T) {
	env := newTestEnv(t)
	a, err := env.Engine.Create(env.Ctx, engine.CreateOptions{Type: "email", Value: "a@x.com", ActorID: "tester"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.Create(env.Ctx, engine.CreateOptions{Type: "email", Value: "b@x.com", ActorID: "tester"}); err != nil {
		t.Fatal(err)
	}
	x := newTestExecutor(env)
	n, err := x.Drain(env.Ctx)
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 executed, got %d", n)
	}
	got, err := env.Engine.Repo.GetRemediation(env.Ctx, a.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.StatusCompleted {
		t.Fatalf("expected COMPLETED, got %s", got.Status)
	}
	if got.Attempts != 1 {
		t.Fatalf("expected 1 attempt, got %d", got.Attempts)
	}
	if got.Result == nil || *got.Result != "simulated removal of email a@x.com" {
		t.Fatalf("unexpected result: %v", got.Result)
	}
	if got.RestoreKey == nil || *got.RestoreKey == "" {
		t.Fatalf("expected restore key captured from outcome")
	}
	if _, err := env.Engine.Repo.GetLease(env.Ctx, a.ID); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected lease released, got %v", err)
	}
	entries, err := env.Engine.Repo.ListHistory(env.Ctx, a.ID, 10, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 4 {
		t.Fatalf("expected 4 history entries, got %d", len(entries))
	}
	claim := entries[2]
	if claim.ToStatus != domain.StatusInProgress || !strings.HasPrefix(claim.Detail, "leased by ") {
		t.Fatalf("unexpected claim entry: %+v", claim)
	}
}

func TestDrainFailsWhenNoRemediatorMatches(t *testing.T) {
	env := newTestEnv(t)
	r, err := env.Engine.Create(env.Ctx, engine.CreateOptions{Type: "host", Value: "bad-host-01", ActorID: "tester"})
	if err != nil {
		t.Fatal(err)
	}
	forceStatus(t, env, r.ID, domain.StatusQueued, 0, "")
	x := newTestExecutor(env)
	if _, err := x.Drain(env.Ctx); err != nil {
		t.Fatalf("drain: %v", err)
	}
	got, err := env.Engine.Repo.GetRemediation(env.Ctx, r.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.StatusFailed {
		t.Fatalf("expected FAILED, got %s", got.Status)
	}
	if got.Result == nil || *got.Result != "no remediator available for type host" {
		t.Fatalf("unexpected result: %v", got.Result)
	}
}

func TestDrainResolvesRemediatorAtClaim(t *testing.T) {
	env := newTestEnv(t)
	r, err := env.Engine.Create(env.Ctx, engine.CreateOptions{Type: "host", Value: "bad-host-01", ActorID: "tester"})
	if err != nil {
		t.Fatal(err)
	}
	forceStatus(t, env, r.ID, domain.StatusQueued, 0, "")
	if err := env.Engine.Registry.Register(stubRemediator{name: "edr-sim", typ: "host"}); err != nil {
		t.Fatal(err)
	}
	x := newTestExecutor(env)
	if _, err := x.Drain(env.Ctx); err != nil {
		t.Fatalf("drain: %v", err)
	}
	got, err := env.Engine.Repo.GetRemediation(env.Ctx, r.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.StatusCompleted {
		t.Fatalf("expected COMPLETED, got %s", got.Status)
	}
	if got.Remediator != "edr-sim" {
		t.Fatalf("expected remediator fixed at claim, got %q", got.Remediator)
	}
}

func TestExecutionErrorFailsRequest(t *testing.T) {
	env := newTestEnv(t)
	rem := scriptedRemediator{name: "flaky", typ: "host", remove: func(ctx context.Context, value string) (domain.Outcome, error) {
		return domain.Outcome{}, errors.New("boom")
	}}
	if err := env.Engine.Registry.Register(rem); err != nil {
		t.Fatal(err)
	}
	r, err := env.Engine.Create(env.Ctx, engine.CreateOptions{Type: "host", Value: "h1", ActorID: "tester"})
	if err != nil {
		t.Fatal(err)
	}
	x := newTestExecutor(env)
	if _, err := x.Drain(env.Ctx); err != nil {
		t.Fatalf("drain: %v", err)
	}
	got, err := env.Engine.Repo.GetRemediation(env.Ctx, r.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.StatusFailed {
		t.Fatalf("expected FAILED, got %s", got.Status)
	}
	if got.Result == nil || *got.Result != "execution failure: boom" {
		t.Fatalf("unexpected result: %v", got.Result)
	}
}

func TestRemediatorReportedErrorFailsRequest(t *testing.T) {
	env := newTestEnv(t)
	rem := scriptedRemediator{name: "upstream", typ: "host", remove: func(ctx context.Context, value string) (domain.Outcome, error) {
		return domain.Outcome{Status: domain.OutcomeError, Message: "denied by upstream"}, nil
	}}
	if err := env.Engine.Registry.Register(rem); err != nil {
		t.Fatal(err)
	}
	r, err := env.Engine.Create(env.Ctx, engine.CreateOptions{Type: "host", Value: "h1", ActorID: "tester"})
	if err != nil {
		t.Fatal(err)
	}
	x := newTestExecutor(env)
	if _, err := x.Drain(env.Ctx); err != nil {
		t.Fatalf("drain: %v", err)
	}
	got, err := env.Engine.Repo.GetRemediation(env.Ctx, r.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.StatusFailed {
		t.Fatalf("expected FAILED, got %s", got.Status)
	}
	if got.Result == nil || *got.Result != "denied by upstream" {
		t.Fatalf("unexpected result: %v", got.Result)
	}
}

func TestRestoreRequestRunsInverseAction(t *testing.T) {
	env := newTestEnv(t)
	r, err := env.Engine.Create(env.Ctx, engine.CreateOptions{Type: "email", Value: "a@x.com", ActorID: "tester"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.DB.ExecContext(env.Ctx,
		`UPDATE remediations SET status='COMPLETED', restore_key='prov-1' WHERE id=?`, r.ID); err != nil {
		t.Fatal(err)
	}
	inv, changed, err := env.Engine.Restore(env.Ctx, r.ID, "operator")
	if err != nil || !changed {
		t.Fatalf("restore: changed=%v err=%v", changed, err)
	}
	x := newTestExecutor(env)
	if _, err := x.Drain(env.Ctx); err != nil {
		t.Fatalf("drain: %v", err)
	}
	got, err := env.Engine.Repo.GetRemediation(env.Ctx, inv.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.StatusCompleted {
		t.Fatalf("expected COMPLETED, got %s", got.Status)
	}
	if got.Result == nil || *got.Result != "simulated restore of email a@x.com" {
		t.Fatalf("unexpected result: %v", got.Result)
	}
}

func TestCancelDuringExecutionWins(t *testing.T) {
	env := newTestEnv(t)
	var targetID string
	rem := scriptedRemediator{name: "slow", typ: "host", remove: func(ctx context.Context, value string) (domain.Outcome, error) {
		// Operator cancels while the worker is mid-execution.
		if _, _, err := env.Engine.Cancel(context.Background(), targetID, "operator", ""); err != nil {
			t.Errorf("cancel during execution: %v", err)
		}
		return domain.Outcome{Status: domain.OutcomeSuccess, Message: "too late"}, nil
	}}
	if err := env.Engine.Registry.Register(rem); err != nil {
		t.Fatal(err)
	}
	r, err := env.Engine.Create(env.Ctx, engine.CreateOptions{Type: "host", Value: "h1", ActorID: "tester"})
	if err != nil {
		t.Fatal(err)
	}
	targetID = r.ID
	x := newTestExecutor(env)
	if _, err := x.Drain(env.Ctx); err != nil {
		t.Fatalf("drain: %v", err)
	}
	got, err := env.Engine.Repo.GetRemediation(env.Ctx, r.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.StatusCancelled {
		t.Fatalf("cancel must win over a late outcome, got %s", got.Status)
	}
	if got.Result == nil || *got.Result != "cancelled" {
		t.Fatalf("unexpected result: %v", got.Result)
	}
	entries, err := env.Engine.Repo.ListHistory(env.Ctx, r.ID, 10, 0)
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range entries {
		if e.ToStatus == domain.StatusCompleted {
			t.Fatalf("dropped outcome still reached history: %+v", e)
		}
	}
}

func TestSweepRequeuesExpiredLease(t *testing.T) {
	env := newTestEnv(t)
	r, err := env.Engine.Create(env.Ctx, engine.CreateOptions{Type: "email", Value: "a@x.com", ActorID: "tester"})
	if err != nil {
		t.Fatal(err)
	}
	forceStatus(t, env, r.ID, domain.StatusInProgress, 1, "")
	putLease(t, env, domain.Lease{
		RequestID:  r.ID,
		OwnerID:    "dead-worker",
		AcquiredAt: "2023-12-31T23:50:00Z",
		ExpiresAt:  "2023-12-31T23:55:00Z",
	})
	x := newTestExecutor(env)
	requeued, failed, err := x.Sweep(env.Ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if requeued != 1 || failed != 0 {
		t.Fatalf("expected 1 requeued 0 failed, got %d/%d", requeued, failed)
	}
	got, err := env.Engine.Repo.GetRemediation(env.Ctx, r.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.StatusQueued {
		t.Fatalf("expected QUEUED, got %s", got.Status)
	}
	if got.Attempts != 1 {
		t.Fatalf("requeue must keep the attempt count, got %d", got.Attempts)
	}
	if _, err := env.Engine.Repo.GetLease(env.Ctx, r.ID); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected lease gone, got %v", err)
	}
	entries, err := env.Engine.Repo.ListHistory(env.Ctx, r.ID, 10, 0)
	if err != nil {
		t.Fatal(err)
	}
	last := entries[len(entries)-1]
	if last.Detail != "lease held by dead-worker expired, requeued" {
		t.Fatalf("unexpected detail: %q", last.Detail)
	}
}

func TestSweepFailsExhaustedRequest(t *testing.T) {
	env := newTestEnv(t)
	r, err := env.Engine.Create(env.Ctx, engine.CreateOptions{Type: "email", Value: "a@x.com", ActorID: "tester"})
	if err != nil {
		t.Fatal(err)
	}
	forceStatus(t, env, r.ID, domain.StatusInProgress, 3, "")
	putLease(t, env, domain.Lease{
		RequestID:  r.ID,
		OwnerID:    "dead-worker",
		AcquiredAt: "2023-12-31T23:50:00Z",
		ExpiresAt:  "2023-12-31T23:55:00Z",
	})
	x := newTestExecutor(env)
	requeued, failed, err := x.Sweep(env.Ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if requeued != 0 || failed != 1 {
		t.Fatalf("expected 0 requeued 1 failed, got %d/%d", requeued, failed)
	}
	got, err := env.Engine.Repo.GetRemediation(env.Ctx, r.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.StatusFailed {
		t.Fatalf("expected FAILED, got %s", got.Status)
	}
	if got.Result == nil || *got.Result != "lease exhausted after 3 attempts" {
		t.Fatalf("unexpected result: %v", got.Result)
	}
}

func TestSweepKeepsLiveLease(t *testing.T) {
	env := newTestEnv(t)
	r, err := env.Engine.Create(env.Ctx, engine.CreateOptions{Type: "email", Value: "a@x.com", ActorID: "tester"})
	if err != nil {
		t.Fatal(err)
	}
	forceStatus(t, env, r.ID, domain.StatusInProgress, 1, "")
	putLease(t, env, domain.Lease{
		RequestID:  r.ID,
		OwnerID:    "live-worker",
		AcquiredAt: "2024-01-01T00:00:00Z",
		ExpiresAt:  "2024-01-01T00:05:00Z",
	})
	x := newTestExecutor(env)
	requeued, failed, err := x.Sweep(env.Ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if requeued != 0 || failed != 0 {
		t.Fatalf("live lease must be left alone, got %d/%d", requeued, failed)
	}
	got, err := env.Engine.Repo.GetRemediation(env.Ctx, r.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.StatusInProgress {
		t.Fatalf("status changed: %s", got.Status)
	}
}

func TestSweepDropsOrphanLease(t *testing.T) {
	env := newTestEnv(t)
	r, err := env.Engine.Create(env.Ctx, engine.CreateOptions{Type: "email", Value: "a@x.com", ActorID: "tester"})
	if err != nil {
		t.Fatal(err)
	}
	forceStatus(t, env, r.ID, domain.StatusCompleted, 1, "removed")
	putLease(t, env, domain.Lease{
		RequestID:  r.ID,
		OwnerID:    "dead-worker",
		AcquiredAt: "2023-12-31T23:50:00Z",
		ExpiresAt:  "2023-12-31T23:55:00Z",
	})
	x := newTestExecutor(env)
	requeued, failed, err := x.Sweep(env.Ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if requeued != 0 || failed != 0 {
		t.Fatalf("expected no state change, got %d/%d", requeued, failed)
	}
	if _, err := env.Engine.Repo.GetLease(env.Ctx, r.ID); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected stale lease dropped, got %v", err)
	}
	got, err := env.Engine.Repo.GetRemediation(env.Ctx, r.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.StatusCompleted {
		t.Fatalf("status changed: %s", got.Status)
	}
}
