package engine_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"remedy/internal/config"
	"remedy/internal/db"
	"remedy/internal/domain"
	"remedy/internal/engine"
	"remedy/internal/migrate"
	"remedy/internal/registry"
	"remedy/internal/repo"
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
}

// newTestEnv opens a real database in a temp workspace. The default config
// registers log remediators for email and file; host has no remediator.
func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default("remedy-test")
	reg, err := registry.FromConfig(cfg.Remediators)
	if err != nil {
		t.Fatalf("build registry: %v", err)
	}
	eng := engine.New(conn, cfg, reg)
	eng.Now = func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }
	return testEnv{Engine: eng, Ctx: context.Background()}
}

func forceStatus(t *testing.T, env testEnv, id, status string, attempts int, result string) {
	t.Helper()
	_, err := env.Engine.DB.ExecContext(env.Ctx,
		`UPDATE remediations SET status=?, attempts=?, result=? WHERE id=?`, status, attempts, result, id)
	if err != nil {
		t.Fatalf("force status: %v", err)
	}
}

func historyCount(t *testing.T, env testEnv, id string) int {
	t.Helper()
	n, err := env.Engine.Repo.CountHistory(env.Ctx, id)
	if err != nil {
		t.Fatalf("count history: %v", err)
	}
	return n
}

func TestCreateQueuesWhenRemediatorMatches(t *testing.T) {
	env := newTestEnv(t)
	r, err := env.Engine.Create(env.Ctx, engine.CreateOptions{Type: "email", Value: "evil@example.com", ActorID: "tester"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if r.Status != domain.StatusQueued {
		t.Fatalf("expected QUEUED, got %s", r.Status)
	}
	if r.Remediator != "mailbox-sim" {
		t.Fatalf("expected mailbox-sim, got %q", r.Remediator)
	}
	if r.Action != domain.ActionRemove {
		t.Fatalf("expected default action remove, got %s", r.Action)
	}
	entries, err := env.Engine.Repo.ListHistory(env.Ctx, r.ID, 10, 0)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 history entries, got %d", len(entries))
	}
	if entries[0].FromStatus != "" || entries[0].ToStatus != domain.StatusNew {
		t.Fatalf("first entry should be ''->NEW, got %s->%s", entries[0].FromStatus, entries[0].ToStatus)
	}
	if entries[1].FromStatus != domain.StatusNew || entries[1].ToStatus != domain.StatusQueued {
		t.Fatalf("second entry should be NEW->QUEUED, got %s->%s", entries[1].FromStatus, entries[1].ToStatus)
	}
}

func TestCreateStaysNewWithoutRemediator(t *testing.T) {
	env := newTestEnv(t)
	r, err := env.Engine.Create(env.Ctx, engine.CreateOptions{Type: "host", Value: "bad-host-01", ActorID: "tester"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if r.Status != domain.StatusNew {
		t.Fatalf("expected NEW, got %s", r.Status)
	}
	if r.Remediator != "" {
		t.Fatalf("expected no remediator, got %q", r.Remediator)
	}
	if n := historyCount(t, env, r.ID); n != 1 {
		t.Fatalf("expected 1 history entry, got %d", n)
	}
}

func TestCreateRejectsBadInput(t *testing.T) {
	env := newTestEnv(t)
	cases := []engine.CreateOptions{
		{Type: "", Value: "x", ActorID: "tester"},
		{Type: "email", Value: "", ActorID: "tester"},
		{Type: "mystery", Value: "x", ActorID: "tester"},
		{Type: "email", Value: "x", Action: "obliterate", ActorID: "tester"},
	}
	for _, opts := range cases {
		_, err := env.Engine.Create(env.Ctx, opts)
		var ve engine.ValidationError
		if !errors.As(err, &ve) {
			t.Fatalf("opts %+v: expected ValidationError, got %v", opts, err)
		}
	}
}

func TestBulkCreateCountsQueuedSeparately(t *testing.T) {
	env := newTestEnv(t)
	res, err := env.Engine.BulkCreate(env.Ctx, "email", "",
		[]string{"a@x.com", "b@x.com", "c@x.com", "d@x.com", "e@x.com"}, "tester")
	if err != nil {
		t.Fatalf("bulk: %v", err)
	}
	if res.Created != 5 || res.Queued != 5 {
		t.Fatalf("expected 5 created 5 queued, got %d/%d", res.Created, res.Queued)
	}
	if len(res.Failures) != 0 {
		t.Fatalf("unexpected failures: %v", res.Failures)
	}

	res, err = env.Engine.BulkCreate(env.Ctx, "host", "", []string{"h1", "h2", "h3"}, "tester")
	if err != nil {
		t.Fatalf("bulk unmatched: %v", err)
	}
	if res.Created != 3 || res.Queued != 0 {
		t.Fatalf("expected 3 created 0 queued, got %d/%d", res.Created, res.Queued)
	}

	if _, err := env.Engine.BulkCreate(env.Ctx, "mystery", "", []string{"x"}, "tester"); err == nil {
		t.Fatalf("expected unknown type error")
	}
}

func TestCancelQueuedRequest(t *testing.T) {
	env := newTestEnv(t)
	r, err := env.Engine.Create(env.Ctx, engine.CreateOptions{Type: "email", Value: "a@x.com", ActorID: "tester"})
	if err != nil {
		t.Fatal(err)
	}
	got, changed, err := env.Engine.Cancel(env.Ctx, r.ID, "operator", "false positive")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if !changed {
		t.Fatalf("expected cancel to apply")
	}
	if got.Status != domain.StatusCancelled {
		t.Fatalf("expected CANCELLED, got %s", got.Status)
	}
	if got.Result == nil || *got.Result != "false positive" {
		t.Fatalf("expected comment as result, got %v", got.Result)
	}
	if n := historyCount(t, env, r.ID); n != 3 {
		t.Fatalf("expected 3 history entries, got %d", n)
	}
}

func TestCancelTerminalIsNoOp(t *testing.T) {
	env := newTestEnv(t)
	r, err := env.Engine.Create(env.Ctx, engine.CreateOptions{Type: "email", Value: "a@x.com", ActorID: "tester"})
	if err != nil {
		t.Fatal(err)
	}
	if _, _, err := env.Engine.Cancel(env.Ctx, r.ID, "operator", ""); err != nil {
		t.Fatal(err)
	}
	before := historyCount(t, env, r.ID)
	got, changed, err := env.Engine.Cancel(env.Ctx, r.ID, "operator", "")
	if err != nil {
		t.Fatalf("second cancel: %v", err)
	}
	if changed {
		t.Fatalf("expected no-op on terminal request")
	}
	if got.Status != domain.StatusCancelled {
		t.Fatalf("status changed: %s", got.Status)
	}
	if after := historyCount(t, env, r.ID); after != before {
		t.Fatalf("no-op cancel wrote history: %d -> %d", before, after)
	}
}

func TestCancelRemovesLease(t *testing.T) {
	env := newTestEnv(t)
	r, err := env.Engine.Create(env.Ctx, engine.CreateOptions{Type: "email", Value: "a@x.com", ActorID: "tester"})
	if err != nil {
		t.Fatal(err)
	}
	forceStatus(t, env, r.ID, domain.StatusInProgress, 1, "")
	tx, err := env.Engine.DB.BeginTx(env.Ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	lease := domain.Lease{
		RequestID:  r.ID,
		OwnerID:    "worker-1",
		AcquiredAt: "2024-01-01T00:00:00Z",
		ExpiresAt:  "2024-01-01T00:05:00Z",
	}
	if err := env.Engine.Repo.UpsertLeaseTx(env.Ctx, tx, lease); err != nil {
		t.Fatalf("upsert lease: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}
	if _, changed, err := env.Engine.Cancel(env.Ctx, r.ID, "operator", ""); err != nil || !changed {
		t.Fatalf("cancel in progress: changed=%v err=%v", changed, err)
	}
	if _, err := env.Engine.Repo.GetLease(env.Ctx, r.ID); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected lease gone, got %v", err)
	}
}

func TestRetryResetsAttemptBudget(t *testing.T) {
	env := newTestEnv(t)
	r, err := env.Engine.Create(env.Ctx, engine.CreateOptions{Type: "email", Value: "a@x.com", ActorID: "tester"})
	if err != nil {
		t.Fatal(err)
	}
	forceStatus(t, env, r.ID, domain.StatusFailed, 3, "execution failure: boom")
	got, changed, err := env.Engine.Retry(env.Ctx, r.ID, "operator")
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if !changed {
		t.Fatalf("expected retry to apply")
	}
	if got.Status != domain.StatusQueued {
		t.Fatalf("expected QUEUED, got %s", got.Status)
	}
	if got.Attempts != 0 {
		t.Fatalf("expected attempts reset, got %d", got.Attempts)
	}
	if got.Result != nil {
		t.Fatalf("expected result cleared, got %v", *got.Result)
	}
	stored, err := env.Engine.Repo.GetRemediation(env.Ctx, r.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.Attempts != 0 || stored.Result != nil || stored.Status != domain.StatusQueued {
		t.Fatalf("stored row not reset: %+v", stored)
	}
}

func TestRetrySkipsRunningRequest(t *testing.T) {
	env := newTestEnv(t)
	r, err := env.Engine.Create(env.Ctx, engine.CreateOptions{Type: "email", Value: "a@x.com", ActorID: "tester"})
	if err != nil {
		t.Fatal(err)
	}
	forceStatus(t, env, r.ID, domain.StatusInProgress, 1, "")
	got, changed, err := env.Engine.Retry(env.Ctx, r.ID, "operator")
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if changed {
		t.Fatalf("expected no-op for IN_PROGRESS")
	}
	if got.Status != domain.StatusInProgress {
		t.Fatalf("status changed: %s", got.Status)
	}
}

type stubRemediator struct {
	name string
	typ  string
}

func (s stubRemediator) Name() string           { return s.name }
func (s stubRemediator) ObservableType() string { return s.typ }

func (s stubRemediator) Remove(ctx context.Context, value string) (domain.Outcome, error) {
	return domain.Outcome{Status: domain.OutcomeSuccess, Message: "removed " + value}, nil
}

func (s stubRemediator) Restore(ctx context.Context, value, restoreKey string) (domain.Outcome, error) {
	return domain.Outcome{Status: domain.OutcomeSuccess, Message: "restored " + value}, nil
}

func TestRetryResolvesPreviouslyUnmatchedType(t *testing.T) {
	env := newTestEnv(t)
	r, err := env.Engine.Create(env.Ctx, engine.CreateOptions{Type: "host", Value: "bad-host-01", ActorID: "tester"})
	if err != nil {
		t.Fatal(err)
	}
	if r.Status != domain.StatusNew {
		t.Fatalf("expected NEW before a host remediator exists")
	}
	if _, _, err := env.Engine.Cancel(env.Ctx, r.ID, "tester", ""); err != nil {
		t.Fatal(err)
	}
	if err := env.Engine.Registry.Register(stubRemediator{name: "edr-sim", typ: "host"}); err != nil {
		t.Fatal(err)
	}
	got, changed, err := env.Engine.Retry(env.Ctx, r.ID, "tester")
	if err != nil || !changed {
		t.Fatalf("retry after registering: changed=%v err=%v", changed, err)
	}
	if got.Remediator != "edr-sim" {
		t.Fatalf("expected re-resolved remediator, got %q", got.Remediator)
	}
	if got.Status != domain.StatusQueued {
		t.Fatalf("expected QUEUED, got %s", got.Status)
	}
}

func TestRestoreCreatesInverseRequest(t *testing.T) {
	env := newTestEnv(t)
	r, err := env.Engine.Create(env.Ctx, engine.CreateOptions{Type: "email", Value: "a@x.com", ActorID: "tester"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.DB.ExecContext(env.Ctx,
		`UPDATE remediations SET status='COMPLETED', result='removed', restore_key='prov-421' WHERE id=?`, r.ID); err != nil {
		t.Fatal(err)
	}
	inv, changed, err := env.Engine.Restore(env.Ctx, r.ID, "operator")
	if err != nil {
		t.Fatalf("restore: %v", err)
	}
	if !changed {
		t.Fatalf("expected restore to apply")
	}
	if inv.ID == r.ID {
		t.Fatalf("restore must create a new request")
	}
	if inv.Action != domain.ActionRestore {
		t.Fatalf("expected inverse action restore, got %s", inv.Action)
	}
	if inv.RestoreKey == nil || *inv.RestoreKey != "prov-421" {
		t.Fatalf("expected restore key carried over, got %v", inv.RestoreKey)
	}
	if inv.Status != domain.StatusQueued {
		t.Fatalf("expected new request queued, got %s", inv.Status)
	}
	orig, err := env.Engine.Repo.GetRemediation(env.Ctx, r.ID)
	if err != nil {
		t.Fatal(err)
	}
	if orig.Status != domain.StatusCompleted {
		t.Fatalf("original must stay COMPLETED, got %s", orig.Status)
	}
	entries, err := env.Engine.Repo.ListHistory(env.Ctx, r.ID, 10, 0)
	if err != nil {
		t.Fatal(err)
	}
	last := entries[len(entries)-1]
	if last.FromStatus != domain.StatusCompleted || last.ToStatus != domain.StatusCompleted {
		t.Fatalf("expected COMPLETED->COMPLETED audit entry, got %s->%s", last.FromStatus, last.ToStatus)
	}
}

func TestRestoreSkipsNonCompleted(t *testing.T) {
	env := newTestEnv(t)
	r, err := env.Engine.Create(env.Ctx, engine.CreateOptions{Type: "email", Value: "a@x.com", ActorID: "tester"})
	if err != nil {
		t.Fatal(err)
	}
	_, changed, err := env.Engine.Restore(env.Ctx, r.ID, "operator")
	if err != nil {
		t.Fatalf("restore: %v", err)
	}
	if changed {
		t.Fatalf("expected no-op for QUEUED request")
	}
}

func TestDeleteGuards(t *testing.T) {
	env := newTestEnv(t)
	fresh, err := env.Engine.Create(env.Ctx, engine.CreateOptions{Type: "host", Value: "h1", ActorID: "tester"})
	if err != nil {
		t.Fatal(err)
	}
	queued, err := env.Engine.Create(env.Ctx, engine.CreateOptions{Type: "email", Value: "a@x.com", ActorID: "tester"})
	if err != nil {
		t.Fatal(err)
	}
	if err := env.Engine.Delete(env.Ctx, fresh.ID); err != nil {
		t.Fatalf("delete NEW: %v", err)
	}
	if _, err := env.Engine.Repo.GetRemediation(env.Ctx, fresh.ID); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected request gone, got %v", err)
	}
	err = env.Engine.Delete(env.Ctx, queued.ID)
	if !errors.Is(err, engine.ErrInvalidStateForDelete) {
		t.Fatalf("expected ErrInvalidStateForDelete, got %v", err)
	}
	if _, _, err := env.Engine.Cancel(env.Ctx, queued.ID, "tester", ""); err != nil {
		t.Fatal(err)
	}
	if err := env.Engine.Delete(env.Ctx, queued.ID); err != nil {
		t.Fatalf("delete terminal: %v", err)
	}
	var n int
	if err := env.Engine.DB.QueryRowContext(env.Ctx,
		`SELECT count(*) FROM remediation_history WHERE request_id=?`, queued.ID).Scan(&n); err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Fatalf("expected history cascade on delete, %d rows left", n)
	}
}

func TestDeleteManyReportsBlockedIds(t *testing.T) {
	env := newTestEnv(t)
	a, _ := env.Engine.Create(env.Ctx, engine.CreateOptions{Type: "host", Value: "h1", ActorID: "tester"})
	b, _ := env.Engine.Create(env.Ctx, engine.CreateOptions{Type: "email", Value: "a@x.com", ActorID: "tester"})
	c, _ := env.Engine.Create(env.Ctx, engine.CreateOptions{Type: "host", Value: "h2", ActorID: "tester"})
	n, fails := env.Engine.DeleteMany(env.Ctx, []string{a.ID, b.ID, c.ID})
	if n != 2 {
		t.Fatalf("expected 2 deleted, got %d", n)
	}
	if len(fails) != 1 || fails[0].ID != b.ID {
		t.Fatalf("expected queued id reported, got %v", fails)
	}
	if _, err := env.Engine.Repo.GetRemediation(env.Ctx, b.ID); err != nil {
		t.Fatalf("blocked request must survive: %v", err)
	}
}

func TestCancelManySkipsAndCounts(t *testing.T) {
	env := newTestEnv(t)
	a, _ := env.Engine.Create(env.Ctx, engine.CreateOptions{Type: "email", Value: "a@x.com", ActorID: "tester"})
	b, _ := env.Engine.Create(env.Ctx, engine.CreateOptions{Type: "email", Value: "b@x.com", ActorID: "tester"})
	forceStatus(t, env, b.ID, domain.StatusCompleted, 1, "removed")
	n, fails := env.Engine.CancelMany(env.Ctx, []string{a.ID, b.ID, "nope"}, "operator", "")
	if n != 1 {
		t.Fatalf("expected 1 cancelled, got %d", n)
	}
	if len(fails) != 1 || fails[0].ID != "nope" {
		t.Fatalf("expected unknown id failure only, got %v", fails)
	}
}
