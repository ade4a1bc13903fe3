package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"remedy/internal/domain"
	"remedy/internal/registry"
	"remedy/internal/repo"
)

const sweepBatch = 50

// Executor drives queued requests to a terminal status. A single dispatcher
// claims the oldest QUEUED request under a lease and hands it to a bounded
// pool of workers; a sweeper reclaims leases whose deadline passed, either
// requeueing the request or failing it once the attempt budget is spent.
type Executor struct {
	Engine  Engine
	OwnerID string
	Log     *slog.Logger
}

func NewExecutor(e Engine, log *slog.Logger) *Executor {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "worker"
	}
	if log == nil {
		log = slog.Default()
	}
	return &Executor{
		Engine:  e,
		OwnerID: fmt.Sprintf("%s-%d-%s", host, os.Getpid(), uuid.NewString()[:8]),
		Log:     log.With("component", "executor", "owner", fmt.Sprintf("%s-%d", host, os.Getpid())),
	}
}

// Run blocks until ctx is cancelled. Claims stop immediately on cancel;
// executions already handed to a worker run to completion, bounded by the
// execute timeout.
func (x *Executor) Run(ctx context.Context) error {
	cfg := x.Engine.Config
	workers := cfg.Engine.Workers
	if workers < 1 {
		workers = 1
	}
	jobs := make(chan domain.Remediation)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for r := range jobs {
				x.execute(ctx, r)
			}
		}(i)
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		x.sweepLoop(ctx)
	}()
	x.Log.Info("executor started", "workers", workers, "poll_interval", cfg.PollInterval().String(), "lease_ttl", cfg.LeaseTTL().String())

	poll := time.NewTicker(cfg.PollInterval())
	defer poll.Stop()
	for {
	claim:
		for {
			r, ok, err := x.claimNext(ctx)
			if err != nil {
				x.Log.Error("claim failed", "error", err)
				break
			}
			if !ok {
				break
			}
			select {
			case jobs <- r:
			case <-ctx.Done():
				x.release(r.ID, "requeued on shutdown")
				break claim
			}
		}
		select {
		case <-ctx.Done():
			close(jobs)
			wg.Wait()
			x.Log.Info("executor stopped")
			return nil
		case <-poll.C:
		}
	}
}

// Drain claims and executes synchronously until the queue is empty,
// returning the number of requests processed.
func (x *Executor) Drain(ctx context.Context) (int, error) {
	var n int
	for {
		r, ok, err := x.claimNext(ctx)
		if err != nil {
			return n, err
		}
		if !ok {
			return n, nil
		}
		x.execute(ctx, r)
		n++
	}
}

// claimNext atomically moves the oldest QUEUED request to IN_PROGRESS under
// a lease. A request still unmatched at claim time is resolved against the
// current registry; its remediator is fixed from that point on.
func (x *Executor) claimNext(ctx context.Context) (domain.Remediation, bool, error) {
	e := x.Engine
	r, err := e.Repo.NextQueued(ctx)
	if errors.Is(err, repo.ErrNotFound) {
		return domain.Remediation{}, false, nil
	}
	if err != nil {
		return domain.Remediation{}, false, err
	}
	remediator := r.Remediator
	if remediator == "" {
		if rem, ok := e.Registry.Resolve(r.Type); ok {
			remediator = rem.Name()
		}
	}
	now := e.now().UTC()
	nowStr := now.Format(time.RFC3339)

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Remediation{}, false, err
	}
	defer tx.Rollback()

	ok, err := e.Repo.TransitionTx(ctx, tx, r.ID, domain.StatusQueued, domain.StatusInProgress, nowStr)
	if err != nil {
		return domain.Remediation{}, false, err
	}
	if !ok {
		// Another dispatcher claimed it first; the next poll moves on.
		return domain.Remediation{}, false, nil
	}
	if remediator != r.Remediator {
		if err := e.Repo.SetRemediatorTx(ctx, tx, r.ID, remediator); err != nil {
			return domain.Remediation{}, false, err
		}
	}
	if err := e.Repo.IncrementAttemptsTx(ctx, tx, r.ID); err != nil {
		return domain.Remediation{}, false, err
	}
	if err := e.Repo.UpsertLeaseTx(ctx, tx, domain.Lease{
		RequestID:  r.ID,
		OwnerID:    x.OwnerID,
		AcquiredAt: nowStr,
		ExpiresAt:  now.Add(e.Config.LeaseTTL()).Format(time.RFC3339),
	}); err != nil {
		return domain.Remediation{}, false, err
	}
	if err := e.History.Append(ctx, tx, r.ID, domain.StatusQueued, domain.StatusInProgress, x.OwnerID, fmt.Sprintf("leased by %s", x.OwnerID)); err != nil {
		return domain.Remediation{}, false, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Remediation{}, false, err
	}
	r.Status = domain.StatusInProgress
	r.Remediator = remediator
	r.Attempts++
	r.UpdatedAt = nowStr
	return r, true, nil
}

// execute invokes the remediator under the configured timeout and writes
// the terminal outcome.
func (x *Executor) execute(ctx context.Context, r domain.Remediation) {
	e := x.Engine
	rem, ok := x.resolve(r)
	if !ok {
		x.finalize(r.ID, domain.StatusFailed, fmt.Sprintf("no remediator available for type %s", r.Type), nil)
		return
	}
	log := x.Log.With("id", r.ID, "type", r.Type, "action", r.Action, "remediator", rem.Name(), "attempt", r.Attempts)
	log.Info("executing")

	// In-flight executions survive shutdown, bounded by the timeout.
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.Config.ExecuteTimeout())
	defer cancel()

	var out domain.Outcome
	var err error
	switch r.Action {
	case domain.ActionRestore:
		var key string
		if r.RestoreKey != nil {
			key = *r.RestoreKey
		}
		out, err = rem.Restore(cctx, r.Value, key)
	default:
		out, err = rem.Remove(cctx, r.Value)
	}
	if err != nil {
		log.Error("execution failure", "error", err)
		x.finalize(r.ID, domain.StatusFailed, fmt.Sprintf("execution failure: %v", err), nil)
		return
	}
	if out.Status == domain.OutcomeError {
		log.Warn("remediator reported error", "message", out.Message)
		x.finalize(r.ID, domain.StatusFailed, out.Message, nil)
		return
	}
	var restoreKey *string
	if out.RestoreKey != "" {
		k := out.RestoreKey
		restoreKey = &k
	}
	log.Info("completed", "message", out.Message)
	x.finalize(r.ID, domain.StatusCompleted, out.Message, restoreKey)
}

func (x *Executor) resolve(r domain.Remediation) (registry.Remediator, bool) {
	if r.Remediator != "" {
		if rem, ok := x.Engine.Registry.ForName(r.Remediator); ok {
			return rem, true
		}
	}
	return x.Engine.Registry.Resolve(r.Type)
}

// finalize writes the terminal outcome, but only while this executor still
// owns the lease and the request is still IN_PROGRESS. A cancel or a sweeper
// reclaim that got there first wins and the outcome is dropped.
func (x *Executor) finalize(id, to, result string, restoreKey *string) {
	e := x.Engine
	ctx := context.Background()
	now := e.now().UTC().Format(time.RFC3339)

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		x.Log.Error("finalize failed", "id", id, "error", err)
		return
	}
	defer tx.Rollback()

	lease, err := e.Repo.GetLeaseTx(ctx, tx, id)
	if err != nil && !errors.Is(err, repo.ErrNotFound) {
		x.Log.Error("finalize failed", "id", id, "error", err)
		return
	}
	if err == nil && lease.OwnerID != x.OwnerID {
		x.Log.Warn("lease reassigned, dropping outcome", "id", id, "status", to, "holder", lease.OwnerID)
		return
	}
	ok, err := e.Repo.FinalizeTx(ctx, tx, id, to, result, restoreKey, now)
	if err != nil {
		x.Log.Error("finalize failed", "id", id, "error", err)
		return
	}
	if !ok {
		x.Log.Warn("request no longer in progress, dropping outcome", "id", id, "status", to)
		return
	}
	if err := e.Repo.DeleteLeaseTx(ctx, tx, id); err != nil {
		x.Log.Error("finalize failed", "id", id, "error", err)
		return
	}
	if err := e.History.Append(ctx, tx, id, domain.StatusInProgress, to, x.OwnerID, result); err != nil {
		x.Log.Error("finalize failed", "id", id, "error", err)
		return
	}
	if err := tx.Commit(); err != nil {
		x.Log.Error("finalize failed", "id", id, "error", err)
	}
}

// release puts a claimed but never executed request back on the queue.
func (x *Executor) release(id, detail string) {
	e := x.Engine
	ctx := context.Background()
	now := e.now().UTC().Format(time.RFC3339)

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		x.Log.Error("release failed", "id", id, "error", err)
		return
	}
	defer tx.Rollback()
	ok, err := e.Repo.TransitionTx(ctx, tx, id, domain.StatusInProgress, domain.StatusQueued, now)
	if err != nil || !ok {
		return
	}
	if err := e.Repo.DeleteLeaseTx(ctx, tx, id); err != nil {
		return
	}
	if err := e.History.Append(ctx, tx, id, domain.StatusInProgress, domain.StatusQueued, x.OwnerID, detail); err != nil {
		return
	}
	if err := tx.Commit(); err != nil {
		x.Log.Error("release failed", "id", id, "error", err)
	}
}

func (x *Executor) sweepLoop(ctx context.Context) {
	t := time.NewTicker(x.Engine.Config.SweepInterval())
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			requeued, failed, err := x.Sweep(ctx)
			if err != nil {
				x.Log.Error("sweep failed", "error", err)
			} else if requeued > 0 || failed > 0 {
				x.Log.Info("sweep reclaimed leases", "requeued", requeued, "failed", failed)
			}
		}
	}
}

// Sweep reclaims expired leases. Requests with attempts left go back to
// QUEUED keeping their attempt count; the rest are failed for good.
func (x *Executor) Sweep(ctx context.Context) (requeued, failed int, err error) {
	e := x.Engine
	nowStr := e.now().UTC().Format(time.RFC3339)
	leases, err := e.Repo.ExpiredLeases(ctx, nowStr, sweepBatch)
	if err != nil {
		return 0, 0, err
	}
	for _, l := range leases {
		r, err := e.Repo.GetRemediation(ctx, l.RequestID)
		if errors.Is(err, repo.ErrNotFound) {
			x.dropLease(ctx, l.RequestID)
			continue
		}
		if err != nil {
			return requeued, failed, err
		}
		if r.Status != domain.StatusInProgress {
			// Stale lease row left behind by a lost race.
			x.dropLease(ctx, l.RequestID)
			continue
		}
		if r.Attempts >= e.Config.Engine.MaxAttempts {
			if err := x.failExhausted(ctx, r, nowStr); err != nil {
				return requeued, failed, err
			}
			failed++
			continue
		}
		if err := x.requeueExpired(ctx, r, l, nowStr); err != nil {
			return requeued, failed, err
		}
		requeued++
	}
	return requeued, failed, nil
}

func (x *Executor) requeueExpired(ctx context.Context, r domain.Remediation, l domain.Lease, now string) error {
	e := x.Engine
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	ok, err := e.Repo.TransitionTx(ctx, tx, r.ID, domain.StatusInProgress, domain.StatusQueued, now)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	if err := e.Repo.DeleteLeaseTx(ctx, tx, r.ID); err != nil {
		return err
	}
	if err := e.History.Append(ctx, tx, r.ID, domain.StatusInProgress, domain.StatusQueued, x.OwnerID,
		fmt.Sprintf("lease held by %s expired, requeued", l.OwnerID)); err != nil {
		return err
	}
	return tx.Commit()
}

func (x *Executor) failExhausted(ctx context.Context, r domain.Remediation, now string) error {
	e := x.Engine
	result := fmt.Sprintf("lease exhausted after %d attempts", r.Attempts)
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	ok, err := e.Repo.FinalizeTx(ctx, tx, r.ID, domain.StatusFailed, result, nil, now)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	if err := e.Repo.DeleteLeaseTx(ctx, tx, r.ID); err != nil {
		return err
	}
	if err := e.History.Append(ctx, tx, r.ID, domain.StatusInProgress, domain.StatusFailed, x.OwnerID, result); err != nil {
		return err
	}
	return tx.Commit()
}

func (x *Executor) dropLease(ctx context.Context, requestID string) {
	tx, err := x.Engine.DB.BeginTx(ctx, nil)
	if err != nil {
		return
	}
	defer tx.Rollback()
	if err := x.Engine.Repo.DeleteLeaseTx(ctx, tx, requestID); err != nil {
		return
	}
	_ = tx.Commit()
}
