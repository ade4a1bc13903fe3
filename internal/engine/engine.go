package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"remedy/internal/config"
	"remedy/internal/domain"
	"remedy/internal/history"
	"remedy/internal/registry"
	"remedy/internal/repo"
)

// ErrInvalidStateForDelete is returned when a delete targets a request that
// is queued or executing. Deletion is only allowed before queueing or after
// a terminal status.
var ErrInvalidStateForDelete = errors.New("invalid state for delete")

// ValidationError rejects malformed input before anything is persisted.
type ValidationError struct {
	Msg string
}

func (e ValidationError) Error() string {
	return e.Msg
}

type Engine struct {
	DB       *sql.DB
	Repo     repo.Repo
	History  history.Writer
	Registry *registry.Registry
	Config   *config.Config
	Now      func() time.Time
}

func New(db *sql.DB, cfg *config.Config, reg *registry.Registry) Engine {
	return Engine{
		DB:       db,
		Repo:     repo.Repo{DB: db},
		History:  history.Writer{DB: db},
		Registry: reg,
		Config:   cfg,
		Now:      time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func ensureTransition(from, to string) error {
	switch from {
	case domain.StatusNew:
		if to == domain.StatusQueued || to == domain.StatusCancelled {
			return nil
		}
	case domain.StatusQueued:
		if to == domain.StatusInProgress || to == domain.StatusCancelled {
			return nil
		}
	case domain.StatusInProgress:
		if to == domain.StatusCompleted || to == domain.StatusFailed || to == domain.StatusCancelled {
			return nil
		}
	case domain.StatusFailed, domain.StatusCancelled:
		if to == domain.StatusQueued {
			return nil
		}
	}
	return fmt.Errorf("invalid remediation status transition %s -> %s", from, to)
}

// CreateOptions are parameters for creating a remediation request.
type CreateOptions struct {
	ID         string
	Type       string
	Value      string
	Action     string
	RestoreKey string
	ActorID    string
	Detail     string
}

// Create persists a request as NEW and immediately queues it when a
// registered remediator serves the observable type. An unmatched type is not
// an error; the request stays NEW until a matching remediator appears and it
// is retried or requeued.
func (e Engine) Create(ctx context.Context, opts CreateOptions) (domain.Remediation, error) {
	if e.Config == nil {
		return domain.Remediation{}, errors.New("config not loaded")
	}
	if opts.Type == "" {
		return domain.Remediation{}, ValidationError{Msg: "observable type is required"}
	}
	if opts.Value == "" {
		return domain.Remediation{}, ValidationError{Msg: "observable value is required"}
	}
	if !e.Config.ObservableTypeKnown(opts.Type) {
		return domain.Remediation{}, ValidationError{Msg: fmt.Sprintf("unknown observable type %s", opts.Type)}
	}
	if opts.Action == "" {
		opts.Action = domain.ActionRemove
	}
	if opts.Action != domain.ActionRemove && opts.Action != domain.ActionRestore {
		return domain.Remediation{}, ValidationError{Msg: fmt.Sprintf("unknown action %s", opts.Action)}
	}
	id := opts.ID
	if id == "" {
		id = uuid.NewString()
	}
	now := e.now().UTC().Format(time.RFC3339)
	r := domain.Remediation{
		ID:        id,
		Type:      opts.Type,
		Value:     opts.Value,
		Action:    opts.Action,
		Status:    domain.StatusNew,
		CreatedBy: opts.ActorID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if opts.RestoreKey != "" {
		k := opts.RestoreKey
		r.RestoreKey = &k
	}

	rem, matched := e.Registry.Resolve(opts.Type)

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Remediation{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.InsertRemediationTx(ctx, tx, r); err != nil {
		return domain.Remediation{}, fmt.Errorf("insert remediation: %w", err)
	}
	detail := opts.Detail
	if detail == "" {
		detail = "created"
	}
	if err := e.History.Append(ctx, tx, r.ID, "", domain.StatusNew, opts.ActorID, detail); err != nil {
		return domain.Remediation{}, err
	}
	if matched {
		ok, err := e.Repo.QueueTx(ctx, tx, r.ID, rem.Name(), now)
		if err != nil {
			return domain.Remediation{}, err
		}
		if ok {
			if err := e.History.Append(ctx, tx, r.ID, domain.StatusNew, domain.StatusQueued, opts.ActorID, fmt.Sprintf("queued for %s", rem.Name())); err != nil {
				return domain.Remediation{}, err
			}
			r.Status = domain.StatusQueued
			r.Remediator = rem.Name()
		}
	}
	if err := tx.Commit(); err != nil {
		return domain.Remediation{}, err
	}
	return r, nil
}

// OpFailure records a per-item error from a bulk operation.
type OpFailure struct {
	ID    string `json:"id"`
	Error string `json:"error"`
}

// BulkResult summarizes a bulk create. Created counts every persisted
// request, matched or not.
type BulkResult struct {
	Created  int         `json:"created"`
	Queued   int         `json:"queued"`
	Failures []OpFailure `json:"failures,omitempty"`
}

// BulkCreate creates one request per value. Values are processed
// independently; a failure on one value does not affect its siblings.
func (e Engine) BulkCreate(ctx context.Context, observableType, action string, values []string, actorID string) (BulkResult, error) {
	if e.Config == nil {
		return BulkResult{}, errors.New("config not loaded")
	}
	if observableType == "" {
		return BulkResult{}, ValidationError{Msg: "observable type is required"}
	}
	if !e.Config.ObservableTypeKnown(observableType) {
		return BulkResult{}, ValidationError{Msg: fmt.Sprintf("unknown observable type %s", observableType)}
	}
	var res BulkResult
	for _, v := range values {
		r, err := e.Create(ctx, CreateOptions{
			Type:    observableType,
			Value:   v,
			Action:  action,
			ActorID: actorID,
		})
		if err != nil {
			res.Failures = append(res.Failures, OpFailure{ID: v, Error: err.Error()})
			continue
		}
		res.Created++
		if r.Status == domain.StatusQueued {
			res.Queued++
		}
	}
	return res, nil
}

// Cancel halts a request that has not finished. Cancelling an executing
// request is advisory: the worker's terminal write is guarded on
// IN_PROGRESS, so whichever side commits first wins and the other write is
// dropped. Requests already terminal are left untouched and reported
// unchanged.
func (e Engine) Cancel(ctx context.Context, id, actorID, detail string) (domain.Remediation, bool, error) {
	r, err := e.Repo.GetRemediation(ctx, id)
	if err != nil {
		return domain.Remediation{}, false, err
	}
	if err := ensureTransition(r.Status, domain.StatusCancelled); err != nil {
		return r, false, nil
	}
	result := detail
	if result == "" {
		result = "cancelled"
	}
	now := e.now().UTC().Format(time.RFC3339)

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return r, false, err
	}
	defer tx.Rollback()

	ok, err := e.Repo.CancelTx(ctx, tx, id, r.Status, result, now)
	if err != nil {
		return r, false, err
	}
	if !ok {
		// Lost the race against a worker or another actor; report the
		// request as it is now.
		cur, gerr := e.Repo.GetRemediation(ctx, id)
		if gerr != nil {
			return r, false, gerr
		}
		return cur, false, nil
	}
	if err := e.Repo.DeleteLeaseTx(ctx, tx, id); err != nil {
		return r, false, err
	}
	if err := e.History.Append(ctx, tx, id, r.Status, domain.StatusCancelled, actorID, result); err != nil {
		return r, false, err
	}
	if err := tx.Commit(); err != nil {
		return r, false, err
	}
	r.Status = domain.StatusCancelled
	r.Result = &result
	r.UpdatedAt = now
	return r, true, nil
}

// Retry requeues a failed or cancelled request with a fresh attempt budget.
// Any other status is left untouched. A request that never matched a
// remediator is re-resolved against the current registry.
func (e Engine) Retry(ctx context.Context, id, actorID string) (domain.Remediation, bool, error) {
	r, err := e.Repo.GetRemediation(ctx, id)
	if err != nil {
		return domain.Remediation{}, false, err
	}
	if r.Status != domain.StatusFailed && r.Status != domain.StatusCancelled {
		return r, false, nil
	}
	remediator := r.Remediator
	if remediator == "" {
		if rem, ok := e.Registry.Resolve(r.Type); ok {
			remediator = rem.Name()
		}
	}
	now := e.now().UTC().Format(time.RFC3339)

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return r, false, err
	}
	defer tx.Rollback()

	ok, err := e.Repo.RetryTx(ctx, tx, id, r.Status, now)
	if err != nil {
		return r, false, err
	}
	if !ok {
		cur, gerr := e.Repo.GetRemediation(ctx, id)
		if gerr != nil {
			return r, false, gerr
		}
		return cur, false, nil
	}
	if remediator != r.Remediator {
		if err := e.Repo.SetRemediatorTx(ctx, tx, id, remediator); err != nil {
			return r, false, err
		}
	}
	if err := e.History.Append(ctx, tx, id, r.Status, domain.StatusQueued, actorID, "retry requested"); err != nil {
		return r, false, err
	}
	if err := tx.Commit(); err != nil {
		return r, false, err
	}
	r.Status = domain.StatusQueued
	r.Result = nil
	r.Attempts = 0
	r.Remediator = remediator
	r.UpdatedAt = now
	return r, true, nil
}

// Restore creates a new request that applies the inverse action of a
// completed one, carrying over its restore key. The original keeps its
// COMPLETED status and gains an audit entry naming the new request. Any
// non-completed original is left untouched.
func (e Engine) Restore(ctx context.Context, id, actorID string) (domain.Remediation, bool, error) {
	orig, err := e.Repo.GetRemediation(ctx, id)
	if err != nil {
		return domain.Remediation{}, false, err
	}
	if orig.Status != domain.StatusCompleted {
		return orig, false, nil
	}
	now := e.now().UTC().Format(time.RFC3339)
	r := domain.Remediation{
		ID:         uuid.NewString(),
		Type:       orig.Type,
		Value:      orig.Value,
		Action:     domain.InverseAction(orig.Action),
		Status:     domain.StatusNew,
		RestoreKey: orig.RestoreKey,
		CreatedBy:  actorID,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	rem, matched := e.Registry.Resolve(r.Type)

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Remediation{}, false, err
	}
	defer tx.Rollback()

	if err := e.Repo.InsertRemediationTx(ctx, tx, r); err != nil {
		return domain.Remediation{}, false, fmt.Errorf("insert remediation: %w", err)
	}
	if err := e.History.Append(ctx, tx, r.ID, "", domain.StatusNew, actorID, fmt.Sprintf("restore of %s", orig.ID)); err != nil {
		return domain.Remediation{}, false, err
	}
	if matched {
		ok, err := e.Repo.QueueTx(ctx, tx, r.ID, rem.Name(), now)
		if err != nil {
			return domain.Remediation{}, false, err
		}
		if ok {
			if err := e.History.Append(ctx, tx, r.ID, domain.StatusNew, domain.StatusQueued, actorID, fmt.Sprintf("queued for %s", rem.Name())); err != nil {
				return domain.Remediation{}, false, err
			}
			r.Status = domain.StatusQueued
			r.Remediator = rem.Name()
		}
	}
	if err := e.History.Append(ctx, tx, orig.ID, domain.StatusCompleted, domain.StatusCompleted, actorID, fmt.Sprintf("restore requested as %s", r.ID)); err != nil {
		return domain.Remediation{}, false, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Remediation{}, false, err
	}
	return r, true, nil
}

// Delete removes a request and its history. Only requests that never
// queued or already reached a terminal status may be deleted.
func (e Engine) Delete(ctx context.Context, id string) error {
	r, err := e.Repo.GetRemediation(ctx, id)
	if err != nil {
		return err
	}
	if r.Status != domain.StatusNew && !domain.TerminalStatus(r.Status) {
		return fmt.Errorf("remediation %s is %s: %w", id, r.Status, ErrInvalidStateForDelete)
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.DeleteRemediationTx(ctx, tx, id); err != nil {
		return err
	}
	return tx.Commit()
}

// CancelMany cancels each id in turn. Requests in a state where cancel does
// not apply are skipped without error; failures on one id never stop the
// rest.
func (e Engine) CancelMany(ctx context.Context, ids []string, actorID, detail string) (int, []OpFailure) {
	var n int
	var fails []OpFailure
	for _, id := range ids {
		_, changed, err := e.Cancel(ctx, id, actorID, detail)
		if err != nil {
			fails = append(fails, OpFailure{ID: id, Error: err.Error()})
			continue
		}
		if changed {
			n++
		}
	}
	return n, fails
}

// RetryMany requeues each id in turn, skipping requests where retry does not
// apply.
func (e Engine) RetryMany(ctx context.Context, ids []string, actorID string) (int, []OpFailure) {
	var n int
	var fails []OpFailure
	for _, id := range ids {
		_, changed, err := e.Retry(ctx, id, actorID)
		if err != nil {
			fails = append(fails, OpFailure{ID: id, Error: err.Error()})
			continue
		}
		if changed {
			n++
		}
	}
	return n, fails
}

// RestoreMany issues a restore for each completed id in turn.
func (e Engine) RestoreMany(ctx context.Context, ids []string, actorID string) (int, []OpFailure) {
	var n int
	var fails []OpFailure
	for _, id := range ids {
		_, changed, err := e.Restore(ctx, id, actorID)
		if err != nil {
			fails = append(fails, OpFailure{ID: id, Error: err.Error()})
			continue
		}
		if changed {
			n++
		}
	}
	return n, fails
}

// DeleteMany deletes each id in turn. Ids that cannot be deleted are
// reported as failures while their deletable siblings still go away.
func (e Engine) DeleteMany(ctx context.Context, ids []string) (int, []OpFailure) {
	var n int
	var fails []OpFailure
	for _, id := range ids {
		if err := e.Delete(ctx, id); err != nil {
			fails = append(fails, OpFailure{ID: id, Error: err.Error()})
			continue
		}
		n++
	}
	return n, fails
}
