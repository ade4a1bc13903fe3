package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"remedy/internal/domain"
)

func (r Repo) UpsertSavedView(ctx context.Context, view domain.SavedView) (domain.SavedView, error) {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.SavedView{}, err
	}
	defer tx.Rollback()
	sv, err := r.UpsertSavedViewTx(ctx, tx, view)
	if err != nil {
		return domain.SavedView{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.SavedView{}, err
	}
	return sv, nil
}

func (r Repo) UpsertSavedViewTx(ctx context.Context, tx *sql.Tx, view domain.SavedView) (domain.SavedView, error) {
	now := time.Now().UTC().Format(time.RFC3339)
	if err := r.EnsureActor(ctx, tx, view.ActorID, now); err != nil {
		return domain.SavedView{}, err
	}
	filters := view.Filters
	if filters == nil {
		filters = map[string]string{}
	}
	payload, err := json.Marshal(filters)
	if err != nil {
		return domain.SavedView{}, fmt.Errorf("marshal view filters: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO saved_views(actor_id, name, filters_json, sort_field, sort_dir, created_at, updated_at)
VALUES (?,?,?,?,?,?,?)
ON CONFLICT(actor_id, name) DO UPDATE SET filters_json=excluded.filters_json, sort_field=excluded.sort_field, sort_dir=excluded.sort_dir, updated_at=excluded.updated_at`,
		view.ActorID, view.Name, string(payload), view.SortField, view.SortDir, now, now)
	if err != nil {
		return domain.SavedView{}, err
	}
	return r.getSavedView(ctx, tx.QueryRowContext(ctx, savedViewSelect+` WHERE actor_id=? AND name=?`, view.ActorID, view.Name))
}

const savedViewSelect = `SELECT actor_id, name, filters_json, sort_field, sort_dir, created_at, updated_at FROM saved_views`

func (r Repo) getSavedView(_ context.Context, row *sql.Row) (domain.SavedView, error) {
	var sv domain.SavedView
	var filters string
	err := row.Scan(&sv.ActorID, &sv.Name, &filters, &sv.SortField, &sv.SortDir, &sv.CreatedAt, &sv.UpdatedAt)
	if err == sql.ErrNoRows {
		return sv, ErrNotFound
	}
	if err != nil {
		return sv, err
	}
	if err := json.Unmarshal([]byte(filters), &sv.Filters); err != nil {
		return sv, fmt.Errorf("decode view filters: %w", err)
	}
	return sv, nil
}

func (r Repo) GetSavedView(ctx context.Context, actorID, name string) (domain.SavedView, error) {
	return r.getSavedView(ctx, r.DB.QueryRowContext(ctx, savedViewSelect+` WHERE actor_id=? AND name=?`, actorID, name))
}

func (r Repo) ListSavedViews(ctx context.Context, actorID string) ([]domain.SavedView, error) {
	rows, err := r.DB.QueryContext(ctx, savedViewSelect+` WHERE actor_id=? ORDER BY name ASC`, actorID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.SavedView
	for rows.Next() {
		var sv domain.SavedView
		var filters string
		if err := rows.Scan(&sv.ActorID, &sv.Name, &filters, &sv.SortField, &sv.SortDir, &sv.CreatedAt, &sv.UpdatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(filters), &sv.Filters); err != nil {
			return nil, fmt.Errorf("decode view filters: %w", err)
		}
		res = append(res, sv)
	}
	return res, rows.Err()
}

func (r Repo) DeleteSavedView(ctx context.Context, actorID, name string) error {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM saved_views WHERE actor_id=? AND name=?`, actorID, name)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
