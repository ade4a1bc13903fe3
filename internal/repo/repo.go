package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"remedy/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

const remediationColumns = `id,type,value,action,status,remediator,result,restore_key,attempts,created_by,created_at,updated_at`

// sortColumns whitelists the fields a caller may order by; the map value is
// the actual column expression.
var sortColumns = map[string]string{
	"id":         "id",
	"type":       "type",
	"value":      "value",
	"action":     "action",
	"status":     "status",
	"remediator": "remediator",
	"created_by": "created_by",
	"result":     "result",
	"created_at": "created_at",
	"updated_at": "updated_at",
}

// SortColumn resolves a user-supplied sort field against the whitelist.
func SortColumn(field string) (string, bool) {
	col, ok := sortColumns[field]
	return col, ok
}

// distinctColumns whitelists the fields whose value sets feed filter
// dropdowns.
var distinctColumns = map[string]bool{
	"type":       true,
	"action":     true,
	"status":     true,
	"remediator": true,
	"created_by": true,
}

type ListFilters struct {
	ID         string
	Type       string
	Value      string
	Action     string
	Status     string
	Remediator string
	CreatedBy  string
	Result     string
	SortField  string
	SortDir    string
	Limit      int
	Offset     int
}

// Apply sets the named filter field, reporting whether the field is
// filterable. An empty value clears the field.
func (f *ListFilters) Apply(field, value string) bool {
	switch field {
	case "id":
		f.ID = value
	case "type":
		f.Type = value
	case "value":
		f.Value = value
	case "action":
		f.Action = value
	case "status":
		f.Status = value
	case "remediator":
		f.Remediator = value
	case "created_by":
		f.CreatedBy = value
	case "result":
		f.Result = value
	default:
		return false
	}
	return true
}

// FilterableField reports whether field can appear in a ViewState filter set.
func FilterableField(field string) bool {
	var f ListFilters
	return f.Apply(field, "")
}

func scanRemediation(s interface{ Scan(dest ...any) error }) (domain.Remediation, error) {
	var m domain.Remediation
	var result, restoreKey sql.NullString
	err := s.Scan(&m.ID, &m.Type, &m.Value, &m.Action, &m.Status, &m.Remediator, &result, &restoreKey, &m.Attempts, &m.CreatedBy, &m.CreatedAt, &m.UpdatedAt)
	if err == sql.ErrNoRows {
		return m, ErrNotFound
	}
	if err != nil {
		return m, err
	}
	if result.Valid {
		m.Result = &result.String
	}
	if restoreKey.Valid {
		m.RestoreKey = &restoreKey.String
	}
	return m, nil
}

func (r Repo) InsertRemediationTx(ctx context.Context, tx *sql.Tx, m domain.Remediation) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO remediations(`+remediationColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		m.ID, m.Type, m.Value, m.Action, m.Status, m.Remediator, nullableStringPtr(m.Result), nullableStringPtr(m.RestoreKey),
		m.Attempts, m.CreatedBy, m.CreatedAt, m.UpdatedAt)
	return err
}

func (r Repo) GetRemediation(ctx context.Context, id string) (domain.Remediation, error) {
	return scanRemediation(r.DB.QueryRowContext(ctx, `SELECT `+remediationColumns+` FROM remediations WHERE id=?`, id))
}

func (r Repo) GetRemediationTx(ctx context.Context, tx *sql.Tx, id string) (domain.Remediation, error) {
	return scanRemediation(tx.QueryRowContext(ctx, `SELECT `+remediationColumns+` FROM remediations WHERE id=?`, id))
}

// TransitionTx flips status guarded on the observed current status. A false
// return means another writer got there first and nothing changed.
func (r Repo) TransitionTx(ctx context.Context, tx *sql.Tx, id, from, to, now string) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE remediations SET status=?, updated_at=? WHERE id=? AND status=?`, to, now, id, from)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// QueueTx moves a freshly created request to QUEUED and records the matched
// remediator, guarded on NEW.
func (r Repo) QueueTx(ctx context.Context, tx *sql.Tx, id, remediator, now string) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE remediations SET status=?, remediator=?, updated_at=? WHERE id=? AND status=?`,
		domain.StatusQueued, remediator, now, id, domain.StatusNew)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// CancelTx transitions a request to CANCELLED with a result, guarded on the
// observed status.
func (r Repo) CancelTx(ctx context.Context, tx *sql.Tx, id, from, result, now string) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE remediations SET status=?, result=?, updated_at=? WHERE id=? AND status=?`,
		domain.StatusCancelled, result, now, id, from)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// RetryTx requeues a request, clearing the prior result and resetting the
// attempt budget, guarded on the observed status.
func (r Repo) RetryTx(ctx context.Context, tx *sql.Tx, id, from, now string) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE remediations SET status=?, result=NULL, attempts=0, updated_at=? WHERE id=? AND status=?`,
		domain.StatusQueued, now, id, from)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// FinalizeTx writes a terminal outcome. Guarded on IN_PROGRESS so an advisory
// cancel that won the race causes the outcome to be dropped by the caller.
func (r Repo) FinalizeTx(ctx context.Context, tx *sql.Tx, id, to, result string, restoreKey *string, now string) (bool, error) {
	var res sql.Result
	var err error
	if restoreKey != nil {
		res, err = tx.ExecContext(ctx, `UPDATE remediations SET status=?, result=?, restore_key=?, updated_at=? WHERE id=? AND status=?`,
			to, result, *restoreKey, now, id, domain.StatusInProgress)
	} else {
		res, err = tx.ExecContext(ctx, `UPDATE remediations SET status=?, result=?, updated_at=? WHERE id=? AND status=?`,
			to, result, now, id, domain.StatusInProgress)
	}
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (r Repo) SetRemediatorTx(ctx context.Context, tx *sql.Tx, id, remediator string) error {
	_, err := tx.ExecContext(ctx, `UPDATE remediations SET remediator=? WHERE id=?`, remediator, id)
	return err
}

func (r Repo) IncrementAttemptsTx(ctx context.Context, tx *sql.Tx, id string) error {
	_, err := tx.ExecContext(ctx, `UPDATE remediations SET attempts=attempts+1 WHERE id=?`, id)
	return err
}

func (r Repo) DeleteRemediationTx(ctx context.Context, tx *sql.Tx, id string) error {
	res, err := tx.ExecContext(ctx, `DELETE FROM remediations WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func filterClauses(f ListFilters) ([]string, []any) {
	var clauses []string
	var args []any
	like := func(col, v string) {
		clauses = append(clauses, fmt.Sprintf("LOWER(%s) LIKE ?", col))
		args = append(args, "%"+strings.ToLower(v)+"%")
	}
	if f.ID != "" {
		like("id", f.ID)
	}
	if f.Type != "" {
		like("type", f.Type)
	}
	if f.Value != "" {
		like("value", f.Value)
	}
	if f.Action != "" {
		like("action", f.Action)
	}
	if f.Status != "" {
		like("status", f.Status)
	}
	if f.Remediator != "" {
		like("remediator", f.Remediator)
	}
	if f.CreatedBy != "" {
		like("created_by", f.CreatedBy)
	}
	if f.Result != "" {
		like("result", f.Result)
	}
	return clauses, args
}

func (r Repo) ListRemediations(ctx context.Context, f ListFilters) ([]domain.Remediation, error) {
	clauses, args := filterClauses(f)
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	col := "created_at"
	if c, ok := SortColumn(f.SortField); ok {
		col = c
	}
	dir := "DESC"
	if strings.EqualFold(f.SortDir, "asc") {
		dir = "ASC"
	}
	query := fmt.Sprintf(`SELECT %s FROM remediations %s ORDER BY %s %s, id %s`, remediationColumns, where, col, dir, dir)
	if f.Limit > 0 {
		query += " LIMIT ? OFFSET ?"
		args = append(args, f.Limit, f.Offset)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Remediation
	for rows.Next() {
		m, err := scanRemediation(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, m)
	}
	return res, rows.Err()
}

// CountRemediations returns the total matching the filters, ignoring the
// window. Required by the offset/total display contract.
func (r Repo) CountRemediations(ctx context.Context, f ListFilters) (int, error) {
	clauses, args := filterClauses(f)
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT count(*) FROM remediations `+where, args...).Scan(&n)
	return n, err
}

func (r Repo) CountByStatus(ctx context.Context) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT status, count(*) FROM remediations GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]int{}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		res[status] = count
	}
	return res, rows.Err()
}

// DistinctValues lists the existing values of an enumerable column, for
// filter dropdowns.
func (r Repo) DistinctValues(ctx context.Context, field string) ([]string, error) {
	if !distinctColumns[field] {
		return nil, fmt.Errorf("unknown enumerable field %s", field)
	}
	rows, err := r.DB.QueryContext(ctx, fmt.Sprintf(`SELECT DISTINCT %s FROM remediations WHERE %s != '' ORDER BY %s ASC`, field, field, field))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		res = append(res, v)
	}
	return res, rows.Err()
}

func scanHistory(rows *sql.Rows) (domain.HistoryEntry, error) {
	var h domain.HistoryEntry
	err := rows.Scan(&h.ID, &h.RequestID, &h.FromStatus, &h.ToStatus, &h.ActorID, &h.TS, &h.Detail)
	return h, err
}

// ListHistory returns one request's history window ordered by timestamp
// ascending, insertion order breaking ties.
func (r Repo) ListHistory(ctx context.Context, requestID string, limit, offset int) ([]domain.HistoryEntry, error) {
	query := `SELECT id,request_id,from_status,to_status,actor_id,ts,detail FROM remediation_history WHERE request_id=? ORDER BY ts ASC, id ASC`
	args := []any{requestID}
	if limit > 0 {
		query += " LIMIT ? OFFSET ?"
		args = append(args, limit, offset)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.HistoryEntry
	for rows.Next() {
		h, err := scanHistory(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, h)
	}
	return res, rows.Err()
}

func (r Repo) CountHistory(ctx context.Context, requestID string) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT count(*) FROM remediation_history WHERE request_id=?`, requestID).Scan(&n)
	return n, err
}

// LatestHistory returns the newest entries across all requests, id-descending
// with an exclusive cursor for paging further back.
func (r Repo) LatestHistory(ctx context.Context, limit int, cursor int64, requestID string) ([]domain.HistoryEntry, error) {
	clauses := []string{"1=1"}
	var args []any
	if requestID != "" {
		clauses = append(clauses, "request_id=?")
		args = append(args, requestID)
	}
	if cursor > 0 {
		clauses = append(clauses, "id<?")
		args = append(args, cursor)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT id,request_id,from_status,to_status,actor_id,ts,detail FROM remediation_history %s ORDER BY id DESC LIMIT ?`, where)
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.HistoryEntry
	for rows.Next() {
		h, err := scanHistory(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, h)
	}
	return res, rows.Err()
}

// HistoryAfter returns entries with IDs greater than the cursor in ascending
// order; the webhook dispatcher tails the feed with it.
func (r Repo) HistoryAfter(ctx context.Context, limit int, cursor int64) ([]domain.HistoryEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT id,request_id,from_status,to_status,actor_id,ts,detail FROM remediation_history WHERE id>? ORDER BY id ASC LIMIT ?`, cursor, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.HistoryEntry
	for rows.Next() {
		h, err := scanHistory(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, h)
	}
	return res, rows.Err()
}

// LatestHistoryID returns the most recent history entry id, 0 when empty.
func (r Repo) LatestHistoryID(ctx context.Context) (int64, error) {
	var id int64
	if err := r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM remediation_history`).Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

func (r Repo) GetWebhookCursor(ctx context.Context, hook string) (int64, error) {
	var cursor int64
	err := r.DB.QueryRowContext(ctx, `SELECT cursor FROM webhook_cursors WHERE hook=?`, hook).Scan(&cursor)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return cursor, err
}

func (r Repo) SetWebhookCursor(ctx context.Context, hook string, cursor int64, now string) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO webhook_cursors(hook,cursor,updated_at) VALUES (?,?,?)
ON CONFLICT(hook) DO UPDATE SET cursor=excluded.cursor, updated_at=excluded.updated_at`, hook, cursor, now)
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}
