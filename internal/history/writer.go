package history

import (
	"context"
	"database/sql"
	"time"
)

// Writer appends remediation history entries. Append always runs inside the
// caller's transaction so a status write and its audit record commit or roll
// back together.
type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

func (w Writer) Append(ctx context.Context, tx *sql.Tx, requestID, from, to, actorID, detail string) error {
	if w.Now == nil {
		w.Now = time.Now
	}
	ts := w.Now().UTC().Format(time.RFC3339)
	_, err := tx.ExecContext(ctx, `INSERT INTO remediation_history(request_id,from_status,to_status,actor_id,ts,detail) VALUES (?,?,?,?,?,?)`,
		requestID, from, to, actorID, ts, detail)
	return err
}
