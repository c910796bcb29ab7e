package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Writer appends semantic log entries. The semantic log is write-only from
// the pipeline's point of view; it is read back only for audit and the
// health index.
type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

type EventPayload map[string]any

// Append inserts one semantic log entry inside the caller's transaction.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, jobID, eventType string, payload EventPayload) error {
	if w.Now == nil {
		w.Now = time.Now
	}
	ts := w.Now().UTC().Format(time.RFC3339)
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal semantic payload: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO semantic_logs(job_id,event_type,details,created_at) VALUES (?,?,?,?)`,
		jobID, eventType, string(data), ts)
	return err
}
