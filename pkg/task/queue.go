package task

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Record is one durable task queue entry.
type Record struct {
	ID        string
	Name      string
	Database  string
	Payload   []byte
	Scheduled time.Time
	Status    string
}

// ErrNotFound is returned for unknown task record ids.
var ErrNotFound = errors.New("task record not found")

// SQLQueue is the durable task queue. Methods registered on business objects
// enqueue a record inside the call's transaction and queue "name:id" on the
// transaction; the record only becomes visible once the call commits, so a
// rolled-back call leaves nothing behind.
type SQLQueue struct {
	db *sql.DB
}

func NewSQLQueue(db *sql.DB) *SQLQueue {
	return &SQLQueue{db: db}
}

const queueSchema = `
CREATE TABLE IF NOT EXISTS task_queue (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	database_name TEXT NOT NULL,
	payload TEXT,
	scheduled_at TIMESTAMP NOT NULL,
	status TEXT NOT NULL
);
`

func (q *SQLQueue) Init(ctx context.Context) error {
	_, err := q.db.ExecContext(ctx, queueSchema)
	return err
}

// Schedule inserts a pending record with a fresh id using the given executor,
// normally the call's open transaction. Payload must be JSON-marshalable.
type Execer interface {
	Exec(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (q *SQLQueue) Schedule(ctx context.Context, ex Execer, database, name string, payload any) (string, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal task payload: %w", err)
	}
	id := uuid.NewString()
	query := `
		INSERT INTO task_queue (id, name, database_name, payload, scheduled_at, status)
		VALUES ($1, $2, $3, $4, $5, 'PENDING')
	`
	if _, err := ex.Exec(ctx, query, id, name, database, body, time.Now()); err != nil {
		return "", fmt.Errorf("schedule task: %w", err)
	}
	return id, nil
}

// Get loads one record by id.
func (q *SQLQueue) Get(ctx context.Context, id string) (*Record, error) {
	query := `
		SELECT id, name, database_name, payload, scheduled_at, status
		FROM task_queue WHERE id = $1
	`
	var r Record
	err := q.db.QueryRowContext(ctx, query, id).
		Scan(&r.ID, &r.Name, &r.Database, &r.Payload, &r.Scheduled, &r.Status)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// GetPending lists committed-but-unrun records, oldest first, for recovery
// after a crash between commit and drain.
func (q *SQLQueue) GetPending(ctx context.Context) ([]*Record, error) {
	query := `
		SELECT id, name, database_name, payload, scheduled_at, status
		FROM task_queue
		WHERE status = 'PENDING'
		ORDER BY scheduled_at ASC
	`
	rows, err := q.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var results []*Record
	for rows.Next() {
		var r Record
		if err := rows.Scan(&r.ID, &r.Name, &r.Database, &r.Payload, &r.Scheduled, &r.Status); err != nil {
			return nil, err
		}
		results = append(results, &r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return results, nil
}

// MarkDone flags a record as executed.
func (q *SQLQueue) MarkDone(ctx context.Context, id string) error {
	_, err := q.db.ExecContext(ctx, `UPDATE task_queue SET status = 'DONE' WHERE id = $1`, id)
	return err
}
