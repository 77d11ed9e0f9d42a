// Copyright (c) 2026 Khaled Abbas
//
// This source code is licensed under the Business Source License 1.1.
//
// Change Date: 4 years after the first public release of this version.
// Change License: MIT
//
// On the Change Date, this version of the code automatically converts
// to the MIT License. Prior to that date, use is subject to the
// Additional Use Grant. See the LICENSE file for details.

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"detonationworker/src/model"
)

const (
	TasksChannel    = "tasks_submitted"
	AnalysisChannel = "analysis_requested"
)

const schema = `
CREATE TABLE IF NOT EXISTS TASKS (
	ID            TEXT PRIMARY KEY,
	KIND          TEXT NOT NULL,
	URL           TEXT NOT NULL DEFAULT '',
	FILENAME      TEXT NOT NULL DEFAULT '',
	STATUS        TEXT NOT NULL DEFAULT 'Queued',
	CREATED_AT    TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	COMPLETED_AT  TIMESTAMPTZ,
	SANDBOX_LABEL TEXT,
	VMID          INTEGER,
	NODE          TEXT,
	DURATION_SEC  INTEGER NOT NULL DEFAULT 120,
	LOCKED_AT     TIMESTAMPTZ,
	WORKER_ID     TEXT
);
CREATE TABLE IF NOT EXISTS EVENTS (
	ID                BIGSERIAL PRIMARY KEY,
	TASK_ID           TEXT,
	SESSION_ID        TEXT NOT NULL,
	EVENT_TYPE        TEXT NOT NULL,
	PROCESS_ID        INTEGER NOT NULL DEFAULT 0,
	PARENT_PROCESS_ID INTEGER NOT NULL DEFAULT 0,
	PROCESS_NAME      TEXT NOT NULL DEFAULT '',
	DETAILS           TEXT NOT NULL DEFAULT '',
	DECODED_DETAILS   TEXT,
	DIGITAL_SIGNATURE TEXT,
	TIMESTAMP         TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS EVENTS_UNBOUND_SESSION_IDX ON EVENTS (SESSION_ID) WHERE TASK_ID IS NULL;
CREATE INDEX IF NOT EXISTS EVENTS_TASK_IDX ON EVENTS (TASK_ID);
`

const taskColumns = `ID, KIND, URL, FILENAME, STATUS, CREATED_AT, COMPLETED_AT, SANDBOX_LABEL, VMID, NODE, DURATION_SEC, LOCKED_AT, WORKER_ID`

type Postgres struct {
	db *sql.DB
}

func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

// ConnString builds a lib/pq key/value connection string.
func ConnString(user, password, dbname, host, port, sslmode string) string {
	return fmt.Sprintf("user=%s password=%s dbname=%s host=%s port=%s sslmode=%s",
		user, password, dbname, host, port, sslmode)
}

func (p *Postgres) EnsureSchema(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, schema)
	return err
}

func (p *Postgres) InsertEvent(ctx context.Context, ev *model.TelemetryEvent) error {
	err := p.db.QueryRowContext(ctx, `
		INSERT INTO EVENTS (TASK_ID, SESSION_ID, EVENT_TYPE, PROCESS_ID, PARENT_PROCESS_ID, PROCESS_NAME,
			DETAILS, DECODED_DETAILS, DIGITAL_SIGNATURE, TIMESTAMP)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING ID`,
		ev.TaskID, ev.SessionID, ev.EventType, ev.ProcessID, ev.ParentProcessID, ev.ProcessName,
		ev.Details, ev.DecodedDetails, ev.DigitalSignature, ev.Timestamp,
	).Scan(&ev.ID)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

func (p *Postgres) BackfillEvents(ctx context.Context, sessionID, taskID string) (int64, error) {
	res, err := p.db.ExecContext(ctx,
		"UPDATE EVENTS SET TASK_ID = $1 WHERE SESSION_ID = $2 AND TASK_ID IS NULL", taskID, sessionID)
	if err != nil {
		return 0, fmt.Errorf("backfill events: %w", err)
	}
	return res.RowsAffected()
}

func (p *Postgres) EventsForTask(ctx context.Context, taskID string) ([]model.TelemetryEvent, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT ID, TASK_ID, SESSION_ID, EVENT_TYPE, PROCESS_ID, PARENT_PROCESS_ID, PROCESS_NAME,
			DETAILS, DECODED_DETAILS, DIGITAL_SIGNATURE, TIMESTAMP
		FROM EVENTS WHERE TASK_ID = $1 ORDER BY TIMESTAMP, ID`, taskID)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var events []model.TelemetryEvent
	for rows.Next() {
		var ev model.TelemetryEvent
		if err := rows.Scan(&ev.ID, &ev.TaskID, &ev.SessionID, &ev.EventType, &ev.ProcessID, &ev.ParentProcessID,
			&ev.ProcessName, &ev.Details, &ev.DecodedDetails, &ev.DigitalSignature, &ev.Timestamp); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// CreateTask inserts a Queued task and notifies listening workers in the
// same transaction.
func (p *Postgres) CreateTask(ctx context.Context, task *model.Task) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	err = tx.QueryRowContext(ctx, `
		INSERT INTO TASKS (ID, KIND, URL, FILENAME, STATUS, VMID, NODE, DURATION_SEC)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING CREATED_AT`,
		task.ID, task.Kind, task.URL, task.Filename, task.Status, task.VMID, task.Node, task.DurationSec,
	).Scan(&task.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "SELECT pg_notify($1, $2)", TasksChannel, task.ID); err != nil {
		return fmt.Errorf("notify %s: %w", TasksChannel, err)
	}
	return tx.Commit()
}

func (p *Postgres) GetTask(ctx context.Context, id string) (*model.Task, error) {
	row := p.db.QueryRowContext(ctx, "SELECT "+taskColumns+" FROM TASKS WHERE ID = $1", id)
	task, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTaskNotFound
	}
	return task, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*model.Task, error) {
	task := &model.Task{}
	err := row.Scan(&task.ID, &task.Kind, &task.URL, &task.Filename, &task.Status, &task.CreatedAt,
		&task.CompletedAt, &task.SandboxLabel, &task.VMID, &task.Node, &task.DurationSec, &task.LockedAt, &task.WorkerID)
	if err != nil {
		return nil, err
	}
	return task, nil
}

func (p *Postgres) UpdateTaskStatus(ctx context.Context, id string, status model.TaskStatus) error {
	return p.execOne(ctx, "UPDATE TASKS SET STATUS = $1 WHERE ID = $2", status, id)
}

func (p *Postgres) SetSandboxLabel(ctx context.Context, id, label string) error {
	return p.execOne(ctx, "UPDATE TASKS SET SANDBOX_LABEL = $1 WHERE ID = $2", label, id)
}

func (p *Postgres) CompleteTask(ctx context.Context, id string, at time.Time) error {
	return p.execOne(ctx, "UPDATE TASKS SET STATUS = $1, COMPLETED_AT = $2 WHERE ID = $3", model.TaskCompleted, at, id)
}

func (p *Postgres) execOne(ctx context.Context, query string, args ...any) error {
	res, err := p.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrTaskNotFound
	}
	return nil
}

func (p *Postgres) ClaimQueuedTask(ctx context.Context, workerID string) (*model.Task, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `
		SELECT `+taskColumns+`
		FROM TASKS
		WHERE STATUS = $1
		AND LOCKED_AT IS NULL
		ORDER BY CREATED_AT ASC
		LIMIT 1
		FOR UPDATE SKIP LOCKED`, model.TaskQueued)
	task, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	} else if err != nil {
		return nil, fmt.Errorf("query queued task: %w", err)
	}

	now := time.Now()
	if _, err := tx.ExecContext(ctx, "UPDATE TASKS SET LOCKED_AT = $1, WORKER_ID = $2 WHERE ID = $3",
		now, workerID, task.ID); err != nil {
		return nil, fmt.Errorf("lock task: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit claim: %w", err)
	}
	task.LockedAt = &now
	task.WorkerID = &workerID
	return task, nil
}

func (p *Postgres) RequeueStale(ctx context.Context, age time.Duration) (int64, error) {
	res, err := p.db.ExecContext(ctx, `
		UPDATE TASKS
		SET LOCKED_AT = NULL, WORKER_ID = NULL
		WHERE STATUS = $1
		AND LOCKED_AT < $2`, model.TaskQueued, time.Now().Add(-age))
	if err != nil {
		return 0, fmt.Errorf("requeue stale: %w", err)
	}
	return res.RowsAffected()
}

func (p *Postgres) OrphanedRuns(ctx context.Context, age time.Duration) ([]*model.Task, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+taskColumns+`
		FROM TASKS
		WHERE STATUS NOT IN ($1, $2, $3, $4)
		AND LOCKED_AT < $5
		ORDER BY LOCKED_AT ASC`,
		model.TaskQueued, model.TaskCompleted, model.TaskFailedNoVM, model.TaskFailedAgentTimeout, time.Now().Add(-age))
	if err != nil {
		return nil, fmt.Errorf("query orphaned runs: %w", err)
	}
	defer rows.Close()

	var tasks []*model.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

func (p *Postgres) CountByStatus(ctx context.Context) (map[model.TaskStatus]int, error) {
	rows, err := p.db.QueryContext(ctx, "SELECT STATUS, COUNT(*) FROM TASKS GROUP BY STATUS")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[model.TaskStatus]int)
	for rows.Next() {
		var status model.TaskStatus
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

func (p *Postgres) RequestAnalysis(ctx context.Context, taskID string) error {
	if _, err := p.db.ExecContext(ctx, "SELECT pg_notify($1, $2)", AnalysisChannel, taskID); err != nil {
		return fmt.Errorf("notify %s: %w", AnalysisChannel, err)
	}
	return nil
}

// NewTaskListener subscribes to task submissions. reportProblem receives
// connection state changes.
func NewTaskListener(connStr string, reportProblem func(pq.ListenerEventType, error)) (*pq.Listener, error) {
	listener := pq.NewListener(connStr, 10*time.Second, time.Minute, reportProblem)
	if err := listener.Listen(TasksChannel); err != nil {
		listener.Close()
		return nil, err
	}
	return listener, nil
}
