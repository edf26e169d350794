package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"taskpilot/internal/domain"
)

// EnsureSchema creates tables if they don't exist.
func EnsureSchema(db *sql.DB) error {
	schema := `
PRAGMA journal_mode=WAL;
CREATE TABLE IF NOT EXISTS scheduled_tasks (
  id TEXT PRIMARY KEY,
  name TEXT NOT NULL,
  description TEXT NOT NULL DEFAULT '',
  task_type TEXT NOT NULL,
  frequency TEXT NOT NULL CHECK(frequency IN ('minutely','hourly','daily','weekly','cron')),
  schedule_time TEXT,
  schedule_days TEXT,
  cron_expr TEXT NOT NULL DEFAULT '',
  is_active INTEGER NOT NULL DEFAULT 1,
  task_config TEXT NOT NULL DEFAULT '{}',
  handler_config TEXT NOT NULL DEFAULT '{}',
  owner_id TEXT NOT NULL DEFAULT '',
  is_shared INTEGER NOT NULL DEFAULT 0,
  last_run DATETIME,
  next_run DATETIME,
  created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
  updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_tasks_due ON scheduled_tasks(is_active, next_run);
CREATE INDEX IF NOT EXISTS idx_tasks_owner ON scheduled_tasks(owner_id);
CREATE TABLE IF NOT EXISTS task_executions (
  id TEXT PRIMARY KEY,
  task_id TEXT NOT NULL,
  attempt INTEGER NOT NULL DEFAULT 0,
  status TEXT NOT NULL CHECK(status IN ('pending','running','completed','failed','cancelled')) DEFAULT 'pending',
  started_at DATETIME,
  completed_at DATETIME,
  result TEXT,
  error_message TEXT NOT NULL DEFAULT '',
  logs TEXT NOT NULL DEFAULT '',
  duration_seconds REAL,
  created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
  FOREIGN KEY(task_id) REFERENCES scheduled_tasks(id)
);
CREATE INDEX IF NOT EXISTS idx_executions_task ON task_executions(task_id, created_at DESC);
`
	_, err := db.Exec(schema)
	return err
}

type sqliteStore struct{ db *sql.DB }

func NewSQLite(db *sql.DB) Store { return &sqliteStore{db: db} }

func (s *sqliteStore) CreateDefinition(ctx context.Context, def *domain.TaskDefinition) (string, error) {
	id := def.ID
	if id == "" {
		id = "tsk_" + uuid.NewString()
	}
	taskCfg, handlerCfg, days, err := encodeDefinition(def)
	if err != nil {
		return "", err
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO scheduled_tasks (id,name,description,task_type,frequency,schedule_time,schedule_days,cron_expr,is_active,task_config,handler_config,owner_id,is_shared,last_run,next_run,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,CURRENT_TIMESTAMP,CURRENT_TIMESTAMP)
`, id, def.Name, def.Description, def.TaskType, string(def.Frequency), timeOfDayArg(def.ScheduleTime), days,
		def.CronExpr, def.IsActive, taskCfg, handlerCfg, def.OwnerID, def.IsShared, timeArg(def.LastRun), timeArg(def.NextRun))
	if err != nil {
		return "", err
	}
	def.ID = id
	return id, nil
}

const defColumns = `id,name,description,task_type,frequency,schedule_time,schedule_days,cron_expr,is_active,task_config,handler_config,owner_id,is_shared,last_run,next_run,created_at,updated_at`

func (s *sqliteStore) GetDefinition(ctx context.Context, id string) (*domain.TaskDefinition, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+defColumns+` FROM scheduled_tasks WHERE id=?`, id)
	def, err := scanDefinition(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return def, err
}

func (s *sqliteStore) UpdateDefinition(ctx context.Context, def *domain.TaskDefinition) error {
	taskCfg, handlerCfg, days, err := encodeDefinition(def)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
UPDATE scheduled_tasks
SET name=?,description=?,task_type=?,frequency=?,schedule_time=?,schedule_days=?,cron_expr=?,is_active=?,
    task_config=?,handler_config=?,is_shared=?,next_run=?,updated_at=CURRENT_TIMESTAMP
WHERE id=?`,
		def.Name, def.Description, def.TaskType, string(def.Frequency), timeOfDayArg(def.ScheduleTime), days,
		def.CronExpr, def.IsActive, taskCfg, handlerCfg, def.IsShared, timeArg(def.NextRun), def.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqliteStore) DeleteDefinition(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM scheduled_tasks WHERE id=?", id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqliteStore) ListDefinitions(ctx context.Context, owner string) ([]*domain.TaskDefinition, error) {
	query := `SELECT ` + defColumns + ` FROM scheduled_tasks ORDER BY created_at DESC`
	args := []any{}
	if owner != "" {
		query = `SELECT ` + defColumns + ` FROM scheduled_tasks WHERE owner_id=? OR is_shared=1 ORDER BY created_at DESC`
		args = append(args, owner)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectDefinitions(rows)
}

func (s *sqliteStore) ListDue(ctx context.Context, now time.Time) ([]*domain.TaskDefinition, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT `+defColumns+` FROM scheduled_tasks
WHERE is_active=1 AND (next_run <= ? OR (next_run IS NULL AND last_run IS NULL))
ORDER BY next_run`, now.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectDefinitions(rows)
}

func (s *sqliteStore) ClaimNextRun(ctx context.Context, id string, prev *time.Time, lastRun time.Time, next *time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
UPDATE scheduled_tasks
SET last_run=?, next_run=?, updated_at=CURRENT_TIMESTAMP
WHERE id=? AND is_active=1 AND ((next_run IS NULL AND ? IS NULL) OR next_run = ?)`,
		lastRun.UTC(), timeArg(next), id, timeArg(prev), timeArg(prev))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (s *sqliteStore) CreateExecution(ctx context.Context, exec *domain.Execution) error {
	if exec.ID == "" {
		exec.ID = "exe_" + uuid.NewString()
	}
	if exec.Status == "" {
		exec.Status = domain.ExecPending
	}
	result, err := encodeMap(exec.Result)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO task_executions (id,task_id,attempt,status,started_at,completed_at,result,error_message,logs,created_at)
VALUES (?,?,?,?,?,?,?,?,?,CURRENT_TIMESTAMP)
`, exec.ID, exec.TaskID, exec.Attempt, string(exec.Status), timeArg(exec.StartedAt), timeArg(exec.CompletedAt),
		result, exec.ErrorMessage, exec.Logs)
	return err
}

func (s *sqliteStore) StartExecution(ctx context.Context, id string, startedAt time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
UPDATE task_executions SET status='running', started_at=? WHERE id=? AND status='pending'`,
		startedAt.UTC(), id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (s *sqliteStore) FinishExecution(ctx context.Context, exec *domain.Execution) (bool, error) {
	if !exec.Status.Terminal() {
		return false, fmt.Errorf("finish called with non-terminal status %q", exec.Status)
	}
	result, err := encodeMap(exec.Result)
	if err != nil {
		return false, err
	}
	var durSecs any
	if d := exec.Duration(); d != nil {
		durSecs = d.Seconds()
	}
	res, err := s.db.ExecContext(ctx, `
UPDATE task_executions
SET status=?, completed_at=?, result=?, error_message=?, logs=?, duration_seconds=?
WHERE id=? AND status='running'`,
		string(exec.Status), timeArg(exec.CompletedAt), result, exec.ErrorMessage, exec.Logs, durSecs, exec.ID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (s *sqliteStore) CancelExecution(ctx context.Context, id string, now time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
UPDATE task_executions SET status='cancelled', completed_at=?
WHERE id=? AND status IN ('pending','running')`, now.UTC(), id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

const execColumns = `id,task_id,attempt,status,started_at,completed_at,result,error_message,logs,created_at`

func (s *sqliteStore) GetExecution(ctx context.Context, id string) (*domain.Execution, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+execColumns+` FROM task_executions WHERE id=?`, id)
	exec, err := scanExecution(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return exec, err
}

func (s *sqliteStore) ListExecutions(ctx context.Context, taskID string, limit, offset int) ([]*domain.Execution, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT `+execColumns+` FROM task_executions
WHERE task_id=? ORDER BY created_at DESC, id LIMIT ? OFFSET ?`, taskID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var execs []*domain.Execution
	for rows.Next() {
		exec, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		execs = append(execs, exec)
	}
	return execs, rows.Err()
}

type rowScanner interface{ Scan(dest ...any) error }

func scanDefinition(row rowScanner) (*domain.TaskDefinition, error) {
	var (
		def                 domain.TaskDefinition
		freq                string
		schedTime           sql.NullString
		schedDays           sql.NullString
		taskCfg, handlerCfg string
		lastRun, nextRun    sql.NullTime
	)
	err := row.Scan(&def.ID, &def.Name, &def.Description, &def.TaskType, &freq, &schedTime, &schedDays,
		&def.CronExpr, &def.IsActive, &taskCfg, &handlerCfg, &def.OwnerID, &def.IsShared,
		&lastRun, &nextRun, &def.CreatedAt, &def.UpdatedAt)
	if err != nil {
		return nil, err
	}
	def.Frequency = domain.Frequency(freq)
	if schedTime.Valid && schedTime.String != "" {
		t, err := domain.ParseTimeOfDay(schedTime.String)
		if err != nil {
			return nil, fmt.Errorf("task %s: %w", def.ID, err)
		}
		def.ScheduleTime = &t
	}
	if schedDays.Valid && schedDays.String != "" {
		if err := json.Unmarshal([]byte(schedDays.String), &def.ScheduleDays); err != nil {
			return nil, fmt.Errorf("task %s: bad schedule_days: %w", def.ID, err)
		}
	}
	if err := json.Unmarshal([]byte(taskCfg), &def.TaskConfig); err != nil {
		return nil, fmt.Errorf("task %s: bad task_config: %w", def.ID, err)
	}
	if err := json.Unmarshal([]byte(handlerCfg), &def.HandlerConfig); err != nil {
		return nil, fmt.Errorf("task %s: bad handler_config: %w", def.ID, err)
	}
	if lastRun.Valid {
		t := lastRun.Time
		def.LastRun = &t
	}
	if nextRun.Valid {
		t := nextRun.Time
		def.NextRun = &t
	}
	return &def, nil
}

func collectDefinitions(rows *sql.Rows) ([]*domain.TaskDefinition, error) {
	var defs []*domain.TaskDefinition
	for rows.Next() {
		def, err := scanDefinition(rows)
		if err != nil {
			return nil, err
		}
		defs = append(defs, def)
	}
	return defs, rows.Err()
}

func scanExecution(row rowScanner) (*domain.Execution, error) {
	var (
		exec                   domain.Execution
		status                 string
		startedAt, completedAt sql.NullTime
		result                 sql.NullString
	)
	err := row.Scan(&exec.ID, &exec.TaskID, &exec.Attempt, &status, &startedAt, &completedAt,
		&result, &exec.ErrorMessage, &exec.Logs, &exec.CreatedAt)
	if err != nil {
		return nil, err
	}
	exec.Status = domain.ExecStatus(status)
	if startedAt.Valid {
		t := startedAt.Time
		exec.StartedAt = &t
	}
	if completedAt.Valid {
		t := completedAt.Time
		exec.CompletedAt = &t
	}
	if result.Valid && result.String != "" {
		if err := json.Unmarshal([]byte(result.String), &exec.Result); err != nil {
			return nil, fmt.Errorf("execution %s: bad result: %w", exec.ID, err)
		}
	}
	return &exec, nil
}

func encodeDefinition(def *domain.TaskDefinition) (taskCfg, handlerCfg string, days any, err error) {
	taskCfg, err = encodeMapNonNull(def.TaskConfig)
	if err != nil {
		return "", "", nil, err
	}
	handlerCfg, err = encodeMapNonNull(def.HandlerConfig)
	if err != nil {
		return "", "", nil, err
	}
	if len(def.ScheduleDays) > 0 {
		b, err := json.Marshal(def.ScheduleDays)
		if err != nil {
			return "", "", nil, err
		}
		days = string(b)
	}
	return taskCfg, handlerCfg, days, nil
}

func encodeMapNonNull(m map[string]any) (string, error) {
	if m == nil {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	return string(b), err
}

func encodeMap(m map[string]any) (any, error) {
	if m == nil {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func timeArg(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func timeOfDayArg(t *domain.TimeOfDay) any {
	if t == nil {
		return nil
	}
	return t.String()
}
