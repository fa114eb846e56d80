package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	pkgerrors "github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS script_tasks (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL,
	device_id TEXT NOT NULL,
	variables TEXT NOT NULL DEFAULT '{}',
	file_urls TEXT NOT NULL DEFAULT '[]',
	expected_exec_time INTEGER NOT NULL DEFAULT 0,
	next_exec_time INTEGER NOT NULL DEFAULT 0,
	wait_timeout_unix INTEGER NOT NULL DEFAULT 0,
	exec_timeout_unix INTEGER NOT NULL DEFAULT 0,
	is_retry INTEGER NOT NULL DEFAULT 0,
	retry_count INTEGER NOT NULL DEFAULT 0,
	finish_time INTEGER NOT NULL DEFAULT 0,
	fail_reason TEXT NOT NULL DEFAULT '',
	is_deleted INTEGER NOT NULL DEFAULT 0,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_tasks_status_next ON script_tasks(status, next_exec_time);
CREATE INDEX IF NOT EXISTS idx_tasks_device ON script_tasks(device_id);

CREATE TABLE IF NOT EXISTS exec_records (
	id TEXT PRIMARY KEY,
	task_id TEXT NOT NULL,
	device_id TEXT NOT NULL,
	device_lock_value INTEGER NOT NULL DEFAULT 0,
	status TEXT NOT NULL,
	exec_timeout_unix INTEGER NOT NULL DEFAULT 0,
	finish_time INTEGER NOT NULL DEFAULT 0,
	fail_reason TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_records_task ON exec_records(task_id);
CREATE INDEX IF NOT EXISTS idx_records_status_timeout ON exec_records(status, exec_timeout_unix);

CREATE TABLE IF NOT EXISTS exec_logs (
	id TEXT PRIMARY KEY,
	task_id TEXT NOT NULL,
	record_id TEXT NOT NULL,
	device_id TEXT NOT NULL,
	log_text TEXT NOT NULL DEFAULT '',
	log_type TEXT NOT NULL,
	execute_at INTEGER NOT NULL DEFAULT 0,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_logs_task ON exec_logs(task_id, record_id);

CREATE TABLE IF NOT EXISTS script_codes (
	id TEXT PRIMARY KEY,
	task_id TEXT NOT NULL,
	device_id TEXT NOT NULL,
	code TEXT NOT NULL,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_codes_task ON script_codes(task_id, device_id);
`

// SQLiteStore implements TaskStore on an embedded SQLite database.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// OpenSQLite opens (and migrates) the task database at path. Use ":memory:"
// for tests.
func OpenSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "storage: open sqlite failed")
	}
	if err := configureSQLite(db); err != nil {
		db.Close()
		return nil, err
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, pkgerrors.Wrap(err, "storage: apply schema failed")
	}
	return &SQLiteStore{db: db, now: time.Now}, nil
}

func configureSQLite(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA busy_timeout=60000;",
		"PRAGMA journal_mode=WAL;",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return pkgerrors.Wrapf(err, "storage: execute %s failed", pragma)
		}
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	return nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) CreateTask(ctx context.Context, task *ScriptTask) error {
	if task == nil {
		return pkgerrors.New("storage: nil task")
	}
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	now := s.now().Unix()
	task.CreatedAt = now
	task.UpdatedAt = now
	variables, fileURLs, err := marshalTaskJSON(task)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO script_tasks
		(id, name, status, device_id, variables, file_urls, expected_exec_time, next_exec_time,
		 wait_timeout_unix, exec_timeout_unix, is_retry, retry_count, finish_time, fail_reason,
		 is_deleted, created_at, updated_at)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		task.ID, task.Name, string(task.Status), task.DeviceID, variables, fileURLs,
		task.ExpectedExecTime, task.NextExecTime, task.WaitTimeoutUnix, task.ExecTimeoutUnix,
		boolToInt(task.IsRetry), task.RetryCount, task.FinishTime, task.FailReason,
		boolToInt(task.IsDeleted), task.CreatedAt, task.UpdatedAt)
	return pkgerrors.Wrap(err, "storage: insert task failed")
}

const taskColumns = `id, name, status, device_id, variables, file_urls, expected_exec_time,
	next_exec_time, wait_timeout_unix, exec_timeout_unix, is_retry, retry_count, finish_time,
	fail_reason, is_deleted, created_at, updated_at`

func (s *SQLiteStore) GetTask(ctx context.Context, id string) (*ScriptTask, error) {
	row := s.db.QueryRowContext(ctx,
		fmt.Sprintf("SELECT %s FROM script_tasks WHERE id=? AND is_deleted=0", taskColumns), id)
	return scanTask(row)
}

func (s *SQLiteStore) GetTaskInStatuses(ctx context.Context, id string, statuses []TaskStatus) (*ScriptTask, error) {
	if len(statuses) == 0 {
		return s.GetTask(ctx, id)
	}
	placeholders, args := statusArgs(statuses)
	args = append([]any{id}, args...)
	row := s.db.QueryRowContext(ctx,
		fmt.Sprintf("SELECT %s FROM script_tasks WHERE id=? AND is_deleted=0 AND status IN (%s)",
			taskColumns, placeholders), args...)
	return scanTask(row)
}

func (s *SQLiteStore) GetTasksByIDs(ctx context.Context, ids []string) ([]*ScriptTask, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	placeholders, args := stringArgs(ids)
	rows, err := s.db.QueryContext(ctx,
		fmt.Sprintf("SELECT %s FROM script_tasks WHERE id IN (%s) AND is_deleted=0", taskColumns, placeholders),
		args...)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "storage: query tasks by ids failed")
	}
	defer rows.Close()
	return scanTasks(rows)
}

func (s *SQLiteStore) UpdateTaskStatus(ctx context.Context, id string, fromStatuses []TaskStatus, update TaskUpdate) (int64, error) {
	sets := []string{"updated_at=?"}
	args := []any{s.now().Unix()}
	if update.Status != nil {
		sets = append(sets, "status=?")
		args = append(args, string(*update.Status))
	}
	if update.NextExecTime != nil {
		sets = append(sets, "next_exec_time=?")
		args = append(args, *update.NextExecTime)
	}
	if update.RetryDelta != 0 {
		sets = append(sets, "retry_count=retry_count+?")
		args = append(args, update.RetryDelta)
	}
	if update.FinishTime != nil {
		sets = append(sets, "finish_time=?")
		args = append(args, *update.FinishTime)
	}
	if update.FailReason != nil {
		sets = append(sets, "fail_reason=?")
		args = append(args, *update.FailReason)
	}
	query := fmt.Sprintf("UPDATE script_tasks SET %s WHERE id=? AND is_deleted=0", strings.Join(sets, ", "))
	args = append(args, id)
	if len(fromStatuses) > 0 {
		placeholders, statusVals := statusArgs(fromStatuses)
		query += fmt.Sprintf(" AND status IN (%s)", placeholders)
		args = append(args, statusVals...)
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, pkgerrors.Wrap(err, "storage: update task status failed")
	}
	affected, _ := res.RowsAffected()
	return affected, nil
}

func (s *SQLiteStore) SaveTask(ctx context.Context, task *ScriptTask) error {
	if task == nil || task.ID == "" {
		return pkgerrors.New("storage: save task requires id")
	}
	task.UpdatedAt = s.now().Unix()
	variables, fileURLs, err := marshalTaskJSON(task)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `UPDATE script_tasks SET
		name=?, status=?, device_id=?, variables=?, file_urls=?, expected_exec_time=?,
		next_exec_time=?, wait_timeout_unix=?, exec_timeout_unix=?, is_retry=?, retry_count=?,
		finish_time=?, fail_reason=?, is_deleted=?, updated_at=?
		WHERE id=?`,
		task.Name, string(task.Status), task.DeviceID, variables, fileURLs, task.ExpectedExecTime,
		task.NextExecTime, task.WaitTimeoutUnix, task.ExecTimeoutUnix, boolToInt(task.IsRetry),
		task.RetryCount, task.FinishTime, task.FailReason, boolToInt(task.IsDeleted),
		task.UpdatedAt, task.ID)
	return pkgerrors.Wrap(err, "storage: save task failed")
}

func (s *SQLiteStore) SoftDeleteTask(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE script_tasks SET is_deleted=1, updated_at=? WHERE id=? AND is_deleted=0",
		s.now().Unix(), id)
	if err != nil {
		return pkgerrors.Wrap(err, "storage: soft delete task failed")
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) ListTasks(ctx context.Context, filter TaskListFilter) ([]*ScriptTask, int64, error) {
	where := []string{"is_deleted=0"}
	args := []any{}
	if filter.DeviceID != "" {
		where = append(where, "device_id=?")
		args = append(args, filter.DeviceID)
	}
	if filter.BeginTime > 0 {
		where = append(where, "created_at>=?")
		args = append(args, filter.BeginTime)
	}
	if filter.EndTime > 0 {
		where = append(where, "created_at<=?")
		args = append(args, filter.EndTime)
	}
	if filter.Word != "" {
		where = append(where, "name LIKE ?")
		args = append(args, "%"+filter.Word+"%")
	}
	cond := strings.Join(where, " AND ")

	var total int64
	if err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM script_tasks WHERE "+cond, args...).Scan(&total); err != nil {
		return nil, 0, pkgerrors.Wrap(err, "storage: count tasks failed")
	}

	size := filter.Size
	if size <= 0 {
		size = 20
	}
	page := filter.Page
	if page <= 0 {
		page = 1
	}
	listArgs := append(append([]any{}, args...), size, (page-1)*size)
	rows, err := s.db.QueryContext(ctx,
		fmt.Sprintf("SELECT %s FROM script_tasks WHERE %s ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?",
			taskColumns, cond), listArgs...)
	if err != nil {
		return nil, 0, pkgerrors.Wrap(err, "storage: list tasks failed")
	}
	defer rows.Close()
	tasks, err := scanTasks(rows)
	if err != nil {
		return nil, 0, err
	}
	return tasks, total, nil
}

func (s *SQLiteStore) DueTasks(ctx context.Context, statuses []TaskStatus, from, to int64, fn func(*ScriptTask) error) error {
	placeholders, args := statusArgs(statuses)
	args = append(args, from, to)
	rows, err := s.db.QueryContext(ctx,
		fmt.Sprintf(`SELECT %s FROM script_tasks
			WHERE is_deleted=0 AND status IN (%s) AND next_exec_time>=? AND next_exec_time<=?
			ORDER BY id`, taskColumns, placeholders), args...)
	if err != nil {
		return pkgerrors.Wrap(err, "storage: due tasks cursor failed")
	}
	defer rows.Close()
	for rows.Next() {
		task, err := scanTaskRow(rows)
		if err != nil {
			return err
		}
		if err := fn(task); err != nil {
			return err
		}
	}
	return pkgerrors.Wrap(rows.Err(), "storage: due tasks iteration failed")
}

func (s *SQLiteStore) FailTasks(ctx context.Context, ids []string, reason string, finishTime int64) error {
	if len(ids) == 0 {
		return nil
	}
	placeholders, args := stringArgs(ids)
	args = append([]any{string(TaskFailed), finishTime, reason, s.now().Unix()}, args...)
	_, err := s.db.ExecContext(ctx,
		fmt.Sprintf("UPDATE script_tasks SET status=?, finish_time=?, fail_reason=?, updated_at=? WHERE id IN (%s)",
			placeholders), args...)
	return pkgerrors.Wrap(err, "storage: fail tasks failed")
}

const recordColumns = `id, task_id, device_id, device_lock_value, status, exec_timeout_unix,
	finish_time, fail_reason, created_at, updated_at`

func (s *SQLiteStore) CreateRecord(ctx context.Context, record *ExecRecord) error {
	if record == nil {
		return pkgerrors.New("storage: nil record")
	}
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	now := s.now().Unix()
	record.CreatedAt = now
	record.UpdatedAt = now
	_, err := s.db.ExecContext(ctx, `INSERT INTO exec_records
		(id, task_id, device_id, device_lock_value, status, exec_timeout_unix, finish_time,
		 fail_reason, created_at, updated_at)
		VALUES (?,?,?,?,?,?,?,?,?,?)`,
		record.ID, record.TaskID, record.DeviceID, record.DeviceLockValue, string(record.Status),
		record.ExecTimeoutUnix, record.FinishTime, record.FailReason, record.CreatedAt, record.UpdatedAt)
	return pkgerrors.Wrap(err, "storage: insert record failed")
}

func (s *SQLiteStore) GetRecordsByIDs(ctx context.Context, ids []string) ([]*ExecRecord, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	placeholders, args := stringArgs(ids)
	rows, err := s.db.QueryContext(ctx,
		fmt.Sprintf("SELECT %s FROM exec_records WHERE id IN (%s)", recordColumns, placeholders), args...)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "storage: query records failed")
	}
	defer rows.Close()
	return scanRecords(rows)
}

func (s *SQLiteStore) LatestRecordByTask(ctx context.Context, taskID string) (*ExecRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		fmt.Sprintf("SELECT %s FROM exec_records WHERE task_id=? ORDER BY created_at DESC, id DESC LIMIT 1",
			recordColumns), taskID)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "storage: query latest record failed")
	}
	defer rows.Close()
	records, err := scanRecords(rows)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, ErrNotFound
	}
	return records[0], nil
}

func (s *SQLiteStore) UpdateRecord(ctx context.Context, id string, update RecordUpdate) (int64, error) {
	sets := []string{"updated_at=?"}
	args := []any{s.now().Unix()}
	if update.Status != nil {
		sets = append(sets, "status=?")
		args = append(args, string(*update.Status))
	}
	if update.FinishTime != nil {
		sets = append(sets, "finish_time=?")
		args = append(args, *update.FinishTime)
	}
	if update.FailReason != nil {
		sets = append(sets, "fail_reason=?")
		args = append(args, *update.FailReason)
	}
	args = append(args, id)
	res, err := s.db.ExecContext(ctx,
		fmt.Sprintf("UPDATE exec_records SET %s WHERE id=?", strings.Join(sets, ", ")), args...)
	if err != nil {
		return 0, pkgerrors.Wrap(err, "storage: update record failed")
	}
	affected, _ := res.RowsAffected()
	return affected, nil
}

func (s *SQLiteStore) RunningRecordsExpiredBefore(ctx context.Context, deadline int64, limit, offset int) ([]*ExecRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		fmt.Sprintf(`SELECT %s FROM exec_records
			WHERE status=? AND exec_timeout_unix>0 AND exec_timeout_unix<?
			ORDER BY created_at, id LIMIT ? OFFSET ?`, recordColumns),
		string(RecordRunning), deadline, limit, offset)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "storage: query expired records failed")
	}
	defer rows.Close()
	return scanRecords(rows)
}

func (s *SQLiteStore) MarkRecordsSuccess(ctx context.Context, recordIDs []string, finishTime int64) error {
	if len(recordIDs) == 0 {
		return nil
	}
	records, err := s.GetRecordsByIDs(ctx, recordIDs)
	if err != nil {
		return err
	}
	taskIDs := make([]string, 0, len(records))
	seen := make(map[string]struct{}, len(records))
	for _, record := range records {
		if _, ok := seen[record.TaskID]; ok {
			continue
		}
		seen[record.TaskID] = struct{}{}
		taskIDs = append(taskIDs, record.TaskID)
	}
	now := s.now().Unix()
	if len(taskIDs) > 0 {
		placeholders, args := stringArgs(taskIDs)
		nonTerminal := []TaskStatus{TaskWaiting, TaskRunning, TaskSendSuccess, TaskFailedWaitingRetry}
		statusPh, statusVals := statusArgs(nonTerminal)
		args = append([]any{string(TaskSuccess), finishTime, now}, args...)
		args = append(args, statusVals...)
		if _, err := s.db.ExecContext(ctx,
			fmt.Sprintf("UPDATE script_tasks SET status=?, finish_time=?, updated_at=? WHERE id IN (%s) AND status IN (%s)",
				placeholders, statusPh), args...); err != nil {
			return pkgerrors.Wrap(err, "storage: mark tasks success failed")
		}
	}
	placeholders, args := stringArgs(recordIDs)
	args = append([]any{string(RecordSuccess), finishTime, now}, args...)
	_, err = s.db.ExecContext(ctx,
		fmt.Sprintf("UPDATE exec_records SET status=?, finish_time=?, updated_at=? WHERE id IN (%s) AND status=?",
			placeholders), append(args, string(RecordRunning))...)
	return pkgerrors.Wrap(err, "storage: mark records success failed")
}

func (s *SQLiteStore) FirstRecordCreatedAt(ctx context.Context, taskIDs []string) (map[string]int64, error) {
	result := make(map[string]int64)
	if len(taskIDs) == 0 {
		return result, nil
	}
	placeholders, args := stringArgs(taskIDs)
	rows, err := s.db.QueryContext(ctx,
		fmt.Sprintf("SELECT task_id, MIN(created_at) FROM exec_records WHERE task_id IN (%s) GROUP BY task_id",
			placeholders), args...)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "storage: query first record times failed")
	}
	defer rows.Close()
	for rows.Next() {
		var taskID string
		var createdAt int64
		if err := rows.Scan(&taskID, &createdAt); err != nil {
			return nil, pkgerrors.Wrap(err, "storage: scan first record time failed")
		}
		result[taskID] = createdAt
	}
	return result, pkgerrors.Wrap(rows.Err(), "storage: iterate first record times failed")
}

func (s *SQLiteStore) AppendLogs(ctx context.Context, logs []*ExecLog) error {
	if len(logs) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return pkgerrors.Wrap(err, "storage: begin log tx failed")
	}
	now := s.now().Unix()
	for _, entry := range logs {
		if entry == nil {
			continue
		}
		if entry.ID == "" {
			entry.ID = uuid.NewString()
		}
		entry.CreatedAt = now
		if _, err := tx.ExecContext(ctx, `INSERT INTO exec_logs
			(id, task_id, record_id, device_id, log_text, log_type, execute_at, created_at)
			VALUES (?,?,?,?,?,?,?,?)`,
			entry.ID, entry.TaskID, entry.RecordID, entry.DeviceID, entry.LogText,
			string(entry.LogType), entry.ExecuteAt, entry.CreatedAt); err != nil {
			tx.Rollback()
			return pkgerrors.Wrap(err, "storage: insert log failed")
		}
	}
	return pkgerrors.Wrap(tx.Commit(), "storage: commit logs failed")
}

func (s *SQLiteStore) LogsByTask(ctx context.Context, taskID, recordID string, limit int) ([]*ExecLog, error) {
	if limit <= 0 {
		limit = 999
	}
	query := `SELECT id, task_id, record_id, device_id, log_text, log_type, execute_at, created_at
		FROM exec_logs WHERE task_id=?`
	args := []any{taskID}
	if recordID != "" {
		query += " AND record_id=?"
		args = append(args, recordID)
	}
	query += " ORDER BY created_at, id LIMIT ?"
	args = append(args, limit)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "storage: query logs failed")
	}
	defer rows.Close()
	var logs []*ExecLog
	for rows.Next() {
		entry := &ExecLog{}
		var logType string
		if err := rows.Scan(&entry.ID, &entry.TaskID, &entry.RecordID, &entry.DeviceID,
			&entry.LogText, &logType, &entry.ExecuteAt, &entry.CreatedAt); err != nil {
			return nil, pkgerrors.Wrap(err, "storage: scan log failed")
		}
		entry.LogType = LogType(logType)
		logs = append(logs, entry)
	}
	return logs, pkgerrors.Wrap(rows.Err(), "storage: iterate logs failed")
}

func (s *SQLiteStore) SaveScriptCode(ctx context.Context, code *ScriptCode) error {
	if code == nil {
		return pkgerrors.New("storage: nil script code")
	}
	if code.ID == "" {
		code.ID = uuid.NewString()
	}
	code.CreatedAt = s.now().Unix()
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO script_codes (id, task_id, device_id, code, created_at) VALUES (?,?,?,?,?)",
		code.ID, code.TaskID, code.DeviceID, code.Code, code.CreatedAt)
	return pkgerrors.Wrap(err, "storage: insert script code failed")
}

func (s *SQLiteStore) GetScriptCode(ctx context.Context, taskID, deviceID string) (*ScriptCode, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT id, task_id, device_id, code, created_at FROM script_codes WHERE task_id=? AND device_id=? LIMIT 1",
		taskID, deviceID)
	code := &ScriptCode{}
	err := row.Scan(&code.ID, &code.TaskID, &code.DeviceID, &code.Code, &code.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, pkgerrors.Wrap(err, "storage: query script code failed")
	}
	return code, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row *sql.Row) (*ScriptTask, error) {
	task, err := scanTaskInto(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return task, err
}

func scanTaskRow(rows *sql.Rows) (*ScriptTask, error) {
	return scanTaskInto(rows)
}

func scanTaskInto(scanner rowScanner) (*ScriptTask, error) {
	task := &ScriptTask{}
	var status, variables, fileURLs string
	var isRetry, isDeleted int
	err := scanner.Scan(&task.ID, &task.Name, &status, &task.DeviceID, &variables, &fileURLs,
		&task.ExpectedExecTime, &task.NextExecTime, &task.WaitTimeoutUnix, &task.ExecTimeoutUnix,
		&isRetry, &task.RetryCount, &task.FinishTime, &task.FailReason, &isDeleted,
		&task.CreatedAt, &task.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, err
	}
	if err != nil {
		return nil, pkgerrors.Wrap(err, "storage: scan task failed")
	}
	task.Status = TaskStatus(status)
	task.IsRetry = isRetry != 0
	task.IsDeleted = isDeleted != 0
	if variables != "" && variables != "{}" {
		if err := json.Unmarshal([]byte(variables), &task.Variables); err != nil {
			log.Warn().Err(err).Str("task_id", task.ID).Msg("storage: decode task variables failed")
		}
	}
	if fileURLs != "" && fileURLs != "[]" {
		if err := json.Unmarshal([]byte(fileURLs), &task.FileURLs); err != nil {
			log.Warn().Err(err).Str("task_id", task.ID).Msg("storage: decode task file urls failed")
		}
	}
	return task, nil
}

func scanTasks(rows *sql.Rows) ([]*ScriptTask, error) {
	var tasks []*ScriptTask
	for rows.Next() {
		task, err := scanTaskRow(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	return tasks, pkgerrors.Wrap(rows.Err(), "storage: iterate tasks failed")
}

func scanRecords(rows *sql.Rows) ([]*ExecRecord, error) {
	var records []*ExecRecord
	for rows.Next() {
		record := &ExecRecord{}
		var status string
		if err := rows.Scan(&record.ID, &record.TaskID, &record.DeviceID, &record.DeviceLockValue,
			&status, &record.ExecTimeoutUnix, &record.FinishTime, &record.FailReason,
			&record.CreatedAt, &record.UpdatedAt); err != nil {
			return nil, pkgerrors.Wrap(err, "storage: scan record failed")
		}
		record.Status = RecordStatus(status)
		records = append(records, record)
	}
	return records, pkgerrors.Wrap(rows.Err(), "storage: iterate records failed")
}

func marshalTaskJSON(task *ScriptTask) (string, string, error) {
	variables := "{}"
	if len(task.Variables) > 0 {
		data, err := json.Marshal(task.Variables)
		if err != nil {
			return "", "", pkgerrors.Wrap(err, "storage: encode task variables failed")
		}
		variables = string(data)
	}
	fileURLs := "[]"
	if len(task.FileURLs) > 0 {
		data, err := json.Marshal(task.FileURLs)
		if err != nil {
			return "", "", pkgerrors.Wrap(err, "storage: encode task file urls failed")
		}
		fileURLs = string(data)
	}
	return variables, fileURLs, nil
}

func statusArgs(statuses []TaskStatus) (string, []any) {
	placeholders := make([]string, len(statuses))
	args := make([]any, len(statuses))
	for i, status := range statuses {
		placeholders[i] = "?"
		args[i] = string(status)
	}
	return strings.Join(placeholders, ","), args
}

func stringArgs(values []string) (string, []any) {
	placeholders := make([]string, len(values))
	args := make([]any, len(values))
	for i, v := range values {
		placeholders[i] = "?"
		args[i] = v
	}
	return strings.Join(placeholders, ","), args
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
