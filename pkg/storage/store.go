package storage

import (
	"context"

	"github.com/pkg/errors"
)

// ErrNotFound is returned when a lookup matches no active row.
var ErrNotFound = errors.New("storage: not found")

// TaskListFilter narrows List queries.
type TaskListFilter struct {
	DeviceID  string
	BeginTime int64 // createdAt >= BeginTime when non-zero
	EndTime   int64 // createdAt <= EndTime when non-zero
	Word      string // case-insensitive substring match on task name
	Page      int    // 1-based
	Size      int
}

// TaskFailure pairs an execution record with the reason it failed.
type TaskFailure struct {
	RecordID string
	Reason   string
}

// TaskStore is the persistence contract for tasks, execution records and
// execution logs. Implementations must keep CreatedAt/UpdatedAt current and
// exclude soft-deleted tasks from every active query.
type TaskStore interface {
	CreateTask(ctx context.Context, task *ScriptTask) error
	GetTask(ctx context.Context, id string) (*ScriptTask, error)
	// GetTaskInStatuses returns the task only when its current status is one
	// of the given set; ErrNotFound otherwise.
	GetTaskInStatuses(ctx context.Context, id string, statuses []TaskStatus) (*ScriptTask, error)
	GetTasksByIDs(ctx context.Context, ids []string) ([]*ScriptTask, error)
	// UpdateTaskStatus applies fields to the task only when its current status
	// is still one of fromStatuses. Returns the number of rows changed.
	UpdateTaskStatus(ctx context.Context, id string, fromStatuses []TaskStatus, update TaskUpdate) (int64, error)
	SaveTask(ctx context.Context, task *ScriptTask) error
	SoftDeleteTask(ctx context.Context, id string) error
	ListTasks(ctx context.Context, filter TaskListFilter) ([]*ScriptTask, int64, error)
	// DueTasks walks tasks in the given statuses whose nextExecTime falls in
	// [from, to], ordered by id, invoking fn per task until exhaustion or error.
	DueTasks(ctx context.Context, statuses []TaskStatus, from, to int64, fn func(*ScriptTask) error) error
	// FailTasks force-fails the given task ids with a shared reason,
	// regardless of current status. Used only by the shutdown path.
	FailTasks(ctx context.Context, ids []string, reason string, finishTime int64) error

	CreateRecord(ctx context.Context, record *ExecRecord) error
	GetRecordsByIDs(ctx context.Context, ids []string) ([]*ExecRecord, error)
	LatestRecordByTask(ctx context.Context, taskID string) (*ExecRecord, error)
	UpdateRecord(ctx context.Context, id string, update RecordUpdate) (int64, error)
	// RunningRecordsExpiredBefore pages through running records whose
	// execTimeoutUnix has passed, oldest first.
	RunningRecordsExpiredBefore(ctx context.Context, deadline int64, limit, offset int) ([]*ExecRecord, error)
	// MarkRecordsSuccess batch-terminates records and their owning
	// non-terminal tasks as successful.
	MarkRecordsSuccess(ctx context.Context, recordIDs []string, finishTime int64) error
	// FirstRecordCreatedAt returns taskID -> createdAt of the earliest
	// execution record, for the tasks that have one.
	FirstRecordCreatedAt(ctx context.Context, taskIDs []string) (map[string]int64, error)

	AppendLogs(ctx context.Context, logs []*ExecLog) error
	LogsByTask(ctx context.Context, taskID, recordID string, limit int) ([]*ExecLog, error)

	SaveScriptCode(ctx context.Context, code *ScriptCode) error
	GetScriptCode(ctx context.Context, taskID, deviceID string) (*ScriptCode, error)

	Close() error
}

// TaskUpdate carries the mutable fields of a conditional task update.
// Nil pointers leave the column untouched.
type TaskUpdate struct {
	Status       *TaskStatus
	NextExecTime *int64
	RetryDelta   int // added to retryCount
	FinishTime   *int64
	FailReason   *string
}

// RecordUpdate carries the mutable fields of a record update.
type RecordUpdate struct {
	Status     *RecordStatus
	FinishTime *int64
	FailReason *string
}
