package taskdispatch

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/yuhang1130/taskdispatch/pkg/redislock"
	"github.com/yuhang1130/taskdispatch/pkg/storage"
)

// ErrValidation marks malformed creation input, rejected before persistence.
var ErrValidation = errors.New("invalid task input")

// CreateTaskInput is the intake shape for a new script task.
type CreateTaskInput struct {
	Name             string
	DeviceID         string
	Code             string
	Variables        map[string]any
	FileURLs         []string
	ExpectedExecTime int64 // unix seconds, 0 runs immediately
	WaitTimeoutUnix  int64
	ExecTimeoutUnix  int64
	IsRetry          bool
}

// TaskInfo is a task enriched with attempt-derived fields.
type TaskInfo struct {
	*storage.ScriptTask
	ActualExecTime int64 // createdAt of the first execution record, 0 if never attempted
}

// TaskService is the intake and query surface for script tasks.
type TaskService struct {
	store  storage.TaskStore
	remote RemoteDeviceClient
	queue  *redislock.NotifyQueue
	now    func() time.Time
}

// NewTaskService wires the service.
func NewTaskService(store storage.TaskStore, remote RemoteDeviceClient, queue *redislock.NotifyQueue) *TaskService {
	return &TaskService{store: store, remote: remote, queue: queue, now: time.Now}
}

// Create validates the input against the device fleet, persists the task and
// its script body, and wakes the dispatcher when the task is due now.
func (s *TaskService) Create(ctx context.Context, input CreateTaskInput) (*storage.ScriptTask, error) {
	if input.DeviceID == "" {
		return nil, errors.Wrap(ErrValidation, "deviceId is required")
	}
	if input.Name == "" {
		return nil, errors.Wrap(ErrValidation, "name is required")
	}
	if input.Code == "" {
		return nil, errors.Wrap(ErrValidation, "script code is required")
	}
	if len(input.Code) > MaxScriptCodeBytes {
		return nil, errors.Wrapf(ErrValidation, "script code exceeds %d bytes", MaxScriptCodeBytes)
	}
	if resp := s.remote.DeviceInfo(ctx, input.DeviceID); !resp.OK() {
		return nil, errors.Wrapf(ErrValidation, "device %s unavailable: %s", input.DeviceID, resp.Reason())
	}

	now := s.now()
	nextExecTime := input.ExpectedExecTime
	if nextExecTime == 0 {
		nextExecTime = now.Unix()
	}
	execTimeout := input.ExecTimeoutUnix
	if execTimeout == 0 {
		execTimeout = now.Add(DefaultExecTimeout).Unix()
	}
	task := &storage.ScriptTask{
		Name:             input.Name,
		Status:           storage.TaskWaiting,
		DeviceID:         input.DeviceID,
		Variables:        input.Variables,
		FileURLs:         input.FileURLs,
		ExpectedExecTime: input.ExpectedExecTime,
		NextExecTime:     nextExecTime,
		WaitTimeoutUnix:  input.WaitTimeoutUnix,
		ExecTimeoutUnix:  execTimeout,
		IsRetry:          input.IsRetry,
	}
	if err := s.store.CreateTask(ctx, task); err != nil {
		return nil, err
	}
	if err := s.store.SaveScriptCode(ctx, &storage.ScriptCode{
		TaskID:   task.ID,
		DeviceID: task.DeviceID,
		Code:     input.Code,
	}); err != nil {
		return nil, err
	}

	if nextExecTime <= now.Unix() {
		notice := redislock.TaskNotice{TaskID: task.ID, DeviceID: task.DeviceID}
		if err := s.queue.Push(ctx, notice); err != nil {
			// The periodic rescan will still pick the task up.
			log.Warn().Err(err).Str("taskId", task.ID).Msg("push task notice failed")
		}
	}
	log.Info().Str("taskId", task.ID).Str("deviceId", task.DeviceID).
		Int64("nextExecTime", nextExecTime).Msg("task created")
	return task, nil
}

// Info returns one active task.
func (s *TaskService) Info(ctx context.Context, id string) (*storage.ScriptTask, error) {
	return s.store.GetTask(ctx, id)
}

// BatchInfo returns the given tasks with when each was actually first
// attempted, which can trail the expected time under contention.
func (s *TaskService) BatchInfo(ctx context.Context, ids []string) ([]*TaskInfo, error) {
	tasks, err := s.store.GetTasksByIDs(ctx, ids)
	if err != nil {
		return nil, err
	}
	taskIDs := make([]string, 0, len(tasks))
	for _, task := range tasks {
		taskIDs = append(taskIDs, task.ID)
	}
	firstAttempt, err := s.store.FirstRecordCreatedAt(ctx, taskIDs)
	if err != nil {
		return nil, err
	}
	infos := make([]*TaskInfo, 0, len(tasks))
	for _, task := range tasks {
		infos = append(infos, &TaskInfo{
			ScriptTask:     task,
			ActualExecTime: firstAttempt[task.ID],
		})
	}
	return infos, nil
}

// List pages through active tasks.
func (s *TaskService) List(ctx context.Context, filter storage.TaskListFilter) ([]*storage.ScriptTask, int64, error) {
	return s.store.ListTasks(ctx, filter)
}

// SoftDelete hides a task from active queries. Rows are never physically
// removed.
func (s *TaskService) SoftDelete(ctx context.Context, id string) error {
	return s.store.SoftDeleteTask(ctx, id)
}

// Cancel terminates a non-terminal task. When the device reports it is
// executing this exact task a best-effort remote stop is issued first; the
// active execution record and the task both become canceled, which makes any
// stray later outcome message for the old record a no-op.
func (s *TaskService) Cancel(ctx context.Context, id string) error {
	task, err := s.store.GetTask(ctx, id)
	if err != nil {
		return err
	}
	if !CanCancel(task.Status) {
		return errors.Wrapf(ErrIllegalTransition, "cancel from %s", task.Status)
	}

	if resp := s.remote.DeviceInfo(ctx, task.DeviceID); resp.OK() && resp.Data != nil &&
		resp.Data.TaskRunning && resp.Data.TaskID == task.ID {
		if stop := s.remote.StopTask(ctx, []string{task.DeviceID}, task.ID); !stop.OK() {
			log.Warn().Str("taskId", task.ID).Str("deviceId", task.DeviceID).
				Str("reason", stop.Reason()).Msg("remote stop failed")
		}
	}

	finishTime := s.now().Unix()
	record, err := s.store.LatestRecordByTask(ctx, task.ID)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return err
	}
	if record != nil && record.Status == storage.RecordRunning {
		canceled := storage.RecordCanceled
		if _, err := s.store.UpdateRecord(ctx, record.ID, storage.RecordUpdate{
			Status:     &canceled,
			FinishTime: &finishTime,
		}); err != nil {
			return err
		}
	}

	canceled := storage.TaskCanceled
	affected, err := s.store.UpdateTaskStatus(ctx, task.ID, nonTerminalStatuses, storage.TaskUpdate{
		Status:     &canceled,
		FinishTime: &finishTime,
	})
	if err != nil {
		return err
	}
	if affected == 0 {
		return errors.Wrapf(ErrIllegalTransition, "task %s reached a terminal state first", task.ID)
	}
	log.Info().Str("taskId", task.ID).Msg("task canceled")
	return nil
}

// Logs returns execution logs for a task, scoped to the most recent attempt
// when recordID is empty and the task has one.
func (s *TaskService) Logs(ctx context.Context, taskID, recordID string, limit int) ([]*storage.ExecLog, error) {
	if recordID == "" {
		record, err := s.store.LatestRecordByTask(ctx, taskID)
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			return nil, err
		}
		if record != nil {
			recordID = record.ID
		}
	}
	return s.store.LogsByTask(ctx, taskID, recordID, limit)
}
