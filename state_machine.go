package taskdispatch

import (
	"time"

	"github.com/pkg/errors"
	"github.com/yuhang1130/taskdispatch/pkg/storage"
)

// The legal task transitions:
//
//	waiting → running → {send_success → success | failed}
//	running → failed_waiting_retry → running
//	waiting → waiting_timeout
//	any non-terminal → canceled
//
// No transition leaves a terminal state.

// ErrIllegalTransition is returned when a requested transition is not in the
// state graph.
var ErrIllegalTransition = errors.New("illegal task transition")

var pickupStatuses = []storage.TaskStatus{storage.TaskWaiting, storage.TaskFailedWaitingRetry}

// PickupStatuses are the states a task may be taken from for execution.
func PickupStatuses() []storage.TaskStatus {
	return append([]storage.TaskStatus(nil), pickupStatuses...)
}

// Pickup transitions a task to running. This is the single place retryCount
// advances: a task re-picked from failed_waiting_retry consumes one retry.
func Pickup(task *storage.ScriptTask) error {
	if task == nil {
		return errors.New("pickup: nil task")
	}
	switch task.Status {
	case storage.TaskFailedWaitingRetry:
		task.RetryCount++
	case storage.TaskWaiting:
	default:
		return errors.Wrapf(ErrIllegalTransition, "pickup from %s", task.Status)
	}
	task.Status = storage.TaskRunning
	return nil
}

// FailureDecision is the outcome of DecideOnFailure.
type FailureDecision struct {
	Status       storage.TaskStatus
	NextExecTime int64  // set when the task will retry
	FinishTime   int64  // set when the task is terminally failed
	FailReason   string // set when the task is terminally failed
}

// DecideOnFailure resolves whether a failed attempt retries or terminates.
// Tasks that still have retry budget move to failed_waiting_retry with the
// next eligibility pushed out by RetryInterval; retryCount itself is only
// consumed at pickup time.
func DecideOnFailure(task *storage.ScriptTask, reason string, now time.Time) FailureDecision {
	if reason == "" {
		reason = ReasonUnknown
	}
	if task != nil && task.IsRetry && task.RetryCount < MaxRetryCount {
		return FailureDecision{
			Status:       storage.TaskFailedWaitingRetry,
			NextExecTime: now.Add(RetryInterval).Unix(),
		}
	}
	return FailureDecision{
		Status:     storage.TaskFailed,
		FinishTime: now.Unix(),
		FailReason: reason,
	}
}

// CanCancel reports whether a cancel request is legal for the task's
// current state.
func CanCancel(status storage.TaskStatus) bool {
	return !status.Terminal()
}

// WaitExpired reports whether a never-picked-up task has outlived its wait
// deadline.
func WaitExpired(task *storage.ScriptTask, now time.Time) bool {
	if task == nil || task.WaitTimeoutUnix == 0 {
		return false
	}
	return task.WaitTimeoutUnix < now.Unix()
}

// ExpireWait moves a waiting task to waiting_timeout with the fixed reason.
// No execution record is created for this path.
func ExpireWait(task *storage.ScriptTask) error {
	if task == nil {
		return errors.New("expire wait: nil task")
	}
	if task.Status != storage.TaskWaiting && task.Status != storage.TaskFailedWaitingRetry {
		return errors.Wrapf(ErrIllegalTransition, "expire wait from %s", task.Status)
	}
	task.Status = storage.TaskWaitingTimeout
	task.FailReason = ReasonWaitTimeout
	return nil
}
