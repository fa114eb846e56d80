package taskdispatch

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/yuhang1130/taskdispatch/pkg/storage"
)

func newTestWorker(f *fixture) *Worker {
	return NewWorker(1, NewMailbox(1, 16), f.store, f.locks, f.remote, f.handler)
}

// drainOutbox collects everything the worker reported.
func drainOutbox(worker *Worker) []Envelope {
	var envs []Envelope
	for {
		select {
		case env := <-worker.mbox.Outbox():
			envs = append(envs, env)
		default:
			return envs
		}
	}
}

func requireTaskDone(t *testing.T, worker *Worker, taskID string) {
	t.Helper()
	for _, env := range drainOutbox(worker) {
		if env.Type != MsgTaskDone {
			continue
		}
		var outcome TaskOutcome
		require.NoError(t, env.Decode(&outcome))
		if outcome.TaskID == taskID {
			return
		}
	}
	t.Fatalf("no Task_Done reported for %s", taskID)
}

func TestExecuteDispatchSuccessKeepsLock(t *testing.T) {
	f := newFixture(t)
	worker := newTestWorker(f)
	task := f.createTask(t, "SN1", nil)

	worker.execute(context.Background(), TaskAssignment{TaskID: task.ID, DeviceID: "SN1"})

	require.Equal(t, storage.TaskSendSuccess, f.taskStatus(t, task.ID))
	// Remote execution is still in flight: the lock must keep other
	// attempts off the device until an outcome arrives.
	require.True(t, f.mr.Exists(deviceLockKey("SN1")))

	record, err := f.store.LatestRecordByTask(context.Background(), task.ID)
	require.NoError(t, err)
	require.Equal(t, storage.RecordRunning, record.Status)
	require.NotZero(t, record.DeviceLockValue)

	require.Len(t, f.remote.distributeCalls, 1)
	require.Equal(t, task.ID, f.remote.distributeCalls[0].TaskID)
	require.Equal(t, "print('run')", f.remote.distributeCalls[0].LuaCode)
	requireTaskDone(t, worker, task.ID)
}

func TestExecuteDispatchFailureRetriesAndReleasesLock(t *testing.T) {
	f := newFixture(t)
	f.remote.distributeFn = func(req DistributeRequest) RemoteResponse[DistributeResult] {
		return RemoteResponse[DistributeResult]{Code: StateFail, Message: "device rejected"}
	}
	worker := newTestWorker(f)
	task := f.createTask(t, "SN1", func(task *storage.ScriptTask) {
		task.IsRetry = true
	})

	worker.execute(context.Background(), TaskAssignment{TaskID: task.ID, DeviceID: "SN1"})

	got, err := f.store.GetTask(context.Background(), task.ID)
	require.NoError(t, err)
	require.Equal(t, storage.TaskFailedWaitingRetry, got.Status)
	require.Greater(t, got.NextExecTime, time.Now().Unix())
	require.False(t, f.mr.Exists(deviceLockKey("SN1")))

	record, err := f.store.LatestRecordByTask(context.Background(), task.ID)
	require.NoError(t, err)
	require.Equal(t, storage.RecordFailed, record.Status)
	require.Contains(t, record.FailReason, "device rejected")
	requireTaskDone(t, worker, task.ID)
}

func TestExecuteUploadFailureFailsNonRetryableTask(t *testing.T) {
	f := newFixture(t)
	f.remote.uploadFn = func(sns []string, files []FileRef) RemoteResponse[struct{}] {
		return RemoteResponse[struct{}]{Code: StateFail, Message: "storage unreachable"}
	}
	worker := newTestWorker(f)
	task := f.createTask(t, "SN1", func(task *storage.ScriptTask) {
		task.FileURLs = []string{"https://files.test/data.bin"}
	})

	worker.execute(context.Background(), TaskAssignment{TaskID: task.ID, DeviceID: "SN1"})

	got, err := f.store.GetTask(context.Background(), task.ID)
	require.NoError(t, err)
	require.Equal(t, storage.TaskFailed, got.Status)
	require.Contains(t, got.FailReason, "upload files failed")
	require.Empty(t, f.remote.distributeCalls)
	require.False(t, f.mr.Exists(deviceLockKey("SN1")))
}

func TestExecuteSkipsCanceledTask(t *testing.T) {
	f := newFixture(t)
	worker := newTestWorker(f)
	task := f.createTask(t, "SN1", func(task *storage.ScriptTask) {
		task.Status = storage.TaskCanceled
	})

	worker.execute(context.Background(), TaskAssignment{TaskID: task.ID, DeviceID: "SN1"})

	require.Equal(t, storage.TaskCanceled, f.taskStatus(t, task.ID))
	_, err := f.store.LatestRecordByTask(context.Background(), task.ID)
	require.ErrorIs(t, err, storage.ErrNotFound)
	require.False(t, f.mr.Exists(deviceLockKey("SN1")))
	requireTaskDone(t, worker, task.ID)
}

func TestExecuteExpiresWaitTimeout(t *testing.T) {
	f := newFixture(t)
	worker := newTestWorker(f)
	task := f.createTask(t, "SN1", func(task *storage.ScriptTask) {
		task.WaitTimeoutUnix = time.Now().Add(-time.Minute).Unix()
	})

	worker.execute(context.Background(), TaskAssignment{TaskID: task.ID, DeviceID: "SN1"})

	got, err := f.store.GetTask(context.Background(), task.ID)
	require.NoError(t, err)
	require.Equal(t, storage.TaskWaitingTimeout, got.Status)
	require.Equal(t, ReasonWaitTimeout, got.FailReason)
	require.Zero(t, got.FinishTime)
	// No attempt was made.
	_, err = f.store.LatestRecordByTask(context.Background(), task.ID)
	require.ErrorIs(t, err, storage.ErrNotFound)
	require.False(t, f.mr.Exists(deviceLockKey("SN1")))
}

func TestExecuteAbandonsWhenDeviceBusy(t *testing.T) {
	f := newFixture(t)
	worker := newTestWorker(f)
	task := f.createTask(t, "SN1", func(task *storage.ScriptTask) {
		task.IsRetry = true
	})

	// Another attempt holds the device.
	_, err := f.locks.AcquireDevice(context.Background(), "SN1", DeviceLockTTL, DeviceLockAcquireTimeout)
	require.NoError(t, err)

	worker.execute(context.Background(), TaskAssignment{TaskID: task.ID, DeviceID: "SN1"})

	// The attempt vanished without a trace: no retry consumed, no record,
	// the task stays eligible for the periodic rescan.
	got, err := f.store.GetTask(context.Background(), task.ID)
	require.NoError(t, err)
	require.Equal(t, storage.TaskWaiting, got.Status)
	require.Equal(t, 0, got.RetryCount)
	_, err = f.store.LatestRecordByTask(context.Background(), task.ID)
	require.ErrorIs(t, err, storage.ErrNotFound)
	requireTaskDone(t, worker, task.ID)
}

func TestWorkerRunHandlesAssignment(t *testing.T) {
	f := newFixture(t)
	mbox := NewMailbox(1, 16)
	worker := NewWorker(1, mbox, f.store, f.locks, f.remote, f.handler)
	task := f.createTask(t, "SN1", nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go worker.Run(ctx)

	// First report is the online signal.
	select {
	case env := <-mbox.Outbox():
		require.Equal(t, MsgWorkerOnline, env.Type)
	case <-time.After(2 * time.Second):
		t.Fatal("worker never came online")
	}

	env, err := NewEnvelope(MsgTaskHandle, "master", 1, TaskAssignment{TaskID: task.ID, DeviceID: "SN1"})
	require.NoError(t, err)
	require.True(t, mbox.Send(env))

	deadline := time.After(5 * time.Second)
	for {
		select {
		case env := <-mbox.Outbox():
			if env.Type != MsgTaskDone {
				continue
			}
			var outcome TaskOutcome
			require.NoError(t, env.Decode(&outcome))
			require.Equal(t, task.ID, outcome.TaskID)
			require.Equal(t, storage.TaskSendSuccess, f.taskStatus(t, task.ID))
			return
		case <-deadline:
			t.Fatal("no completion report")
		}
	}
}
