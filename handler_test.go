package taskdispatch

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/yuhang1130/taskdispatch/pkg/storage"
)

func TestFailByRecordsRetriesTask(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	task := f.createTask(t, "SN1", func(task *storage.ScriptTask) {
		task.Status = storage.TaskSendSuccess
		task.IsRetry = true
	})
	record := f.createRunningRecord(t, task)
	require.True(t, f.mr.Exists(deviceLockKey("SN1")))

	err := f.handler.FailByRecords(ctx, []storage.TaskFailure{
		{RecordID: record.ID, Reason: "script crashed"},
	})
	require.NoError(t, err)

	require.Equal(t, storage.TaskFailedWaitingRetry, f.taskStatus(t, task.ID))
	records, err := f.store.GetRecordsByIDs(ctx, []string{record.ID})
	require.NoError(t, err)
	require.Equal(t, storage.RecordFailed, records[0].Status)
	require.Equal(t, "script crashed", records[0].FailReason)
	require.False(t, f.mr.Exists(deviceLockKey("SN1")))
}

func TestFailByRecordsTerminatesNonRetryable(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	task := f.createTask(t, "SN1", func(task *storage.ScriptTask) {
		task.Status = storage.TaskSendSuccess
	})
	record := f.createRunningRecord(t, task)

	err := f.handler.FailByRecords(ctx, []storage.TaskFailure{
		{RecordID: record.ID, Reason: "device offline"},
	})
	require.NoError(t, err)

	got, err := f.store.GetTask(ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, storage.TaskFailed, got.Status)
	require.Equal(t, "device offline", got.FailReason)
	require.NotZero(t, got.FinishTime)
}

func TestFailByRecordsLeavesTerminalTaskAlone(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	task := f.createTask(t, "SN1", func(task *storage.ScriptTask) {
		task.Status = storage.TaskCanceled
	})
	record := f.createRunningRecord(t, task)

	err := f.handler.FailByRecords(ctx, []storage.TaskFailure{
		{RecordID: record.ID, Reason: "late outcome"},
	})
	require.NoError(t, err)
	require.Equal(t, storage.TaskCanceled, f.taskStatus(t, task.ID))
}

func TestSucceedByRecords(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	task := f.createTask(t, "SN1", func(task *storage.ScriptTask) {
		task.Status = storage.TaskSendSuccess
	})
	record := f.createRunningRecord(t, task)

	require.NoError(t, f.handler.SucceedByRecords(ctx, []string{record.ID}))

	got, err := f.store.GetTask(ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, storage.TaskSuccess, got.Status)
	require.NotZero(t, got.FinishTime)
	require.False(t, f.mr.Exists(deviceLockKey("SN1")))

	// Redelivery replays the same batch; terminal guards make it a no-op.
	require.NoError(t, f.handler.SucceedByRecords(ctx, []string{record.ID}))
	require.Equal(t, storage.TaskSuccess, f.taskStatus(t, task.ID))
}

func TestReleaseRecordLocksPrefersNewestToken(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	token, err := f.locks.AcquireDevice(ctx, "SN1", DeviceLockTTL, DeviceLockAcquireTimeout)
	require.NoError(t, err)

	records := []*storage.ExecRecord{
		{DeviceID: "SN1", DeviceLockValue: token - 50},
		{DeviceID: "SN1", DeviceLockValue: token},
		{DeviceID: "SN1", DeviceLockValue: 0},
	}
	f.handler.ReleaseRecordLocks(ctx, records)
	require.False(t, f.mr.Exists(deviceLockKey("SN1")))
}
