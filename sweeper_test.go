package taskdispatch

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/yuhang1130/taskdispatch/pkg/storage"
)

func TestSweepFailsExpiredExecutions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	task := f.createTask(t, "SN1", func(task *storage.ScriptTask) {
		task.Status = storage.TaskSendSuccess
		task.IsRetry = true
	})
	record := f.createRunningRecord(t, task)

	sweeper := NewSweeper(f.store, f.handler)
	sweeper.pause = 0
	// The record's deadline is an hour out; sweep from two hours in the
	// future so it has expired.
	sweeper.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	sweeper.Sweep(ctx)

	records, err := f.store.GetRecordsByIDs(ctx, []string{record.ID})
	require.NoError(t, err)
	require.Equal(t, storage.RecordFailed, records[0].Status)
	require.Contains(t, records[0].FailReason, "execution timed out after")

	require.Equal(t, storage.TaskFailedWaitingRetry, f.taskStatus(t, task.ID))
	require.False(t, f.mr.Exists(deviceLockKey("SN1")))
}

func TestSweepIgnoresHealthyExecutions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	task := f.createTask(t, "SN1", func(task *storage.ScriptTask) {
		task.Status = storage.TaskSendSuccess
	})
	record := f.createRunningRecord(t, task)

	sweeper := NewSweeper(f.store, f.handler)
	sweeper.pause = 0
	sweeper.Sweep(ctx)

	records, err := f.store.GetRecordsByIDs(ctx, []string{record.ID})
	require.NoError(t, err)
	require.Equal(t, storage.RecordRunning, records[0].Status)
	require.Equal(t, storage.TaskSendSuccess, f.taskStatus(t, task.ID))
	require.True(t, f.mr.Exists(deviceLockKey("SN1")))
}

func TestSweepGuardRejectsOverlap(t *testing.T) {
	f := newFixture(t)
	sweeper := NewSweeper(f.store, f.handler)

	require.True(t, sweeper.running.CompareAndSwap(false, true))
	// A second pass while one is in flight returns immediately.
	sweeper.Sweep(context.Background())
	require.True(t, sweeper.running.Load())
}

func TestTimeoutReasonWording(t *testing.T) {
	require.Equal(t, "execution timed out after 1 minutes", timeoutReason(20*time.Second))
	require.Equal(t, "execution timed out after 45 minutes", timeoutReason(45*time.Minute))
}
