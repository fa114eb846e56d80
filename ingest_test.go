package taskdispatch

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/yuhang1130/taskdispatch/pkg/mq"
	"github.com/yuhang1130/taskdispatch/pkg/storage"
)

func outcomePayload(logType, taskID, recordID, deviceID, text string) []byte {
	return []byte(fmt.Sprintf(
		`{"logType":%q,"taskId":%q,"taskRecord":%q,"deviceId":%q,"log":%q,"time":1700000000}`,
		logType, taskID, recordID, deviceID, text))
}

func TestHandleBatchSuccessOutcome(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ingestor := NewIngestor(f.store, f.handler)

	task := f.createTask(t, "SN1", func(task *storage.ScriptTask) {
		task.Status = storage.TaskSendSuccess
	})
	record := f.createRunningRecord(t, task)

	err := ingestor.HandleBatch(ctx, OutcomeTopic, []mq.Message{
		{ID: "1", Payload: outcomePayload("success", task.ID, record.ID, "SN1", "all steps passed")},
	})
	require.NoError(t, err)

	got, err := f.store.GetTask(ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, storage.TaskSuccess, got.Status)
	require.NotZero(t, got.FinishTime)
	require.False(t, f.mr.Exists(deviceLockKey("SN1")))

	logs, err := f.store.LogsByTask(ctx, task.ID, record.ID, 0)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	require.Equal(t, storage.LogSuccess, logs[0].LogType)
}

func TestHandleBatchErrorOutcomeRetriesTask(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ingestor := NewIngestor(f.store, f.handler)

	task := f.createTask(t, "SN1", func(task *storage.ScriptTask) {
		task.Status = storage.TaskSendSuccess
		task.IsRetry = true
	})
	record := f.createRunningRecord(t, task)

	err := ingestor.HandleBatch(ctx, OutcomeTopic, []mq.Message{
		{ID: "1", Payload: outcomePayload("system_error", task.ID, record.ID, "SN1", "runtime crashed")},
	})
	require.NoError(t, err)

	require.Equal(t, storage.TaskFailedWaitingRetry, f.taskStatus(t, task.ID))
	records, err := f.store.GetRecordsByIDs(ctx, []string{record.ID})
	require.NoError(t, err)
	require.Equal(t, storage.RecordFailed, records[0].Status)
	require.Equal(t, "runtime crashed", records[0].FailReason)
	require.False(t, f.mr.Exists(deviceLockKey("SN1")))
}

func TestHandleBatchMixedClassification(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ingestor := NewIngestor(f.store, f.handler)

	okTask := f.createTask(t, "SN1", func(task *storage.ScriptTask) {
		task.Status = storage.TaskSendSuccess
	})
	okRecord := f.createRunningRecord(t, okTask)
	infoTask := f.createTask(t, "SN2", func(task *storage.ScriptTask) {
		task.Status = storage.TaskSendSuccess
	})
	infoRecord := f.createRunningRecord(t, infoTask)

	err := ingestor.HandleBatch(ctx, OutcomeTopic, []mq.Message{
		{ID: "1", Payload: outcomePayload("success", okTask.ID, okRecord.ID, "SN1", "done")},
		{ID: "2", Payload: outcomePayload("info", infoTask.ID, infoRecord.ID, "SN2", "step 3/10")},
	})
	require.NoError(t, err)

	require.Equal(t, storage.TaskSuccess, f.taskStatus(t, okTask.ID))
	// Info messages only append logs; the task keeps running remotely and
	// its lock stays held.
	require.Equal(t, storage.TaskSendSuccess, f.taskStatus(t, infoTask.ID))
	require.True(t, f.mr.Exists(deviceLockKey("SN2")))

	logs, err := f.store.LogsByTask(ctx, infoTask.ID, "", 0)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	require.Equal(t, "step 3/10", logs[0].LogText)
}

func TestHandleBatchSkipsForeignAndMalformed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ingestor := NewIngestor(f.store, f.handler)

	err := ingestor.HandleBatch(ctx, OutcomeTopic, []mq.Message{
		{ID: "1", Payload: []byte("not json at all")},
		{ID: "2", Payload: outcomePayload("success", "short-id", "r1", "SN1", "foreign env")},
	})
	require.NoError(t, err)

	logs, err := f.store.LogsByTask(ctx, "short-id", "", 0)
	require.NoError(t, err)
	require.Empty(t, logs)
}

func TestHandleBatchRedeliveryIsNoOp(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ingestor := NewIngestor(f.store, f.handler)

	task := f.createTask(t, "SN1", func(task *storage.ScriptTask) {
		task.Status = storage.TaskSendSuccess
	})
	record := f.createRunningRecord(t, task)
	batch := []mq.Message{
		{ID: "1", Payload: outcomePayload("success", task.ID, record.ID, "SN1", "done")},
	}

	require.NoError(t, ingestor.HandleBatch(ctx, OutcomeTopic, batch))
	require.NoError(t, ingestor.HandleBatch(ctx, OutcomeTopic, batch))

	require.Equal(t, storage.TaskSuccess, f.taskStatus(t, task.ID))
	// The replay appended a duplicate log row, which at-least-once accepts.
	logs, err := f.store.LogsByTask(ctx, task.ID, "", 0)
	require.NoError(t, err)
	require.Len(t, logs, 2)
}
