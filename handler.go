package taskdispatch

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/yuhang1130/taskdispatch/pkg/redislock"
	"github.com/yuhang1130/taskdispatch/pkg/storage"
)

// nonTerminalStatuses is the guard set for every conditional transition out
// of an in-flight state. A concurrent terminal transition wins.
var nonTerminalStatuses = []storage.TaskStatus{
	storage.TaskWaiting,
	storage.TaskRunning,
	storage.TaskSendSuccess,
	storage.TaskFailedWaitingRetry,
}

// TaskHandler owns the completion paths shared by the worker executor, the
// timeout sweeper and the MQ ingestion pipeline: retry-or-fail, batch
// success, and device lock release keyed by the record's stored token.
type TaskHandler struct {
	store storage.TaskStore
	locks *redislock.Client
	now   func() time.Time
}

// NewTaskHandler wires the shared completion paths.
func NewTaskHandler(store storage.TaskStore, locks *redislock.Client) *TaskHandler {
	return &TaskHandler{store: store, locks: locks, now: time.Now}
}

// ApplyFailure runs the retry-or-fail decision for one task and persists the
// outcome conditionally. A task already moved to a terminal state by a
// concurrent path is left untouched.
func (h *TaskHandler) ApplyFailure(ctx context.Context, task *storage.ScriptTask, reason string) error {
	decision := DecideOnFailure(task, reason, h.now())
	update := storage.TaskUpdate{Status: &decision.Status}
	if decision.Status == storage.TaskFailedWaitingRetry {
		update.NextExecTime = &decision.NextExecTime
	} else {
		update.FinishTime = &decision.FinishTime
		update.FailReason = &decision.FailReason
	}
	affected, err := h.store.UpdateTaskStatus(ctx, task.ID, nonTerminalStatuses, update)
	if err != nil {
		return err
	}
	if affected == 0 {
		log.Info().Str("taskId", task.ID).Str("reason", reason).
			Msg("failure decision skipped, task already terminal")
		return nil
	}
	log.Info().Str("taskId", task.ID).Str("status", string(decision.Status)).
		Str("reason", reason).Int("retryCount", task.RetryCount).
		Msg("task failure decided")
	return nil
}

// FailByRecords terminates the given execution records as failed, runs the
// retry-or-fail decision on each owning task, and releases the device locks
// those attempts held. Used by the sweeper and the ingestion failure bucket.
func (h *TaskHandler) FailByRecords(ctx context.Context, failures []storage.TaskFailure) error {
	if len(failures) == 0 {
		return nil
	}
	recordIDs := make([]string, 0, len(failures))
	reasonByRecord := make(map[string]string, len(failures))
	for _, f := range failures {
		recordIDs = append(recordIDs, f.RecordID)
		reasonByRecord[f.RecordID] = f.Reason
	}
	records, err := h.store.GetRecordsByIDs(ctx, recordIDs)
	if err != nil {
		return err
	}
	finishTime := h.now().Unix()

	for _, record := range records {
		reason := reasonByRecord[record.ID]
		if reason == "" {
			reason = ReasonUnknown
		}
		failed := storage.RecordFailed
		if _, err := h.store.UpdateRecord(ctx, record.ID, storage.RecordUpdate{
			Status:     &failed,
			FinishTime: &finishTime,
			FailReason: &reason,
		}); err != nil {
			log.Error().Err(err).Str("recordId", record.ID).Msg("fail record failed")
			continue
		}
		task, err := h.store.GetTask(ctx, record.TaskID)
		if err != nil {
			log.Error().Err(err).Str("taskId", record.TaskID).Msg("load task for failure decision failed")
			continue
		}
		if err := h.ApplyFailure(ctx, task, reason); err != nil {
			log.Error().Err(err).Str("taskId", task.ID).Msg("apply failure decision failed")
		}
	}
	h.ReleaseRecordLocks(ctx, records)
	return nil
}

// SucceedByRecords batch-terminates records and their non-terminal owning
// tasks as successful, then releases the device locks.
func (h *TaskHandler) SucceedByRecords(ctx context.Context, recordIDs []string) error {
	if len(recordIDs) == 0 {
		return nil
	}
	records, err := h.store.GetRecordsByIDs(ctx, recordIDs)
	if err != nil {
		return err
	}
	if err := h.store.MarkRecordsSuccess(ctx, recordIDs, h.now().Unix()); err != nil {
		return err
	}
	h.ReleaseRecordLocks(ctx, records)
	return nil
}

// ReleaseRecordLocks releases the device locks the given records held. When
// several records share a device only the newest token can still own the
// lock, so the highest token wins and the rest are skipped.
func (h *TaskHandler) ReleaseRecordLocks(ctx context.Context, records []*storage.ExecRecord) {
	tokenByDevice := make(map[string]int64, len(records))
	for _, record := range records {
		if record.DeviceLockValue == 0 {
			continue
		}
		if record.DeviceLockValue > tokenByDevice[record.DeviceID] {
			tokenByDevice[record.DeviceID] = record.DeviceLockValue
		}
	}
	for deviceID, token := range tokenByDevice {
		if _, err := h.locks.ReleaseDevice(ctx, deviceID, token); err != nil {
			log.Warn().Err(err).Str("deviceId", deviceID).Msg("release device lock failed")
		}
	}
}
