package taskdispatch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/yuhang1130/taskdispatch/pkg/redislock"
	"github.com/yuhang1130/taskdispatch/pkg/storage"
)

// Worker executes dispatched tasks. It receives assignments from the master
// over its mailbox, runs each attempt in its own goroutine, and always
// reports completion so the master's load counters stay balanced.
type Worker struct {
	id      int
	mbox    *Mailbox
	store   storage.TaskStore
	locks   *redislock.Client
	remote  RemoteDeviceClient
	handler *TaskHandler
	now     func() time.Time

	wg sync.WaitGroup
	// crashed carries a panic out of an attempt goroutine back into Run,
	// where it takes the whole worker down like a child process dying.
	crashed chan any
}

// NewWorker wires one worker slot.
func NewWorker(id int, mbox *Mailbox, store storage.TaskStore, locks *redislock.Client, remote RemoteDeviceClient, handler *TaskHandler) *Worker {
	return &Worker{
		id:      id,
		mbox:    mbox,
		store:   store,
		locks:   locks,
		remote:  remote,
		handler: handler,
		now:     time.Now,
		crashed: make(chan any, 1),
	}
}

// Run signals readiness and serves assignments until the master disconnects
// or ctx is canceled. In-flight attempts are drained before exit.
func (w *Worker) Run(ctx context.Context) {
	w.report(MsgWorkerOnline, nil)
	log.Info().Int("workerId", w.id).Msg("worker online")

	for {
		select {
		case <-ctx.Done():
			w.drain()
			return
		case r := <-w.crashed:
			panic(r)
		case env, ok := <-w.mbox.Inbox():
			if !ok {
				w.drain()
				return
			}
			switch env.Type {
			case MsgTaskHandle:
				var assignment TaskAssignment
				if err := env.Decode(&assignment); err != nil {
					log.Error().Err(err).Int("workerId", w.id).Msg("decode task assignment failed")
					continue
				}
				w.wg.Add(1)
				go func() {
					defer w.wg.Done()
					defer func() {
						if r := recover(); r != nil {
							select {
							case w.crashed <- r:
							default:
							}
						}
					}()
					w.execute(ctx, assignment)
				}()
			case MsgMasterDisconnect, MsgWorkerExit:
				w.drain()
				return
			default:
				log.Warn().Int("workerId", w.id).Str("type", string(env.Type)).
					Msg("unexpected envelope type")
			}
		}
	}
}

func (w *Worker) drain() {
	w.wg.Wait()
	w.report(MsgWorkerExit, nil)
	log.Info().Int("workerId", w.id).Msg("worker exited")
}

func (w *Worker) report(t MessageType, payload any) {
	env, err := NewEnvelope(t, "worker", w.id, payload)
	if err != nil {
		log.Error().Err(err).Int("workerId", w.id).Msg("build envelope failed")
		return
	}
	if !w.mbox.Report(env) {
		log.Warn().Int("workerId", w.id).Str("type", string(t)).Msg("report dropped, master gone")
	}
}

// execute runs one attempt end to end. Completion is always reported, even
// when the attempt is abandoned before any state changes.
func (w *Worker) execute(ctx context.Context, assignment TaskAssignment) {
	defer w.report(MsgTaskDone, TaskOutcome{TaskID: assignment.TaskID, DeviceID: assignment.DeviceID})

	token, err := w.locks.AcquireDevice(ctx, assignment.DeviceID, DeviceLockTTL, DeviceLockAcquireTimeout)
	if err != nil {
		// Lock contention is not a task failure. The attempt is abandoned
		// without consuming a retry and the periodic rescan picks it up later.
		if errors.Is(err, redislock.ErrLockTimeout) {
			log.Info().Str("taskId", assignment.TaskID).Str("deviceId", assignment.DeviceID).
				Msg("device busy, attempt abandoned")
		} else {
			log.Error().Err(err).Str("taskId", assignment.TaskID).Msg("acquire device lock failed")
		}
		return
	}

	task, err := w.store.GetTaskInStatuses(ctx, assignment.TaskID, PickupStatuses())
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			log.Error().Err(err).Str("taskId", assignment.TaskID).Msg("re-fetch task failed")
		}
		// Canceled, picked up elsewhere, or already terminal. Nothing to do.
		w.releaseLock(ctx, assignment.DeviceID, token)
		return
	}

	if WaitExpired(task, w.now()) {
		w.expireWait(ctx, task)
		w.releaseLock(ctx, assignment.DeviceID, token)
		return
	}

	record, err := w.startAttempt(ctx, task, token)
	if err != nil {
		log.Error().Err(err).Str("taskId", task.ID).Msg("start attempt failed")
		w.releaseLock(ctx, assignment.DeviceID, token)
		return
	}

	if reason := w.dispatch(ctx, task, record); reason != "" {
		w.failAttempt(ctx, task, record, reason)
		w.releaseLock(ctx, assignment.DeviceID, token)
		return
	}

	// Remote execution continues asynchronously. The lock stays held until
	// the ingestion pipeline lands a terminal outcome for this record.
	sendSuccess := storage.TaskSendSuccess
	if _, err := w.store.UpdateTaskStatus(ctx, task.ID,
		[]storage.TaskStatus{storage.TaskRunning}, storage.TaskUpdate{Status: &sendSuccess}); err != nil {
		log.Error().Err(err).Str("taskId", task.ID).Msg("mark send_success failed")
	}
	log.Info().Str("taskId", task.ID).Str("deviceId", task.DeviceID).
		Str("recordId", record.ID).Msg("script dispatched to device")
}

func (w *Worker) expireWait(ctx context.Context, task *storage.ScriptTask) {
	if err := ExpireWait(task); err != nil {
		log.Error().Err(err).Str("taskId", task.ID).Msg("expire wait rejected")
		return
	}
	// Wait-timeouts record a reason but no finish time; the task never ran.
	if _, err := w.store.UpdateTaskStatus(ctx, task.ID, PickupStatuses(), storage.TaskUpdate{
		Status:     &task.Status,
		FailReason: &task.FailReason,
	}); err != nil {
		log.Error().Err(err).Str("taskId", task.ID).Msg("persist wait timeout failed")
		return
	}
	log.Info().Str("taskId", task.ID).Msg("task wait timed out before pickup")
}

// startAttempt creates the Running execution record holding the lock token
// and transitions the task to running through the pickup rules.
func (w *Worker) startAttempt(ctx context.Context, task *storage.ScriptTask, token int64) (*storage.ExecRecord, error) {
	fromStatus := task.Status
	if err := Pickup(task); err != nil {
		return nil, err
	}
	execTimeout := task.ExecTimeoutUnix
	if execTimeout == 0 {
		execTimeout = w.now().Add(DefaultExecTimeout).Unix()
	}
	record := &storage.ExecRecord{
		TaskID:          task.ID,
		DeviceID:        task.DeviceID,
		DeviceLockValue: token,
		Status:          storage.RecordRunning,
		ExecTimeoutUnix: execTimeout,
	}
	if err := w.store.CreateRecord(ctx, record); err != nil {
		return nil, err
	}
	update := storage.TaskUpdate{Status: &task.Status}
	if fromStatus == storage.TaskFailedWaitingRetry {
		update.RetryDelta = 1
	}
	affected, err := w.store.UpdateTaskStatus(ctx, task.ID, []storage.TaskStatus{fromStatus}, update)
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		return nil, errors.Errorf("task %s changed state during pickup", task.ID)
	}
	return record, nil
}

// dispatch runs preprocessing then pushes the script to the device. It
// returns an empty string on success and the failure reason otherwise.
func (w *Worker) dispatch(ctx context.Context, task *storage.ScriptTask, record *storage.ExecRecord) string {
	if len(task.FileURLs) > 0 {
		files := make([]FileRef, 0, len(task.FileURLs))
		for _, url := range task.FileURLs {
			files = append(files, FileRef{URL: url})
		}
		if resp := w.remote.UploadMultiFiles(ctx, []string{task.DeviceID}, files); !resp.OK() {
			return fmt.Sprintf("upload files failed: %s", resp.Reason())
		}
	}

	code, err := w.store.GetScriptCode(ctx, task.ID, task.DeviceID)
	if err != nil {
		return fmt.Sprintf("load script code failed: %s", err.Error())
	}

	resp := w.remote.DistributeTasks(ctx, DistributeRequest{
		SNs:            []string{task.DeviceID},
		TaskID:         task.ID,
		TaskName:       task.Name,
		RecordID:       record.ID,
		LuaCode:        code.Code,
		TableVariables: task.Variables,
	})
	if !resp.OK() {
		return fmt.Sprintf("distribute task failed: %s", resp.Reason())
	}
	if resp.Data != nil && len(resp.Data.FailedSNs) > 0 {
		return fmt.Sprintf("device %s rejected task", task.DeviceID)
	}
	return ""
}

// failAttempt concludes a dispatch failure: the record is terminally failed
// and the task follows the retry-or-fail decision.
func (w *Worker) failAttempt(ctx context.Context, task *storage.ScriptTask, record *storage.ExecRecord, reason string) {
	failed := storage.RecordFailed
	finishTime := w.now().Unix()
	if _, err := w.store.UpdateRecord(ctx, record.ID, storage.RecordUpdate{
		Status:     &failed,
		FinishTime: &finishTime,
		FailReason: &reason,
	}); err != nil {
		log.Error().Err(err).Str("recordId", record.ID).Msg("fail record failed")
	}
	if err := w.handler.ApplyFailure(ctx, task, reason); err != nil {
		log.Error().Err(err).Str("taskId", task.ID).Msg("apply failure decision failed")
	}
	log.Info().Str("taskId", task.ID).Str("deviceId", task.DeviceID).
		Str("reason", reason).Msg("dispatch attempt failed")
}

func (w *Worker) releaseLock(ctx context.Context, deviceID string, token int64) {
	if _, err := w.locks.ReleaseDevice(ctx, deviceID, token); err != nil {
		log.Warn().Err(err).Str("deviceId", deviceID).Msg("release device lock failed")
	}
}
