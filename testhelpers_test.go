package taskdispatch

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"github.com/yuhang1130/taskdispatch/pkg/redislock"
	"github.com/yuhang1130/taskdispatch/pkg/storage"
)

// stubRemote is a RemoteDeviceClient whose behaviors tests override per
// case. Every call succeeds by default.
type stubRemote struct {
	deviceInfoFn func(sn string) RemoteResponse[DeviceInfo]
	uploadFn     func(sns []string, files []FileRef) RemoteResponse[struct{}]
	distributeFn func(req DistributeRequest) RemoteResponse[DistributeResult]
	stopFn       func(sns []string, taskID string) RemoteResponse[struct{}]

	stopCalls       []string
	distributeCalls []DistributeRequest
}

func (s *stubRemote) DeviceInfo(ctx context.Context, sn string) RemoteResponse[DeviceInfo] {
	if s.deviceInfoFn != nil {
		return s.deviceInfoFn(sn)
	}
	return RemoteResponse[DeviceInfo]{Code: StateSuccess, Data: &DeviceInfo{SN: sn}}
}

func (s *stubRemote) UploadMultiFiles(ctx context.Context, sns []string, files []FileRef) RemoteResponse[struct{}] {
	if s.uploadFn != nil {
		return s.uploadFn(sns, files)
	}
	return RemoteResponse[struct{}]{Code: StateSuccess}
}

func (s *stubRemote) DistributeTasks(ctx context.Context, req DistributeRequest) RemoteResponse[DistributeResult] {
	s.distributeCalls = append(s.distributeCalls, req)
	if s.distributeFn != nil {
		return s.distributeFn(req)
	}
	return RemoteResponse[DistributeResult]{Code: StateSuccess, Data: &DistributeResult{Success: req.SNs}}
}

func (s *stubRemote) StopTask(ctx context.Context, sns []string, taskID string) RemoteResponse[struct{}] {
	s.stopCalls = append(s.stopCalls, taskID)
	if s.stopFn != nil {
		return s.stopFn(sns, taskID)
	}
	return RemoteResponse[struct{}]{Code: StateSuccess}
}

// fixture bundles the real store and lock backends every engine test runs
// against: sqlite in memory, redis via miniredis.
type fixture struct {
	store   *storage.SQLiteStore
	mr      *miniredis.Miniredis
	rdb     *redis.Client
	locks   *redislock.Client
	queue   *redislock.NotifyQueue
	handler *TaskHandler
	remote  *stubRemote
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store, err := storage.OpenSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	locks := redislock.New(rdb, "")
	return &fixture{
		store:   store,
		mr:      mr,
		rdb:     rdb,
		locks:   locks,
		queue:   redislock.NewNotifyQueue(rdb),
		handler: NewTaskHandler(store, locks),
		remote:  &stubRemote{},
	}
}

// deviceLockKey is the fully prefixed redis key for a device lock.
func deviceLockKey(deviceID string) string {
	return "business:lock:device_lock:" + deviceID
}

// createTask persists a waiting task plus its script body.
func (f *fixture) createTask(t *testing.T, deviceID string, mutate func(*storage.ScriptTask)) *storage.ScriptTask {
	t.Helper()
	task := &storage.ScriptTask{
		Name:         "nightly sync",
		Status:       storage.TaskWaiting,
		DeviceID:     deviceID,
		NextExecTime: time.Now().Unix(),
	}
	if mutate != nil {
		mutate(task)
	}
	require.NoError(t, f.store.CreateTask(context.Background(), task))
	require.NoError(t, f.store.SaveScriptCode(context.Background(), &storage.ScriptCode{
		TaskID:   task.ID,
		DeviceID: deviceID,
		Code:     "print('run')",
	}))
	return task
}

// createRunningRecord persists a running record that holds a device lock.
func (f *fixture) createRunningRecord(t *testing.T, task *storage.ScriptTask) *storage.ExecRecord {
	t.Helper()
	ctx := context.Background()
	token, err := f.locks.AcquireDevice(ctx, task.DeviceID, DeviceLockTTL, DeviceLockAcquireTimeout)
	require.NoError(t, err)
	record := &storage.ExecRecord{
		TaskID:          task.ID,
		DeviceID:        task.DeviceID,
		DeviceLockValue: token,
		Status:          storage.RecordRunning,
		ExecTimeoutUnix: time.Now().Add(time.Hour).Unix(),
	}
	require.NoError(t, f.store.CreateRecord(ctx, record))
	return record
}

func (f *fixture) taskStatus(t *testing.T, id string) storage.TaskStatus {
	t.Helper()
	task, err := f.store.GetTask(context.Background(), id)
	require.NoError(t, err)
	return task.Status
}
