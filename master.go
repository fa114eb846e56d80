package taskdispatch

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
	"github.com/yuhang1130/taskdispatch/pkg/redislock"
	"github.com/yuhang1130/taskdispatch/pkg/storage"
)

// workerHandle is the master's view of one worker slot.
type workerHandle struct {
	id          int
	mbox        *Mailbox
	ready       bool
	taskCount   int
	deviceTasks map[string]int
	cancel      context.CancelFunc
}

// MasterConfig sizes the dispatcher.
type MasterConfig struct {
	Workers int
}

func (c MasterConfig) withDefaults() MasterConfig {
	if c.Workers <= 0 {
		c.Workers = DefaultWorkerCount
	}
	return c
}

// Master runs the dispatch side of the engine: it feeds due tasks from the
// notification queue and the periodic store rescan into a bounded worker
// pool with device-aware load balancing, recovers crashed workers, and
// drains in-flight work on shutdown.
type Master struct {
	cfg     MasterConfig
	store   storage.TaskStore
	locks   *redislock.Client
	remote  RemoteDeviceClient
	handler *TaskHandler
	queue   *redislock.NotifyQueue
	sweeper *Sweeper

	mu            sync.Mutex
	workers       map[int]*workerHandle
	pendingSet    map[string]struct{}
	waitQueue     []redislock.TaskNotice
	processingSet map[string]struct{}

	dispatching atomic.Bool
	workerWG    sync.WaitGroup
	loopWG      sync.WaitGroup

	// fatal is called when the notification loop exhausts its error budget.
	// Process supervision is expected to restart the service.
	fatal func(msg string)
	// idleSleep paces the notification poll between empty pops and errors.
	idleSleep time.Duration
}

// NewMaster wires the dispatcher.
func NewMaster(cfg MasterConfig, store storage.TaskStore, locks *redislock.Client, remote RemoteDeviceClient, queue *redislock.NotifyQueue, handler *TaskHandler, sweeper *Sweeper) *Master {
	return &Master{
		cfg:           cfg.withDefaults(),
		store:         store,
		locks:         locks,
		remote:        remote,
		handler:       handler,
		queue:         queue,
		sweeper:       sweeper,
		workers:       make(map[int]*workerHandle),
		pendingSet:    make(map[string]struct{}),
		waitQueue:     nil,
		processingSet: make(map[string]struct{}),
		fatal: func(msg string) {
			log.Fatal().Msg(msg)
		},
		idleSleep: NotifyIdleSleep,
	}
}

// Run spawns the worker pool and serves until ctx is canceled, then drains.
func (m *Master) Run(ctx context.Context) error {
	log.Info().Int("workers", m.cfg.Workers).Msg("master starting")
	for id := 1; id <= m.cfg.Workers; id++ {
		m.spawnWorker(ctx, id)
	}

	m.loopWG.Add(1)
	go func() {
		defer m.loopWG.Done()
		m.notifyLoop(ctx)
	}()

	scheduler := cron.New()
	if _, err := scheduler.AddFunc("@every "+DrainPeriod.String(), func() { m.dispatchPump(ctx) }); err != nil {
		return err
	}
	if _, err := scheduler.AddFunc("@every "+RescanPeriod.String(), func() { m.rescanDue(ctx) }); err != nil {
		return err
	}
	if m.sweeper != nil {
		if _, err := scheduler.AddFunc("@every "+SweepPeriod.String(), func() { m.sweeper.Sweep(ctx) }); err != nil {
			return err
		}
	}
	scheduler.Start()

	<-ctx.Done()
	scheduler.Stop()
	m.shutdown()
	m.loopWG.Wait()
	return nil
}

// spawnWorker starts one worker slot. A panicking worker counts as a crash
// and is replaced; a clean return is a deliberate exit and is not.
func (m *Master) spawnWorker(ctx context.Context, id int) {
	wctx, cancel := context.WithCancel(ctx)
	mbox := NewMailbox(id, 64)
	handle := &workerHandle{
		id:          id,
		mbox:        mbox,
		deviceTasks: make(map[string]int),
		cancel:      cancel,
	}
	m.mu.Lock()
	m.workers[id] = handle
	m.mu.Unlock()

	worker := NewWorker(id, mbox, m.store, m.locks, m.remote, m.handler)

	m.workerWG.Add(1)
	go func() {
		defer m.workerWG.Done()
		m.readOutbox(wctx, handle)
	}()

	m.workerWG.Add(1)
	go func() {
		defer m.workerWG.Done()
		defer func() {
			if r := recover(); r != nil {
				log.Error().Interface("panic", r).Int("workerId", id).
					Msg("worker crashed, respawning")
				m.removeWorker(id)
				if ctx.Err() == nil {
					m.spawnWorker(ctx, id)
				}
			}
		}()
		worker.Run(wctx)
	}()
}

// readOutbox consumes one worker's reports.
func (m *Master) readOutbox(ctx context.Context, handle *workerHandle) {
	for {
		select {
		case <-ctx.Done():
			return
		case env := <-handle.mbox.Outbox():
			switch env.Type {
			case MsgWorkerOnline:
				m.mu.Lock()
				handle.ready = true
				m.mu.Unlock()
				log.Info().Int("workerId", handle.id).Msg("worker ready")
			case MsgTaskDone:
				var outcome TaskOutcome
				if err := env.Decode(&outcome); err != nil {
					log.Error().Err(err).Int("workerId", handle.id).Msg("decode task outcome failed")
					continue
				}
				m.completeTask(handle, outcome)
			case MsgWorkerExit:
				m.mu.Lock()
				handle.ready = false
				m.mu.Unlock()
			}
		}
	}
}

// completeTask rebalances counters when a worker finishes an attempt.
func (m *Master) completeTask(handle *workerHandle, outcome TaskOutcome) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if handle.taskCount > 0 {
		handle.taskCount--
	}
	if n := handle.deviceTasks[outcome.DeviceID]; n > 1 {
		handle.deviceTasks[outcome.DeviceID] = n - 1
	} else {
		delete(handle.deviceTasks, outcome.DeviceID)
	}
	delete(m.processingSet, outcome.TaskID)
	delete(m.pendingSet, outcome.TaskID)
}

func (m *Master) removeWorker(id int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if handle, ok := m.workers[id]; ok {
		handle.cancel()
		delete(m.workers, id)
	}
}

// Enqueue stages a task for dispatch, deduplicating on task id.
func (m *Master) Enqueue(notice redislock.TaskNotice) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.pendingSet[notice.TaskID]; ok {
		return
	}
	m.pendingSet[notice.TaskID] = struct{}{}
	m.waitQueue = append(m.waitQueue, notice)
}

// notifyLoop polls the notification queue. Consecutive failures beyond the
// budget are fatal; external supervision restarts the process.
func (m *Master) notifyLoop(ctx context.Context) {
	consecutiveErrs := 0
	for {
		if ctx.Err() != nil {
			return
		}
		notice, err := m.queue.Pop(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			consecutiveErrs++
			log.Error().Err(err).Int("consecutive", consecutiveErrs).
				Msg("notification queue pop failed")
			if consecutiveErrs >= NotifyErrorBudget {
				m.fatal("notification queue error budget exhausted")
				return
			}
			sleepCtx(ctx, m.idleSleep)
			continue
		}
		consecutiveErrs = 0
		if notice == nil {
			sleepCtx(ctx, m.idleSleep)
			continue
		}
		m.Enqueue(*notice)
		m.dispatchPump(ctx)
	}
}

// rescanDue walks the store for due waiting/retryable tasks the queue may
// have missed, bounded by the look-back window.
func (m *Master) rescanDue(ctx context.Context) {
	now := time.Now()
	from := now.Add(-RescanLookBack).Unix()
	count := 0
	err := m.store.DueTasks(ctx, PickupStatuses(), from, now.Unix(), func(task *storage.ScriptTask) error {
		m.Enqueue(redislock.TaskNotice{TaskID: task.ID, DeviceID: task.DeviceID})
		count++
		return nil
	})
	if err != nil {
		log.Error().Err(err).Msg("due task rescan failed")
		return
	}
	if count > 0 {
		log.Info().Int("count", count).Msg("due task rescan enqueued tasks")
		m.dispatchPump(ctx)
	}
}

// dispatchPump drains the wait queue into workers. The guard keeps a single
// pass in flight no matter how many timers fire.
func (m *Master) dispatchPump(ctx context.Context) {
	if !m.dispatching.CompareAndSwap(false, true) {
		return
	}
	defer m.dispatching.Store(false)

	for {
		m.mu.Lock()
		if len(m.waitQueue) == 0 {
			m.mu.Unlock()
			return
		}
		notice := m.waitQueue[0]
		m.waitQueue = m.waitQueue[1:]
		if _, inFlight := m.processingSet[notice.TaskID]; inFlight {
			m.mu.Unlock()
			continue
		}
		m.processingSet[notice.TaskID] = struct{}{}
		m.mu.Unlock()

		if !m.assign(ctx, notice) {
			// No ready worker this cycle. Drop the claim so the rescan can
			// stage the task again later.
			m.mu.Lock()
			delete(m.processingSet, notice.TaskID)
			delete(m.pendingSet, notice.TaskID)
			m.mu.Unlock()
		}
	}
}

// assign picks the least-loaded ready worker for the device and hands the
// task over, waiting briefly for readiness after a fresh start.
func (m *Master) assign(ctx context.Context, notice redislock.TaskNotice) bool {
	var handle *workerHandle
	for attempt := 0; attempt < WorkerReadyAttempts; attempt++ {
		handle = m.selectWorker(notice.DeviceID)
		if handle != nil {
			break
		}
		if !sleepCtx(ctx, WorkerReadyWait) {
			return false
		}
	}
	if handle == nil {
		log.Warn().Str("taskId", notice.TaskID).Msg("no ready worker, dispatch deferred")
		return false
	}

	env, err := NewEnvelope(MsgTaskHandle, "master", handle.id,
		TaskAssignment{TaskID: notice.TaskID, DeviceID: notice.DeviceID})
	if err != nil {
		log.Error().Err(err).Str("taskId", notice.TaskID).Msg("build assignment failed")
		return false
	}
	if !handle.mbox.Send(env) {
		m.mu.Lock()
		if handle.taskCount > 0 {
			handle.taskCount--
		}
		if n := handle.deviceTasks[notice.DeviceID]; n > 1 {
			handle.deviceTasks[notice.DeviceID] = n - 1
		} else {
			delete(handle.deviceTasks, notice.DeviceID)
		}
		m.mu.Unlock()
		log.Warn().Int("workerId", handle.id).Str("taskId", notice.TaskID).
			Msg("assignment send failed")
		return false
	}
	log.Info().Str("taskId", notice.TaskID).Str("deviceId", notice.DeviceID).
		Int("workerId", handle.id).Msg("task dispatched")
	return true
}

// selectWorker implements device-aware load balancing: a ready worker with
// no tasks for the device wins, then fewest device tasks, then fewest total.
// Counters are bumped before the send so concurrent picks see the claim.
func (m *Master) selectWorker(deviceID string) *workerHandle {
	m.mu.Lock()
	defer m.mu.Unlock()

	var best *workerHandle
	bestDevice, bestTotal := 0, 0
	for _, handle := range m.workers {
		if !handle.ready {
			continue
		}
		deviceCount := handle.deviceTasks[deviceID]
		if best == nil ||
			deviceCount < bestDevice ||
			(deviceCount == bestDevice && handle.taskCount < bestTotal) {
			best = handle
			bestDevice = deviceCount
			bestTotal = handle.taskCount
		}
	}
	if best == nil {
		return nil
	}
	best.taskCount++
	best.deviceTasks[deviceID]++
	return best
}

// shutdown fails everything still in flight with the restart reason, then
// stops the workers and releases any locally held locks. The fail write must
// land before exit so restarted masters do not double-run these attempts.
func (m *Master) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	m.mu.Lock()
	inFlight := make([]string, 0, len(m.processingSet))
	for id := range m.processingSet {
		inFlight = append(inFlight, id)
	}
	handles := make([]*workerHandle, 0, len(m.workers))
	for _, handle := range m.workers {
		handles = append(handles, handle)
	}
	m.mu.Unlock()

	if len(inFlight) > 0 {
		log.Warn().Int("count", len(inFlight)).Msg("failing in-flight tasks before exit")
		if err := m.store.FailTasks(ctx, inFlight, ReasonServiceRestart, time.Now().Unix()); err != nil {
			log.Error().Err(err).Msg("fail in-flight tasks failed")
		}
	}

	for _, handle := range handles {
		if env, err := NewEnvelope(MsgMasterDisconnect, "master", handle.id, nil); err == nil {
			handle.mbox.Send(env)
		}
		handle.cancel()
	}
	m.workerWG.Wait()
	m.locks.ReleaseAll(ctx)
	log.Info().Msg("master stopped")
}

// sleepCtx sleeps for d or until ctx is done, reporting whether the full
// sleep completed.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
