package taskdispatch

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/yuhang1130/taskdispatch/pkg/storage"
)

// Sweeper fails executions that never received a remote outcome. It pages
// through expired running records oldest first and feeds them through the
// shared fail path, which also releases the stuck device locks.
type Sweeper struct {
	store   storage.TaskStore
	handler *TaskHandler
	now     func() time.Time
	pause   time.Duration

	running atomic.Bool
}

// NewSweeper wires the sweeper.
func NewSweeper(store storage.TaskStore, handler *TaskHandler) *Sweeper {
	return &Sweeper{
		store:   store,
		handler: handler,
		now:     time.Now,
		pause:   SweepBatchPause,
	}
}

// Sweep runs one full pass. Overlapping invocations are rejected by the
// guard flag; a new timer tick during a slow pass is simply skipped.
func (s *Sweeper) Sweep(ctx context.Context) {
	if !s.running.CompareAndSwap(false, true) {
		log.Warn().Msg("sweep already in progress, tick skipped")
		return
	}
	defer s.running.Store(false)

	now := s.now()
	deadline := now.Unix()
	total := 0

	for {
		// Failed records leave the running scan, so each page starts at the
		// beginning.
		records, err := s.store.RunningRecordsExpiredBefore(ctx, deadline, SweepBatchSize, 0)
		if err != nil {
			log.Error().Err(err).Msg("expired record scan failed")
			return
		}
		if len(records) == 0 {
			break
		}

		failures := make([]storage.TaskFailure, 0, len(records))
		for _, record := range records {
			elapsed := now.Sub(time.Unix(record.CreatedAt, 0))
			failures = append(failures, storage.TaskFailure{
				RecordID: record.ID,
				Reason:   timeoutReason(elapsed),
			})
		}
		if err := s.handler.FailByRecords(ctx, failures); err != nil {
			log.Error().Err(err).Msg("fail expired records failed")
			return
		}
		total += len(records)

		if len(records) < SweepBatchSize {
			break
		}
		if !sleepCtx(ctx, s.pause) {
			return
		}
	}
	if total > 0 {
		log.Info().Int("count", total).Msg("sweep failed expired executions")
	}
}

// timeoutReason encodes how long the execution ran before the sweep caught
// it. The wording is observable through the task's failReason.
func timeoutReason(elapsed time.Duration) string {
	minutes := int(elapsed.Minutes())
	if minutes < 1 {
		minutes = 1
	}
	return fmt.Sprintf("execution timed out after %d minutes", minutes)
}
