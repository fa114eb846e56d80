package taskdispatch

import (
	"context"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/yuhang1130/taskdispatch/pkg/mq"
	"github.com/yuhang1130/taskdispatch/pkg/storage"
)

var ingestJSON = jsoniter.ConfigCompatibleWithStandardLibrary

// Remote execution outcomes arrive on this topic; exhausted messages go to
// the dead-letter topic.
const (
	OutcomeTopic    = "script-task-outcome"
	OutcomeDLQTopic = "script-task-outcome-dlq"
	OutcomeSub      = "taskdispatch-ingest"

	IngestBatchSize      = 20
	IngestReceiveTimeout = 10 * time.Second

	// Task ids shorter than this belong to a foreign environment sharing the
	// topic and are skipped.
	minTaskIDLen = 24
)

// outcomeMessage is the JSON shape of one remote execution event.
type outcomeMessage struct {
	LogType    string `json:"logType"`
	TaskID     string `json:"taskId"`
	TaskRecord string `json:"taskRecord"`
	Log        string `json:"log"`
	DeviceID   string `json:"deviceId"`
	Time       int64  `json:"time"`
}

// IngestPolicy is the consumer policy for the outcome topic.
func IngestPolicy() mq.Policy {
	return mq.Policy{
		Subscription:    OutcomeSub,
		BatchReceive:    true,
		BatchSize:       IngestBatchSize,
		ReceiveTimeout:  IngestReceiveTimeout,
		MaxRetries:      3,
		RetryBaseDelay:  time.Second,
		RetryMaxDelay:   30 * time.Second,
		DeadLetterTopic: OutcomeDLQTopic,
	}
}

// Ingestor lands remote execution outcomes into task state. Every message
// yields an execution log row; error-typed messages drive the retry-or-fail
// path and success-typed ones the batch success path, both of which release
// the device locks held by the affected records.
type Ingestor struct {
	store   storage.TaskStore
	handler *TaskHandler
	now     func() time.Time
}

// NewIngestor wires the ingestion pipeline.
func NewIngestor(store storage.TaskStore, handler *TaskHandler) *Ingestor {
	return &Ingestor{store: store, handler: handler, now: time.Now}
}

// Run consumes the outcome topic until ctx is canceled.
func (i *Ingestor) Run(ctx context.Context, consumer mq.BatchConsumer, producer mq.Producer) error {
	runner := mq.NewRunner(OutcomeTopic, IngestPolicy(), consumer, producer)
	return runner.Run(ctx, i.HandleBatch)
}

// HandleBatch processes one delivered batch. The three store operations run
// concurrently; the batch is acknowledged by the runner only when all of
// them land, so a crash mid-batch redelivers and replays, which terminal
// state guards make a no-op.
func (i *Ingestor) HandleBatch(ctx context.Context, topic string, msgs []mq.Message) error {
	logs := make([]*storage.ExecLog, 0, len(msgs))
	var failures []storage.TaskFailure
	var successRecords []string

	for _, msg := range msgs {
		var event outcomeMessage
		if err := ingestJSON.Unmarshal(msg.Payload, &event); err != nil {
			log.Warn().Err(err).Str("messageId", msg.ID).Msg("malformed outcome message skipped")
			continue
		}
		if len(event.TaskID) < minTaskIDLen {
			log.Debug().Str("taskId", event.TaskID).Msg("foreign outcome message skipped")
			continue
		}

		executeAt := event.Time
		if executeAt == 0 {
			executeAt = i.now().Unix()
		}
		logs = append(logs, &storage.ExecLog{
			TaskID:    event.TaskID,
			RecordID:  event.TaskRecord,
			DeviceID:  event.DeviceID,
			LogText:   event.Log,
			LogType:   storage.LogType(event.LogType),
			ExecuteAt: executeAt,
		})

		switch storage.LogType(event.LogType) {
		case storage.LogError, storage.LogSystemError:
			if event.TaskRecord != "" {
				failures = append(failures, storage.TaskFailure{
					RecordID: event.TaskRecord,
					Reason:   event.Log,
				})
			}
		case storage.LogSuccess:
			if event.TaskRecord != "" {
				successRecords = append(successRecords, event.TaskRecord)
			}
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return i.store.AppendLogs(gctx, logs)
	})
	g.Go(func() error {
		return i.handler.FailByRecords(gctx, failures)
	})
	g.Go(func() error {
		return i.handler.SucceedByRecords(gctx, successRecords)
	})
	if err := g.Wait(); err != nil {
		return err
	}

	if len(failures) > 0 || len(successRecords) > 0 {
		log.Info().Str("topic", topic).Int("messages", len(msgs)).
			Int("failures", len(failures)).Int("successes", len(successRecords)).
			Msg("outcome batch ingested")
	}
	return nil
}
