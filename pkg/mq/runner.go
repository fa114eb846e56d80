package mq

import (
	"context"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Handler processes delivered messages. In batch mode it receives the whole
// batch and must treat redelivery as a no-op; in per-message mode it is
// invoked with a single message at a time.
type Handler func(ctx context.Context, topic string, msgs []Message) error

// Runner drives one consumer subscription with an explicit policy.
type Runner struct {
	topic    string
	policy   Policy
	consumer BatchConsumer
	producer Producer // used only for dead-letter forwarding
	metrics  *Metrics

	retryAttempts map[string]int
	sleep         func(time.Duration)
}

// NewRunner wires a consumer loop. producer may be nil when the policy has
// no dead-letter topic.
func NewRunner(topic string, policy Policy, consumer BatchConsumer, producer Producer) *Runner {
	return &Runner{
		topic:         topic,
		policy:        policy.withDefaults(),
		consumer:      consumer,
		producer:      producer,
		metrics:       &Metrics{},
		retryAttempts: make(map[string]int),
		sleep:         time.Sleep,
	}
}

// Metrics exposes the runner's counters.
func (r *Runner) Metrics() *Metrics { return r.metrics }

// Run consumes until ctx is canceled. Receive errors are logged and retried;
// they never terminate the loop.
func (r *Runner) Run(ctx context.Context, handler Handler) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		msgs, err := r.consumer.Receive(ctx, r.policy.BatchSize, r.policy.ReceiveTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Error().Err(err).Str("topic", r.topic).Msg("mq: receive failed")
			r.sleep(r.policy.RetryBaseDelay)
			continue
		}
		if len(msgs) == 0 {
			continue
		}
		if r.policy.BatchReceive {
			r.processBatch(ctx, msgs, handler)
		} else {
			for _, msg := range msgs {
				r.processOne(ctx, msg, handler)
			}
		}
	}
}

// processBatch hands the whole batch to the handler and acknowledges every
// message only after it returns. A handler error nacks the batch for
// redelivery; terminal-state transitions make the reprocessing safe.
func (r *Runner) processBatch(ctx context.Context, msgs []Message, handler Handler) {
	start := time.Now()
	r.metrics.addReceived(len(msgs))

	if err := handler(ctx, r.topic, msgs); err != nil {
		log.Error().Err(err).Str("topic", r.topic).Int("count", len(msgs)).
			Msg("mq: batch handler failed, nacking batch")
		for _, msg := range msgs {
			if nackErr := r.consumer.Nack(ctx, msg); nackErr != nil {
				log.Warn().Err(nackErr).Str("message_id", msg.ID).Msg("mq: nack failed")
			}
		}
		r.metrics.addFailed(len(msgs))
		return
	}
	for _, msg := range msgs {
		if err := r.consumer.Ack(ctx, msg); err != nil {
			log.Warn().Err(err).Str("message_id", msg.ID).Msg("mq: ack failed")
			continue
		}
		r.metrics.addAcked(1)
	}
	r.metrics.addProcessed(len(msgs))
	r.metrics.observe(time.Since(start))
}

// processOne runs the handler for a single message with the policy's retry
// budget. Exhausted messages are forwarded to the dead-letter topic when one
// is configured, then acknowledged so they stop redelivering.
func (r *Runner) processOne(ctx context.Context, msg Message, handler Handler) {
	start := time.Now()
	r.metrics.addReceived(1)

	err := handler(ctx, r.topic, []Message{msg})
	if err == nil {
		if ackErr := r.consumer.Ack(ctx, msg); ackErr != nil {
			log.Warn().Err(ackErr).Str("message_id", msg.ID).Msg("mq: ack failed")
		} else {
			r.metrics.addAcked(1)
		}
		r.metrics.addProcessed(1)
		delete(r.retryAttempts, msg.ID)
		r.metrics.observe(time.Since(start))
		return
	}

	r.metrics.addFailed(1)
	attempts := r.retryAttempts[msg.ID]
	if attempts < r.policy.MaxRetries {
		r.retryAttempts[msg.ID] = attempts + 1
		delay := r.policy.retryDelay(attempts)
		log.Warn().Err(err).Str("message_id", msg.ID).
			Int("attempt", attempts+1).Int("max_retries", r.policy.MaxRetries).
			Dur("delay", delay).Msg("mq: message failed, scheduling retry")
		r.metrics.addRetried(1)
		r.sleep(delay)
		if nackErr := r.consumer.Nack(ctx, msg); nackErr != nil {
			log.Warn().Err(nackErr).Str("message_id", msg.ID).Msg("mq: nack failed")
		}
		return
	}

	log.Error().Err(err).Str("message_id", msg.ID).Int("attempts", attempts).
		Msg("mq: message failed after max retries")
	if r.policy.DeadLetterTopic != "" {
		if dlqErr := r.forwardToDLQ(ctx, msg, err); dlqErr != nil {
			// The original is still acknowledged below: a poison-message loop
			// costs more than the lost payload.
			log.Error().Err(dlqErr).Str("message_id", msg.ID).Msg("mq: dead-letter forward failed")
		} else {
			r.metrics.addDLQ(1)
		}
	}
	if ackErr := r.consumer.Ack(ctx, msg); ackErr != nil {
		log.Warn().Err(ackErr).Str("message_id", msg.ID).Msg("mq: discard ack failed")
	}
	r.metrics.addDiscarded(1)
	delete(r.retryAttempts, msg.ID)
}

type dlqEnvelope struct {
	OriginalMessageID string            `json:"originalMessageId"`
	OriginalPayload   string            `json:"originalData"`
	FailReason        string            `json:"failReason"`
	RetryAttempts     int               `json:"retryAttempts"`
	FailureTime       string            `json:"failureTime"`
	Properties        map[string]string `json:"properties,omitempty"`
}

func (r *Runner) forwardToDLQ(ctx context.Context, msg Message, cause error) error {
	if r.producer == nil {
		return errors.New("mq: no producer configured for dead-letter topic")
	}
	envelope := dlqEnvelope{
		OriginalMessageID: msg.ID,
		OriginalPayload:   string(msg.Payload),
		FailReason:        cause.Error(),
		RetryAttempts:     r.policy.MaxRetries,
		FailureTime:       time.Now().UTC().Format(time.RFC3339),
		Properties:        msg.Properties,
	}
	payload, err := json.Marshal(envelope)
	if err != nil {
		return errors.Wrap(err, "mq: encode dead-letter envelope failed")
	}
	props := map[string]string{
		"original-message-id": msg.ID,
		"failure-reason":      cause.Error(),
	}
	return r.producer.Send(ctx, r.policy.DeadLetterTopic, payload, props)
}
