package mq

import (
	"context"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

const payloadField = "payload"

// StreamConsumer implements BatchConsumer over a Redis Stream consumer
// group. Unacknowledged entries remain pending and are reclaimed on later
// receives once they have idled past the reclaim threshold, which is what
// gives the at-least-once behavior.
type StreamConsumer struct {
	rdb          redis.UniversalClient
	topic        string
	group        string
	consumerName string
	reclaimAfter time.Duration
}

// NewStreamConsumer creates (idempotently) the consumer group and returns a
// consumer bound to it.
func NewStreamConsumer(ctx context.Context, rdb redis.UniversalClient, topic, group, consumerName string) (*StreamConsumer, error) {
	err := rdb.XGroupCreateMkStream(ctx, topic, group, "0").Err()
	if err != nil && !isBusyGroup(err) {
		return nil, errors.Wrapf(err, "mq: create consumer group %s on %s failed", group, topic)
	}
	return &StreamConsumer{
		rdb:          rdb,
		topic:        topic,
		group:        group,
		consumerName: consumerName,
		reclaimAfter: 30 * time.Second,
	}, nil
}

func isBusyGroup(err error) bool {
	return err != nil && strings.HasPrefix(err.Error(), "BUSYGROUP")
}

func (c *StreamConsumer) Receive(ctx context.Context, max int, timeout time.Duration) ([]Message, error) {
	if max <= 0 {
		max = 10
	}
	// Reclaim stale pending entries first so nacked or abandoned messages
	// redeliver before new ones are pulled.
	msgs := c.claimStale(ctx, max)
	if len(msgs) > 0 {
		return msgs, nil
	}

	streams, err := c.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    c.group,
		Consumer: c.consumerName,
		Streams:  []string{c.topic, ">"},
		Count:    int64(max),
		Block:    timeout,
	}).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "mq: read group %s failed", c.group)
	}
	for _, stream := range streams {
		for _, entry := range stream.Messages {
			msgs = append(msgs, entryToMessage(c.topic, entry))
		}
	}
	return msgs, nil
}

func (c *StreamConsumer) claimStale(ctx context.Context, max int) []Message {
	entries, _, err := c.rdb.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   c.topic,
		Group:    c.group,
		Consumer: c.consumerName,
		MinIdle:  c.reclaimAfter,
		Start:    "0-0",
		Count:    int64(max),
	}).Result()
	if err != nil && err != redis.Nil {
		log.Warn().Err(err).Str("topic", c.topic).Msg("mq: autoclaim pending failed")
		return nil
	}
	msgs := make([]Message, 0, len(entries))
	for _, entry := range entries {
		msgs = append(msgs, entryToMessage(c.topic, entry))
	}
	return msgs
}

func entryToMessage(topic string, entry redis.XMessage) Message {
	msg := Message{ID: entry.ID, Topic: topic, Properties: make(map[string]string)}
	for key, value := range entry.Values {
		text, ok := value.(string)
		if !ok {
			continue
		}
		if key == payloadField {
			msg.Payload = []byte(text)
			continue
		}
		msg.Properties[key] = text
	}
	return msg
}

func (c *StreamConsumer) Ack(ctx context.Context, msg Message) error {
	return errors.Wrapf(c.rdb.XAck(ctx, c.topic, c.group, msg.ID).Err(),
		"mq: ack %s failed", msg.ID)
}

// Nack leaves the entry pending; it redelivers via claimStale once it idles
// past the reclaim threshold.
func (c *StreamConsumer) Nack(ctx context.Context, msg Message) error {
	return nil
}

func (c *StreamConsumer) Close() error { return nil }

// SetReclaimAfter tunes how long a pending entry must idle before it is
// reclaimed. Tests shorten this to avoid waiting.
func (c *StreamConsumer) SetReclaimAfter(d time.Duration) { c.reclaimAfter = d }

// StreamProducer implements Producer by appending stream entries.
type StreamProducer struct {
	rdb redis.UniversalClient
}

// NewStreamProducer builds a producer on the shared connection.
func NewStreamProducer(rdb redis.UniversalClient) *StreamProducer {
	return &StreamProducer{rdb: rdb}
}

func (p *StreamProducer) Send(ctx context.Context, topic string, payload []byte, properties map[string]string) error {
	values := make(map[string]any, len(properties)+1)
	for key, value := range properties {
		values[key] = value
	}
	values[payloadField] = string(payload)
	return errors.Wrapf(p.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: topic,
		Values: values,
	}).Err(), "mq: send to %s failed", topic)
}
