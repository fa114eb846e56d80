// Package mq defines the batch consumer/producer contract the ingestion
// pipeline runs on, plus a Redis Streams implementation. Consumption is
// at-least-once: a message stays pending until acknowledged, so handlers
// must tolerate redelivery.
package mq

import (
	"context"
	"sync"
	"time"
)

// Message is one delivered broker message.
type Message struct {
	ID         string
	Topic      string
	Payload    []byte
	Properties map[string]string
}

// BatchConsumer receives messages from one topic subscription.
type BatchConsumer interface {
	// Receive blocks up to timeout and returns at most max messages. An
	// empty slice with a nil error means the timeout elapsed quietly.
	Receive(ctx context.Context, max int, timeout time.Duration) ([]Message, error)
	// Ack marks a message consumed; it will not be redelivered.
	Ack(ctx context.Context, msg Message) error
	// Nack returns a message to the pending set for redelivery.
	Nack(ctx context.Context, msg Message) error
	Close() error
}

// Producer publishes messages to a topic.
type Producer interface {
	Send(ctx context.Context, topic string, payload []byte, properties map[string]string) error
}

// Policy is the explicit consumer configuration; no defaults are implied by
// registration, callers state what they want.
type Policy struct {
	Subscription    string
	BatchReceive    bool
	BatchSize       int
	ReceiveTimeout  time.Duration
	MaxRetries      int
	RetryBaseDelay  time.Duration
	RetryMaxDelay   time.Duration
	DeadLetterTopic string // empty disables DLQ forwarding
}

func (p Policy) withDefaults() Policy {
	if p.BatchSize <= 0 {
		p.BatchSize = 10
	}
	if p.ReceiveTimeout <= 0 {
		p.ReceiveTimeout = 10 * time.Second
	}
	if p.MaxRetries <= 0 {
		p.MaxRetries = 3
	}
	if p.RetryBaseDelay <= 0 {
		p.RetryBaseDelay = time.Second
	}
	if p.RetryMaxDelay <= 0 {
		p.RetryMaxDelay = 30 * time.Second
	}
	return p
}

// retryDelay returns min(base * 2^attempt, cap).
func (p Policy) retryDelay(attempt int) time.Duration {
	delay := p.RetryBaseDelay
	for i := 0; i < attempt; i++ {
		delay *= 2
		if delay >= p.RetryMaxDelay {
			return p.RetryMaxDelay
		}
	}
	if delay > p.RetryMaxDelay {
		return p.RetryMaxDelay
	}
	return delay
}

// Metrics counts consumer activity. The average processing time is an
// exponentially weighted moving average with weight 0.1 on new samples,
// sampled only from runs where the handler succeeded.
type Metrics struct {
	mu              sync.Mutex
	received        int64
	processed       int64
	acknowledged    int64
	failed          int64
	retried         int64
	discarded       int64
	sentToDLQ       int64
	avgProcessingMs float64
	lastMessageAt   time.Time
}

func (m *Metrics) addReceived(n int)  { m.mu.Lock(); m.received += int64(n); m.mu.Unlock() }
func (m *Metrics) addProcessed(n int) { m.mu.Lock(); m.processed += int64(n); m.mu.Unlock() }
func (m *Metrics) addAcked(n int)     { m.mu.Lock(); m.acknowledged += int64(n); m.mu.Unlock() }
func (m *Metrics) addFailed(n int)    { m.mu.Lock(); m.failed += int64(n); m.mu.Unlock() }
func (m *Metrics) addRetried(n int)   { m.mu.Lock(); m.retried += int64(n); m.mu.Unlock() }
func (m *Metrics) addDiscarded(n int) { m.mu.Lock(); m.discarded += int64(n); m.mu.Unlock() }
func (m *Metrics) addDLQ(n int)       { m.mu.Lock(); m.sentToDLQ += int64(n); m.mu.Unlock() }

func (m *Metrics) observe(elapsed time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sample := float64(elapsed.Milliseconds())
	if m.avgProcessingMs == 0 {
		m.avgProcessingMs = sample
	} else {
		m.avgProcessingMs = m.avgProcessingMs*0.9 + sample*0.1
	}
	m.lastMessageAt = time.Now()
}

// Snapshot is a point-in-time copy of the counters.
type Snapshot struct {
	Received        int64
	Processed       int64
	Acknowledged    int64
	Failed          int64
	Retried         int64
	Discarded       int64
	SentToDLQ       int64
	AvgProcessingMs float64
	LastMessageAt   time.Time
}

// Snapshot returns a consistent copy of the current counters.
func (m *Metrics) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Snapshot{
		Received:        m.received,
		Processed:       m.processed,
		Acknowledged:    m.acknowledged,
		Failed:          m.failed,
		Retried:         m.retried,
		Discarded:       m.discarded,
		SentToDLQ:       m.sentToDLQ,
		AvgProcessingMs: m.avgProcessingMs,
		LastMessageAt:   m.lastMessageAt,
	}
}
