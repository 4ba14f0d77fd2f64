// Package queue decouples request-time API calls from worker execution.
// It exposes two logical topics, scan and remediation, with at-least-once
// delivery and a per-job attempt counter. Scan jobs are retried on handler
// error up to the topic's attempt budget; remediation jobs never are, so a
// destructive fix is not blindly re-applied.
package queue

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

type Topic string

const (
	TopicScan        Topic = "scan"
	TopicRemediation Topic = "remediation"
)

// Job is one unit of work. Payload is a JSON-encoded guardian.ScanJob or
// guardian.RemediationJob depending on the topic.
type Job struct {
	Topic    Topic
	Payload  []byte
	Attempts int
}

// Handler consumes a job. A non-nil error makes the job eligible for retry
// on topics whose attempt budget allows it.
type Handler func(ctx context.Context, job Job) error

// Dispatcher is the work queue port. Orchestrators enqueue; workers
// subscribe before Start.
type Dispatcher interface {
	Enqueue(ctx context.Context, topic Topic, payload []byte) error
	Subscribe(topic Topic, h Handler)
	Start(ctx context.Context)
	Close()
}

type topicState struct {
	jobs        chan Job
	handler     Handler
	slots       int
	maxAttempts int
}

// Memory is the in-process Dispatcher. Each topic gets a bounded number of
// worker slots so one slow backend call does not block other jobs.
type Memory struct {
	mu     sync.Mutex
	topics map[Topic]*topicState
	wg     sync.WaitGroup
	stop   chan struct{}
	closed bool
	log    *zap.SugaredLogger
}

// Options bounds per-topic concurrency and the scan retry budget.
type Options struct {
	ScanSlots        int
	RemediationSlots int
	ScanMaxAttempts  int
	Buffer           int
}

func NewMemory(log *zap.SugaredLogger, opts Options) *Memory {
	if opts.ScanSlots <= 0 {
		opts.ScanSlots = 4
	}
	if opts.RemediationSlots <= 0 {
		opts.RemediationSlots = 2
	}
	if opts.ScanMaxAttempts <= 0 {
		opts.ScanMaxAttempts = 3
	}
	if opts.Buffer <= 0 {
		opts.Buffer = 1024
	}
	return &Memory{
		topics: map[Topic]*topicState{
			TopicScan: {
				jobs:        make(chan Job, opts.Buffer),
				slots:       opts.ScanSlots,
				maxAttempts: opts.ScanMaxAttempts,
			},
			TopicRemediation: {
				jobs:  make(chan Job, opts.Buffer),
				slots: opts.RemediationSlots,
				// Remediation is never auto-retried.
				maxAttempts: 1,
			},
		},
		stop: make(chan struct{}),
		log:  log,
	}
}

func (m *Memory) Subscribe(topic Topic, h Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ts, ok := m.topics[topic]; ok {
		ts.handler = h
	}
}

func (m *Memory) Enqueue(ctx context.Context, topic Topic, payload []byte) error {
	m.mu.Lock()
	ts, ok := m.topics[topic]
	closed := m.closed
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown topic %q", topic)
	}
	if closed {
		return fmt.Errorf("queue is closed")
	}
	select {
	case ts.jobs <- Job{Topic: topic, Payload: payload, Attempts: 1}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Start launches the worker slots for every subscribed topic.
func (m *Memory) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for topic, ts := range m.topics {
		if ts.handler == nil {
			continue
		}
		for i := 0; i < ts.slots; i++ {
			m.wg.Add(1)
			go m.consume(ctx, topic, ts)
		}
	}
}

func (m *Memory) consume(ctx context.Context, topic Topic, ts *topicState) {
	defer m.wg.Done()
	for {
		select {
		case <-m.stop:
			return
		case <-ctx.Done():
			return
		case job := <-ts.jobs:
			if err := ts.handler(ctx, job); err != nil {
				m.retry(ctx, topic, ts, job, err)
			}
		}
	}
}

func (m *Memory) retry(ctx context.Context, topic Topic, ts *topicState, job Job, cause error) {
	if job.Attempts >= ts.maxAttempts {
		m.log.Errorw("job exhausted its attempts", "topic", topic, "attempts", job.Attempts, "error", cause)
		return
	}
	job.Attempts++
	select {
	case ts.jobs <- job:
		m.log.Warnw("job requeued after failure", "topic", topic, "attempt", job.Attempts, "error", cause)
	default:
		m.log.Errorw("queue full, dropping retry", "topic", topic, "error", cause)
	}
}

// Close stops accepting jobs and waits for in-flight handlers to return.
func (m *Memory) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	close(m.stop)
	m.mu.Unlock()
	m.wg.Wait()
}
