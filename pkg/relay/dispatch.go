package relay

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/NicolasHaas/tgbridge/pkg/metrics"
	"github.com/NicolasHaas/tgbridge/pkg/model"
)

// Sender delivers a text message to a Telegram chat.
type Sender interface {
	SendMessage(ctx context.Context, chatID int64, text string) error
}

// Job is one message for one chat.
type Job struct {
	ChatID int64
	Text   string
}

// Failure reports a job that could not be delivered.
type Failure struct {
	Job Job
	Err error
	At  time.Time
}

const (
	defaultQueueSize   = 256
	defaultSendTimeout = 30 * time.Second
	failureBuffer      = 64
)

// DispatcherOptions configures a Dispatcher.
type DispatcherOptions struct {
	QueueSize   int
	SendTimeout time.Duration
	Metrics     *metrics.Metrics
}

// Dispatcher sends Telegram messages in the background on a single worker,
// so messages reach each chat in the order they were queued. Enqueue never
// blocks; failures are logged, counted and published on Failures().
type Dispatcher struct {
	sender  Sender
	opts    DispatcherOptions
	metrics *metrics.Metrics

	mu     sync.RWMutex
	closed bool
	jobs   chan Job

	failures chan Failure
	wg       sync.WaitGroup
	start    sync.Once
	cancel   context.CancelFunc
	abandon  atomic.Bool
}

// NewDispatcher creates a dispatcher. A nil sender discards every job.
func NewDispatcher(sender Sender, opts DispatcherOptions) *Dispatcher {
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaultQueueSize
	}
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = defaultSendTimeout
	}
	m := opts.Metrics
	if m == nil {
		m = metrics.New()
	}
	return &Dispatcher{
		sender:   sender,
		opts:     opts,
		metrics:  m,
		jobs:     make(chan Job, opts.QueueSize),
		failures: make(chan Failure, failureBuffer),
	}
}

// Start launches the worker. Sends use ctx as their parent context.
func (d *Dispatcher) Start(ctx context.Context) {
	d.start.Do(func() {
		ctx, d.cancel = context.WithCancel(ctx)
		d.wg.Add(1)
		go d.run(ctx)
	})
}

func (d *Dispatcher) run(ctx context.Context) {
	defer d.wg.Done()
	dropped := 0
	for job := range d.jobs {
		if d.abandon.Load() {
			dropped++
			d.metrics.TelegramDropped.Add(1)
			continue
		}
		d.send(ctx, job)
	}
	if dropped > 0 {
		slog.Warn("telegram queue abandoned on shutdown", "dropped", dropped)
	}
}

func (d *Dispatcher) send(ctx context.Context, job Job) {
	sendCtx, cancel := context.WithTimeout(ctx, d.opts.SendTimeout)
	defer cancel()

	if err := d.sender.SendMessage(sendCtx, job.ChatID, job.Text); err != nil {
		d.metrics.TelegramFailed.Add(1)
		slog.Warn("telegram send failed", "chat", job.ChatID, "err", err)
		d.publish(Failure{Job: job, Err: err, At: time.Now().UTC()})
		return
	}
	d.metrics.TelegramSent.Add(1)
}

// Enqueue queues jobs without blocking. Jobs that do not fit are dropped
// and reported as failures.
func (d *Dispatcher) Enqueue(jobs ...Job) {
	if d.sender == nil || len(jobs) == 0 {
		return
	}

	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return
	}
	for _, job := range jobs {
		select {
		case d.jobs <- job:
		default:
			d.metrics.TelegramDropped.Add(1)
			slog.Warn("telegram queue full, dropping message", "chat", job.ChatID)
			d.publish(Failure{
				Job: job,
				Err: fmt.Errorf("relay: dispatch queue full: %w", model.ErrUpstreamUnavailable),
				At:  time.Now().UTC(),
			})
		}
	}
}

func (d *Dispatcher) publish(f Failure) {
	select {
	case d.failures <- f:
	default:
	}
}

// Failures returns the channel failed deliveries are published on. It is
// closed by Close. Nobody has to read it; failures that do not fit are
// dropped after being logged.
func (d *Dispatcher) Failures() <-chan Failure {
	return d.failures
}

// Pending returns the number of queued jobs.
func (d *Dispatcher) Pending() int {
	return len(d.jobs)
}

// Close stops accepting jobs, waits for queued jobs to be sent and closes
// the failure channel.
func (d *Dispatcher) Close() {
	_ = d.CloseContext(context.Background())
}

// CloseContext is Close with a deadline. When ctx ends before the queue is
// drained, the send in flight is cancelled and the remaining jobs are
// counted as dropped; ctx's error is returned.
func (d *Dispatcher) CloseContext(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	close(d.jobs)
	d.mu.Unlock()

	// Without a started worker queued jobs are discarded.
	d.start.Do(func() {})

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = ctx.Err()
		d.abandon.Store(true)
		if d.cancel != nil {
			d.cancel()
		}
		<-done
	}
	if d.cancel != nil {
		d.cancel()
	}
	close(d.failures)
	return err
}
