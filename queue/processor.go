package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	syncErrors "github.com/c0deZ3R0/go-docsync/errors"
	"github.com/c0deZ3R0/go-docsync/logging"
	"github.com/c0deZ3R0/go-docsync/remote"
	"github.com/c0deZ3R0/go-docsync/retry"
)

// ProcessorConfig configures a Processor.
type ProcessorConfig struct {
	// BatchSize is the number of operations replayed concurrently.
	// Default: 10
	BatchSize int `mapstructure:"batch_size"`

	// BatchDelay is the pause between batches.
	// Default: 100ms
	BatchDelay time.Duration `mapstructure:"batch_delay"`

	// MaxRetryCount is the number of failed passes after which an operation is dropped.
	// Default: 5
	MaxRetryCount int `mapstructure:"max_retry_count"`

	// BaseDelay and MaxDelay bound the reschedule backoff pushed into Timestamp.
	// Defaults: 1s, 5m
	BaseDelay time.Duration `mapstructure:"base_delay"`
	MaxDelay  time.Duration `mapstructure:"max_delay"`

	// RespectBackoff skips operations whose Timestamp is still in the future.
	RespectBackoff bool `mapstructure:"respect_backoff"`

	// Retry configures the attempts made for each replay within one pass.
	Retry retry.Config `mapstructure:"retry"`

	Logger           *slog.Logger     `mapstructure:"-"`
	MetricsCollector MetricsCollector `mapstructure:"-"`
	Clock            func() time.Time `mapstructure:"-"`
}

// DefaultProcessorConfig returns the default processor configuration.
func DefaultProcessorConfig() ProcessorConfig {
	c := ProcessorConfig{Retry: retry.DefaultConfig()}
	c.setDefaults()
	return c
}

func (c *ProcessorConfig) setDefaults() {
	if c.BatchSize <= 0 {
		c.BatchSize = 10
	}
	if c.BatchDelay < 0 {
		c.BatchDelay = 0
	}
	if c.MaxRetryCount <= 0 {
		c.MaxRetryCount = 5
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = time.Second
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 5 * time.Minute
	}
	if c.Logger == nil {
		c.Logger = logging.WithComponent(logging.Component("queue-processor")).Logger
	}
	if c.MetricsCollector == nil {
		c.MetricsCollector = &NoOpMetricsCollector{}
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
}

// Processor drains a Queue against a remote store.
type Processor struct {
	queue    *Queue
	remote   remote.DocumentStore
	executor *retry.Executor
	config   ProcessorConfig
	logger   *logging.Logger

	// serializes drains; enqueues are not blocked
	drainMu sync.Mutex
}

// NewProcessor creates a processor.
func NewProcessor(q *Queue, store remote.DocumentStore, config ProcessorConfig) *Processor {
	config.setDefaults()
	return &Processor{
		queue:    q,
		remote:   store,
		executor: retry.NewExecutor(config.Retry, config.Logger),
		config:   config,
		logger:   &logging.Logger{Logger: config.Logger},
	}
}

type replayOutcome struct {
	err      error
	skipped  bool
	duration time.Duration
}

// Drain makes one pass over the queue. Successful operations are removed,
// failed ones are rescheduled with backoff or dropped once they reach
// MaxRetryCount. An empty queue returns zero metrics without writing anything.
func (p *Processor) Drain(ctx context.Context) (Metrics, error) {
	p.drainMu.Lock()
	defer p.drainMu.Unlock()

	start := time.Now()
	snapshot, err := p.queue.drainSnapshot(ctx)
	if err != nil {
		return Metrics{}, syncErrors.WrapOpComponent(err, syncErrors.OpDrain, "queue-processor")
	}
	if len(snapshot) == 0 {
		return Metrics{}, nil
	}

	p.logger.Info("Draining offline queue", slog.Int("operations", len(snapshot)))

	outcomes := make([]replayOutcome, len(snapshot))
	for from := 0; from < len(snapshot); from += p.config.BatchSize {
		if from > 0 && p.config.BatchDelay > 0 {
			timer := time.NewTimer(p.config.BatchDelay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return Metrics{}, ctx.Err()
			case <-timer.C:
			}
		}
		if err := ctx.Err(); err != nil {
			return Metrics{}, err
		}

		to := from + p.config.BatchSize
		if to > len(snapshot) {
			to = len(snapshot)
		}
		p.replayBatch(ctx, snapshot[from:to], outcomes[from:to])
	}

	// a cancelled pass leaves the queue untouched
	if err := ctx.Err(); err != nil {
		return Metrics{}, err
	}

	metrics := Metrics{TotalOperations: len(snapshot)}
	var (
		rescheduled []Operation
		successTime time.Duration
	)
	now := p.config.Clock()
	for i, op := range snapshot {
		outcome := outcomes[i]
		switch {
		case outcome.skipped:
			rescheduled = append(rescheduled, op)
		case outcome.err == nil:
			metrics.SucceededOperations++
			successTime += outcome.duration
		default:
			op.RetryCount++
			if op.RetryCount < p.config.MaxRetryCount {
				op.Timestamp = now.Add(retry.Backoff(op.RetryCount, p.config.BaseDelay, p.config.MaxDelay)).UnixMilli()
				rescheduled = append(rescheduled, op)
				metrics.RescheduledOperations++
				p.logger.Debug("Operation rescheduled",
					slog.String("id", op.ID),
					slog.Int("retry_count", op.RetryCount),
					slog.String("error", outcome.err.Error()))
				continue
			}
			metrics.FailedOperations++
			p.config.MetricsCollector.RecordDrop(op)
			p.logger.LogWarning(ctx,
				syncErrors.NewTerminalDrop(outcome.err).
					WithMetadata("id", op.ID).
					WithMetadata("path", op.Path).
					WithMetadata("type", string(op.Type())).
					WithMetadata("retry_count", op.RetryCount),
				"Dropping operation after exhausting retries")
		}
	}

	pending, err := p.queue.commitDrain(ctx, snapshot, rescheduled)
	metrics.PendingOperations = pending
	metrics.LastProcessedAt = p.config.Clock().UnixMilli()
	if metrics.SucceededOperations > 0 {
		metrics.AverageProcessingTime = float64(successTime.Microseconds()) / 1000 / float64(metrics.SucceededOperations)
	}

	if mErr := p.queue.saveMetrics(ctx, metrics); mErr != nil {
		p.logger.LogError(ctx, mErr, "Failed to persist queue metrics")
	}
	p.config.MetricsCollector.RecordDrain(metrics, time.Since(start))

	p.logger.Info("Offline queue drained",
		slog.Int("total", metrics.TotalOperations),
		slog.Int("succeeded", metrics.SucceededOperations),
		slog.Int("rescheduled", metrics.RescheduledOperations),
		slog.Int("dropped", metrics.FailedOperations),
		slog.Int("pending", metrics.PendingOperations),
		slog.Duration("duration", time.Since(start)))

	if err != nil {
		return metrics, syncErrors.WrapOpComponent(err, syncErrors.OpDrain, "queue-processor")
	}
	return metrics, nil
}

// replayBatch replays ops concurrently; results land in outcomes by index.
func (p *Processor) replayBatch(ctx context.Context, ops []Operation, outcomes []replayOutcome) {
	nowMs := p.config.Clock().UnixMilli()

	var g errgroup.Group
	for i := range ops {
		i := i
		if p.config.RespectBackoff && ops[i].RetryCount > 0 && ops[i].Timestamp > nowMs {
			outcomes[i] = replayOutcome{skipped: true}
			continue
		}
		g.Go(func() error {
			start := time.Now()
			err := p.executor.Execute(ctx, func(ctx context.Context) error {
				return p.replay(ctx, ops[i])
			})
			d := time.Since(start)
			outcomes[i] = replayOutcome{err: err, duration: d}
			p.config.MetricsCollector.RecordReplay(ops[i].Type(), err == nil, d)
			return nil
		})
	}
	_ = g.Wait()
}

func (p *Processor) replay(ctx context.Context, op Operation) error {
	switch m := op.Mutation.(type) {
	case SetMutation:
		return p.remote.Set(ctx, op.Path, op.ReplayData(), true)
	case UpdateMutation:
		return p.remote.Update(ctx, op.Path, op.ReplayData())
	case DeleteMutation:
		return p.remote.Delete(ctx, op.Path)
	default:
		return syncErrors.NewValidationError(syncErrors.OpReplay, fmt.Errorf("unsupported mutation %T", m))
	}
}
