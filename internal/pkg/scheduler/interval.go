// internal/pkg/scheduler/interval.go
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"inventorycore/internal/pkg/logger"
	"inventorycore/internal/pkg/metrics"
)

const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
	OutcomeSkipped = "skipped"
)

// Locker 是单次迭代前需要获取的互斥锁，多副本部署时用来保证同一时刻只有一个实例在跑。
type Locker interface {
	Lock(ctx context.Context) error
	Unlock() error
}

// Task 描述一个按固定间隔执行的后台任务。
type Task struct {
	Name     string
	Interval time.Duration
	// RunImmediately 为 true 时启动后先执行一次，再进入周期
	RunImmediately bool
	// Timeout 是单次迭代的上限，必须小于 Interval；为 0 时取 Interval 的 90%
	Timeout time.Duration
	// LockTimeout 是获取 Lock 的最长等待时间
	LockTimeout time.Duration
	Lock        Locker
	Run         func(ctx context.Context) error
}

// Start 阻塞运行任务，直到 ctx 被取消。单次迭代的失败只会被记录和计数，不会终止循环。
func (t Task) Start(ctx context.Context) error {
	if t.Interval <= 0 {
		return fmt.Errorf("task %s: interval must be positive", t.Name)
	}
	if t.Run == nil {
		return fmt.Errorf("task %s: run func is nil", t.Name)
	}

	ctx = logger.With(ctx, "task", t.Name)
	logger.Ctx(ctx).Info().Dur("interval", t.Interval).Msgf("✅ Task '%s' started", t.Name)

	if t.RunImmediately {
		t.RunOnce(ctx)
	}

	ticker := time.NewTicker(t.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Ctx(ctx).Info().Msgf("🛑 Shutting down task '%s'", t.Name)
			return nil
		case <-ticker.C:
			// ticker 和 Done 同时就绪时 select 随机选择，这里再确认一次
			if ctx.Err() != nil {
				continue
			}
			t.RunOnce(ctx)
		}
	}
}

// RunOnce 执行一次迭代并返回 outcome。
func (t Task) RunOnce(ctx context.Context) string {
	ctx, span := otel.Tracer("scheduler").Start(ctx, "task."+t.Name)
	defer span.End()

	if t.Lock != nil {
		lockTimeout := t.LockTimeout
		if lockTimeout <= 0 {
			lockTimeout = 5 * time.Second
		}
		lockCtx, cancel := context.WithTimeout(ctx, lockTimeout)
		err := t.Lock.Lock(lockCtx)
		cancel()
		if err != nil {
			logger.Ctx(ctx).Info().Err(err).Msg("⏭️ Lock held elsewhere, skipping this iteration")
			span.AddEvent("LockNotAcquired")
			metrics.TaskRuns.WithLabelValues(t.Name, OutcomeSkipped).Inc()
			return OutcomeSkipped
		}
		defer func() {
			if err := t.Lock.Unlock(); err != nil {
				logger.Ctx(ctx).Warn().Err(err).Msg("⚠️ Failed to release task lock")
			}
		}()
	}

	runCtx, cancel := context.WithTimeout(ctx, t.iterationTimeout())
	defer cancel()

	start := time.Now()
	err := t.safeRun(runCtx)
	elapsed := time.Since(start)
	metrics.TaskDuration.WithLabelValues(t.Name).Observe(elapsed.Seconds())

	if err != nil {
		// 关停引起的取消不算失败
		if ctx.Err() != nil {
			return OutcomeSkipped
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logger.Ctx(ctx).Error().Err(err).Dur("elapsed", elapsed).Msg("❌ Task iteration failed, will retry on next tick")
		metrics.TaskRuns.WithLabelValues(t.Name, OutcomeFailure).Inc()
		return OutcomeFailure
	}

	span.SetAttributes(attribute.Int64("task.elapsed_ms", elapsed.Milliseconds()))
	metrics.TaskRuns.WithLabelValues(t.Name, OutcomeSuccess).Inc()
	metrics.TaskLastSuccess.WithLabelValues(t.Name).SetToCurrentTime()
	logger.Ctx(ctx).Debug().Dur("elapsed", elapsed).Msg("Task iteration finished")
	return OutcomeSuccess
}

func (t Task) iterationTimeout() time.Duration {
	if t.Timeout > 0 && t.Timeout < t.Interval {
		return t.Timeout
	}
	return t.Interval * 9 / 10
}

// safeRun 把 panic 转成 error，保证一次迭代的崩溃不会带走整个进程。
func (t Task) safeRun(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("task %s panicked: %v", t.Name, r)
		}
	}()
	return t.Run(ctx)
}
