// internal/service/payment/application/reconciler.go
package application

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"inventorycore/internal/pkg/logger"
	"inventorycore/internal/pkg/metrics"
	"inventorycore/internal/pkg/scheduler"
	"inventorycore/internal/service/payment/domain"
)

const ReconcilerTaskName = "payment-reconciler"

// Clock 可注入的时间源
type Clock func() time.Time

// issueDetails 是写入对账日志 details 字段的 JSON 结构
type issueDetails struct {
	Status      string  `json:"status"`
	CreatedAt   string  `json:"created_at"`
	AgeHours    float64 `json:"age_hours"`
	CutoffHours float64 `json:"cutoff_hours"`
	MatchedRule string  `json:"matched_rule,omitempty"`

	// ClassifyError 规则求值失败时的错误，此时 issue 退回默认值
	ClassifyError string `json:"classify_error,omitempty"`
}

// PaymentReconciler 找出长时间停留在 Pending 的支付并写入对账日志，供人工跟进。
// 它从不修改支付状态。每次运行都会重新标记仍未解决的支付。
type PaymentReconciler struct {
	repo       domain.PaymentRepository
	classifier domain.IssueClassifier
	tracer     trace.Tracer
	now        Clock
	cutoff     time.Duration
	lock       scheduler.Locker
}

// NewPaymentReconciler 创建对账器。classifier 为 nil 时所有问题都记为 pending_past_cutoff。
func NewPaymentReconciler(repo domain.PaymentRepository, classifier domain.IssueClassifier, tracer trace.Tracer, cutoff time.Duration) *PaymentReconciler {
	return &PaymentReconciler{
		repo:       repo,
		classifier: classifier,
		tracer:     tracer,
		now:        func() time.Time { return time.Now().UTC() },
		cutoff:     cutoff,
	}
}

func (r *PaymentReconciler) WithClock(clock Clock) *PaymentReconciler {
	r.now = clock
	return r
}

// WithLock 设置多副本部署时的互斥锁
func (r *PaymentReconciler) WithLock(lock scheduler.Locker) *PaymentReconciler {
	r.lock = lock
	return r
}

// RunOnce 在一个工作单元内查询卡单并为每一笔追加一条对账日志，返回标记的数量
func (r *PaymentReconciler) RunOnce(ctx context.Context) (int, error) {
	ctx, span := r.tracer.Start(ctx, "reconciler.RunOnce")
	defer span.End()

	now := r.now()
	before := now.Add(-r.cutoff)
	span.SetAttributes(attribute.String("reconcile.before", before.Format(time.RFC3339)))

	flagged := 0
	issues := make(map[string]int)
	err := r.repo.Transaction(ctx, func(tx domain.PaymentRepository) error {
		stale, err := tx.ListStalePending(ctx, before)
		if err != nil {
			return err
		}
		if len(stale) == 0 {
			return nil
		}

		entries := make([]*domain.ReconciliationLogEntry, 0, len(stale))
		for _, p := range stale {
			// 存储层已经按条件过滤，这里再确认一次，避免误标
			if !p.IsStuck(now, r.cutoff) {
				continue
			}
			entry, err := r.buildEntry(ctx, p, now)
			if err != nil {
				return err
			}
			entries = append(entries, entry)
			issues[entry.Issue]++
		}
		if err := tx.AppendLogs(ctx, entries); err != nil {
			return err
		}
		flagged = len(entries)
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "reconcile failed")
		return 0, errors.Wrap(err, "reconcile stale payments")
	}

	for issue, n := range issues {
		metrics.PaymentsFlagged.WithLabelValues(issue).Add(float64(n))
	}
	span.SetAttributes(attribute.Int("reconcile.flagged", flagged))
	if flagged > 0 {
		logger.Ctx(ctx).Warn().Int("flagged", flagged).Dur("cutoff", r.cutoff).Msg("⚠️ Payments stuck in Pending past cutoff")
	} else {
		logger.Ctx(ctx).Info().Msg("✅ No stuck payments found")
	}
	return flagged, nil
}

// buildEntry 为一笔卡单生成对账日志。分类失败不影响记录本身：issue 退回默认值，错误写进 details。
func (r *PaymentReconciler) buildEntry(ctx context.Context, p *domain.PaymentRecord, now time.Time) (*domain.ReconciliationLogEntry, error) {
	ageHours := p.Age(now).Hours()
	issue, rule := domain.IssuePendingPastCutoff, ""
	var classifyErr string
	if r.classifier != nil {
		matched, matchedRule, err := r.classifier.Classify(domain.Fact{
			Provider:          p.Provider,
			ProviderPaymentID: p.ProviderPaymentID,
			Status:            string(p.Status),
			AgeHours:          ageHours,
			RawResponse:       p.RawResponse,
		})
		if err != nil {
			classifyErr = err.Error()
			logger.Ctx(ctx).Warn().Err(err).
				Str("provider", p.Provider).
				Str("provider_payment_id", p.ProviderPaymentID).
				Msg("⚠️ Issue classification failed, falling back to default issue")
		} else {
			issue, rule = matched, matchedRule
		}
	}

	details, err := json.Marshal(issueDetails{
		Status:        string(p.Status),
		CreatedAt:     p.CreatedAt.UTC().Format(time.RFC3339),
		AgeHours:      ageHours,
		CutoffHours:   r.cutoff.Hours(),
		MatchedRule:   rule,
		ClassifyError: classifyErr,
	})
	if err != nil {
		return nil, errors.Wrap(err, "marshal issue details")
	}
	return &domain.ReconciliationLogEntry{
		Provider:          p.Provider,
		ProviderPaymentID: p.ProviderPaymentID,
		CheckedAt:         now,
		Issue:             issue,
		Details:           string(details),
	}, nil
}

// ListLogs 返回最近的对账日志
func (r *PaymentReconciler) ListLogs(ctx context.Context, provider string, limit int) ([]*domain.ReconciliationLogEntry, error) {
	logs, err := r.repo.ListLogs(ctx, provider, limit)
	if err != nil {
		return nil, errors.Wrap(err, "list reconciliation logs")
	}
	return logs, nil
}

// Task 返回对账任务的调度描述：启动时立即执行一次
func (r *PaymentReconciler) Task(interval time.Duration) scheduler.Task {
	return scheduler.Task{
		Name:           ReconcilerTaskName,
		Interval:       interval,
		RunImmediately: true,
		Lock:           r.lock,
		Run: func(ctx context.Context) error {
			_, err := r.RunOnce(ctx)
			return err
		},
	}
}

// RunLoop 阻塞运行对账循环直到 ctx 取消
func (r *PaymentReconciler) RunLoop(ctx context.Context, interval time.Duration) error {
	return r.Task(interval).Start(ctx)
}
