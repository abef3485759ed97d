// internal/service/payment/domain/reconciliation.go
package domain

import "time"

// IssuePendingPastCutoff 是没有规则命中时使用的问题类型
const IssuePendingPastCutoff = "pending_past_cutoff"

// ReconciliationLogEntry 对账日志，只追加不修改。
// ProviderPaymentID 是对支付记录的弱引用，支付记录被归档后日志仍然保留。
type ReconciliationLogEntry struct {
	ID                uint64    `json:"id"`
	Provider          string    `json:"provider"`
	ProviderPaymentID string    `json:"provider_payment_id"`
	CheckedAt         time.Time `json:"checked_at"`
	Issue             string    `json:"issue"`
	Details           string    `json:"details"`
}

// Fact 是交给规则引擎评估的事实
type Fact struct {
	Provider          string
	ProviderPaymentID string
	Status            string
	AgeHours          float64
	RawResponse       string
}

// IssueClassifier 根据事实判断卡单的问题类型。
// 没有规则命中时返回 IssuePendingPastCutoff 和空的规则名。
type IssueClassifier interface {
	Classify(fact Fact) (issue string, rule string, err error)
}
