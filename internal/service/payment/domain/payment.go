// internal/service/payment/domain/payment.go
package domain

import "time"

// PaymentStatus 支付记录的状态，由支付渠道回调写入，本服务只读
type PaymentStatus string

const (
	PaymentPending  PaymentStatus = "Pending"
	PaymentCaptured PaymentStatus = "Captured"
	PaymentFailed   PaymentStatus = "Failed"
	PaymentRefunded PaymentStatus = "Refunded"
)

// PaymentRecord 是一笔支付在本地的记录
type PaymentRecord struct {
	ID                string
	Provider          string
	ProviderPaymentID string
	Status            PaymentStatus
	CreatedAt         time.Time
	RawResponse       string // 渠道最后一次返回的原始报文
}

// IsStuck 判断支付是否在 cutoff 之前创建且仍处于 Pending
func (p *PaymentRecord) IsStuck(now time.Time, cutoff time.Duration) bool {
	return p.Status == PaymentPending && p.CreatedAt.Before(now.Add(-cutoff))
}

// Age 返回支付创建至今的时长
func (p *PaymentRecord) Age(now time.Time) time.Duration {
	return now.Sub(p.CreatedAt)
}
