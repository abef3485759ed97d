package application

import "time"

// ReserveRequest 是预占库存的入参
type ReserveRequest struct {
	ProductID string
	Quantity  int
	HolderRef string
	// TTL 为 0 时使用账本的默认 TTL；负数或超过上限会被拒绝
	TTL time.Duration
}

// SyncReport 汇总一次 SyncOnce 的结果
type SyncReport struct {
	Tracked   int `json:"tracked"`
	Changed   int `json:"changed"`
	Unchanged int `json:"unchanged"`
	Missing   int `json:"missing"`
	Failed    int `json:"failed"`
}
