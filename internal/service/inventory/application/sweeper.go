// internal/service/inventory/application/sweeper.go
package application

import (
	"context"
	"time"

	"inventorycore/internal/pkg/scheduler"
)

const SweeperTaskName = "reservation-sweeper"

// Sweeper 按固定间隔调用 ReservationLedger.Sweep。
// 过期预占最长会被占用 TTL + 一个清扫间隔。
type Sweeper struct {
	ledger *ReservationLedger
	lock   scheduler.Locker
}

func NewSweeper(ledger *ReservationLedger, lock scheduler.Locker) *Sweeper {
	return &Sweeper{ledger: ledger, lock: lock}
}

// Task 返回清扫任务的调度描述，启动时先清扫一次，释放停机期间过期的预占
func (s *Sweeper) Task(interval time.Duration) scheduler.Task {
	return scheduler.Task{
		Name:           SweeperTaskName,
		Interval:       interval,
		RunImmediately: true,
		Lock:           s.lock,
		Run: func(ctx context.Context) error {
			_, err := s.ledger.Sweep(ctx)
			return err
		},
	}
}

// RunLoop 阻塞运行清扫循环直到 ctx 取消
func (s *Sweeper) RunLoop(ctx context.Context, interval time.Duration) error {
	return s.Task(interval).Start(ctx)
}
