package adapter

import (
	"context"

	"github.com/pkg/errors"

	"inventorycore/internal/pkg/logger"
	"inventorycore/internal/service/inventory/domain"
	"inventorycore/internal/service/inventory/port"
)

// DirectViewPublisher 在没有消息队列的本地开发模式下，把变化直接应用到各个读模型。
// 第一个读模型的失败会返回给同步器（通知保持待发布，下个周期重试），其余读模型只记录日志。
type DirectViewPublisher struct {
	views []port.StockView
}

func NewDirectViewPublisher(views ...port.StockView) *DirectViewPublisher {
	return &DirectViewPublisher{views: views}
}

func (p *DirectViewPublisher) Publish(ctx context.Context, event domain.StockChanged) error {
	for i, v := range p.views {
		if err := v.Apply(ctx, event); err != nil {
			if i == 0 {
				return errors.Wrapf(err, "apply stock change to %s", v.Name())
			}
			logger.Ctx(ctx).Warn().Err(err).Str("view", v.Name()).Msg("⚠️ Failed to apply stock change to view")
		}
	}
	return nil
}
