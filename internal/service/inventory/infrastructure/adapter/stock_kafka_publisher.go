package adapter

import (
	"context"
	"encoding/json"

	"github.com/pkg/errors"
	"github.com/segmentio/kafka-go"

	"inventorycore/internal/pkg/mq"
	"inventorycore/internal/service/inventory/domain"
)

// StockKafkaPublisher 实现了 port.StockChangePublisher 接口。
// 以 productID 作为消息 key，同一商品的变化落在同一分区，保持顺序。
type StockKafkaPublisher struct {
	writer *kafka.Writer
}

// NewStockKafkaPublisher 创建一个新的库存变化生产者适配器。
func NewStockKafkaPublisher(writer *kafka.Writer) *StockKafkaPublisher {
	return &StockKafkaPublisher{writer: writer}
}

func (p *StockKafkaPublisher) Publish(ctx context.Context, event domain.StockChanged) error {
	eventBytes, err := json.Marshal(event)
	if err != nil {
		return errors.Wrap(err, "marshal stock changed event")
	}
	// mq.ProduceMessage 会自动处理追踪上下文注入
	return mq.ProduceMessage(ctx, p.writer, []byte(event.ProductID), eventBytes)
}

// Close 关闭底层的Kafka writer。
func (p *StockKafkaPublisher) Close() error {
	return p.writer.Close()
}
