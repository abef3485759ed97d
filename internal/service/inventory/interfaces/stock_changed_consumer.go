package interfaces

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"inventorycore/internal/pkg/logger"
	"inventorycore/internal/pkg/mq"
	"inventorycore/internal/service/inventory/domain"
	"inventorycore/internal/service/inventory/port"
)

const (
	maxApplyAttempts = 3
	fetchRetryDelay  = time.Second
)

// MessageFetcher 是 *kafka.Reader 中消费者用到的部分
type MessageFetcher interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
}

// StockChangedConsumer 是一个驱动适配器，监听库存变化主题并更新各个读模型（缓存、推送）。
// 读模型都是幂等的，处理失败重试几次后直接提交 offset，下一次变化会覆盖旧值。
type StockChangedConsumer struct {
	fetcher    MessageFetcher
	views      []port.StockView
	retryDelay time.Duration
}

func NewStockChangedConsumer(fetcher MessageFetcher, views ...port.StockView) *StockChangedConsumer {
	return &StockChangedConsumer{fetcher: fetcher, views: views, retryDelay: 200 * time.Millisecond}
}

// Run 阻塞消费直到 ctx 取消
func (c *StockChangedConsumer) Run(ctx context.Context) error {
	logger.Ctx(ctx).Info().Int("views", len(c.views)).Msg("✅ Stock change consumer started")
	for {
		// 使用 FetchMessage 而不是 ReadMessage，处理完才提交 offset
		msg, err := c.fetcher.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				logger.Ctx(ctx).Info().Msg("🛑 Stock change consumer shutting down")
				return nil
			}
			logger.Ctx(ctx).Error().Err(err).Msg("could not fetch message, retrying")
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(fetchRetryDelay):
			}
			continue
		}

		msgCtx := mq.ExtractTraceContext(ctx, msg.Headers)
		c.handle(msgCtx, msg)

		if err := c.fetcher.CommitMessages(ctx, msg); err != nil && ctx.Err() == nil {
			logger.Ctx(ctx).Error().Err(err).Msg("Failed to commit messages")
		}
	}
}

func (c *StockChangedConsumer) handle(ctx context.Context, msg kafka.Message) {
	ctx, span := otel.Tracer("inventory-core").Start(ctx, "consumer.StockChanged", trace.WithSpanKind(trace.SpanKindConsumer))
	defer span.End()
	span.SetAttributes(
		attribute.String("messaging.system", "kafka"),
		attribute.String("messaging.destination", msg.Topic),
		attribute.Int64("messaging.kafka.offset", msg.Offset),
	)

	var event domain.StockChanged
	if err := json.Unmarshal(msg.Value, &event); err != nil {
		// 毒消息无法重试成功，记录后跳过
		span.RecordError(err)
		logger.Ctx(ctx).Error().Err(err).Int64("offset", msg.Offset).Msg("❌ Malformed stock change message skipped")
		return
	}

	for _, v := range c.views {
		if err := c.applyWithRetry(ctx, v, event); err != nil {
			span.RecordError(err)
			logger.Ctx(ctx).Error().Err(err).
				Str("view", v.Name()).
				Str("product_id", event.ProductID).
				Int("new_quantity", event.NewQuantity).
				Msg("❌ Failed to apply stock change to view")
		}
	}
}

func (c *StockChangedConsumer) applyWithRetry(ctx context.Context, v port.StockView, event domain.StockChanged) error {
	var err error
	for attempt := 1; attempt <= maxApplyAttempts; attempt++ {
		if err = v.Apply(ctx, event); err == nil {
			return nil
		}
		if attempt == maxApplyAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.retryDelay * time.Duration(attempt)):
		}
	}
	return err
}
