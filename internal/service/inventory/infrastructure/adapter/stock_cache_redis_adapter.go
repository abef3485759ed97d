package adapter

import (
	"context"
	"fmt"
	"strconv"

	"github.com/pkg/errors"
	goredis "github.com/redis/go-redis/v9"

	"inventorycore/internal/pkg/redis"
	"inventorycore/internal/service/inventory/domain"
)

const applyStockScriptName = "apply_stock_change"

// StockCacheRedisAdapter 是 port.StockView 的 Redis 实现，维护给店铺前台读的在库量缓存。
// 通知是至少一次投递，脚本只接受比缓存更新的事件，重复或乱序的事件不会覆盖新值。
type StockCacheRedisAdapter struct {
	redisClient *redis.Client
}

// NewStockCacheRedisAdapter 创建缓存适配器，并在创建时加载 Lua 脚本。
func NewStockCacheRedisAdapter(ctx context.Context, redisClient *redis.Client) (*StockCacheRedisAdapter, error) {
	if err := redisClient.LoadScriptFromContent(ctx, applyStockScriptName, applyStockScript); err != nil {
		return nil, fmt.Errorf("failed to load stock cache script: %w", err)
	}
	return &StockCacheRedisAdapter{redisClient: redisClient}, nil
}

func (a *StockCacheRedisAdapter) Name() string { return "redis-stock-cache" }

// Apply 把库存变化写入缓存，被忽略的过期事件同样视为成功。
func (a *StockCacheRedisAdapter) Apply(ctx context.Context, event domain.StockChanged) error {
	keys := []string{onHandKey(event.ProductID), versionKey(event.ProductID)}
	args := []interface{}{event.NewQuantity, event.OccurredAt.UnixNano()}

	result, err := a.redisClient.RunScript(ctx, applyStockScriptName, keys, args...)
	if err != nil {
		return errors.Wrapf(err, "apply stock change of %s", event.ProductID)
	}
	if _, ok := result.(int64); !ok {
		return errors.Errorf("unexpected result type from Lua script: %T", result)
	}
	return nil
}

// CachedOnHand 读取缓存的在库量，缓存不存在时 ok 为 false
func (a *StockCacheRedisAdapter) CachedOnHand(ctx context.Context, productID string) (quantity int, ok bool, err error) {
	val, err := a.redisClient.GetClient().Get(ctx, onHandKey(productID)).Result()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return 0, false, nil
		}
		return 0, false, errors.Wrapf(err, "get cached on-hand of %s", productID)
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return 0, false, errors.Wrapf(err, "parse cached on-hand of %s", productID)
	}
	return n, true, nil
}

// Invalidate 删除某个商品的缓存（管理用）
func (a *StockCacheRedisAdapter) Invalidate(ctx context.Context, productID string) error {
	pipe := a.redisClient.GetClient().Pipeline()
	pipe.Del(ctx, onHandKey(productID))
	pipe.Del(ctx, versionKey(productID))
	_, err := pipe.Exec(ctx)
	return errors.Wrapf(err, "invalidate stock cache of %s", productID)
}

func onHandKey(productID string) string {
	return fmt.Sprintf("stock:onhand:{%s}", productID)
}

func versionKey(productID string) string {
	return fmt.Sprintf("stock:version:{%s}", productID)
}

var applyStockScript = `
-- KEYS[1]: 在库量缓存, 例如: stock:onhand:{product_123}
-- KEYS[2]: 缓存对应事件的时间戳, 例如: stock:version:{product_123}
-- ARGV[1]: 新的在库量
-- ARGV[2]: 事件发生时间 (unix nano)

local current = tonumber(redis.call('get', KEYS[2]))
local incoming = tonumber(ARGV[2])

-- 已经有更新或相同的事件，忽略
if current and current >= incoming then
    return 0
end

redis.call('set', KEYS[1], ARGV[1])
redis.call('set', KEYS[2], ARGV[2])
return 1
`
