package main

import (
	"context"
	"net/http"
	"time"

	"github.com/pkg/errors"
	zlog "github.com/rs/zerolog/log"
	"github.com/segmentio/kafka-go"
	"gorm.io/gorm"

	"inventorycore/internal/pkg/bootstrap"
	"inventorycore/internal/pkg/database"
	"inventorycore/internal/pkg/mq"
	"inventorycore/internal/pkg/redis"
	"inventorycore/internal/pkg/scheduler"
	inventorydomain "inventorycore/internal/service/inventory/domain"
	inventoryinfra "inventorycore/internal/service/inventory/infrastructure"
	paymentdomain "inventorycore/internal/service/payment/domain"
	paymentinfra "inventorycore/internal/service/payment/infrastructure"
	"inventorycore/internal/zookeeper"
)

// infra 持有进程级的外部连接，Close 按创建的逆序释放
type infra struct {
	db            *gorm.DB
	inventoryRepo inventorydomain.InventoryRepository
	paymentRepo   paymentdomain.PaymentRepository
	redis         *redis.Client
	kafkaWriter   *kafka.Writer
	kafkaReader   *kafka.Reader
	zkConn        *zookeeper.Conn
}

func openInfra(ctx context.Context, cfg *bootstrap.Config) (*infra, error) {
	in := &infra{}

	switch cfg.Infra.Storage {
	case "memory":
		zlog.Warn().Msg("⚠️ Using in-memory storage, data is lost on restart")
		in.inventoryRepo = inventoryinfra.NewMemoryInventoryRepository()
		in.paymentRepo = paymentinfra.NewMemoryPaymentRepository()
	default:
		m := cfg.Infra.MySQL
		db, err := database.OpenMySQL(ctx, database.MySQLOptions{
			Addr:            m.Addr,
			User:            m.User,
			Password:        m.Password,
			Database:        m.Database,
			MaxOpenConns:    m.MaxOpenConns,
			MaxIdleConns:    m.MaxIdleConns,
			ConnMaxLifetime: m.ConnMaxLifetime,
			LockWaitTimeout: m.LockWaitTimeout,
		})
		if err != nil {
			return nil, err
		}
		in.db = db
		if m.AutoMigrate {
			if err := inventoryinfra.AutoMigrate(db); err != nil {
				in.Close()
				return nil, errors.Wrap(err, "migrate inventory tables")
			}
			if err := paymentinfra.AutoMigrate(db); err != nil {
				in.Close()
				return nil, errors.Wrap(err, "migrate payment tables")
			}
		}
		in.inventoryRepo = inventoryinfra.NewGormInventoryRepository(db)
		in.paymentRepo = paymentinfra.NewGormPaymentRepository(db)
	}

	if cfg.Infra.Redis.Enabled {
		client, err := redis.NewClient(ctx, cfg.Infra.Redis.Addr, cfg.Infra.Redis.Password, cfg.Infra.Redis.DB)
		if err != nil {
			in.Close()
			return nil, err
		}
		in.redis = client
	}

	if k := cfg.Infra.Kafka; k.Enabled {
		in.kafkaWriter = mq.NewKafkaWriter(k.Brokers, k.StockChangedTopic)
		in.kafkaReader = mq.NewKafkaReader(k.Brokers, k.StockChangedTopic, k.ConsumerGroup)
	}

	if z := cfg.Infra.Zookeeper; z.Enabled {
		conn, err := zookeeper.Connect(z.Servers, z.SessionTimeout)
		if err != nil {
			in.Close()
			return nil, err
		}
		in.zkConn = conn
	}
	return in, nil
}

// lockFor 返回某个后台任务的分布式锁；未启用 ZooKeeper 时返回 nil，任务不加锁直接执行
func (in *infra) lockFor(task string) scheduler.Locker {
	if in.zkConn == nil {
		return nil
	}
	lock, err := zookeeper.NewDistributedLock(in.zkConn, task)
	if err != nil {
		zlog.Fatal().Err(err).Str("task", task).Msg("failed to create distributed lock")
	}
	return lock
}

func (in *infra) healthz(w http.ResponseWriter, r *http.Request) {
	if in.db != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		sqlDB, err := in.db.DB()
		if err == nil {
			err = sqlDB.PingContext(ctx)
		}
		if err != nil {
			http.Error(w, "database unavailable", http.StatusServiceUnavailable)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
}

func (in *infra) Close() {
	if in.zkConn != nil {
		in.zkConn.Close()
	}
	if in.kafkaReader != nil {
		if err := in.kafkaReader.Close(); err != nil {
			zlog.Error().Err(err).Msg("Error closing kafka reader")
		}
	}
	if in.kafkaWriter != nil {
		if err := in.kafkaWriter.Close(); err != nil {
			zlog.Error().Err(err).Msg("Error closing kafka writer")
		}
	}
	if in.redis != nil {
		if err := in.redis.Close(); err != nil {
			zlog.Error().Err(err).Msg("Error closing redis client")
		}
	}
	if in.db != nil {
		if sqlDB, err := in.db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	}
}
