// internal/pkg/bootstrap/config.go
package bootstrap

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	zlog "github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// MinSweepInterval 是清扫间隔的下限，更频繁的清扫只会给数据库增加压力
const MinSweepInterval = 30 * time.Second

// Config 是整个服务的配置结构，对应 configs/config.yaml
type Config struct {
	App       AppConfig       `yaml:"app"`
	Inventory InventoryConfig `yaml:"inventory"`
	Payment   PaymentConfig   `yaml:"payment"`
	Infra     InfraConfig     `yaml:"infra"`
}

type AppConfig struct {
	ServiceName string `yaml:"service_name"`
	Port        int    `yaml:"port"`
	LogLevel    string `yaml:"log_level"`
}

type TrackedProduct struct {
	ProductID         string `yaml:"product_id"`
	ExternalStockCode string `yaml:"external_stock_code"`
}

type InventoryConfig struct {
	ReservationTTL    time.Duration    `yaml:"reservation_ttl"`
	MaxReservationTTL time.Duration    `yaml:"max_reservation_ttl"`
	SweepInterval     time.Duration    `yaml:"sweep_interval"`
	SweepBatchSize    int              `yaml:"sweep_batch_size"`
	SyncInterval      time.Duration    `yaml:"sync_interval"`
	SyncFetchTimeout  time.Duration    `yaml:"sync_fetch_timeout"`
	SyncConcurrency   int              `yaml:"sync_concurrency"`
	TrackedProducts   []TrackedProduct `yaml:"tracked_products"`
}

type IssueRule struct {
	Issue      string `yaml:"issue"`
	Expression string `yaml:"expression"`
}

type PaymentConfig struct {
	ReconcileCutoff   time.Duration `yaml:"reconcile_cutoff"`
	ReconcileInterval time.Duration `yaml:"reconcile_interval"`
	IssueRules        []IssueRule   `yaml:"issue_rules"`
}

type InfraConfig struct {
	// Storage 取值 mysql 或 memory，memory 仅用于本地开发
	Storage   string          `yaml:"storage"`
	MySQL     MySQLConfig     `yaml:"mysql"`
	Redis     RedisConfig     `yaml:"redis"`
	Kafka     KafkaConfig     `yaml:"kafka"`
	Jaeger    JaegerConfig    `yaml:"jaeger"`
	ERP       ERPConfig       `yaml:"erp"`
	Zookeeper ZookeeperConfig `yaml:"zookeeper"`
	Nacos     NacosConfig     `yaml:"nacos"`
}

type MySQLConfig struct {
	Addr            string        `yaml:"addr"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	Database        string        `yaml:"database"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	LockWaitTimeout time.Duration `yaml:"lock_wait_timeout"`
	AutoMigrate     bool          `yaml:"auto_migrate"`
}

type RedisConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type KafkaConfig struct {
	Enabled           bool     `yaml:"enabled"`
	Brokers           []string `yaml:"brokers"`
	StockChangedTopic string   `yaml:"stock_changed_topic"`
	ConsumerGroup     string   `yaml:"consumer_group"`
}

type JaegerConfig struct {
	Endpoint    string  `yaml:"endpoint"`
	SampleRatio float64 `yaml:"sample_ratio"`
}

type ERPConfig struct {
	BaseURL string `yaml:"base_url"`
}

type ZookeeperConfig struct {
	Enabled        bool          `yaml:"enabled"`
	Servers        []string      `yaml:"servers"`
	SessionTimeout time.Duration `yaml:"session_timeout"`
}

type NacosConfig struct {
	Enabled     bool   `yaml:"enabled"`
	ServerAddrs string `yaml:"server_addrs"`
	Namespace   string `yaml:"namespace"`
	Group       string `yaml:"group"`
	DataID      string `yaml:"data_id"`
}

// DefaultConfig 返回未提供配置文件时使用的默认值
func DefaultConfig() *Config {
	return &Config{
		App: AppConfig{ServiceName: "inventory-core", Port: 8090, LogLevel: "info"},
		Inventory: InventoryConfig{
			ReservationTTL:    15 * time.Minute,
			MaxReservationTTL: 2 * time.Hour,
			SweepInterval:     time.Minute,
			SweepBatchSize:    500,
			SyncInterval:      5 * time.Minute,
			SyncFetchTimeout:  10 * time.Second,
			SyncConcurrency:   4,
		},
		Payment: PaymentConfig{
			ReconcileCutoff:   7 * 24 * time.Hour,
			ReconcileInterval: 24 * time.Hour,
		},
		Infra: InfraConfig{
			Storage: "mysql",
			MySQL: MySQLConfig{
				Addr:            "localhost:3306",
				User:            "root",
				Database:        "inventory",
				MaxOpenConns:    50,
				MaxIdleConns:    10,
				ConnMaxLifetime: 30 * time.Minute,
				LockWaitTimeout: 2 * time.Second,
			},
			Redis: RedisConfig{Enabled: true, Addr: "localhost:6379"},
			Kafka: KafkaConfig{
				Enabled:           true,
				Brokers:           []string{"localhost:9092"},
				StockChangedTopic: "stock-changed",
				ConsumerGroup:     "inventory-core-stock-view",
			},
			Jaeger:    JaegerConfig{Endpoint: "http://localhost:14268/api/traces", SampleRatio: 1},
			ERP:       ERPConfig{BaseURL: "http://localhost:8095"},
			Zookeeper: ZookeeperConfig{Servers: []string{"localhost:2181"}, SessionTimeout: 10 * time.Second},
			Nacos: NacosConfig{
				ServerAddrs: "localhost:8848",
				Group:       "DEFAULT_GROUP",
				DataID:      "inventory-core.yaml",
			},
		},
	}
}

// ParseConfig 在默认值之上解析一段 YAML
func ParseConfig(data []byte, base *Config) (*Config, error) {
	cfg := *base
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, errors.Wrap(err, "parse yaml config")
	}
	return &cfg, nil
}

// Validate 校验并修正配置。会被修正的项只记录告警，无法修正的返回错误。
func (c *Config) Validate() error {
	inv := &c.Inventory
	if inv.ReservationTTL <= 0 {
		return errors.New("inventory.reservation_ttl must be positive")
	}
	if inv.MaxReservationTTL <= 0 {
		return errors.New("inventory.max_reservation_ttl must be positive")
	}
	if inv.ReservationTTL > inv.MaxReservationTTL {
		return fmt.Errorf("inventory.reservation_ttl %s exceeds max_reservation_ttl %s", inv.ReservationTTL, inv.MaxReservationTTL)
	}
	if inv.SweepInterval < MinSweepInterval {
		zlog.Warn().Dur("configured", inv.SweepInterval).Dur("floor", MinSweepInterval).
			Msg("⚠️ inventory.sweep_interval below floor, raising it")
		inv.SweepInterval = MinSweepInterval
	}
	if inv.SyncInterval <= 0 {
		return errors.New("inventory.sync_interval must be positive")
	}
	// 外部调用的超时必须严格小于同步周期
	if inv.SyncFetchTimeout <= 0 || inv.SyncFetchTimeout >= inv.SyncInterval {
		fixed := inv.SyncInterval / 2
		zlog.Warn().Dur("configured", inv.SyncFetchTimeout).Dur("fixed", fixed).
			Msg("⚠️ inventory.sync_fetch_timeout must be shorter than sync_interval")
		inv.SyncFetchTimeout = fixed
	}
	if inv.SweepBatchSize <= 0 {
		inv.SweepBatchSize = 500
	}
	if inv.SyncConcurrency <= 0 {
		inv.SyncConcurrency = 1
	}
	for i, p := range inv.TrackedProducts {
		if p.ProductID == "" || p.ExternalStockCode == "" {
			return fmt.Errorf("inventory.tracked_products[%d] needs product_id and external_stock_code", i)
		}
	}

	if c.Payment.ReconcileCutoff <= 0 {
		return errors.New("payment.reconcile_cutoff must be positive")
	}
	if c.Payment.ReconcileInterval <= 0 {
		return errors.New("payment.reconcile_interval must be positive")
	}
	for i, r := range c.Payment.IssueRules {
		if r.Issue == "" || r.Expression == "" {
			return fmt.Errorf("payment.issue_rules[%d] needs issue and expression", i)
		}
	}

	switch c.Infra.Storage {
	case "mysql", "memory":
	default:
		return fmt.Errorf("infra.storage must be mysql or memory, got %q", c.Infra.Storage)
	}
	if c.App.Port <= 0 {
		return errors.New("app.port must be positive")
	}
	return nil
}

// applyEnvOverrides 让部署环境可以用环境变量覆盖关键配置
func (c *Config) applyEnvOverrides() error {
	c.Infra.Storage = getEnv("STORAGE", c.Infra.Storage)
	c.Infra.MySQL.Addr = getEnv("MYSQL_ADDR", c.Infra.MySQL.Addr)
	c.Infra.MySQL.User = getEnv("MYSQL_USER", c.Infra.MySQL.User)
	c.Infra.MySQL.Password = getEnv("MYSQL_PASSWORD", c.Infra.MySQL.Password)
	c.Infra.MySQL.Database = getEnv("MYSQL_DATABASE", c.Infra.MySQL.Database)
	c.Infra.Redis.Addr = getEnv("REDIS_ADDR", c.Infra.Redis.Addr)
	c.Infra.Jaeger.Endpoint = getEnv("JAEGER_ENDPOINT", c.Infra.Jaeger.Endpoint)
	c.Infra.ERP.BaseURL = getEnv("ERP_BASE_URL", c.Infra.ERP.BaseURL)
	if brokers := getEnv("KAFKA_BROKERS", ""); brokers != "" {
		c.Infra.Kafka.Brokers = strings.Split(brokers, ",")
	}
	if servers := getEnv("ZOOKEEPER_SERVERS", ""); servers != "" {
		c.Infra.Zookeeper.Servers = strings.Split(servers, ",")
		c.Infra.Zookeeper.Enabled = true
	}
	c.Infra.Nacos.ServerAddrs = getEnv("NACOS_SERVER_ADDRS", c.Infra.Nacos.ServerAddrs)
	c.Infra.Nacos.Namespace = getEnv("NACOS_NAMESPACE", c.Infra.Nacos.Namespace)
	c.Infra.Nacos.Group = getEnv("NACOS_GROUP", c.Infra.Nacos.Group)

	if port := getEnv("PORT", ""); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return errors.Wrapf(err, "invalid PORT %q", port)
		}
		c.App.Port = p
	}

	durations := map[string]*time.Duration{
		"RESERVATION_TTL":     &c.Inventory.ReservationTTL,
		"MAX_RESERVATION_TTL": &c.Inventory.MaxReservationTTL,
		"SWEEP_INTERVAL":      &c.Inventory.SweepInterval,
		"SYNC_INTERVAL":       &c.Inventory.SyncInterval,
		"SYNC_FETCH_TIMEOUT":  &c.Inventory.SyncFetchTimeout,
		"RECONCILE_CUTOFF":    &c.Payment.ReconcileCutoff,
		"RECONCILE_INTERVAL":  &c.Payment.ReconcileInterval,
	}
	for key, target := range durations {
		raw := getEnv(key, "")
		if raw == "" {
			continue
		}
		d, err := time.ParseDuration(raw)
		if err != nil {
			return errors.Wrapf(err, "invalid %s", key)
		}
		*target = d
	}
	return nil
}

var currentConfig atomic.Pointer[Config]

// GetCurrentConfig 返回当前生效的配置；Init 之前调用会得到默认配置
func GetCurrentConfig() *Config {
	if cfg := currentConfig.Load(); cfg != nil {
		return cfg
	}
	return DefaultConfig()
}

func setCurrentConfig(cfg *Config) {
	currentConfig.Store(cfg)
}

// loadLocalConfig 读取本地配置文件，文件不存在时返回默认配置
func loadLocalConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			zlog.Warn().Str("path", path).Msg("⚠️ Config file not found, using defaults")
			return DefaultConfig(), nil
		}
		return nil, errors.Wrapf(err, "read config file %s", path)
	}
	return ParseConfig(data, DefaultConfig())
}

// getEnv 是一个内部辅助函数，从环境变量中读取配置。
func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}
