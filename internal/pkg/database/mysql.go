// internal/pkg/database/mysql.go
package database

import (
	"context"
	"strconv"
	"time"

	mysqldriver "github.com/go-sql-driver/mysql"
	"github.com/pkg/errors"
	zlog "github.com/rs/zerolog/log"
	gormmysql "gorm.io/driver/mysql"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// MySQLOptions 是建立连接池所需的参数
type MySQLOptions struct {
	Addr            string
	User            string
	Password        string
	Database        string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	// LockWaitTimeout 限制 SELECT ... FOR UPDATE 的等待时间，避免下单路径被长时间阻塞
	LockWaitTimeout time.Duration
}

// DSN 使用驱动自带的 Config 拼接连接串，避免手写转义。
func (o MySQLOptions) DSN() string {
	cfg := mysqldriver.NewConfig()
	cfg.Net = "tcp"
	cfg.Addr = o.Addr
	cfg.User = o.User
	cfg.Passwd = o.Password
	cfg.DBName = o.Database
	cfg.ParseTime = true
	cfg.Loc = time.UTC
	cfg.Params = map[string]string{"charset": "utf8mb4"}
	if o.LockWaitTimeout > 0 {
		secs := int(o.LockWaitTimeout / time.Second)
		if secs < 1 {
			secs = 1
		}
		cfg.Params["innodb_lock_wait_timeout"] = strconv.Itoa(secs)
	}
	return cfg.FormatDSN()
}

// OpenMySQL 打开 gorm 连接并校验可用性。
func OpenMySQL(ctx context.Context, opts MySQLOptions) (*gorm.DB, error) {
	db, err := gorm.Open(gormmysql.Open(opts.DSN()), &gorm.Config{
		Logger:  gormlogger.Default.LogMode(gormlogger.Warn),
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		return nil, errors.Wrap(err, "open mysql")
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, errors.Wrap(err, "get sql.DB from gorm")
	}
	if opts.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(opts.MaxOpenConns)
	}
	if opts.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(opts.MaxIdleConns)
	}
	if opts.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(opts.ConnMaxLifetime)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := sqlDB.PingContext(pingCtx); err != nil {
		return nil, errors.Wrapf(err, "ping mysql %s", opts.Addr)
	}

	zlog.Info().Str("addr", opts.Addr).Str("database", opts.Database).Msg("✅ Successfully connected to MySQL.")
	return db, nil
}

// IsDuplicateKey 判断是否为唯一键冲突 (ER_DUP_ENTRY)。
func IsDuplicateKey(err error) bool {
	var mysqlErr *mysqldriver.MySQLError
	if errors.As(err, &mysqlErr) {
		return mysqlErr.Number == 1062
	}
	return false
}
