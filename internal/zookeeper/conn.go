// internal/zookeeper/conn.go
package zookeeper

import (
	"time"

	"github.com/go-zookeeper/zk"
	"github.com/pkg/errors"
	zlog "github.com/rs/zerolog/log"
)

// Conn 包装 zk.Conn，供分布式锁使用
type Conn struct {
	*zk.Conn
}

// Connect 建立 ZooKeeper 会话。
func Connect(servers []string, sessionTimeout time.Duration) (*Conn, error) {
	c, events, err := zk.Connect(servers, sessionTimeout, zk.WithLogInfo(false))
	if err != nil {
		return nil, errors.Wrap(err, "connect zookeeper")
	}

	// 等待会话建立，避免第一次加锁时连接还没就绪
	deadline := time.After(sessionTimeout)
	for {
		select {
		case ev := <-events:
			if ev.State == zk.StateHasSession {
				zlog.Info().Strs("servers", servers).Msg("✅ Successfully connected to ZooKeeper.")
				go drain(events)
				return &Conn{Conn: c}, nil
			}
		case <-deadline:
			c.Close()
			return nil, errors.Errorf("zookeeper session not established within %v", sessionTimeout)
		}
	}
}

// drain 消费剩余的会话事件，防止 channel 阻塞 zk 内部 goroutine
func drain(events <-chan zk.Event) {
	for ev := range events {
		if ev.State == zk.StateExpired || ev.State == zk.StateDisconnected {
			zlog.Warn().Str("state", ev.State.String()).Msg("⚠️ ZooKeeper session state changed")
		}
	}
}
