// internal/pkg/bootstrap/app.go
package bootstrap

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	zlog "github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"inventorycore/internal/pkg/logger"
	"inventorycore/internal/pkg/nacos"
	"inventorycore/internal/pkg/tracing"
	"inventorycore/internal/pkg/utils"
)

type AppCtx struct {
	Mux    *http.ServeMux
	Config *Config
}

// Worker 是随服务一起启动的后台循环，ctx 取消时必须尽快返回
type Worker struct {
	Name string
	Run  func(ctx context.Context) error
}

// AppInfo 包含了启动一个服务所需的所有特定信息。
type AppInfo struct {
	ServiceName      string
	Port             int
	RegisterHandlers func(appCtx AppCtx) // 允许每个服务注册自己独特的 HTTP 路由
	Workers          []Worker
}

// Init 加载配置并初始化日志：本地 YAML -> Nacos 远程配置 -> 环境变量，后者覆盖前者。
func Init() *Config {
	path := getEnv("CONFIG_FILE", "configs/config.yaml")
	cfg, err := loadLocalConfig(path)
	if err != nil {
		zlog.Fatal().Err(err).Msg("failed to load config")
	}
	if err := cfg.applyEnvOverrides(); err != nil {
		zlog.Fatal().Err(err).Msg("invalid environment override")
	}

	if cfg.Infra.Nacos.Enabled {
		cfg = overlayRemoteConfig(cfg)
	}

	logger.Init(cfg.App.ServiceName, cfg.App.LogLevel)
	if err := cfg.Validate(); err != nil {
		zlog.Fatal().Err(err).Msg("invalid config")
	}
	setCurrentConfig(cfg)
	return cfg
}

// overlayRemoteConfig 用配置中心的 YAML 覆盖本地配置；配置中心不可用时沿用本地配置
func overlayRemoteConfig(local *Config) *Config {
	client, err := nacos.NewNacosClient(local.Infra.Nacos.ServerAddrs, local.Infra.Nacos.Namespace, local.Infra.Nacos.Group)
	if err != nil {
		zlog.Warn().Err(err).Msg("⚠️ Nacos unavailable, using local config")
		return local
	}
	defer client.Close()

	content, err := client.GetConfig(local.Infra.Nacos.DataID)
	if err != nil || content == "" {
		zlog.Warn().Err(err).Str("data_id", local.Infra.Nacos.DataID).Msg("⚠️ Remote config empty, using local config")
		return local
	}
	remote, err := ParseConfig([]byte(content), local)
	if err != nil {
		zlog.Warn().Err(err).Msg("⚠️ Remote config invalid, using local config")
		return local
	}
	// 环境变量优先级最高
	if err := remote.applyEnvOverrides(); err != nil {
		zlog.Warn().Err(err).Msg("⚠️ Failed to re-apply env overrides")
	}
	zlog.Info().Str("data_id", local.Infra.Nacos.DataID).Msg("✅ Remote config loaded from Nacos")
	return remote
}

// StartService 封装了服务的通用启动和优雅关停逻辑，阻塞直到收到退出信号。
func StartService(info AppInfo) {
	cfg := GetCurrentConfig()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 1. Tracer
	tp, err := tracing.InitTracerProvider(info.ServiceName, cfg.Infra.Jaeger.Endpoint, cfg.Infra.Jaeger.SampleRatio)
	if err != nil {
		zlog.Fatal().Err(err).Msg("failed to initialize tracer provider")
	}

	// 2. 服务注册（可选）
	var (
		namingClient *nacos.Client
		ip           string
	)
	if cfg.Infra.Nacos.Enabled {
		namingClient, ip = registerToNacos(cfg, info)
	}

	// 3. HTTP Server
	mux := http.NewServeMux()
	if info.RegisterHandlers != nil {
		info.RegisterHandlers(AppCtx{Mux: mux, Config: cfg})
	}
	server := &http.Server{
		Addr:              ":" + strconv.Itoa(info.Port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		zlog.Info().Msgf("%s listening on :%d", info.ServiceName, info.Port)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	// 4. 后台循环，每个一个 goroutine
	for _, w := range info.Workers {
		w := w
		g.Go(func() error {
			workerCtx := logger.With(gctx, "worker", w.Name)
			if err := w.Run(workerCtx); err != nil && gctx.Err() == nil {
				zlog.Error().Err(err).Str("worker", w.Name).Msg("❌ Worker exited with error")
				return err
			}
			return nil
		})
	}

	// 5. 等待退出信号，或某个 worker / HTTP server 异常退出
	<-gctx.Done()
	zlog.Info().Msgf("Shutting down service %s...", info.ServiceName)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// a. 从 Nacos 注销服务
	if namingClient != nil {
		if err := namingClient.DeregisterServiceInstance(info.ServiceName, ip, info.Port); err != nil {
			zlog.Error().Err(err).Msg("Error deregistering from Nacos")
		}
		namingClient.Close()
	}

	// b. 关闭 HTTP 服务器，让 errgroup 中的 server goroutine 返回
	if err := server.Shutdown(shutdownCtx); err != nil {
		zlog.Error().Err(err).Msg("Error shutting down http server")
	} else {
		zlog.Info().Msg("HTTP server shut down.")
	}

	// c. 等待所有 worker 退出
	stop()
	if err := g.Wait(); err != nil {
		zlog.Error().Err(err).Msg("Service stopped because of a failure")
	}

	// d. 最后关闭 Tracer Provider，确保所有缓冲的 trace 都被发送出去
	if err := tp.Shutdown(shutdownCtx); err != nil {
		zlog.Error().Err(err).Msg("Error shutting down tracer provider")
	} else {
		zlog.Info().Msg("Tracer provider shut down.")
	}

	zlog.Info().Msgf("Service %s gracefully shut down.", info.ServiceName)
}

func registerToNacos(cfg *Config, info AppInfo) (*nacos.Client, string) {
	client, err := nacos.NewNacosClient(cfg.Infra.Nacos.ServerAddrs, cfg.Infra.Nacos.Namespace, cfg.Infra.Nacos.Group)
	if err != nil {
		zlog.Fatal().Err(err).Msg("failed to initialize nacos client")
	}
	ip, err := utils.GetOutboundIP()
	if err != nil {
		zlog.Fatal().Err(err).Msg("failed to get outbound IP address")
	}
	if err := client.RegisterServiceInstance(info.ServiceName, ip, info.Port); err != nil {
		zlog.Fatal().Err(err).Msg("failed to register service with nacos")
	}
	return client, ip
}
