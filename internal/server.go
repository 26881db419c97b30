package internal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
)

// Server 組裝所有元件
//
// 建立順序由葉到根：指標 → 目錄 → 待送佇列 → 轉發 → 名單 → 會話 → Hub → HTTP。
type Server struct {
	Config    *Config
	Metrics   *Metrics
	Directory *Directory
	Pending   *PendingBuffer
	Relay     *Relay
	Presence  *Presence
	Session   *SessionHandler
	Hub       *WebSocketHub
	Handler   *Handler

	events      EventPublisher
	memLimiter  *MemoryLimiter
	redisClient *redis.Client
	logger      *slog.Logger
}

// NewServer 依配置建立服務
//
// reg 為 nil 時使用獨立的 Registry。
// 外部依賴（Redis、NATS）連線失敗時返回錯誤，不會帶著半套功能啟動。
func NewServer(ctx context.Context, cfg *Config, logger *slog.Logger, reg *prometheus.Registry) (*Server, error) {
	s := &Server{
		Config: cfg,
		logger: logger,
	}

	s.Metrics = NewMetrics(reg)
	s.Directory = NewDirectory(logger, s.Metrics)
	s.Pending = NewPendingBuffer(s.Directory, cfg.Relay.MaxPending, cfg.Relay.SendTimeout, logger, s.Metrics)

	policy := EchoExcludeSender
	if cfg.Relay.EchoSender {
		policy = EchoIncludeSender
	}
	s.Relay = NewRelay(s.Directory, s.Pending, policy, cfg.Relay.SendTimeout, logger, s.Metrics)
	s.Presence = NewPresence(s.Directory, cfg.Relay.SendTimeout, logger, s.Metrics)

	s.events = NoopPublisher{}
	if cfg.NATS.URL != "" {
		pub, err := NewNATSPublisher(cfg.NATS.URL, cfg.NATS.SubjectPrefix, logger)
		if err != nil {
			return nil, err
		}
		s.events = pub
		logger.Info("房間事件發布已啟用", "url", cfg.NATS.URL, "prefix", cfg.NATS.SubjectPrefix)
	}

	limiter, err := s.buildLimiter(ctx)
	if err != nil {
		s.events.Close()
		return nil, err
	}

	s.Session = NewSessionHandler(s.Directory, s.Pending, s.Relay, s.Presence, s.events, SessionOptions{
		StrictJoin:  cfg.Session.StrictJoin,
		JoinTimeout: cfg.Session.JoinTimeout,
		DefaultName: cfg.DisplayName(),
	}, logger, s.Metrics)

	s.Hub = NewWebSocketHub(cfg, s.Session, NewAdmissionCheck(limiter, logger, s.Metrics), logger, s.Metrics)
	s.Handler = NewHandler(cfg, s.Directory, s.Hub, s.Metrics, logger)

	return s, nil
}

// buildLimiter 依配置選擇限流器，connect_rate 為 0 時停用
func (s *Server) buildLimiter(ctx context.Context) (Limiter, error) {
	cfg := s.Config
	if cfg.Limits.ConnectRate <= 0 {
		return nil, nil
	}

	burst := cfg.Limits.ConnectBurst
	if burst <= 0 {
		burst = cfg.Limits.ConnectRate
	}

	switch cfg.Limits.Backend {
	case LimitBackendRedis:
		client, err := NewRedisClient(ctx, cfg)
		if err != nil {
			return nil, err
		}
		s.redisClient = client
		s.logger.Info("連接限流使用 Redis", "addr", cfg.Redis.Addr, "rate", cfg.Limits.ConnectRate, "burst", burst)
		return NewRedisLimiter(client, burst, cfg.Limits.ConnectRate), nil
	default:
		s.memLimiter = NewMemoryLimiter(burst, cfg.Limits.ConnectRate)
		s.logger.Info("連接限流使用本機令牌桶", "rate", cfg.Limits.ConnectRate, "burst", burst)
		return s.memLimiter, nil
	}
}

// Routes HTTP 路由
func (s *Server) Routes() http.Handler {
	return s.Handler.Routes()
}

// Shutdown 關閉所有連接並釋放外部資源
func (s *Server) Shutdown(ctx context.Context) error {
	var errs []error

	if err := s.Hub.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("stop websocket hub: %w", err))
	}

	s.events.Close()

	if s.memLimiter != nil {
		s.memLimiter.Stop()
	}
	if s.redisClient != nil {
		if err := s.redisClient.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close redis: %w", err))
		}
	}

	return errors.Join(errs...)
}
