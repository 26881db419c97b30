package internal

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	apperrors "github.com/koopa0/system-design/signaling-relay/pkg/errors"
)

// Config 整個應用的配置
type Config struct {
	Server struct {
		Port            int           `yaml:"port"`
		ReadTimeout     time.Duration `yaml:"read_timeout"`
		WriteTimeout    time.Duration `yaml:"write_timeout"`
		IdleTimeout     time.Duration `yaml:"idle_timeout"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	} `yaml:"server"`

	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
		Output string `yaml:"output"` // stdout / stderr / 檔案路徑
	} `yaml:"log"`

	Relay struct {
		EchoSender  bool          `yaml:"echo_sender"`  // 轉發時是否包含發送者本身
		MaxPending  int           `yaml:"max_pending"`  // 0 表示不限制
		SendTimeout time.Duration `yaml:"send_timeout"` // 每個成員的發送上限
	} `yaml:"relay"`

	Session struct {
		StrictJoin  bool          `yaml:"strict_join"`
		JoinTimeout time.Duration `yaml:"join_timeout"` // 0 表示無限等待
		DefaultName string        `yaml:"default_name"`
	} `yaml:"session"`

	WebSocket struct {
		AllowedOrigins  []string      `yaml:"allowed_origins"`
		MaxMessageBytes int64         `yaml:"max_message_bytes"`
		SendBufferSize  int           `yaml:"send_buffer_size"`
		PingInterval    time.Duration `yaml:"ping_interval"`
		PongTimeout     time.Duration `yaml:"pong_timeout"`
		WriteTimeout    time.Duration `yaml:"write_timeout"`
	} `yaml:"websocket"`

	Limits struct {
		Backend      string `yaml:"backend"`       // memory 或 redis
		ConnectRate  int64  `yaml:"connect_rate"`  // 每秒補充的連接令牌，0 表示停用
		ConnectBurst int64  `yaml:"connect_burst"` // 令牌桶容量
	} `yaml:"limits"`

	Redis struct {
		Addr         string        `yaml:"addr"`
		Password     string        `yaml:"password"`
		DB           int           `yaml:"db"`
		PoolSize     int           `yaml:"pool_size"`
		DialTimeout  time.Duration `yaml:"dial_timeout"`
		ReadTimeout  time.Duration `yaml:"read_timeout"`
		WriteTimeout time.Duration `yaml:"write_timeout"`
	} `yaml:"redis"`

	NATS struct {
		URL           string `yaml:"url"` // 空字串表示不發布事件
		SubjectPrefix string `yaml:"subject_prefix"`
	} `yaml:"nats"`

	CORS struct {
		AllowedOrigins []string `yaml:"allowed_origins"`
	} `yaml:"cors"`
}

const (
	LimitBackendMemory = "memory"
	LimitBackendRedis  = "redis"

	// DefaultDisplayName 加入請求缺少名稱時使用
	DefaultDisplayName = "anonymous"
)

// DefaultConfig 返回預設配置
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Server.Port = 8080
	cfg.Server.ReadTimeout = 15 * time.Second
	cfg.Server.WriteTimeout = 15 * time.Second
	cfg.Server.IdleTimeout = 60 * time.Second
	cfg.Server.ShutdownTimeout = 30 * time.Second

	cfg.Log.Level = "info"
	cfg.Log.Format = "text"
	cfg.Log.Output = "stdout"

	cfg.Relay.EchoSender = false
	cfg.Relay.MaxPending = 0
	cfg.Relay.SendTimeout = 5 * time.Second

	cfg.Session.StrictJoin = false
	cfg.Session.JoinTimeout = 0
	cfg.Session.DefaultName = DefaultDisplayName

	cfg.WebSocket.AllowedOrigins = []string{"*"}
	cfg.WebSocket.MaxMessageBytes = 64 * 1024
	cfg.WebSocket.SendBufferSize = 256
	cfg.WebSocket.PingInterval = 54 * time.Second
	cfg.WebSocket.PongTimeout = 60 * time.Second
	cfg.WebSocket.WriteTimeout = 10 * time.Second

	cfg.Limits.Backend = LimitBackendMemory
	cfg.Limits.ConnectRate = 0
	cfg.Limits.ConnectBurst = 20

	cfg.Redis.Addr = "localhost:6379"
	cfg.Redis.PoolSize = 10
	cfg.Redis.DialTimeout = 5 * time.Second
	cfg.Redis.ReadTimeout = 100 * time.Millisecond
	cfg.Redis.WriteTimeout = 100 * time.Millisecond

	cfg.NATS.SubjectPrefix = "signaling"

	cfg.CORS.AllowedOrigins = []string{"*"}

	return cfg
}

// LoadOptions 配置來源
type LoadOptions struct {
	// ConfigPath YAML 配置檔路徑，空字串表示只使用預設值
	ConfigPath string
	// EnvFile .env 檔路徑，不存在時忽略
	EnvFile string
	// LookupEnv 讀取環境變數，預設 os.LookupEnv
	LookupEnv func(string) (string, bool)
}

// LoadConfig 依序套用預設值、YAML 檔、.env 檔與環境變數
//
// 優先順序（低到高）：DefaultConfig → YAML → .env → 環境變數。
// 命令行參數由 main 在之後覆蓋。
func LoadConfig(opts LoadOptions) (*Config, error) {
	cfg := DefaultConfig()

	if opts.ConfigPath != "" {
		// #nosec G304 - path 來自命令行參數
		data, err := os.ReadFile(opts.ConfigPath)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	dotenv := map[string]string{}
	if opts.EnvFile != "" {
		values, err := godotenv.Read(opts.EnvFile)
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("read env file: %w", err)
		}
		if values != nil {
			dotenv = values
		}
	}

	lookup := opts.LookupEnv
	if lookup == nil {
		lookup = os.LookupEnv
	}

	// 真實環境變數優先於 .env
	merged := func(key string) (string, bool) {
		if v, ok := lookup(key); ok {
			return v, true
		}
		v, ok := dotenv[key]
		return v, ok
	}

	if err := cfg.applyEnv(merged); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// applyEnv 套用 SIGNALING_* 環境變數
func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	var errs []error

	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	integer := func(key string, dst *int) {
		if v, ok := lookup(key); ok && v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}
	int64Val := func(key string, dst *int64) {
		if v, ok := lookup(key); ok && v != "" {
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}
	boolean := func(key string, dst *bool) {
		if v, ok := lookup(key); ok && v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = b
		}
	}
	duration := func(key string, dst *time.Duration) {
		if v, ok := lookup(key); ok && v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = d
		}
	}
	list := func(key string, dst *[]string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = splitCSV(v)
		}
	}

	integer("SIGNALING_PORT", &c.Server.Port)
	str("SIGNALING_LOG_LEVEL", &c.Log.Level)
	str("SIGNALING_LOG_FORMAT", &c.Log.Format)
	str("SIGNALING_LOG_OUTPUT", &c.Log.Output)
	boolean("SIGNALING_ECHO_SENDER", &c.Relay.EchoSender)
	integer("SIGNALING_MAX_PENDING", &c.Relay.MaxPending)
	duration("SIGNALING_SEND_TIMEOUT", &c.Relay.SendTimeout)
	boolean("SIGNALING_STRICT_JOIN", &c.Session.StrictJoin)
	duration("SIGNALING_JOIN_TIMEOUT", &c.Session.JoinTimeout)
	list("SIGNALING_ALLOWED_ORIGINS", &c.WebSocket.AllowedOrigins)
	list("SIGNALING_CORS_ORIGINS", &c.CORS.AllowedOrigins)
	str("SIGNALING_LIMIT_BACKEND", &c.Limits.Backend)
	str("SIGNALING_REDIS_ADDR", &c.Redis.Addr)
	str("SIGNALING_REDIS_PASSWORD", &c.Redis.Password)
	str("SIGNALING_NATS_URL", &c.NATS.URL)

	int64Val("SIGNALING_CONNECT_RATE", &c.Limits.ConnectRate)
	int64Val("SIGNALING_CONNECT_BURST", &c.Limits.ConnectBurst)

	if len(errs) > 0 {
		return apperrors.Wrap(errors.Join(errs...), apperrors.ErrCodeInvalidConfig, "invalid environment override")
	}
	return nil
}

// Validate 檢查配置
func (c *Config) Validate() error {
	var problems []string

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		problems = append(problems, fmt.Sprintf("server.port out of range: %d", c.Server.Port))
	}
	if c.Relay.MaxPending < 0 {
		problems = append(problems, "relay.max_pending must be >= 0")
	}
	if c.Relay.SendTimeout <= 0 {
		problems = append(problems, "relay.send_timeout must be > 0")
	}
	if c.Session.JoinTimeout < 0 {
		problems = append(problems, "session.join_timeout must be >= 0")
	}
	if c.WebSocket.SendBufferSize <= 0 {
		problems = append(problems, "websocket.send_buffer_size must be > 0")
	}
	if c.WebSocket.MaxMessageBytes < 0 {
		problems = append(problems, "websocket.max_message_bytes must be >= 0")
	}
	if c.WebSocket.PingInterval > 0 && c.WebSocket.PongTimeout > 0 && c.WebSocket.PingInterval >= c.WebSocket.PongTimeout {
		problems = append(problems, "websocket.ping_interval must be shorter than websocket.pong_timeout")
	}
	switch c.Limits.Backend {
	case LimitBackendMemory, LimitBackendRedis:
	default:
		problems = append(problems, fmt.Sprintf("limits.backend unknown: %q", c.Limits.Backend))
	}
	if c.Limits.ConnectRate < 0 || c.Limits.ConnectBurst < 0 {
		problems = append(problems, "limits.connect_rate and limits.connect_burst must be >= 0")
	}
	switch strings.ToLower(c.Log.Format) {
	case "text", "json":
	default:
		problems = append(problems, fmt.Sprintf("log.format unknown: %q", c.Log.Format))
	}

	if len(problems) > 0 {
		return apperrors.New(apperrors.ErrCodeInvalidConfig, "invalid configuration").
			WithDetails(strings.Join(problems, "; "))
	}
	return nil
}

// DisplayName 返回預設顯示名稱
func (c *Config) DisplayName() string {
	if c.Session.DefaultName == "" {
		return DefaultDisplayName
	}
	return c.Session.DefaultName
}

// splitCSV 去除空白並過濾空值
func splitCSV(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		s = strings.TrimSpace(s)
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}
