package internal

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	apperrors "github.com/koopa0/system-design/signaling-relay/pkg/errors"
)

// Limiter 連接速率限制
//
// 在 WebSocket 升級前檢查，key 通常是客戶端 IP。
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, error)
}

// tokenBucket 單一 key 的令牌桶
type tokenBucket struct {
	tokens     int64
	lastRefill time.Time
}

// MemoryLimiter 單機令牌桶（每個 key 一個桶）
//
// 閒置超過 idleTTL 的桶由 cleanupLoop 回收，key 數量不會無限增長。
type MemoryLimiter struct {
	capacity   int64 // 桶容量（允許的突發連接數）
	refillRate int64 // 每秒填充的令牌數
	idleTTL    time.Duration

	mu      sync.Mutex
	buckets map[string]*tokenBucket
	now     func() time.Time

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewMemoryLimiter 創建單機限流器
func NewMemoryLimiter(capacity, refillRate int64) *MemoryLimiter {
	l := &MemoryLimiter{
		capacity:   capacity,
		refillRate: refillRate,
		idleTTL:    10 * time.Minute,
		buckets:    make(map[string]*tokenBucket),
		now:        time.Now,
		stopCh:     make(chan struct{}),
	}

	l.wg.Add(1)
	go l.cleanupLoop()

	return l
}

// Allow 嘗試取得一個令牌
func (l *MemoryLimiter) Allow(_ context.Context, key string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	b, exists := l.buckets[key]
	if !exists {
		// 新桶是滿的
		b = &tokenBucket{tokens: l.capacity, lastRefill: now}
		l.buckets[key] = b
	}

	elapsed := now.Sub(b.lastRefill)
	if toAdd := int64(elapsed.Seconds() * float64(l.refillRate)); toAdd > 0 {
		b.tokens = min(l.capacity, b.tokens+toAdd)
		b.lastRefill = now
	}

	if b.tokens > 0 {
		b.tokens--
		return true, nil
	}
	return false, nil
}

// Len 目前追蹤的 key 數
func (l *MemoryLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

// Cleanup 立即回收閒置的桶（測試用）
func (l *MemoryLimiter) Cleanup() {
	l.cleanup()
}

func (l *MemoryLimiter) cleanupLoop() {
	defer l.wg.Done()

	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.cleanup()
		case <-l.stopCh:
			return
		}
	}
}

func (l *MemoryLimiter) cleanup() {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	for key, b := range l.buckets {
		if now.Sub(b.lastRefill) > l.idleTTL {
			delete(l.buckets, key)
		}
	}
}

// Stop 停止背景清理
func (l *MemoryLimiter) Stop() {
	close(l.stopCh)
	l.wg.Wait()
}

// tokenBucketScript Redis 令牌桶
//
// 讀取、填充、扣除在同一個 Lua 腳本中完成，多個實例共用時不會超發。
var tokenBucketScript = `
local key = KEYS[1]
local capacity = tonumber(ARGV[1])
local refill_rate = tonumber(ARGV[2])
local now = tonumber(ARGV[3])

local tokens = tonumber(redis.call('GET', key .. ':tokens') or capacity)
local last_refill = tonumber(redis.call('GET', key .. ':last_refill') or now)

local elapsed = math.max(0, now - last_refill)
tokens = math.min(capacity, tokens + elapsed * refill_rate)

if tokens >= 1 then
    tokens = tokens - 1
    redis.call('SET', key .. ':tokens', tokens, 'EX', 3600)
    redis.call('SET', key .. ':last_refill', now, 'EX', 3600)
    return 1
end

return 0
`

// RedisLimiter 以 Redis 共享的令牌桶
type RedisLimiter struct {
	client     redis.Scripter
	capacity   int64
	refillRate int64
	prefix     string
	script     *redis.Script
}

// NewRedisLimiter 創建 Redis 限流器
func NewRedisLimiter(client redis.Scripter, capacity, refillRate int64) *RedisLimiter {
	return &RedisLimiter{
		client:     client,
		capacity:   capacity,
		refillRate: refillRate,
		prefix:     "signaling:connect:",
		script:     redis.NewScript(tokenBucketScript),
	}
}

// Allow 嘗試取得一個令牌
//
// Redis 出錯時放行並返回錯誤，由呼叫者決定是否記錄。
func (l *RedisLimiter) Allow(ctx context.Context, key string) (bool, error) {
	result, err := l.script.Run(
		ctx,
		l.client,
		[]string{l.prefix + key},
		l.capacity,
		l.refillRate,
		time.Now().Unix(),
	).Int()
	if err != nil {
		return true, fmt.Errorf("redis error: %w", err)
	}

	return result == 1, nil
}

// NewRedisClient 依配置創建 Redis 客戶端並確認連線
func NewRedisClient(ctx context.Context, cfg *Config) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Redis.Addr,
		Password:     cfg.Redis.Password,
		DB:           cfg.Redis.DB,
		PoolSize:     cfg.Redis.PoolSize,
		DialTimeout:  cfg.Redis.DialTimeout,
		ReadTimeout:  cfg.Redis.ReadTimeout,
		WriteTimeout: cfg.Redis.WriteTimeout,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("連接 Redis 失敗: %w", err)
	}

	return client, nil
}

// AdmissionCheck 升級前的連接速率檢查
type AdmissionCheck struct {
	limiter Limiter
	timeout time.Duration
	logger  *slog.Logger
	metrics *Metrics
}

// NewAdmissionCheck 創建檢查器，limiter 為 nil 時一律放行
func NewAdmissionCheck(limiter Limiter, logger *slog.Logger, metrics *Metrics) *AdmissionCheck {
	return &AdmissionCheck{
		limiter: limiter,
		timeout: 100 * time.Millisecond,
		logger:  logger,
		metrics: metrics,
	}
}

// Admit 檢查請求，超出限制時寫入 429 並返回 false
//
// 限流器出錯時放行（可用性優先）。
func (a *AdmissionCheck) Admit(w http.ResponseWriter, r *http.Request) bool {
	if a == nil || a.limiter == nil {
		return true
	}

	ctx, cancel := context.WithTimeout(r.Context(), a.timeout)
	defer cancel()

	key := clientIP(r)
	allowed, err := a.limiter.Allow(ctx, key)
	if err != nil {
		a.logger.WarnContext(r.Context(), "限流檢查失敗，放行連接", "client", key, "error", err)
		return true
	}
	if allowed {
		return true
	}

	a.metrics.ConnRejected(rejectRateLimited)
	a.logger.InfoContext(r.Context(), "連接速率超出限制", "client", key)

	w.Header().Set("Retry-After", "1")
	if err := writeAppError(w, http.StatusTooManyRequests, apperrors.ErrRateLimited); err != nil {
		a.logger.WarnContext(r.Context(), "寫入限流響應失敗", "error", err)
	}
	return false
}

// clientIP 取得客戶端 IP（優先使用代理標頭的第一個位址）
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	if ip := r.Header.Get("X-Real-IP"); ip != "" {
		return ip
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
