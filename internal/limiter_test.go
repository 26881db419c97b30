package internal_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/koopa0/system-design/signaling-relay/internal"
	"github.com/koopa0/system-design/signaling-relay/internal/testutils"
	"github.com/koopa0/system-design/signaling-relay/pkg/logger"
)

// TestMemoryLimiter_Burst 測試突發容量
func TestMemoryLimiter_Burst(t *testing.T) {
	l := internal.NewMemoryLimiter(3, 1)
	defer l.Stop()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		allowed, err := l.Allow(ctx, "10.0.0.1")
		require.NoError(t, err)
		assert.True(t, allowed, "request %d within burst", i)
	}

	allowed, err := l.Allow(ctx, "10.0.0.1")
	require.NoError(t, err)
	assert.False(t, allowed)

	// 不同 key 各自計算
	allowed, err = l.Allow(ctx, "10.0.0.2")
	require.NoError(t, err)
	assert.True(t, allowed)
	assert.Equal(t, 2, l.Len())
}

// TestMemoryLimiter_Refill 測試令牌補充
func TestMemoryLimiter_Refill(t *testing.T) {
	l := internal.NewMemoryLimiter(1, 50)
	defer l.Stop()
	ctx := context.Background()

	allowed, _ := l.Allow(ctx, "k")
	require.True(t, allowed)
	allowed, _ = l.Allow(ctx, "k")
	require.False(t, allowed)

	testutils.WaitForCondition(t, func() bool {
		allowed, _ := l.Allow(ctx, "k")
		return allowed
	}, time.Second, "bucket refilled")
}

// TestRedisLimiter 測試 Redis 令牌桶
func TestRedisLimiter(t *testing.T) {
	client := testutils.StartRedis(t)
	l := internal.NewRedisLimiter(client, 2, 1)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		allowed, err := l.Allow(ctx, "10.0.0.1")
		require.NoError(t, err)
		assert.True(t, allowed)
	}

	allowed, err := l.Allow(ctx, "10.0.0.1")
	require.NoError(t, err)
	assert.False(t, allowed)

	allowed, err = l.Allow(ctx, "10.0.0.2")
	require.NoError(t, err)
	assert.True(t, allowed)
}

// TestRedisLimiter_FailOpen 測試 Redis 無法連線時放行
func TestRedisLimiter_FailOpen(t *testing.T) {
	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 50 * time.Millisecond,
		MaxRetries:  -1,
	})
	defer client.Close()

	l := internal.NewRedisLimiter(client, 1, 1)
	allowed, err := l.Allow(context.Background(), "k")
	assert.Error(t, err)
	assert.True(t, allowed)
}

// TestNewRedisClient_Unreachable 測試啟動時 Redis 無法連線
func TestNewRedisClient_Unreachable(t *testing.T) {
	cfg := testutils.DefaultTestConfig()
	cfg.Redis.Addr = "127.0.0.1:1"
	cfg.Redis.DialTimeout = 50 * time.Millisecond

	_, err := internal.NewRedisClient(context.Background(), cfg)
	assert.Error(t, err)
}

// stubLimiter 固定返回結果的限流器
type stubLimiter struct {
	allowed bool
	err     error
	keys    []string
}

func (s *stubLimiter) Allow(_ context.Context, key string) (bool, error) {
	s.keys = append(s.keys, key)
	return s.allowed, s.err
}

// TestAdmissionCheck 測試升級前的速率檢查
func TestAdmissionCheck(t *testing.T) {
	tests := []struct {
		name       string
		limiter    internal.Limiter
		wantAdmit  bool
		wantStatus int
	}{
		{name: "no limiter admits", limiter: nil, wantAdmit: true, wantStatus: http.StatusOK},
		{name: "allowed", limiter: &stubLimiter{allowed: true}, wantAdmit: true, wantStatus: http.StatusOK},
		{name: "limited", limiter: &stubLimiter{allowed: false}, wantAdmit: false, wantStatus: http.StatusTooManyRequests},
		{name: "limiter error fails open", limiter: &stubLimiter{err: errors.New("redis down")}, wantAdmit: true, wantStatus: http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			metrics := internal.NewMetrics(prometheus.NewRegistry())
			check := internal.NewAdmissionCheck(tt.limiter, logger.Discard(), metrics)

			req := httptest.NewRequest(http.MethodGet, "/ws/r1", nil)
			rec := httptest.NewRecorder()

			assert.Equal(t, tt.wantAdmit, check.Admit(rec, req))
			assert.Equal(t, tt.wantStatus, rec.Code)
		})
	}
}

// TestAdmissionCheck_ClientKey 測試以代理標頭取得客戶端 IP
func TestAdmissionCheck_ClientKey(t *testing.T) {
	stub := &stubLimiter{allowed: true}
	check := internal.NewAdmissionCheck(stub, logger.Discard(), nil)

	req := httptest.NewRequest(http.MethodGet, "/ws/r1", nil)
	req.RemoteAddr = "192.0.2.10:5555"
	check.Admit(httptest.NewRecorder(), req)

	req = httptest.NewRequest(http.MethodGet, "/ws/r1", nil)
	req.Header.Set("X-Forwarded-For", "203.0.113.7, 10.0.0.1")
	check.Admit(httptest.NewRecorder(), req)

	assert.Equal(t, []string{"192.0.2.10", "203.0.113.7"}, stub.keys)
}

// TestAdmissionCheck_CountsRejections 測試拒絕計數
func TestAdmissionCheck_CountsRejections(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := internal.NewMetrics(reg)
	check := internal.NewAdmissionCheck(&stubLimiter{allowed: false}, logger.Discard(), metrics)

	for i := 0; i < 3; i++ {
		check.Admit(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/ws/r1", nil))
	}

	count, err := testutil.GatherAndCount(reg, "signaling_connections_rejected_total")
	require.NoError(t, err)
	assert.Equal(t, 1, count, "one label series")
}
