package testutils

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/koopa0/system-design/signaling-relay/internal"
)

// DefaultTestConfig 返回測試用的預設配置
func DefaultTestConfig() *internal.Config {
	cfg := internal.DefaultConfig()
	cfg.Server.Port = 0
	cfg.Log.Level = "error"
	cfg.Relay.SendTimeout = time.Second
	cfg.WebSocket.PingInterval = 0
	cfg.WebSocket.PongTimeout = 0
	cfg.WebSocket.WriteTimeout = 2 * time.Second
	cfg.Limits.ConnectRate = 0
	return cfg
}

// MakeHTTPRequest 發送 HTTP 請求到 handler
func MakeHTTPRequest(t testing.TB, handler http.Handler, method, path string) *httptest.ResponseRecorder {
	t.Helper()

	req := httptest.NewRequest(method, path, nil)
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, req)
	return recorder
}

// ParseJSONResponse 解析 JSON 響應
func ParseJSONResponse(t testing.TB, recorder *httptest.ResponseRecorder, target any) {
	t.Helper()

	err := json.NewDecoder(recorder.Body).Decode(target)
	require.NoError(t, err, "failed to parse JSON response")
}

// WaitForCondition 等待條件滿足
func WaitForCondition(t testing.TB, condition func() bool, timeout time.Duration, message string) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()

	for {
		if condition() {
			return
		}
		select {
		case <-ctx.Done():
			t.Fatalf("timeout waiting for condition: %s", message)
		case <-ticker.C:
		}
	}
}

// RunConcurrently 並發執行測試函數
func RunConcurrently(t testing.TB, concurrency int, iterations int, fn func(workerID, iteration int)) {
	t.Helper()

	done := make(chan struct{})
	for i := 0; i < concurrency; i++ {
		workerID := i
		go func() {
			defer func() { done <- struct{}{} }()
			for j := 0; j < iterations; j++ {
				fn(workerID, j)
			}
		}()
	}

	for i := 0; i < concurrency; i++ {
		<-done
	}
}

// DecodeUserList 解析在線名單訊息，不是名單時 ok=false
func DecodeUserList(message string) (users []string, ok bool) {
	var msg internal.UserListMessage
	if err := json.Unmarshal([]byte(message), &msg); err != nil {
		return nil, false
	}
	if msg.Type != internal.MessageTypeUserList {
		return nil, false
	}
	return msg.Users, true
}

// FilterRelayed 過濾掉在線名單訊息，只留下轉發的內容
func FilterRelayed(messages []string) []string {
	out := make([]string, 0, len(messages))
	for _, m := range messages {
		if _, ok := DecodeUserList(m); ok {
			continue
		}
		out = append(out, m)
	}
	return out
}

// LastUserList 最後一則在線名單
func LastUserList(messages []string) ([]string, bool) {
	for i := len(messages) - 1; i >= 0; i-- {
		if users, ok := DecodeUserList(messages[i]); ok {
			return users, true
		}
	}
	return nil, false
}
