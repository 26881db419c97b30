package internal

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/koopa0/system-design/signaling-relay/pkg/logger"
)

func newBareHandler(buf *bytes.Buffer) *Handler {
	return NewHandler(DefaultConfig(), nil, nil, nil, logger.New("debug", "json", buf, false))
}

// TestHandler_Observe 測試請求記錄與 panic 攔截
func TestHandler_Observe(t *testing.T) {
	tests := []struct {
		name       string
		handler    http.HandlerFunc
		wantStatus int
		wantBody   string
		wantLevel  string
	}{
		{
			name: "ok response",
			handler: func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte("hi"))
			},
			wantStatus: http.StatusOK,
			wantBody:   "hi",
			wantLevel:  "DEBUG",
		},
		{
			name: "panic before write becomes 500",
			handler: func(w http.ResponseWriter, r *http.Request) {
				panic("boom")
			},
			wantStatus: http.StatusInternalServerError,
			wantBody:   `"code":"INTERNAL_ERROR"`,
			wantLevel:  "WARN",
		},
		{
			name: "panic after write keeps status",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusAccepted)
				_, _ = w.Write([]byte("partial"))
				panic("boom")
			},
			wantStatus: http.StatusAccepted,
			wantBody:   "partial",
			wantLevel:  "DEBUG",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			h := newBareHandler(&buf)

			rec := httptest.NewRecorder()
			h.observe(tt.handler)(rec, httptest.NewRequest(http.MethodGet, "/stats", nil))

			assert.Equal(t, tt.wantStatus, rec.Code)
			assert.Contains(t, rec.Body.String(), tt.wantBody)

			// 最後一行是請求記錄
			lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
			var entry map[string]any
			require.NoError(t, json.Unmarshal(lines[len(lines)-1], &entry))
			assert.Equal(t, "HTTP 請求", entry["msg"])
			assert.Equal(t, tt.wantLevel, entry["level"])
			assert.Equal(t, float64(tt.wantStatus), entry["status"])
		})
	}
}

// TestHandler_GuardUpgrade 測試 WebSocket 入口的 panic 不外洩
func TestHandler_GuardUpgrade(t *testing.T) {
	var buf bytes.Buffer
	h := newBareHandler(&buf)

	rec := httptest.NewRecorder()
	assert.NotPanics(t, func() {
		h.guardUpgrade(func(w http.ResponseWriter, r *http.Request) {
			panic("boom")
		})(rec, httptest.NewRequest(http.MethodGet, "/ws/r1", nil))
	})
	assert.Contains(t, buf.String(), "WebSocket 入口發生 panic")
}
