package internal

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/rs/cors"

	apperrors "github.com/koopa0/system-design/signaling-relay/pkg/errors"
)

// Handler HTTP 處理器
//
// 除了 WebSocket 入口之外都是唯讀的觀察介面，
// 只回傳名稱與計數，從不回傳轉發的訊息內容。
type Handler struct {
	dir     *Directory
	hub     *WebSocketHub
	metrics *Metrics
	cors    *cors.Cors
	logger  *slog.Logger
}

// NewHandler 創建 HTTP 處理器
func NewHandler(cfg *Config, dir *Directory, hub *WebSocketHub, metrics *Metrics, logger *slog.Logger) *Handler {
	return &Handler{
		dir:     dir,
		hub:     hub,
		metrics: metrics,
		cors: cors.New(cors.Options{
			AllowedOrigins: cfg.CORS.AllowedOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodOptions},
			AllowedHeaders: []string{"Content-Type"},
		}),
		logger: logger,
	}
}

// Routes 設置路由
//
// WebSocket 入口只用 guardUpgrade：升級需要原始 ResponseWriter 才能 Hijack。
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /ws/{room_id}", h.guardUpgrade(h.hub.ServeWS))

	mux.HandleFunc("GET /api/v1/rooms", h.observe(h.listRooms))
	mux.HandleFunc("GET /api/v1/rooms/{room_id}", h.observe(h.getRoom))

	mux.HandleFunc("GET /health", h.observe(h.health))
	mux.HandleFunc("GET /ready", h.observe(h.ready))
	mux.HandleFunc("GET /stats", h.observe(h.stats))
	mux.Handle("GET /metrics", h.metrics.Handler())

	return h.cors.Handler(mux)
}

// listRooms 列出房間
func (h *Handler) listRooms(w http.ResponseWriter, r *http.Request) {
	rooms := h.dir.Rooms()
	h.respond(w, http.StatusOK, map[string]any{
		"rooms": rooms,
		"total": len(rooms),
	})
}

// getRoom 單一房間摘要
func (h *Handler) getRoom(w http.ResponseWriter, r *http.Request) {
	roomID := r.PathValue("room_id")

	info, exists := h.dir.Room(roomID)
	if !exists {
		h.respondError(w, http.StatusNotFound, apperrors.ErrRoomNotFound.WithDetails(roomID))
		return
	}

	h.respond(w, http.StatusOK, info)
}

// health 存活檢查
func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	h.respond(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ready 就緒檢查，關機中返回 503
func (h *Handler) ready(w http.ResponseWriter, r *http.Request) {
	if h.hub.Stopping() {
		h.respond(w, http.StatusServiceUnavailable, map[string]string{"status": "shutting_down"})
		return
	}
	h.respond(w, http.StatusOK, map[string]string{"status": "ok"})
}

// stats 統計資訊
func (h *Handler) stats(w http.ResponseWriter, r *http.Request) {
	stats := h.dir.Stats()
	h.respond(w, http.StatusOK, map[string]any{
		"total_rooms":       stats.Rooms,
		"total_members":     stats.Members,
		"total_pending":     stats.Pending,
		"total_connections": h.hub.ConnectionCount(),
	})
}

// errorBody 錯誤響應：message 給人看，code 給程式判斷
type errorBody struct {
	Error   string `json:"error"`
	Code    string `json:"code"`
	Details string `json:"details,omitempty"`
}

// writeJSON 寫入 JSON 響應
func writeJSON(w http.ResponseWriter, status int, data any) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	return json.NewEncoder(w).Encode(data)
}

// writeAppError 以 AppError 的錯誤碼寫入錯誤響應
func writeAppError(w http.ResponseWriter, status int, appErr *apperrors.AppError) error {
	return writeJSON(w, status, errorBody{
		Error:   appErr.Message,
		Code:    appErr.Code,
		Details: appErr.Details,
	})
}

func (h *Handler) respond(w http.ResponseWriter, status int, data any) {
	if err := writeJSON(w, status, data); err != nil {
		h.logger.Warn("寫入響應失敗", "status", status, "error", err)
	}
}

func (h *Handler) respondError(w http.ResponseWriter, status int, appErr *apperrors.AppError) {
	if err := writeAppError(w, status, appErr); err != nil {
		h.logger.Warn("寫入錯誤響應失敗", "code", appErr.Code, "error", err)
	}
}

// observe 包裝唯讀 API：記錄路由、狀態碼、位元組數與耗時，並攔截 panic
//
// 5xx 以 Warn 記錄，其餘以 Debug 記錄（探針請求頻繁）。
func (h *Handler) observe(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w}

		defer func() {
			if p := recover(); p != nil {
				h.logger.ErrorContext(r.Context(), "處理請求時發生 panic",
					"panic", p,
					"route", r.Pattern,
					"stack", string(debug.Stack()))
				// 已開始寫入的響應無法改成 500
				if !rec.wroteHeader() {
					h.respondError(rec, http.StatusInternalServerError, apperrors.ErrInternal)
				}
			}

			level := slog.LevelDebug
			if rec.status() >= http.StatusInternalServerError {
				level = slog.LevelWarn
			}
			h.logger.LogAttrs(r.Context(), level, "HTTP 請求",
				slog.String("method", r.Method),
				slog.String("route", r.Pattern),
				slog.String("path", r.URL.Path),
				slog.Int("status", rec.status()),
				slog.Int("bytes", rec.bytes),
				slog.Duration("duration", time.Since(start)))
		}()

		next(rec, r)
	}
}

// guardUpgrade WebSocket 入口的 panic 攔截
//
// 升級後連接已被 Hijack，不能再寫 HTTP 響應，只記錄。
func (h *Handler) guardUpgrade(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if p := recover(); p != nil {
				h.logger.ErrorContext(r.Context(), "WebSocket 入口發生 panic",
					"panic", p,
					"room_id", r.PathValue("room_id"),
					"stack", string(debug.Stack()))
			}
		}()

		next(w, r)
	}
}

// statusRecorder 記錄實際寫出的狀態碼與位元組數
type statusRecorder struct {
	http.ResponseWriter
	code  int
	bytes int
}

func (s *statusRecorder) WriteHeader(code int) {
	if s.code == 0 {
		s.code = code
	}
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusRecorder) Write(b []byte) (int, error) {
	if s.code == 0 {
		s.code = http.StatusOK
	}
	n, err := s.ResponseWriter.Write(b)
	s.bytes += n
	return n, err
}

// Unwrap 讓 http.ResponseController 取得底層 ResponseWriter
func (s *statusRecorder) Unwrap() http.ResponseWriter {
	return s.ResponseWriter
}

func (s *statusRecorder) wroteHeader() bool { return s.code != 0 }

func (s *statusRecorder) status() int {
	if s.code == 0 {
		return http.StatusOK
	}
	return s.code
}
