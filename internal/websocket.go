package internal

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
)

// 系統設計問題：
//   如何把 HTTP 連接交給房間轉發，並在關機時確實清理每個會話？
//
// 核心挑戰：
//   1. 升級前把關：來源檢查、連接速率限制
//   2. 會話生命週期：每個連接一個 goroutine，結束時必須移除成員
//   3. 優雅關機：關閉所有連接並等待清理完成
//
// 設計方案：
//   ✅ Hub 追蹤所有存活連接（conn_id → Conn）
//   ✅ WaitGroup 等待所有會話 goroutine 結束
//   ✅ 會話共用一個可取消的 base context，Stop 時取消

// maxRoomIDLength 房間 ID 長度上限
const maxRoomIDLength = 128

// WebSocketHub WebSocket 連接中心
type WebSocketHub struct {
	session   *SessionHandler
	admission *AdmissionCheck
	upgrader  websocket.Upgrader
	connOpts  WSConnOptions
	logger    *slog.Logger
	metrics   *Metrics

	mu          sync.Mutex
	connections map[string]Conn
	stopped     bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewWebSocketHub 創建 WebSocket Hub
func NewWebSocketHub(cfg *Config, session *SessionHandler, admission *AdmissionCheck, logger *slog.Logger, metrics *Metrics) *WebSocketHub {
	ctx, cancel := context.WithCancel(context.Background())

	hub := &WebSocketHub{
		session:   session,
		admission: admission,
		connOpts: WSConnOptions{
			SendBufferSize:  cfg.WebSocket.SendBufferSize,
			MaxMessageBytes: cfg.WebSocket.MaxMessageBytes,
			PingInterval:    cfg.WebSocket.PingInterval,
			PongTimeout:     cfg.WebSocket.PongTimeout,
			WriteTimeout:    cfg.WebSocket.WriteTimeout,
		},
		logger:      logger,
		metrics:     metrics,
		connections: make(map[string]Conn),
		ctx:         ctx,
		cancel:      cancel,
	}

	checkOrigin := originChecker(cfg.WebSocket.AllowedOrigins)
	hub.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			if checkOrigin(r) {
				return true
			}
			metrics.ConnRejected(rejectOrigin)
			logger.Info("拒絕來源", "origin", r.Header.Get("Origin"))
			return false
		},
	}

	return hub
}

// ServeWS 處理 GET /ws/{room_id}
func (hub *WebSocketHub) ServeWS(w http.ResponseWriter, r *http.Request) {
	roomID := r.PathValue("room_id")
	if roomID == "" || len(roomID) > maxRoomIDLength {
		hub.metrics.ConnRejected(rejectBadRoom)
		http.Error(w, "invalid room id", http.StatusBadRequest)
		return
	}

	if !hub.admission.Admit(w, r) {
		return
	}

	ws, err := hub.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade 已寫入錯誤回應
		hub.logger.Warn("升級 WebSocket 失敗", "room_id", roomID, "error", err)
		return
	}

	conn := newWSConn(ws, hub.connOpts, hub.logger)
	if !hub.register(conn) {
		_ = conn.Close()
		return
	}

	hub.logger.Info("WebSocket 連接建立",
		"room_id", roomID,
		"conn_id", conn.ID(),
		"remote", r.RemoteAddr)

	go func() {
		defer hub.wg.Done()
		defer hub.unregister(conn)

		if err := hub.session.Serve(hub.ctx, conn, roomID); err != nil {
			hub.logger.Debug("會話結束", "room_id", roomID, "conn_id", conn.ID(), "error", err)
		}
	}()
}

// register 登記連接，Hub 已停止時返回 false
func (hub *WebSocketHub) register(conn Conn) bool {
	hub.mu.Lock()
	defer hub.mu.Unlock()

	if hub.stopped {
		return false
	}

	hub.connections[conn.ID()] = conn
	hub.wg.Add(1)
	hub.metrics.SessionOpened()
	return true
}

func (hub *WebSocketHub) unregister(conn Conn) {
	hub.mu.Lock()
	defer hub.mu.Unlock()

	if _, exists := hub.connections[conn.ID()]; exists {
		delete(hub.connections, conn.ID())
		hub.metrics.SessionClosed()
	}
}

// Stopping 是否已開始關機
func (hub *WebSocketHub) Stopping() bool {
	hub.mu.Lock()
	defer hub.mu.Unlock()
	return hub.stopped
}

// ConnectionCount 目前存活的連接數
func (hub *WebSocketHub) ConnectionCount() int {
	hub.mu.Lock()
	defer hub.mu.Unlock()
	return len(hub.connections)
}

// Stop 關閉所有連接並等待會話清理完成
func (hub *WebSocketHub) Stop(ctx context.Context) error {
	hub.mu.Lock()
	hub.stopped = true
	conns := make([]Conn, 0, len(hub.connections))
	for _, c := range hub.connections {
		conns = append(conns, c)
	}
	hub.mu.Unlock()

	hub.cancel()
	for _, c := range conns {
		_ = c.Close()
	}

	done := make(chan struct{})
	go func() {
		hub.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		hub.logger.Info("WebSocket Hub 已停止", "closed", len(conns))
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// originChecker 依允許清單檢查 Origin 標頭
//
// "*" 允許所有來源；沒有 Origin 標頭的請求（非瀏覽器客戶端）一律允許。
func originChecker(allowed []string) func(r *http.Request) bool {
	allowAll := false
	set := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		if o == "*" {
			allowAll = true
		}
		set[strings.ToLower(strings.TrimRight(o, "/"))] = struct{}{}
	}

	return func(r *http.Request) bool {
		if allowAll {
			return true
		}
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		_, ok := set[strings.ToLower(strings.TrimRight(origin, "/"))]
		return ok
	}
}
