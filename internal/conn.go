package internal

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	apperrors "github.com/koopa0/system-design/signaling-relay/pkg/errors"
)

// Conn 單一客戶端的持久連接
//
// 房間目錄、轉發引擎與在線名單廣播只透過這個介面操作連接，
// 不關心底層是 WebSocket 還是測試用的假連接。
type Conn interface {
	// ID 連接的唯一識別碼
	ID() string
	// Send 發送一則文字訊息，受 ctx 的期限約束
	Send(ctx context.Context, text string) error
	// Receive 阻塞直到收到下一則文字訊息
	Receive(ctx context.Context) (string, error)
	// Close 關閉連接，可重複呼叫
	Close() error
	// Done 連接關閉時關閉的通道
	Done() <-chan struct{}
}

// WSConnOptions WebSocket 連接參數
type WSConnOptions struct {
	SendBufferSize  int
	MaxMessageBytes int64
	PingInterval    time.Duration
	PongTimeout     time.Duration
	WriteTimeout    time.Duration
}

// wsConn 基於 gorilla/websocket 的 Conn 實現
//
// 讀取由 Session 所在的 goroutine 直接呼叫 Receive；
// 寫入經由緩衝 channel 交給 writePump，避免慢客戶端拖住廣播方。
// send channel 從不關閉，關閉訊號統一走 done，Send 因此不會 panic。
type wsConn struct {
	id     string
	conn   *websocket.Conn
	send   chan string
	done   chan struct{}
	opts   WSConnOptions
	logger *slog.Logger

	closeOnce sync.Once
	mu        sync.Mutex
	lastPong  time.Time
}

// newWSConn 包裝已升級的 WebSocket 連接並啟動 writePump
func newWSConn(conn *websocket.Conn, opts WSConnOptions, logger *slog.Logger) *wsConn {
	if opts.SendBufferSize <= 0 {
		opts.SendBufferSize = 256
	}

	c := &wsConn{
		id:       uuid.NewString(),
		conn:     conn,
		send:     make(chan string, opts.SendBufferSize),
		done:     make(chan struct{}),
		opts:     opts,
		logger:   logger,
		lastPong: time.Now(),
	}

	if opts.MaxMessageBytes > 0 {
		conn.SetReadLimit(opts.MaxMessageBytes)
	}

	if opts.PongTimeout > 0 {
		if err := conn.SetReadDeadline(time.Now().Add(opts.PongTimeout)); err != nil {
			logger.Error("設置讀取期限失敗", "error", err)
		}
		// 收到 Pong 重置讀取期限
		conn.SetPongHandler(func(string) error {
			c.mu.Lock()
			c.lastPong = time.Now()
			c.mu.Unlock()
			return conn.SetReadDeadline(time.Now().Add(opts.PongTimeout))
		})
	}

	go c.writePump()

	return c
}

func (c *wsConn) ID() string { return c.id }

func (c *wsConn) Done() <-chan struct{} { return c.done }

// Send 將訊息放入發送緩衝區
//
// 緩衝區滿時等待到 ctx 到期為止，到期返回 ErrSendBufferFull。
func (c *wsConn) Send(ctx context.Context, text string) error {
	select {
	case <-c.done:
		return apperrors.ErrConnClosed
	default:
	}

	select {
	case c.send <- text:
		return nil
	case <-c.done:
		return apperrors.ErrConnClosed
	case <-ctx.Done():
		return apperrors.Wrap(ctx.Err(), apperrors.ErrCodeSendBufferFull, "send buffer full")
	}
}

// Receive 讀取下一則文字訊息，略過二進位訊息
//
// gorilla/websocket 的讀取不接受 context，ctx 取消時直接關閉連接以解除阻塞。
func (c *wsConn) Receive(ctx context.Context) (string, error) {
	stop := context.AfterFunc(ctx, func() { _ = c.Close() })
	defer stop()

	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			_ = c.Close()
			return "", apperrors.Wrap(err, apperrors.ErrCodeConnClosed, "read failed")
		}
		if messageType == websocket.TextMessage {
			return string(data), nil
		}
	}
}

// Close 關閉連接
//
// WriteControl 可與 writePump 的寫入並行呼叫，送出關閉訊框後再關閉底層連接。
func (c *wsConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		// 盡力送出關閉訊框，連接可能已經斷開
		deadline := time.Now().Add(time.Second)
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		err = c.conn.Close()
	})
	return err
}

// lastPongAt 最後一次收到 Pong 的時間
func (c *wsConn) lastPongAt() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastPong
}

// writePump 將緩衝區的訊息寫入客戶端並定期發送 Ping
//
// 時間配置：54s Ping → 60s 讀取超時，留 6 秒餘量給網路延遲。
func (c *wsConn) writePump() {
	var tick <-chan time.Time
	if c.opts.PingInterval > 0 {
		ticker := time.NewTicker(c.opts.PingInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case message := <-c.send:
			c.setWriteDeadline()
			if err := c.conn.WriteMessage(websocket.TextMessage, []byte(message)); err != nil {
				c.logger.Debug("寫入訊息失敗", "conn_id", c.id, "error", err)
				_ = c.Close()
				return
			}

			// 批量發送隊列中的訊息
			n := len(c.send)
			for i := 0; i < n; i++ {
				if err := c.conn.WriteMessage(websocket.TextMessage, []byte(<-c.send)); err != nil {
					c.logger.Debug("寫入訊息失敗", "conn_id", c.id, "error", err)
					_ = c.Close()
					return
				}
			}

		case <-tick:
			c.setWriteDeadline()
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.logger.Debug("發送 Ping 失敗",
					"conn_id", c.id,
					"since_last_pong", time.Since(c.lastPongAt()),
					"error", err)
				_ = c.Close()
				return
			}

		case <-c.done:
			return
		}
	}
}

func (c *wsConn) setWriteDeadline() {
	if c.opts.WriteTimeout <= 0 {
		return
	}
	if err := c.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout)); err != nil {
		c.logger.Error("設置寫入期限失敗", "error", err)
	}
}

// isCleanClose 判斷是否為客戶端正常關閉
func isCleanClose(err error) bool {
	var closeErr *websocket.CloseError
	if !errors.As(err, &closeErr) {
		return false
	}
	switch closeErr.Code {
	case websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived:
		return true
	}
	return false
}
