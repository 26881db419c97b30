package testutils

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	apperrors "github.com/koopa0/system-design/signaling-relay/pkg/errors"
)

// MockConn 實作 internal.Conn 介面的 mock
//
// 收到的訊息由 Push 注入，送出的訊息記錄在 Sent。
type MockConn struct {
	id    string
	inbox chan inboxItem
	done  chan struct{}

	mu   sync.Mutex
	sent []string

	closeOnce sync.Once

	// 記錄呼叫次數
	SendCalls  atomic.Int32
	CloseCalls atomic.Int32

	// 錯誤注入
	FailSend  atomic.Bool // Send 立即失敗
	BlockSend atomic.Bool // Send 阻塞到 ctx 到期
}

type inboxItem struct {
	text string
	err  error
}

// NewMockConn 創建新的 MockConn
func NewMockConn(id string) *MockConn {
	return &MockConn{
		id:    id,
		inbox: make(chan inboxItem, 64),
		done:  make(chan struct{}),
	}
}

func (m *MockConn) ID() string { return m.id }

func (m *MockConn) Done() <-chan struct{} { return m.done }

// Send 記錄訊息
func (m *MockConn) Send(ctx context.Context, text string) error {
	m.SendCalls.Add(1)

	select {
	case <-m.done:
		return apperrors.ErrConnClosed
	default:
	}

	if m.FailSend.Load() {
		return fmt.Errorf("mock send failure: %w", apperrors.ErrConnClosed)
	}

	if m.BlockSend.Load() {
		select {
		case <-ctx.Done():
			return apperrors.Wrap(ctx.Err(), apperrors.ErrCodeSendBufferFull, "send buffer full")
		case <-m.done:
			return apperrors.ErrConnClosed
		}
	}

	m.mu.Lock()
	m.sent = append(m.sent, text)
	m.mu.Unlock()
	return nil
}

// Receive 返回 Push 注入的下一則訊息
func (m *MockConn) Receive(ctx context.Context) (string, error) {
	select {
	case item := <-m.inbox:
		return item.text, item.err
	case <-m.done:
		return "", apperrors.Wrap(errors.New("use of closed connection"), apperrors.ErrCodeConnClosed, "read failed")
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Close 關閉連接，可重複呼叫
func (m *MockConn) Close() error {
	m.CloseCalls.Add(1)
	m.closeOnce.Do(func() { close(m.done) })
	return nil
}

// Closed 是否已關閉
func (m *MockConn) Closed() bool {
	select {
	case <-m.done:
		return true
	default:
		return false
	}
}

// Push 模擬客戶端送來一則文字訊息
func (m *MockConn) Push(text string) {
	m.inbox <- inboxItem{text: text}
}

// PushCleanClose 模擬客戶端送出正常關閉訊框
func (m *MockConn) PushCleanClose() {
	m.inbox <- inboxItem{err: apperrors.Wrap(
		&websocket.CloseError{Code: websocket.CloseNormalClosure},
		apperrors.ErrCodeConnClosed, "read failed")}
}

// PushError 模擬讀取錯誤（網路中斷等）
func (m *MockConn) PushError(err error) {
	m.inbox <- inboxItem{err: err}
}

// Sent 返回已送出訊息的副本
func (m *MockConn) Sent() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.sent))
	copy(out, m.sent)
	return out
}

// Reset 清空已送出的紀錄
func (m *MockConn) Reset() {
	m.mu.Lock()
	m.sent = nil
	m.mu.Unlock()
}

// WaitForSent 等待至少送出 n 則訊息並返回全部紀錄
func (m *MockConn) WaitForSent(t testing.TB, n int, timeout time.Duration) []string {
	t.Helper()
	WaitForCondition(t, func() bool {
		return len(m.Sent()) >= n
	}, timeout, fmt.Sprintf("%s to receive %d messages", m.id, n))
	return m.Sent()
}
