package internal

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
)

// 房間生命週期事件（主題後綴）
const (
	EventRoomCreated  = "room.created"
	EventRoomDeleted  = "room.deleted"
	EventMemberJoined = "member.joined"
	EventMemberLeft   = "member.left"
)

// RoomEvent 生命週期事件內容
//
// 只包含識別資訊與計數，不包含任何轉發的訊息內容。
type RoomEvent struct {
	Type      string    `json:"type"`
	RoomID    string    `json:"room_id"`
	ConnID    string    `json:"conn_id,omitempty"`
	Name      string    `json:"name,omitempty"`
	Members   int       `json:"members"`
	Timestamp time.Time `json:"timestamp"`
}

// EventPublisher 發佈房間生命週期事件
//
// 發佈失敗不影響轉發流程，實現只需記錄錯誤。
type EventPublisher interface {
	Publish(ctx context.Context, event RoomEvent)
	Close()
}

// NoopPublisher 未設定 NATS 時使用
type NoopPublisher struct{}

func (NoopPublisher) Publish(context.Context, RoomEvent) {}
func (NoopPublisher) Close()                             {}

// natsConn *nats.Conn 中用到的部分
type natsConn interface {
	Publish(subject string, data []byte) error
	Drain() error
}

// NATSPublisher 以 NATS core publish 發送事件
//
// 事件屬於觀察用途，不需要 JetStream 的持久化與 ACK；
// 沒有訂閱者時訊息直接丟棄。
type NATSPublisher struct {
	conn   natsConn
	prefix string
	logger *slog.Logger
}

// NewNATSPublisher 連接 NATS
func NewNATSPublisher(url, prefix string, logger *slog.Logger) (*NATSPublisher, error) {
	conn, err := nats.Connect(
		url,
		nats.Name("signaling-relay"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
		nats.PingInterval(20*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("NATS 連接中斷", "error", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("NATS 已重新連接", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("連接 NATS 失敗: %w", err)
	}

	return newNATSPublisher(conn, prefix, logger), nil
}

func newNATSPublisher(conn natsConn, prefix string, logger *slog.Logger) *NATSPublisher {
	return &NATSPublisher{
		conn:   conn,
		prefix: prefix,
		logger: logger,
	}
}

// Subject 事件對應的 NATS 主題
func (p *NATSPublisher) Subject(eventType string) string {
	if p.prefix == "" {
		return eventType
	}
	return p.prefix + "." + eventType
}

// Publish 發佈事件
func (p *NATSPublisher) Publish(ctx context.Context, event RoomEvent) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	data, err := json.Marshal(event)
	if err != nil {
		p.logger.ErrorContext(ctx, "序列化事件失敗", "type", event.Type, "error", err)
		return
	}

	if err := p.conn.Publish(p.Subject(event.Type), data); err != nil {
		p.logger.WarnContext(ctx, "發佈事件失敗",
			"type", event.Type,
			"room_id", event.RoomID,
			"error", err)
	}
}

// Close 送出緩衝中的事件後關閉連接
func (p *NATSPublisher) Close() {
	if err := p.conn.Drain(); err != nil {
		p.logger.Warn("關閉 NATS 連接失敗", "error", err)
	}
}
