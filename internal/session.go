package internal

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/koopa0/system-design/signaling-relay/pkg/logger"

	apperrors "github.com/koopa0/system-design/signaling-relay/pkg/errors"
)

// MessageTypeJoin 加入訊息類型
const MessageTypeJoin = "join"

// JoinRequest 連接後的第一則訊息
type JoinRequest struct {
	Type string `json:"type"`
	User string `json:"user"`
}

// SessionOptions 會話行為設定
type SessionOptions struct {
	StrictJoin  bool          // 第一則訊息必須是合法的 join
	JoinTimeout time.Duration // 等待 join 的上限，0 表示不限
	DefaultName string        // 未提供名稱時使用
}

// SessionHandler 單一連接的生命週期
//
//	Joining → Active → Terminated
//
// 每個連接一個 goroutine 執行 Serve，結束時保證移除成員並關閉連接。
type SessionHandler struct {
	dir      *Directory
	pending  *PendingBuffer
	relay    *Relay
	presence *Presence
	events   EventPublisher
	opts     SessionOptions
	logger   *slog.Logger
	metrics  *Metrics
}

// NewSessionHandler 創建會話處理器
func NewSessionHandler(dir *Directory, pending *PendingBuffer, relay *Relay, presence *Presence, events EventPublisher, opts SessionOptions, logger *slog.Logger, metrics *Metrics) *SessionHandler {
	if events == nil {
		events = NoopPublisher{}
	}
	if opts.DefaultName == "" {
		opts.DefaultName = DefaultDisplayName
	}
	return &SessionHandler{
		dir:      dir,
		pending:  pending,
		relay:    relay,
		presence: presence,
		events:   events,
		opts:     opts,
		logger:   logger,
		metrics:  metrics,
	}
}

// Serve 執行會話直到連接結束
//
// 客戶端正常關閉時返回 nil；其他原因返回導致結束的錯誤。
// 無論如何返回，連接都已關閉、成員都已移除。
func (h *SessionHandler) Serve(ctx context.Context, conn Conn, roomID string) error {
	ctx = logger.WithConn(logger.WithRoom(ctx, roomID), conn.ID())
	defer conn.Close()

	name, err := h.awaitJoin(ctx, conn)
	if err != nil {
		h.logger.InfoContext(ctx, "加入失敗，關閉連接", "error", err)
		return err
	}

	h.join(ctx, conn, roomID, name)
	defer h.leave(ctx, conn, roomID)

	for {
		message, err := conn.Receive(ctx)
		if err != nil {
			if isCleanClose(err) {
				h.logger.DebugContext(ctx, "客戶端關閉連接")
				return nil
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			h.logger.InfoContext(ctx, "連接中斷", "error", err)
			return err
		}

		h.metrics.MessageReceived()

		if _, err := h.relay.Relay(ctx, roomID, conn, message); err != nil {
			// 房間消失或不是成員：目錄狀態與會話不一致
			h.logger.ErrorContext(ctx, "轉發失敗，結束會話", "error", err)
			return err
		}
	}
}

// awaitJoin 讀取第一則訊息並取得顯示名稱
func (h *SessionHandler) awaitJoin(ctx context.Context, conn Conn) (string, error) {
	joinCtx := ctx
	if h.opts.JoinTimeout > 0 {
		var cancel context.CancelFunc
		joinCtx, cancel = context.WithTimeout(ctx, h.opts.JoinTimeout)
		defer cancel()
	}

	message, err := conn.Receive(joinCtx)
	if err != nil {
		if errors.Is(joinCtx.Err(), context.DeadlineExceeded) {
			return "", apperrors.Wrap(err, apperrors.ErrCodeInvalidJoin, "join timeout")
		}
		return "", err
	}

	name, ok := ParseJoin(message, h.opts.StrictJoin)
	if !ok {
		return "", apperrors.ErrInvalidJoin
	}

	if name == "" {
		name = h.opts.DefaultName
		h.metrics.DefaultNameJoin()
	}
	return name, nil
}

// ParseJoin 解析 join 訊息
//
// 寬鬆模式下任何內容都接受，無法取得名稱或名稱空白時返回空字串；
// 嚴格模式下非 JSON 或 type 不是 "join" 時 ok=false。
// 名稱原樣保留，不做任何修剪。
func ParseJoin(message string, strict bool) (name string, ok bool) {
	var req JoinRequest
	if err := json.Unmarshal([]byte(message), &req); err != nil {
		return "", !strict
	}

	if strict && req.Type != MessageTypeJoin {
		return "", false
	}

	if strings.TrimSpace(req.User) == "" {
		return "", true
	}
	return req.User, true
}

// join 加入房間、廣播名單、交付待送訊息
//
// 三步驟在同一把房間鎖內完成，其他成員的轉發不會插在中間。
func (h *SessionHandler) join(ctx context.Context, conn Conn, roomID, name string) {
	unlock := h.dir.LockRoom(roomID)
	added, created := h.dir.AddMember(roomID, conn, name)
	h.presence.broadcastLocked(ctx, roomID)
	drained := h.pending.DrainTo(ctx, roomID, conn)
	members, _ := h.dir.Snapshot(roomID)
	unlock()

	if drained > 0 {
		h.logger.InfoContext(ctx, "已交付待送訊息", "count", drained)
	}

	if created {
		h.events.Publish(ctx, RoomEvent{Type: EventRoomCreated, RoomID: roomID, Members: len(members)})
	}
	if added {
		h.events.Publish(ctx, RoomEvent{
			Type:    EventMemberJoined,
			RoomID:  roomID,
			ConnID:  conn.ID(),
			Name:    name,
			Members: len(members),
		})
	}
}

// leave 移除成員，房間仍存在時廣播名單
func (h *SessionHandler) leave(ctx context.Context, conn Conn, roomID string) {
	// 關閉後的 ctx 仍保留日誌屬性，但清理本身不可被取消
	ctx = context.WithoutCancel(ctx)

	unlock := h.dir.LockRoom(roomID)
	removed, deleted := h.dir.RemoveMember(roomID, conn)
	if removed && !deleted {
		h.presence.broadcastLocked(ctx, roomID)
	}
	members, _ := h.dir.Snapshot(roomID)
	unlock()

	if removed {
		h.events.Publish(ctx, RoomEvent{
			Type:    EventMemberLeft,
			RoomID:  roomID,
			ConnID:  conn.ID(),
			Members: len(members),
		})
	}
	if deleted {
		h.events.Publish(ctx, RoomEvent{Type: EventRoomDeleted, RoomID: roomID})
	}
}
