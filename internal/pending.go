package internal

import (
	"context"
	"log/slog"
	"time"

	apperrors "github.com/koopa0/system-design/signaling-relay/pkg/errors"
)

// PendingBuffer 房間的待送訊息佇列
//
// 房間只有一位成員時產生的訊息先暫存，
// 等下一位加入者使房間達到兩人以上時，一次交付給該加入者並整批清空。
// 佇列資料存放在 Room 內，隨房間刪除一併丟棄。
type PendingBuffer struct {
	dir         *Directory
	maxPending  int // 0 表示不限制
	sendTimeout time.Duration
	logger      *slog.Logger
	metrics     *Metrics
}

// NewPendingBuffer 創建待送佇列
func NewPendingBuffer(dir *Directory, maxPending int, sendTimeout time.Duration, logger *slog.Logger, metrics *Metrics) *PendingBuffer {
	return &PendingBuffer{
		dir:         dir,
		maxPending:  maxPending,
		sendTimeout: sendTimeout,
		logger:      logger,
		metrics:     metrics,
	}
}

// Enqueue 將訊息加入房間的待送佇列
func (p *PendingBuffer) Enqueue(roomID, message string) error {
	p.dir.mu.Lock()
	defer p.dir.mu.Unlock()

	room, exists := p.dir.rooms[roomID]
	if !exists {
		return apperrors.ErrRoomNotFound.WithDetails(roomID)
	}

	p.dir.appendPendingLocked(room, message, p.maxPending)
	return nil
}

// Pending 返回房間待送訊息的副本
func (p *PendingBuffer) Pending(roomID string) []string {
	p.dir.mu.RLock()
	defer p.dir.mu.RUnlock()

	room, exists := p.dir.rooms[roomID]
	if !exists || len(room.pending) == 0 {
		return nil
	}

	out := make([]string, len(room.pending))
	copy(out, room.pending)
	return out
}

// DrainTo 將待送訊息依序交付給 conn
//
// 只有房間成員數 ≥ 2 時才交付。佇列先整批取出清空，再在鎖外逐則發送；
// 單則發送失敗只記錄，不中斷後續訊息。返回成功送達的數量。
func (p *PendingBuffer) DrainTo(ctx context.Context, roomID string, conn Conn) int {
	messages := p.take(roomID)
	if len(messages) == 0 {
		return 0
	}

	delivered := 0
	for i, message := range messages {
		if err := sendWithTimeout(ctx, conn, message, p.sendTimeout); err != nil {
			p.metrics.SendFailed(sendKindDrain)
			p.logger.WarnContext(ctx, "交付待送訊息失敗",
				"room_id", roomID,
				"conn_id", conn.ID(),
				"index", i,
				"error", err)
			continue
		}
		delivered++
	}

	p.metrics.PendingDrained(delivered)
	p.logger.DebugContext(ctx, "待送訊息已交付",
		"room_id", roomID,
		"conn_id", conn.ID(),
		"total", len(messages),
		"delivered", delivered)

	return delivered
}

// take 取出並清空待送佇列（成員數 < 2 時不取）
func (p *PendingBuffer) take(roomID string) []string {
	p.dir.mu.Lock()
	defer p.dir.mu.Unlock()

	room, exists := p.dir.rooms[roomID]
	if !exists || len(room.members) < 2 || len(room.pending) == 0 {
		return nil
	}

	messages := room.pending
	room.pending = nil
	return messages
}

// appendPendingLocked 加入待送訊息（需持有 Directory 寫鎖）
//
// maxPending > 0 時超出上限丟棄最舊的訊息。
func (d *Directory) appendPendingLocked(room *Room, message string, maxPending int) {
	if maxPending > 0 && len(room.pending) >= maxPending {
		overflow := len(room.pending) - maxPending + 1
		room.pending = append(room.pending[:0:0], room.pending[overflow:]...)
		d.metrics.PendingDropped(overflow)
		d.logger.Warn("待送佇列已滿，丟棄最舊訊息",
			"room_id", room.ID,
			"dropped", overflow,
			"max_pending", maxPending)
	}

	room.pending = append(room.pending, message)
	d.metrics.MessageBuffered()
}

// sendWithTimeout 以單一成員的時間上限發送
func sendWithTimeout(ctx context.Context, conn Conn, message string, timeout time.Duration) error {
	if timeout <= 0 {
		return conn.Send(ctx, message)
	}
	sendCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return conn.Send(sendCtx, message)
}
