package internal

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"
)

// MessageTypeUserList 在線名單訊息類型
const MessageTypeUserList = "userList"

// UserListMessage 在線名單
type UserListMessage struct {
	Type  string   `json:"type"`
	Users []string `json:"users"`
}

// Presence 在線名單廣播器
type Presence struct {
	dir         *Directory
	sendTimeout time.Duration
	logger      *slog.Logger
	metrics     *Metrics
}

// NewPresence 創建在線名單廣播器
func NewPresence(dir *Directory, sendTimeout time.Duration, logger *slog.Logger, metrics *Metrics) *Presence {
	return &Presence{
		dir:         dir,
		sendTimeout: sendTimeout,
		logger:      logger,
		metrics:     metrics,
	}
}

// BroadcastRoster 將目前名單發送給房間所有成員
//
// 房間已刪除時不做任何事並返回 ok=false。
func (p *Presence) BroadcastRoster(ctx context.Context, roomID string) (sent int, ok bool) {
	unlock := p.dir.LockRoom(roomID)
	defer unlock()
	return p.broadcastLocked(ctx, roomID)
}

// broadcastLocked 同 BroadcastRoster，呼叫者需已持有 LockRoom
func (p *Presence) broadcastLocked(ctx context.Context, roomID string) (sent int, ok bool) {
	members, exists := p.dir.Snapshot(roomID)
	if !exists {
		return 0, false
	}

	payload, err := encodeUserList(members)
	if err != nil {
		p.logger.ErrorContext(ctx, "序列化在線名單失敗", "room_id", roomID, "error", err)
		return 0, true
	}

	for _, m := range members {
		if err := sendWithTimeout(ctx, m.Conn, payload, p.sendTimeout); err != nil {
			p.metrics.SendFailed(sendKindPresence)
			p.logger.WarnContext(ctx, "發送在線名單失敗",
				"room_id", roomID,
				"conn_id", m.Conn.ID(),
				"error", err)
			continue
		}
		sent++
	}

	p.metrics.RosterBroadcast()
	return sent, true
}

// encodeUserList 序列化名單訊息
func encodeUserList(members []Member) (string, error) {
	data, err := json.Marshal(UserListMessage{
		Type:  MessageTypeUserList,
		Users: displayNames(members),
	})
	if err != nil {
		return "", err
	}
	return string(data), nil
}
