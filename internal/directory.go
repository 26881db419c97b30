package internal

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	apperrors "github.com/koopa0/system-design/signaling-relay/pkg/errors"
)

// 系統設計問題：
//   多個連接各自在自己的 goroutine 中加入、離開、轉發，
//   如何維持「房間存在 ⇔ 有成員」與「同一連接只出現一次」？
//
// 設計方案：
//   ✅ 單一 RWMutex 保護房間表（所有讀寫都在鎖內完成）
//   ✅ 快照複製：廣播在鎖外對副本進行 I/O
//   ✅ 每個房間一把順序鎖（LockRoom）：同一房間的成員變更、名單廣播、轉發依序執行，
//      不同房間互不等待
//   ✅ 移除最後一位成員時立即刪除房間，不依賴定時清理

// roomLock 單一房間的順序鎖
//
// refs 計算持有或等待中的呼叫者，歸零時從表中移除。
type roomLock struct {
	mu   sync.Mutex
	refs int
}

// Member 房間成員
type Member struct {
	Conn     Conn
	Name     string
	JoinedAt time.Time
}

// Room 中繼房間
//
// 只能經由 Directory 存取，所有欄位受 Directory.mu 保護。
type Room struct {
	ID        string
	members   []Member
	pending   []string
	createdAt time.Time
}

// RoomInfo 房間的唯讀摘要（不含訊息內容）
type RoomInfo struct {
	ID           string    `json:"room_id"`
	Users        []string  `json:"users"`
	MemberCount  int       `json:"member_count"`
	PendingCount int       `json:"pending_count"`
	CreatedAt    time.Time `json:"created_at"`
}

// DirectoryStats 目錄統計
type DirectoryStats struct {
	Rooms   int `json:"total_rooms"`
	Members int `json:"total_members"`
	Pending int `json:"total_pending"`
}

// Directory 房間目錄
//
// 是建立與刪除房間的唯一途徑。
type Directory struct {
	mu      sync.RWMutex
	rooms   map[string]*Room
	logger  *slog.Logger
	metrics *Metrics

	locksMu sync.Mutex
	locks   map[string]*roomLock
}

// NewDirectory 創建房間目錄
func NewDirectory(logger *slog.Logger, metrics *Metrics) *Directory {
	return &Directory{
		rooms:   make(map[string]*Room),
		locks:   make(map[string]*roomLock),
		logger:  logger,
		metrics: metrics,
	}
}

// LockRoom 取得房間的順序鎖，返回解鎖函數
//
// 持有期間，同一房間的成員變更、名單廣播、待送訊息交付與轉發不會交錯。
// 鎖與房間一一對應，某個房間的慢速發送不會拖慢其他房間。
// 鎖的生命週期與 Room 分開：加入前房間可能尚未建立。
// 不可巢狀持有兩個房間的鎖。
func (d *Directory) LockRoom(roomID string) (unlock func()) {
	d.locksMu.Lock()
	l, exists := d.locks[roomID]
	if !exists {
		l = &roomLock{}
		d.locks[roomID] = l
	}
	l.refs++
	d.locksMu.Unlock()

	l.mu.Lock()

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Unlock()

			d.locksMu.Lock()
			l.refs--
			if l.refs == 0 {
				delete(d.locks, roomID)
			}
			d.locksMu.Unlock()
		})
	}
}

// lockCount 目前表中的房間鎖數量
func (d *Directory) lockCount() int {
	d.locksMu.Lock()
	defer d.locksMu.Unlock()
	return len(d.locks)
}

// getOrCreate 返回房間，不存在時建立空房間（需持有寫鎖）
//
// 不對外公開：空房間只會在 AddMember 中短暫存在。
func (d *Directory) getOrCreate(roomID string) (*Room, bool) {
	if room, exists := d.rooms[roomID]; exists {
		return room, false
	}

	room := &Room{
		ID:        roomID,
		createdAt: time.Now(),
	}
	d.rooms[roomID] = room
	return room, true
}

// AddMember 加入成員
//
// 同一連接重複加入不會產生第二筆紀錄（冪等）。
// added 表示這次呼叫是否新增了成員，created 表示房間是否因此被建立。
func (d *Directory) AddMember(roomID string, conn Conn, name string) (added, created bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	room, created := d.getOrCreate(roomID)

	for _, m := range room.members {
		if m.Conn.ID() == conn.ID() {
			return false, created
		}
	}

	room.members = append(room.members, Member{
		Conn:     conn,
		Name:     name,
		JoinedAt: time.Now(),
	})

	if created {
		d.metrics.RoomCreated()
		d.logger.Info("房間已創建", "room_id", roomID)
	}
	d.metrics.MemberJoined()

	d.logger.Info("成員加入房間",
		"room_id", roomID,
		"conn_id", conn.ID(),
		"name", name,
		"members", len(room.members))

	return true, created
}

// RemoveMember 移除成員
//
// 成員清空時立即刪除房間（連同待送訊息）。
func (d *Directory) RemoveMember(roomID string, conn Conn) (removed, roomDeleted bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	room, exists := d.rooms[roomID]
	if !exists {
		return false, false
	}

	idx := -1
	for i, m := range room.members {
		if m.Conn.ID() == conn.ID() {
			idx = i
			break
		}
	}

	if idx >= 0 {
		room.members = append(room.members[:idx], room.members[idx+1:]...)
		removed = true
		d.metrics.MemberLeft()
		d.logger.Info("成員離開房間",
			"room_id", roomID,
			"conn_id", conn.ID(),
			"members", len(room.members))
	}

	if len(room.members) == 0 {
		dropped := len(room.pending)
		delete(d.rooms, roomID)
		d.metrics.RoomDeleted(dropped)
		d.logger.Info("房間已移除", "room_id", roomID, "discarded_pending", dropped)
		return removed, true
	}

	return removed, false
}

// Snapshot 返回成員的唯讀副本
func (d *Directory) Snapshot(roomID string) ([]Member, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	room, exists := d.rooms[roomID]
	if !exists {
		return nil, false
	}

	members := make([]Member, len(room.members))
	copy(members, room.members)
	return members, true
}

// route 決定訊息的去向（轉發或暫存）
//
// 在同一把鎖內完成判斷與暫存，加入流程不會在兩者之間插入。
// 成員數 ≤ 1 時暫存並返回 buffered=true；否則返回成員副本。
func (d *Directory) route(roomID string, sender Conn, message string, maxPending int) (members []Member, buffered bool, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	room, exists := d.rooms[roomID]
	if !exists {
		return nil, false, apperrors.ErrRoomNotFound.WithDetails(roomID)
	}

	isMember := false
	for _, m := range room.members {
		if m.Conn.ID() == sender.ID() {
			isMember = true
			break
		}
	}
	if !isMember {
		return nil, false, apperrors.ErrNotMember.WithDetails(sender.ID())
	}

	if len(room.members) <= 1 {
		d.appendPendingLocked(room, message, maxPending)
		return nil, true, nil
	}

	members = make([]Member, len(room.members))
	copy(members, room.members)
	return members, false, nil
}

// Exists 檢查房間是否存在
func (d *Directory) Exists(roomID string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, exists := d.rooms[roomID]
	return exists
}

// Room 返回單一房間摘要
func (d *Directory) Room(roomID string) (RoomInfo, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	room, exists := d.rooms[roomID]
	if !exists {
		return RoomInfo{}, false
	}
	return room.info(), true
}

// Rooms 列出所有房間摘要，依房間 ID 排序
func (d *Directory) Rooms() []RoomInfo {
	d.mu.RLock()
	defer d.mu.RUnlock()

	result := make([]RoomInfo, 0, len(d.rooms))
	for _, room := range d.rooms {
		result = append(result, room.info())
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].ID < result[j].ID
	})
	return result
}

// Stats 目錄統計
func (d *Directory) Stats() DirectoryStats {
	d.mu.RLock()
	defer d.mu.RUnlock()

	stats := DirectoryStats{Rooms: len(d.rooms)}
	for _, room := range d.rooms {
		stats.Members += len(room.members)
		stats.Pending += len(room.pending)
	}
	return stats
}

// info 建立摘要（需持有讀鎖）
func (r *Room) info() RoomInfo {
	return RoomInfo{
		ID:           r.ID,
		Users:        displayNames(r.members),
		MemberCount:  len(r.members),
		PendingCount: len(r.pending),
		CreatedAt:    r.createdAt,
	}
}

// displayNames 依加入順序取出顯示名稱
func displayNames(members []Member) []string {
	names := make([]string, len(members))
	for i, m := range members {
		names[i] = m.Name
	}
	return names
}
