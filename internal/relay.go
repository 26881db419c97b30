package internal

import (
	"context"
	"log/slog"
	"time"
)

// EchoPolicy 轉發時是否包含發送者本身
//
// 兩種策略對上層的點對點協商協議並不等價（有些客戶端會特別處理回音），
// 因此做成固定的配置項，而非依訊息決定。
type EchoPolicy int

const (
	// EchoExcludeSender 只轉發給其他成員（預設）
	EchoExcludeSender EchoPolicy = iota
	// EchoIncludeSender 也送回給發送者
	EchoIncludeSender
)

func (p EchoPolicy) String() string {
	if p == EchoIncludeSender {
		return "include_sender"
	}
	return "exclude_sender"
}

// Outcome 單則訊息的處理結果
type Outcome int

const (
	// OutcomeBuffered 房間只有發送者一人，訊息進入待送佇列
	OutcomeBuffered Outcome = iota + 1
	// OutcomeDelivered 已嘗試發送給收件成員
	OutcomeDelivered
)

func (o Outcome) String() string {
	switch o {
	case OutcomeBuffered:
		return "buffered"
	case OutcomeDelivered:
		return "delivered"
	default:
		return "unknown"
	}
}

// RelayResult 轉發結果
type RelayResult struct {
	Outcome   Outcome
	Attempted int // 嘗試發送的成員數
	Failed    int // 發送失敗的成員數
}

// Relay 轉發引擎
//
// 不解析訊息內容，只依房間成員數決定暫存或廣播。
type Relay struct {
	dir         *Directory
	pending     *PendingBuffer
	policy      EchoPolicy
	sendTimeout time.Duration
	logger      *slog.Logger
	metrics     *Metrics
}

// NewRelay 創建轉發引擎
func NewRelay(dir *Directory, pending *PendingBuffer, policy EchoPolicy, sendTimeout time.Duration, logger *slog.Logger, metrics *Metrics) *Relay {
	return &Relay{
		dir:         dir,
		pending:     pending,
		policy:      policy,
		sendTimeout: sendTimeout,
		logger:      logger,
		metrics:     metrics,
	}
}

// Policy 返回目前的回音策略
func (r *Relay) Policy() EchoPolicy {
	return r.policy
}

// Relay 處理一則來自 sender 的訊息
//
//   - 成員數 ≤ 1：放入待送佇列，不發送給任何人
//   - 成員數 ≥ 2：依回音策略發送給成員，單一成員失敗不影響其他成員
//
// 房間不存在或 sender 不是成員時返回錯誤，表示先前的不變量已被破壞。
func (r *Relay) Relay(ctx context.Context, roomID string, sender Conn, message string) (RelayResult, error) {
	unlock := r.dir.LockRoom(roomID)
	defer unlock()

	members, buffered, err := r.dir.route(roomID, sender, message, r.pending.maxPending)
	if err != nil {
		return RelayResult{}, err
	}

	if buffered {
		r.logger.DebugContext(ctx, "房間只有一位成員，訊息已暫存",
			"room_id", roomID,
			"conn_id", sender.ID())
		return RelayResult{Outcome: OutcomeBuffered}, nil
	}

	result := RelayResult{Outcome: OutcomeDelivered}
	for _, m := range members {
		if r.policy == EchoExcludeSender && m.Conn.ID() == sender.ID() {
			continue
		}

		result.Attempted++
		if err := sendWithTimeout(ctx, m.Conn, message, r.sendTimeout); err != nil {
			result.Failed++
			r.metrics.SendFailed(sendKindRelay)
			r.logger.WarnContext(ctx, "轉發訊息失敗",
				"room_id", roomID,
				"from", sender.ID(),
				"to", m.Conn.ID(),
				"error", err)
		}
	}

	r.metrics.MessageRelayed(result.Attempted - result.Failed)

	return result, nil
}
