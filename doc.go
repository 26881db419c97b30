// Package signaling 是點對點通話的信令中繼服務。
//
// 客戶端透過 WebSocket 加入具名房間，交換 SDP offer/answer 與 ICE candidate，
// 並在成員進出時收到在線名單。服務器不解析訊息內容，只在同一房間的連接之間轉發文字訊框。
//
// # 協議
//
//  1. 連線到 /ws/{room_id}
//  2. 送出第一則訊息 {"type":"join","user":"alice"}（格式錯誤時使用 "anonymous"）
//  3. 每次成員變更都會收到 {"type":"userList","users":["alice","bob"]}
//  4. 之後的文字訊息原樣轉發給房間內其他成員
//
// # 轉發規則
//
// 房間只有一位成員時，訊息放入待送佇列；
// 下一位加入者使房間達到兩人時，佇列依原順序交付給該加入者後清空。
// 兩人以上時直接轉發，是否回送給發送者由 relay.echo_sender 決定。
//
// # 架構
//
//   - Directory：房間目錄，唯一能建立與刪除房間的地方
//   - PendingBuffer：待送佇列
//   - Relay：轉發或暫存的決策
//   - Presence：在線名單廣播
//   - SessionHandler：單一連接的 Joining → Active → Terminated
//   - WebSocketHub：升級前檢查（來源、速率）與會話追蹤
//
// 同一房間的成員變更、名單廣播、交付與轉發由該房間專屬的順序鎖依序執行，
// 不同房間之間互不阻塞。
//
// # 配置
//
// 預設值 → YAML（-config）→ .env → SIGNALING_* 環境變數 → 命令行參數。
//
// 啟動服務器：
//
//	go run ./cmd/server -config config.yaml -log-level debug
//
// # 觀察
//
//   - /health、/ready：存活與就緒檢查
//   - /stats、/api/v1/rooms：房間與成員摘要（不含訊息內容）
//   - /metrics：Prometheus 指標
//   - nats.url 設定後，房間生命週期事件發佈到 NATS
package signaling
