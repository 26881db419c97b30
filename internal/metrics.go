package internal

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const metricsNamespace = "signaling"

// 發送失敗的來源
const (
	sendKindRelay    = "relay"
	sendKindDrain    = "drain"
	sendKindPresence = "presence"
)

// 連接被拒絕的原因
const (
	rejectRateLimited = "rate_limited"
	rejectOrigin      = "origin"
	rejectBadRoom     = "bad_room"
)

// Metrics Prometheus 指標
//
// 所有方法對 nil 接收者安全，測試中可直接傳 nil。
type Metrics struct {
	registry prometheus.Gatherer

	roomsActive      prometheus.Gauge
	roomsCreated     prometheus.Counter
	roomsDeleted     prometheus.Counter
	membersActive    prometheus.Gauge
	joins            prometheus.Counter
	defaultNameJoins prometheus.Counter
	messagesReceived prometheus.Counter
	messagesRelayed  prometheus.Counter
	messagesBuffered prometheus.Counter
	pendingDrained   prometheus.Counter
	pendingDropped   *prometheus.CounterVec
	sendFailures     *prometheus.CounterVec
	rosterBroadcasts prometheus.Counter
	connsRejected    *prometheus.CounterVec
	sessionsActive   prometheus.Gauge
}

// NewMetrics 創建並註冊指標
//
// reg 為 nil 時使用獨立的 Registry，避免測試之間重複註冊。
func NewMetrics(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	m := &Metrics{
		registry: reg,
		roomsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace, Name: "rooms_active",
			Help: "Number of rooms with at least one member.",
		}),
		roomsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace, Name: "rooms_created_total",
			Help: "Rooms created by a first join.",
		}),
		roomsDeleted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace, Name: "rooms_deleted_total",
			Help: "Rooms deleted after the last member left.",
		}),
		membersActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace, Name: "members_active",
			Help: "Members across all rooms.",
		}),
		joins: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace, Name: "joins_total",
			Help: "Members added to a room.",
		}),
		defaultNameJoins: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace, Name: "joins_default_name_total",
			Help: "Joins that fell back to the default display name.",
		}),
		messagesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace, Name: "messages_received_total",
			Help: "Text messages received from members after join.",
		}),
		messagesRelayed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace, Name: "messages_relayed_total",
			Help: "Per-recipient deliveries of relayed messages.",
		}),
		messagesBuffered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace, Name: "messages_buffered_total",
			Help: "Messages placed in a room's pending queue.",
		}),
		pendingDrained: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace, Name: "pending_drained_total",
			Help: "Pending messages delivered to a joiner.",
		}),
		pendingDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace, Name: "pending_dropped_total",
			Help: "Pending messages discarded.",
		}, []string{"reason"}),
		sendFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace, Name: "send_failures_total",
			Help: "Failed sends to a single member.",
		}, []string{"kind"}),
		rosterBroadcasts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace, Name: "roster_broadcasts_total",
			Help: "User list broadcasts.",
		}),
		connsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace, Name: "connections_rejected_total",
			Help: "Connections refused before upgrade.",
		}, []string{"reason"}),
		sessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace, Name: "sessions_active",
			Help: "Open WebSocket sessions, including ones not yet joined.",
		}),
	}

	reg.MustRegister(
		m.roomsActive, m.roomsCreated, m.roomsDeleted,
		m.membersActive, m.joins, m.defaultNameJoins,
		m.messagesReceived, m.messagesRelayed, m.messagesBuffered,
		m.pendingDrained, m.pendingDropped, m.sendFailures,
		m.rosterBroadcasts, m.connsRejected, m.sessionsActive,
	)

	return m
}

// Handler 暴露 /metrics
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) RoomCreated() {
	if m == nil {
		return
	}
	m.roomsCreated.Inc()
	m.roomsActive.Inc()
}

// RoomDeleted 房間刪除，droppedPending 為一併丟棄的待送訊息數
func (m *Metrics) RoomDeleted(droppedPending int) {
	if m == nil {
		return
	}
	m.roomsDeleted.Inc()
	m.roomsActive.Dec()
	if droppedPending > 0 {
		m.pendingDropped.WithLabelValues("room_deleted").Add(float64(droppedPending))
	}
}

func (m *Metrics) MemberJoined() {
	if m == nil {
		return
	}
	m.joins.Inc()
	m.membersActive.Inc()
}

func (m *Metrics) MemberLeft() {
	if m == nil {
		return
	}
	m.membersActive.Dec()
}

func (m *Metrics) DefaultNameJoin() {
	if m == nil {
		return
	}
	m.defaultNameJoins.Inc()
}

func (m *Metrics) MessageReceived() {
	if m == nil {
		return
	}
	m.messagesReceived.Inc()
}

// MessageRelayed 記錄成功送達的收件數
func (m *Metrics) MessageRelayed(delivered int) {
	if m == nil || delivered <= 0 {
		return
	}
	m.messagesRelayed.Add(float64(delivered))
}

func (m *Metrics) MessageBuffered() {
	if m == nil {
		return
	}
	m.messagesBuffered.Inc()
}

// PendingDropped 佇列超出上限丟棄的訊息數
func (m *Metrics) PendingDropped(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.pendingDropped.WithLabelValues("overflow").Add(float64(n))
}

func (m *Metrics) PendingDrained(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.pendingDrained.Add(float64(n))
}

func (m *Metrics) SendFailed(kind string) {
	if m == nil {
		return
	}
	m.sendFailures.WithLabelValues(kind).Inc()
}

func (m *Metrics) RosterBroadcast() {
	if m == nil {
		return
	}
	m.rosterBroadcasts.Inc()
}

func (m *Metrics) ConnRejected(reason string) {
	if m == nil {
		return
	}
	m.connsRejected.WithLabelValues(reason).Inc()
}

func (m *Metrics) SessionOpened() {
	if m == nil {
		return
	}
	m.sessionsActive.Inc()
}

func (m *Metrics) SessionClosed() {
	if m == nil {
		return
	}
	m.sessionsActive.Dec()
}
