package internal

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/koopa0/system-design/signaling-relay/pkg/logger"

	apperrors "github.com/koopa0/system-design/signaling-relay/pkg/errors"
)

// fakeNATS 記錄發佈內容
type fakeNATS struct {
	mu       sync.Mutex
	subjects []string
	payloads [][]byte
	fail     error
	drained  bool
}

func (f *fakeNATS) Publish(subject string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return f.fail
	}
	f.subjects = append(f.subjects, subject)
	f.payloads = append(f.payloads, data)
	return nil
}

func (f *fakeNATS) Drain() error {
	f.drained = true
	return nil
}

// TestNATSPublisher_Publish 測試事件主題與內容
func TestNATSPublisher_Publish(t *testing.T) {
	fake := &fakeNATS{}
	pub := newNATSPublisher(fake, "signaling", logger.Discard())

	pub.Publish(context.Background(), RoomEvent{
		Type:    EventMemberJoined,
		RoomID:  "r1",
		ConnID:  "c1",
		Name:    "alice",
		Members: 2,
	})

	require.Len(t, fake.subjects, 1)
	assert.Equal(t, "signaling.member.joined", fake.subjects[0])

	var event RoomEvent
	require.NoError(t, json.Unmarshal(fake.payloads[0], &event))
	assert.Equal(t, "r1", event.RoomID)
	assert.Equal(t, "alice", event.Name)
	assert.Equal(t, 2, event.Members)
	assert.False(t, event.Timestamp.IsZero())

	pub.Close()
	assert.True(t, fake.drained)
}

// TestNATSPublisher_Subject 測試主題前綴
func TestNATSPublisher_Subject(t *testing.T) {
	assert.Equal(t, "room.created", newNATSPublisher(&fakeNATS{}, "", logger.Discard()).Subject(EventRoomCreated))
	assert.Equal(t, "a.b.room.deleted", newNATSPublisher(&fakeNATS{}, "a.b", logger.Discard()).Subject(EventRoomDeleted))
}

// TestNATSPublisher_PublishErrorIsSwallowed 測試發佈失敗只記錄
func TestNATSPublisher_PublishErrorIsSwallowed(t *testing.T) {
	fake := &fakeNATS{fail: errors.New("nats: connection closed")}
	pub := newNATSPublisher(fake, "signaling", logger.Discard())

	assert.NotPanics(t, func() {
		pub.Publish(context.Background(), RoomEvent{Type: EventRoomCreated, RoomID: "r1"})
	})
	assert.Empty(t, fake.subjects)
}

// TestIsCleanClose 測試關閉原因判斷
func TestIsCleanClose(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "normal closure", err: &websocket.CloseError{Code: websocket.CloseNormalClosure}, want: true},
		{name: "going away", err: &websocket.CloseError{Code: websocket.CloseGoingAway}, want: true},
		{name: "wrapped normal closure", err: apperrors.Wrap(&websocket.CloseError{Code: websocket.CloseNormalClosure}, apperrors.ErrCodeConnClosed, "read failed"), want: true},
		{name: "abnormal closure", err: &websocket.CloseError{Code: websocket.CloseAbnormalClosure}, want: false},
		{name: "plain error", err: errors.New("connection reset by peer"), want: false},
		{name: "nil", err: nil, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, isCleanClose(tt.err))
		})
	}
}

// TestOriginChecker 測試來源檢查
func TestOriginChecker(t *testing.T) {
	tests := []struct {
		name    string
		allowed []string
		origin  string
		want    bool
	}{
		{name: "wildcard", allowed: []string{"*"}, origin: "https://evil.example", want: true},
		{name: "listed origin", allowed: []string{"https://app.example"}, origin: "https://app.example", want: true},
		{name: "case and trailing slash", allowed: []string{"https://App.example/"}, origin: "https://app.example", want: true},
		{name: "unlisted origin", allowed: []string{"https://app.example"}, origin: "https://evil.example", want: false},
		{name: "no origin header", allowed: []string{"https://app.example"}, origin: "", want: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/ws/r1", nil)
			if tt.origin != "" {
				req.Header.Set("Origin", tt.origin)
			}
			assert.Equal(t, tt.want, originChecker(tt.allowed)(req))
		})
	}
}
