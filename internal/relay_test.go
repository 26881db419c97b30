package internal_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/koopa0/system-design/signaling-relay/internal"
	"github.com/koopa0/system-design/signaling-relay/internal/testutils"
	"github.com/koopa0/system-design/signaling-relay/pkg/logger"

	apperrors "github.com/koopa0/system-design/signaling-relay/pkg/errors"
)

type relayFixture struct {
	dir     *internal.Directory
	pending *internal.PendingBuffer
	relay   *internal.Relay
}

func newRelayFixture(policy internal.EchoPolicy, sendTimeout time.Duration) *relayFixture {
	log := logger.Discard()
	dir := internal.NewDirectory(log, nil)
	pending := internal.NewPendingBuffer(dir, 0, sendTimeout, log, nil)
	return &relayFixture{
		dir:     dir,
		pending: pending,
		relay:   internal.NewRelay(dir, pending, policy, sendTimeout, log, nil),
	}
}

// TestRelay_BuffersWhenAlone 測試房間只有一人時訊息進入待送佇列
func TestRelay_BuffersWhenAlone(t *testing.T) {
	for _, policy := range []internal.EchoPolicy{internal.EchoExcludeSender, internal.EchoIncludeSender} {
		t.Run(policy.String(), func(t *testing.T) {
			f := newRelayFixture(policy, time.Second)
			a := testutils.NewMockConn("a")
			f.dir.AddMember("r1", a, "alice")

			result, err := f.relay.Relay(context.Background(), "r1", a, "offer")
			require.NoError(t, err)
			assert.Equal(t, internal.OutcomeBuffered, result.Outcome)
			assert.Empty(t, a.Sent(), "buffered messages are never echoed")
			assert.Equal(t, []string{"offer"}, f.pending.Pending("r1"))
		})
	}
}

// TestRelay_FanOut 測試兩人以上時的轉發對象
func TestRelay_FanOut(t *testing.T) {
	tests := []struct {
		name       string
		policy     internal.EchoPolicy
		wantSender []string
	}{
		{
			name:       "exclude sender",
			policy:     internal.EchoExcludeSender,
			wantSender: []string{},
		},
		{
			name:       "include sender",
			policy:     internal.EchoIncludeSender,
			wantSender: []string{"hello"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newRelayFixture(tt.policy, time.Second)
			a := testutils.NewMockConn("a")
			b := testutils.NewMockConn("b")
			c := testutils.NewMockConn("c")
			f.dir.AddMember("r1", a, "alice")
			f.dir.AddMember("r1", b, "bob")
			f.dir.AddMember("r1", c, "carol")

			result, err := f.relay.Relay(context.Background(), "r1", a, "hello")
			require.NoError(t, err)
			assert.Equal(t, internal.OutcomeDelivered, result.Outcome)
			assert.Zero(t, result.Failed)

			assert.Equal(t, []string{"hello"}, b.Sent())
			assert.Equal(t, []string{"hello"}, c.Sent())
			assert.Equal(t, tt.wantSender, append([]string{}, a.Sent()...))
			assert.Empty(t, f.pending.Pending("r1"))
		})
	}
}

// TestRelay_PartialFailure 測試單一成員失敗不影響其他成員
func TestRelay_PartialFailure(t *testing.T) {
	f := newRelayFixture(internal.EchoExcludeSender, 20*time.Millisecond)
	a := testutils.NewMockConn("a")
	broken := testutils.NewMockConn("broken")
	slow := testutils.NewMockConn("slow")
	healthy := testutils.NewMockConn("healthy")
	f.dir.AddMember("r1", a, "alice")
	f.dir.AddMember("r1", broken, "bob")
	f.dir.AddMember("r1", slow, "carol")
	f.dir.AddMember("r1", healthy, "dave")

	broken.FailSend.Store(true)
	slow.BlockSend.Store(true)

	result, err := f.relay.Relay(context.Background(), "r1", a, "offer")
	require.NoError(t, err)
	assert.Equal(t, 3, result.Attempted)
	assert.Equal(t, 2, result.Failed)
	assert.Equal(t, []string{"offer"}, healthy.Sent())

	// 失敗的成員仍在房間中，移除由其會話負責
	members, _ := f.dir.Snapshot("r1")
	assert.Len(t, members, 4)
}

// TestRelay_InvariantViolations 測試房間不存在或非成員
func TestRelay_InvariantViolations(t *testing.T) {
	f := newRelayFixture(internal.EchoExcludeSender, time.Second)
	a := testutils.NewMockConn("a")
	outsider := testutils.NewMockConn("outsider")

	_, err := f.relay.Relay(context.Background(), "missing", a, "x")
	assert.True(t, apperrors.IsRoomNotFound(err))

	f.dir.AddMember("r1", a, "alice")
	_, err = f.relay.Relay(context.Background(), "r1", outsider, "x")
	assert.True(t, apperrors.IsNotMember(err))
	assert.Empty(t, f.pending.Pending("r1"))
}

// TestRelay_OrderPreservedPerSender 測試同一發送者的訊息順序
func TestRelay_OrderPreservedPerSender(t *testing.T) {
	f := newRelayFixture(internal.EchoExcludeSender, time.Second)
	a := testutils.NewMockConn("a")
	b := testutils.NewMockConn("b")
	f.dir.AddMember("r1", a, "alice")
	f.dir.AddMember("r1", b, "bob")

	want := []string{"offer", "candidate-1", "candidate-2", "candidate-3"}
	for _, m := range want {
		_, err := f.relay.Relay(context.Background(), "r1", a, m)
		require.NoError(t, err)
	}

	assert.Equal(t, want, b.Sent())
}

// TestRelay_SlowRoomDoesNotBlockOtherRooms 測試單一房間的慢速成員不影響其他房間
func TestRelay_SlowRoomDoesNotBlockOtherRooms(t *testing.T) {
	f := newRelayFixture(internal.EchoExcludeSender, 2*time.Second)
	a := testutils.NewMockConn("a")
	stalled := testutils.NewMockConn("stalled")
	f.dir.AddMember("stalled-room", a, "alice")
	f.dir.AddMember("stalled-room", stalled, "bob")
	stalled.BlockSend.Store(true)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = f.relay.Relay(context.Background(), "stalled-room", a, "offer")
	}()
	testutils.WaitForCondition(t, func() bool {
		return stalled.SendCalls.Load() > 0
	}, time.Second, "relay blocked on stalled member")

	// 房間數足夠多，任何以雜湊分組的鎖都會有碰撞
	for i := 0; i < 128; i++ {
		roomID := fmt.Sprintf("room-%d", i)
		sender := testutils.NewMockConn(roomID + "-sender")
		receiver := testutils.NewMockConn(roomID + "-receiver")
		f.dir.AddMember(roomID, sender, "s")
		f.dir.AddMember(roomID, receiver, "r")

		start := time.Now()
		result, err := f.relay.Relay(context.Background(), roomID, sender, "ping")
		require.NoError(t, err)
		assert.Equal(t, internal.OutcomeDelivered, result.Outcome)
		assert.Less(t, time.Since(start), 200*time.Millisecond, roomID)
		assert.Equal(t, []string{"ping"}, receiver.Sent())
	}

	select {
	case <-done:
		t.Fatal("stalled relay finished before its send timeout")
	default:
	}

	stalled.Close()
	<-done
}
