package internal_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/koopa0/system-design/signaling-relay/internal"
	"github.com/koopa0/system-design/signaling-relay/internal/testutils"
	"github.com/koopa0/system-design/signaling-relay/pkg/logger"
)

// TestPresence_BroadcastRoster 測試名單廣播
func TestPresence_BroadcastRoster(t *testing.T) {
	dir := newTestDirectory()
	presence := internal.NewPresence(dir, time.Second, logger.Discard(), nil)

	a := testutils.NewMockConn("a")
	b := testutils.NewMockConn("b")
	dir.AddMember("r1", a, "alice")
	dir.AddMember("r1", b, "bob")

	sent, ok := presence.BroadcastRoster(context.Background(), "r1")
	require.True(t, ok)
	assert.Equal(t, 2, sent)

	for _, c := range []*testutils.MockConn{a, b} {
		messages := c.Sent()
		require.Len(t, messages, 1)
		assert.JSONEq(t, `{"type":"userList","users":["alice","bob"]}`, messages[0])
	}
}

// TestPresence_MissingRoom 測試房間已刪除時不廣播
func TestPresence_MissingRoom(t *testing.T) {
	presence := internal.NewPresence(newTestDirectory(), time.Second, logger.Discard(), nil)

	sent, ok := presence.BroadcastRoster(context.Background(), "gone")
	assert.False(t, ok)
	assert.Zero(t, sent)
}

// TestPresence_FailureDoesNotAbort 測試單一成員失敗不中斷廣播
func TestPresence_FailureDoesNotAbort(t *testing.T) {
	dir := newTestDirectory()
	presence := internal.NewPresence(dir, time.Second, logger.Discard(), nil)

	a := testutils.NewMockConn("a")
	b := testutils.NewMockConn("b")
	c := testutils.NewMockConn("c")
	dir.AddMember("r1", a, "alice")
	dir.AddMember("r1", b, "bob")
	dir.AddMember("r1", c, "carol")
	b.FailSend.Store(true)

	sent, ok := presence.BroadcastRoster(context.Background(), "r1")
	require.True(t, ok)
	assert.Equal(t, 2, sent)

	users, ok := testutils.LastUserList(c.Sent())
	require.True(t, ok)
	assert.Equal(t, []string{"alice", "bob", "carol"}, users)
}
