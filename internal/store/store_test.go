package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/dkeye/FindIt/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTest(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), DriverSQLite, filepath.Join(t.TempDir(), "findit.db"), time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestRebind(t *testing.T) {
	assert.Equal(t, "SELECT * FROM t WHERE a = $1 AND b = $2", rebind("SELECT * FROM t WHERE a = ? AND b = ?"))
	assert.Equal(t, "SELECT 1", rebind("SELECT 1"))
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	_, err := Open(context.Background(), "mongo", "x", time.Second)
	assert.Error(t, err)
}

func TestCallLifecycle(t *testing.T) {
	ctx := context.Background()
	s := openTest(t)
	t0 := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, s.CreateCall(ctx, domain.CallRecord{
		ID: "c1", Caller: "alice", Callee: "bob", Type: domain.CallAudio,
		Status: domain.CallRinging, ResponseID: "r1", CreatedAt: t0,
	}))
	started := t0.Add(2 * time.Second)
	require.NoError(t, s.UpdateCall(ctx, "c1", domain.CallUpdate{Status: domain.CallConnected, StartedAt: &started}))
	ended := t0.Add(9 * time.Second)
	dur := int64(9)
	require.NoError(t, s.UpdateCall(ctx, "c1", domain.CallUpdate{Status: domain.CallCompleted, Duration: &dur, EndedAt: &ended}))

	require.NoError(t, s.CreateCall(ctx, domain.CallRecord{
		ID: "c2", Caller: "bob", Callee: "alice", Type: domain.CallVideo,
		Status: domain.CallRinging, ResponseID: "r1", CreatedAt: t0.Add(time.Minute),
	}))
	require.NoError(t, s.UpdateCall(ctx, "c2", domain.CallUpdate{Status: domain.CallMissed}))

	calls, err := s.CallsForResponse(ctx, "r1")
	require.NoError(t, err)
	require.Len(t, calls, 2)
	assert.Equal(t, domain.CallID("c2"), calls[0].ID, "newest first")
	assert.Equal(t, domain.CallMissed, calls[0].Status)
	assert.Nil(t, calls[0].EndedAt)

	c1 := calls[1]
	assert.Equal(t, domain.CallCompleted, c1.Status)
	assert.Equal(t, int64(9), c1.Duration)
	require.NotNil(t, c1.StartedAt)
	assert.True(t, started.Equal(*c1.StartedAt))
	require.NotNil(t, c1.EndedAt)
	assert.True(t, ended.Equal(*c1.EndedAt))
	assert.True(t, t0.Equal(c1.CreatedAt))

	err = s.UpdateCall(ctx, "ghost", domain.CallUpdate{Status: domain.CallFailed})
	assert.ErrorIs(t, err, ErrNotFound)

	none, err := s.CallsForResponse(ctx, "r2")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestMessagesAndReads(t *testing.T) {
	ctx := context.Background()
	s := openTest(t)
	t0 := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	m1, err := domain.NewMessage("r1", "alice", "I think I found your wallet", t0)
	require.NoError(t, err)
	m2, err := domain.NewMessage("r1", "bob", "Great, is it brown?", t0.Add(time.Second))
	require.NoError(t, err)
	require.NoError(t, s.SaveMessage(ctx, m1))
	require.NoError(t, s.SaveMessage(ctx, m2))

	n, err := s.MarkRead(ctx, "r1", "bob")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n, "only alice's message is new to bob")
	n, err = s.MarkRead(ctx, "r1", "bob")
	require.NoError(t, err)
	assert.Zero(t, n)

	msgs, err := s.MessagesForResponse(ctx, "r1")
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, m1.ID, msgs[0].ID)
	assert.Equal(t, "I think I found your wallet", msgs[0].Content)
	assert.ElementsMatch(t, []domain.UserID{"alice", "bob"}, msgs[0].ReadBy)
	assert.Equal(t, []domain.UserID{"bob"}, msgs[1].ReadBy)

	empty, err := s.MessagesForResponse(ctx, "nothing")
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestResponses(t *testing.T) {
	ctx := context.Background()
	s := openTest(t)

	_, err := s.Response(ctx, "r1")
	assert.ErrorIs(t, err, ErrNotFound)

	r := domain.Response{ID: "r1", ItemOwner: "alice", Responder: "bob", Status: domain.ResponsePending, UpdatedAt: time.Now()}
	require.NoError(t, s.SaveResponse(ctx, r))
	r.Status = domain.ResponseAccepted
	require.NoError(t, s.SaveResponse(ctx, r))

	got, err := s.Response(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, domain.ResponseAccepted, got.Status)
	assert.NoError(t, got.ChatAllowed("bob"))
	assert.ErrorIs(t, got.ChatAllowed("mallory"), domain.ErrNotParticipant)
}
