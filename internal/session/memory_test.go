package session

import (
	"context"
	"testing"
	"time"

	"github.com/dkeye/FindIt/internal/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStoreLifecycle(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	s := NewMemoryStore(time.Minute)
	s.now = func() time.Time { return now }

	got, err := s.Get(ctx, "alice")
	require.NoError(t, err)
	assert.Nil(t, got)

	require.NoError(t, s.Create(ctx, &core.Session{UserID: "alice", ConnID: "c1", ServerID: "node-1", ConnectedAt: now}))
	got, err = s.Get(ctx, "alice")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, core.ConnID("c1"), got.ConnID)

	now = now.Add(50 * time.Second)
	require.NoError(t, s.RefreshTTL(ctx, "alice"))
	now = now.Add(50 * time.Second)
	got, _ = s.Get(ctx, "alice")
	assert.NotNil(t, got, "refresh extends the lifetime")

	now = now.Add(2 * time.Minute)
	got, _ = s.Get(ctx, "alice")
	assert.Nil(t, got, "expired")

	require.NoError(t, s.Create(ctx, &core.Session{UserID: "bob"}))
	require.NoError(t, s.Delete(ctx, "bob"))
	got, _ = s.Get(ctx, "bob")
	assert.Nil(t, got)
	assert.NoError(t, s.RefreshTTL(ctx, "ghost"))
}
