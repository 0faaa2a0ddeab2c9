package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/swarmguard/flowguard/internal/domain"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	return NewWithClient(client)
}

func TestStore_SetGet(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Set(ctx, "nodes/n1", []byte("payload"), time.Minute))

	val, err := s.Get(ctx, "nodes/n1")
	require.NoError(t, err)
	require.Equal(t, "payload", string(val))
}

func TestStore_Get_NotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Get(context.Background(), "ghost")
	require.Error(t, err)
	var nfe *domain.NotFoundError
	require.ErrorAs(t, err, &nfe)
}

func TestStore_CompareAndSet_WinsOnAbsent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	ok, err := s.CompareAndSet(ctx, "primary", nil, []byte("node-a"), time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	val, err := s.Get(ctx, "primary")
	require.NoError(t, err)
	require.Equal(t, "node-a", string(val))
}

func TestStore_CompareAndSet_LosesOnMismatch(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	_, err := s.CompareAndSet(ctx, "primary", nil, []byte("node-a"), time.Minute)
	require.NoError(t, err)

	ok, err := s.CompareAndSet(ctx, "primary", []byte("node-b"), []byte("node-c"), time.Minute)
	require.NoError(t, err)
	require.False(t, ok)

	val, err := s.Get(ctx, "primary")
	require.NoError(t, err)
	require.Equal(t, "node-a", string(val))
}

func TestStore_ListPrefix(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Set(ctx, "nodes/n1", []byte("a"), time.Minute))
	require.NoError(t, s.Set(ctx, "nodes/n2", []byte("b"), time.Minute))
	require.NoError(t, s.Set(ctx, "claims/wf-1", []byte("c"), time.Minute))

	nodes, err := s.ListPrefix(ctx, "nodes/")
	require.NoError(t, err)
	require.Len(t, nodes, 2)
}

func TestStore_PublishSubscribe(t *testing.T) {
	s := newTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := s.Subscribe(ctx, "failover")
	require.NoError(t, err)

	require.NoError(t, s.Publish(ctx, "failover", []byte(`{"new_primary":"node-b"}`)))

	select {
	case msg := <-ch:
		require.Equal(t, `{"new_primary":"node-b"}`, string(msg))
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
	}
}
