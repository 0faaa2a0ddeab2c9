package nats

import (
	"context"
	"testing"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/require"
)

func startTestServer(t *testing.T) *server.Server {
	t.Helper()
	opts := &server.Options{Host: "127.0.0.1", Port: -1}
	srv, err := server.NewServer(opts)
	require.NoError(t, err)
	go srv.Start()
	if !srv.ReadyForConnections(2 * time.Second) {
		t.Fatal("nats test server did not become ready")
	}
	t.Cleanup(srv.Shutdown)
	return srv
}

func TestBroadcast_PublishSubscribe(t *testing.T) {
	srv := startTestServer(t)
	conn, err := nats.Connect(srv.ClientURL())
	require.NoError(t, err)
	t.Cleanup(conn.Close)

	b := NewWithConn(conn)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := b.Subscribe(ctx, "failover")
	require.NoError(t, err)

	require.NoError(t, b.Publish(ctx, "failover", []byte(`{"new_primary":"node-b"}`)))

	select {
	case msg := <-ch:
		require.Equal(t, `{"new_primary":"node-b"}`, string(msg))
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for broadcast message")
	}
}
