package nudge

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startTestNATSServer(t *testing.T) *natsserver.Server {
	t.Helper()
	server, err := natsserver.NewServer(&natsserver.Options{
		Host:   "127.0.0.1",
		Port:   -1,
		NoLog:  true,
		NoSigs: true,
	})
	require.NoError(t, err)

	go server.Start()
	if !server.ReadyForConnections(5 * time.Second) {
		t.Fatal("NATS server not ready")
	}
	t.Cleanup(func() {
		server.Shutdown()
		server.WaitForShutdown()
	})
	return server
}

func TestNATSRequester_Publishes(t *testing.T) {
	server := startTestNATSServer(t)
	nc, err := Connect(server.ClientURL(), nil)
	require.NoError(t, err)
	defer nc.Close()

	msgs := make(chan *nats.Msg, 1)
	sub, err := nc.ChanSubscribe("reflectd.nudges.request", msgs)
	require.NoError(t, err)
	defer func() { _ = sub.Unsubscribe() }()
	require.NoError(t, nc.Flush())

	r := NewNATSRequester(nc, "reflectd.nudges.request", nil)
	require.NoError(t, r.RequestNudges(context.Background(), Request{
		ThreadID:  "global",
		MessageID: "m1",
		Text:      "Hello",
	}))

	select {
	case msg := <-msgs:
		var got Request
		require.NoError(t, json.Unmarshal(msg.Data, &got))
		assert.Equal(t, "global", got.ThreadID)
		assert.Equal(t, "m1", got.MessageID)
		assert.Equal(t, "Hello", got.Text)
		assert.False(t, got.RequestedAt.IsZero())
	case <-time.After(2 * time.Second):
		t.Fatal("no nudge request received")
	}
}

type failingPublisher struct{}

func (failingPublisher) Publish(string, []byte) error { return errors.New("connection closed") }

func TestNATSRequester_PublishError(t *testing.T) {
	r := NewNATSRequester(failingPublisher{}, "s", nil)
	err := r.RequestNudges(context.Background(), Request{ThreadID: "t"})
	assert.ErrorContains(t, err, "publish nudge request")
}

func TestNATSRequester_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	r := NewNATSRequester(failingPublisher{}, "s", nil)
	assert.ErrorIs(t, r.RequestNudges(ctx, Request{}), context.Canceled)
}

func TestUnconfigured(t *testing.T) {
	assert.ErrorIs(t, Unconfigured{}.RequestNudges(context.Background(), Request{}), ErrNotConfigured)
}
