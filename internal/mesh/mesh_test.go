package mesh

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mfrederico/voidlux-sub002/internal/codec"
	"github.com/mfrederico/voidlux-sub002/internal/types"
)

func TestHandshakeNoAuth(t *testing.T) {
	ctx := context.Background()

	received := make(chan codec.Envelope, 4)
	serverCfg := Config{NodeID: "node-server", Role: types.RoleWorker, BindHost: "127.0.0.1", Port: 19461}
	server := New(serverCfg, func(from string, env codec.Envelope) { received <- env }, nil, nil)
	require.NoError(t, server.Start(ctx))
	defer server.Stop()

	clientCfg := Config{NodeID: "node-client", Role: types.RoleWorker, BindHost: "127.0.0.1", Port: 19462}
	client := New(clientCfg, nil, nil, nil)
	require.NoError(t, client.Start(ctx))
	defer client.Stop()

	require.NoError(t, client.ConnectTo("127.0.0.1:19461"))

	require.Eventually(t, func() bool {
		return server.Connected("node-client") && client.Connected("node-server")
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, client.SendTo("node-server", codec.OpPing, codec.Ping{}))

	select {
	case env := <-received:
		require.Equal(t, codec.OpPing, env.Type)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
	}
}

func TestHandshakeAuthRejectsWrongSecret(t *testing.T) {
	ctx := context.Background()

	serverCfg := Config{NodeID: "node-server2", Role: types.RoleWorker, BindHost: "127.0.0.1", Port: 19463, AuthSecret: []byte("right-secret")}
	server := New(serverCfg, nil, nil, nil)
	require.NoError(t, server.Start(ctx))
	defer server.Stop()

	clientCfg := Config{NodeID: "node-client2", Role: types.RoleWorker, BindHost: "127.0.0.1", Port: 19464, AuthSecret: []byte("wrong-secret")}
	client := New(clientCfg, nil, nil, nil)
	require.NoError(t, client.Start(ctx))
	defer client.Stop()

	_ = client.ConnectTo("127.0.0.1:19463")

	require.Never(t, func() bool {
		return server.Connected("node-client2")
	}, 500*time.Millisecond, 25*time.Millisecond)
}

func TestHandshakeAuthAcceptsMatchingSecret(t *testing.T) {
	ctx := context.Background()

	secret := []byte("shared-secret")
	serverCfg := Config{NodeID: "node-server3", Role: types.RoleEmperor, BindHost: "127.0.0.1", Port: 19465, AuthSecret: secret}
	server := New(serverCfg, nil, nil, nil)
	require.NoError(t, server.Start(ctx))
	defer server.Stop()

	clientCfg := Config{NodeID: "node-client3", Role: types.RoleWorker, BindHost: "127.0.0.1", Port: 19466, AuthSecret: secret}
	client := New(clientCfg, nil, nil, nil)
	require.NoError(t, client.Start(ctx))
	defer client.Stop()

	require.NoError(t, client.ConnectTo("127.0.0.1:19465"))

	require.Eventually(t, func() bool {
		return server.Connected("node-client3") && client.Connected("node-server3")
	}, 2*time.Second, 10*time.Millisecond)
}
