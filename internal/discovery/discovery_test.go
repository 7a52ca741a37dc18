package discovery

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mfrederico/voidlux-sub002/internal/codec"
	"github.com/mfrederico/voidlux-sub002/internal/discovery/dht"
	"github.com/mfrederico/voidlux-sub002/internal/mesh"
	"github.com/mfrederico/voidlux-sub002/internal/peer"
	"github.com/mfrederico/voidlux-sub002/internal/storage"
	"github.com/mfrederico/voidlux-sub002/internal/types"
)

func newTestDiscovery(t *testing.T, nodeID string, port int) (*Discovery, *peer.Manager) {
	t.Helper()
	store, err := storage.NewSQLiteStore(t.TempDir(), port, nodeID)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	m := mesh.New(mesh.Config{NodeID: nodeID, Role: types.RoleWorker, BindHost: "127.0.0.1", Port: port}, nil, nil, nil)
	require.NoError(t, m.Start(context.Background()))
	t.Cleanup(func() { _ = m.Stop() })

	pm := peer.New(nodeID, store, m)
	require.NoError(t, pm.Start())
	t.Cleanup(pm.Stop)

	d := New(Config{NodeID: nodeID, Role: types.RoleWorker, Host: "127.0.0.1", P2PPort: port, DiscoveryPort: 0}, pm, m)
	return d, pm
}

func TestHandleDHTAnnounceObservesPeer(t *testing.T) {
	d, pm := newTestDiscovery(t, "node-disc-a", 19571)

	d.HandleDHTAnnounce(codec.DHTAnnounce{NodeID: "node-disc-b", Host: "127.0.0.1", P2PPort: 19572})

	require.Eventually(t, func() bool {
		for _, p := range pm.Peers() {
			if p.NodeID == "node-disc-b" {
				return true
			}
		}
		return false
	}, time.Second, 10*time.Millisecond)
	require.Equal(t, 1, d.Table().Size())
}

func TestHandleDHTAnnounceIgnoresSelf(t *testing.T) {
	d, _ := newTestDiscovery(t, "node-disc-c", 19573)
	d.HandleDHTAnnounce(codec.DHTAnnounce{NodeID: "node-disc-c", Host: "127.0.0.1", P2PPort: 19573})
	require.Equal(t, 0, d.Table().Size())
}

func TestHandlePEXAddsUnknownPeers(t *testing.T) {
	d, pm := newTestDiscovery(t, "node-disc-d", 19574)

	d.HandlePEX(codec.PEX{Peers: []codec.PEXEntry{
		{NodeID: "node-disc-e", Host: "127.0.0.1", P2PPort: 19575},
	}})

	require.Eventually(t, func() bool {
		for _, p := range pm.Peers() {
			if p.NodeID == "node-disc-e" {
				return true
			}
		}
		return false
	}, time.Second, 10*time.Millisecond)
}

// newRoutedTestDiscovery wires the mesh's inbound handler straight to
// the Discovery's own HandleDHTLookup/HandleDHTLookupRsp, mirroring
// the opcode dispatch internal/node's construction root performs in
// production, so Lookup's round trips actually complete in-process.
func newRoutedTestDiscovery(t *testing.T, nodeID string, port int) (*Discovery, *peer.Manager) {
	t.Helper()
	store, err := storage.NewSQLiteStore(t.TempDir(), port, nodeID)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	var d *Discovery
	onMessage := func(from string, env codec.Envelope) {
		switch env.Type {
		case codec.OpDHTLookup:
			var msg codec.DHTLookup
			if codec.DecodePayload(env, &msg) == nil {
				d.HandleDHTLookup(from, msg)
			}
		case codec.OpDHTLookupRsp:
			var msg codec.DHTLookupRsp
			if codec.DecodePayload(env, &msg) == nil {
				d.HandleDHTLookupRsp(msg)
			}
		}
	}

	m := mesh.New(mesh.Config{NodeID: nodeID, Role: types.RoleWorker, BindHost: "127.0.0.1", Port: port}, onMessage, nil, nil)
	require.NoError(t, m.Start(context.Background()))
	t.Cleanup(func() { _ = m.Stop() })

	pm := peer.New(nodeID, store, m)
	require.NoError(t, pm.Start())
	t.Cleanup(pm.Stop)

	d = New(Config{NodeID: nodeID, Role: types.RoleWorker, Host: "127.0.0.1", P2PPort: port, DiscoveryPort: 0}, pm, m)
	return d, pm
}

func TestLookupConvergesViaPeerRoundTrip(t *testing.T) {
	a, _ := newRoutedTestDiscovery(t, "node-disc-f", 19576)
	b, _ := newRoutedTestDiscovery(t, "node-disc-g", 19577)

	require.NoError(t, a.m.ConnectTo("127.0.0.1:19577"))
	require.Eventually(t, func() bool {
		return a.m.Connected("node-disc-g") && b.m.Connected("node-disc-f")
	}, time.Second, 10*time.Millisecond)

	a.table.Upsert(dht.Node{NodeID: "node-disc-g", Host: "127.0.0.1", P2PPort: 19577}, bucketIdleRefresh, 3)
	b.table.Upsert(dht.Node{NodeID: "node-disc-h", Host: "127.0.0.1", P2PPort: 19578}, bucketIdleRefresh, 3)

	found := a.Lookup(dht.NodeID("node-disc-h"))

	var gotThird bool
	for _, n := range found {
		if n.NodeID == "node-disc-h" {
			gotThird = true
		}
	}
	require.True(t, gotThird, "lookup should surface the node known only to the queried peer")
}

func TestLookupReturnsEmptyWithNoKnownNodes(t *testing.T) {
	d, _ := newTestDiscovery(t, "node-disc-i", 19579)
	found := d.Lookup(dht.NodeID("nobody"))
	require.Empty(t, found)
}

func TestRefreshStaleBucketsTouchesStaleIndices(t *testing.T) {
	d, _ := newTestDiscovery(t, "node-disc-j", 19580)
	d.table.Upsert(dht.Node{NodeID: "node-disc-k", Host: "127.0.0.1", P2PPort: 19581, LastSeen: time.Now()}, bucketIdleRefresh, 3)

	require.NotEmpty(t, d.table.StaleBuckets(0))
	d.RefreshStaleBuckets()
	require.Empty(t, d.table.StaleBuckets(0))
}
