package peer

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mfrederico/voidlux-sub002/internal/mesh"
	"github.com/mfrederico/voidlux-sub002/internal/storage"
	"github.com/mfrederico/voidlux-sub002/internal/types"
)

func newTestManager(t *testing.T, nodeID string, port int) (*Manager, *mesh.Mesh) {
	t.Helper()
	store, err := storage.NewSQLiteStore(t.TempDir(), port, nodeID)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	m := mesh.New(mesh.Config{NodeID: nodeID, Role: types.RoleWorker, BindHost: "127.0.0.1", Port: port}, nil, nil, nil)
	require.NoError(t, m.Start(context.Background()))
	t.Cleanup(func() { _ = m.Stop() })

	mgr := New(nodeID, store, m)
	require.NoError(t, mgr.Start())
	t.Cleanup(mgr.Stop)
	return mgr, m
}

func TestObserveConnectsToNewPeer(t *testing.T) {
	_, serverMesh := newTestManager(t, "node-a", 19561)
	_ = serverMesh

	clientMgr, _ := newTestManager(t, "node-b", 19562)
	clientMgr.Observe("127.0.0.1", 19561, 0, "node-a", types.RoleWorker)

	require.Eventually(t, func() bool {
		peers := clientMgr.Peers()
		for _, p := range peers {
			if p.NodeID == "node-a" {
				return true
			}
		}
		return false
	}, 2*time.Second, 20*time.Millisecond)
}

func TestObserveIgnoresSelf(t *testing.T) {
	mgr, _ := newTestManager(t, "node-self", 19563)
	mgr.Observe("127.0.0.1", 19563, 0, "node-self", types.RoleWorker)
	require.Len(t, mgr.Peers(), 0)
}

func TestBackoffGrowsAndCaps(t *testing.T) {
	mgr, _ := newTestManager(t, "node-c", 19564)
	mgr.knownAddrs["127.0.0.1:1"] = &addrState{backoff: initialBackoff}

	mgr.backoffAddr("127.0.0.1:1")
	mgr.backoffAddr("127.0.0.1:1")
	mgr.backoffAddr("127.0.0.1:1")
	mgr.backoffAddr("127.0.0.1:1")
	mgr.backoffAddr("127.0.0.1:1")
	mgr.backoffAddr("127.0.0.1:1")
	mgr.backoffAddr("127.0.0.1:1")

	require.LessOrEqual(t, mgr.knownAddrs["127.0.0.1:1"].backoff, maxBackoff)
}
