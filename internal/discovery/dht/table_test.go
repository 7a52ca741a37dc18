package dht

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUpsertInsertsAndMoveToBackOnHit(t *testing.T) {
	table := New("self")

	n := Node{NodeID: "peer-1", Host: "10.0.0.1", P2PPort: 7946, LastSeen: time.Now()}
	require.True(t, table.Upsert(n, 300*time.Second, 3))
	assert.Equal(t, 1, table.Size())

	// Re-observing the same node should refresh it, not duplicate it.
	n.LastSeen = time.Now()
	require.True(t, table.Upsert(n, 300*time.Second, 3))
	assert.Equal(t, 1, table.Size())
}

func TestUpsertEvictsStaleNodeWhenBucketFull(t *testing.T) {
	table := New("self")

	// Insert 64 nodes that were all last seen an hour ago. Thirteen of
	// them hash into the same bucket as "fresh-node", so that bucket
	// fills to K and the later ones are rejected.
	for i := 0; i < 64; i++ {
		n := Node{NodeID: fmt.Sprintf("peer-%d", i), Host: "10.0.0.1", P2PPort: 7946, LastSeen: time.Now().Add(-time.Hour)}
		table.Upsert(n, 300*time.Second, 3)
	}
	assert.LessOrEqual(t, table.Size(), 64)
	b := table.bucketFor(NodeID("fresh-node"))
	require.Len(t, b.nodes, K)

	// The bucket is full, so the fresh node gets in only by evicting a
	// stale entry; the bucket stays at K.
	fresh := Node{NodeID: "fresh-node", Host: "10.0.0.2", P2PPort: 7946, LastSeen: time.Now()}
	require.True(t, table.Upsert(fresh, 300*time.Second, 3))
	assert.Len(t, b.nodes, K)

	closest := table.Closest(NodeID("fresh-node"), 1)
	require.Len(t, closest, 1)
	assert.Equal(t, "fresh-node", closest[0].NodeID)
}

func TestClosestOrdersByXORDistance(t *testing.T) {
	table := New("self")
	for i := 0; i < 20; i++ {
		n := Node{NodeID: fmt.Sprintf("node-%d", i), Host: "10.0.0.1", P2PPort: 7946, LastSeen: time.Now()}
		table.Upsert(n, 300*time.Second, 3)
	}

	target := NodeID("node-5")
	closest := table.Closest(target, K)
	require.NotEmpty(t, closest)
	// node-5 itself (distance zero) should be first if present.
	found := false
	for i, n := range closest {
		if n.NodeID == "node-5" {
			found = true
			assert.Equal(t, 0, i, "node-5 is at distance zero")
		}
	}
	assert.True(t, found || len(closest) == K)
	for i := 1; i < len(closest); i++ {
		assert.False(t, lessDistance(Distance(target, closest[i].ID), Distance(target, closest[i-1].ID)))
	}
}

func TestMarkFailedIncrementsCounter(t *testing.T) {
	table := New("self")
	n := Node{NodeID: "flaky", Host: "10.0.0.1", P2PPort: 7946, LastSeen: time.Now()}
	table.Upsert(n, 300*time.Second, 3)

	table.MarkFailed("flaky")
	table.MarkFailed("flaky")

	closest := table.Closest(NodeID("flaky"), K)
	for _, c := range closest {
		if c.NodeID == "flaky" {
			assert.Equal(t, 2, c.FailCount)
		}
	}
}

func TestRemoveDeletesNode(t *testing.T) {
	table := New("self")
	n := Node{NodeID: "gone", Host: "10.0.0.1", P2PPort: 7946, LastSeen: time.Now()}
	table.Upsert(n, 300*time.Second, 3)
	require.Equal(t, 1, table.Size())

	table.Remove("gone")
	assert.Equal(t, 0, table.Size())
}
