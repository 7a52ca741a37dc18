// Package dht implements the Kademlia routing table described in §4.5:
// 128-bit node identifiers, K=8 buckets indexed by XOR distance,
// move-to-back-on-hit upsert semantics, and an eviction policy that
// prefers long-lived peers over newly observed ones.
package dht

import (
	"crypto/sha256"
	"sort"
	"sync"
	"time"
)

// K is the bucket capacity (§4.5).
const K = 8

// Alpha is the iterative-lookup concurrency parameter.
const Alpha = 3

// IDBits is the key space size; IDs are derived by hashing a node's
// string node_id and truncating to 128 bits.
const IDBits = 128

// ID is a 128-bit Kademlia key.
type ID [IDBits / 8]byte

// NodeID derives the Kademlia ID for a VoidLux node_id string.
func NodeID(nodeID string) ID {
	sum := sha256.Sum256([]byte(nodeID))
	var id ID
	copy(id[:], sum[:len(id)])
	return id
}

// Distance is the XOR metric between two IDs.
func Distance(a, b ID) ID {
	var d ID
	for i := range d {
		d[i] = a[i] ^ b[i]
	}
	return d
}

// leadingZeros returns the number of leading zero bits in id, used to
// pick a bucket index (0 = the highest bit differs, IDBits-1 = only
// the lowest bit differs, IDBits = identical IDs).
func leadingZeros(id ID) int {
	for i, b := range id {
		if b == 0 {
			continue
		}
		for bit := 7; bit >= 0; bit-- {
			if b&(1<<uint(bit)) != 0 {
				return i*8 + (7 - bit)
			}
		}
	}
	return IDBits
}

// Node is one entry in the routing table.
type Node struct {
	NodeID    string
	Host      string
	P2PPort   int
	ID        ID
	LastSeen  time.Time
	FailCount int
}

type bucket struct {
	nodes      []Node // ordered oldest (front) to most recently seen (back)
	lastTouched time.Time
}

// Table is a Kademlia routing table rooted at a local node ID.
type Table struct {
	self ID

	mu      sync.Mutex
	buckets [IDBits + 1]*bucket
}

// New constructs an empty routing table for selfNodeID.
func New(selfNodeID string) *Table {
	t := &Table{self: NodeID(selfNodeID)}
	for i := range t.buckets {
		t.buckets[i] = &bucket{lastTouched: time.Now()}
	}
	return t
}

func (t *Table) bucketFor(id ID) *bucket {
	idx := leadingZeros(Distance(t.self, id))
	return t.buckets[idx]
}

// Upsert inserts or refreshes a node. On a hit the node moves to the
// back of its bucket (most-recently-seen). On a miss into a full
// bucket, the first node with LastSeen older than staleAfter or
// FailCount >= failThreshold is evicted; otherwise the new node is
// rejected (§4.5: "prefers long-lived peers").
func (t *Table) Upsert(n Node, staleAfter time.Duration, failThreshold int) (inserted bool) {
	n.ID = NodeID(n.NodeID)
	b := t.bucketFor(n.ID)

	t.mu.Lock()
	defer t.mu.Unlock()
	b.lastTouched = time.Now()

	for i, existing := range b.nodes {
		if existing.NodeID == n.NodeID {
			b.nodes = append(b.nodes[:i], b.nodes[i+1:]...)
			n.FailCount = 0
			b.nodes = append(b.nodes, n)
			return true
		}
	}

	if len(b.nodes) < K {
		b.nodes = append(b.nodes, n)
		return true
	}

	for i, existing := range b.nodes {
		if time.Since(existing.LastSeen) > staleAfter || existing.FailCount >= failThreshold {
			b.nodes = append(b.nodes[:i], b.nodes[i+1:]...)
			b.nodes = append(b.nodes, n)
			return true
		}
	}
	return false
}

// MarkFailed increments a node's fail counter, making it a better
// eviction candidate next time its bucket is full.
func (t *Table) MarkFailed(nodeID string) {
	id := NodeID(nodeID)
	b := t.bucketFor(id)

	t.mu.Lock()
	defer t.mu.Unlock()
	for i := range b.nodes {
		if b.nodes[i].NodeID == nodeID {
			b.nodes[i].FailCount++
			return
		}
	}
}

// Remove deletes a node from the table entirely.
func (t *Table) Remove(nodeID string) {
	id := NodeID(nodeID)
	b := t.bucketFor(id)

	t.mu.Lock()
	defer t.mu.Unlock()
	for i, existing := range b.nodes {
		if existing.NodeID == nodeID {
			b.nodes = append(b.nodes[:i], b.nodes[i+1:]...)
			return
		}
	}
}

// Closest returns up to k nodes ordered by ascending XOR distance to
// target.
func (t *Table) Closest(target ID, k int) []Node {
	t.mu.Lock()
	all := make([]Node, 0)
	for _, b := range t.buckets {
		all = append(all, b.nodes...)
	}
	t.mu.Unlock()

	sort.Slice(all, func(i, j int) bool {
		return lessDistance(Distance(target, all[i].ID), Distance(target, all[j].ID))
	})
	if len(all) > k {
		all = all[:k]
	}
	return all
}

func lessDistance(a, b ID) bool {
	for i := range a {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}

// StaleBuckets returns the index of every non-empty bucket that has
// not been touched (inserted into or queried) for longer than idle,
// for §4.5's periodic bucket refresh.
func (t *Table) StaleBuckets(idle time.Duration) []int {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []int
	cutoff := time.Now().Add(-idle)
	for i, b := range t.buckets {
		if len(b.nodes) > 0 && time.Since(b.lastTouched) > 0 && b.lastTouched.Before(cutoff) {
			out = append(out, i)
		}
	}
	return out
}

// Touch records that a bucket was just used for a lookup, resetting
// its staleness clock without inserting a node.
func (t *Table) Touch(idx int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if idx >= 0 && idx < len(t.buckets) {
		t.buckets[idx].lastTouched = time.Now()
	}
}

// Self returns the local node's derived Kademlia ID.
func (t *Table) Self() ID { return t.self }

// Size returns the total number of nodes currently held across all
// buckets.
func (t *Table) Size() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, b := range t.buckets {
		n += len(b.nodes)
	}
	return n
}
