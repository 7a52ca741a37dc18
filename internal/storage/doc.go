/*
Package storage provides SQLite-backed state persistence for a single
VoidLux node's tasks, agents, peer cache, and consensus log.

Each node owns exactly one copy of its data (§3: "each node
exclusively owns its local copy of every table"); distribution across
the mesh happens by gossiping creates/updates, never by sharing a
database file. Two database files are opened per node:

	swarm-<p2p_port>.db      tasks, agents, peers, swarm_state
	consensus-<node_id>.db   consensus_log, upgrade_history (created
	                         on every node, whatever its role)

Both are opened with WAL journal mode and NORMAL synchronous mode
(§6). The separation exists so a node can be rebuilt from anti-entropy
(dropping and repopulating swarm-*.db) without touching its own
committed consensus log.

# Why SQLite and not a key-value store

The task claim in §4.10 is specified as a single atomic statement:

	UPDATE tasks SET status='claimed', assigned_to=?, assigned_node=?,
	  lamport_ts=?, claimed_at=? WHERE id=? AND status='pending'

and the claim's correctness depends on the driver reporting how many
rows that one statement affected. A relational engine gives this for
free; a key-value b-tree store would need a hand-rolled
compare-and-swap loop per §9's design note on non-SQL ports. SQLite
(via github.com/mattn/go-sqlite3) is the natural fit for an embedded,
zero-server, single-process store with this primitive.
*/
package storage
