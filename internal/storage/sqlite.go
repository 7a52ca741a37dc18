package storage

import (
	"database/sql"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/mfrederico/voidlux-sub002/internal/types"
)

// SQLiteStore implements Store on two SQLite databases per §6: a
// swarm database (tasks/agents/peers/state) and a companion consensus
// database (consensus_log, upgrade_history).
type SQLiteStore struct {
	swarm     *sql.DB
	consensus *sql.DB
}

const dsnSuffix = "?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000&_foreign_keys=on"

// NewSQLiteStore opens (creating if necessary) swarm-<p2pPort>.db and
// consensus-<nodeID>.db under dataDir, and creates their schemas.
func NewSQLiteStore(dataDir string, p2pPort int, nodeID string) (*SQLiteStore, error) {
	swarmPath := filepath.Join(dataDir, fmt.Sprintf("swarm-%d.db", p2pPort))
	consensusPath := filepath.Join(dataDir, fmt.Sprintf("consensus-%s.db", nodeID))

	swarm, err := sql.Open("sqlite3", swarmPath+dsnSuffix)
	if err != nil {
		return nil, fmt.Errorf("storage: open swarm db: %w", err)
	}
	swarm.SetMaxOpenConns(1)

	consensus, err := sql.Open("sqlite3", consensusPath+dsnSuffix)
	if err != nil {
		swarm.Close()
		return nil, fmt.Errorf("storage: open consensus db: %w", err)
	}
	consensus.SetMaxOpenConns(1)

	s := &SQLiteStore{swarm: swarm, consensus: consensus}
	if err := s.migrate(); err != nil {
		swarm.Close()
		consensus.Close()
		return nil, fmt.Errorf("storage: migrate: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	swarmSchema := []string{
		`CREATE TABLE IF NOT EXISTS tasks (
			id TEXT PRIMARY KEY,
			parent_id TEXT,
			title TEXT,
			description TEXT,
			work_instructions TEXT,
			acceptance_criteria TEXT,
			status TEXT NOT NULL,
			priority INTEGER NOT NULL DEFAULT 0,
			required_capabilities TEXT,
			created_by TEXT,
			assigned_to TEXT,
			assigned_node TEXT,
			result TEXT,
			error TEXT,
			progress TEXT,
			project_path TEXT,
			context TEXT,
			lamport_ts INTEGER NOT NULL DEFAULT 0,
			git_branch TEXT,
			claimed_at INTEGER,
			completed_at INTEGER,
			created_at INTEGER,
			updated_at INTEGER
		)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_status_priority ON tasks(status, priority DESC, created_at ASC)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_lamport ON tasks(lamport_ts)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_assigned_node ON tasks(assigned_node)`,
		`CREATE TABLE IF NOT EXISTS agents (
			id TEXT PRIMARY KEY,
			node_id TEXT NOT NULL,
			name TEXT,
			tool TEXT,
			model TEXT,
			capabilities TEXT,
			project_path TEXT,
			max_concurrent_tasks INTEGER NOT NULL DEFAULT 1,
			status TEXT NOT NULL,
			current_task_id TEXT,
			last_heartbeat INTEGER,
			lamport_ts INTEGER NOT NULL DEFAULT 0,
			registered_at INTEGER
		)`,
		`CREATE INDEX IF NOT EXISTS idx_agents_node ON agents(node_id)`,
		`CREATE INDEX IF NOT EXISTS idx_agents_status ON agents(status)`,
		`CREATE TABLE IF NOT EXISTS peers (
			node_id TEXT PRIMARY KEY,
			host TEXT,
			p2p_port INTEGER,
			http_port INTEGER,
			role TEXT,
			authenticated INTEGER,
			last_seen INTEGER,
			latency_ms REAL
		)`,
		`CREATE TABLE IF NOT EXISTS swarm_state (
			key TEXT PRIMARY KEY,
			value TEXT
		)`,
	}

	consensusSchema := []string{
		`CREATE TABLE IF NOT EXISTS consensus_log (
			id TEXT PRIMARY KEY,
			term INTEGER NOT NULL,
			log_index INTEGER NOT NULL,
			proposer_node_id TEXT,
			operation TEXT,
			payload BLOB,
			lamport_ts INTEGER NOT NULL DEFAULT 0,
			committed_at INTEGER,
			created_at INTEGER
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_consensus_log_index ON consensus_log(log_index)`,
		`CREATE TABLE IF NOT EXISTS upgrade_history (
			id TEXT PRIMARY KEY,
			from_commit TEXT,
			to_commit TEXT,
			status TEXT,
			initiated_by TEXT,
			failure_reason TEXT,
			nodes_total INTEGER,
			nodes_updated INTEGER,
			nodes_rolled_back INTEGER,
			started_at INTEGER,
			completed_at INTEGER
		)`,
	}

	for _, stmt := range swarmSchema {
		if _, err := s.swarm.Exec(stmt); err != nil {
			return fmt.Errorf("swarm schema %q: %w", stmt, err)
		}
	}
	for _, stmt := range consensusSchema {
		if _, err := s.consensus.Exec(stmt); err != nil {
			return fmt.Errorf("consensus schema %q: %w", stmt, err)
		}
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	err1 := s.swarm.Close()
	err2 := s.consensus.Close()
	if err1 != nil {
		return err1
	}
	return err2
}

// --- helpers ---

func joinCaps(caps []string) string   { return strings.Join(caps, ",") }
func splitCaps(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, ",")
}

func unixOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}

func timeOrZero(u int64) time.Time {
	if u == 0 {
		return time.Time{}
	}
	return time.Unix(u, 0).UTC()
}

// --- tasks ---

func (s *SQLiteStore) CreateTask(t *types.Task) error {
	_, err := s.swarm.Exec(`INSERT INTO tasks
		(id, parent_id, title, description, work_instructions, acceptance_criteria,
		 status, priority, required_capabilities, created_by, assigned_to, assigned_node,
		 result, error, progress, project_path, context, lamport_ts, git_branch,
		 claimed_at, completed_at, created_at, updated_at)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.ParentID, t.Title, t.Description, t.WorkInstructions, t.AcceptanceCriteria,
		string(t.Status), t.Priority, joinCaps(t.RequiredCapabilities), t.CreatedBy, t.AssignedTo, t.AssignedNode,
		t.Result, t.Error, t.Progress, t.ProjectPath, t.Context, t.LamportTS, t.GitBranch,
		unixOrZero(t.ClaimedAt), unixOrZero(t.CompletedAt), unixOrZero(t.CreatedAt), unixOrZero(t.UpdatedAt))
	if err != nil {
		return fmt.Errorf("storage: create task: %w", err)
	}
	return nil
}

func scanTask(row interface{ Scan(...interface{}) error }) (*types.Task, error) {
	var t types.Task
	var status, caps string
	var claimedAt, completedAt, createdAt, updatedAt int64
	err := row.Scan(&t.ID, &t.ParentID, &t.Title, &t.Description, &t.WorkInstructions, &t.AcceptanceCriteria,
		&status, &t.Priority, &caps, &t.CreatedBy, &t.AssignedTo, &t.AssignedNode,
		&t.Result, &t.Error, &t.Progress, &t.ProjectPath, &t.Context, &t.LamportTS, &t.GitBranch,
		&claimedAt, &completedAt, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	t.Status = types.TaskStatus(status)
	t.RequiredCapabilities = splitCaps(caps)
	t.ClaimedAt = timeOrZero(claimedAt)
	t.CompletedAt = timeOrZero(completedAt)
	t.CreatedAt = timeOrZero(createdAt)
	t.UpdatedAt = timeOrZero(updatedAt)
	return &t, nil
}

const taskColumns = `id, parent_id, title, description, work_instructions, acceptance_criteria,
	status, priority, required_capabilities, created_by, assigned_to, assigned_node,
	result, error, progress, project_path, context, lamport_ts, git_branch,
	claimed_at, completed_at, created_at, updated_at`

func (s *SQLiteStore) GetTask(id string) (*types.Task, error) {
	row := s.swarm.QueryRow(`SELECT `+taskColumns+` FROM tasks WHERE id=?`, id)
	t, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("storage: get task: %w", err)
	}
	return t, nil
}

func (s *SQLiteStore) UpdateTask(t *types.Task) error {
	_, err := s.swarm.Exec(`UPDATE tasks SET
		parent_id=?, title=?, description=?, work_instructions=?, acceptance_criteria=?,
		status=?, priority=?, required_capabilities=?, created_by=?, assigned_to=?, assigned_node=?,
		result=?, error=?, progress=?, project_path=?, context=?, lamport_ts=?, git_branch=?,
		claimed_at=?, completed_at=?, created_at=?, updated_at=?
		WHERE id=?`,
		t.ParentID, t.Title, t.Description, t.WorkInstructions, t.AcceptanceCriteria,
		string(t.Status), t.Priority, joinCaps(t.RequiredCapabilities), t.CreatedBy, t.AssignedTo, t.AssignedNode,
		t.Result, t.Error, t.Progress, t.ProjectPath, t.Context, t.LamportTS, t.GitBranch,
		unixOrZero(t.ClaimedAt), unixOrZero(t.CompletedAt), unixOrZero(t.CreatedAt), unixOrZero(t.UpdatedAt),
		t.ID)
	if err != nil {
		return fmt.Errorf("storage: update task: %w", err)
	}
	return nil
}

func (s *SQLiteStore) DeleteTask(id string) error {
	_, err := s.swarm.Exec(`DELETE FROM tasks WHERE id=?`, id)
	if err != nil {
		return fmt.Errorf("storage: delete task: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListTasks() ([]*types.Task, error) {
	return s.queryTasks(`SELECT ` + taskColumns + ` FROM tasks ORDER BY created_at ASC`)
}

func (s *SQLiteStore) ListPendingTasksByPriority() ([]*types.Task, error) {
	return s.queryTasks(`SELECT `+taskColumns+` FROM tasks WHERE status=? ORDER BY priority DESC, created_at ASC`, string(types.TaskPending))
}

func (s *SQLiteStore) ListTasksSince(sinceLamport uint64, limit int) ([]*types.Task, error) {
	return s.queryTasks(`SELECT `+taskColumns+` FROM tasks WHERE lamport_ts > ? ORDER BY lamport_ts ASC LIMIT ?`, sinceLamport, limit)
}

func (s *SQLiteStore) ListNonTerminalTasksAssignedToNode(nodeID string) ([]*types.Task, error) {
	terminal := []string{string(types.TaskCompleted), string(types.TaskFailed), string(types.TaskCancelled)}
	return s.queryTasks(`SELECT `+taskColumns+` FROM tasks WHERE assigned_node=? AND status NOT IN (?,?,?)`,
		nodeID, terminal[0], terminal[1], terminal[2])
}

func (s *SQLiteStore) queryTasks(query string, args ...interface{}) ([]*types.Task, error) {
	rows, err := s.swarm.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("storage: query tasks: %w", err)
	}
	defer rows.Close()

	var out []*types.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan task: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// ClaimTask is the correctness-critical primitive of §4.10: a single
// conditional UPDATE whose affected-row-count tells the caller whether
// its claim won the race.
func (s *SQLiteStore) ClaimTask(taskID, agentID, nodeID string, lamportTS uint64, now time.Time) (int, error) {
	res, err := s.swarm.Exec(`UPDATE tasks SET status=?, assigned_to=?, assigned_node=?, lamport_ts=?, claimed_at=?, updated_at=?
		WHERE id=? AND status=?`,
		string(types.TaskClaimed), agentID, nodeID, lamportTS, now.Unix(), now.Unix(),
		taskID, string(types.TaskPending))
	if err != nil {
		return 0, fmt.Errorf("storage: claim task: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("storage: claim task rows affected: %w", err)
	}
	return int(n), nil
}

// --- agents ---

func (s *SQLiteStore) CreateAgent(a *types.Agent) error {
	_, err := s.swarm.Exec(`INSERT INTO agents
		(id, node_id, name, tool, model, capabilities, project_path, max_concurrent_tasks,
		 status, current_task_id, last_heartbeat, lamport_ts, registered_at)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		a.ID, a.NodeID, a.Name, a.Tool, a.Model, joinCaps(a.Capabilities), a.ProjectPath, a.MaxConcurrentTask,
		string(a.Status), a.CurrentTaskID, unixOrZero(a.LastHeartbeat), a.LamportTS, unixOrZero(a.RegisteredAt))
	if err != nil {
		return fmt.Errorf("storage: create agent: %w", err)
	}
	return nil
}

const agentColumns = `id, node_id, name, tool, model, capabilities, project_path, max_concurrent_tasks,
	status, current_task_id, last_heartbeat, lamport_ts, registered_at`

func scanAgent(row interface{ Scan(...interface{}) error }) (*types.Agent, error) {
	var a types.Agent
	var status, caps string
	var lastHB, registeredAt int64
	err := row.Scan(&a.ID, &a.NodeID, &a.Name, &a.Tool, &a.Model, &caps, &a.ProjectPath, &a.MaxConcurrentTask,
		&status, &a.CurrentTaskID, &lastHB, &a.LamportTS, &registeredAt)
	if err != nil {
		return nil, err
	}
	a.Status = types.AgentStatus(status)
	a.Capabilities = splitCaps(caps)
	a.LastHeartbeat = timeOrZero(lastHB)
	a.RegisteredAt = timeOrZero(registeredAt)
	return &a, nil
}

func (s *SQLiteStore) GetAgent(id string) (*types.Agent, error) {
	row := s.swarm.QueryRow(`SELECT `+agentColumns+` FROM agents WHERE id=?`, id)
	a, err := scanAgent(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("storage: get agent: %w", err)
	}
	return a, nil
}

func (s *SQLiteStore) UpdateAgent(a *types.Agent) error {
	_, err := s.swarm.Exec(`UPDATE agents SET node_id=?, name=?, tool=?, model=?, capabilities=?, project_path=?,
		max_concurrent_tasks=?, status=?, current_task_id=?, last_heartbeat=?, lamport_ts=?, registered_at=?
		WHERE id=?`,
		a.NodeID, a.Name, a.Tool, a.Model, joinCaps(a.Capabilities), a.ProjectPath,
		a.MaxConcurrentTask, string(a.Status), a.CurrentTaskID, unixOrZero(a.LastHeartbeat), a.LamportTS, unixOrZero(a.RegisteredAt),
		a.ID)
	if err != nil {
		return fmt.Errorf("storage: update agent: %w", err)
	}
	return nil
}

func (s *SQLiteStore) DeleteAgent(id string) error {
	_, err := s.swarm.Exec(`DELETE FROM agents WHERE id=?`, id)
	if err != nil {
		return fmt.Errorf("storage: delete agent: %w", err)
	}
	return nil
}

func (s *SQLiteStore) queryAgents(query string, args ...interface{}) ([]*types.Agent, error) {
	rows, err := s.swarm.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("storage: query agents: %w", err)
	}
	defer rows.Close()

	var out []*types.Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan agent: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) ListAgents() ([]*types.Agent, error) {
	return s.queryAgents(`SELECT ` + agentColumns + ` FROM agents ORDER BY registered_at ASC`)
}

func (s *SQLiteStore) ListIdleAgents() ([]*types.Agent, error) {
	return s.queryAgents(`SELECT `+agentColumns+` FROM agents WHERE status=?`, string(types.AgentIdle))
}

func (s *SQLiteStore) ListAgentsSince(sinceLamport uint64) ([]*types.Agent, error) {
	return s.queryAgents(`SELECT `+agentColumns+` FROM agents WHERE lamport_ts > ? ORDER BY lamport_ts ASC`, sinceLamport)
}

func (s *SQLiteStore) ListAgentsByNode(nodeID string) ([]*types.Agent, error) {
	return s.queryAgents(`SELECT `+agentColumns+` FROM agents WHERE node_id=?`, nodeID)
}

// --- peers ---

func (s *SQLiteStore) UpsertPeer(p *types.Peer) error {
	_, err := s.swarm.Exec(`INSERT INTO peers (node_id, host, p2p_port, http_port, role, authenticated, last_seen, latency_ms)
		VALUES (?,?,?,?,?,?,?,?)
		ON CONFLICT(node_id) DO UPDATE SET host=excluded.host, p2p_port=excluded.p2p_port,
			http_port=excluded.http_port, role=excluded.role, authenticated=excluded.authenticated,
			last_seen=excluded.last_seen, latency_ms=excluded.latency_ms`,
		p.NodeID, p.Host, p.P2PPort, p.HTTPPort, string(p.Role), boolToInt(p.Authenticated), unixOrZero(p.LastSeen), p.LatencyMS)
	if err != nil {
		return fmt.Errorf("storage: upsert peer: %w", err)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func (s *SQLiteStore) DeletePeer(nodeID string) error {
	_, err := s.swarm.Exec(`DELETE FROM peers WHERE node_id=?`, nodeID)
	if err != nil {
		return fmt.Errorf("storage: delete peer: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListPeers() ([]*types.Peer, error) {
	rows, err := s.swarm.Query(`SELECT node_id, host, p2p_port, http_port, role, authenticated, last_seen, latency_ms FROM peers`)
	if err != nil {
		return nil, fmt.Errorf("storage: list peers: %w", err)
	}
	defer rows.Close()

	var out []*types.Peer
	for rows.Next() {
		var p types.Peer
		var role string
		var authenticated int
		var lastSeen int64
		if err := rows.Scan(&p.NodeID, &p.Host, &p.P2PPort, &p.HTTPPort, &role, &authenticated, &lastSeen, &p.LatencyMS); err != nil {
			return nil, fmt.Errorf("storage: scan peer: %w", err)
		}
		p.Role = types.Role(role)
		p.Authenticated = authenticated != 0
		p.LastSeen = timeOrZero(lastSeen)
		out = append(out, &p)
	}
	return out, rows.Err()
}

// --- swarm_state ---

func (s *SQLiteStore) GetState(key string) (string, bool, error) {
	var value string
	err := s.swarm.QueryRow(`SELECT value FROM swarm_state WHERE key=?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("storage: get state: %w", err)
	}
	return value, true, nil
}

func (s *SQLiteStore) SetState(key, value string) error {
	_, err := s.swarm.Exec(`INSERT INTO swarm_state (key, value) VALUES (?,?)
		ON CONFLICT(key) DO UPDATE SET value=excluded.value`, key, value)
	if err != nil {
		return fmt.Errorf("storage: set state: %w", err)
	}
	return nil
}

// --- consensus log ---

func (s *SQLiteStore) AppendConsensusLog(e *types.ConsensusLogEntry) error {
	_, err := s.consensus.Exec(`INSERT OR IGNORE INTO consensus_log
		(id, term, log_index, proposer_node_id, operation, payload, lamport_ts, committed_at, created_at)
		VALUES (?,?,?,?,?,?,?,?,?)`,
		e.ID, e.Term, e.LogIndex, e.ProposerNodeID, e.Operation, e.Payload, e.LamportTS,
		unixOrZero(e.CommittedAt), unixOrZero(e.CreatedAt))
	if err != nil {
		return fmt.Errorf("storage: append consensus log: %w", err)
	}
	return nil
}

func (s *SQLiteStore) HasConsensusLogEntry(id string) (bool, error) {
	var count int
	err := s.consensus.QueryRow(`SELECT COUNT(1) FROM consensus_log WHERE id=?`, id).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("storage: has consensus log entry: %w", err)
	}
	return count > 0, nil
}

func (s *SQLiteStore) LastLogIndex() (uint64, error) {
	var idx sql.NullInt64
	err := s.consensus.QueryRow(`SELECT MAX(log_index) FROM consensus_log`).Scan(&idx)
	if err != nil {
		return 0, fmt.Errorf("storage: last log index: %w", err)
	}
	if !idx.Valid {
		return 0, nil
	}
	return uint64(idx.Int64), nil
}

func (s *SQLiteStore) ConsensusLogSince(afterIndex uint64) ([]*types.ConsensusLogEntry, error) {
	rows, err := s.consensus.Query(`SELECT id, term, log_index, proposer_node_id, operation, payload, lamport_ts, committed_at, created_at
		FROM consensus_log WHERE log_index > ? ORDER BY log_index ASC`, afterIndex)
	if err != nil {
		return nil, fmt.Errorf("storage: consensus log since: %w", err)
	}
	defer rows.Close()

	var out []*types.ConsensusLogEntry
	for rows.Next() {
		var e types.ConsensusLogEntry
		var committedAt, createdAt int64
		if err := rows.Scan(&e.ID, &e.Term, &e.LogIndex, &e.ProposerNodeID, &e.Operation, &e.Payload, &e.LamportTS, &committedAt, &createdAt); err != nil {
			return nil, fmt.Errorf("storage: scan consensus log entry: %w", err)
		}
		e.CommittedAt = timeOrZero(committedAt)
		e.CreatedAt = timeOrZero(createdAt)
		out = append(out, &e)
	}
	return out, rows.Err()
}

// --- upgrade history ---

func (s *SQLiteStore) CreateUpgradeHistory(u *types.UpgradeHistory) error {
	_, err := s.consensus.Exec(`INSERT INTO upgrade_history
		(id, from_commit, to_commit, status, initiated_by, failure_reason,
		 nodes_total, nodes_updated, nodes_rolled_back, started_at, completed_at)
		VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		u.ID, u.FromCommit, u.ToCommit, string(u.Status), u.InitiatedBy, u.FailureReason,
		u.NodesTotal, u.NodesUpdated, u.NodesRolledBack, unixOrZero(u.StartedAt), unixOrZero(u.CompletedAt))
	if err != nil {
		return fmt.Errorf("storage: create upgrade history: %w", err)
	}
	return nil
}

func (s *SQLiteStore) UpdateUpgradeHistory(u *types.UpgradeHistory) error {
	_, err := s.consensus.Exec(`UPDATE upgrade_history SET status=?, failure_reason=?,
		nodes_updated=?, nodes_rolled_back=?, completed_at=? WHERE id=?`,
		string(u.Status), u.FailureReason, u.NodesUpdated, u.NodesRolledBack, unixOrZero(u.CompletedAt), u.ID)
	if err != nil {
		return fmt.Errorf("storage: update upgrade history: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListUpgradeHistory() ([]*types.UpgradeHistory, error) {
	rows, err := s.consensus.Query(`SELECT id, from_commit, to_commit, status, initiated_by, failure_reason,
		nodes_total, nodes_updated, nodes_rolled_back, started_at, completed_at FROM upgrade_history ORDER BY started_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("storage: list upgrade history: %w", err)
	}
	defer rows.Close()

	var out []*types.UpgradeHistory
	for rows.Next() {
		var u types.UpgradeHistory
		var status string
		var startedAt, completedAt int64
		if err := rows.Scan(&u.ID, &u.FromCommit, &u.ToCommit, &status, &u.InitiatedBy, &u.FailureReason,
			&u.NodesTotal, &u.NodesUpdated, &u.NodesRolledBack, &startedAt, &completedAt); err != nil {
			return nil, fmt.Errorf("storage: scan upgrade history: %w", err)
		}
		u.Status = types.UpgradeStatus(status)
		u.StartedAt = timeOrZero(startedAt)
		u.CompletedAt = timeOrZero(completedAt)
		out = append(out, &u)
	}
	return out, rows.Err()
}
