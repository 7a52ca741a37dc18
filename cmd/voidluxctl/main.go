package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/mfrederico/voidlux-sub002/internal/codec"
	"github.com/mfrederico/voidlux-sub002/internal/log"
	"github.com/mfrederico/voidlux-sub002/internal/mesh"
	"github.com/mfrederico/voidlux-sub002/internal/storage"
	"github.com/mfrederico/voidlux-sub002/internal/types"
)

var (
	Version = "dev"
	Commit  = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "voidluxctl",
	Short:   "voidluxctl - VoidLux node operational CLI",
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("voidluxctl version %s\nCommit: %s\n", Version, Commit))

	rootCmd.PersistentFlags().String("data-dir", "./data", "Node's data directory")
	rootCmd.PersistentFlags().Int("p2p-port", 7421, "Node's P2P port (used to locate its store file)")
	rootCmd.PersistentFlags().String("node-id", "", "Node id (used to locate its store file)")

	cobra.OnInitialize(func() { log.Init(log.Config{Level: log.LevelWarn}) })

	rootCmd.AddCommand(statusCmd, peersCmd, tasksCmd, agentsCmd, censusCmd, upgradeCmd)
}

func openStore(cmd *cobra.Command) (storage.Store, error) {
	dataDir, _ := cmd.Flags().GetString("data-dir")
	port, _ := cmd.Flags().GetInt("p2p-port")
	nodeID, _ := cmd.Flags().GetString("node-id")
	return storage.NewSQLiteStore(dataDir, port, nodeID)
}

// status, peers, tasks, and agents read the local node's own SQLite
// files directly — voidluxctl runs on the same host as the daemon it
// inspects, so a second read connection to the same WAL-mode database
// is the simplest faithful view, with no RPC round trip needed.

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show this node's lamport clock and consensus log position",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore(cmd)
		if err != nil {
			return err
		}
		defer store.Close()

		clockVal, _, _ := store.GetState("lamport_clock")
		idx, err := store.LastLogIndex()
		if err != nil {
			return err
		}
		fmt.Printf("lamport_clock: %s\n", clockVal)
		fmt.Printf("consensus_log_index: %d\n", idx)
		return nil
	},
}

var peersCmd = &cobra.Command{
	Use:   "peers",
	Short: "List this node's known peers",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore(cmd)
		if err != nil {
			return err
		}
		defer store.Close()

		peers, err := store.ListPeers()
		if err != nil {
			return err
		}
		for _, p := range peers {
			fmt.Printf("%s\t%s:%d\trole=%s\tauthed=%v\tlast_seen=%s\n",
				p.NodeID, p.Host, p.P2PPort, p.Role, p.Authenticated, p.LastSeen.Format(time.RFC3339))
		}
		return nil
	},
}

var tasksCmd = &cobra.Command{
	Use:   "tasks",
	Short: "List this node's known tasks",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore(cmd)
		if err != nil {
			return err
		}
		defer store.Close()

		tasks, err := store.ListTasks()
		if err != nil {
			return err
		}
		for _, t := range tasks {
			fmt.Printf("%s\t%s\tpriority=%d\tassigned_to=%s\n", t.ID, t.Status, t.Priority, t.AssignedTo)
		}
		return nil
	},
}

var agentsCmd = &cobra.Command{
	Use:   "agents",
	Short: "List this node's known agents",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore(cmd)
		if err != nil {
			return err
		}
		defer store.Close()

		agents, err := store.ListAgents()
		if err != nil {
			return err
		}
		for _, a := range agents {
			fmt.Printf("%s\t%s\tnode=%s\tstatus=%s\ttask=%s\n", a.ID, a.Name, a.NodeID, a.Status, a.CurrentTaskID)
		}
		return nil
	},
}

// dialAndSend opens a short-lived mesh connection to target, sends
// one message, and tears the connection down — the "thin client
// talking over the same P2P codec" shape without joining the mesh
// permanently.
func dialAndSend(target string, op codec.Opcode, payload interface{}) error {
	m := mesh.New(mesh.Config{
		NodeID: fmt.Sprintf("voidluxctl-%d", time.Now().UnixNano()),
		Role:   types.RoleWorker,
		BindHost: "0.0.0.0",
		Port:     0,
	}, nil, nil, nil)
	if err := m.Start(context.Background()); err != nil {
		return fmt.Errorf("voidluxctl: start transient mesh: %w", err)
	}
	defer m.Stop()

	if err := m.ConnectTo(target); err != nil {
		return fmt.Errorf("voidluxctl: connect %s: %w", target, err)
	}
	time.Sleep(200 * time.Millisecond) // let the handshake complete

	peers := m.Peers()
	if len(peers) == 0 {
		return fmt.Errorf("voidluxctl: handshake with %s did not complete", target)
	}
	return m.SendTo(peers[0], op, payload)
}

var censusCmd = &cobra.Command{
	Use:   "census [target-addr]",
	Short: "Ask a node's agents to re-announce themselves",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return dialAndSend(args[0], codec.OpCensusRequest, codec.CensusRequest{
			RequestID: fmt.Sprintf("ctl-%d", time.Now().UnixNano()),
		})
	},
}

var upgradeCmd = &cobra.Command{
	Use:   "upgrade [target-addr] [target-commit]",
	Short: "Send an UPGRADE_REQUEST directly to one node",
	Long: `upgrade talks to exactly one node; driving a full seneschal-led
rollout across the swarm is the job of the upgrade coordinator running
inside a seneschal node, not this CLI.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		rollback, _ := cmd.Flags().GetBool("rollback")
		return dialAndSend(args[0], codec.OpUpgradeRequest, codec.UpgradeRequest{
			TargetCommit: args[1], Rollback: rollback,
		})
	},
}

func init() {
	upgradeCmd.Flags().Bool("rollback", false, "Send this as a rollback rather than a forward upgrade")
}
