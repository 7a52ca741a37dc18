package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/mfrederico/voidlux-sub002/internal/agent"
	"github.com/mfrederico/voidlux-sub002/internal/config"
	"github.com/mfrederico/voidlux-sub002/internal/log"
	"github.com/mfrederico/voidlux-sub002/internal/metrics"
	"github.com/mfrederico/voidlux-sub002/internal/node"
	"github.com/mfrederico/voidlux-sub002/internal/nodectx"
	"github.com/mfrederico/voidlux-sub002/internal/types"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "voidluxd",
	Short: "voidluxd - VoidLux swarm node daemon",
	Long: `voidluxd runs one node of a VoidLux swarm: a gossiping peer-to-peer
mesh that elects an emperor, quorum-votes cluster decisions, and
dispatches tasks to registered agents, with no external coordination
service.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"voidluxd version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	rootCmd.PersistentFlags().String("config", "", "Path to a node YAML manifest")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(startCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")

	log.Init(log.Config{
		Level:      log.Level(logLevel),
		JSONOutput: logJSON,
	})
}

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start this node and join (or seed) the swarm",
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath, _ := cmd.Flags().GetString("config")
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}

		applyFlagOverrides(cmd, &cfg)

		if err := cfg.Validate(); err != nil {
			return err
		}

		nodeID, _ := cmd.Flags().GetString("node-id")
		if nodeID == "" {
			return fmt.Errorf("voidluxd: --node-id is required")
		}

		ctx := nodectx.Context{
			NodeID:        nodeID,
			Role:          types.Role(cfg.Role),
			BindHost:      cfg.BindHost,
			P2PPort:       cfg.P2PPort,
			HTTPPort:      cfg.HTTPPort,
			DiscoveryPort: cfg.DiscoveryPort,
			DataDir:       cfg.DataDir,
			AuthSecret:    cfg.AuthSecretBytes(),
			Seeds:         cfg.Seeds,
		}

		n, err := node.New(ctx, agent.NewLoopbackBridge())
		if err != nil {
			return fmt.Errorf("voidluxd: construct node: %w", err)
		}

		bgCtx := context.Background()
		if err := n.Start(bgCtx); err != nil {
			return fmt.Errorf("voidluxd: start node: %w", err)
		}
		metrics.MarkStarted()

		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		mux.Handle("/health", metrics.HealthHandler())
		httpAddr := fmt.Sprintf("%s:%d", ctx.BindHost, ctx.HTTPPort)
		go func() {
			if err := http.ListenAndServe(httpAddr, mux); err != nil {
				fmt.Fprintf(os.Stderr, "control-plane HTTP server error: %v\n", err)
			}
		}()

		fmt.Printf("voidluxd %s (%s) listening p2p=%s:%d http=%s\n", nodeID, cfg.Role, ctx.BindHost, ctx.P2PPort, httpAddr)
		fmt.Println("Node is running. Press Ctrl+C to stop.")

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
		<-sigCh

		fmt.Println("\nShutting down...")
		if err := n.Stop(); err != nil {
			return fmt.Errorf("voidluxd: stop node: %w", err)
		}
		fmt.Println("Shutdown complete")
		return nil
	},
}

func init() {
	startCmd.Flags().String("node-id", "", "Unique node identifier (required)")
	startCmd.Flags().String("role", "", "Node role: emperor, seneschal, or worker")
	startCmd.Flags().String("bind-host", "", "Address to bind the P2P and HTTP listeners to")
	startCmd.Flags().Int("p2p-port", 0, "P2P mesh listen port")
	startCmd.Flags().Int("http-port", 0, "Control-plane HTTP listen port (health/metrics)")
	startCmd.Flags().Int("discovery-port", 0, "UDP discovery listen port")
	startCmd.Flags().String("data-dir", "", "Directory for SQLite data files")
	startCmd.Flags().StringSlice("seeds", nil, "Seed peer addresses (host:port)")
	startCmd.Flags().String("auth-secret", "", "Shared mesh auth secret; empty means an open mesh")
}

// applyFlagOverrides layers any explicitly-set flags onto the loaded
// config, giving flags precedence over the manifest.
func applyFlagOverrides(cmd *cobra.Command, cfg *config.Node) {
	if v, _ := cmd.Flags().GetString("role"); v != "" {
		cfg.Role = v
	}
	if v, _ := cmd.Flags().GetString("bind-host"); v != "" {
		cfg.BindHost = v
	}
	if v, _ := cmd.Flags().GetInt("p2p-port"); v != 0 {
		cfg.P2PPort = v
	}
	if v, _ := cmd.Flags().GetInt("http-port"); v != 0 {
		cfg.HTTPPort = v
	}
	if v, _ := cmd.Flags().GetInt("discovery-port"); v != 0 {
		cfg.DiscoveryPort = v
	}
	if v, _ := cmd.Flags().GetString("data-dir"); v != "" {
		cfg.DataDir = v
	}
	if v, _ := cmd.Flags().GetStringSlice("seeds"); len(v) > 0 {
		cfg.Seeds = v
	}
	if v, _ := cmd.Flags().GetString("auth-secret"); v != "" {
		cfg.AuthSecret = v
	}
}
