// ============================================================================
// Swarm CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: Cobra commands for the coordinator, worker nodes and admin tasks
//
// Command Structure:
//   swarm                          # Root command
//   ├── run                        # Start the coordinator + admin API
//   ├── worker                     # Serve a local worker over gRPC
//   ├── status                     # Print the aggregated cluster view
//   ├── ban <node>                 # Exclude a node from selection
//   ├── unban <node>               # Lift a ban
//   ├── submit                     # Submit a GPU job
//   ├── --config, -c               # Config file (default: configs/default.yaml)
//   └── --admin                    # Admin API address of a running coordinator
//
// Configuration Management:
//   YAML config file, see configs/default.yaml and config.go.
//
// Signal Handling:
//   run and worker stop on SIGINT/SIGTERM: loops are cancelled, in-flight
//   worker calls finish, connections are closed.
//
// ============================================================================

package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"google.golang.org/grpc"

	"github.com/ChuLiYu/swarm-coordinator/internal/api"
	"github.com/ChuLiYu/swarm-coordinator/internal/coordinator"
	"github.com/ChuLiYu/swarm-coordinator/internal/worker"
	"github.com/ChuLiYu/swarm-coordinator/pkg/types"
)

// DefaultWorkerListen is the gRPC listen address of `swarm worker`.
const DefaultWorkerListen = ":50051"

var (
	configFile string
	adminAddr  string
)

func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "swarm",
		Short: "Swarm: a coordinator for heterogeneous security worker nodes",
		Long: `Swarm coordinates GPU, symbolic execution and fuzzing nodes:
- capability and load aware task routing
- priority scheduling of preemptible GPU jobs with checkpoint/resume
- global fuzzing corpus synchronization
- symbolic execution escalation when fuzzing stalls`,
		Version:      "1.0.0",
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "configs/default.yaml", "config file path")
	rootCmd.PersistentFlags().StringVar(&adminAddr, "admin", "", "admin API address (default: admin.addr from config)")

	rootCmd.AddCommand(buildRunCommand())
	rootCmd.AddCommand(buildWorkerCommand())
	rootCmd.AddCommand(buildStatusCommand())
	rootCmd.AddCommand(buildBanCommand())
	rootCmd.AddCommand(buildUnbanCommand())
	rootCmd.AddCommand(buildSubmitCommand())

	return rootCmd
}

// resolveAdmin picks the --admin flag, then the config, then the default.
func resolveAdmin() string {
	if adminAddr != "" {
		return adminAddr
	}
	if cfg, err := loadConfig(configFile); err == nil && cfg.Admin.Addr != "" {
		return cfg.Admin.Addr
	}
	return api.DefaultAddr
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

// ============================================================================
// run
// ============================================================================

func buildRunCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the coordinator",
		Long:  "Start the router, scheduler, seed sync loop and admin API using the config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			ctx, stop := signalContext()
			defer stop()
			return runCoordinator(ctx, cfg, adminAddr)
		},
	}
}

func runCoordinator(ctx context.Context, cfg *Config, admin string) error {
	logger, err := newLogger(os.Stderr, cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	coord, err := coordinator.New(ctx, cfg.coordinatorConfig(), coordinator.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("failed to create coordinator: %w", err)
	}
	if err := coord.Start(ctx); err != nil {
		return fmt.Errorf("failed to start coordinator: %w", err)
	}
	defer coord.Stop()

	if cfg.Metrics.Enabled {
		go func() {
			logger.Info("Starting metrics server", "port", cfg.Metrics.Port)
			if err := coord.Metrics().StartServer(cfg.Metrics.Port); err != nil {
				logger.Error("Metrics server error", "error", err)
			}
		}()
	}

	if admin == "" {
		admin = cfg.Admin.Addr
	}
	logger.Info("System started successfully", "config", configFile)
	err = api.NewServer(coord, logger).ListenAndServe(ctx, admin)
	logger.Info("Received shutdown signal, stopping gracefully...")
	return err
}

// ============================================================================
// worker
// ============================================================================

func buildWorkerCommand() *cobra.Command {
	var nodeID string
	var listen string

	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Serve this machine as a worker over gRPC",
		Long:  "Probe local capabilities and expose the worker contract on a gRPC listener. Jobs that end are reported to the coordinator admin API.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			ctx, stop := signalContext()
			defer stop()
			return runWorker(ctx, cfg, nodeID, listen, resolveAdmin())
		},
	}

	cmd.Flags().StringVar(&nodeID, "node-id", "", "node identity (default: worker_server.node_id, then hostname)")
	cmd.Flags().StringVar(&listen, "listen", "", "gRPC listen address (default: worker_server.listen, then "+DefaultWorkerListen+")")
	return cmd
}

func runWorker(ctx context.Context, cfg *Config, nodeID, listen, admin string) error {
	logger, err := newLogger(os.Stderr, cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	ws := cfg.WorkerServer
	if nodeID == "" {
		nodeID = ws.NodeID
	}
	if nodeID == "" {
		if nodeID, err = os.Hostname(); err != nil {
			return fmt.Errorf("node id is required: %w", err)
		}
	}
	if listen == "" {
		listen = ws.Listen
	}
	if listen == "" {
		listen = DefaultWorkerListen
	}

	opts := []worker.LocalOption{
		worker.WithSoftware(ws.Software),
		worker.WithLogger(logger),
	}
	switch ws.Corpus {
	case coordinator.CorpusMemory, "":
		opts = append(opts, worker.WithCorpus(worker.NewMemoryCorpus()))
	case coordinator.CorpusDocker:
		dc, err := worker.NewDockerCorpus(ws.CorpusDir)
		if err != nil {
			return err
		}
		defer dc.Close()
		opts = append(opts, worker.WithCorpus(dc))
	default:
		return fmt.Errorf("unknown corpus %q", ws.Corpus)
	}

	client := newAdminClient(admin)
	opts = append(opts, worker.WithJobObserver(func(jobID types.JobID, jobErr error) {
		rctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := client.reportJob(rctx, jobID, jobErr); err != nil {
			logger.Error("Failed to report job outcome", "job_id", jobID, "error", err)
		}
	}))

	w := worker.NewLocalWorker(ctx, nodeID, opts...)

	lis, err := net.Listen("tcp", listen)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", listen, err)
	}
	srv := grpc.NewServer()
	worker.RegisterWorkerServiceServer(srv, worker.NewServer(w, logger))

	go func() {
		<-ctx.Done()
		logger.Info("Stopping worker node...")
		srv.GracefulStop()
	}()

	caps := w.Capabilities()
	logger.Info("Worker serving",
		"node_id", nodeID, "listen", lis.Addr().String(), "gpu", caps.GPU, "docker", caps.Docker)
	if err := srv.Serve(lis); err != nil {
		return fmt.Errorf("gRPC server failed: %w", err)
	}
	return nil
}

// ============================================================================
// status / ban / unban
// ============================================================================

func buildStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show cluster status",
		Long:  "Print node count, per-node capabilities and load, job and corpus statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			view, err := newAdminClient(resolveAdmin()).cluster(cmd.Context())
			if err != nil {
				return err
			}
			printStatus(cmd.OutOrStdout(), view)
			return nil
		},
	}
}

func buildBanCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "ban <node>",
		Short: "Ban a node from task selection",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := newAdminClient(resolveAdmin()).ban(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Node %s banned\n", args[0])
			return nil
		},
	}
}

func buildUnbanCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "unban <node>",
		Short: "Lift a node ban",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := newAdminClient(resolveAdmin()).unban(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Node %s unbanned\n", args[0])
			return nil
		},
	}
}

func printStatus(w io.Writer, view coordinator.ClusterView) {
	fmt.Fprintln(w, "\n╔═══════════════════════════════════════════════════════════╗")
	fmt.Fprintln(w, "║           Swarm Cluster Status                            ║")
	fmt.Fprintln(w, "╚═══════════════════════════════════════════════════════════╝")
	fmt.Fprintln(w)

	fmt.Fprintf(w, "🖥  Nodes: %d (uptime %s)\n", view.NodeCount, view.Uptime)
	for i, n := range view.Nodes {
		branch := "├─"
		if i == len(view.Nodes)-1 {
			branch = "└─"
		}
		state := "up"
		switch {
		case n.Banned:
			state = "banned"
		case !n.Reachable:
			state = "unreachable"
		}
		if n.Status == nil {
			fmt.Fprintf(w, "  %s %-16s %-11s %s\n", branch, n.NodeID, state, n.Error)
			continue
		}
		fmt.Fprintf(w, "  %s %-16s %-11s load %5.1f%%  mem %5.1f%%  success %.2f  %s\n",
			branch, n.NodeID, state, n.Status.Load, n.Status.MemoryPercent, n.Status.SuccessRate,
			capabilityTags(n.Status.Capabilities))
	}
	fmt.Fprintln(w)

	fmt.Fprintln(w, "📊 Jobs:")
	fmt.Fprintf(w, "  ├─ ⏳ Pending:    %d\n", view.Jobs["pending"])
	fmt.Fprintf(w, "  ├─ 🔄 Running:    %d\n", view.Jobs["running"])
	fmt.Fprintf(w, "  ├─ ⏸  Paused:     %d\n", view.Jobs["paused"])
	fmt.Fprintf(w, "  ├─ ✅ Completed:  %d\n", view.Jobs["completed"])
	fmt.Fprintf(w, "  └─ ❌ Failed:     %d\n", view.Jobs["failed"])
	fmt.Fprintln(w)

	fmt.Fprintln(w, "🌱 Corpus:")
	fmt.Fprintf(w, "  ├─ Unique Seeds:  %d\n", view.Corpus.TotalUniqueSeeds)
	fmt.Fprintf(w, "  ├─ Fuzzers:       %s\n", strings.Join(view.Corpus.ActiveNodes, ", "))
	fmt.Fprintf(w, "  └─ Breaker:       %s (progress %d)\n", view.Breaker, view.Progress)
	fmt.Fprintln(w)
	fmt.Fprintln(w, "═══════════════════════════════════════════════════════════")
}

// capabilityTags renders capabilities as a compact tag list.
func capabilityTags(c types.Capabilities) string {
	tags := []string{fmt.Sprintf("%s/%dc/%.0fG", c.OS, c.CPUCores, c.MemoryGB)}
	if c.GPU {
		tags = append(tags, "gpu")
	}
	if c.Docker {
		tags = append(tags, "docker")
	}
	var sw []string
	for name, ok := range c.Software {
		if ok {
			sw = append(sw, name)
		}
	}
	sort.Strings(sw)
	return "[" + strings.Join(append(tags, sw...), " ") + "]"
}

// ============================================================================
// submit
// ============================================================================

func buildSubmitCommand() *cobra.Command {
	var priority int
	var pairs []string

	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit a GPU job",
		Long:  "Submit a job to a running coordinator. Payload values are parsed as JSON when possible, e.g. --payload hash=5f4dcc3b --payload keyspace=100000",
		RunE: func(cmd *cobra.Command, args []string) error {
			payload, err := parsePayload(pairs)
			if err != nil {
				return err
			}
			id, err := newAdminClient(resolveAdmin()).submit(cmd.Context(), payload, priority)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Job %s submitted (priority %d)\n", id, priority)
			return nil
		},
	}

	cmd.Flags().IntVarP(&priority, "priority", "p", 0, "job priority, higher runs first")
	cmd.Flags().StringArrayVar(&pairs, "payload", nil, "payload entry key=value (repeatable)")
	return cmd
}

// parsePayload turns key=value pairs into a payload map.
func parsePayload(pairs []string) (map[string]any, error) {
	payload := make(map[string]any, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid payload entry %q, want key=value", p)
		}
		var parsed any
		if err := json.Unmarshal([]byte(v), &parsed); err == nil {
			payload[k] = parsed
		} else {
			payload[k] = v
		}
	}
	return payload, nil
}
