// ============================================================================
// rtsd CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: Cobra based command line for the reservation daemon and its tools
//
// Command Structure:
//   rtsd                           # Root command
//   ├── run                        # Start the reservation daemon
//   ├── demo                       # Run periodic demo tasks under reservations
//   │   └── --metrics-port         # Expose demo task metrics
//   ├── status                     # Show the daemon status file
//   ├── journal                    # Dump the decision journal
//   │   └── --stats                # Only print per-type totals
//   ├── --config, -c               # Config file (default: configs/default.yaml)
//   └── --version
//
// Configuration Management:
//   YAML config file; missing keys take the defaults of applyDefaults:
//   - channel: socket path, slot count, update timeout
//   - reservation: reservable capacity
//   - journal / status: audit log and status file
//   - metrics / health: Prometheus endpoint and gRPC health service
//   - demo: task set used by `rtsd demo`
//
// run Command:
//   1. Load config file
//   2. Start metrics HTTP server (if enabled)
//   3. Create and start the daemon
//   4. Wait for SIGINT / SIGTERM
//   5. Stop the daemon (clients released, final status, journal closed)
//
// Error Handling:
//   - Config load failed: return detailed error information
//   - Daemon start failed: resources opened so far are closed by the daemon
//
// ============================================================================

package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ChuLiYu/rtsd/internal/channel"
	"github.com/ChuLiYu/rtsd/internal/daemon"
	"github.com/ChuLiYu/rtsd/internal/journal"
	"github.com/ChuLiYu/rtsd/internal/metrics"
	"github.com/ChuLiYu/rtsd/internal/reservation"
	"github.com/ChuLiYu/rtsd/internal/status"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"gopkg.in/yaml.v3"
)

// Config represents the complete system configuration structure
// Maps config file fields through YAML tags
type Config struct {
	Channel struct {
		Path       string `yaml:"path"`
		MaxClients int    `yaml:"max_clients"`
		TimeoutMs  int    `yaml:"timeout_ms"`
	} `yaml:"channel"`

	Reservation struct {
		Capacity float64 `yaml:"capacity"`
	} `yaml:"reservation"`

	Journal struct {
		Path string `yaml:"path"`
		Sync bool   `yaml:"sync"`
	} `yaml:"journal"`

	Status struct {
		Path       string `yaml:"path"`
		IntervalMs int    `yaml:"interval_ms"`
	} `yaml:"status"`

	Metrics struct {
		Enabled bool `yaml:"enabled"`
		Port    int  `yaml:"port"`
	} `yaml:"metrics"`

	Health struct {
		Enabled bool   `yaml:"enabled"`
		Address string `yaml:"address"`
	} `yaml:"health"`

	Demo struct {
		Tasks []TaskConfig `yaml:"tasks"`
	} `yaml:"demo"`
}

// TaskConfig describes one periodic demo task
type TaskConfig struct {
	Name        string `yaml:"name"`
	PeriodMs    uint32 `yaml:"period_ms"`
	BudgetMs    uint32 `yaml:"budget_ms"`
	DeadlineMs  uint32 `yaml:"deadline_ms"`
	Priority    uint32 `yaml:"priority"`
	ExecMs      uint32 `yaml:"exec_ms"`     // simulated computation, defaults to the budget
	Activations uint64 `yaml:"activations"` // defaults to 10
}

var configFile string

func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "rtsd",
		Short: "rtsd: a CPU reservation daemon for periodic real-time tasks",
		Long: `rtsd grants CPU bandwidth reservations to periodic tasks:
- admission control by density test
- one unix socket slot per client, bounded request servicing
- decision journal and status file
- Prometheus metrics and gRPC health`,
		Version:      "1.0.0",
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "configs/default.yaml", "config file path")

	rootCmd.AddCommand(buildRunCommand())
	rootCmd.AddCommand(buildDemoCommand())
	rootCmd.AddCommand(buildStatusCommand())
	rootCmd.AddCommand(buildJournalCommand())

	return rootCmd
}

func buildRunCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the reservation daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			return runDaemon(cfg)
		},
	}
}

// daemonConfig maps the file configuration onto the daemon
func daemonConfig(cfg *Config, m *metrics.Collector) daemon.Config {
	dc := daemon.Config{
		Path:           cfg.Channel.Path,
		MaxClients:     cfg.Channel.MaxClients,
		Timeout:        time.Duration(cfg.Channel.TimeoutMs) * time.Millisecond,
		Capacity:       cfg.Reservation.Capacity,
		JournalPath:    cfg.Journal.Path,
		JournalSync:    cfg.Journal.Sync,
		StatusPath:     cfg.Status.Path,
		StatusInterval: time.Duration(cfg.Status.IntervalMs) * time.Millisecond,
		Metrics:        m,
	}
	if cfg.Health.Enabled {
		dc.HealthAddr = cfg.Health.Address
	}
	return dc
}

func runDaemon(cfg *Config) error {
	log.Printf("Starting rtsd with config: %s\n", configFile)
	log.Printf("Socket: %s, Clients: %d, Capacity: %.2f\n",
		cfg.Channel.Path, cfg.Channel.MaxClients, cfg.Reservation.Capacity)

	var collector *metrics.Collector
	var metricsSrv *http.Server
	if cfg.Metrics.Enabled {
		collector = metrics.NewCollector(prometheus.DefaultRegisterer)
		metricsSrv = metrics.NewServer(cfg.Metrics.Port, prometheus.DefaultGatherer)
		go func() {
			log.Printf("Starting metrics server on %s\n", metricsSrv.Addr)
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Printf("Metrics server error: %v\n", err)
			}
		}()
	}

	d := daemon.New(daemonConfig(cfg, collector))
	if err := d.Start(); err != nil {
		return fmt.Errorf("failed to start daemon: %w", err)
	}

	log.Println("Daemon started successfully")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	<-sigChan
	log.Println("\nReceived shutdown signal, stopping gracefully...")

	err := d.Stop()
	if metricsSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		metricsSrv.Shutdown(ctx)
		cancel()
	}
	if err != nil {
		return fmt.Errorf("daemon stopped with errors: %w", err)
	}

	log.Println("Daemon stopped. Goodbye!")
	return nil
}

func buildStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show daemon status",
		Long:  "Display the daemon status file and, if enabled, probe the health service",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			return showStatus(cmd.OutOrStdout(), cfg)
		},
	}
}

func showStatus(w io.Writer, cfg *Config) error {
	sm := status.NewManager(cfg.Status.Path)
	data, err := sm.Load()
	if err != nil {
		return fmt.Errorf("failed to load status: %w", err)
	}

	fmt.Fprintln(w, "\n╔═══════════════════════════════════════════════════════════╗")
	fmt.Fprintln(w, "║           rtsd Daemon Status                              ║")
	fmt.Fprintln(w, "╚═══════════════════════════════════════════════════════════╝")
	fmt.Fprintln(w)

	fmt.Fprintln(w, "📋 Daemon:")
	fmt.Fprintf(w, "  └─ PID:             %d\n", data.PID)
	fmt.Fprintf(w, "  └─ Socket:          %s\n", data.Path)
	fmt.Fprintf(w, "  └─ Updated:         %s ago\n", sm.Age(data).Round(time.Millisecond))
	fmt.Fprintln(w)

	fmt.Fprintln(w, "📊 Bandwidth:")
	fmt.Fprintf(w, "  └─ Capacity:        %.3f\n", data.Capacity)
	fmt.Fprintf(w, "  └─ Used:            %.3f\n", data.Used)
	fmt.Fprintf(w, "  └─ Remaining:       %.3f\n", data.Capacity-data.Used)
	fmt.Fprintln(w)

	fmt.Fprintf(w, "🔌 Clients (%d/%d):\n", len(data.Clients), data.MaxClients)
	for _, c := range data.Clients {
		fmt.Fprintf(w, "  └─ slot %-3d pid %-8d uid %s\n", c.Slot, c.PID, c.UID)
	}
	fmt.Fprintln(w)

	fmt.Fprintf(w, "⏱  Reservations (%d):\n", len(data.Reservations))
	for _, r := range data.Reservations {
		fmt.Fprintf(w, "  └─ #%-3d slot %-3d T=%dms C=%dms D=%dms prio=%d u=%.3f thread=%d\n",
			r.ID, r.Owner, r.Params.Period, r.Params.Budget, r.Params.Deadline,
			r.Params.Priority, r.Utilization, r.Thread)
	}
	fmt.Fprintln(w)

	c := data.Counters
	fmt.Fprintln(w, "📈 Counters:")
	fmt.Fprintf(w, "  └─ Cycles: %d  Requests: %d  Admitted: %d  Rejected: %d\n",
		c.Cycles, c.Requests, c.Admitted, c.Rejected)
	fmt.Fprintf(w, "  └─ Refused: %d  Released: %d  Send errors: %d\n",
		c.Refused, c.Released, c.SendErrors)
	fmt.Fprintln(w)

	if cfg.Health.Enabled {
		fmt.Fprintln(w, "💓 Health:")
		st, err := probeHealth(cfg.Health.Address, 2*time.Second)
		if err != nil {
			fmt.Fprintf(w, "  └─ Unreachable: %v\n", err)
		} else {
			fmt.Fprintf(w, "  └─ %s\n", st)
		}
		fmt.Fprintln(w)
	}

	fmt.Fprintln(w, "═══════════════════════════════════════════════════════════")
	return nil
}

// probeHealth asks the daemon's gRPC health service for its status
func probeHealth(addr string, timeout time.Duration) (healthpb.HealthCheckResponse_ServingStatus, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return healthpb.HealthCheckResponse_UNKNOWN, fmt.Errorf("failed to connect to %s: %w", addr, err)
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{Service: daemon.ServiceName})
	if err != nil {
		return healthpb.HealthCheckResponse_UNKNOWN, err
	}
	return resp.Status, nil
}

func buildJournalCommand() *cobra.Command {
	var statsOnly bool

	cmd := &cobra.Command{
		Use:   "journal",
		Short: "Dump the decision journal",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			return showJournal(cmd.OutOrStdout(), cfg.Journal.Path, statsOnly)
		},
	}
	cmd.Flags().BoolVar(&statsOnly, "stats", false, "only print per-type totals")
	return cmd
}

func showJournal(w io.Writer, path string, statsOnly bool) error {
	if path == "" {
		return fmt.Errorf("journal is disabled in config")
	}
	if !statsOnly {
		if err := journal.Dump(path, w); err != nil {
			return fmt.Errorf("failed to dump journal: %w", err)
		}
		fmt.Fprintln(w)
	}

	st, err := journal.GetStats(path)
	if err != nil {
		return fmt.Errorf("failed to read journal: %w", err)
	}
	fmt.Fprintf(w, "Events: %d (seq %d..%d)\n", st.TotalEvents, st.FirstSeq, st.LastSeq)
	for _, t := range []journal.EventType{
		journal.EventConnect, journal.EventRejectConn, journal.EventCreate, journal.EventReject,
		journal.EventAttach, journal.EventDetach, journal.EventDestroy, journal.EventDisconnect,
	} {
		if n := st.EventTypes[t]; n > 0 {
			fmt.Fprintf(w, "  %-12s %d\n", t, n)
		}
	}
	return nil
}

func loadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}
	applyDefaults(&cfg)

	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Channel.Path == "" {
		cfg.Channel.Path = channel.DefaultPath
	}
	if cfg.Channel.MaxClients <= 0 {
		cfg.Channel.MaxClients = channel.DefaultMaxSize
	}
	if cfg.Channel.TimeoutMs <= 0 {
		cfg.Channel.TimeoutMs = int(channel.DefaultTimeout / time.Millisecond)
	}
	if cfg.Reservation.Capacity <= 0 {
		cfg.Reservation.Capacity = reservation.DefaultCapacity
	}
	if cfg.Status.IntervalMs <= 0 {
		cfg.Status.IntervalMs = 1000
	}
	if cfg.Metrics.Port == 0 {
		cfg.Metrics.Port = 9090
	}
	if cfg.Health.Address == "" {
		cfg.Health.Address = "127.0.0.1:50051"
	}
	for i := range cfg.Demo.Tasks {
		t := &cfg.Demo.Tasks[i]
		if t.Name == "" {
			t.Name = fmt.Sprintf("task-%d", i)
		}
		if t.ExecMs == 0 {
			t.ExecMs = t.BudgetMs
		}
		if t.Activations == 0 {
			t.Activations = 10
		}
	}
}
