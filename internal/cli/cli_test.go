package cli

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ChuLiYu/rtsd/internal/channel"
	"github.com/ChuLiYu/rtsd/internal/daemon"
	"github.com/ChuLiYu/rtsd/internal/journal"
	"github.com/ChuLiYu/rtsd/internal/metrics"
	"github.com/ChuLiYu/rtsd/internal/status"
	"github.com/ChuLiYu/rtsd/pkg/rts"
	"github.com/ChuLiYu/rtsd/pkg/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644), "Failed to write config file")
	return path
}

func startTestDaemon(t *testing.T, dc daemon.Config) *daemon.Daemon {
	t.Helper()
	d := daemon.New(dc)
	require.NoError(t, d.Start())
	t.Cleanup(func() { d.Stop() })
	return d
}

func TestBuildCLI(t *testing.T) {
	cmd := BuildCLI()

	assert.NotNil(t, cmd, "BuildCLI should return a non-nil command")
	assert.Equal(t, "rtsd", cmd.Use)
	assert.Equal(t, "1.0.0", cmd.Version)

	// 檢查子命令
	commandNames := make(map[string]bool)
	for _, c := range cmd.Commands() {
		commandNames[c.Use] = true
		assert.NotNil(t, c.RunE, "%s should have RunE", c.Use)
	}
	assert.Len(t, commandNames, 4)
	for _, name := range []string{"run", "demo", "status", "journal"} {
		assert.True(t, commandNames[name], "Should have '%s' command", name)
	}

	// 檢查持久化標誌
	configFlag := cmd.PersistentFlags().Lookup("config")
	require.NotNil(t, configFlag, "Should have --config flag")
	assert.Equal(t, "c", configFlag.Shorthand)
	assert.Equal(t, "configs/default.yaml", configFlag.DefValue)
}

func TestCommandFlags(t *testing.T) {
	assert.NotNil(t, buildJournalCommand().Flags().Lookup("stats"))
	assert.NotNil(t, buildDemoCommand().Flags().Lookup("metrics-port"))
	assert.Contains(t, buildRunCommand().Short, "Start")
	assert.Contains(t, buildStatusCommand().Short, "status")
}

func TestLoadConfig_ValidYAML(t *testing.T) {
	path := writeConfig(t, `
channel:
  path: /tmp/rtsd-test.sock
  max_clients: 8
  timeout_ms: 50

reservation:
  capacity: 0.9

journal:
  path: ./journal.log
  sync: true

status:
  path: ./status.json
  interval_ms: 500

metrics:
  enabled: true
  port: 8080

health:
  enabled: true
  address: 127.0.0.1:6000

demo:
  tasks:
    - name: control
      period_ms: 100
      budget_ms: 20
      deadline_ms: 80
      priority: 50
      exec_ms: 10
      activations: 5
    - period_ms: 200
      budget_ms: 30
`)

	cfg, err := loadConfig(path)
	require.NoError(t, err, "loadConfig should not return an error")

	assert.Equal(t, "/tmp/rtsd-test.sock", cfg.Channel.Path)
	assert.Equal(t, 8, cfg.Channel.MaxClients)
	assert.Equal(t, 50, cfg.Channel.TimeoutMs)
	assert.Equal(t, 0.9, cfg.Reservation.Capacity)
	assert.Equal(t, "./journal.log", cfg.Journal.Path)
	assert.True(t, cfg.Journal.Sync)
	assert.Equal(t, "./status.json", cfg.Status.Path)
	assert.Equal(t, 500, cfg.Status.IntervalMs)
	assert.True(t, cfg.Metrics.Enabled)
	assert.Equal(t, 8080, cfg.Metrics.Port)
	assert.True(t, cfg.Health.Enabled)
	assert.Equal(t, "127.0.0.1:6000", cfg.Health.Address)

	require.Len(t, cfg.Demo.Tasks, 2)
	assert.Equal(t, TaskConfig{
		Name: "control", PeriodMs: 100, BudgetMs: 20, DeadlineMs: 80,
		Priority: 50, ExecMs: 10, Activations: 5,
	}, cfg.Demo.Tasks[0])

	// 未設定的欄位使用預設值
	second := cfg.Demo.Tasks[1]
	assert.Equal(t, "task-1", second.Name)
	assert.Equal(t, uint32(30), second.ExecMs, "exec defaults to the budget")
	assert.Equal(t, uint64(10), second.Activations)
}

func TestLoadConfig_FileNotFound(t *testing.T) {
	cfg, err := loadConfig("/nonexistent/config.yaml")

	assert.Error(t, err)
	assert.Nil(t, cfg, "Config should be nil on error")
	assert.Contains(t, err.Error(), "failed to read config file")
}

func TestLoadConfig_InvalidYAML(t *testing.T) {
	path := writeConfig(t, `
channel:
  max_clients: "not a number"
  invalid yaml structure
    broken indentation
`)

	cfg, err := loadConfig(path)
	assert.Error(t, err)
	assert.Nil(t, cfg, "Config should be nil on parse error")
	assert.Contains(t, err.Error(), "failed to parse config YAML")
}

func TestLoadConfig_EmptyFileGetsDefaults(t *testing.T) {
	cfg, err := loadConfig(writeConfig(t, ""))
	require.NoError(t, err, "Empty YAML file should parse without error")

	assert.Equal(t, channel.DefaultPath, cfg.Channel.Path)
	assert.Equal(t, channel.DefaultMaxSize, cfg.Channel.MaxClients)
	assert.Equal(t, 150, cfg.Channel.TimeoutMs)
	assert.Equal(t, 1.0, cfg.Reservation.Capacity)
	assert.Equal(t, 1000, cfg.Status.IntervalMs)
	assert.Equal(t, 9090, cfg.Metrics.Port)
	assert.False(t, cfg.Metrics.Enabled)
	assert.False(t, cfg.Health.Enabled)
	assert.Empty(t, cfg.Journal.Path, "journal stays disabled unless configured")
}

func TestDaemonConfigMapping(t *testing.T) {
	cfg, err := loadConfig(writeConfig(t, `
channel:
  path: /tmp/x.sock
  timeout_ms: 40
status:
  path: /tmp/status.json
  interval_ms: 250
health:
  address: 127.0.0.1:7000
`))
	require.NoError(t, err)

	dc := daemonConfig(cfg, nil)
	assert.Equal(t, "/tmp/x.sock", dc.Path)
	assert.Equal(t, 40*time.Millisecond, dc.Timeout)
	assert.Equal(t, 250*time.Millisecond, dc.StatusInterval)
	assert.Empty(t, dc.HealthAddr, "health disabled")

	cfg.Health.Enabled = true
	assert.Equal(t, "127.0.0.1:7000", daemonConfig(cfg, nil).HealthAddr)
}

func TestShowStatus(t *testing.T) {
	var cfg Config
	applyDefaults(&cfg)
	cfg.Status.Path = filepath.Join(t.TempDir(), "status.json")

	require.NoError(t, status.NewManager(cfg.Status.Path).Write(types.StatusData{
		PID:        1234,
		Path:       "@rtsd",
		Capacity:   1.0,
		Used:       0.25,
		MaxClients: 16,
		Clients:    []types.Client{{Slot: 0, PID: 4321, UID: "1000"}},
		Reservations: []types.Reservation{{
			ID: 1, Owner: 0, OwnerPID: 4321,
			Params:      types.Params{Period: 100, Budget: 25, Priority: 1},
			Utilization: 0.25,
		}},
		Counters: types.Counters{Requests: 3, Admitted: 1},
	}))

	var out bytes.Buffer
	require.NoError(t, showStatus(&out, &cfg))

	text := out.String()
	assert.Contains(t, text, "1234")
	assert.Contains(t, text, "Clients (1/16)")
	assert.Contains(t, text, "Reservations (1)")
	assert.Contains(t, text, "T=100ms C=25ms")
	assert.Contains(t, text, "Admitted: 1")
	assert.NotContains(t, text, "Health")
}

func TestShowStatus_Missing(t *testing.T) {
	var cfg Config
	applyDefaults(&cfg)
	cfg.Status.Path = filepath.Join(t.TempDir(), "none.json")

	err := showStatus(&bytes.Buffer{}, &cfg)
	assert.ErrorIs(t, err, status.ErrNotFound)
}

func TestProbeHealth(t *testing.T) {
	dir := t.TempDir()
	d := startTestDaemon(t, daemon.Config{
		Path:       filepath.Join(dir, "rtsd.sock"),
		Timeout:    10 * time.Millisecond,
		HealthAddr: "127.0.0.1:0",
	})

	st, err := probeHealth(d.HealthAddr(), 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, st)
}

func TestShowJournal(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.log")
	j, err := journal.Open(journal.Options{Path: path, SyncOnAppend: true})
	require.NoError(t, err)
	_, err = j.Append(journal.Event{Type: journal.EventConnect, Slot: 0, PID: 10})
	require.NoError(t, err)
	_, err = j.Append(journal.Event{Type: journal.EventCreate, Slot: 0, PID: 10, Rsv: 1})
	require.NoError(t, err)
	require.NoError(t, j.Close())

	var out bytes.Buffer
	require.NoError(t, showJournal(&out, path, false))
	assert.Contains(t, out.String(), "[seq:1]")
	assert.Contains(t, out.String(), "Events: 2 (seq 1..2)")

	out.Reset()
	require.NoError(t, showJournal(&out, path, true))
	assert.NotContains(t, out.String(), "[seq:1]")
	assert.Contains(t, out.String(), "CREATE")

	assert.Error(t, showJournal(&out, "", false))
}

func demoConfig(t *testing.T, d *daemon.Daemon, tasks ...TaskConfig) *Config {
	t.Helper()
	var cfg Config
	cfg.Channel.Path = d.Addr()
	cfg.Demo.Tasks = tasks
	applyDefaults(&cfg)
	return &cfg
}

func TestRunDemo(t *testing.T) {
	d := startTestDaemon(t, daemon.Config{
		Path:    filepath.Join(t.TempDir(), "rtsd.sock"),
		Timeout: 5 * time.Millisecond,
	})
	cfg := demoConfig(t, d,
		TaskConfig{Name: "fast", PeriodMs: 20, BudgetMs: 4, ExecMs: 1, Activations: 3},
		TaskConfig{Name: "slow", PeriodMs: 40, BudgetMs: 8, ExecMs: 2, Activations: 2},
	)

	reg := prometheus.NewRegistry()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	summary, err := runDemo(ctx, cfg, metrics.NewCollector(reg))
	require.NoError(t, err)

	require.Contains(t, summary, "fast")
	require.Contains(t, summary, "slow")
	assert.Equal(t, uint64(3), summary["fast"].Activations)
	assert.Equal(t, uint64(2), summary["slow"].Activations)
	assert.NotEqual(t, summary["fast"].Rsv, summary["slow"].Rsv)
	assert.Zero(t, summary["fast"].Errors)
	assert.GreaterOrEqual(t, summary["slow"].Exec, 4*time.Millisecond)

	count, err := testutil.GatherAndCount(reg, "rtsd_task_activations_total")
	require.NoError(t, err)
	assert.Equal(t, 2, count, "one series per task")

	require.Eventually(t, func() bool {
		return len(d.Reservations()) == 0 && d.Stats().Clients == 0
	}, 2*time.Second, 5*time.Millisecond, "demo releases everything it reserved")
	assert.Equal(t, uint64(2), d.Stats().Counters.Admitted)
}

func TestRunDemo_NotGuaranteed(t *testing.T) {
	d := startTestDaemon(t, daemon.Config{
		Path:     filepath.Join(t.TempDir(), "rtsd.sock"),
		Timeout:  5 * time.Millisecond,
		Capacity: 0.5,
	})
	cfg := demoConfig(t, d,
		TaskConfig{Name: "a", PeriodMs: 10, BudgetMs: 4},
		TaskConfig{Name: "b", PeriodMs: 10, BudgetMs: 4},
	)

	_, err := runDemo(context.Background(), cfg, nil)
	assert.ErrorIs(t, err, ErrNotGuaranteed)

	require.Eventually(t, func() bool {
		return len(d.Reservations()) == 0
	}, 2*time.Second, 5*time.Millisecond, "the admitted task is released on failure")
	assert.Equal(t, uint64(1), d.Stats().Counters.Rejected)
}

func TestRunDemo_Errors(t *testing.T) {
	var cfg Config
	applyDefaults(&cfg)
	_, err := runDemo(context.Background(), &cfg, nil)
	assert.Error(t, err, "no tasks configured")

	cfg.Channel.Path = filepath.Join(t.TempDir(), "missing.sock")
	cfg.Demo.Tasks = []TaskConfig{{Name: "x", PeriodMs: 10, BudgetMs: 1}}
	_, err = runDemo(context.Background(), &cfg, nil)
	assert.ErrorIs(t, err, rts.ErrConnect)
}
