package cli

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ChuLiYu/rtsd/internal/metrics"
	"github.com/ChuLiYu/rtsd/internal/runner"
	"github.com/ChuLiYu/rtsd/internal/task"
	"github.com/ChuLiYu/rtsd/pkg/rts"
	"github.com/ChuLiYu/rtsd/pkg/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"golang.org/x/time/rate"
)

var (
	// ErrBudgetUnsupported is returned when the daemon has no notion of budget
	ErrBudgetUnsupported = errors.New("daemon does not support the notion of budget")
	// ErrNotGuaranteed is returned when a demo task cannot be admitted
	ErrNotGuaranteed = errors.New("cannot get scheduling guarantees")
)

// TaskSummary aggregates the activations of one demo task
type TaskSummary struct {
	Rsv         types.RsvID
	Activations uint64
	Misses      uint32
	Errors      int
	Exec        time.Duration
}

func buildDemoCommand() *cobra.Command {
	var metricsPort int

	cmd := &cobra.Command{
		Use:   "demo",
		Short: "Run the configured periodic tasks under reservations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			var collector *metrics.Collector
			if metricsPort > 0 {
				reg := prometheus.NewRegistry()
				collector = metrics.NewCollector(reg)
				srv := metrics.NewServer(metricsPort, reg)
				go func() {
					if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						log.Printf("Metrics server error: %v\n", err)
					}
				}()
				defer srv.Close()
			}

			summary, err := runDemo(ctx, cfg, collector)
			for _, t := range cfg.Demo.Tasks {
				s, ok := summary[t.Name]
				if !ok {
					continue
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%-10s rsv=%d activations=%d misses=%d errors=%d avg_exec=%s\n",
					t.Name, s.Rsv, s.Activations, s.Misses, s.Errors, avg(s.Exec, s.Activations))
			}
			return err
		},
	}
	cmd.Flags().IntVar(&metricsPort, "metrics-port", 0, "serve task metrics on this port (0 disables)")
	return cmd
}

func avg(total time.Duration, n uint64) time.Duration {
	if n == 0 {
		return 0
	}
	return total / time.Duration(n)
}

// runDemo connects to the daemon, reserves bandwidth for every configured
// task, runs them to completion with their threads attached, then releases
// the reservations.
func runDemo(ctx context.Context, cfg *Config, collector *metrics.Collector) (map[string]*TaskSummary, error) {
	if len(cfg.Demo.Tasks) == 0 {
		return nil, fmt.Errorf("no demo tasks configured")
	}

	client, err := rts.Connect(ctx, cfg.Channel.Path)
	if err != nil {
		return nil, fmt.Errorf("unable to connect with the daemon: %w", err)
	}
	defer func() {
		if err := client.Disconnect(context.Background()); err != nil {
			slog.Warn("Disconnect failed", "error", err)
		}
	}()

	budget, err := client.CapQuery(ctx, types.QueryBudget)
	if err != nil {
		return nil, err
	}
	if budget == 0 {
		return nil, ErrBudgetUnsupported
	}
	remaining, err := client.CapQuery(ctx, types.QueryRemainingBudget)
	if err != nil {
		return nil, err
	}
	log.Printf("System total budget: %f, remaining: %f\n", budget, remaining)

	summary := make(map[string]*TaskSummary, len(cfg.Demo.Tasks))
	specs := make([]runner.Spec, 0, len(cfg.Demo.Tasks))
	var ids []types.RsvID
	defer func() {
		for _, id := range ids {
			if err := client.Destroy(context.Background(), id); err != nil {
				slog.Warn("Destroy failed", "rsv", id, "error", err)
			}
		}
	}()

	for i, tc := range cfg.Demo.Tasks {
		p := rts.NewParams()
		p.SetPeriod(tc.PeriodMs)
		p.SetBudget(tc.BudgetMs)
		p.SetDeadline(tc.DeadlineMs)
		p.SetPriority(tc.Priority)

		id, st, err := client.CreateRsv(ctx, p)
		if err != nil {
			return summary, fmt.Errorf("task %s: %w", tc.Name, err)
		}
		if st != types.StatusGuaranteed {
			return summary, fmt.Errorf("%w for task %s: %s", ErrNotGuaranteed, tc.Name, st)
		}
		ids = append(ids, id)
		summary[tc.Name] = &TaskSummary{Rsv: id}

		specs = append(specs, runner.Spec{
			Name:        tc.Name,
			Task:        task.FromParams(i, p.GetClock(), p.Wire()),
			Body:        compute(time.Duration(tc.ExecMs) * time.Millisecond),
			Activations: tc.Activations,
			OnStart: func(tid int) {
				if err := client.AttachThread(ctx, id, tid); err != nil {
					slog.Warn("Attach failed", "task", tc.Name, "rsv", id, "tid", tid, "error", err)
				}
			},
		})
	}

	pool := runner.NewPool(len(specs) * 4)
	if err := pool.Start(ctx, specs); err != nil {
		return summary, fmt.Errorf("failed to start tasks: %w", err)
	}

	warn := rate.NewLimiter(rate.Every(time.Second), 5)
	for {
		r, err := pool.ReceiveResult()
		if errors.Is(err, runner.ErrPoolClosed) {
			break
		}
		s := summary[r.Task]
		s.Activations++
		s.Exec += r.Exec
		s.Misses = r.Misses
		if r.Error != nil {
			s.Errors++
		}
		if collector != nil {
			collector.RecordActivation(r.Task, r.Exec, r.Missed)
		}
		if r.Missed && warn.Allow() {
			slog.Warn("Deadline missed", "task", r.Task, "activation", r.Activation, "misses", r.Misses)
		}
	}

	return summary, ctx.Err()
}

// compute returns a body that keeps the CPU busy for d, the way a real task
// would consume its budget.
func compute(d time.Duration) runner.Body {
	return func(ctx context.Context, _ uint64) error {
		end := time.Now().Add(d)
		for time.Now().Before(end) {
			if err := ctx.Err(); err != nil {
				return err
			}
		}
		return nil
	}
}
