// cmd/serve.go
package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/billfrog/billfrog/internal/config"
	"github.com/billfrog/billfrog/internal/dispatch"
	"github.com/billfrog/billfrog/internal/notify"
	"github.com/billfrog/billfrog/internal/receipt"
	"github.com/billfrog/billfrog/internal/schedule"
	"github.com/billfrog/billfrog/internal/scheduler"
	"github.com/billfrog/billfrog/internal/status"
	"github.com/billfrog/billfrog/internal/summary"
	"github.com/spf13/cobra"
)

// routedNotifier picks the delivery mechanism per message from the target's
// shape, so one scheduler run can serve webhook and Redis agents together.
type routedNotifier struct {
	webhook notify.Notifier
	redis   notify.Notifier
	stdout  notify.Notifier
}

func (r *routedNotifier) Name() string { return "routed" }

func (r *routedNotifier) Send(ctx context.Context, msg notify.Message) notify.Result {
	switch {
	case strings.HasPrefix(msg.Target, "http://"), strings.HasPrefix(msg.Target, "https://"):
		return r.webhook.Send(ctx, msg)
	case msg.Target == "stdout":
		return r.stdout.Send(ctx, msg)
	default:
		if r.redis == nil {
			return notify.Result{
				Outcome: notify.OutcomePermanent,
				Err:     fmt.Errorf("target %q is a Redis channel but no broker is configured", msg.Target),
			}
		}
		return r.redis.Send(ctx, msg)
	}
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the receipt scheduler until interrupted",
	Long: `Starts the dispatch scheduler: every tick it checks which agents are due
a receipt and delivers them through a bounded worker pool. SIGHUP reloads the
agents file; SIGINT and SIGTERM stop the scheduler, waiting briefly for
in-flight dispatches.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := runtimeConfig()
		agents, err := loadAgents(cfg)
		if err != nil {
			return err
		}
		if len(agents) == 0 {
			return fmt.Errorf("no agents configured, nothing to schedule (see 'billfrog agent add')")
		}

		us, err := openUsageStore(cfg)
		if err != nil {
			return err
		}
		defer us.Close()
		ss, err := openScheduleStore(cfg)
		if err != nil {
			return err
		}
		defer ss.Close()
		syncSchedules(ss, agents)

		formatter, err := receipt.NewHTMLRenderer()
		if err != nil {
			return fmt.Errorf("receipt renderer: %w", err)
		}

		routed := &routedNotifier{
			webhook: notify.NewWebhookNotifier(notify.WebhookConfig{Timeout: cfg.SendTimeout}),
			stdout:  &notify.LogNotifier{W: os.Stdout},
		}
		if cfg.RedisURL != "" {
			rn, err := notify.NewRedisNotifier(cfg.RedisURL)
			if err != nil {
				return fmt.Errorf("redis notifier: %w", err)
			}
			defer rn.Close()
			if err := rn.Ping(cmd.Context()); err != nil {
				warnColor.Fprintf(os.Stderr, "warning: %v (redis sends will retry)\n", err)
			}
			routed.redis = rn
		}

		pipeline := &dispatch.Pipeline{
			Aggregator:  summary.New(us),
			Schedule:    ss,
			Formatter:   formatter,
			Notifier:    routed,
			SendTimeout: cfg.SendTimeout,
			LogFn:       logFn,
		}

		coord := scheduler.NewCoordinator(scheduler.CoordinatorConfig{
			Agents:       agents,
			Schedule:     ss,
			Dispatcher:   pipeline,
			TickInterval: cfg.TickInterval,
			Workers:      cfg.Workers,
			GracePeriod:  cfg.GracePeriod,
			SendRPS:      cfg.SendRPS,
			SendBurst:    cfg.SendBurst,
			LogFn:        logFn,
		})

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		hup := make(chan os.Signal, 1)
		signal.Notify(hup, syscall.SIGHUP)
		defer signal.Stop(hup)
		go func() {
			for {
				select {
				case <-ctx.Done():
					return
				case <-hup:
					reloadAgents(cfg, ss, coord)
				}
			}
		}()

		if cfg.StatusPort > 0 {
			srv := status.NewServer(status.ServerConfig{Port: cfg.StatusPort, Version: Version}, coord)
			go func() {
				if err := srv.Start(ctx); err != nil {
					warnColor.Fprintf(os.Stderr, "warning: status server: %v\n", err)
				}
			}()
			fmt.Printf("Status server listening on :%d\n", srv.Port())
		}

		fmt.Printf("Scheduling receipts for %d agents (tick %s, %d workers)\n", len(agents), cfg.TickInterval, cfg.Workers)
		if err := coord.Start(ctx); err != nil {
			return err
		}
		fmt.Println("Scheduler stopped.")
		return nil
	},
}

func reloadAgents(cfg *config.Config, ss *schedule.Store, coord *scheduler.Coordinator) {
	agents, err := loadAgents(cfg)
	if err != nil {
		badColor.Fprintf(os.Stderr, "[error] reload agents: %v\n", err)
		return
	}
	syncSchedules(ss, agents)
	coord.Reload(agents)
}

// syncSchedules pushes cadence and anchor edits from the agents file into
// the persisted schedule. Upsert keeps each agent's last_dispatch_at, so
// changing a cadence never re-opens an already-served period.
func syncSchedules(ss *schedule.Store, agents []config.Agent) {
	for _, agent := range agents {
		err := ss.Upsert(schedule.Entry{
			AgentID:    agent.Name,
			Cadence:    schedule.Cadence(agent.Cadence),
			AnchorHour: agent.AnchorHour,
		})
		if err != nil {
			warnColor.Fprintf(os.Stderr, "warning: sync schedule for %s: %v\n", agent.Name, err)
		}
	}
}

func init() {
	rootCmd.AddCommand(serveCmd)
}
