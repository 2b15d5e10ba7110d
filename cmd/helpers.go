// cmd/helpers.go
package cmd

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/billfrog/billfrog/internal/config"
	"github.com/billfrog/billfrog/internal/dispatch"
	"github.com/billfrog/billfrog/internal/notify"
	"github.com/billfrog/billfrog/internal/receipt"
	"github.com/billfrog/billfrog/internal/schedule"
	"github.com/billfrog/billfrog/internal/summary"
	"github.com/billfrog/billfrog/internal/usage"
	"github.com/fatih/color"
)

var (
	headerColor = color.New(color.FgCyan, color.Bold)
	goodColor   = color.New(color.FgGreen)
	warnColor   = color.New(color.FgYellow)
	badColor    = color.New(color.FgRed)
	labelColor  = color.New(color.Bold)
)

func openUsageStore(cfg *config.Config) (*usage.Store, error) {
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	return usage.OpenStore(cfg.UsageDBPath())
}

func openScheduleStore(cfg *config.Config) (*schedule.Store, error) {
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	return schedule.OpenStore(cfg.ScheduleDBPath())
}

// loadAgents reads the agents file and warns about any skipped entries.
func loadAgents(cfg *config.Config) ([]config.Agent, error) {
	agents, skipped, err := config.LoadAgents(cfg.AgentsFile)
	if err != nil {
		return nil, err
	}
	for _, skip := range skipped {
		warnColor.Fprintf(os.Stderr, "warning: %v\n", skip)
	}
	return agents, nil
}

func findAgent(agents []config.Agent, name string) (config.Agent, error) {
	for _, a := range agents {
		if a.Name == name {
			return a, nil
		}
	}
	return config.Agent{}, fmt.Errorf("agent %q is not configured (see 'billfrog agent list')", name)
}

// newNotifier picks a notifier from the target's shape. An http(s) URL gets
// the webhook notifier, "stdout" prints the receipt (handy for a dry run),
// and any other value is a channel name on the configured Redis broker.
func newNotifier(target string, cfg *config.Config) (notify.Notifier, func(), error) {
	switch {
	case strings.HasPrefix(target, "http://"), strings.HasPrefix(target, "https://"):
		n := notify.NewWebhookNotifier(notify.WebhookConfig{Timeout: cfg.SendTimeout})
		return n, func() {}, nil
	case target == "stdout":
		return &notify.LogNotifier{W: os.Stdout}, func() {}, nil
	default:
		if cfg.RedisURL == "" {
			return nil, nil, fmt.Errorf("target %q: expected an http(s) URL, or a channel name with BILLFROG_REDIS_URL set", target)
		}
		n, err := notify.NewRedisNotifier(cfg.RedisURL)
		if err != nil {
			return nil, nil, fmt.Errorf("redis notifier: %w", err)
		}
		return n, func() { n.Close() }, nil
	}
}

// newPipeline wires a dispatch pipeline for one agent's target.
func newPipeline(cfg *config.Config, us *usage.Store, ss *schedule.Store, target string) (*dispatch.Pipeline, func(), error) {
	formatter, err := receipt.NewHTMLRenderer()
	if err != nil {
		return nil, nil, fmt.Errorf("receipt renderer: %w", err)
	}
	notifier, closeNotifier, err := newNotifier(target, cfg)
	if err != nil {
		return nil, nil, err
	}
	p := &dispatch.Pipeline{
		Aggregator:  summary.New(us),
		Schedule:    ss,
		Formatter:   formatter,
		Notifier:    notifier,
		SendTimeout: cfg.SendTimeout,
		LogFn:       logFn,
	}
	return p, closeNotifier, nil
}

// logFn routes component log lines to the console with a colored level tag.
func logFn(level, msg string) {
	switch level {
	case "error":
		badColor.Fprintf(os.Stderr, "[error] %s\n", msg)
	case "warning":
		warnColor.Fprintf(os.Stderr, "[warn]  %s\n", msg)
	default:
		if level == "info" || debugMode {
			fmt.Printf("[%s]  %s\n", level, msg)
		}
	}
}

// parseDay parses a YYYY-MM-DD flag value as UTC midnight.
func parseDay(s string) (time.Time, error) {
	t, err := time.Parse(usage.DateLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q, expected YYYY-MM-DD", s)
	}
	return t.UTC(), nil
}

func formatWhen(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return t.UTC().Format("2006-01-02 15:04")
}

// outcomeColor maps a dispatch outcome to its display color.
func outcomeColor(o schedule.Outcome) *color.Color {
	switch o {
	case schedule.OutcomeSuccess:
		return goodColor
	case schedule.OutcomeRetry:
		return warnColor
	case schedule.OutcomeFailedPermanent:
		return badColor
	default:
		return labelColor
	}
}
