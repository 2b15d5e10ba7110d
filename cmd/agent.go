// cmd/agent.go
package cmd

import (
	"errors"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/billfrog/billfrog/internal/config"
	"github.com/billfrog/billfrog/internal/provider"
	"github.com/billfrog/billfrog/internal/schedule"
	"github.com/spf13/cobra"
)

var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Manage the agents billfrog meters",
}

var (
	agentProvider   string
	agentTarget     string
	agentCadence    string
	agentAPIKeyEnv  string
	agentAnchorHour int
	agentSkipCheck  bool
)

var agentAddCmd = &cobra.Command{
	Use:   "add <name>",
	Short: "Register an agent for metering and receipts",
	Example: `  # Weekly receipts to a webhook, credential from $OPENAI_API_KEY
  billfrog agent add ops-bot --provider openai --api-key-env OPENAI_API_KEY \
    --target https://hooks.example.com/billing --cadence weekly`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := runtimeConfig()
		agent := config.Agent{
			Name:       args[0],
			Provider:   agentProvider,
			APIKeyEnv:  agentAPIKeyEnv,
			Target:     agentTarget,
			Cadence:    agentCadence,
			AnchorHour: agentAnchorHour,
		}
		if err := agent.Validate(); err != nil {
			return err
		}
		if _, err := provider.New(agent.Provider, ""); err != nil {
			return err
		}

		agents, err := loadAgents(cfg)
		if err != nil {
			return err
		}
		for _, existing := range agents {
			if existing.Name == agent.Name {
				return fmt.Errorf("agent %q already exists", agent.Name)
			}
		}

		// Verify provider credentials up front so a typo'd env var name
		// surfaces now instead of on the first scheduled fetch.
		if !agentSkipCheck && agent.APIKeyEnv != "" {
			key := agent.APIKey()
			if key == "" {
				return fmt.Errorf("environment variable %s is not set (use --skip-check to register anyway)", agent.APIKeyEnv)
			}
			fetcher, err := provider.New(agent.Provider, key)
			if err != nil {
				return err
			}
			if err := fetcher.TestConnection(cmd.Context()); err != nil {
				return fmt.Errorf("provider check failed: %w (use --skip-check to register anyway)", err)
			}
			goodColor.Printf("✓ %s credentials verified\n", agent.Provider)
		}

		agents = append(agents, agent)
		if err := config.SaveAgents(cfg.AgentsFile, agents); err != nil {
			return err
		}

		ss, err := openScheduleStore(cfg)
		if err != nil {
			return err
		}
		defer ss.Close()
		err = ss.Upsert(schedule.Entry{
			AgentID:    agent.Name,
			Cadence:    schedule.Cadence(agent.Cadence),
			AnchorHour: agent.AnchorHour,
		})
		if err != nil {
			return fmt.Errorf("register schedule: %w", err)
		}

		goodColor.Printf("✓ Added agent %s (%s receipts to %s)\n", agent.Name, agent.Cadence, agent.Target)
		return nil
	},
}

var agentListCmd = &cobra.Command{
	Use:   "list",
	Short: "List configured agents and their schedules",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := runtimeConfig()
		agents, err := loadAgents(cfg)
		if err != nil {
			return err
		}
		if len(agents) == 0 {
			fmt.Println("No agents configured. Add one with 'billfrog agent add'.")
			return nil
		}

		ss, err := openScheduleStore(cfg)
		if err != nil {
			return err
		}
		defer ss.Close()

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		defer w.Flush()
		headerColor.Fprintln(w, "NAME\tPROVIDER\tCADENCE\tTARGET\tLAST RECEIPT")
		for _, agent := range agents {
			last := "never"
			entry, err := ss.Get(agent.Name)
			if err == nil && !entry.LastDispatchAt.IsZero() {
				last = formatWhen(entry.LastDispatchAt)
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", agent.Name, agent.Provider, agent.Cadence, agent.Target, last)
		}
		return nil
	},
}

var agentRemoveCmd = &cobra.Command{
	Use:   "remove <name>",
	Short: "Remove an agent (dispatch history is kept)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := runtimeConfig()
		name := args[0]

		agents, err := loadAgents(cfg)
		if err != nil {
			return err
		}
		kept := agents[:0]
		found := false
		for _, agent := range agents {
			if agent.Name == name {
				found = true
				continue
			}
			kept = append(kept, agent)
		}
		if !found {
			return fmt.Errorf("agent %q is not configured", name)
		}
		if err := config.SaveAgents(cfg.AgentsFile, kept); err != nil {
			return err
		}

		ss, err := openScheduleStore(cfg)
		if err != nil {
			return err
		}
		defer ss.Close()
		if err := ss.Delete(name); err != nil && !errors.Is(err, schedule.ErrNotFound) {
			return fmt.Errorf("remove schedule: %w", err)
		}

		goodColor.Printf("✓ Removed agent %s\n", name)
		return nil
	},
}

func init() {
	agentAddCmd.Flags().StringVar(&agentProvider, "provider", "openai", "usage provider")
	agentAddCmd.Flags().StringVar(&agentTarget, "target", "", "receipt target (webhook URL or Redis channel name)")
	agentAddCmd.Flags().StringVar(&agentCadence, "cadence", "weekly", "receipt cadence: daily, weekly, or monthly")
	agentAddCmd.Flags().StringVar(&agentAPIKeyEnv, "api-key-env", "", "environment variable holding the provider API key")
	agentAddCmd.Flags().IntVar(&agentAnchorHour, "anchor-hour", 9, "UTC hour receipts aim for")
	agentAddCmd.Flags().BoolVar(&agentSkipCheck, "skip-check", false, "skip the provider connection check")
	agentAddCmd.MarkFlagRequired("target")

	agentCmd.AddCommand(agentAddCmd)
	agentCmd.AddCommand(agentListCmd)
	agentCmd.AddCommand(agentRemoveCmd)
	rootCmd.AddCommand(agentCmd)
}
