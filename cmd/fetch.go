// cmd/fetch.go
package cmd

import (
	"fmt"
	"time"

	"github.com/billfrog/billfrog/internal/provider"
	"github.com/spf13/cobra"
)

var (
	fetchAgent string
	fetchDays  int
)

var fetchCmd = &cobra.Command{
	Use:   "fetch",
	Short: "Pull usage events from an agent's provider into the local store",
	Long: `Fetches recent usage from the agent's metering provider and records each
event locally, rolling daily aggregates forward as it goes. The provider
credential comes from the environment variable named in the agents file.`,
	Example: `  # Pull the last 3 days of usage for ops-bot
  billfrog fetch --agent ops-bot --days 3`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := runtimeConfig()
		agents, err := loadAgents(cfg)
		if err != nil {
			return err
		}
		agent, err := findAgent(agents, fetchAgent)
		if err != nil {
			return err
		}

		key := agent.APIKey()
		if key == "" {
			return fmt.Errorf("agent %q has no API key: set %s or configure api_key_env", agent.Name, agent.APIKeyEnv)
		}
		fetcher, err := provider.New(agent.Provider, key)
		if err != nil {
			return err
		}

		since := time.Now().UTC().AddDate(0, 0, -fetchDays)
		events, err := fetcher.FetchUsage(cmd.Context(), agent.Name, since)
		if err != nil {
			return fmt.Errorf("fetch usage from %s: %w", fetcher.Name(), err)
		}
		if len(events) == 0 {
			fmt.Printf("No usage reported by %s since %s.\n", fetcher.Name(), since.Format("2006-01-02"))
			return nil
		}

		us, err := openUsageStore(cfg)
		if err != nil {
			return err
		}
		defer us.Close()

		var units int64
		var cost float64
		for _, ev := range events {
			if err := us.RecordUsage(ev); err != nil {
				return fmt.Errorf("record fetched event: %w", err)
			}
			units += ev.TotalUnits()
			cost += ev.CostUSD
		}

		goodColor.Printf("✓ Recorded %d events (%d units, $%.4f) for %s\n", len(events), units, cost, agent.Name)
		return nil
	},
}

func init() {
	fetchCmd.Flags().StringVar(&fetchAgent, "agent", "", "agent name")
	fetchCmd.Flags().IntVar(&fetchDays, "days", 1, "how many days back to fetch")
	fetchCmd.MarkFlagRequired("agent")
	rootCmd.AddCommand(fetchCmd)
}
