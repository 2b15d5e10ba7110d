// cmd/record.go
package cmd

import (
	"fmt"
	"time"

	"github.com/billfrog/billfrog/internal/provider"
	"github.com/billfrog/billfrog/internal/usage"
	"github.com/spf13/cobra"
)

var (
	recordAgent      string
	recordModel      string
	recordPrompt     int64
	recordCompletion int64
	recordCost       float64
	recordWhen       string
)

var recordCmd = &cobra.Command{
	Use:   "record",
	Short: "Record a usage event for an agent",
	Long: `Records a single usage event against an agent's daily aggregate. When
--cost is omitted the cost is computed from the model's token rates.`,
	Example: `  # A gpt-4 call, cost derived from token counts
  billfrog record --agent ops-bot --model gpt-4 --prompt-units 1200 --completion-units 450

  # An event with an explicit cost
  billfrog record --agent ops-bot --model gpt-4o --prompt-units 90 --completion-units 30 --cost 0.0021`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := runtimeConfig()
		agents, err := loadAgents(cfg)
		if err != nil {
			return err
		}
		if _, err := findAgent(agents, recordAgent); err != nil {
			return err
		}

		when := time.Now().UTC()
		if recordWhen != "" {
			when, err = time.Parse(time.RFC3339, recordWhen)
			if err != nil {
				return fmt.Errorf("invalid --timestamp %q, expected RFC 3339: %w", recordWhen, err)
			}
		}

		model := provider.NormalizeModel(recordModel)
		cost := recordCost
		if cost < 0 {
			cost = provider.CostUSD(model, recordPrompt, recordCompletion)
		}

		us, err := openUsageStore(cfg)
		if err != nil {
			return err
		}
		defer us.Close()

		ev := usage.Event{
			AgentID:         recordAgent,
			Timestamp:       when,
			Category:        model,
			PromptUnits:     recordPrompt,
			CompletionUnits: recordCompletion,
			CostUSD:         cost,
		}
		if err := us.RecordUsage(ev); err != nil {
			return err
		}

		goodColor.Printf("✓ Recorded %d units ($%.4f) for %s on %s\n", ev.TotalUnits(), cost, recordAgent, ev.Day())
		return nil
	},
}

func init() {
	recordCmd.Flags().StringVar(&recordAgent, "agent", "", "agent name")
	recordCmd.Flags().StringVar(&recordModel, "model", "", "model the usage belongs to")
	recordCmd.Flags().Int64Var(&recordPrompt, "prompt-units", 0, "prompt tokens consumed")
	recordCmd.Flags().Int64Var(&recordCompletion, "completion-units", 0, "completion tokens produced")
	recordCmd.Flags().Float64Var(&recordCost, "cost", -1, "event cost in USD (computed from token rates when omitted)")
	recordCmd.Flags().StringVar(&recordWhen, "timestamp", "", "event time, RFC 3339 (default now)")
	recordCmd.MarkFlagRequired("agent")
	recordCmd.MarkFlagRequired("model")
	rootCmd.AddCommand(recordCmd)
}
