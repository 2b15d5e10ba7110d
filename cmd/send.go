// cmd/send.go
package cmd

import (
	"fmt"

	"github.com/billfrog/billfrog/internal/schedule"
	"github.com/spf13/cobra"
)

var (
	sendAgent  string
	sendTarget string
)

var sendCmd = &cobra.Command{
	Use:   "send",
	Short: "Dispatch a receipt for one agent now",
	Long: `Runs a single dispatch outside the scheduler: summarizes the agent's
open period, renders the receipt, and delivers it. A successful send advances
the agent's schedule exactly as a scheduled dispatch would.`,
	Example: `  # Deliver to the agent's configured target
  billfrog send --agent ops-bot

  # Print the receipt instead of delivering it
  billfrog send --agent ops-bot --target stdout`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := runtimeConfig()
		agents, err := loadAgents(cfg)
		if err != nil {
			return err
		}
		agent, err := findAgent(agents, sendAgent)
		if err != nil {
			return err
		}
		if sendTarget != "" {
			agent.Target = sendTarget
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

		pipeline, closeNotifier, err := newPipeline(cfg, us, ss, agent.Target)
		if err != nil {
			return err
		}
		defer closeNotifier()

		outcome, err := pipeline.Dispatch(cmd.Context(), agent)
		if err != nil {
			return err
		}
		switch outcome {
		case schedule.OutcomeSuccess:
			goodColor.Printf("✓ Receipt delivered to %s\n", agent.Target)
		case schedule.OutcomeRetry:
			warnColor.Println("Delivery failed with a transient error; the agent remains due and the scheduler will retry.")
		case schedule.OutcomeFailedPermanent:
			badColor.Println("Delivery failed permanently; check the agent's target.")
			return fmt.Errorf("permanent delivery failure for %s", agent.Name)
		}
		return nil
	},
}

func init() {
	sendCmd.Flags().StringVar(&sendAgent, "agent", "", "agent name")
	sendCmd.Flags().StringVar(&sendTarget, "target", "", "override the agent's configured target for this send")
	sendCmd.MarkFlagRequired("agent")
	rootCmd.AddCommand(sendCmd)
}
