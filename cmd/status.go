// cmd/status.go
package cmd

import (
	"errors"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/billfrog/billfrog/internal/schedule"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var statusNoColor bool

var statusCmd = &cobra.Command{
	Use:     "status",
	Aliases: []string{"st"},
	Short:   "Show each agent's schedule state and last dispatch outcome",
	Example: `  # View schedule status with colors
  billfrog status

  # View status without colors (for scripts/logging)
  billfrog status --no-color`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if statusNoColor {
			color.NoColor = true
		}
		cfg := runtimeConfig()
		agents, err := loadAgents(cfg)
		if err != nil {
			return err
		}
		if len(agents) == 0 {
			fmt.Println("No agents configured.")
			return nil
		}

		ss, err := openScheduleStore(cfg)
		if err != nil {
			return err
		}
		defer ss.Close()

		now := time.Now().UTC()
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		defer w.Flush()
		headerColor.Fprintln(w, "AGENT\tCADENCE\tSTATE\tLAST RECEIPT\tNEXT DUE\tLAST OUTCOME")

		for _, agent := range agents {
			state := goodColor.Sprint("idle")
			last := "never"
			next := "now"

			entry, err := ss.Get(agent.Name)
			switch {
			case errors.Is(err, schedule.ErrNotFound):
				state = warnColor.Sprint("due")
			case err != nil:
				return err
			default:
				last = formatWhen(entry.LastDispatchAt)
				if entry.Due(now) {
					state = warnColor.Sprint("due")
				} else {
					next = formatWhen(entry.NextDue(now))
				}
			}

			outcome := "-"
			rec, err := ss.LastRecord(agent.Name)
			if err == nil {
				outcome = outcomeColor(rec.Outcome).Sprint(string(rec.Outcome))
				if rec.Outcome == schedule.OutcomeFailedPermanent {
					if rec.Error != "" {
						outcome += badColor.Sprintf(" (%s)", rec.Error)
					}
					// Parked until an operator edits the agent; the
					// scheduler will not retry on its own.
					state = badColor.Sprint("failed")
				}
			} else if !errors.Is(err, schedule.ErrNotFound) {
				return err
			}

			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n", agent.Name, agent.Cadence, state, last, next, outcome)
		}
		return nil
	},
}

func init() {
	statusCmd.Flags().BoolVar(&statusNoColor, "no-color", false, "disable colored output")
	rootCmd.AddCommand(statusCmd)
}
