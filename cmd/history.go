// cmd/history.go
package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var (
	historyAgent string
	historyLimit int
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show past dispatch attempts",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := runtimeConfig()
		ss, err := openScheduleStore(cfg)
		if err != nil {
			return err
		}
		defer ss.Close()

		records, err := ss.History(historyAgent, historyLimit)
		if err != nil {
			return err
		}
		if len(records) == 0 {
			fmt.Println("No dispatch history yet.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		defer w.Flush()
		headerColor.Fprintln(w, "WHEN\tAGENT\tPERIOD\tOUTCOME\tTARGET\tERROR")
		for _, rec := range records {
			period := fmt.Sprintf("%s to %s",
				rec.PeriodStart.UTC().Format("2006-01-02"),
				rec.PeriodEnd.UTC().Format("2006-01-02"))
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
				formatWhen(rec.DeliveredAt), rec.AgentID, period,
				outcomeColor(rec.Outcome).Sprint(string(rec.Outcome)),
				rec.DeliveredTo, rec.Error)
		}
		return nil
	},
}

func init() {
	historyCmd.Flags().StringVar(&historyAgent, "agent", "", "limit to one agent")
	historyCmd.Flags().IntVar(&historyLimit, "limit", 20, "max records to show")
	rootCmd.AddCommand(historyCmd)
}
