// cmd/summary.go
package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/billfrog/billfrog/internal/summary"
	"github.com/spf13/cobra"
)

var (
	summaryAgent string
	summaryDays  int
	summaryStart string
	summaryEnd   string
)

var summaryCmd = &cobra.Command{
	Use:   "summary",
	Short: "Show an agent's usage summary for a period",
	Example: `  # Last 7 days
  billfrog summary --agent ops-bot

  # An explicit period (end date excluded)
  billfrog summary --agent ops-bot --start 2026-03-01 --end 2026-04-01`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := runtimeConfig()

		now := time.Now().UTC()
		start := now.AddDate(0, 0, -summaryDays)
		end := now
		if summaryStart != "" {
			var err error
			if start, err = parseDay(summaryStart); err != nil {
				return err
			}
			if summaryEnd == "" {
				return fmt.Errorf("--start requires --end")
			}
			if end, err = parseDay(summaryEnd); err != nil {
				return err
			}
		}

		us, err := openUsageStore(cfg)
		if err != nil {
			return err
		}
		defer us.Close()

		s, err := summary.New(us).Summarize(summaryAgent, start, end)
		if err != nil {
			return err
		}

		headerColor.Printf("Usage for %s\n", summaryAgent)
		fmt.Printf("Period: %s to %s\n\n", start.Format("2006-01-02"), end.Format("2006-01-02"))

		labelColor.Print("Total: ")
		fmt.Printf("%d events, %d units, ", s.TotalEvents, s.TotalUnits)
		goodColor.Printf("$%.4f\n\n", s.TotalCostUSD)

		if len(s.Categories) > 0 {
			labelColor.Println("By model:")
			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "  MODEL\tEVENTS\tUNITS\tSHARE\tCOST")
			for _, c := range s.Categories {
				fmt.Fprintf(w, "  %s\t%d\t%d\t%.1f%%\t$%.4f\n", c.Category, c.Events, c.Units, c.SharePercent, c.CostUSD)
			}
			w.Flush()
			fmt.Println()
		}

		labelColor.Println("Daily:")
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "  DATE\tEVENTS\tUNITS\tCOST")
		for _, d := range s.Days {
			fmt.Fprintf(w, "  %s\t%d\t%d\t$%.4f\n", d.Date, d.Events, d.Units, d.CostUSD)
		}
		return w.Flush()
	},
}

func init() {
	summaryCmd.Flags().StringVar(&summaryAgent, "agent", "", "agent name")
	summaryCmd.Flags().IntVar(&summaryDays, "days", 7, "how many days back to summarize")
	summaryCmd.Flags().StringVar(&summaryStart, "start", "", "period start, YYYY-MM-DD (inclusive)")
	summaryCmd.Flags().StringVar(&summaryEnd, "end", "", "period end, YYYY-MM-DD (exclusive)")
	summaryCmd.MarkFlagRequired("agent")
	rootCmd.AddCommand(summaryCmd)
}
