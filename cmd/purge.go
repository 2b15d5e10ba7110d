// cmd/purge.go
package cmd

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

var (
	purgeKeepDays int
	purgeYes      bool
)

var purgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Delete usage data older than the retention window",
	Long: `Removes usage events and their daily aggregates older than the cutoff.
Each day is removed atomically, so an interrupted purge never leaves a day
with events but no aggregate or the other way round.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := runtimeConfig()
		days := purgeKeepDays
		if days == 0 {
			days = cfg.RetentionDays
		}
		cutoff := time.Now().UTC().AddDate(0, 0, -days)

		if !purgeYes {
			fmt.Printf("Delete all usage data older than %s? [y/N] ", cutoff.Format("2006-01-02"))
			reader := bufio.NewReader(os.Stdin)
			answer, _ := reader.ReadString('\n')
			if strings.TrimSpace(strings.ToLower(answer)) != "y" {
				fmt.Println("Aborted.")
				return nil
			}
		}

		us, err := openUsageStore(cfg)
		if err != nil {
			return err
		}
		defer us.Close()

		if err := us.Purge(cutoff); err != nil {
			return err
		}
		goodColor.Printf("✓ Purged usage data older than %s\n", cutoff.Format("2006-01-02"))
		return nil
	},
}

func init() {
	purgeCmd.Flags().IntVar(&purgeKeepDays, "keep-days", 0, "retention window in days (default from BILLFROG_RETENTION_DAYS)")
	purgeCmd.Flags().BoolVar(&purgeYes, "yes", false, "skip the confirmation prompt")
	rootCmd.AddCommand(purgeCmd)
}
