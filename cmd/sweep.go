package cmd

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/triagekit/triage/internal/sessions"
)

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Run a single expiry sweep pass",
	Long: `Mark every active session whose TTL has lapsed as expired and exit.
The serve command runs this continuously; sweep exists for cron-style
setups and for inspecting expiry behavior by hand.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := getStore()
		if err != nil {
			return err
		}

		sweeper := sessions.NewSweeper(s,
			viper.GetDuration("sweep_interval"),
			viper.GetDuration("store_timeout"))

		n, err := sweeper.SweepOnce(cmd.Context())
		if err != nil {
			return err
		}
		if n == 0 {
			ui.Info("No expired sessions")
		} else {
			ui.Success("Expired %d session(s)", n)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(sweepCmd)
}
