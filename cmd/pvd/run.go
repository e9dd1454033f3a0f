package main

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the sync daemon",
	Long: `Run the sync daemon until interrupted.

The daemon drains the outbound action queue, streams remote updates in
and reacts to sign-in and sign-out on the token file. A signed-out
daemon idles with the queue paused; signing in resumes it without a
restart.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		eng, err := openEngine(ctx)
		if err != nil {
			return err
		}
		defer eng.Close()

		if err := eng.coord.StartSync(ctx); err != nil {
			return err
		}

		logger := newLogger("[pvd] ")
		logger.Printf("Sync daemon running (server %s)", cfg.ServerURL)
		<-ctx.Done()
		logger.Printf("Shutting down")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(runCmd)
}
