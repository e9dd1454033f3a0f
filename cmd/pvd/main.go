// Command pvd is the PageVault sync daemon and its management CLI.
package main

import (
	"fmt"
	"io"
	"log"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/pagevault/pagevault/internal/config"
)

var (
	cfg       *config.Config
	logOutput io.Writer = os.Stderr
)

var rootCmd = &cobra.Command{
	Use:   "pvd",
	Short: "PageVault multi-device sync daemon",
	Long: `pvd keeps a personal content store synchronized across devices
through a sync server: local changes are queued durably and pushed,
remote changes are streamed in and applied, and large field values
travel through media storage.

The daemon reads its configuration from ~/.pagevault/config.yaml (or
--config); every key can also be set through a PAGEVAULT_ environment
variable.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		path, _ := cmd.Flags().GetString("config")
		loaded, err := config.Load(path)
		if err != nil {
			return err
		}
		cfg = loaded

		if cfg.Log.File != "" {
			logOutput = io.MultiWriter(os.Stderr, &lumberjack.Logger{
				Filename:   cfg.Log.File,
				MaxSize:    cfg.Log.MaxSizeMB,
				MaxBackups: cfg.Log.MaxBackups,
				MaxAge:     cfg.Log.MaxAgeDays,
			})
		}
		return nil
	},
}

// newLogger returns a component logger writing to the configured
// output.
func newLogger(prefix string) *log.Logger {
	return log.New(logOutput, prefix, log.LstdFlags)
}

func init() {
	rootCmd.PersistentFlags().String("config", "", "Config file path")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
