package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/pagevault/pagevault/internal/devserver"
)

var devserverCmd = &cobra.Command{
	Use:   "devserver",
	Short: "Run the in-memory development sync server",
	Long: `Run a reference sync server that keeps everything in memory. Useful
for local development and integration testing; nothing survives a
restart.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		secret := cfg.Server.TokenSecret
		if secret == "" {
			secret = "pagevault-dev"
		}

		server := &http.Server{
			Addr: cfg.Server.Listen,
			Handler: devserver.New(devserver.Config{
				TokenSecret:    []byte(secret),
				MediaThreshold: cfg.Server.MediaThreshold,
				Logger:         newLogger("[devserver] "),
			}),
		}

		logger := newLogger("[pvd] ")
		logger.Printf("Dev server listening on %s", cfg.Server.Listen)

		errCh := make(chan error, 1)
		go func() {
			errCh <- server.ListenAndServe()
		}()

		select {
		case err := <-errCh:
			return err
		case <-ctx.Done():
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(devserverCmd)
}
