package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/pagevault/pagevault/internal/storage"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show sync state and progress",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		eng, err := openEngine(ctx)
		if err != nil {
			return err
		}
		defer eng.Close()

		enabled, err := eng.coord.IsCloudSyncEnabled(ctx)
		if err != nil {
			return err
		}
		userID, err := eng.tokens.CurrentUserID(ctx)
		if err != nil {
			return err
		}
		deviceID, err := eng.tokens.CurrentDeviceID(ctx)
		if err != nil {
			return err
		}
		cursor, err := eng.settings.GetInt64(ctx, storage.SettingLastSeen)
		if err != nil {
			return err
		}

		fmt.Printf("Sync enabled:      %v\n", enabled)
		if userID == "" {
			fmt.Println("Account:           signed out")
		} else {
			fmt.Printf("Account:           %s\n", userID)
			fmt.Printf("Device:            %s\n", deviceID)
		}
		fmt.Printf("Stream cursor:     %d\n", cursor)

		stats := eng.coord.Stats()
		fmt.Printf("Pending uploads:   %d\n", stats.PendingUploads)
		fmt.Printf("Pending downloads: %d\n", stats.PendingDownloads)

		if userID != "" {
			used, err := eng.coord.GetBlockStats(ctx)
			if err != nil {
				fmt.Printf("Storage used:      unavailable (%v)\n", err)
			} else {
				fmt.Printf("Storage used:      %d blocks\n", used)
			}
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
