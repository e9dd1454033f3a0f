package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var enableCmd = &cobra.Command{
	Use:   "enable",
	Short: "Enable cloud sync on this installation",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		newInstall, _ := cmd.Flags().GetBool("new-install")

		eng, err := openEngine(ctx)
		if err != nil {
			return err
		}
		defer eng.Close()

		if newInstall {
			if err := eng.coord.EnableSyncForNewInstall(ctx); err != nil {
				return err
			}
		} else if err := eng.coord.EnableSync(ctx); err != nil {
			return err
		}
		fmt.Println("Cloud sync enabled")
		return nil
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Existing-data migration to cloud sync",
}

var migratePrepareCmd = &cobra.Command{
	Use:   "prepare",
	Short: "Queue the full local dataset for upload",
	Long: `Rebuild the action queue from every local object so the whole
dataset reaches the server. Existing queued actions are discarded; the
rebuild covers them. Run "pvd migrate wait" (or keep the daemon
running) to drain the queue afterwards.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		eng, err := openEngine(ctx)
		if err != nil {
			return err
		}
		defer eng.Close()

		if err := eng.coord.PrepareDataMigration(ctx); err != nil {
			return err
		}
		fmt.Printf("Queued %d pending uploads\n", eng.coord.Stats().PendingUploads)
		return nil
	},
}

var migrateWaitCmd = &cobra.Command{
	Use:   "wait",
	Short: "Run sync until the migration queue is drained",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		eng, err := openEngine(ctx)
		if err != nil {
			return err
		}
		defer eng.Close()

		if err := eng.coord.StartSync(ctx); err != nil {
			return err
		}
		if err := eng.coord.RunDataMigration(ctx); err != nil {
			return err
		}
		fmt.Println("Migration complete")
		return nil
	},
}

var migrateCleanCmd = &cobra.Command{
	Use:   "clean",
	Short: "Remove passively collected data before a first sync",
	Long: `Delete browsing data that was collected without an explicit user
action: pages with no annotation or list entry, their visits and
icons, and all but the most recent visits of the surviving history.
Old installations need this once before their first sync; new installs
never do.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		force, _ := cmd.Flags().GetBool("force")

		eng, err := openEngine(ctx)
		if err != nil {
			return err
		}
		defer eng.Close()

		if !force {
			needed, err := eng.coord.IsPassiveDataRemovalNeeded(ctx)
			if err != nil {
				return err
			}
			if !needed {
				fmt.Println("No passive data removal needed")
				return nil
			}
		}

		if err := eng.coord.RunPassiveDataClean(ctx); err != nil {
			return err
		}
		fmt.Println("Passive data removed")
		return nil
	},
}

func init() {
	enableCmd.Flags().Bool("new-install", false, "Mark this as a fresh installation (skips the passive data wipe)")
	migrateCleanCmd.Flags().Bool("force", false, "Run the wipe even if the install time says it is not needed")

	migrateCmd.AddCommand(migratePrepareCmd)
	migrateCmd.AddCommand(migrateWaitCmd)
	migrateCmd.AddCommand(migrateCleanCmd)
	rootCmd.AddCommand(enableCmd)
	rootCmd.AddCommand(migrateCmd)
}
