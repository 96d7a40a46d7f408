package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mechcat/partsync/internal/replica/db"
	"github.com/mechcat/partsync/internal/ui"
)

var migrateCmd = &cobra.Command{
	Use:     "migrate",
	GroupID: "sync",
	Short:   "Apply pending schema migrations",
	Long: `Apply pending schema migrations to the local store, or with --remote to the
shared store.

The shared store is never migrated by a sync pass. When a client finds it
behind, syncing halts until someone runs 'partsync migrate --remote' and the
daemon is restarted or sent SIGHUP.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		remote, _ := cmd.Flags().GetBool("remote")
		to, _ := cmd.Flags().GetInt("to")
		dryRun, _ := cmd.Flags().GetBool("dry-run")

		var (
			d   *db.DB
			err error
		)
		if remote {
			d, err = openRemote()
		} else {
			s, lerr := loadSettings()
			if lerr != nil {
				return lerr
			}
			if s.LocalPath == "" {
				return fmt.Errorf("local_path is not set in %s", state.settings.Path)
			}
			d, err = db.OpenWithOptions(s.LocalPath, storeOptions(false))
		}
		if err != nil {
			return err
		}
		defer func() { _ = d.Close() }()

		pending, err := d.PendingMigrations(ctx)
		if err != nil {
			return err
		}
		if to <= 0 {
			to = db.LatestVersion()
		}
		var selected []int
		for _, v := range pending {
			if v <= to {
				selected = append(selected, v)
			}
		}

		if len(selected) == 0 {
			fmt.Println(ui.RenderPass("✓ Schema is up to date"))
			return nil
		}
		if dryRun {
			fmt.Printf("Would apply migrations %v to %s\n", selected, d.Path())
			return nil
		}

		if err := d.MigrateTo(ctx, to); err != nil {
			return err
		}
		version, err := d.SchemaVersion(ctx)
		if err != nil {
			return err
		}
		fmt.Println(ui.RenderPass(fmt.Sprintf("✓ Applied %d migration(s); %s is at version %d", len(selected), d.Path(), version)))
		if remote {
			fmt.Println(ui.RenderMuted("Restart running daemons or send them SIGHUP to resume syncing."))
		}
		return nil
	},
}

func init() {
	migrateCmd.Flags().Bool("remote", false, "Migrate the shared remote store")
	migrateCmd.Flags().Int("to", 0, "Stop at this migration version (default: latest)")
	migrateCmd.Flags().Bool("dry-run", false, "List pending migrations without applying them")

	rootCmd.AddCommand(migrateCmd)
}
