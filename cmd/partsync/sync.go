package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/mechcat/partsync/internal/replica/daemon"
	"github.com/mechcat/partsync/internal/replica/dashboard"
	"github.com/mechcat/partsync/internal/replica/db"
	"github.com/mechcat/partsync/internal/replica/resolve"
	replsync "github.com/mechcat/partsync/internal/replica/sync"
	"github.com/mechcat/partsync/internal/ui"
)

var syncCmd = &cobra.Command{
	Use:     "sync",
	GroupID: "sync",
	Short:   "Run one sync pass with the configured policy",
	Long: `Run one sync pass between the local and the remote store.

With last_writer_wins (the default) both ledgers are read for the window since
the last checkpoint, each disputed row keeps the side with the newest change,
and the checkpoint advances once both sides committed.

With optimistic_interactive every pending local change is pushed to the remote
store; rows someone else changed in the meantime are offered for a decision.

Examples:
  partsync sync
  partsync sync --policy optimistic_interactive`,
	RunE: func(cmd *cobra.Command, args []string) error {
		policy, err := configuredPolicy()
		if err != nil {
			return err
		}
		var prompter replsync.Prompter
		if policy == resolve.OptimisticInteractive {
			prompter = newPrompter()
		}
		return runOnce(cmd.Context(), policy, prompter)
	},
}

var pushCmd = &cobra.Command{
	Use:     "push",
	GroupID: "sync",
	Short:   "Push pending local changes, asking on conflicts",
	Long: `Push every pending local change to the remote store.

A change whose row was modified remotely since it was captured is not written.
On a terminal you are asked whether to keep your version, keep the shared one,
or decide later. Without a terminal the conflict is postponed and the change
stays pending for the next push.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runOnce(cmd.Context(), resolve.OptimisticInteractive, newPrompter())
	},
}

func runOnce(ctx context.Context, policy resolve.Policy, prompter replsync.Prompter) error {
	coord, err := newCoordinator(policy, prompter, nil)
	if err != nil {
		return err
	}

	report, runErr := coord.Run(ctx)
	coord.WaitPrompts()
	renderReport(os.Stdout, report)

	if open := coord.Decisions(); len(open) > 0 {
		fmt.Println(ui.RenderWarn(fmt.Sprintf("%d conflict(s) postponed; the changes stay pending:", len(open))))
		for _, d := range open {
			fmt.Printf("  %s\n", d.Entry.Key())
		}
	}

	if runErr == nil {
		return nil
	}
	switch {
	case errors.Is(runErr, replsync.ErrRemoteUnavailable), errors.Is(runErr, replsync.ErrSyncInProgress):
		fmt.Println(ui.RenderWarn(runErr.Error()))
		return nil
	case errors.Is(runErr, replsync.ErrRemoteSchemaBehind):
		return fmt.Errorf("%w (run 'partsync migrate --remote')", runErr)
	default:
		return runErr
	}
}

var daemonCmd = &cobra.Command{
	Use:     "daemon",
	GroupID: "sync",
	Short:   "Sync on a timer and whenever the remote store changes",
	Long: `Run sync passes until interrupted.

A pass runs at startup, every --interval, and shortly after the remote store
file changes on disk. Passes never overlap; a trigger that fires during a pass
is folded into the next one.

With --port a status dashboard is served:
  ws://localhost:<port>/ws       run and conflict notifications
  http://localhost:<port>/health
  http://localhost:<port>/api/status

Send SIGHUP after migrating the remote store to clear a schema halt.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		policy, err := configuredPolicy()
		if err != nil {
			return err
		}
		s, err := loadSettings()
		if err != nil {
			return err
		}

		port := state.cfg.DashboardPort
		if cmd.Flags().Changed("port") {
			port, _ = cmd.Flags().GetInt("port")
		}

		var (
			coord    *replsync.Coordinator
			observer replsync.Observer
			server   *dashboard.Server
		)
		if port > 0 {
			server = dashboard.NewServer(&dashboard.Config{Port: port, Logger: state.logger})
			observer = dashboard.NewHandler(server, state.logger, func() []replsync.PendingDecision {
				return coord.Decisions()
			})
		}

		var prompter replsync.Prompter
		if policy == resolve.OptimisticInteractive {
			prompter = newPrompter()
		}
		coord, err = newCoordinator(policy, prompter, observer)
		if err != nil {
			return err
		}

		trigger, err := daemon.New(coord, s.RemotePath, daemon.Config{
			Interval:    state.cfg.Interval,
			Debounce:    state.cfg.Debounce,
			WatchRemote: state.cfg.WatchRemote,
			Logger:      state.logger,
		})
		if err != nil {
			return err
		}

		if server != nil {
			if err := server.Start(); err != nil {
				return fmt.Errorf("failed to start dashboard: %w", err)
			}
			defer func() { _ = server.Stop() }()
			fmt.Printf("Dashboard on http://%s (WebSocket /ws)\n", server.GetAddr())
		}

		ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		hup := make(chan os.Signal, 1)
		signal.Notify(hup, syscall.SIGHUP)
		defer signal.Stop(hup)
		go func() {
			for {
				select {
				case <-ctx.Done():
					return
				case <-hup:
					if coord.Halted() {
						state.logger.Info("halt cleared by SIGHUP")
						coord.ClearHalt()
					}
					trigger.Nudge()
				}
			}
		}()

		fmt.Printf("Syncing every %s with %s. Press Ctrl+C to stop.\n", state.cfg.Interval, policy)
		err = trigger.Start(ctx)
		coord.WaitPrompts()
		if err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		fmt.Printf("Stopped after %d pass(es)\n", trigger.Passes())
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:     "status",
	GroupID: "sync",
	Short:   "Show store paths, schema versions and pending changes",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		s, err := loadSettings()
		if err != nil {
			return err
		}

		lines := []string{
			ui.RenderField("Settings", state.settings.Path),
			ui.RenderField("Policy", state.cfg.Policy),
			ui.RenderField("Last sync", formatTime(s.LastSyncTimestamp)),
			ui.RenderField("Schema (latest)", fmt.Sprint(db.LatestVersion())),
		}

		local, err := openLocal(ctx)
		if err != nil {
			lines = append(lines, ui.RenderField("Local", ui.RenderFail(err.Error())))
		} else {
			defer func() { _ = local.Close() }()
			lines = append(lines, describeStore(ctx, "Local", s.LocalPath, local)...)
		}

		remote, err := openRemote()
		if err != nil {
			lines = append(lines, ui.RenderField("Remote", ui.RenderWarn("unreachable: "+err.Error())))
		} else {
			defer func() { _ = remote.Close() }()
			lines = append(lines, describeStore(ctx, "Remote", s.RemotePath, remote)...)
		}

		fmt.Println(ui.BoxStyle.Render(lipgloss.JoinVertical(lipgloss.Left, lines...)))

		if local != nil {
			recent, err := local.ListConflicts(ctx, 5)
			if err != nil {
				return err
			}
			if len(recent) > 0 {
				fmt.Println(ui.RenderAccent("Recent conflicts"))
				renderConflicts(os.Stdout, recent)
			}
		}
		return nil
	},
}

func describeStore(ctx context.Context, label, path string, d *db.DB) []string {
	lines := []string{ui.RenderField(label, path)}

	version, err := d.SchemaVersion(ctx)
	if err != nil {
		lines = append(lines, ui.RenderField("  schema", ui.RenderFail(err.Error())))
	} else {
		v := fmt.Sprint(version)
		if version < db.LatestVersion() {
			v = ui.RenderWarn(v + " (behind)")
		}
		lines = append(lines, ui.RenderField("  schema", v))
	}

	n, err := d.CountChanges(ctx)
	if err != nil {
		lines = append(lines, ui.RenderField("  ledger", ui.RenderFail(err.Error())))
	} else {
		lines = append(lines, ui.RenderField("  ledger", fmt.Sprintf("%d entries", n)))
	}
	return lines
}

func init() {
	syncCmd.Flags().String("policy", "", "Conflict policy: last_writer_wins or optimistic_interactive")
	daemonCmd.Flags().String("policy", "", "Conflict policy: last_writer_wins or optimistic_interactive")
	daemonCmd.Flags().Int("port", 0, "Serve the status dashboard on this port (0 disables)")

	rootCmd.AddCommand(syncCmd, pushCmd, daemonCmd, statusCmd)
}
