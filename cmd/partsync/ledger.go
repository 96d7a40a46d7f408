package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"
	"github.com/spf13/cobra"

	"github.com/mechcat/partsync/internal/replica/apply"
	"github.com/mechcat/partsync/internal/replica/ledger"
	"github.com/mechcat/partsync/internal/ui"
)

var ledgerCmd = &cobra.Command{
	Use:     "ledger",
	GroupID: "data",
	Short:   "Inspect and export the change ledger",
}

var ledgerListCmd = &cobra.Command{
	Use:   "list",
	Short: "List pending ledger entries",
	Long: `List ledger entries of the local store, or the remote one with --remote.

--since accepts RFC3339, a date (2006-01-02) or a phrase such as "yesterday"
or "last monday".`,
	RunE: func(cmd *cobra.Command, args []string) error {
		entries, err := readLedger(cmd)
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			fmt.Println(ui.RenderMuted("No ledger entries"))
			return nil
		}
		renderEntries(os.Stdout, entries)
		return nil
	},
}

var ledgerExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export ledger entries as JSONL",
	RunE: func(cmd *cobra.Command, args []string) error {
		entries, err := readLedger(cmd)
		if err != nil {
			return err
		}

		var w io.Writer = os.Stdout
		if out, _ := cmd.Flags().GetString("output"); out != "" {
			f, err := os.Create(out)
			if err != nil {
				return fmt.Errorf("failed to create %s: %w", out, err)
			}
			defer f.Close()
			w = f
			defer fmt.Fprintf(os.Stderr, "Exported %d entries to %s\n", len(entries), out)
		}
		return ledger.WriteJSONL(w, entries)
	},
}

var replayCmd = &cobra.Command{
	Use:     "replay <file>",
	GroupID: "data",
	Short:   "Apply a JSONL ledger export to a store",
	Long: `Apply the entries of a ledger export to the local or remote store in one
transaction. Entries are replayed in timestamp order with the same rules a sync
pass uses. Replaying onto the remote store also appends the entries to its
ledger so other clients pick them up.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		target, _ := cmd.Flags().GetString("target")
		remote := false
		switch target {
		case "local":
		case "remote":
			remote = true
		default:
			return fmt.Errorf("invalid --target %q (want local or remote)", target)
		}

		entries, err := ledger.ReadJSONLFile(args[0])
		if err != nil {
			return err
		}

		d, err := openSide(ctx, remote)
		if err != nil {
			return err
		}
		defer func() { _ = d.Close() }()

		applier := apply.New(d.Registry(), state.logger)
		applier.Relay = remote
		res, err := applier.Apply(ctx, d, entries)
		if err != nil {
			return err
		}
		fmt.Println(ui.RenderPass(fmt.Sprintf("✓ Replayed %d entries onto %s: %s", len(entries), target, formatResult(res))))
		return nil
	},
}

func readLedger(cmd *cobra.Command) ([]ledger.Entry, error) {
	remote, _ := cmd.Flags().GetBool("remote")
	sinceArg, _ := cmd.Flags().GetString("since")

	d, err := openSide(cmd.Context(), remote)
	if err != nil {
		return nil, err
	}
	defer func() { _ = d.Close() }()

	if sinceArg == "" {
		return d.PendingChanges(cmd.Context())
	}
	since, err := parseSince(sinceArg, time.Now())
	if err != nil {
		return nil, err
	}
	return d.ChangesSince(cmd.Context(), since, time.Time{})
}

// parseSince accepts RFC3339, a plain date, or a natural-language phrase
// relative to now.
func parseSince(s string, now time.Time) (time.Time, error) {
	s = strings.TrimSpace(s)
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC(), nil
	}
	if t, err := time.ParseInLocation("2006-01-02", s, time.Local); err == nil {
		return t.UTC(), nil
	}

	w := when.New(nil)
	w.Add(en.All...)
	w.Add(common.All...)
	r, err := w.Parse(s, now)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid --since %q: %w", s, err)
	}
	if r == nil {
		return time.Time{}, fmt.Errorf("invalid --since %q: not a time or date", s)
	}
	return r.Time.UTC(), nil
}

func init() {
	for _, c := range []*cobra.Command{ledgerListCmd, ledgerExportCmd} {
		c.Flags().Bool("remote", false, "Read the remote store's ledger")
		c.Flags().String("since", "", "Only entries captured after this time")
	}
	ledgerExportCmd.Flags().StringP("output", "o", "", "Write to file instead of stdout")
	replayCmd.Flags().String("target", "local", "Store to apply to: local or remote")

	ledgerCmd.AddCommand(ledgerListCmd, ledgerExportCmd)
	rootCmd.AddCommand(ledgerCmd, replayCmd)
}
