package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	gosync "sync"

	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"

	"github.com/mechcat/partsync/internal/replica/ledger"
	replsync "github.com/mechcat/partsync/internal/replica/sync"
	"github.com/mechcat/partsync/internal/ui"
)

// terminalPrompter asks on the controlling terminal. Prompts run one at a
// time; without a terminal every conflict is postponed.
type terminalPrompter struct {
	mu gosync.Mutex
}

var _ replsync.Prompter = (*terminalPrompter)(nil)

// newPrompter returns a terminal prompter, or nil when stdin is not a TTY.
func newPrompter() replsync.Prompter {
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return nil
	}
	return &terminalPrompter{}
}

func (p *terminalPrompter) PromptConflict(ctx context.Context, c ledger.ConflictRecord) (ledger.Decision, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	choice := ledger.Postpone.String()
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title(fmt.Sprintf("%s changed on both sides", c.Key())).
				Description(describeConflict(c)),
			huh.NewSelect[string]().
				Title("Which version should be kept?").
				Options(
					huh.NewOption("Keep mine (overwrite the shared copy)", ledger.KeepLocal.String()),
					huh.NewOption("Keep the shared copy (drop my change)", ledger.KeepRemote.String()),
					huh.NewOption("Decide later", ledger.Postpone.String()),
				).
				Value(&choice),
		),
	)

	if err := form.RunWithContext(ctx); err != nil {
		if errors.Is(err, huh.ErrUserAborted) {
			return ledger.Postpone, nil
		}
		return ledger.Postpone, err
	}
	return ledger.ParseDecision(choice)
}

func describeConflict(c ledger.ConflictRecord) string {
	return lipgloss.JoinVertical(lipgloss.Left,
		ui.RenderField("Mine", fmt.Sprintf("%s (%s)", c.LocalVersion, c.LocalTimestamp.Local().Format("2006-01-02 15:04:05"))),
		ui.RenderField("Shared", fmt.Sprintf("%s (%s)", c.RemoteVersion, c.RemoteTimestamp.Local().Format("2006-01-02 15:04:05"))),
		"",
		ui.RenderMuted("Mine:   "+string(c.LocalPayload)),
		ui.RenderMuted("Shared: "+string(c.RemotePayload)),
	)
}
