// Package sync replicates catalog changes between the local and the shared
// remote store.
//
// Overview
//
// Every tracked mutation appends an entry to the store's change ledger. A
// Coordinator pass reads the ledgers and moves changes across with one of
// two policies:
//
//	Local store                          Remote store (shared mount)
//	  catalog tables                       catalog tables
//	  change_log   ──┐              ┌──   change_log
//	                 ↓              ↓
//	             resolve.Reconcile (batch, last writer wins)
//	                 ↓              ↓
//	           apply remote  →  apply local   →  checkpoint
//
//	  change_log ──→ push pass (version tokens) ──→ remote
//	                    ↓ conflict
//	              PendingDecision ──→ Prompter ──→ Resolve
//
// Pass sequence
//
// Each pass follows the same gates, each a precondition for the next:
//
//	1. Run lock: a pass that finds another running returns ErrSyncInProgress
//	2. Halt check: after remote schema drift every pass returns ErrHalted
//	3. Paths: both configured and the remote file reachable
//	4. Schema: local migrations applied automatically, remote never
//	5. Policy: batch reconciliation or push
//
// Usage
//
//	coord, err := sync.New(sync.Config{
//	    Policy:   resolve.LastWriterWins,
//	    Settings: settings.NewFile(path),
//	    Logger:   logger,
//	})
//	if err != nil {
//	    return err
//	}
//
//	report, err := coord.Run(ctx)
//	switch sync.Classify(err) {
//	case sync.Recoverable:
//	    // try again next tick
//	case sync.HardFatal:
//	    // migrate the remote store, then coord.ClearHalt()
//	}
//
// Push conflicts
//
// Under OptimisticInteractive a local update whose base version no longer
// matches the remote row is not applied. The pass registers a
// PendingDecision and moves on; the key stays blocked until Resolve is
// called with its token:
//
//	for _, d := range coord.Decisions() {
//	    if err := coord.Resolve(ctx, d.Token, ledger.KeepRemote); err != nil {
//	        return err
//	    }
//	}
//
// Error Handling
//
// Run returns sentinel errors wrapped in *RunError with the failing stage.
// Classify maps them to a Severity:
//
//   - Recoverable: ErrSyncInProgress, ErrRemoteUnavailable
//   - RunFatal: any other failure; the checkpoint does not move
//   - HardFatal: ErrRemoteSchemaBehind, ErrHalted
package sync
