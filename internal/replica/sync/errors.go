package sync

import (
	"errors"
	"fmt"
)

var (
	// ErrSyncInProgress is returned when another pass holds the run lock.
	ErrSyncInProgress = errors.New("sync already in progress")

	// ErrRemoteUnavailable means a store path is unset or the remote file
	// cannot be reached. Expected while the share is not mounted.
	ErrRemoteUnavailable = errors.New("remote store unavailable")

	// ErrRemoteSchemaBehind means the shared store lacks migrations this
	// client has. It is never migrated implicitly.
	ErrRemoteSchemaBehind = errors.New("remote schema is behind")

	// ErrHalted is returned by every run after ErrRemoteSchemaBehind until
	// ClearHalt is called.
	ErrHalted = errors.New("sync halted until the remote schema is migrated")

	// ErrUnknownDecision is returned by Resolve for a token that is not
	// pending.
	ErrUnknownDecision = errors.New("unknown pending decision")
)

// Stage names the step of a run that failed.
type Stage string

const (
	StageSettings    Stage = "settings"
	StageOpen        Stage = "open"
	StageSchema      Stage = "schema"
	StageRetrieve    Stage = "retrieve"
	StageApplyRemote Stage = "apply_remote"
	StageApplyLocal  Stage = "apply_local"
	StageCheckpoint  Stage = "checkpoint"
	StagePush        Stage = "push"
	StageResolve     Stage = "resolve"
)

// RunError wraps a failure inside one stage of a run.
type RunError struct {
	Stage Stage
	Err   error
}

func (e *RunError) Error() string {
	return fmt.Sprintf("sync %s failed: %v", e.Stage, e.Err)
}

func (e *RunError) Unwrap() error {
	return e.Err
}

func stageErr(stage Stage, err error) error {
	if err == nil {
		return nil
	}
	return &RunError{Stage: stage, Err: err}
}

// Severity classifies a run outcome.
type Severity int

const (
	// SeverityNone is a successful run.
	SeverityNone Severity = iota
	// Recoverable conditions are expected and retried silently next tick.
	Recoverable
	// RunFatal aborts the run; the checkpoint is unchanged so the next tick
	// retries the same window.
	RunFatal
	// HardFatal needs operator action before sync can resume.
	HardFatal
)

func (s Severity) String() string {
	switch s {
	case SeverityNone:
		return "none"
	case Recoverable:
		return "recoverable"
	case RunFatal:
		return "run_fatal"
	case HardFatal:
		return "hard_fatal"
	default:
		return fmt.Sprintf("severity(%d)", int(s))
	}
}

// Classify maps an error returned by Run to its severity.
func Classify(err error) Severity {
	switch {
	case err == nil:
		return SeverityNone
	case errors.Is(err, ErrRemoteSchemaBehind), errors.Is(err, ErrHalted):
		return HardFatal
	case errors.Is(err, ErrSyncInProgress), errors.Is(err, ErrRemoteUnavailable):
		return Recoverable
	default:
		return RunFatal
	}
}
