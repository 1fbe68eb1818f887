package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"scriptcage/internal/sandbox"
	"scriptcage/internal/store"
)

// ErrInvalidKind is returned for a run kind other than test or pre-request.
var ErrInvalidKind = errors.New("invalid run kind")

// RunRecorder persists finished runs. *store.Store satisfies it.
type RunRecorder interface {
	SaveRun(ctx context.Context, r *store.Run) error
}

// RunRequest is one script to execute. An empty Kind means a test run.
type RunRequest struct {
	Kind sandbox.Mode `json:"kind"`
	sandbox.Input
}

// RunOutcome is the result of a run: exactly one of Result and Error is set.
type RunOutcome struct {
	Run    *store.Run            `json:"run"`
	Result *sandbox.Result       `json:"result,omitempty"`
	Error  *sandbox.SandboxError `json:"error,omitempty"`
}

// Passed reports whether the run completed with no failed expectation and no
// aborted test block.
func (o *RunOutcome) Passed() bool {
	if o.Error != nil || o.Result == nil {
		return false
	}
	for _, d := range o.Result.Tests {
		if _, failed := d.Counts(); failed > 0 || d.HasScriptErrors() {
			return false
		}
	}
	return true
}

// runTag places a run inside a collection run.
type runTag struct {
	collectionRunID string
	position        int
}

// ScriptRunner executes scripts in the sandbox and records them in the run
// history. Recording is best effort.
type ScriptRunner struct {
	exec *sandbox.Executor
	runs RunRecorder
	log  zerolog.Logger
}

func NewScriptRunner(exec *sandbox.Executor, runs RunRecorder, log zerolog.Logger) *ScriptRunner {
	return &ScriptRunner{exec: exec, runs: runs, log: log.With().Str("component", "runner").Logger()}
}

// Execute runs req for the workspace. The returned error is non-nil only for
// invalid requests and internal failures; script faults come back in
// RunOutcome.Error.
func (sr *ScriptRunner) Execute(ctx context.Context, workspaceID int64, req RunRequest) (*RunOutcome, error) {
	return sr.execute(ctx, workspaceID, req, runTag{})
}

func (sr *ScriptRunner) execute(ctx context.Context, workspaceID int64, req RunRequest, tag runTag) (*RunOutcome, error) {
	kind, err := normalizeKind(req.Kind)
	if err != nil {
		return nil, err
	}

	var (
		res  *sandbox.Result
		rerr error
	)
	if kind == sandbox.ModePreRequest {
		res, rerr = sr.exec.RunPreRequest(ctx, req.Input)
	} else {
		res, rerr = sr.exec.RunTest(ctx, req.Input)
	}

	out := &RunOutcome{Result: res}
	run := &store.Run{
		WorkspaceID:     workspaceID,
		CollectionRunID: tag.collectionRunID,
		Position:        tag.position,
		Kind:            string(kind),
		Script:          req.Script,
		Outcome:         "completed",
	}
	if rerr != nil {
		var serr *sandbox.SandboxError
		if !errors.As(rerr, &serr) {
			return nil, fmt.Errorf("run script: %w", rerr)
		}
		out.Error = serr
		run.Outcome = string(serr.Kind)
		run.Tests = serr.Tests
		run.ErrorKind = string(serr.Kind)
		run.ErrorMessage = serr.Message
		run.ErrorLine = serr.Line
	} else {
		run.Tests = res.Tests
		run.EnvDiff = res.Diff
		run.Console = res.Console
		run.Requests = res.Requests
		run.DurationMs = res.DurationMs
	}
	out.Run = run
	sr.saveHistory(ctx, run)
	return out, nil
}

func (sr *ScriptRunner) saveHistory(ctx context.Context, run *store.Run) {
	if sr.runs == nil {
		return
	}
	if err := sr.runs.SaveRun(context.WithoutCancel(ctx), run); err != nil {
		sr.log.Warn().Err(err).Str("outcome", run.Outcome).Msg("save run history")
	}
}

func normalizeKind(k sandbox.Mode) (sandbox.Mode, error) {
	switch k {
	case "", sandbox.ModeTest:
		return sandbox.ModeTest, nil
	case sandbox.ModePreRequest:
		return sandbox.ModePreRequest, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidKind, k)
}
