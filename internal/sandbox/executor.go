// Package sandbox runs one user script inside a fresh cage: it builds the VM,
// injects the cage modules, evaluates the script, drains every host
// operation the script started and returns the test tree with the
// environment changes, or a *SandboxError.
package sandbox

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"scriptcage/internal/cage"
	"scriptcage/internal/cage/fetch"
	"scriptcage/internal/cage/namespace"
	"scriptcage/internal/env"
	"scriptcage/internal/expect"
	"scriptcage/internal/testrun"
)

// DefaultTimeout bounds a run when Options.Timeout is zero.
const DefaultTimeout = 5 * time.Second

// Mode is the phase a script runs in.
type Mode string

const (
	ModeTest       Mode = "test"
	ModePreRequest Mode = "pre-request"
)

// Observer receives run telemetry. ObserveHook is called from hook
// goroutines.
type Observer interface {
	ObserveRun(mode Mode, outcome string, elapsed time.Duration)
	ObserveResults(passed, failed int)
	ObserveHook(outcome string, elapsed time.Duration)
}

// Options configures an Executor. The zero value is usable.
type Options struct {
	Timeout          time.Duration
	MaxCallStackSize int
	// MaxRequests caps fetch and pm.sendRequest calls per run.
	MaxRequests int
	// MaxBodyBytes caps each response body a hook hands back.
	MaxBodyBytes int64
	// Strict evaluates scripts in strict mode.
	Strict bool
	// Rules is the assertion rule set; nil means expect.DefaultRules.
	Rules *expect.Rules
	// Hook is the network egress. Without one every fetch fails.
	Hook     fetch.Hook
	Logger   zerolog.Logger
	Observer Observer
}

// Input is one script invocation.
type Input struct {
	Script string       `json:"script"`
	Env    env.Snapshot `json:"env"`
	// Response is what the test script inspects. Ignored for pre-request runs.
	Response        *namespace.Response `json:"response,omitempty"`
	Request         *namespace.Request  `json:"request,omitempty"`
	Info            namespace.Info      `json:"info"`
	EnvironmentName string              `json:"environmentName,omitempty"`
}

// Result is a completed run.
type Result struct {
	Mode       Mode                  `json:"mode"`
	Tests      []*testrun.Descriptor `json:"tests"`
	Env        env.Snapshot          `json:"env"`
	Diff       env.Diff              `json:"envDiff"`
	Console    []cage.ConsoleEntry   `json:"console"`
	Requests   int                   `json:"requests"`
	DurationMs int64                 `json:"durationMs"`
}

// Executor runs scripts. It holds no per-run state and is safe for concurrent
// use; every run gets its own VM, loop, collector and environment copy.
type Executor struct {
	opts Options
	log  zerolog.Logger
}

// New returns an executor with opts, filling in defaults.
func New(opts Options) *Executor {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.MaxCallStackSize <= 0 {
		opts.MaxCallStackSize = cage.DefaultMaxCallStackSize
	}
	return &Executor{opts: opts, log: opts.Logger.With().Str("component", "sandbox").Logger()}
}

// RunTest evaluates a post-response test script.
func (x *Executor) RunTest(ctx context.Context, in Input) (*Result, error) {
	return x.run(ctx, ModeTest, in)
}

// RunPreRequest evaluates a pre-request script. pm.response is not defined.
func (x *Executor) RunPreRequest(ctx context.Context, in Input) (*Result, error) {
	in.Response = nil
	return x.run(ctx, ModePreRequest, in)
}

func (x *Executor) run(ctx context.Context, mode Mode, in Input) (*Result, error) {
	begin := time.Now()
	ctx, cancel := context.WithTimeout(ctx, x.opts.Timeout)
	defer cancel()

	s := newSession(x, mode, in)
	res, serr := s.execute(ctx)
	elapsed := time.Since(begin)

	outcome := "completed"
	if serr != nil {
		outcome = string(serr.Kind)
	}
	if obs := x.opts.Observer; obs != nil {
		obs.ObserveRun(mode, outcome, elapsed)
		if root := s.col.Root(); root != nil {
			obs.ObserveResults(root.Counts())
		}
	}

	if serr != nil {
		x.log.Warn().Str("mode", string(mode)).Str("kind", string(serr.Kind)).
			Int("line", serr.Line).Dur("elapsed", elapsed).Msg(serr.Message)
		return nil, serr
	}
	res.DurationMs = elapsed.Milliseconds()
	passed, failed := s.col.Root().Counts()
	x.log.Debug().Str("mode", string(mode)).Int("passed", passed).Int("failed", failed).
		Dur("elapsed", elapsed).Msg("run completed")
	return res, nil
}
