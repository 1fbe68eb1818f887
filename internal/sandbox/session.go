package sandbox

import (
	"context"
	"errors"
	"fmt"

	"github.com/dop251/goja"
	"github.com/rs/zerolog"

	"scriptcage/internal/cage"
	"scriptcage/internal/cage/fetch"
	"scriptcage/internal/cage/namespace"
	"scriptcage/internal/cage/webcrypto"
	"scriptcage/internal/env"
	"scriptcage/internal/expect"
	"scriptcage/internal/testrun"
)

// State is a step of a run's life cycle.
type State string

const (
	StateCreated         State = "created"
	StateModulesInjected State = "modules-injected"
	StateExecuting       State = "executing"
	StateCompleted       State = "completed"
	StateFaulted         State = "faulted"
)

// The script body runs inside an async function so that top-level await
// works and a top-level throw surfaces as the rejection of one promise.
const (
	wrapperHead  = "(async function () {"
	strictHead   = "'use strict';"
	wrapperTail  = "\n})()"
	wrapperLines = 1
)

// session is a single run. Everything in it is owned by the VM goroutine.
type session struct {
	x     *Executor
	mode  Mode
	in    Input
	log   zerolog.Logger
	state State

	vm    *goja.Runtime
	loop  *cage.Loop
	host  *cage.Host
	fetch *fetch.Module
	col   *testrun.Collector
	store *env.Store

	// rejections are promises rejected with no handler attached, in the
	// order they were rejected.
	rejections []*goja.Promise
}

func newSession(x *Executor, mode Mode, in Input) *session {
	return &session{
		x:     x,
		mode:  mode,
		in:    in,
		log:   x.log.With().Str("mode", string(mode)).Logger(),
		state: StateCreated,
		col:   testrun.NewCollector(),
		store: env.NewStore(in.Env),
	}
}

func (s *session) transition(to State) {
	s.log.Debug().Str("from", string(s.state)).Str("to", string(to)).Msg("run state")
	s.state = to
}

// inject builds the VM and installs every cage module, then locks the
// global scope down.
func (s *session) inject() error {
	opts := s.x.opts
	s.vm = goja.New()
	s.vm.SetPromiseRejectionTracker(s.trackRejection)
	s.vm.SetAsyncContextTracker(s.col)

	host, err := cage.NewHost(s.vm, s.loop, s.log)
	if err != nil {
		return fmt.Errorf("host: %w", err)
	}
	s.host = host
	if err := host.InstallGlobals(); err != nil {
		return fmt.Errorf("globals: %w", err)
	}

	fopts := fetch.Options{MaxRequests: opts.MaxRequests, MaxBodyBytes: opts.MaxBodyBytes}
	if obs := opts.Observer; obs != nil {
		fopts.Observe = obs.ObserveHook
	}
	if s.fetch, err = fetch.New(host, opts.Hook, fopts); err != nil {
		return fmt.Errorf("fetch: %w", err)
	}
	if err := s.fetch.Install(); err != nil {
		return fmt.Errorf("fetch: %w", err)
	}

	crypto, err := webcrypto.New(host)
	if err != nil {
		return fmt.Errorf("crypto: %w", err)
	}
	if err := crypto.Install(); err != nil {
		return fmt.Errorf("crypto: %w", err)
	}

	rules := expect.DefaultRules()
	if opts.Rules != nil {
		rules = *opts.Rules
	}
	exp, err := expect.New(host, s.col, rules)
	if err != nil {
		return fmt.Errorf("expect: %w", err)
	}

	ns, err := namespace.New(host, namespace.Options{
		Store:           s.store,
		Collector:       s.col,
		Expect:          exp,
		Fetch:           s.fetch,
		Response:        s.in.Response,
		Request:         s.in.Request,
		Info:            s.info(),
		EnvironmentName: s.in.EnvironmentName,
	})
	if err != nil {
		return fmt.Errorf("namespaces: %w", err)
	}
	if err := ns.Install(); err != nil {
		return fmt.Errorf("namespaces: %w", err)
	}

	if err := cage.Lockdown(s.vm, opts.MaxCallStackSize); err != nil {
		return fmt.Errorf("lockdown: %w", err)
	}
	return nil
}

func (s *session) info() namespace.Info {
	info := s.in.Info
	if info.EventName == "" {
		info.EventName = string(s.mode)
	}
	return info
}

func (s *session) trackRejection(p *goja.Promise, op goja.PromiseRejectionOperation) {
	switch op {
	case goja.PromiseRejectionReject:
		s.rejections = append(s.rejections, p)
	case goja.PromiseRejectionHandle:
		for i, r := range s.rejections {
			if r == p {
				s.rejections = append(s.rejections[:i], s.rejections[i+1:]...)
				break
			}
		}
	}
}

func (s *session) source() string {
	head := wrapperHead
	if s.x.opts.Strict {
		head += strictHead
	}
	return head + "\n" + s.in.Script + wrapperTail
}

// execute drives the run from Created to Completed or Faulted. A panic
// anywhere in the cage is turned into an internal fault.
func (s *session) execute(ctx context.Context) (res *Result, serr *SandboxError) {
	defer func() {
		if r := recover(); r != nil {
			serr = s.fault(&SandboxError{Kind: KindInternal, Message: fmt.Sprintf("panic: %v", r)})
		}
	}()

	s.loop = cage.NewLoop(ctx)
	defer s.loop.Close()

	if err := s.inject(); err != nil {
		return nil, s.fault(&SandboxError{Kind: KindInternal, Message: err.Error()})
	}
	s.transition(StateModulesInjected)

	prog, err := goja.Compile(scriptName, s.source(), false)
	if err != nil {
		return nil, s.fault(syntaxError(err, wrapperLines))
	}

	s.transition(StateExecuting)
	stop := context.AfterFunc(ctx, func() { s.vm.Interrupt(ErrTimeout) })
	defer stop()

	s.col.EnterRoot()
	main, err := s.vm.RunProgram(prog)
	_ = s.col.Leave()
	if err != nil {
		return nil, s.fail(ctx, err)
	}

	// A top-level rejection ends the run without waiting for the rest.
	runCtx, abandon := context.WithCancel(ctx)
	defer abandon()
	var (
		settled bool
		reason  goja.Value
	)
	err = s.host.Then(main,
		func(goja.Value) { settled = true },
		func(r goja.Value) {
			settled, reason = true, r
			abandon()
		},
	)
	if err != nil {
		return nil, s.fail(ctx, err)
	}

	if err := s.loop.Run(runCtx); err != nil && reason == nil {
		return nil, s.fail(ctx, err)
	}
	switch {
	case reason != nil:
		return nil, s.fault(s.uncaught(reason))
	case !settled:
		return nil, s.fault(&SandboxError{Kind: KindIncomplete, Message: "script is waiting on a promise that can no longer settle"})
	case s.col.Pending() > 0:
		return nil, s.fault(&SandboxError{Kind: KindIncomplete, Message: "an asynchronous test block never settled"})
	case len(s.rejections) > 0:
		return nil, s.fault(s.uncaught(s.rejections[0].Result()))
	}

	s.transition(StateCompleted)
	return &Result{
		Mode:     s.mode,
		Tests:    s.col.Tree(),
		Env:      s.store.Snapshot(),
		Diff:     s.store.Diff(),
		Console:  s.host.Console.Entries,
		Requests: s.fetch.Started(),
	}, nil
}

// fail classifies an error returned by the VM or the loop.
func (s *session) fail(ctx context.Context, err error) *SandboxError {
	var (
		interrupted *goja.InterruptedError
		overflow    *goja.StackOverflowError
		ex          *goja.Exception
	)
	switch {
	case errors.As(err, &interrupted), ctx.Err() != nil:
		return s.fault(s.timeout(ctx))
	case errors.As(err, &overflow):
		return s.fault(&SandboxError{Kind: KindUncaught, Message: "RangeError: Maximum call stack size exceeded"})
	case errors.As(err, &ex):
		return s.fault(s.uncaught(ex.Value()))
	}
	return s.fault(&SandboxError{Kind: KindInternal, Message: err.Error()})
}

func (s *session) timeout(ctx context.Context) *SandboxError {
	msg := fmt.Sprintf("script execution timed out after %s", s.x.opts.Timeout)
	if errors.Is(ctx.Err(), context.Canceled) {
		msg = "script execution was cancelled"
	}
	return &SandboxError{Kind: KindTimeout, Message: msg}
}

// uncaught reports a thrown value, locating it through the Error's stack
// when it has one.
func (s *session) uncaught(v goja.Value) *SandboxError {
	se := &SandboxError{Kind: KindUncaught, Message: s.host.ErrorMessage(v)}
	if obj, ok := v.(*goja.Object); ok && cage.IsErrorObject(v) {
		if stack := obj.Get("stack"); cage.Present(stack) {
			se.Line, se.Column = stackLocation(stack.String(), wrapperLines)
		}
	}
	return se
}

func (s *session) fault(se *SandboxError) *SandboxError {
	s.transition(StateFaulted)
	se.Tests = s.col.Tree()
	return se
}
