package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/PaesslerAG/jsonpath"
	"github.com/google/uuid"

	"scriptcage/internal/cage/namespace"
	"scriptcage/internal/env"
	"scriptcage/internal/sandbox"
)

// ExecMode is how a collection run schedules its scripts.
type ExecMode string

const (
	// Sequential runs one script at a time, handing each the environment the
	// previous one left behind.
	Sequential ExecMode = "sequential"
	// Concurrent runs scripts in parallel, each on its own copy of the
	// starting environment.
	Concurrent ExecMode = "concurrent"
)

var (
	ErrNoItems        = errors.New("collection run has no items")
	ErrTooManyItems   = errors.New("collection run has too many items")
	ErrInvalidMode    = errors.New("invalid collection run mode")
	ErrInvalidExtract = errors.New("invalid extract path")
)

const maxIterations = 100

// CollectionItem is one script of a collection run.
type CollectionItem struct {
	Name     string              `json:"name"`
	Kind     sandbox.Mode        `json:"kind"`
	Script   string              `json:"script"`
	Response *namespace.Response `json:"response,omitempty"`
	Request  *namespace.Request  `json:"request,omitempty"`
	// Condition is a template such as "{{token}}"; the item is skipped
	// unless it expands to a non-empty string.
	Condition string `json:"condition,omitempty"`
	// Extract maps variable names to JSONPath expressions evaluated against
	// the response body after a completed run. Extracted values are written
	// to the selected environment.
	Extract    map[string]string `json:"extract,omitempty"`
	Iterations int               `json:"iterations,omitempty"`
	DelayMs    int64             `json:"delayMs,omitempty"`
}

// CollectionRequest describes a collection run.
type CollectionRequest struct {
	Name            string           `json:"name"`
	Mode            ExecMode         `json:"mode"`
	Workers         int              `json:"workers,omitempty"`
	StopOnFailure   bool             `json:"stopOnFailure"`
	Env             env.Snapshot     `json:"env"`
	EnvironmentName string           `json:"environmentName,omitempty"`
	Items           []CollectionItem `json:"items"`
}

// ItemResult reports one executed (or skipped) item iteration.
type ItemResult struct {
	Index      int                   `json:"index"`
	Name       string                `json:"name"`
	Iteration  int                   `json:"iteration"`
	RunID      string                `json:"runId,omitempty"`
	Outcome    string                `json:"outcome,omitempty"`
	Passed     int                   `json:"passed"`
	Failed     int                   `json:"failed"`
	Result     *sandbox.Result       `json:"result,omitempty"`
	Error      *sandbox.SandboxError `json:"error,omitempty"`
	Extracted  map[string]string     `json:"extracted,omitempty"`
	Skipped    bool                  `json:"skipped"`
	SkipReason string                `json:"skipReason,omitempty"`
}

// CollectionResult is a finished collection run. Env is the environment after
// the last item for sequential runs and the untouched starting environment
// for concurrent ones.
type CollectionResult struct {
	ID          string       `json:"id"`
	Name        string       `json:"name"`
	Mode        ExecMode     `json:"mode"`
	Items       []ItemResult `json:"items"`
	Env         env.Snapshot `json:"env"`
	Passed      int          `json:"passed"`
	Failed      int          `json:"failed"`
	Success     bool         `json:"success"`
	Error       string       `json:"error,omitempty"`
	TotalTimeMs int64        `json:"totalTimeMs"`
}

// CollectionOptions bounds collection runs.
type CollectionOptions struct {
	Workers    int
	MaxScripts int
	// OnRun is called after each collection run with its mode.
	OnRun func(mode ExecMode)
}

// CollectionRunner executes lists of scripts.
type CollectionRunner struct {
	runner *ScriptRunner
	opts   CollectionOptions
}

func NewCollectionRunner(runner *ScriptRunner, opts CollectionOptions) *CollectionRunner {
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	return &CollectionRunner{runner: runner, opts: opts}
}

// job is one iteration of one item.
type job struct {
	index     int
	position  int
	iteration int
	item      *CollectionItem
}

func (cr *CollectionRunner) Run(ctx context.Context, workspaceID int64, req CollectionRequest) (*CollectionResult, error) {
	jobs, err := cr.plan(req)
	if err != nil {
		return nil, err
	}
	mode := req.Mode
	if mode == "" {
		mode = Sequential
	}

	result := &CollectionResult{
		ID:      uuid.NewString(),
		Name:    req.Name,
		Mode:    mode,
		Items:   make([]ItemResult, len(jobs)),
		Success: true,
	}
	startTime := time.Now()

	switch mode {
	case Sequential:
		result.Env, err = cr.runSequential(ctx, workspaceID, req, jobs, result)
	case Concurrent:
		result.Env = req.Env.Copy()
		err = cr.runConcurrent(ctx, workspaceID, req, jobs, result)
	default:
		return nil, fmt.Errorf("%w: %q", ErrInvalidMode, mode)
	}
	if err != nil {
		return nil, err
	}

	for _, it := range result.Items {
		result.Passed += it.Passed
		result.Failed += it.Failed
		if !it.Skipped && (it.Failed > 0 || it.Error != nil) {
			result.Success = false
		}
	}
	if cr.opts.OnRun != nil {
		cr.opts.OnRun(mode)
	}
	result.TotalTimeMs = time.Since(startTime).Milliseconds()
	return result, nil
}

func (cr *CollectionRunner) plan(req CollectionRequest) ([]job, error) {
	if len(req.Items) == 0 {
		return nil, ErrNoItems
	}
	var jobs []job
	for i := range req.Items {
		item := &req.Items[i]
		if _, err := normalizeKind(item.Kind); err != nil {
			return nil, fmt.Errorf("item %d: %w", i, err)
		}
		for name, path := range item.Extract {
			if _, err := jsonpath.New(path); err != nil {
				return nil, fmt.Errorf("%w: item %d %s: %v", ErrInvalidExtract, i, name, err)
			}
		}
		iterations := min(max(item.Iterations, 1), maxIterations)
		for it := 0; it < iterations; it++ {
			jobs = append(jobs, job{index: i, position: len(jobs), iteration: it, item: item})
		}
	}
	if n := cr.opts.MaxScripts; n > 0 && len(jobs) > n {
		return nil, fmt.Errorf("%w: %d runs, limit %d", ErrTooManyItems, len(jobs), n)
	}
	return jobs, nil
}

// runSequential chains the environment from one run into the next. Request
// variables never carry over.
func (cr *CollectionRunner) runSequential(ctx context.Context, ws int64, req CollectionRequest, jobs []job, result *CollectionResult) (env.Snapshot, error) {
	current := req.Env.Copy()
	current.Temp = nil
	stopped := ""

	for _, j := range jobs {
		ir := ItemResult{Index: j.index, Name: j.item.Name, Iteration: j.iteration}
		switch {
		case stopped != "":
			ir.Skipped, ir.SkipReason = true, stopped
		case ctx.Err() != nil:
			stopped = "collection run cancelled"
			ir.Skipped, ir.SkipReason = true, stopped
		case !conditionMet(j.item.Condition, current):
			ir.Skipped, ir.SkipReason = true, "Condition not met"
		default:
			if err := sleepCtx(ctx, time.Duration(j.item.DelayMs)*time.Millisecond); err != nil {
				stopped = "collection run cancelled"
				ir.Skipped, ir.SkipReason = true, stopped
				break
			}
			out, err := cr.runner.execute(ctx, ws, cr.request(req, j, current), runTag{result.ID, j.position})
			if err != nil {
				return current, err
			}
			fill(&ir, out)
			if out.Result != nil {
				current = out.Result.Env
				current.Temp = nil
				if len(j.item.Extract) > 0 {
					ir.Extracted, current = applyExtract(j.item, current)
				}
			}
			if req.StopOnFailure && !out.Passed() {
				stopped = fmt.Sprintf("stopped after %q failed", j.item.Name)
				result.Error = stopped
			}
		}
		result.Items[j.position] = ir
	}
	return current, nil
}

// runConcurrent runs jobs on at most Workers goroutines. Every run starts
// from the same environment and none sees another's writes.
func (cr *CollectionRunner) runConcurrent(ctx context.Context, ws int64, req CollectionRequest, jobs []job, result *CollectionResult) error {
	workers := cr.opts.Workers
	if req.Workers > 0 {
		workers = min(req.Workers, cr.opts.Workers)
	}
	base := req.Env.Copy()
	base.Temp = nil

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		firstErr error
	)
	semaphore := make(chan struct{}, workers)
	for _, j := range jobs {
		ir := ItemResult{Index: j.index, Name: j.item.Name, Iteration: j.iteration}
		if !conditionMet(j.item.Condition, base) {
			ir.Skipped, ir.SkipReason = true, "Condition not met"
			result.Items[j.position] = ir
			continue
		}

		select {
		case semaphore <- struct{}{}:
		case <-ctx.Done():
			ir.Skipped, ir.SkipReason = true, "collection run cancelled"
			result.Items[j.position] = ir
			continue
		}
		wg.Add(1)
		go func(j job, ir ItemResult) {
			defer wg.Done()
			defer func() { <-semaphore }()

			out, err := cr.runner.execute(ctx, ws, cr.request(req, j, base.Copy()), runTag{result.ID, j.position})
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				if firstErr == nil {
					firstErr = err
				}
				return
			}
			fill(&ir, out)
			if out.Result != nil && len(j.item.Extract) > 0 {
				ir.Extracted, _ = applyExtract(j.item, out.Result.Env)
			}
			result.Items[j.position] = ir
		}(j, ir)
	}
	wg.Wait()
	return firstErr
}

func (cr *CollectionRunner) request(req CollectionRequest, j job, snap env.Snapshot) RunRequest {
	return RunRequest{
		Kind: j.item.Kind,
		Input: sandbox.Input{
			Script:   j.item.Script,
			Env:      snap,
			Response: j.item.Response,
			Request:  j.item.Request,
			Info: namespace.Info{
				RequestName: j.item.Name,
				Iteration:   j.iteration,
			},
			EnvironmentName: req.EnvironmentName,
		},
	}
}

func fill(ir *ItemResult, out *RunOutcome) {
	ir.RunID = out.Run.ID
	ir.Outcome = out.Run.Outcome
	ir.Result = out.Result
	ir.Error = out.Error
	for _, d := range out.Run.Tests {
		p, f := d.Counts()
		ir.Passed += p
		ir.Failed += f
	}
}

// conditionMet expands the condition against snap. An unresolved or empty
// expansion means the condition is not met.
func conditionMet(condition string, snap env.Snapshot) bool {
	if condition == "" {
		return true
	}
	resolved := env.NewStore(snap).ReplaceIn(condition)
	if resolved == condition {
		return false
	}
	return resolved != ""
}

// applyExtract evaluates the item's JSONPath expressions against its response
// body and writes the hits into the selected scope of snap.
func applyExtract(item *CollectionItem, snap env.Snapshot) (map[string]string, env.Snapshot) {
	extracted := make(map[string]string)
	if item.Response == nil {
		return extracted, snap
	}
	var data any
	if err := json.Unmarshal([]byte(item.Response.Body), &data); err != nil {
		return extracted, snap // Non-JSON response, skip extraction
	}

	s := env.NewStore(snap)
	for name, path := range item.Extract {
		value, err := jsonpath.Get(path, data)
		if err != nil {
			continue
		}
		var str string
		switch v := value.(type) {
		case string:
			str = v
		default:
			b, _ := json.Marshal(v)
			str = string(b)
		}
		extracted[name] = str
		s.Set(env.ScopeSelected, name, str)
	}
	return extracted, s.Snapshot()
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
