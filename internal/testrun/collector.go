package testrun

import "errors"

// ErrNoOpenBlock is returned by Leave when there is no extent to close.
var ErrNoOpenBlock = errors.New("no open test block")

// Body runs a test block. A non-nil Wait means the body is still running
// asynchronously; the collector hands it a settle callback that must be
// invoked exactly once when the body finishes.
type Body func() (Wait, error)

// Wait registers the settle callback of an asynchronous body.
type Wait func(settle func(err error))

// Context identifies the node that assertions made at a given point belong to.
// It is captured before scheduling host callbacks and restored with Within.
type Context struct {
	ext *extent
}

// Node returns the descriptor the context records into.
func (c Context) Node() *Descriptor {
	if c.ext == nil {
		return nil
	}
	return c.ext.node
}

// extent is a stretch of synchronous execution attributed to one node.
// blocker is the most recent asynchronous child started from this extent that
// has not settled yet; later siblings queue behind it.
type extent struct {
	node    *Descriptor
	blocker *block
}

type block struct {
	node     *Descriptor
	deferred []func()
	settled  bool
}

// ResultRef points at a recorded result so that chained assertions can fold
// later outcomes into it.
type ResultRef struct {
	node  *Descriptor
	index int
}

// Collector builds the descriptor tree for exactly one run. It is not safe for
// concurrent use; the owning VM goroutine is its only caller.
type Collector struct {
	root    *Descriptor
	rootExt *extent
	extents []*extent
	pending []*block
}

// NewCollector returns a collector whose root node is already open.
func NewCollector() *Collector {
	root := newDescriptor(RootName)
	return &Collector{
		root:    root,
		rootExt: &extent{node: root},
	}
}

// Root returns the top-level node.
func (c *Collector) Root() *Descriptor { return c.root }

// Tree returns the report as a list with the root as its single entry.
func (c *Collector) Tree() []*Descriptor { return []*Descriptor{c.root} }

// Pending reports how many asynchronous blocks have not settled yet.
func (c *Collector) Pending() int { return len(c.pending) }

// context resolves the extent that receives new blocks and results: the
// innermost open extent, or the root when none is open. Promise continuations
// get their extent back through Resumed.
func (c *Collector) context() *extent {
	if n := len(c.extents); n > 0 {
		return c.extents[n-1]
	}
	return c.rootExt
}

// Current returns the node assertions are recorded into right now.
func (c *Collector) Current() *Descriptor { return c.context().node }

// Capture snapshots the current context for later use with Within.
func (c *Collector) Capture() Context { return Context{ext: c.context()} }

// Within runs fn with ctx as the active context.
func (c *Collector) Within(ctx Context, fn func()) {
	c.push(ctx.ext)
	defer c.leave()
	fn()
}

// Grab, Resumed and Exited make the collector a goja.AsyncContextTracker.
// The VM grabs the active extent whenever a promise reaction is registered
// and resumes it around the reaction job, so code after an await records
// where the await was written.
func (c *Collector) Grab() any { return c.context() }

func (c *Collector) Resumed(v any) {
	ext, _ := v.(*extent)
	c.push(ext)
}

func (c *Collector) Exited() {
	if len(c.extents) > 0 {
		c.leave()
	}
}

func (c *Collector) push(ext *extent) {
	if ext == nil {
		ext = c.rootExt
	}
	c.extents = append(c.extents, ext)
}

// Enter opens a synchronous extent for node. Every Enter must be paired with
// Leave.
func (c *Collector) Enter(node *Descriptor) {
	c.extents = append(c.extents, &extent{node: node})
}

// EnterRoot reopens the root extent for top-level script code.
func (c *Collector) EnterRoot() { c.push(c.rootExt) }

// Leave closes the innermost extent.
func (c *Collector) Leave() error {
	if len(c.extents) == 0 {
		return ErrNoOpenBlock
	}
	c.leave()
	return nil
}

func (c *Collector) leave() {
	c.extents = c.extents[:len(c.extents)-1]
}

// Test appends a child block named name to the current node and runs body in
// it. If an earlier asynchronous sibling is still running, the block is queued
// and started once that sibling settles.
func (c *Collector) Test(name string, body Body) {
	parent := c.context()
	if parent.blocker != nil && !parent.blocker.settled {
		b := parent.blocker
		b.deferred = append(b.deferred, func() { c.Test(name, body) })
		return
	}
	c.start(parent, name, body)
}

func (c *Collector) start(parent *extent, name string, body Body) {
	node := newDescriptor(name)
	parent.node.Children = append(parent.node.Children, node)

	c.Enter(node)
	wait, err := body()
	c.leave()

	if err != nil {
		node.ScriptError = err.Error()
		return
	}
	if wait == nil {
		return
	}

	b := &block{node: node}
	parent.blocker = b
	c.pending = append(c.pending, b)
	wait(func(err error) { c.settle(parent, b, err) })
}

func (c *Collector) settle(parent *extent, b *block, err error) {
	if b.settled {
		return
	}
	b.settled = true
	if err != nil {
		b.node.ScriptError = err.Error()
	}
	for i, p := range c.pending {
		if p == b {
			c.pending = append(c.pending[:i], c.pending[i+1:]...)
			break
		}
	}
	if parent.blocker == b {
		parent.blocker = nil
	}

	queue := b.deferred
	b.deferred = nil
	if len(queue) == 0 {
		return
	}

	// Queued siblings run in the parent's own extent so a newly started
	// asynchronous sibling blocks later code in that extent too.
	c.push(parent)
	defer c.leave()
	for i, job := range queue {
		job()
		if parent.blocker != nil && !parent.blocker.settled {
			parent.blocker.deferred = append(parent.blocker.deferred, queue[i+1:]...)
			break
		}
	}
}

// Record appends a result to the current node.
func (c *Collector) Record(r ExpectResult) ResultRef {
	node := c.Current()
	node.ExpectResults = append(node.ExpectResults, r)
	return ResultRef{node: node, index: len(node.ExpectResults) - 1}
}

// Amend replaces a previously recorded result in place.
func (c *Collector) Amend(ref ResultRef, r ExpectResult) {
	if ref.node == nil || ref.index < 0 || ref.index >= len(ref.node.ExpectResults) {
		return
	}
	ref.node.ExpectResults[ref.index] = r
}

// Lookup returns the result a ref points at.
func (c *Collector) Lookup(ref ResultRef) (ExpectResult, bool) {
	if ref.node == nil || ref.index < 0 || ref.index >= len(ref.node.ExpectResults) {
		return ExpectResult{}, false
	}
	return ref.node.ExpectResults[ref.index], true
}

// SetScriptError marks the current node as aborted.
func (c *Collector) SetScriptError(msg string) {
	c.Current().ScriptError = msg
}
