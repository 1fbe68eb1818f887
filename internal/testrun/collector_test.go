package testrun

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pass(msg string) ExpectResult { return ExpectResult{Status: StatusPass, Message: msg} }
func fail(msg string) ExpectResult { return ExpectResult{Status: StatusFail, Message: msg} }

func TestCollector_EmptyRun(t *testing.T) {
	c := NewCollector()
	tree := c.Tree()

	require.Len(t, tree, 1)
	assert.Equal(t, RootName, tree[0].Descriptor)
	assert.Empty(t, tree[0].ExpectResults)
	assert.Empty(t, tree[0].Children)
}

func TestCollector_NestedBlocks(t *testing.T) {
	c := NewCollector()
	c.EnterRoot()

	c.Test("outer", func() (Wait, error) {
		c.Record(pass("outer result"))
		c.Test("inner", func() (Wait, error) {
			c.Record(pass("inner result"))
			return nil, nil
		})
		return nil, nil
	})
	c.Test("sibling", func() (Wait, error) {
		c.Record(fail("sibling result"))
		return nil, errors.New("boom")
	})
	require.NoError(t, c.Leave())

	root := c.Root()
	require.Len(t, root.Children, 2)
	outer := root.Children[0]
	require.Len(t, outer.Children, 1)
	inner := outer.Children[0]

	assert.Equal(t, "inner", inner.Descriptor)
	assert.Equal(t, []ExpectResult{pass("inner result")}, inner.ExpectResults)
	assert.Equal(t, []ExpectResult{pass("outer result")}, outer.ExpectResults)
	assert.Empty(t, outer.ScriptError)

	sibling := root.Children[1]
	assert.Equal(t, "boom", sibling.ScriptError)
	assert.Equal(t, []ExpectResult{fail("sibling result")}, sibling.ExpectResults)

	passed, failed := root.Counts()
	assert.Equal(t, 2, passed)
	assert.Equal(t, 1, failed)
	assert.True(t, root.HasScriptErrors())
	assert.Same(t, inner, root.Find("inner"))
}

func TestCollector_RecordOutsideBlockGoesToRoot(t *testing.T) {
	c := NewCollector()
	c.Record(pass("top"))
	assert.Len(t, c.Root().ExpectResults, 1)
}

func TestCollector_AsyncBlockDefersSiblings(t *testing.T) {
	c := NewCollector()
	c.EnterRoot()

	var settleFirst func(error)
	var order []string
	var awaited any

	c.Test("first", func() (Wait, error) {
		order = append(order, "first:start")
		awaited = c.Grab()
		return func(settle func(error)) { settleFirst = settle }, nil
	})
	c.Test("second", func() (Wait, error) {
		order = append(order, "second")
		c.Record(pass("second result"))
		return nil, nil
	})
	require.NoError(t, c.Leave())

	// second must not have started yet
	assert.Equal(t, []string{"first:start"}, order)
	require.Len(t, c.Root().Children, 1)
	assert.Equal(t, 1, c.Pending())

	// continuation of the async body records into "first"
	c.Resumed(awaited)
	c.Record(pass("first result"))
	c.Exited()
	require.NotNil(t, settleFirst)
	settleFirst(nil)

	assert.Equal(t, []string{"first:start", "second"}, order)
	assert.Equal(t, 0, c.Pending())

	root := c.Root()
	require.Len(t, root.Children, 2)
	assert.Equal(t, []ExpectResult{pass("first result")}, root.Children[0].ExpectResults)
	assert.Equal(t, []ExpectResult{pass("second result")}, root.Children[1].ExpectResults)
}

func TestCollector_TopLevelContinuationStaysAtRoot(t *testing.T) {
	c := NewCollector()
	c.EnterRoot()

	var settle func(error)
	var inBody, atTop any
	c.Test("slow", func() (Wait, error) {
		inBody = c.Grab()
		return func(s func(error)) { settle = s }, nil
	})
	atTop = c.Grab()
	c.Test("after", func() (Wait, error) {
		c.Record(pass("after result"))
		return nil, nil
	})
	require.NoError(t, c.Leave())

	// a top-level await resumes while "slow" is still pending
	c.Resumed(atTop)
	c.Record(pass("top result"))
	c.Test("late", func() (Wait, error) { return nil, nil })
	c.Exited()

	c.Resumed(inBody)
	c.Record(pass("slow result"))
	c.Exited()
	settle(nil)

	root := c.Root()
	assert.Equal(t, []ExpectResult{pass("top result")}, root.ExpectResults)
	names := []string{}
	for _, ch := range root.Children {
		names = append(names, ch.Descriptor)
	}
	assert.Equal(t, []string{"slow", "after", "late"}, names)
	assert.Equal(t, []ExpectResult{pass("slow result")}, root.Children[0].ExpectResults)
	assert.Empty(t, root.Children[0].Children)
	assert.Equal(t, []ExpectResult{pass("after result")}, root.Children[1].ExpectResults)
}

func TestCollector_ResumedWithoutContextUsesRoot(t *testing.T) {
	c := NewCollector()
	c.Resumed(nil)
	c.Record(pass("loose"))
	c.Exited()
	c.Exited()

	assert.Len(t, c.Root().ExpectResults, 1)
	assert.ErrorIs(t, c.Leave(), ErrNoOpenBlock)
}

func TestCollector_AsyncRejectionSetsScriptError(t *testing.T) {
	c := NewCollector()
	c.EnterRoot()

	var settle func(error)
	c.Test("rejects", func() (Wait, error) {
		return func(s func(error)) { settle = s }, nil
	})
	require.NoError(t, c.Leave())

	settle(errors.New("rejected"))
	settle(errors.New("ignored second settle"))

	assert.Equal(t, "rejected", c.Root().Children[0].ScriptError)
}

func TestCollector_ChainedAsyncSiblings(t *testing.T) {
	c := NewCollector()
	c.EnterRoot()

	settles := map[string]func(error){}
	async := func(name string) Body {
		return func() (Wait, error) {
			return func(s func(error)) { settles[name] = s }, nil
		}
	}
	c.Test("a", async("a"))
	c.Test("b", async("b"))
	c.Test("c", func() (Wait, error) { return nil, nil })
	require.NoError(t, c.Leave())

	require.Len(t, c.Root().Children, 1)
	settles["a"](nil)
	require.Len(t, c.Root().Children, 2)
	settles["b"](nil)

	names := []string{}
	for _, ch := range c.Root().Children {
		names = append(names, ch.Descriptor)
	}
	assert.Equal(t, []string{"a", "b", "c"}, names)
}

func TestCollector_WithinRestoresCapturedNode(t *testing.T) {
	c := NewCollector()
	c.EnterRoot()

	var captured Context
	c.Test("request", func() (Wait, error) {
		captured = c.Capture()
		return nil, nil
	})
	require.NoError(t, c.Leave())

	c.Within(captured, func() {
		c.Record(pass("from callback"))
	})

	assert.Len(t, c.Root().Children[0].ExpectResults, 1)
	assert.Empty(t, c.Root().ExpectResults)
}

func TestCollector_AmendChainedResult(t *testing.T) {
	c := NewCollector()
	ref := c.Record(pass("Expected 2 to be a number"))
	c.Amend(ref, fail("Expected 2 to be a number and equal 3"))

	got, ok := c.Lookup(ref)
	require.True(t, ok)
	assert.Equal(t, StatusFail, got.Status)
	assert.Len(t, c.Root().ExpectResults, 1)
}

func TestCollector_LeaveWithoutEnter(t *testing.T) {
	c := NewCollector()
	assert.ErrorIs(t, c.Leave(), ErrNoOpenBlock)
}
