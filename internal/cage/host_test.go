package cage

import (
	"context"
	"testing"

	"github.com/dop251/goja"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestHost(t *testing.T) *Host {
	t.Helper()
	vm := goja.New()
	loop := NewLoop(context.Background())
	t.Cleanup(loop.Close)

	h, err := NewHost(vm, loop, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, Lockdown(vm, 0))
	require.NoError(t, h.InstallGlobals())
	return h
}

func TestLockdown_BlocksDynamicCode(t *testing.T) {
	h := newTestHost(t)

	cases := map[string]string{
		"eval":             `typeof eval`,
		"Function":         `typeof Function`,
		"require":          `typeof require`,
		"process":          `typeof process`,
		"constructor hack": `(function(){ try { (function(){}).constructor('return 1')(); return 'escaped'; } catch (e) { return e.name; } })()`,
		"async ctor hack":  `(function(){ try { (async function(){}).constructor('return 1'); return 'escaped'; } catch (e) { return e.name; } })()`,
	}
	want := map[string]string{
		"eval":             "undefined",
		"Function":         "undefined",
		"require":          "undefined",
		"process":          "undefined",
		"constructor hack": "TypeError",
		"async ctor hack":  "TypeError",
	}
	for name, src := range cases {
		v, err := h.VM.RunString(src)
		require.NoError(t, err, name)
		assert.Equal(t, want[name], v.String(), name)
	}
}

func TestLockdown_RecursionIsBounded(t *testing.T) {
	h := newTestHost(t)
	_, err := h.VM.RunString(`function f() { return f(); } f();`)
	require.Error(t, err)
}

func TestConsole_Captured(t *testing.T) {
	h := newTestHost(t)
	_, err := h.VM.RunString(`console.log("hello", 1, {a: true}); console.error(new Error("bad"))`)
	require.NoError(t, err)

	require.Len(t, h.Console.Entries, 2)
	assert.Equal(t, "log", h.Console.Entries[0].Level)
	assert.Equal(t, `hello 1 {"a":true}`, h.Console.Entries[0].Message)
	assert.Equal(t, "Error: bad", h.Console.Entries[1].Message)
}

func TestEncoding_RoundTrips(t *testing.T) {
	h := newTestHost(t)

	v, err := h.VM.RunString(`new TextDecoder().decode(new TextEncoder().encode("héllo ✓"))`)
	require.NoError(t, err)
	assert.Equal(t, "héllo ✓", v.String())

	v, err = h.VM.RunString(`atob(btoa("Hello, World!"))`)
	require.NoError(t, err)
	assert.Equal(t, "Hello, World!", v.String())

	v, err = h.VM.RunString(`btoa("Hello")`)
	require.NoError(t, err)
	assert.Equal(t, "SGVsbG8=", v.String())

	v, err = h.VM.RunString(`(function(){ try { btoa("✓"); } catch (e) { return e.name; } })()`)
	require.NoError(t, err)
	assert.Equal(t, "InvalidCharacterError", v.String())
}

func TestDecodeUTF8(t *testing.T) {
	assert.Equal(t, "hi", decodeUTF8([]byte("\xef\xbb\xbfhi")))
	assert.Equal(t, "a\uFEFFb", decodeUTF8([]byte("a\uFEFFb")))
	assert.Equal(t, "a\uFFFDb", decodeUTF8([]byte("a\xffb")))
	assert.Equal(t, "", decodeUTF8(nil))
}

func TestHost_ThrowTypeError(t *testing.T) {
	h := newTestHost(t)
	require.NoError(t, h.VM.Set("strict", func(call goja.FunctionCall) goja.Value {
		h.ThrowTypeError("strict: %s is not allowed", call.Argument(0).String())
		return goja.Undefined()
	}))

	v, err := h.VM.RunString(`(function(){ try { strict("x") } catch (e) { return (e instanceof TypeError) + ":" + e.message } })()`)
	require.NoError(t, err)
	assert.Equal(t, "true:strict: x is not allowed", v.String())
}

func TestHost_Bytes(t *testing.T) {
	h := newTestHost(t)

	cases := map[string][]byte{
		`[1, 2, 255]`:                                 {1, 2, 255},
		`new Uint8Array([4, 5])`:                      {4, 5},
		`new Uint8Array([1, 2, 3, 4]).subarray(1, 3)`: {2, 3},
		`new Uint8Array([9, 8]).buffer`:               {9, 8},
		`"AB"`:                                        {'A', 'B'},
	}
	for src, want := range cases {
		v, err := h.VM.RunString(src)
		require.NoError(t, err, src)
		got, err := h.Bytes(v)
		require.NoError(t, err, src)
		assert.Equal(t, want, got, src)
	}

	_, err := h.Bytes(h.VM.ToValue(42))
	assert.ErrorIs(t, err, ErrNotBufferSource)
}

func TestHost_FillInPlace(t *testing.T) {
	h := newTestHost(t)
	v, err := h.VM.RunString(`var arr = new Uint8Array(4); arr`)
	require.NoError(t, err)

	n, err := h.Fill(v, func(n int) []byte { return []byte{7, 7, 7, 7}[:n] })
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	sum, err := h.VM.RunString(`arr[0] + arr[1] + arr[2] + arr[3]`)
	require.NoError(t, err)
	assert.Equal(t, int64(28), sum.ToInteger())
}

func TestHost_NewErrorAndMessages(t *testing.T) {
	h := newTestHost(t)
	e := h.NewError("FetchError", "connection refused")

	assert.Equal(t, "FetchError: connection refused", h.ErrorMessage(e))
	assert.Equal(t, "connection refused", PlainMessage(e))
	assert.True(t, IsErrorObject(e))
	assert.False(t, IsErrorObject(h.VM.ToValue("x")))
}

func TestTypeOf(t *testing.T) {
	h := newTestHost(t)
	cases := map[string]string{
		`undefined`:      "undefined",
		`null`:           "object",
		`1.5`:            "number",
		`"s"`:            "string",
		`true`:           "boolean",
		`({})`:           "object",
		`[]`:             "object",
		`(function(){})`: "function",
		`Symbol("x")`:    "symbol",
	}
	for src, want := range cases {
		v, err := h.VM.RunString(src)
		require.NoError(t, err)
		assert.Equal(t, want, TypeOf(v), src)
	}
}

func TestTimers_RunOnLoop(t *testing.T) {
	h := newTestHost(t)
	_, err := h.VM.RunString(`
		var order = [];
		setTimeout(function (x) { order.push(x); }, 5, "late");
		var id = setTimeout(function () { order.push("never"); }, 1);
		clearTimeout(id);
		order.push("sync");
	`)
	require.NoError(t, err)
	require.NoError(t, h.Loop.Run(context.Background()))

	v, err := h.VM.RunString(`order.join(",")`)
	require.NoError(t, err)
	assert.Equal(t, "sync,late", v.String())
}

func TestTimers_UncaughtCallbackError(t *testing.T) {
	h := newTestHost(t)
	_, err := h.VM.RunString(`setTimeout(function () { throw new Error("late failure"); }, 0)`)
	require.NoError(t, err)

	err = h.Loop.Run(context.Background())
	var uncaught *UncaughtError
	require.ErrorAs(t, err, &uncaught)
	assert.Contains(t, uncaught.Error(), "late failure")
}

func TestHost_ThenCapturedBeforeTampering(t *testing.T) {
	h := newTestHost(t)
	p, err := h.VM.RunString(`Promise.prototype.then = function () { throw new Error("tampered"); }; Promise.resolve(7)`)
	require.NoError(t, err)

	var got int64
	require.NoError(t, h.Then(p, func(v goja.Value) { got = v.ToInteger() }, func(goja.Value) {}))
	// reactions run once the VM leaves its current call
	_, err = h.VM.RunString(`0`)
	require.NoError(t, err)
	assert.Equal(t, int64(7), got)
}
