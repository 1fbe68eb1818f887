package namespace

import (
	"context"
	"math"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dop251/goja"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"scriptcage/internal/cage"
	"scriptcage/internal/cage/fetch"
	"scriptcage/internal/env"
	"scriptcage/internal/expect"
	"scriptcage/internal/testrun"
)

type setup struct {
	snap env.Snapshot
	resp *Response
	hook fetch.Hook
}

type harness struct {
	vm    *goja.Runtime
	loop  *cage.Loop
	col   *testrun.Collector
	store *env.Store
}

func newHarness(t *testing.T, s setup) *harness {
	t.Helper()
	vm := goja.New()
	loop := cage.NewLoop(context.Background())
	t.Cleanup(loop.Close)
	host, err := cage.NewHost(vm, loop, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, host.InstallGlobals())

	col := testrun.NewCollector()
	vm.SetAsyncContextTracker(col)
	exp, err := expect.New(host, col, expect.DefaultRules())
	require.NoError(t, err)
	store := env.NewStore(s.snap)

	opts := Options{
		Store:           store,
		Collector:       col,
		Expect:          exp,
		Response:        s.resp,
		EnvironmentName: "staging",
		Info:            Info{EventName: "test", RequestName: "get user", Iteration: 2},
	}
	if s.hook != nil {
		mod, err := fetch.New(host, s.hook, fetch.Options{})
		require.NoError(t, err)
		opts.Fetch = mod
	}
	ns, err := New(host, opts)
	require.NoError(t, err)
	require.NoError(t, ns.Install())
	return &harness{vm: vm, loop: loop, col: col, store: store}
}

// run evaluates src, drains the loop and returns the exported global `out`.
func (h *harness) run(t *testing.T, src string) map[string]any {
	t.Helper()
	h.col.EnterRoot()
	_, err := h.vm.RunString("var out = {};\n" + src)
	require.NoError(t, h.col.Leave())
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, h.loop.Run(ctx))
	out, ok := h.vm.Get("out").Export().(map[string]any)
	require.True(t, ok)
	return out
}

func jsonResponse(status int, text, body string) *Response {
	return &Response{
		Status:       status,
		StatusText:   text,
		Headers:      []Header{{Key: "Content-Type", Value: "application/json; charset=utf-8"}, {Key: "X-Request-Id", Value: "abc"}},
		Body:         body,
		ResponseTime: 120,
	}
}

func results(d *testrun.Descriptor) []testrun.ExpectResult { return d.ExpectResults }

func TestEnvironment_FallbackLaw(t *testing.T) {
	h := newHarness(t, setup{snap: env.Snapshot{Selected: []env.Variable{
		{Key: "empty", CurrentValue: "", InitialValue: "init"},
		{Key: "null", CurrentValue: nil, InitialValue: "init"},
		{Key: "undef", CurrentValue: env.Undefined, InitialValue: "init"},
		{Key: "zero", CurrentValue: 0.0, InitialValue: "init"},
		{Key: "false", CurrentValue: false, InitialValue: "init"},
		{Key: "nan", CurrentValue: math.NaN(), InitialValue: "init"},
		{Key: "arr", CurrentValue: []any{}, InitialValue: "init"},
		{Key: "obj", CurrentValue: map[string]any{}, InitialValue: "init"},
	}}})

	out := h.run(t, `
		const e = pm.environment;
		out.empty = e.get("empty");
		out.null = e.get("null");
		out.undef = e.get("undef");
		out.zero = e.get("zero") === 0;
		out.false = e.get("false") === false;
		out.nan = Number.isNaN(e.get("nan"));
		out.arr = Array.isArray(e.get("arr")) && e.get("arr").length === 0;
		out.obj = typeof e.get("obj") === "object" && Object.keys(e.get("obj")).length === 0;
		out.pmMissing = e.get("missing") === undefined;
		out.hoppMissing = hopp.env.get("missing") === null;
		out.hoppEmpty = hopp.env.get("empty");
		out.hoppZero = hopp.env.getRaw("zero") === 0;
	`)

	for _, k := range []string{"empty", "null", "undef", "hoppEmpty"} {
		assert.Equal(t, "init", out[k], k)
	}
	for _, k := range []string{"zero", "false", "nan", "arr", "obj", "pmMissing", "hoppMissing", "hoppZero"} {
		assert.Equal(t, true, out[k], k)
	}
}

func TestEnvironment_WritesShowUpInDiff(t *testing.T) {
	h := newHarness(t, setup{snap: env.Snapshot{
		Global:   []env.Variable{{Key: "host", CurrentValue: "api.test", InitialValue: "api.test"}},
		Selected: []env.Variable{{Key: "old", CurrentValue: "x", InitialValue: "x"}},
	}})

	out := h.run(t, `
		pm.environment.set("token", "t-1");
		pm.environment.unset("old");
		pm.globals.set("count", 3);
		pm.variables.set("local", "only here");
		out.local = pm.variables.get("local");
		out.replaced = pm.variables.replaceIn("https://{{host}}/users");
		out.name = pm.environment.name;
		out.has = pm.environment.has("token") && !pm.environment.has("old");
	`)

	assert.Equal(t, "only here", out["local"])
	assert.Equal(t, "https://api.test/users", out["replaced"])
	assert.Equal(t, "staging", out["name"])
	assert.Equal(t, true, out["has"])

	d := h.store.Diff()
	require.Len(t, d.Selected.Additions, 1)
	assert.Equal(t, "token", d.Selected.Additions[0].Key)
	require.Len(t, d.Selected.Deletions, 1)
	assert.Equal(t, "old", d.Selected.Deletions[0].Key)
	require.Len(t, d.Global.Additions, 1)
	assert.Equal(t, 3.0, d.Global.Additions[0].CurrentValue)
}

func TestHoppEnv_StringsOnly(t *testing.T) {
	h := newHarness(t, setup{snap: env.Snapshot{
		Global:   []env.Variable{{Key: "g", CurrentValue: "global", InitialValue: "global"}},
		Selected: []env.Variable{{Key: "base", CurrentValue: "", InitialValue: "https://{{g}}"}},
	}})

	out := h.run(t, `
		out.resolved = hopp.env.get("base");
		out.raw = hopp.env.getRaw("base");
		out.initial = hopp.env.getInitialRaw("base");
		hopp.env.set("g", "changed");
		out.global = hopp.env.global.get("g");
		hopp.env.active.set("fresh", "1");
		hopp.env.reset("g");
		out.afterReset = hopp.env.get("g");
		hopp.env.delete("fresh");
		out.deleted = hopp.env.get("fresh");
		try { hopp.env.set("n", 1) } catch (e) { out.typeError = e instanceof TypeError }
	`)

	assert.Equal(t, "https://global", out["resolved"])
	assert.Equal(t, "https://{{g}}", out["raw"])
	assert.Equal(t, "https://{{g}}", out["initial"])
	assert.Equal(t, "changed", out["global"])
	assert.Equal(t, "global", out["afterReset"])
	assert.Nil(t, out["deleted"])
	assert.Equal(t, true, out["typeError"])
}

func TestPwEnv(t *testing.T) {
	h := newHarness(t, setup{snap: env.Snapshot{Selected: []env.Variable{
		{Key: "a", CurrentValue: "<<b>>", InitialValue: ""},
		{Key: "url", CurrentValue: "{{b}}/x", InitialValue: ""},
		{Key: "b", CurrentValue: "B", InitialValue: ""},
	}}})
	out := h.run(t, `
		out.raw = pw.env.get("url");
		out.resolved = pw.env.getResolve("url");
		pw.env.set("b", "C");
		out.after = pw.env.resolve("{{b}}");
		try { pw.env.set("b", 1) } catch (e) { out.typeError = e instanceof TypeError }
	`)
	assert.Equal(t, "{{b}}/x", out["raw"])
	assert.Equal(t, "B/x", out["resolved"])
	assert.Equal(t, "C", out["after"])
	assert.Equal(t, true, out["typeError"])
}

func TestResponse_StatusMessagesCarryBothCodes(t *testing.T) {
	h := newHarness(t, setup{resp: jsonResponse(404, "Not Found", `{}`)})
	h.run(t, `
		pm.test("status", () => {
			pm.response.to.have.status(200);
			pm.response.to.have.status(404);
		});
	`)
	node := h.col.Root().Find("status")
	require.NotNil(t, node)
	rs := results(node)
	require.Len(t, rs, 2)
	assert.Equal(t, testrun.StatusFail, rs[0].Status)
	assert.Contains(t, rs[0].Message, "200")
	assert.Contains(t, rs[0].Message, "404")
	assert.Equal(t, testrun.StatusPass, rs[1].Status)
}

func TestResponse_PropertyAndCallMatchersRecordOnce(t *testing.T) {
	h := newHarness(t, setup{resp: jsonResponse(200, "OK", `{}`)})
	h.run(t, `
		pm.response.to.be.ok;
		pm.response.to.be.ok();
		pm.response.to.not.be.notFound;
		pm.response.to.be.json;
		pm.response.to.be.serverError;
	`)
	rs := results(h.col.Root())
	require.Len(t, rs, 5)
	for i := 0; i < 4; i++ {
		assert.Equal(t, testrun.StatusPass, rs[i].Status, rs[i].Message)
	}
	assert.Equal(t, testrun.StatusFail, rs[4].Status)
	assert.Equal(t, "Expected response to be a server error but got 200", rs[4].Message)
}

func TestResponse_NegationDoesNotLeak(t *testing.T) {
	h := newHarness(t, setup{resp: jsonResponse(200, "OK", `{}`)})
	h.run(t, `
		pm.response.to.not.have.status(500);
		pm.response.to.have.status(200);
	`)
	rs := results(h.col.Root())
	require.Len(t, rs, 2)
	assert.Equal(t, testrun.StatusPass, rs[0].Status)
	assert.Equal(t, "Expected response to not have status 500", rs[0].Message)
	assert.Equal(t, testrun.StatusPass, rs[1].Status)
}

func TestResponse_Headers(t *testing.T) {
	h := newHarness(t, setup{resp: jsonResponse(200, "OK", `{}`)})
	out := h.run(t, `
		out.get = pm.response.headers.get("content-type");
		out.prop = pm.response.headers["x-request-id"];
		out.has = pm.response.headers.has("X-REQUEST-ID", "abc");
		out.hoppKey = hopp.response.headers[1].key;
		pm.response.to.have.header("x-request-id");
		pm.response.to.have.header("X-Request-ID", "abc");
		pm.response.to.have.header("X-Request-ID", "xyz");
		pm.response.to.have.header("missing");
	`)
	assert.Equal(t, "application/json; charset=utf-8", out["get"])
	assert.Equal(t, "abc", out["prop"])
	assert.Equal(t, true, out["has"])
	assert.Equal(t, "X-Request-Id", out["hoppKey"])

	rs := results(h.col.Root())
	require.Len(t, rs, 4)
	assert.Equal(t, testrun.StatusPass, rs[0].Status)
	assert.Equal(t, testrun.StatusPass, rs[1].Status)
	assert.Equal(t, testrun.StatusFail, rs[2].Status)
	assert.Contains(t, rs[2].Message, "'abc'")
	assert.Equal(t, testrun.StatusFail, rs[3].Status)
}

func TestResponse_JSONBodyAndSchema(t *testing.T) {
	h := newHarness(t, setup{resp: jsonResponse(200, "OK", `{"user":{"id":7,"tags":["a","b"]}}`)})
	out := h.run(t, `
		out.id = pm.response.json().user.id;
		out.hoppId = hopp.response.body.asJSON().user.id;
		out.pwTags = pw.response.body.user.tags.length;
		pm.response.to.have.jsonBody();
		pm.response.to.have.jsonBody("user.id", 7);
		pm.response.to.have.jsonBody("$.user.tags[0]", "a");
		pm.response.to.have.jsonBody("user.missing");
		pm.response.to.have.jsonSchema({type: "object", required: ["user"]});
		pm.response.to.have.jsonSchema({type: "object", required: ["account"]});
		pm.response.to.have.responseTime.below(500);
	`)
	assert.EqualValues(t, 7, out["id"])
	assert.EqualValues(t, 7, out["hoppId"])
	assert.EqualValues(t, 2, out["pwTags"])

	want := []testrun.Status{
		testrun.StatusPass, testrun.StatusPass, testrun.StatusPass, testrun.StatusFail,
		testrun.StatusPass, testrun.StatusFail, testrun.StatusPass,
	}
	rs := results(h.col.Root())
	require.Len(t, rs, len(want))
	for i, st := range want {
		assert.Equal(t, st, rs[i].Status, rs[i].Message)
	}
}

func TestResponse_InvalidJSONThrows(t *testing.T) {
	h := newHarness(t, setup{resp: &Response{Status: 200, Body: "not json"}})
	out := h.run(t, `
		try { pm.response.json() } catch (e) { out.name = e.name }
		out.pw = pw.response.body;
	`)
	assert.Equal(t, "SyntaxError", out["name"])
	assert.Equal(t, "not json", out["pw"])
}

func TestExpect_LengthChain(t *testing.T) {
	h := newHarness(t, setup{})
	h.run(t, `
		pm.test("length", () => {
			pm.expect([1, 2, 3]).to.have.length.at.least(3);
			pm.expect([1, 2, 3]).to.have.length.at.least(10);
		});
	`)
	rs := results(h.col.Root().Find("length"))
	require.Len(t, rs, 2)
	assert.Equal(t, testrun.StatusPass, rs[0].Status)
	assert.Equal(t, testrun.StatusFail, rs[1].Status)
}

func TestTest_NestedBlocksAndErrors(t *testing.T) {
	h := newHarness(t, setup{})
	h.run(t, `
		pm.test("outer", () => {
			pm.expect(1).to.equal(1);
			pm.test("inner", () => {
				pm.expect(2).to.equal(3);
			});
		});
		pm.test("broken", () => {
			pm.expect(true).to.equal(true);
			throw new Error("boom");
		});
		pm.test("after", () => pm.expect("x").to.equal("x"));
		pm.test.skip("skipped");
	`)
	root := h.col.Root()
	require.Len(t, root.Children, 4)

	outer := root.Children[0]
	assert.Equal(t, "outer", outer.Descriptor)
	require.Len(t, outer.ExpectResults, 1)
	require.Len(t, outer.Children, 1)
	assert.Equal(t, "inner", outer.Children[0].Descriptor)
	assert.Equal(t, testrun.StatusFail, outer.Children[0].ExpectResults[0].Status)

	broken := root.Children[1]
	assert.Len(t, broken.ExpectResults, 1)
	assert.Equal(t, "Error: boom", broken.ScriptError)

	after := root.Children[2]
	require.Len(t, after.ExpectResults, 1)
	assert.Equal(t, testrun.StatusPass, after.ExpectResults[0].Status)
	assert.Empty(t, root.Children[3].ExpectResults)
}

func TestTest_NonFunctionBodyThrows(t *testing.T) {
	h := newHarness(t, setup{})
	out := h.run(t, `try { pm.test("x", 1) } catch (e) { out.typeError = e instanceof TypeError }`)
	assert.Equal(t, true, out["typeError"])
	assert.Empty(t, h.col.Root().Children)
}

func TestTest_AsyncBodyRecordsIntoItsBlock(t *testing.T) {
	h := newHarness(t, setup{})
	h.run(t, `
		pm.test("async", async () => {
			await Promise.resolve();
			pm.expect(1).to.equal(1);
		});
		pm.test("next", () => pm.expect(2).to.equal(2));
		pm.test("rejects", async () => { throw new Error("nope") });
	`)
	root := h.col.Root()
	require.Len(t, root.Children, 3)
	assert.Equal(t, "async", root.Children[0].Descriptor)
	assert.Len(t, root.Children[0].ExpectResults, 1)
	assert.Equal(t, "next", root.Children[1].Descriptor)
	assert.Equal(t, "Error: nope", root.Children[2].ScriptError)
	assert.Empty(t, root.ExpectResults)
}

func TestRequestAndInfo(t *testing.T) {
	h := newHarness(t, setup{})
	out := h.run(t, `
		out.method = pm.request.method;
		out.event = pm.info.eventName;
		out.iteration = pm.info.iteration;
		out.hasResponse = typeof pm.response !== "undefined";
	`)
	assert.Equal(t, "GET", out["method"])
	assert.Equal(t, "test", out["event"])
	assert.EqualValues(t, 2, out["iteration"])
	assert.Equal(t, false, out["hasResponse"])
}

// recorder is a hook that answers every request and keeps what it saw.
type recorder struct {
	mu   sync.Mutex
	seen []*fetch.Request
}

func (r *recorder) Fetch(_ context.Context, req *fetch.Request) (*fetch.Response, error) {
	r.mu.Lock()
	r.seen = append(r.seen, req)
	r.mu.Unlock()
	if strings.HasSuffix(req.URL, "/slow") {
		time.Sleep(50 * time.Millisecond)
	}
	if strings.HasSuffix(req.URL, "/down") {
		return nil, assert.AnError
	}
	return &fetch.Response{
		Status:      201,
		StatusText:  "Created",
		HeadersData: map[string]string{"content-type": "application/json"},
		BodyBytes:   []byte(`{"path":"` + req.URL + `"}`),
	}, nil
}

// request returns the request whose URL ends in suffix. Hook calls run
// concurrently so arrival order is not fixed.
func (r *recorder) request(t *testing.T, suffix string) *fetch.Request {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, req := range r.seen {
		if strings.HasSuffix(req.URL, suffix) {
			return req
		}
	}
	t.Fatalf("no request to %s", suffix)
	return nil
}

func TestSendRequest_CallbacksInRequestOrder(t *testing.T) {
	hook := &recorder{}
	h := newHarness(t, setup{hook: hook})
	out := h.run(t, `
		out.order = [];
		pm.sendRequest("https://api.test/slow", (err, res) => out.order.push("slow:" + res.code));
		pm.sendRequest("https://api.test/fast", (err, res) => out.order.push("fast:" + res.code));
	`)
	assert.Equal(t, []any{"slow:201", "fast:201"}, out["order"])
}

func TestSendRequest_CallbackRecordsIntoIssuingBlock(t *testing.T) {
	h := newHarness(t, setup{hook: &recorder{}})
	out := h.run(t, `
		pm.test("remote", () => {
			pm.sendRequest("https://api.test/a", (err, res) => {
				out.errNull = err === null;
				out.path = res.json().path;
				pm.expect(res.code).to.equal(201);
				res.to.have.status(201);
			});
		});
		pm.test("thrower", () => {
			pm.sendRequest("https://api.test/b", () => { throw new Error("late") });
		});
	`)
	assert.Equal(t, true, out["errNull"])
	assert.Equal(t, "https://api.test/a", out["path"])

	remote := h.col.Root().Find("remote")
	require.NotNil(t, remote)
	require.Len(t, remote.ExpectResults, 2)
	assert.Equal(t, testrun.StatusPass, remote.ExpectResults[0].Status)
	assert.Equal(t, testrun.StatusPass, remote.ExpectResults[1].Status)
	assert.Equal(t, "Error: late", h.col.Root().Find("thrower").ScriptError)
	assert.Empty(t, h.col.Root().ExpectResults)
}

func TestSendRequest_TopLevelCallbackThrowIsUncaught(t *testing.T) {
	h := newHarness(t, setup{hook: &recorder{}})
	_, err := h.vm.RunString(`pm.sendRequest("https://api.test/a", () => { throw new Error("late failure") })`)
	require.NoError(t, err)
	err = h.loop.Run(context.Background())
	var uncaught *cage.UncaughtError
	require.ErrorAs(t, err, &uncaught)
	assert.Contains(t, uncaught.Error(), "late failure")
}

func TestSendRequest_Errors(t *testing.T) {
	h := newHarness(t, setup{hook: &recorder{}})
	out := h.run(t, `
		pm.sendRequest("https://api.test/down", (err, res) => {
			out.name = err.name;
			out.resNull = res === null;
		});
		pm.sendRequest("not a url", (err) => { out.invalid = err.message });
		pm.sendRequest("https://api.test/down").catch((e) => { out.rejected = e.name });
		pm.sendRequest("https://api.test/ok").then((res) => { out.resolved = res.code });
	`)
	assert.Equal(t, "FetchError", out["name"])
	assert.Equal(t, true, out["resNull"])
	assert.Contains(t, out["invalid"], "invalid URL")
	assert.Equal(t, "FetchError", out["rejected"])
	assert.EqualValues(t, 201, out["resolved"])
}

func TestSendRequest_WithoutHook(t *testing.T) {
	h := newHarness(t, setup{})
	out := h.run(t, `pm.sendRequest("https://api.test/a", (err) => { out.msg = err.message })`)
	assert.Equal(t, ErrSendUnavailable.Error(), out["msg"])
}

func TestSendRequest_RequestObjects(t *testing.T) {
	hook := &recorder{}
	h := newHarness(t, setup{
		hook: hook,
		snap: env.Snapshot{Selected: []env.Variable{{Key: "host", CurrentValue: "api.test", InitialValue: ""}}},
	})
	h.run(t, `
		pm.sendRequest({
			url: "https://{{host}}/form",
			method: "post",
			header: [{key: "X-Trace", value: "{{host}}"}, {key: "X-Off", value: "1", disabled: true}],
			body: {mode: "urlencoded", urlencoded: [{key: "a", value: "b c"}, {key: "n", value: "{{host}}"}]},
		}, () => {});
		pm.sendRequest({
			url: {raw: "https://api.test/json"},
			method: "PUT",
			body: {mode: "raw", raw: {id: 1}},
		}, () => {});
		pm.sendRequest({
			url: "https://api.test/upload",
			method: "POST",
			body: {mode: "formdata", formdata: [{key: "note", value: "hi"}, {key: "f", type: "file", src: [104, 105]}]},
		}, () => {});
	`)

	form := hook.request(t, "/form")
	assert.Equal(t, "https://api.test/form", form.URL)
	assert.Equal(t, "POST", form.Method)
	assert.Equal(t, "api.test", form.Headers["x-trace"])
	assert.NotContains(t, form.Headers, "x-off")
	assert.Equal(t, "application/x-www-form-urlencoded", form.Headers["content-type"])
	vals, err := url.ParseQuery(string(form.Body))
	require.NoError(t, err)
	assert.Equal(t, "b c", vals.Get("a"))
	assert.Equal(t, "api.test", vals.Get("n"))

	raw := hook.request(t, "/json")
	assert.Equal(t, "PUT", raw.Method)
	assert.JSONEq(t, `{"id":1}`, string(raw.Body))
	assert.Equal(t, "application/json", raw.Headers["content-type"])

	multi := hook.request(t, "/upload")
	assert.True(t, strings.HasPrefix(multi.Headers["content-type"], "multipart/form-data; boundary="))
	assert.Contains(t, string(multi.Body), `name="note"`)
	assert.Contains(t, string(multi.Body), "hi")
}
