package fetch

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dop251/goja"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"scriptcage/internal/cage"
)

type env struct {
	vm   *goja.Runtime
	loop *cage.Loop
	mod  *Module
}

func newEnv(t *testing.T, hook Hook, opts Options) *env {
	t.Helper()
	vm := goja.New()
	loop := cage.NewLoop(context.Background())
	t.Cleanup(loop.Close)
	host, err := cage.NewHost(vm, loop, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, host.InstallGlobals())
	mod, err := New(host, hook, opts)
	require.NoError(t, err)
	require.NoError(t, mod.Install())
	return &env{vm: vm, loop: loop, mod: mod}
}

// run evaluates src, drains the loop and returns the exported global `out`.
func (e *env) run(t *testing.T, src string) map[string]any {
	t.Helper()
	_, err := e.vm.RunString("var out = {};\n" + src)
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, e.loop.Run(ctx))
	out, ok := e.vm.Get("out").Export().(map[string]any)
	require.True(t, ok)
	if msg, ok := out["err"]; ok {
		t.Logf("script error: %v", msg)
	}
	return out
}

func staticHook(status int, body string, header map[string]string) HookFunc {
	return func(ctx context.Context, req *Request) (*Response, error) {
		return &Response{Status: status, HeadersData: header, BodyBytes: []byte(body)}, nil
	}
}

func TestHeaders(t *testing.T) {
	e := newEnv(t, nil, Options{})
	out := e.run(t, `
		const h = new Headers({"X-Trace": "a"});
		h.append("x-trace", "b");
		h.append("Set-Cookie", "a=1");
		h.append("set-cookie", "b=2");
		h.set("Content-Type", "text/plain");
		out.trace = h.get("X-TRACE");
		out.cookies = h.getSetCookie();
		out.has = h.has("content-type");
		h.delete("CONTENT-TYPE");
		out.deleted = h.get("content-type");
		out.keys = [...h.keys()];
		out.entries = [];
		for (const [k, v] of h) out.entries.push(k + "=" + v);
		try { h.append("bad name", "x") } catch (e) { out.invalid = e instanceof TypeError }
		const copy = new Headers(h);
		copy.set("x-trace", "c");
		out.original = h.get("x-trace");
		out.fromPairs = new Headers([["A", "1"], ["a", "2"]]).get("a");
	`)
	assert.Equal(t, "a, b", out["trace"])
	assert.Equal(t, []any{"a=1", "b=2"}, out["cookies"])
	assert.Equal(t, true, out["has"])
	assert.Nil(t, out["deleted"])
	assert.Equal(t, []any{"set-cookie", "set-cookie", "x-trace"}, out["keys"])
	assert.Equal(t, []any{"set-cookie=a=1", "set-cookie=b=2", "x-trace=a, b"}, out["entries"])
	assert.Equal(t, true, out["invalid"])
	assert.Equal(t, "a, b", out["original"])
	assert.Equal(t, "1, 2", out["fromPairs"])
}

func TestHeaderList_Map(t *testing.T) {
	l := NewHeaderList()
	l.Append("Accept", "a")
	l.Append("ACCEPT", "b")
	l.Append("Set-Cookie", "x=1")
	l.Append("Set-Cookie", "y=2")
	assert.Equal(t, map[string]string{"accept": "a, b", "set-cookie": "x=1, y=2"}, l.Map())
	assert.Equal(t, 2, l.Len())
	assert.Equal(t, []string{"x=1", "y=2"}, l.SetCookies())
}

func TestResponse_SingleConsumption(t *testing.T) {
	e := newEnv(t, nil, Options{})
	out := e.run(t, `
		(async () => {
			const r = new Response('{"a":1}');
			const c = r.clone();
			out.text = await r.text();
			out.usedAfter = r.bodyUsed;
			try { await r.json() } catch (err) { out.second = err.message }
			try { r.clone() } catch (err) { out.cloneAfter = err instanceof TypeError }
			out.cloneUsed = c.bodyUsed;
			out.cloneJSON = (await c.json()).a;
		})().catch(e => out.err = String(e));
	`)
	assert.Equal(t, `{"a":1}`, out["text"])
	assert.Equal(t, true, out["usedAfter"])
	assert.Contains(t, out["second"], "body already consumed")
	assert.Equal(t, true, out["cloneAfter"])
	assert.Equal(t, false, out["cloneUsed"])
	assert.EqualValues(t, 1, out["cloneJSON"])
}

func TestResponse_EveryReaderConsumes(t *testing.T) {
	readers := []string{"text", "json", "arrayBuffer", "blob", "formData", "bytes"}
	for _, first := range readers {
		e := newEnv(t, nil, Options{})
		out := e.run(t, `
			(async () => {
				const r = new Response("x=1", {headers: {"content-type": "application/x-www-form-urlencoded"}});
				try { await r.`+first+`() } catch (e) {}
				try { await r.arrayBuffer(); out.second = "ok" } catch (e) { out.second = e.message }
			})();
		`)
		assert.Equal(t, "body already consumed", out["second"], first)
	}
}

func TestResponse_TextStopsAtNUL(t *testing.T) {
	e := newEnv(t, nil, Options{})
	out := e.run(t, `
		new Response(new Uint8Array([104, 105, 0, 120])).text().then(s => out.text = s);
	`)
	assert.Equal(t, "hi", out["text"])
}

func TestResponse_Statics(t *testing.T) {
	e := newEnv(t, nil, Options{})
	out := e.run(t, `
		(async () => {
			const j = Response.json({ok: true}, {status: 201});
			out.status = j.status;
			out.ct = j.headers.get("content-type");
			out.body = await j.text();
			const err = Response.error();
			out.errType = err.type;
			out.errStatus = err.status;
			out.errOk = err.ok;
			const red = Response.redirect("https://example.test/next", 301);
			out.location = red.headers.get("location");
			try { new Response("x", {status: 99}) } catch (e) { out.range = e.name }
			try { new Response("x", {status: 204}) } catch (e) { out.nullBody = e instanceof TypeError }
			const plain = new Response("hi");
			out.plainType = plain.headers.get("content-type");
			out.ok = plain.ok;
			out.isResponse = plain instanceof Response;
		})().catch(e => out.err = String(e));
	`)
	assert.EqualValues(t, 201, out["status"])
	assert.Equal(t, "application/json", out["ct"])
	assert.Equal(t, `{"ok":true}`, out["body"])
	assert.Equal(t, "error", out["errType"])
	assert.EqualValues(t, 0, out["errStatus"])
	assert.Equal(t, false, out["errOk"])
	assert.Equal(t, "https://example.test/next", out["location"])
	assert.Equal(t, "RangeError", out["range"])
	assert.Equal(t, true, out["nullBody"])
	assert.Equal(t, "text/plain;charset=UTF-8", out["plainType"])
	assert.Equal(t, true, out["ok"])
	assert.Equal(t, true, out["isResponse"])
}

func TestResponse_BlobSniffsType(t *testing.T) {
	e := newEnv(t, nil, Options{})
	out := e.run(t, `
		(async () => {
			const png = new Uint8Array([0x89, 0x50, 0x4e, 0x47, 0x0d, 0x0a, 0x1a, 0x0a, 0, 0, 0, 0x0d]);
			const b = await new Response(png).blob();
			out.type = b.type;
			out.size = b.size;
			const declared = await new Response("x", {headers: {"Content-Type": "Text/CSV"}}).blob();
			out.declared = declared.type;
			const part = new Blob(["hello ", "world"], {type: "text/plain"}).slice(6);
			out.slice = await part.text();
		})().catch(e => out.err = String(e));
	`)
	assert.Equal(t, "image/png", out["type"])
	assert.EqualValues(t, 12, out["size"])
	assert.Equal(t, "text/csv", out["declared"])
	assert.Equal(t, "world", out["slice"])
}

func TestResponse_FormData(t *testing.T) {
	e := newEnv(t, nil, Options{})
	out := e.run(t, `
		(async () => {
			const enc = await new Response("a=1&b=two+words&a=3", {
				headers: {"content-type": "application/x-www-form-urlencoded"},
			}).formData();
			out.all = enc.getAll("a");
			out.b = enc.get("b");

			const fd = new FormData();
			fd.append("field", "value");
			fd.append("file", new Blob(["data"], {type: "text/plain"}), "f.txt");
			const back = await new Response(fd).formData();
			out.field = back.get("field");
			const file = back.get("file");
			out.fileName = file.name;
			out.fileText = await file.text();
			out.missing = back.get("nope");
			try { await new Response("x").formData() } catch (e) { out.bad = e instanceof TypeError }
		})().catch(e => out.err = String(e));
	`)
	assert.Equal(t, []any{"1", "3"}, out["all"])
	assert.Equal(t, "two words", out["b"])
	assert.Equal(t, "value", out["field"])
	assert.Equal(t, "f.txt", out["fileName"])
	assert.Equal(t, "data", out["fileText"])
	assert.Nil(t, out["missing"])
	assert.Equal(t, true, out["bad"])
}

func TestRequest(t *testing.T) {
	e := newEnv(t, nil, Options{})
	out := e.run(t, `
		const r = new Request("https://api.test/items", {
			method: "post",
			headers: new Headers({"X-Key": "k"}),
			body: "payload",
		});
		out.method = r.method;
		out.headers = r.headers;
		out.defaultMethod = new Request("https://api.test/").method;
		try { new Request("https://api.test/", {method: "GET", body: "x"}) } catch (e) { out.getBody = e.message }
		try { new Request("/relative") } catch (e) { out.relative = e instanceof TypeError }
		const c = r.clone();
		out.cloneURL = c.url;
		out.aborted = r.signal.aborted;
		c.text().then(s => out.cloneBody = s);
	`)
	assert.Equal(t, "POST", out["method"])
	assert.Equal(t, map[string]any{"x-key": "k", "content-type": "text/plain;charset=UTF-8"}, out["headers"])
	assert.Equal(t, "GET", out["defaultMethod"])
	assert.Contains(t, out["getBody"], "cannot have body")
	assert.Equal(t, true, out["relative"])
	assert.Equal(t, "https://api.test/items", out["cloneURL"])
	assert.Equal(t, false, out["aborted"])
	assert.Equal(t, "payload", out["cloneBody"])
}

func TestFetch_MarshalsRequestAndResponse(t *testing.T) {
	var seen *Request
	hook := HookFunc(func(ctx context.Context, req *Request) (*Response, error) {
		seen = req
		return &Response{
			Status:      201,
			URL:         req.URL,
			HeadersData: map[string]string{"Content-Type": "application/json", "X-Id": "7"},
			BodyBytes:   []byte(`{"id":7}`),
		}, nil
	})
	e := newEnv(t, hook, Options{})
	out := e.run(t, `
		(async () => {
			const res = await fetch("https://api.test/items", {
				method: "PUT",
				headers: new Headers({"Authorization": "Bearer t"}),
				body: JSON.stringify({name: "x"}),
			});
			out.status = res.status;
			out.statusText = res.statusText;
			out.ok = res.ok;
			out.id = res.headers.get("x-id");
			out.json = await res.json();
		})().catch(e => out.err = String(e));
	`)
	require.NotNil(t, seen)
	assert.Equal(t, "PUT", seen.Method)
	assert.Equal(t, "Bearer t", seen.Headers["authorization"])
	assert.Equal(t, `{"name":"x"}`, string(seen.Body))

	assert.EqualValues(t, 201, out["status"])
	assert.Equal(t, "Created", out["statusText"])
	assert.Equal(t, true, out["ok"])
	assert.Equal(t, "7", out["id"])
	assert.Equal(t, map[string]any{"id": int64(7)}, out["json"])
}

func TestFetch_FallsBackToNativeBodyAndHeaders(t *testing.T) {
	hook := HookFunc(func(ctx context.Context, req *Request) (*Response, error) {
		h := http.Header{}
		h.Add("Content-Type", "text/plain")
		h.Add("Set-Cookie", "a=1")
		h.Add("Set-Cookie", "b=2")
		return &Response{
			Status: 200,
			Header: h,
			Body:   io.NopCloser(strings.NewReader("drained")),
		}, nil
	})
	e := newEnv(t, hook, Options{})
	out := e.run(t, `
		fetch("https://api.test/").then(async r => {
			out.type = r.headers.get("CONTENT-TYPE");
			out.cookies = r.headers.getSetCookie();
			out.text = await r.text();
		}).catch(e => out.err = String(e));
	`)
	assert.Equal(t, "text/plain", out["type"])
	assert.Equal(t, []any{"a=1", "b=2"}, out["cookies"])
	assert.Equal(t, "drained", out["text"])
}

func TestFetch_BodyLimit(t *testing.T) {
	hook := HookFunc(func(ctx context.Context, req *Request) (*Response, error) {
		return &Response{Status: 200, Body: io.NopCloser(strings.NewReader("0123456789"))}, nil
	})
	e := newEnv(t, hook, Options{MaxBodyBytes: 4})
	out := e.run(t, `
		fetch("https://api.test/").catch(e => { out.name = e.name; out.message = e.message });
	`)
	assert.Equal(t, "FetchError", out["name"])
	assert.Contains(t, out["message"], "exceeds limit")
}

func TestFetch_HookErrorBecomesFetchError(t *testing.T) {
	cases := []struct {
		err  error
		want string
	}{
		{errors.New("connection refused"), "connection refused"},
		{errors.New(""), "Unknown error"},
	}
	for _, tc := range cases {
		hook := HookFunc(func(ctx context.Context, req *Request) (*Response, error) { return nil, tc.err })
		e := newEnv(t, hook, Options{})
		out := e.run(t, `
			fetch("https://api.test/").catch(e => {
				out.name = e.name;
				out.message = e.message;
				out.isError = e instanceof Error;
			});
		`)
		assert.Equal(t, "FetchError", out["name"])
		assert.Equal(t, tc.want, out["message"])
		assert.Equal(t, true, out["isError"])
	}
}

func TestFetch_HookPanicBecomesFetchError(t *testing.T) {
	hook := HookFunc(func(ctx context.Context, req *Request) (*Response, error) {
		if strings.HasSuffix(req.URL, "/panic") {
			panic("nil map write")
		}
		return &Response{Status: 204}, nil
	})
	e := newEnv(t, hook, Options{})
	out := e.run(t, `
		(async () => {
			try { await fetch("http://x/panic") } catch (e) {
				out.name = e.name;
				out.message = e.message;
			}
			out.after = (await fetch("http://x/ok")).status;
		})();
	`)
	assert.Equal(t, "FetchError", out["name"])
	assert.Contains(t, out["message"], ErrHookPanicked.Error())
	assert.Contains(t, out["message"], "nil map write")
	assert.EqualValues(t, 204, out["after"])
}

func TestFetch_RequestInputBodyIsConsumed(t *testing.T) {
	var bodies []string
	hook := HookFunc(func(ctx context.Context, req *Request) (*Response, error) {
		bodies = append(bodies, string(req.Body))
		return &Response{Status: 200}, nil
	})
	e := newEnv(t, hook, Options{})
	out := e.run(t, `
		(async () => {
			const r = new Request("https://api.test/items", {method: "POST", body: "x"});
			out.before = r.bodyUsed;
			await fetch(r);
			out.after = r.bodyUsed;
			try { await fetch(r) } catch (e) { out.again = e instanceof TypeError }
			const bare = new Request("https://api.test/items");
			await fetch(bare);
			out.bare = bare.bodyUsed;
		})().catch(e => out.err = String(e));
	`)
	assert.Equal(t, false, out["before"])
	assert.Equal(t, true, out["after"])
	assert.Equal(t, true, out["again"])
	assert.Equal(t, false, out["bare"])
	assert.Equal(t, []string{"x", ""}, bodies)
}

func TestFetch_NilResponseIsUnknownError(t *testing.T) {
	hook := HookFunc(func(ctx context.Context, req *Request) (*Response, error) { return nil, nil })
	e := newEnv(t, hook, Options{})
	out := e.run(t, `fetch("https://api.test/").catch(e => out.message = e.message)`)
	assert.Equal(t, "Unknown error", out["message"])
}

func TestFetch_NoHook(t *testing.T) {
	e := newEnv(t, nil, Options{})
	out := e.run(t, `fetch("https://api.test/").catch(e => { out.name = e.name; out.message = e.message })`)
	assert.Equal(t, "FetchError", out["name"])
	assert.Equal(t, ErrNoHook.Error(), out["message"])
}

func TestFetch_InvalidInputRejects(t *testing.T) {
	e := newEnv(t, staticHook(200, "", nil), Options{})
	out := e.run(t, `fetch("not a url").catch(e => out.type = e instanceof TypeError)`)
	assert.Equal(t, true, out["type"])
}

func TestFetch_SettlesInStartOrder(t *testing.T) {
	release := make(chan struct{})
	hook := HookFunc(func(ctx context.Context, req *Request) (*Response, error) {
		if strings.HasSuffix(req.URL, "/slow") {
			<-release
		} else {
			close(release)
		}
		return &Response{Status: 200, BodyBytes: []byte(req.URL)}, nil
	})
	e := newEnv(t, hook, Options{})
	out := e.run(t, `
		out.order = [];
		fetch("https://api.test/slow").then(() => out.order.push("slow"));
		fetch("https://api.test/fast").then(() => out.order.push("fast"));
	`)
	assert.Equal(t, []any{"slow", "fast"}, out["order"])
}

func TestFetch_RequestLimit(t *testing.T) {
	e := newEnv(t, staticHook(200, "ok", nil), Options{MaxRequests: 1})
	out := e.run(t, `
		fetch("https://api.test/1").then(r => out.first = r.status);
		fetch("https://api.test/2").catch(e => out.second = e.name + ": " + e.message);
	`)
	assert.EqualValues(t, 200, out["first"])
	assert.Contains(t, out["second"], "FetchError: request limit exceeded")
	assert.Equal(t, 1, e.mod.Started())
}

func TestFetch_Observe(t *testing.T) {
	var mu sync.Mutex
	var outcomes []string
	opts := Options{Observe: func(o string, _ time.Duration) {
		mu.Lock()
		outcomes = append(outcomes, o)
		mu.Unlock()
	}}
	hook := HookFunc(func(ctx context.Context, req *Request) (*Response, error) {
		if strings.HasSuffix(req.URL, "/fail") {
			return nil, errors.New("boom")
		}
		return &Response{Status: 204}, nil
	})
	e := newEnv(t, hook, opts)
	e.run(t, `
		fetch("https://api.test/ok");
		fetch("https://api.test/fail").catch(() => {});
	`)
	mu.Lock()
	defer mu.Unlock()
	assert.ElementsMatch(t, []string{"ok", "error"}, outcomes)
}

func TestAbortController(t *testing.T) {
	var sawAborted bool
	var reason string
	hook := HookFunc(func(ctx context.Context, req *Request) (*Response, error) {
		sawAborted = req.Signal.Aborted()
		reason = req.Signal.Reason()
		select {
		case <-req.Signal.Done():
		default:
			return nil, errors.New("signal not closed")
		}
		return nil, ErrAborted
	})
	e := newEnv(t, hook, Options{})
	out := e.run(t, `
		const ac = new AbortController();
		out.calls = 0;
		const listener = () => out.calls++;
		ac.signal.addEventListener("abort", listener);
		ac.signal.addEventListener("abort", listener);
		ac.signal.onabort = (ev) => out.eventType = ev.type;
		out.before = ac.signal.aborted;
		ac.abort();
		ac.abort();
		out.after = ac.signal.aborted;
		out.reason = ac.signal.reason.name;
		try { ac.signal.throwIfAborted() } catch (e) { out.thrown = e.name }
		out.isSignal = ac.signal instanceof AbortSignal;
		try { new AbortSignal() } catch (e) { out.illegal = e instanceof TypeError }
		out.staticAborted = AbortSignal.abort("why").reason;
		fetch("https://api.test/", {signal: ac.signal}).catch(e => out.fetch = e.name + ": " + e.message);
	`)
	assert.Equal(t, false, out["before"])
	assert.Equal(t, true, out["after"])
	assert.EqualValues(t, 1, out["calls"])
	assert.Equal(t, "abort", out["eventType"])
	assert.Equal(t, "AbortError", out["reason"])
	assert.Equal(t, "AbortError", out["thrown"])
	assert.Equal(t, true, out["isSignal"])
	assert.Equal(t, true, out["illegal"])
	assert.Equal(t, "why", out["staticAborted"])
	assert.True(t, sawAborted)
	assert.Equal(t, "This operation was aborted", reason)
	assert.Equal(t, "FetchError: "+ErrAborted.Error(), out["fetch"])
}

func TestSignal(t *testing.T) {
	var nilSig *Signal
	assert.False(t, nilSig.Aborted())
	assert.Nil(t, nilSig.Done())

	s := NewSignal()
	assert.True(t, s.Abort("first"))
	assert.False(t, s.Abort("second"))
	assert.Equal(t, "first", s.Reason())
	<-s.Done()
}

func TestResponse_Materialize(t *testing.T) {
	r := &Response{Status: 404}
	require.NoError(t, r.Materialize(0))
	assert.Equal(t, []byte{}, r.BodyBytes)
	assert.Equal(t, "Not Found", r.StatusText)

	r = &Response{Status: 200, BodyBytes: []byte("kept"), Body: io.NopCloser(strings.NewReader("ignored"))}
	require.NoError(t, r.Materialize(0))
	assert.Equal(t, "kept", string(r.BodyBytes))
}

func TestForm_URLEncode(t *testing.T) {
	f := &Form{}
	f.AddField("q", "a b")
	f.AddField("x", "&")
	assert.Equal(t, "q=a+b&x=%26", f.URLEncode())

	data, ct, err := f.Encode()
	require.NoError(t, err)
	back, err := parseForm(ct, data)
	require.NoError(t, err)
	assert.Len(t, back.entries, 2)

	_, err = parseForm("application/json", nil)
	assert.ErrorIs(t, err, ErrUnsupportedForm)
}
