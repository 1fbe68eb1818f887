package namespace

import (
	"bytes"
	"encoding/json"
	"strings"

	"github.com/PaesslerAG/jsonpath"
	"github.com/dop251/goja"
	"github.com/xeipuuv/gojsonschema"

	"scriptcage/internal/cage"
)

// jsonBody checks that the body is JSON, optionally that path exists in it and
// optionally that it holds value. A path without a leading $ is read as a
// dotted member path.
func (c *chain) jsonBody(call goja.FunctionCall) {
	var data any
	if err := json.Unmarshal([]byte(c.resp.Body), &data); err != nil {
		c.record(false, "have a JSON body", "invalid JSON")
		return
	}
	if !cage.Present(call.Argument(0)) {
		c.record(true, "have a JSON body", "")
		return
	}

	path := call.Argument(0).String()
	expr := path
	if !strings.HasPrefix(expr, "$") {
		expr = "$." + expr
	}
	got, err := jsonpath.Get(expr, data)
	if len(call.Arguments) < 2 {
		c.record(err == nil, "have JSON property '"+path+"'", "")
		return
	}

	want := call.Argument(1)
	phrase := "have JSON property '" + path + "' equal to " + c.n.exp.Render(want)
	if err != nil {
		c.record(false, phrase, "no such property")
		return
	}
	c.record(jsonEqual(got, fromJS(want)), phrase, renderJSON(got))
}

// jsonSchema validates the body against a JSON Schema given as an object.
func (c *chain) jsonSchema(call goja.FunctionCall) {
	obj, ok := call.Argument(0).(*goja.Object)
	if !ok {
		c.fail("Expected response to match JSON schema but no schema was given")
		return
	}
	res, err := gojsonschema.Validate(
		gojsonschema.NewGoLoader(obj.Export()),
		gojsonschema.NewStringLoader(c.resp.Body),
	)
	if err != nil {
		c.fail("Expected response to match JSON schema but validation failed: " + err.Error())
		return
	}
	var got string
	if errs := res.Errors(); len(errs) > 0 {
		got = errs[0].String()
	}
	c.record(res.Valid(), "match JSON schema", got)
}

func jsonEqual(a, b any) bool {
	ja, errA := json.Marshal(a)
	jb, errB := json.Marshal(b)
	if errA != nil || errB != nil {
		return false
	}
	return bytes.Equal(ja, jb)
}

func renderJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return "?"
	}
	return string(b)
}
