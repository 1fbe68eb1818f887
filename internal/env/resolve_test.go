package env

import "testing"

func TestResolveWithVars_Basic(t *testing.T) {
	got := ResolveWithVars("http://{{host}}/api", map[string]string{"host": "localhost"})
	want := "http://localhost/api"
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestResolveWithVars_UndefinedVarKept(t *testing.T) {
	got := ResolveWithVars("{{unknown}}", map[string]string{})
	want := "{{unknown}}"
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestResolveWithVars_TrimSpaces(t *testing.T) {
	got := ResolveWithVars("{{ host }}", map[string]string{"host": "localhost"})
	want := "localhost"
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestReplaceIn_Nested(t *testing.T) {
	s := NewStore(Snapshot{
		Global:   []Variable{{Key: "base", CurrentValue: "{{scheme}}://{{host}}"}},
		Selected: []Variable{{Key: "scheme", CurrentValue: "https"}, {Key: "host", CurrentValue: "api.test"}},
	})

	got := s.ReplaceIn("{{base}}/v1")
	want := "https://api.test/v1"
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestReplaceIn_SelfReferenceTerminates(t *testing.T) {
	s := NewStore(Snapshot{Selected: []Variable{{Key: "loop", CurrentValue: "{{loop}}"}}})

	got := s.ReplaceIn("{{loop}}")
	if got != "{{loop}}" {
		t.Errorf("got %q", got)
	}
}

func TestStringify(t *testing.T) {
	cases := []struct {
		in   any
		want string
	}{
		{nil, ""},
		{Undefined, ""},
		{"s", "s"},
		{int64(3), "3"},
		{float64(2.5), "2.5"},
		{true, "true"},
		{map[string]any{"a": int64(1)}, `{"a":1}`},
		{[]any{"x"}, `["x"]`},
	}
	for _, tc := range cases {
		if got := Stringify(tc.in); got != tc.want {
			t.Errorf("Stringify(%#v) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
