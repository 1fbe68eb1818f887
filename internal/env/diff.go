package env

// ScopeDiff lists what a run changed in one scope.
type ScopeDiff struct {
	Additions []Variable `json:"additions"`
	Updations []Variable `json:"updations"`
	Deletions []Variable `json:"deletions"`
}

// Empty reports whether nothing changed.
func (d ScopeDiff) Empty() bool {
	return len(d.Additions) == 0 && len(d.Updations) == 0 && len(d.Deletions) == 0
}

// Diff is the per-run environment change report. Request variables are
// transient and never appear here.
type Diff struct {
	Global   ScopeDiff `json:"global"`
	Selected ScopeDiff `json:"selected"`
}

// Empty reports whether the run left both scopes untouched.
func (d Diff) Empty() bool { return d.Global.Empty() && d.Selected.Empty() }

func diffScope(before, after []Variable) ScopeDiff {
	d := ScopeDiff{
		Additions: []Variable{},
		Updations: []Variable{},
		Deletions: []Variable{},
	}

	old := make(map[string]Variable, len(before))
	for _, v := range before {
		if _, ok := old[v.Key]; !ok {
			old[v.Key] = v
		}
	}
	seen := make(map[string]bool, len(after))
	for _, v := range after {
		if seen[v.Key] {
			continue
		}
		seen[v.Key] = true
		prev, ok := old[v.Key]
		switch {
		case !ok:
			d.Additions = append(d.Additions, v)
		case !valueEqual(prev.CurrentValue, v.CurrentValue) ||
			!valueEqual(prev.InitialValue, v.InitialValue) ||
			prev.Secret != v.Secret:
			d.Updations = append(d.Updations, v)
		}
	}
	for _, v := range before {
		if _, ok := old[v.Key]; ok && !seen[v.Key] {
			d.Deletions = append(d.Deletions, v)
			delete(old, v.Key)
		}
	}
	return d
}
