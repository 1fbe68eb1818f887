package env

import "fmt"

// Store is the copy-on-write environment owned by a single run.
type Store struct {
	base Snapshot
	cur  Snapshot
}

// NewStore copies snap twice: one copy is mutated by the run, the other is
// kept for the diff.
func NewStore(snap Snapshot) *Store {
	return &Store{base: snap.Copy(), cur: snap.Copy()}
}

func (s *Store) list(scope Scope) *[]Variable {
	switch scope {
	case ScopeGlobal:
		return &s.cur.Global
	case ScopeSelected:
		return &s.cur.Selected
	case ScopeTemp:
		return &s.cur.Temp
	default:
		panic(fmt.Sprintf("env: unknown scope %q", scope))
	}
}

func indexOf(vars []Variable, key string) int {
	for i := range vars {
		if vars[i].Key == key {
			return i
		}
	}
	return -1
}

// Lookup returns the raw variable stored under key.
func (s *Store) Lookup(scope Scope, key string) (Variable, bool) {
	vars := *s.list(scope)
	if i := indexOf(vars, key); i >= 0 {
		return vars[i], true
	}
	return Variable{}, false
}

// Has reports whether key exists in scope.
func (s *Store) Has(scope Scope, key string) bool {
	_, ok := s.Lookup(scope, key)
	return ok
}

// Get returns the effective value of key in scope.
func (s *Store) Get(scope Scope, key string) (any, bool) {
	v, ok := s.Lookup(scope, key)
	if !ok {
		return nil, false
	}
	return v.Effective(), true
}

// Resolve searches request variables, then selected, then global.
func (s *Store) Resolve(key string) (any, bool) {
	for _, scope := range []Scope{ScopeTemp, ScopeSelected, ScopeGlobal} {
		if v, ok := s.Get(scope, key); ok {
			return v, true
		}
	}
	return nil, false
}

// ResolveScope returns the scope Resolve would read key from.
func (s *Store) ResolveScope(key string) (Scope, bool) {
	for _, scope := range []Scope{ScopeTemp, ScopeSelected, ScopeGlobal} {
		if s.Has(scope, key) {
			return scope, true
		}
	}
	return "", false
}

// Set updates the current value of key, appending a new variable when the key
// is absent. New variables start with the same initial value.
func (s *Store) Set(scope Scope, key string, value any) {
	vars := s.list(scope)
	if i := indexOf(*vars, key); i >= 0 {
		(*vars)[i].CurrentValue = value
		return
	}
	*vars = append(*vars, Variable{Key: key, CurrentValue: value, InitialValue: value})
}

// SetInitial updates the initial value of key, appending when absent.
func (s *Store) SetInitial(scope Scope, key string, value any) {
	vars := s.list(scope)
	if i := indexOf(*vars, key); i >= 0 {
		(*vars)[i].InitialValue = value
		return
	}
	*vars = append(*vars, Variable{Key: key, CurrentValue: value, InitialValue: value})
}

// SetAnywhere writes to the selected scope if it holds key, otherwise to global
// if it holds key, otherwise appends to selected.
func (s *Store) SetAnywhere(key string, value any) Scope {
	scope := ScopeSelected
	if !s.Has(ScopeSelected, key) && s.Has(ScopeGlobal, key) {
		scope = ScopeGlobal
	}
	s.Set(scope, key, value)
	return scope
}

// Unset removes key from scope.
func (s *Store) Unset(scope Scope, key string) bool {
	vars := s.list(scope)
	i := indexOf(*vars, key)
	if i < 0 {
		return false
	}
	*vars = append((*vars)[:i], (*vars)[i+1:]...)
	return true
}

// UnsetAnywhere removes key from selected, or from global if selected lacks it.
func (s *Store) UnsetAnywhere(key string) bool {
	if s.Unset(ScopeSelected, key) {
		return true
	}
	return s.Unset(ScopeGlobal, key)
}

// Reset restores the current value of key to its initial value.
func (s *Store) Reset(scope Scope, key string) bool {
	vars := s.list(scope)
	i := indexOf(*vars, key)
	if i < 0 {
		return false
	}
	(*vars)[i].CurrentValue = (*vars)[i].InitialValue
	return true
}

// Clear removes every variable from scope.
func (s *Store) Clear(scope Scope) {
	*s.list(scope) = []Variable{}
}

// Keys lists the keys of scope in storage order.
func (s *Store) Keys(scope Scope) []string {
	vars := *s.list(scope)
	keys := make([]string, len(vars))
	for i, v := range vars {
		keys[i] = v.Key
	}
	return keys
}

// ToObject flattens scope into key → effective value.
func (s *Store) ToObject(scope Scope) map[string]any {
	out := map[string]any{}
	for _, v := range *s.list(scope) {
		if _, seen := out[v.Key]; !seen {
			out[v.Key] = v.Effective()
		}
	}
	return out
}

// Merged flattens all scopes by precedence.
func (s *Store) Merged() map[string]any {
	out := s.ToObject(ScopeGlobal)
	for k, v := range s.ToObject(ScopeSelected) {
		out[k] = v
	}
	for k, v := range s.ToObject(ScopeTemp) {
		out[k] = v
	}
	return out
}

// Snapshot returns a copy of the current state.
func (s *Store) Snapshot() Snapshot { return s.cur.Copy() }

// Diff compares the current state against the state the run started with.
func (s *Store) Diff() Diff {
	return Diff{
		Global:   diffScope(s.base.Global, s.cur.Global),
		Selected: diffScope(s.base.Selected, s.cur.Selected),
	}
}
