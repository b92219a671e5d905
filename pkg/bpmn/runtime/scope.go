package runtime

import (
	"cmp"
	"maps"
	"slices"
)

// Scope is a variable scope overlay. Lookups that miss locally resolve through the parent chain,
// so creating a child never copies the parent's variables.
//
// Writes go to the innermost scope that declares the variable, searching no further than the
// nearest branch root. When nothing declares it the branch root receives the value. The instance
// root scope and every forked scope are branch roots, which keeps a branch's writes invisible to
// its siblings until Merge applies them to the parent.
type Scope struct {
	parent *Scope
	local  map[string]any
	branch bool
}

// NewScope creates an instance root scope backed by variables. The map is owned by the scope afterwards.
func NewScope(variables map[string]any) *Scope {
	if variables == nil {
		variables = map[string]any{}
	}
	return &Scope{local: variables, branch: true}
}

// Get resolves name from the innermost scope outward.
func (s *Scope) Get(name string) (any, bool) {
	for cur := s; cur != nil; cur = cur.parent {
		if v, ok := cur.local[name]; ok {
			return v, true
		}
	}
	return nil, false
}

func (s *Scope) Set(name string, value any) {
	cur := s
	for {
		if _, ok := cur.local[name]; ok {
			break
		}
		if cur.branch || cur.parent == nil {
			break
		}
		cur = cur.parent
	}
	cur.local[name] = value
}

// SetAll calls Set for every entry of variables.
func (s *Scope) SetAll(variables map[string]any) {
	for k, v := range variables {
		s.Set(k, v)
	}
}

// Declare writes name into this scope, shadowing any outer declaration.
func (s *Scope) Declare(name string, value any) {
	s.local[name] = value
}

// Fork creates the root scope of a new parallel branch.
func (s *Scope) Fork() *Scope {
	return &Scope{parent: s, local: map[string]any{}, branch: true}
}

// Child creates an activity-local scope seeded with variables.
func (s *Scope) Child(variables map[string]any) *Scope {
	if variables == nil {
		variables = map[string]any{}
	}
	return &Scope{parent: s, local: variables}
}

// Merge applies the writes of child to s.
func (s *Scope) Merge(child *Scope) {
	s.SetAll(child.local)
}

func (s *Scope) Parent() *Scope {
	return s.parent
}

// Local returns the variables declared in this scope. The map is live.
func (s *Scope) Local() map[string]any {
	return s.local
}

// Flatten returns every visible variable, inner declarations win.
func (s *Scope) Flatten() map[string]any {
	if s.parent == nil {
		return maps.Clone(s.local)
	}
	res := s.parent.Flatten()
	maps.Copy(res, s.local)
	return res
}

// ScopeTree materialises the persisted scopes of one instance.
type ScopeTree struct {
	root     *Scope
	records  map[int64]*BranchScope
	branches map[int64]*Scope
}

// NewScopeTree builds the overlay graph for state. The scopes write directly into the maps of state.
func NewScopeTree(state *InstanceState) *ScopeTree {
	if state.Instance.Variables == nil {
		state.Instance.Variables = map[string]any{}
	}
	t := &ScopeTree{
		root:     NewScope(state.Instance.Variables),
		records:  make(map[int64]*BranchScope, len(state.Scopes)),
		branches: make(map[int64]*Scope, len(state.Scopes)),
	}
	for i := range state.Scopes {
		if state.Scopes[i].Variables == nil {
			state.Scopes[i].Variables = map[string]any{}
		}
		t.records[state.Scopes[i].Key] = &state.Scopes[i]
	}
	for key := range t.records {
		t.resolve(key)
	}
	return t
}

func (t *ScopeTree) resolve(key int64) *Scope {
	if key == 0 {
		return t.root
	}
	if s, ok := t.branches[key]; ok {
		return s
	}
	rec, ok := t.records[key]
	if !ok {
		return t.root
	}
	parent := t.resolve(rec.ParentKey)
	s := &Scope{parent: parent, local: rec.Variables, branch: true}
	t.branches[key] = s
	return s
}

func (t *ScopeTree) Root() *Scope {
	return t.root
}

// Scope returns the scope with key, 0 and unknown keys resolve to the root.
func (t *ScopeTree) Scope(key int64) *Scope {
	return t.resolve(key)
}

// Record returns the persisted descriptor of a branch scope.
func (t *ScopeTree) Record(key int64) (*BranchScope, bool) {
	rec, ok := t.records[key]
	return rec, ok
}

// Fork registers a new branch scope below parentKey.
func (t *ScopeTree) Fork(rec BranchScope) *Scope {
	if rec.Variables == nil {
		rec.Variables = map[string]any{}
	}
	parent := t.resolve(rec.ParentKey)
	s := &Scope{parent: parent, local: rec.Variables, branch: true}
	t.records[rec.Key] = &rec
	t.branches[rec.Key] = s
	return s
}

// Remove drops a branch scope after it has been merged.
func (t *ScopeTree) Remove(key int64) {
	delete(t.records, key)
	delete(t.branches, key)
}

// Records returns the remaining branch scope descriptors.
func (t *ScopeTree) Records() []BranchScope {
	res := make([]BranchScope, 0, len(t.records))
	for _, r := range t.records {
		res = append(res, *r)
	}
	slices.SortFunc(res, func(a, b BranchScope) int {
		return cmp.Compare(a.Key, b.Key)
	})
	return res
}

// Children returns the keys of branch scopes whose parent is key.
func (t *ScopeTree) Children(key int64) []int64 {
	var res []int64
	for k, r := range t.records {
		if r.ParentKey == key {
			res = append(res, k)
		}
	}
	slices.Sort(res)
	return res
}
