package variables

import (
	"strings"
	"sync"
)

// Store is a workflow's scoped variable map. It keeps plain string variables
// and captured values, each in insertion order, plus iteration counters.
// A Store is owned by one executor; fan-out receives a Clone.
type Store struct {
	mu            sync.RWMutex
	vars          map[string]string
	varOrder      []string
	captured      map[string]Value
	capturedOrder []string
	iterations    map[string]int
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{
		vars:       map[string]string{},
		captured:   map[string]Value{},
		iterations: map[string]int{},
	}
}

// Set assigns a plain variable.
func (s *Store) Set(name, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.vars[name]; !exists {
		s.varOrder = append(s.varOrder, name)
	}
	s.vars[name] = value
}

// SetAll assigns each entry of vars in sorted key order.
func (s *Store) SetAll(vars map[string]string) {
	for _, k := range sortedStringKeys(vars) {
		s.Set(k, vars[k])
	}
}

// Get returns a plain variable.
func (s *Store) Get(name string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.vars[name]
	return v, ok
}

// Delete removes a plain or captured variable.
func (s *Store) Delete(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.vars[name]; ok {
		delete(s.vars, name)
		s.varOrder = remove(s.varOrder, name)
	}
	if _, ok := s.captured[name]; ok {
		delete(s.captured, name)
		s.capturedOrder = remove(s.capturedOrder, name)
	}
}

// SetCaptured stores a captured value.
func (s *Store) SetCaptured(name string, value Value) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.captured[name]; !exists {
		s.capturedOrder = append(s.capturedOrder, name)
	}
	s.captured[name] = value
}

// Captured returns a captured value.
func (s *Store) Captured(name string) (Value, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.captured[name]
	return v, ok
}

// CapturedValues returns a copy of the captured map.
func (s *Store) CapturedValues() map[string]Value {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]Value, len(s.captured))
	for k, v := range s.captured {
		out[k] = v
	}
	return out
}

// Variables returns a copy of the plain variables.
func (s *Store) Variables() map[string]string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]string, len(s.vars))
	for k, v := range s.vars {
		out[k] = v
	}
	return out
}

// Names returns plain variable names in insertion order.
func (s *Store) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.varOrder...)
}

// IncrementIteration bumps and returns the named counter.
func (s *Store) IncrementIteration(name string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.iterations[name]++
	return s.iterations[name]
}

// Iteration returns the named counter.
func (s *Store) Iteration(name string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.iterations[name]
}

// Clone returns an independent deep copy.
func (s *Store) Clone() *Store {
	return FromSnapshot(s.Snapshot())
}

// Resolve looks up a dotted path. The longest prefix of the path that names a
// captured value or plain variable is used as the root and the remainder is
// navigated inside it. found is false when no prefix names a variable;
// nested is false when the root exists but the remainder does not.
func (s *Store) Resolve(path string) (value Value, found bool, nested bool) {
	segs, err := ParsePath(path)
	if err != nil || len(segs) == 0 {
		return Value{}, false, false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for n := len(segs); n >= 1; n-- {
		if !allKeys(segs[:n]) {
			continue
		}
		name := joinKeys(segs[:n])
		var root any
		if v, ok := s.captured[name]; ok {
			root = v.v
		} else if v, ok := s.vars[name]; ok {
			root = v
		} else {
			continue
		}
		if n == len(segs) {
			return Value{v: root}, true, true
		}
		got, ok := Navigate(root, segs[n:])
		if !ok {
			return Value{}, true, false
		}
		return FromAny(got), true, true
	}
	return Value{}, false, false
}

// Context renders the store as a nested JSON object for expression
// evaluation. Dotted names expand into nested objects; captured values take
// precedence over plain variables of the same name.
func (s *Store) Context() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	root := map[string]any{}
	for _, name := range s.varOrder {
		setDotted(root, name, ParseValue(s.vars[name]).v)
	}
	for _, name := range s.capturedOrder {
		setDotted(root, name, decoded(s.captured[name].v))
	}
	return root
}

// Snapshot is a serializable copy of a store.
type Snapshot struct {
	Variables  []Entry         `json:"variables"`
	Captured   []CapturedEntry `json:"captured"`
	Iterations map[string]int  `json:"iterations,omitempty"`
}

// Entry is one plain variable.
type Entry struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// CapturedEntry is one captured value.
type CapturedEntry struct {
	Name  string `json:"name"`
	Value Value  `json:"value"`
}

// Snapshot copies the store's contents, preserving insertion order.
func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap := Snapshot{
		Variables: make([]Entry, 0, len(s.varOrder)),
		Captured:  make([]CapturedEntry, 0, len(s.capturedOrder)),
	}
	for _, name := range s.varOrder {
		snap.Variables = append(snap.Variables, Entry{Name: name, Value: s.vars[name]})
	}
	for _, name := range s.capturedOrder {
		snap.Captured = append(snap.Captured, CapturedEntry{Name: name, Value: FromAny(s.captured[name].v)})
	}
	if len(s.iterations) > 0 {
		snap.Iterations = make(map[string]int, len(s.iterations))
		for k, v := range s.iterations {
			snap.Iterations[k] = v
		}
	}
	return snap
}

// FromSnapshot rebuilds a store.
func FromSnapshot(snap Snapshot) *Store {
	s := NewStore()
	for _, e := range snap.Variables {
		s.Set(e.Name, e.Value)
	}
	for _, e := range snap.Captured {
		s.SetCaptured(e.Name, e.Value)
	}
	for k, v := range snap.Iterations {
		s.iterations[k] = v
	}
	return s
}

func setDotted(root map[string]any, name string, value any) {
	parts := strings.Split(name, ".")
	cur := root
	for _, part := range parts[:len(parts)-1] {
		next, ok := cur[part].(map[string]any)
		if !ok {
			next = map[string]any{}
			cur[part] = next
		}
		cur = next
	}
	cur[parts[len(parts)-1]] = value
}

func allKeys(segs []Segment) bool {
	for _, s := range segs {
		if s.Kind != SegmentKey {
			return false
		}
	}
	return true
}

func joinKeys(segs []Segment) string {
	keys := make([]string, len(segs))
	for i, s := range segs {
		keys[i] = s.Key
	}
	return strings.Join(keys, ".")
}

func remove(list []string, name string) []string {
	out := list[:0]
	for _, n := range list {
		if n != name {
			out = append(out, n)
		}
	}
	return out
}
