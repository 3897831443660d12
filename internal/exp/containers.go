package exp

import "sort"

// Set is a set of expressions with structural identity. Iteration is in the
// sorted order of the members' printed forms so passes over it are
// deterministic.
type Set struct {
	m map[string]Exp
}

func NewSet(es ...Exp) *Set {
	s := &Set{m: make(map[string]Exp)}
	for _, e := range es {
		s.Insert(e)
	}
	return s
}

// Insert adds e and reports whether it was not already present. The
// expression is stored as given; callers that hand the set a long-lived key
// clone it first.
func (s *Set) Insert(e Exp) bool {
	k := e.String()
	if _, ok := s.m[k]; ok {
		return false
	}
	s.m[k] = e
	return true
}

func (s *Set) Contains(e Exp) bool {
	_, ok := s.m[e.String()]
	return ok
}

func (s *Set) Remove(e Exp) bool {
	k := e.String()
	if _, ok := s.m[k]; !ok {
		return false
	}
	delete(s.m, k)
	return true
}

func (s *Set) Size() int     { return len(s.m) }
func (s *Set) IsEmpty() bool { return len(s.m) == 0 }

// Exps returns the members in sorted order.
func (s *Set) Exps() []Exp {
	keys := make([]string, 0, len(s.m))
	for k := range s.m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]Exp, len(keys))
	for i, k := range keys {
		out[i] = s.m[k]
	}
	return out
}

// Each calls f on every member in sorted order until f returns false.
func (s *Set) Each(f func(Exp) bool) {
	for _, e := range s.Exps() {
		if !f(e) {
			return
		}
	}
}

func (s *Set) Clone() *Set {
	c := NewSet()
	for k, e := range s.m {
		c.m[k] = e.Clone()
	}
	return c
}

func (s *Set) Equal(o *Set) bool {
	if len(s.m) != len(o.m) {
		return false
	}
	for k := range s.m {
		if _, ok := o.m[k]; !ok {
			return false
		}
	}
	return true
}

func (s *Set) String() string {
	out := ""
	for i, e := range s.Exps() {
		if i > 0 {
			out += ", "
		}
		out += e.String()
	}
	return out
}

// Map associates expressions with values, keyed structurally. The key
// expression handed to the first Put for a given structure is retained; later
// Puts only replace the value. Get never materializes a key.
type Map[V any] struct {
	keys map[string]Exp
	vals map[string]V
}

func NewMap[V any]() *Map[V] {
	return &Map[V]{keys: make(map[string]Exp), vals: make(map[string]V)}
}

func (m *Map[V]) Get(e Exp) (V, bool) {
	v, ok := m.vals[e.String()]
	return v, ok
}

func (m *Map[V]) Put(e Exp, v V) {
	k := e.String()
	if _, ok := m.keys[k]; !ok {
		m.keys[k] = e
	}
	m.vals[k] = v
}

func (m *Map[V]) Delete(e Exp) {
	k := e.String()
	delete(m.keys, k)
	delete(m.vals, k)
}

func (m *Map[V]) Len() int { return len(m.vals) }

// Keys returns the key expressions in sorted order.
func (m *Map[V]) Keys() []Exp {
	keys := make([]string, 0, len(m.keys))
	for k := range m.keys {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]Exp, len(keys))
	for i, k := range keys {
		out[i] = m.keys[k]
	}
	return out
}

// Each calls f on every entry in sorted key order until f returns false.
func (m *Map[V]) Each(f func(Exp, V) bool) {
	for _, e := range m.Keys() {
		if !f(e, m.vals[e.String()]) {
			return
		}
	}
}

func (m *Map[V]) Clear() {
	m.keys = make(map[string]Exp)
	m.vals = make(map[string]V)
}
