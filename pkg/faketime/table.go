package faketime

import (
	"errors"
	"sort"
	"sync"
	"time"
)

var ErrInvalidRate = errors.New("faketime rate must be greater than zero")

// Binding is the desired clock behaviour of one executable on one node.
// A disabled binding means the executable must run unwrapped.
type Binding struct {
	Executable string
	Base       time.Time
	Rate       float64
	Enabled    bool
}

// Table is the declarative set of bindings per node. It holds at most one
// binding per executable per node; binding again replaces the previous entry.
type Table struct {
	mu       sync.RWMutex
	bindings map[string]map[string]Binding
}

// NewTable creates an empty table.
func NewTable() *Table {
	return &Table{bindings: make(map[string]map[string]Binding)}
}

// Bind declares that exe on node observes time starting at base and advancing at rate × real time.
func (t *Table) Bind(node, exe string, base time.Time, rate float64) error {
	if rate <= 0 {
		return ErrInvalidRate
	}
	t.set(node, Binding{Executable: exe, Base: base, Rate: rate, Enabled: true})
	return nil
}

// Clear declares that exe on node must run without a wrapper.
func (t *Table) Clear(node, exe string) {
	t.set(node, Binding{Executable: exe})
}

func (t *Table) set(node string, b Binding) {
	t.mu.Lock()
	defer t.mu.Unlock()
	m, ok := t.bindings[node]
	if !ok {
		m = make(map[string]Binding)
		t.bindings[node] = m
	}
	m[b.Executable] = b
}

// Lookup returns the binding for exe on node.
func (t *Table) Lookup(node, exe string) (Binding, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	b, ok := t.bindings[node][exe]
	return b, ok
}

// Bindings returns node's bindings ordered by executable path.
func (t *Table) Bindings(node string) []Binding {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Binding, 0, len(t.bindings[node]))
	for _, b := range t.bindings[node] {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Executable < out[j].Executable })
	return out
}
