package copro

import "github.com/pkg/errors"

// CanonicalNames is the fixed coprocessor name set spec.md §6 requires
// every runtime to expose positionally, absent backends recorded as nil.
var CanonicalNames = []string{"lookup", "lookupnew", "lookup_ex", "regexp", "stringmatching"}

// Table is a per-PE coprocessor table indexed by the canonical name set,
// per spec.md §4.8/§6: "each coprocessor is reachable by string name
// through a fixed table in the runtime."
type Table struct {
	byName map[string]Coprocessor
}

// NewTable builds a table with one freshly constructed instance of each
// canonical coprocessor. Callers needing a reduced set may delete entries
// afterwards; a deleted or never-populated name resolves to (nil, false).
func NewTable() *Table {
	t := &Table{byName: map[string]Coprocessor{
		"lookup":         NewLookup(),
		"lookupnew":      NewLookupNew(),
		"lookup_ex":      NewLookupEx(),
		"regexp":         NewRegex(),
		"stringmatching": NewStringMatcher(),
	}}
	return t
}

// Get returns the coprocessor registered under name, if any.
func (t *Table) Get(name string) (Coprocessor, bool) {
	c, ok := t.byName[name]
	return c, ok
}

// MustGet returns the coprocessor registered under name or an error
// naming it, for callers (e.g. lowered coprocessor-call handlers) that
// treat an absent backend as a hard failure.
func (t *Table) MustGet(name string) (Coprocessor, error) {
	c, ok := t.byName[name]
	if !ok {
		return nil, errors.Errorf("copro: no coprocessor registered under %q", name)
	}
	return c, nil
}

// SetBuffer installs the current exchange buffer on every coprocessor
// that scans one (StringMatcher, Regex), a no-op for the lookup family.
func (t *Table) SetBuffer(data []byte) {
	for _, c := range t.byName {
		if bu, ok := c.(interface{ SetBuffer([]byte) }); ok {
			bu.SetBuffer(data)
		}
	}
}
