package machine

import "fmt"

// HelperFunc is a host function callable from compiled code. A non-nil
// error sets the pending-exception flag; the result is then ignored.
type HelperFunc func(args []uint64) (uint64, error)

// HelperID indexes a HelperTable.
type HelperID uint16

// Helper describes one host function.
type Helper struct {
	Name string
	Fn   HelperFunc
	// Pure helpers have no effect other than producing their result.
	Pure bool
}

// HelperTable is the set of host functions shared by the emitter (for
// names) and the CPU (for calls). It is populated once and then only read.
type HelperTable struct {
	helpers []Helper
	byName  map[string]HelperID
}

func NewHelperTable() *HelperTable {
	return &HelperTable{byName: make(map[string]HelperID)}
}

// Register adds a helper and returns its id. Names must be unique.
func (t *HelperTable) Register(name string, pure bool, fn HelperFunc) HelperID {
	if _, dup := t.byName[name]; dup {
		panic(fmt.Sprintf("machine: helper %q registered twice", name))
	}
	id := HelperID(len(t.helpers))
	t.helpers = append(t.helpers, Helper{Name: name, Fn: fn, Pure: pure})
	t.byName[name] = id
	return id
}

// Lookup finds a helper by name.
func (t *HelperTable) Lookup(name string) (HelperID, bool) {
	id, ok := t.byName[name]
	return id, ok
}

// Get returns the helper for id.
func (t *HelperTable) Get(id HelperID) Helper {
	if int(id) >= len(t.helpers) {
		panic(fmt.Sprintf("machine: unknown helper %d", id))
	}
	return t.helpers[id]
}

// Name returns the helper's name, or a placeholder for unknown ids.
func (t *HelperTable) Name(id HelperID) string {
	if t == nil || int(id) >= len(t.helpers) {
		return fmt.Sprintf("helper%d", id)
	}
	return t.helpers[id].Name
}
