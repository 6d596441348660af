package hub

import (
	"bytes"

	"github.com/zyahav/mcp-skills-hub/pkg/protocol"
)

// Entry maps one tool to the worker that serves it.
type Entry struct {
	Tool   protocol.Tool
	Worker string
}

// Collision records a tool name declared by more than one worker.
type Collision struct {
	Tool    string
	Kept    string
	Dropped string
}

// Index is an immutable snapshot of which worker serves which tool. It is
// replaced as a whole, never modified, so readers always see a complete
// mapping. The zero value and a nil *Index are empty.
type Index struct {
	entries []Entry
	byName  map[string]int
}

// BuildIndex merges the tool lists of the given workers in order. When two
// workers declare the same tool name the earlier worker keeps it.
func BuildIndex(order []string, tools map[string][]protocol.Tool) (*Index, []Collision) {
	ix := &Index{byName: make(map[string]int)}
	var collisions []Collision
	for _, name := range order {
		for _, t := range tools[name] {
			if i, taken := ix.byName[t.Name]; taken {
				collisions = append(collisions, Collision{Tool: t.Name, Kept: ix.entries[i].Worker, Dropped: name})
				continue
			}
			ix.byName[t.Name] = len(ix.entries)
			ix.entries = append(ix.entries, Entry{Tool: t, Worker: name})
		}
	}
	return ix, collisions
}

// Lookup returns the worker serving tool.
func (ix *Index) Lookup(tool string) (string, bool) {
	if ix == nil {
		return "", false
	}
	i, ok := ix.byName[tool]
	if !ok {
		return "", false
	}
	return ix.entries[i].Worker, true
}

// Entries returns the entries in listing order.
func (ix *Index) Entries() []Entry {
	if ix == nil {
		return nil
	}
	return append([]Entry(nil), ix.entries...)
}

// Tools returns the tool objects in listing order.
func (ix *Index) Tools() []protocol.Tool {
	if ix == nil {
		return []protocol.Tool{}
	}
	out := make([]protocol.Tool, 0, len(ix.entries))
	for _, e := range ix.entries {
		out = append(out, e.Tool)
	}
	return out
}

// ToolsOf returns the tools indexed for one worker.
func (ix *Index) ToolsOf(worker string) []protocol.Tool {
	if ix == nil {
		return nil
	}
	var out []protocol.Tool
	for _, e := range ix.entries {
		if e.Worker == worker {
			out = append(out, e.Tool)
		}
	}
	return out
}

// Len returns the number of indexed tools.
func (ix *Index) Len() int {
	if ix == nil {
		return 0
	}
	return len(ix.entries)
}

// Without returns a copy of the index with every entry of worker removed.
// Tools that worker had won are not handed to later declarers; that happens
// on the next rebuild.
func (ix *Index) Without(worker string) *Index {
	out := &Index{byName: make(map[string]int)}
	if ix == nil {
		return out
	}
	for _, e := range ix.entries {
		if e.Worker == worker {
			continue
		}
		out.byName[e.Tool.Name] = len(out.entries)
		out.entries = append(out.entries, e)
	}
	return out
}

// SameTools reports whether both indexes list the same tool objects, routed
// to the same workers, in the same order.
func (ix *Index) SameTools(other *Index) bool {
	a, b := ix.Entries(), other.Entries()
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].Tool.Name != b[i].Tool.Name || a[i].Worker != b[i].Worker ||
			!bytes.Equal(a[i].Tool.Raw, b[i].Tool.Raw) {
			return false
		}
	}
	return true
}
