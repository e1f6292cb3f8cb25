// Package engine holds the group-module mapping: which groups may use which
// business module, kept in memory and persisted as a single JSON document.
package engine

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/icebiz/modgate/internal/registry"
)

// SchemaVersion is the document schema this build reads and writes.
const SchemaVersion = 1

// metaKey is the reserved top-level key of the document header.
const metaKey = "_meta"

// Diff is the change to one module's allowed groups.
type Diff struct {
	Added   []string `json:"added"`
	Removed []string `json:"removed"`
}

// Empty reports whether the diff changes nothing.
func (d Diff) Empty() bool {
	return len(d.Added) == 0 && len(d.Removed) == 0
}

// Transition is the per-module diff of a mapping change.
type Transition map[registry.Module]Diff

// Empty reports whether no module changed.
func (t Transition) Empty() bool {
	for _, d := range t {
		if !d.Empty() {
			return false
		}
	}
	return true
}

// Compact drops modules whose diff is empty.
func (t Transition) Compact() Transition {
	out := make(Transition, len(t))
	for m, d := range t {
		if !d.Empty() {
			out[m] = d
		}
	}
	return out
}

// Pair names one (module, group) entry of the mapping.
type Pair struct {
	Module registry.Module `json:"module"`
	Group  string          `json:"group"`
}

// Meta is the document header.
type Meta struct {
	Schema int    `json:"schema"`
	Seq    uint64 `json:"seq"`
}

// Document is the persisted form of the mapping: a header plus module
// identifier → group names.
type Document struct {
	Meta    Meta
	Modules map[string][]string
}

// MarshalJSON writes the flat shape {"_meta": {...}, "<module>": [...]}.
// Map keys are sorted, so "_meta" comes first.
func (d Document) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(d.Modules)+1)
	out[metaKey] = d.Meta
	for k, groups := range d.Modules {
		g := append([]string(nil), groups...)
		sort.Strings(g)
		if g == nil {
			g = []string{}
		}
		out[k] = g
	}
	return json.Marshal(out)
}

// UnmarshalJSON reads the flat shape. Module values that are not string
// lists are rejected; use decodeDocument for the tolerant reader.
func (d *Document) UnmarshalJSON(data []byte) error {
	doc, warnings, err := decodeDocument(data)
	if err != nil {
		return err
	}
	if len(warnings) > 0 {
		return fmt.Errorf("invalid document: %s", warnings[0])
	}
	*d = doc
	return nil
}
