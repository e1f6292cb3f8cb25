package engine

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/icebiz/modgate/internal/apperr"
	"github.com/tidwall/jsonc"
)

// decodeDocument parses a document, upgrading older schemas in memory.
// Documents written by the old fix-up scripts have no "_meta" header; they
// are schema 0 and differ from schema 1 only by the missing header.
//   - Comments and trailing commas are tolerated (operators hand-edit the file).
//   - A schema newer than SchemaVersion is a StaleDocument error.
//   - Module entries that are not string lists are dropped with a warning.
func decodeDocument(data []byte) (Document, []string, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(jsonc.ToJSON(data), &raw); err != nil {
		return Document{}, nil, fmt.Errorf("decode document: %w", err)
	}

	doc := Document{Modules: make(map[string][]string)}
	var warnings []string

	if header, ok := raw[metaKey]; ok {
		if err := json.Unmarshal(header, &doc.Meta); err != nil {
			return Document{}, nil, fmt.Errorf("decode %s header: %w", metaKey, err)
		}
		delete(raw, metaKey)
	}

	if doc.Meta.Schema > SchemaVersion {
		return Document{}, nil, apperr.Newf(apperr.KindStaleDocument,
			"document schema %d is newer than supported schema %d", doc.Meta.Schema, SchemaVersion)
	}
	if doc.Meta.Schema < SchemaVersion {
		warnings = append(warnings, fmt.Sprintf("upgraded document from schema %d to %d", doc.Meta.Schema, SchemaVersion))
		doc.Meta.Schema = SchemaVersion
	}

	for key, value := range raw {
		var groups []string
		if err := json.Unmarshal(value, &groups); err != nil {
			warnings = append(warnings, fmt.Sprintf("dropped key %q: value is not a list of group names", key))
			continue
		}
		doc.Modules[key] = cleanGroups(groups)
	}

	return doc, warnings, nil
}

// cleanGroups trims names, drops empty ones and collapses duplicates.
func cleanGroups(groups []string) []string {
	seen := make(map[string]struct{}, len(groups))
	out := make([]string, 0, len(groups))
	for _, g := range groups {
		g = strings.TrimSpace(g)
		if g == "" {
			continue
		}
		if _, dup := seen[g]; dup {
			continue
		}
		seen[g] = struct{}{}
		out = append(out, g)
	}
	return out
}

// mergeDocuments unions documents read in precedence order. Group sets are
// unioned per key; the header keeps the highest sequence number seen so the
// counter never moves backwards.
func mergeDocuments(docs []Document) Document {
	merged := Document{
		Meta:    Meta{Schema: SchemaVersion},
		Modules: make(map[string][]string),
	}
	for _, d := range docs {
		if d.Meta.Seq > merged.Meta.Seq {
			merged.Meta.Seq = d.Meta.Seq
		}
		for key, groups := range d.Modules {
			merged.Modules[key] = cleanGroups(append(merged.Modules[key], groups...))
		}
	}
	return merged
}
