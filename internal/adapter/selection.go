package adapter

import (
	"sort"

	"github.com/nerrad567/gray-logic-gateway/internal/asset"
)

// Selection is the subset of a document one adapter is responsible for.
type Selection struct {
	// IDs are the unique adapter-local control ids, sorted.
	IDs []string

	// Boolean holds the ids whose values use the boolean mapping.
	Boolean map[string]bool
}

// BooleanRule decides whether a control uses boolean value mapping.
type BooleanRule func(controlKey string, desc asset.ControlDescriptor) bool

// Select picks the controls of every asset owned by adapterKey.
// Descriptors without an id are skipped.
func Select(assets []asset.Asset, adapterKey string, isBoolean BooleanRule) Selection {
	seen := make(map[string]struct{})
	sel := Selection{Boolean: make(map[string]bool)}

	for _, a := range assets {
		if a.Adapter != adapterKey {
			continue
		}
		for key, desc := range a.Controls {
			id := desc.ControlID()
			if id == "" {
				continue
			}
			if _, dup := seen[id]; !dup {
				seen[id] = struct{}{}
				sel.IDs = append(sel.IDs, id)
			}
			if isBoolean != nil && isBoolean(key, desc) {
				sel.Boolean[id] = true
			}
		}
	}

	sort.Strings(sel.IDs)
	return sel
}

// Set returns the ids as a lookup set.
func (s Selection) Set() map[string]struct{} {
	out := make(map[string]struct{}, len(s.IDs))
	for _, id := range s.IDs {
		out[id] = struct{}{}
	}
	return out
}

// Has reports whether id is selected.
func (s Selection) Has(id string) bool {
	i := sort.SearchStrings(s.IDs, id)
	return i < len(s.IDs) && s.IDs[i] == id
}
