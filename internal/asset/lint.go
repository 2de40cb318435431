package asset

import (
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

//go:embed schema.json
var documentSchema []byte

const schemaResource = "asset-document.schema.json"

var (
	compiledOnce   sync.Once
	compiledSchema *jsonschema.Schema
	compileErr     error
)

func schema() (*jsonschema.Schema, error) {
	compiledOnce.Do(func() {
		var schemaMap any
		if err := json.Unmarshal(documentSchema, &schemaMap); err != nil {
			compileErr = fmt.Errorf("unmarshalling asset schema: %w", err)
			return
		}
		c := jsonschema.NewCompiler()
		if err := c.AddResource(schemaResource, schemaMap); err != nil {
			compileErr = fmt.Errorf("adding asset schema: %w", err)
			return
		}
		compiledSchema, compileErr = c.Compile(schemaResource)
	})
	return compiledSchema, compileErr
}

// Lint runs advisory checks on a raw asset document and returns
// human-readable warnings. It never rejects a document; Parse does that.
//
// Checks:
//   - JSON Schema shape of assets and control descriptors
//   - duplicate asset ids
//   - control ids reused by more than one asset
func Lint(data []byte) []string {
	var warnings []string

	var instance any
	if err := json.Unmarshal(data, &instance); err != nil {
		return []string{"document is not valid JSON: " + err.Error()}
	}

	sch, err := schema()
	if err != nil {
		warnings = append(warnings, "schema unavailable: "+err.Error())
	} else if err := sch.Validate(instance); err != nil {
		warnings = append(warnings, schemaMessages(err)...)
	}

	doc, err := Parse(data)
	if err != nil {
		return warnings
	}
	return append(warnings, crossReferenceWarnings(doc)...)
}

// schemaMessages flattens a validation error into one line per leaf.
func schemaMessages(err error) []string {
	var verr *jsonschema.ValidationError
	if !errors.As(err, &verr) {
		return []string{err.Error()}
	}

	var out []string
	for _, line := range strings.Split(verr.Error(), "\n")[1:] {
		line = strings.TrimSpace(line)
		line = strings.TrimPrefix(line, "- ")
		if line != "" {
			out = append(out, line)
		}
	}
	if len(out) == 0 {
		out = append(out, verr.Error())
	}
	return out
}

func crossReferenceWarnings(doc *Document) []string {
	var warnings []string

	seen := make(map[string]int, len(doc.Assets))
	owners := make(map[string]map[string]struct{})
	for _, a := range doc.Assets {
		if a.ID != "" {
			seen[a.ID]++
		}
		for _, desc := range a.Controls {
			id := desc.ControlID()
			if id == "" {
				continue
			}
			if owners[id] == nil {
				owners[id] = make(map[string]struct{})
			}
			owners[id][a.ID] = struct{}{}
		}
	}

	for id, n := range seen {
		if n > 1 {
			warnings = append(warnings, fmt.Sprintf("asset id %q appears %d times", id, n))
		}
	}
	for id, assets := range owners {
		if len(assets) > 1 {
			names := make([]string, 0, len(assets))
			for a := range assets {
				names = append(names, a)
			}
			sort.Strings(names)
			warnings = append(warnings, fmt.Sprintf("control id %q is shared by assets %s", id, strings.Join(names, ", ")))
		}
	}

	sort.Strings(warnings)
	return warnings
}
