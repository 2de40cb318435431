package asset

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Parse decodes and structurally validates an asset document.
//
// Structural rules are blocking: the document must be a JSON object with a
// non-empty string "version" and an "assets" array. Asset fields are read
// leniently (see Asset.UnmarshalJSON). Field types, schema shape and
// duplicate ids are Lint's business and never reject a document.
//
// Returns a *ValidationError (errors.Is ErrInvalidDocument) on failure.
func Parse(data []byte) (*Document, error) {
	var top map[string]json.RawMessage
	if err := json.Unmarshal(data, &top); err != nil {
		return nil, &ValidationError{Problems: []string{"document must be a JSON object: " + err.Error()}}
	}
	if top == nil {
		return nil, &ValidationError{Problems: []string{"document must be a JSON object"}}
	}

	var problems []string

	var version string
	if rawVersion, ok := top["version"]; !ok {
		problems = append(problems, "version is required")
	} else if err := json.Unmarshal(rawVersion, &version); err != nil {
		problems = append(problems, "version must be a string")
	} else if version == "" {
		problems = append(problems, "version must not be empty")
	}

	var assets []Asset
	rawAssets, ok := top["assets"]
	switch {
	case !ok:
		problems = append(problems, "assets is required")
	case !isJSONArray(rawAssets):
		problems = append(problems, "assets must be an array")
	default:
		if err := json.Unmarshal(rawAssets, &assets); err != nil {
			problems = append(problems, "assets: "+err.Error())
		}
	}

	if len(problems) > 0 {
		return nil, &ValidationError{Problems: problems}
	}

	if assets == nil {
		assets = []Asset{}
	}

	return &Document{
		Version: version,
		Assets:  assets,
		raw:     bytes.Clone(data),
	}, nil
}

func isJSONArray(raw json.RawMessage) bool {
	raw = bytes.TrimSpace(raw)
	return len(raw) > 0 && raw[0] == '['
}

// Load reads and parses the asset document at path.
func Load(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading asset document: %w", err)
	}
	doc, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("loading %s: %w", path, err)
	}
	return doc, nil
}

// Bytes returns the document as JSON. A parsed document returns its
// original bytes so unknown fields survive a round trip.
func (d *Document) Bytes() ([]byte, error) {
	if d.raw != nil {
		return d.raw, nil
	}
	return json.MarshalIndent(d, "", "  ")
}

// Save writes the document to path pretty-printed with two-space indent,
// atomically (temp file then rename). Member order and unknown fields of a
// parsed document are kept.
func Save(path string, doc *Document) error {
	data, err := doc.Bytes()
	if err != nil {
		return fmt.Errorf("encoding asset document: %w", err)
	}

	var pretty bytes.Buffer
	if err := json.Indent(&pretty, data, "", "  "); err != nil {
		return fmt.Errorf("formatting asset document: %w", err)
	}
	pretty.WriteByte('\n')
	data = pretty.Bytes()

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("creating asset directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".assets-*.json")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) //nolint:errcheck // no-op after a successful rename

	if _, err := tmp.Write(data); err != nil {
		tmp.Close() //nolint:errcheck // write error takes precedence
		return fmt.Errorf("writing temp file: %w", err)
	}
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close() //nolint:errcheck // chmod error takes precedence
		return fmt.Errorf("setting permissions: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}

	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("replacing asset document: %w", err)
	}
	return nil
}
