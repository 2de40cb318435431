package asset

import (
	"bytes"
	"encoding/json"
)

// Document is a versioned collection of assets.
type Document struct {
	Version string  `json:"version"`
	Assets  []Asset `json:"assets"`

	raw []byte
}

// Raw returns the bytes the document was parsed from, or nil for a
// document built in code.
func (d *Document) Raw() []byte {
	return d.raw
}

// Asset is a named thing in the building that exposes controls through
// exactly one adapter.
type Asset struct {
	ID       string                       `json:"id"`
	Name     string                       `json:"name"`
	Category string                       `json:"category"`
	Adapter  string                       `json:"adapter"`
	Location Location                     `json:"location"`
	Controls map[string]ControlDescriptor `json:"controls"`
	Icon     string                       `json:"icon,omitempty"`
	Tags     []string                     `json:"tags,omitempty"`
	Notes    string                       `json:"notes,omitempty"`
}

// Location places an asset in the building hierarchy.
type Location struct {
	Building string `json:"building"`
	Floor    string `json:"floor"`
	Room     string `json:"room"`
}

// UnmarshalJSON takes numbers and booleans as their text, so "floor": 2
// reads as "2". Anything that is not an object leaves the location empty.
func (l *Location) UnmarshalJSON(data []byte) error {
	fields := looseObject(data)
	*l = Location{
		Building: looseString(fields["building"]),
		Floor:    looseString(fields["floor"]),
		Room:     looseString(fields["room"]),
	}
	return nil
}

// UnmarshalJSON decodes an asset field by field. A field of the wrong type
// is left at its zero value instead of failing the whole document, and an
// element that is not an object becomes an asset with no id, which the
// registry does not index.
func (a *Asset) UnmarshalJSON(data []byte) error {
	fields := looseObject(data)

	*a = Asset{
		ID:       looseString(fields["id"]),
		Name:     looseString(fields["name"]),
		Category: looseString(fields["category"]),
		Adapter:  looseString(fields["adapter"]),
		Icon:     looseString(fields["icon"]),
		Notes:    looseString(fields["notes"]),
	}
	if raw, ok := fields["location"]; ok {
		a.Location.UnmarshalJSON(raw) //nolint:errcheck // never fails
	}

	if controls := looseObject(fields["controls"]); controls != nil {
		a.Controls = make(map[string]ControlDescriptor, len(controls))
		for key, raw := range controls {
			var desc ControlDescriptor
			desc.UnmarshalJSON(raw) //nolint:errcheck // never fails
			a.Controls[key] = desc
		}
	}

	var tags []json.RawMessage
	if err := json.Unmarshal(fields["tags"], &tags); err == nil {
		for _, t := range tags {
			if s := looseString(t); s != "" {
				a.Tags = append(a.Tags, s)
			}
		}
	}
	return nil
}

// looseObject returns the members of a JSON object, or nil for any other
// value.
func looseObject(data []byte) map[string]json.RawMessage {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return nil
	}
	return m
}

// looseString returns a JSON string's value, or the literal text of a
// number or boolean. Other values give "".
func looseString(data []byte) string {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return ""
	}
	switch data[0] {
	case '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return ""
		}
		return s
	case 't', 'f':
		if string(data) == "true" || string(data) == "false" {
			return string(data)
		}
	case '-', '0', '1', '2', '3', '4', '5', '6', '7', '8', '9':
		var n json.Number
		if err := json.Unmarshal(data, &n); err == nil {
			return n.String()
		}
	}
	return ""
}

// ControlDescriptor names the adapter-local id of one control, optionally
// with UI metadata. On the wire it is either a bare string or an object.
type ControlDescriptor struct {
	ID   string   `json:"id"`
	Type string   `json:"type,omitempty"`
	Min  *float64 `json:"min,omitempty"`
	Max  *float64 `json:"max,omitempty"`
	Step *float64 `json:"step,omitempty"`
	Unit string   `json:"unit,omitempty"`

	// short marks a descriptor that arrived as a bare string, so it
	// is written back the same way.
	short bool
}

// ControlID returns the adapter-local control id.
func (c ControlDescriptor) ControlID() string {
	return c.ID
}

// UnmarshalJSON accepts "id" or {"id": ..., "type": ...}. Any other
// shape, or an object whose fields have the wrong types, yields whatever
// id can be salvaged (possibly none); Lint reports the problem.
func (c *ControlDescriptor) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	switch {
	case len(data) > 0 && data[0] == '"':
		*c = ControlDescriptor{ID: looseString(data), short: true}
	case len(data) > 0 && data[0] == '{':
		// Alias drops the method set to avoid recursion.
		type plain ControlDescriptor
		var p plain
		if err := json.Unmarshal(data, &p); err == nil {
			*c = ControlDescriptor(p)
			return nil
		}
		fields := looseObject(data)
		*c = ControlDescriptor{ID: looseString(fields["id"]), Type: looseString(fields["type"]), Unit: looseString(fields["unit"])}
	default:
		*c = ControlDescriptor{}
	}
	return nil
}

// MarshalJSON preserves the form the descriptor was read in.
func (c ControlDescriptor) MarshalJSON() ([]byte, error) {
	if c.short {
		return json.Marshal(c.ID)
	}
	type plain ControlDescriptor
	return json.Marshal(plain(c))
}

// ControlRef locates a control inside the document.
type ControlRef struct {
	AssetID    string
	ControlKey string
}
