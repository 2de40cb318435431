package asset

import (
	"fmt"
	"sync/atomic"
)

// Logger defines the logging interface used by the Registry.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// noopLogger is a logger that does nothing.
type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// snapshot is one immutable generation of the registry.
type snapshot struct {
	doc      *Document
	byID     map[string]*Asset
	controls map[string]ControlRef
}

// Registry holds the active asset document and its derived indexes.
//
// Replace builds a complete new snapshot before publishing it, so readers
// see either the old document with the old indexes or the new document
// with the new indexes, never a mix. Values returned by lookups share
// memory with the snapshot and must be treated as read-only.
//
// All public methods are thread-safe.
type Registry struct {
	current atomic.Pointer[snapshot]
	logger  Logger
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	r := &Registry{logger: noopLogger{}}
	r.current.Store(buildSnapshot(&Document{Assets: []Asset{}}, noopLogger{}))
	return r
}

// SetLogger sets the logger for the registry.
func (r *Registry) SetLogger(logger Logger) {
	r.logger = logger
}

// emptyVersion is the version reported after Replace(nil).
const emptyVersion = "0.0.0"

// Replace publishes doc and rebuilds both indexes. A nil doc is treated
// as an empty document with version 0.0.0.
func (r *Registry) Replace(doc *Document) {
	if doc == nil {
		doc = &Document{Version: emptyVersion, Assets: []Asset{}}
	}
	snap := buildSnapshot(doc, r.logger)
	r.current.Store(snap)
	r.logger.Info("asset document loaded",
		"version", doc.Version,
		"assets", len(snap.byID),
		"controls", len(snap.controls),
	)
}

// LoadFile parses the document at path and publishes it. On failure the
// previous document stays active.
func (r *Registry) LoadFile(path string) (*Document, error) {
	doc, err := Load(path)
	if err != nil {
		return nil, err
	}
	r.Replace(doc)
	return doc, nil
}

// buildSnapshot indexes assets by id and control ids by location.
// Empty ids are skipped. On collision the last asset wins; the collision
// is logged but not rejected.
func buildSnapshot(doc *Document, logger Logger) *snapshot {
	s := &snapshot{
		doc:      doc,
		byID:     make(map[string]*Asset, len(doc.Assets)),
		controls: make(map[string]ControlRef),
	}

	for i := range doc.Assets {
		a := &doc.Assets[i]
		if a.ID != "" {
			if _, dup := s.byID[a.ID]; dup {
				logger.Warn("duplicate asset id, last one wins", "asset", a.ID)
			}
			s.byID[a.ID] = a
		}

		for key, desc := range a.Controls {
			id := desc.ControlID()
			if id == "" {
				continue
			}
			if prev, dup := s.controls[id]; dup && prev.AssetID != a.ID {
				logger.Warn("control id shared by several assets, last one wins",
					"control_id", id,
					"previous_asset", prev.AssetID,
					"asset", a.ID,
				)
			}
			s.controls[id] = ControlRef{AssetID: a.ID, ControlKey: key}
		}
	}

	return s
}

// Document returns the active document.
func (r *Registry) Document() *Document {
	return r.current.Load().doc
}

// Assets returns the full asset list of the active document.
func (r *Registry) Assets() []Asset {
	return r.current.Load().doc.Assets
}

// AssetByID looks up an asset.
func (r *Registry) AssetByID(id string) (Asset, bool) {
	a, ok := r.current.Load().byID[id]
	if !ok {
		return Asset{}, false
	}
	return *a, true
}

// ControlLocation maps an adapter-local control id back to its asset and
// control key.
func (r *Registry) ControlLocation(controlID string) (ControlRef, bool) {
	ref, ok := r.current.Load().controls[controlID]
	return ref, ok
}

// ControlCount returns the number of indexed control ids.
func (r *Registry) ControlCount() int {
	return len(r.current.Load().controls)
}

// Stats summarises the active document.
type Stats struct {
	Version  string `json:"version"`
	Assets   int    `json:"assets"`
	Controls int    `json:"controls"`
}

// Stats returns counts for the active document.
func (r *Registry) Stats() Stats {
	s := r.current.Load()
	return Stats{
		Version:  s.doc.Version,
		Assets:   len(s.byID),
		Controls: len(s.controls),
	}
}

// String implements fmt.Stringer for log lines.
func (s Stats) String() string {
	return fmt.Sprintf("version=%s assets=%d controls=%d", s.Version, s.Assets, s.Controls)
}
