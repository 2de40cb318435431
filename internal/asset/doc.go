// Package asset holds the asset document and the indexes derived from it.
//
// An asset document is a versioned list of assets. Each asset names the
// adapter that owns it and maps human control keys ("gain", "mute") to
// adapter-local control ids ("Zone1Gain", "mute-17").
//
// # Indexes
//
// The Registry keeps two lookups, rebuilt in full on every Replace:
//
//   - asset id → asset
//   - control id → (asset id, control key)
//
// Control ids are assumed unique across the whole document. When two
// assets reuse an id, the last one in document order wins the index and a
// warning is logged. Lint reports the same condition to document authors.
//
// # Validation
//
// Parse enforces the structural minimum (object, version string, assets
// array) and is the only check that rejects a document. Lint adds JSON
// Schema and cross-reference warnings that are reported but never block.
//
// # Usage
//
//	reg := asset.NewRegistry()
//	if _, err := reg.LoadFile("data/assets.json"); err != nil {
//	    return err
//	}
//	ref, ok := reg.ControlLocation("mute-17")
package asset
