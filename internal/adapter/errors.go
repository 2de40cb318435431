package adapter

import "errors"

// Resolution errors returned by Manager.SetValue.
// Use errors.Is() to check for these errors in calling code.
var (
	// ErrAssetNotFound is returned when the asset id is not in the active document.
	ErrAssetNotFound = errors.New("adapter: asset not found")

	// ErrAdapterNotFound is returned when the asset names an adapter key
	// with no registered adapter.
	ErrAdapterNotFound = errors.New("adapter: adapter not found")

	// ErrControlIDMissing is returned when the asset has no control under
	// the key, or the descriptor carries no id.
	ErrControlIDMissing = errors.New("adapter: control id missing")

	// ErrDuplicateAdapter is returned when registering a key twice.
	ErrDuplicateAdapter = errors.New("adapter: adapter key already registered")

	// ErrManagerClosed is returned after Close.
	ErrManagerClosed = errors.New("adapter: manager closed")
)
