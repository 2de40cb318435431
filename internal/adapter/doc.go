// Package adapter defines the protocol adapter abstraction and the Manager
// that routes between asset scope and adapter scope.
//
// # Architecture
//
//	            SetValue(asset, key, v)
//	front door ─────────────────────────▶ Manager ──▶ Adapter.SetValue(id)
//	     ▲                                   │
//	     │          State{asset,key,v}       │ control index
//	     └────────── OnState observers ◀─────┴─── Adapter.Updates(){id,v}
//
// The Manager never filters assets by adapter key. Every adapter receives
// the full list through SubscribeAll and selects its own subset with
// Select.
//
// # Value normalization
//
// NormalizeValue is shared by all adapters so the UI sees one value
// domain. ValueCache implements duplicate suppression: the cache is updated
// on every report and an update is emitted only when the value changed.
//
// # Resolution errors
//
// SetValue fails synchronously with ErrAssetNotFound, ErrAdapterNotFound
// or ErrControlIDMissing. Inbound updates for unknown control ids are not
// errors and are dropped.
package adapter
