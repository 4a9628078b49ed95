// Package domain defines the core domain values shared by the storage,
// snapshot and agreement layers of snapkeeper.
//
// Domain values carry no IO dependencies. This package contains:
//
//   - Marker: the totally ordered epoch marker committed by every store
//   - Participant: one member of the chain-configured peer set
//   - Errors: coded errors with actionable diagnostics
package domain
