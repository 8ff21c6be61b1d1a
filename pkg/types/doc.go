// Package types defines the configuration, entity lifecycle states, store
// contracts, and standard errors shared by the ledger persistence manager.
//
// The Store and Tx interfaces describe the narrow row-level surface the unit
// of work needs from a backend. Entities never reach a Store directly; the
// unit of work flattens them into Rows using the mapping metadata.
package types
