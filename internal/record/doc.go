// Package record defines the memory records, operations and transactions that
// flow through the sync layer, plus their canonical encoding and content hashes.
//
// record imports nothing internal. Every other package builds on it.
//
// Key constraints:
//   - A record is identified by Namespace + ID; Key() joins them with "/"
//   - Versions are assigned by the sync manager, never by callers
//   - Payloads must be canonically encodable: no null, no NaN or Inf
//   - All JSON tags use snake_case
package record
