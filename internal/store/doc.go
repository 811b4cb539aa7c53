// Package store provides SQLite-backed persistence for execution traces.
//
// A trace database holds one recording run:
//   - InitRegValues: every register read before the first instruction
//   - Instructions: one row per retired instruction, keyed by uid
//   - InstChanges: one row per register whose value changed at an instruction
//   - MemoryAccesses: loads and stores performed by an instruction
//   - RunInfo: how the run ended
//
// # Write Model
//
// A run is written through a single Session, which holds one transaction
// from the first initial register value to Commit. Nothing is visible to
// readers until Commit, and a rolled-back or crashed run leaves no rows.
// Rows are never updated after insertion.
//
// Instruction uids must be strictly increasing within a Session; replay
// relies on uid order being retirement order.
//
// # Deterministic Reads
//
// Every reader orders by InstUID (and by name or access sequence within an
// instruction) so repeated reads return identical results. Readers return
// empty slices, not nil.
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON: Enforce referential integrity
package store
