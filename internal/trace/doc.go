// Package trace defines the data model shared by the recorder, the store and
// the query engine.
//
// A recorded run consists of:
//   - InitialRegisterValue: every architectural register, read once before
//     the first instruction retires
//   - Instruction: one row per retired instruction, keyed by the
//     simulator-assigned UID
//   - RegisterChange: one row per register whose value differed after the
//     instruction retired
//   - MemoryAccess: one row per load/store performed by the instruction
//
// # Canonical values
//
// Every address, opcode and register value is a Value (uint64). Values cross
// process and storage boundaries as fixed-width lowercase hex text
// ("0x000000000000002a"); two values are equal iff their canonical text is
// equal. SQLite INTEGER is signed 64-bit, so the text form is also what keeps
// values above 2^63 intact on disk.
//
// # Ordering
//
// UID order is retirement order. Replay consumes rows strictly by UID and
// never compares PC magnitudes.
package trace
