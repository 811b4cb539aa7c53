// Package recorder turns simulator phase events into a minimal persisted
// trace.
//
// The StateSerializer observer snapshots, at pre_execute, the registers an
// instruction may change: its destination register, the privilege level,
// and for control-flow, fence, CSR and flag-setting floating-point
// mnemonics every CSR. A raised exception adds every CSR too. At
// post_execute each snapshotted register is read again and only values that
// differ are appended, together with the instruction row and its memory
// accesses, as one retirement.
package recorder
