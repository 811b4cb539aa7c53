// Package protocol is the typed command vocabulary spoken to the simulator:
// state queries, register access, breakpoints and stepping.
//
// # Execution phases
//
// Stepping follows the simulator's per-instruction state machine:
//
//	pre_execute -> [pre_exception ->] post_execute -> pre_execute (next instruction)
//	                                               -> sim_finished
//	any phase   -> sim_dead (kill, or the connection is lost)
//
// pre_exception is only entered when the instruction raises a trap.
// sim_finished is reached when the workload stops on its own; sim_dead only
// through Kill or a lost connection. Continue returns the phase reached;
// only phases with an armed breakpoint (plus the two terminal phases) are
// ever returned.
//
// # Errors
//
// Error and warning envelopes surface as *CommandError, which callers check
// with IsCommandError/IsWarning before using a value. A lost connection is
// ErrBrokenPipe, except for the stepping calls where it is reported as the
// sim_dead phase. Replies that do not fit the command are *DesyncError.
package protocol
