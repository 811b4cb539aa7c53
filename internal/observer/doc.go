// Package observer drives a simulator through its phases and dispatches
// each stop to an Observer.
//
// A Driver owns the stepping loop: it arms the phases an observer asks for,
// calls sim.continue until the run reaches sim_finished or sim_dead, and
// detects a stuck program (the same PC at two consecutive pre_execute stops)
// or an expired wall-clock budget, killing the simulator in either case.
//
// Observers never step the simulator themselves. They read state through
// the protocol.Client handed to each hook.
package observer
