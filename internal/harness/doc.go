// Package harness runs YAML scenarios against a fully wired orchestrator
// with in-memory backends, a manual clock and sequential ids.
//
// A scenario is a list of steps (run a task, switch a backend's health,
// advance the clock, flush pending transactions) followed by assertions over
// the resulting trace, the cycle results and the records held by each
// backend. The trace is every hook event fired during the scenario,
// interleaved with the steps that caused them, and is stable enough to be
// compared against golden files.
//
// Cycles that run children concurrently produce a trace whose order depends
// on scheduling; golden scenarios should leave concurrent_children off.
package harness
