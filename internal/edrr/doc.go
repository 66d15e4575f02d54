// Package edrr drives a team through Expand, Differentiate, Refine and
// Retrospect.
//
// Each Advance executes one phase under a deadline, resolves the phase's
// proposals through the cycle's consensus session, commits the resulting
// operations through the sync layer and fires the phase.transition hook.
// Sub-tasks and a complex or uncertain Retrospect spawn child cycles, bounded
// by MaxRecursionDepth. Recoverable phase failures are routed to the
// configured RecoveryStrategy; everything else ends the cycle with a failed
// Result that carries the root cause and the recovery chain.
package edrr
