// Package wsde implements role-based team consensus for one coordination cycle.
//
// A Session holds every piece of team state for its cycle: role assignments,
// the Primus, peer-review scores and the consensus records produced so far.
// There is no process-wide Primus; two cycles never share a Session.
//
// Roles are assigned by a heuristic score that combines expertise overlap with
// the task keywords, the agent's performance, and a phase context signal. The
// Primus is the best overall scorer and is only replaced at a phase boundary
// by a candidate with a strictly higher score.
//
// Decide collects ballots concurrently inside a bounded window. Weighted shares
// are computed over non-abstaining weight; a share strictly above the
// threshold is consensus. Anything else falls back to the Primus's own vote,
// and a Primus who abstained rejects.
package wsde
