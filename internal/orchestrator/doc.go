// Package orchestrator is the composition root. It wires configuration,
// backends, the write-ahead log, the sync manager, hooks, the consensus
// engine, the cycle coordinator and telemetry, and accepts tasks.
//
// Tasks run as EDRR cycles. Submit starts a cycle in the background and
// Wait collects its PhaseResult; Run does both.
package orchestrator
