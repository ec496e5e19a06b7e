// Package workflow defines the per-workflow state machines and commit plans.
//
// A Definition lists the legal states of a workflow, the transition table,
// the steps callers stage data for and the ordered entity-creation plan the
// commit coordinator runs. Terminal states have no outgoing transitions; the
// failure state may only re-enter the ready state so a failed commit can be
// retried a bounded number of times.
package workflow
