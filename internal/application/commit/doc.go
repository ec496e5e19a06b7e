// Package commit turns a session's staged data into registry entities.
//
// A commit walks the workflow's plan in order. Transient registry failures
// are retried with exponential backoff. When a required step fails, every
// entity created earlier in the same attempt is deleted newest first and the
// session moves to its failure state; an optional step failure is recorded
// on the session and the plan continues. Entities found by natural key are
// reused and never deleted.
package commit
