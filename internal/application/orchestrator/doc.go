// Package orchestrator exposes the session engine to its callers.
//
// The Engine ties the session manager, the lock manager, the step pipeline
// and the commit coordinator together. Each mutating call follows the same
// discipline: acquire the session lock, read-modify-write the whole session
// document, release the lock, then emit events. A session that is already
// locked is reported as a conflict rather than waited on.
package orchestrator
