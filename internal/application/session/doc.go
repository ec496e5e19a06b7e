// Package session manages durable session documents.
//
// Every read and write is scoped to the caller's organization; a session
// owned by another organization, or one past its expiry, reads as not
// found. Writes replace the whole document and recompute the progress
// projection, so callers serialize concurrent writers through the lock
// manager. Finished sessions keep a short retention window before the
// store TTL purges them.
package session
