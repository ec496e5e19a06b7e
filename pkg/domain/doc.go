// Package domain holds the session engine's data model: sessions, progress
// projections, retry entries, commit results, events and the error taxonomy.
package domain
