package migrations

import "embed"

// FS contains embedded SQLite migrations for the entity registry.
//
//go:embed *.sql
var FS embed.FS
