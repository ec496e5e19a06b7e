package migrations

import "embed"

// FS contains embedded SQLite migrations for the commit attempt ledger.
//
//go:embed *.sql
var FS embed.FS
