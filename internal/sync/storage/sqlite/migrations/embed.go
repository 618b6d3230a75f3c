package migrations

import "embed"

// FS contains embedded SQLite migrations for the update history log.
//
//go:embed *.sql
var FS embed.FS
