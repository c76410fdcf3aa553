package migrations

import "embed"

// FS contains embedded SQLite migrations for desync report storage.
//
//go:embed *.sql
var FS embed.FS
