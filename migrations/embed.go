// Package migrations embeds the goose migrations of the SQLite queue store.
package migrations

import "embed"

// FS holds the migration files.
//
//go:embed *.sql
var FS embed.FS
