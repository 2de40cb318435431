// Package migrations embeds the gateway's SQL schema migrations.
package migrations

import "embed"

// FS holds the migration files at its root.
//
//go:embed *.sql
var FS embed.FS
