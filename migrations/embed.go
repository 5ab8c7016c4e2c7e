// Package migrations embeds the bridge's SQL schema migrations.
package migrations

import "embed"

// FS holds every *.sql file of this directory, passed to database.Migrate.
//
//go:embed *.sql
var FS embed.FS
