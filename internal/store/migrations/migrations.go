// Package migrations embeds the SQL migration files for the inbox cache.
package migrations

import "embed"

// FS holds the migration files consumed by golang-migrate's iofs source.
//
//go:embed *.sql
var FS embed.FS
