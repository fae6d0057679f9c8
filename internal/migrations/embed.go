// Package migrations applies the embedded schema migrations on startup.
package migrations

import "embed"

//go:embed sql
var sqlMigrations embed.FS
