// Package migrations embeds the goose schema migrations so the service
// binary carries its own schema and needs no migration files on disk.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
