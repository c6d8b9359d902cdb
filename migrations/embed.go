// Package migrations embeds the goose SQL migration files so the binary
// can bootstrap a database without external assets.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
