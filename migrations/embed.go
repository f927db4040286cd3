// Package migrations embeds the SQL schema so binaries can migrate without
// shipping files alongside them.
package migrations

import "embed"

// FS holds the versioned up/down migrations.
//
//go:embed *.sql
var FS embed.FS
