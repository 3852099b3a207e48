// Package migrations embeds the Postgres schema so binaries carry it.
package migrations

import "embed"

// FS holds {version}_{name}.up.sql / .down.sql pairs.
//
//go:embed *.sql
var FS embed.FS
