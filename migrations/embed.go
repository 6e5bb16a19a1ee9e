// Package migrations embeds the SQL migration files so the runner works
// regardless of the process working directory.
package migrations

import "embed"

// FS is the embedded migrations filesystem, applied in filename order.
//
//go:embed *.sql
var FS embed.FS
