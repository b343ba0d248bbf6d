// Package migrations embeds the counters store schema.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
