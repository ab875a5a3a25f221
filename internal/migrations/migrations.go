// Package migrations embeds the ordered, one-way SQL migrations applied by goose.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
