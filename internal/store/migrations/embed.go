// Package migrations holds the schema of the conversation directory.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
