// Package migrations embeds the orders schema so binaries can apply it
// without shipping SQL files alongside them.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
