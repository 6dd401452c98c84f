// Package migrations holds the relay schema as numbered golang-migrate
// up/down pairs. The server applies them on startup when AUTO_MIGRATE is set
// and the integration containers apply them before each suite.
package migrations

import "embed"

// FS holds every NNNNNN_name.{up,down}.sql file in this directory.
//
//go:embed *.up.sql *.down.sql
var FS embed.FS
