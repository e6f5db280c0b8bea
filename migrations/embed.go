// Package migrations embeds the SQL schema for the device cache and state
// history so the binary migrates its database without files on disk.
package migrations

import (
	"embed"

	"github.com/nerrad567/gray-logic-cmdbridge/internal/infrastructure/database"
)

//go:embed *.sql
var migrationsFS embed.FS

func init() {
	database.MigrationsFS = migrationsFS
	database.MigrationsDir = "."
}
