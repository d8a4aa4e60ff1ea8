package migration

import "embed"

// Only forward migrations ship in the binary; rollbacks are run by an
// operator against the database directly.
//
//go:embed migrations/*.up.sql
var migrationFiles embed.FS

const migrationsDir = "migrations"
