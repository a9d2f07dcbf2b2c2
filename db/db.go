// Package db embeds the SQL migration files so a deployed binary does
// not depend on the working directory for schema setup.
package db

import "embed"

//go:embed migrations/*.sql
var Migrations embed.FS
