// Package migrations embeds the schema files applied by the migrate command.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS

// Files lists the migrations in apply order.
var Files = []string{
	"001_create_jobs.sql",
	"002_create_dead_letters.sql",
	"003_create_scheduled_jobs.sql",
}
