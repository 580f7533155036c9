// Package migrations embeds the schema files applied by `master migrate`.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS

// Files lists the migrations in apply order.
var Files = []string{
	"001_create_task_instances.sql",
	"002_task_instances_indexes.sql",
}
