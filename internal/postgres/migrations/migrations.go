// Package migrations embeds the SQL schema applied by the migrate command.
package migrations

import "embed"

// Files lists the migrations in the order they must run.
var Files = []string{
	"001_create_jobs.sql",
	"002_create_job_executions.sql",
}

//go:embed *.sql
var FS embed.FS
