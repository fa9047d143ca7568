package store

import "embed"

// Migrations embeds the schema migration SQL files so cmd/p8's migrate
// subcommand can apply them without needing a separate copy or a
// filesystem path relative to the binary's working directory.
//
//go:embed migrations/*.sql
var Migrations embed.FS
