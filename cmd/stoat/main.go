// stoat is the operator command line for the stoat tiered event store.
//
// Usage:
//
//	stoat <command> [flags]
//
// Commands:
//
//	init        Write a default stoat.yaml
//	validate    Check the configuration for problems
//	schema      Print the warm tier DDL
//	migrate     Create the warm tier schema
//	diagnose    Check the configuration and backend connectivity
//	version     Show version information
//
// Examples:
//
//	stoat init --postgres-url 'postgres://localhost/app' --redis-addr localhost:6379
//	stoat migrate
//	stoat diagnose --timeout 2s
package main

import (
	"os"

	"github.com/AshkanYarmoradi/go-stoat/cli/commands"
)

// Build information (set via ldflags)
var (
	version   = "dev"
	commit    = "none"
	buildDate = "unknown"
)

func main() {
	commands.Version = version
	commands.Commit = commit
	commands.BuildDate = buildDate

	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
