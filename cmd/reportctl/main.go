// Command reportctl runs report generation and maintenance tasks without the
// HTTP server.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"path"
	_ "time/tzdata"

	"github.com/google/subcommands"
)

func main() {
	commander := subcommands.NewCommander(flag.CommandLine, path.Base(os.Args[0]))
	commander.Register(commander.HelpCommand(), "")
	commander.Register(commander.FlagsCommand(), "")
	commander.Register(commander.CommandsCommand(), "")

	commander.Register(&generateCmd{}, "reports")
	commander.Register(&verifyCmd{}, "reports")
	commander.Register(&migrateCmd{}, "maintenance")
	commander.Register(&sweepCmd{}, "maintenance")

	flag.Parse()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	os.Exit(int(commander.Execute(ctx)))
}
