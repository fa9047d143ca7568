// Command p8 is the memory core's single entrypoint: its "serve"
// subcommand runs the background workers and maintenance cron, and the
// operator subcommands (migrate, query, chat, admin, db, dream) cover
// day-to-day operation, the way the teacher's former binary wrapped every
// mode behind one cobra root. Run with no subcommand, p8 prints its help.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	root := &cobra.Command{
		Use:   "p8",
		Short: "Personal memory and knowledge system core",
	}

	root.AddCommand(
		newServeCmd(),
		newMigrateCmd(),
		newQueryCmd(),
		newChatCmd(),
		newAdminCmd(),
		newDBCmd(),
		newDreamCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
