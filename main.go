// Command notesync runs the document and directory extraction engines:
// dx pulls documents from a configured Domino-style source into the SQL
// sink and CAS store, ux pages users from an Entra-style directory and
// writes the org hierarchy snapshots.
package main

import (
	"os"

	"notesync.evalgo.org/cli"
	"notesync.evalgo.org/common"
)

func main() {
	if err := cli.RootCmd.Execute(); err != nil {
		common.Logger.WithError(err).Error("command failed")
		os.Exit(1)
	}
}
