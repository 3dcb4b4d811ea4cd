// Command ontoctl is the ontograph admin CLI: inspection, export/import,
// ad-hoc queries, schema management, migration and event-queue operations
// against either storage backend, with the exit-code discipline spec §6
// names. It mirrors the teacher's main.go -> cmd.Execute() split (adapted
// from xataio-pgroll's cmd/ package, the only repo in the retrieval pack
// shaped as a cobra+viper admin tool) rather than the teacher's own
// config-driven server entrypoint.
package main

import (
	"fmt"
	"os"

	"github.com/ontograph/ontograph/cmd/ontoctl/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(cmd.ExitCodeFor(err))
	}
}
