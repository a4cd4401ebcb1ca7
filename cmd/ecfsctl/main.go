// The ecfsctl command inspects an already-reconstructed ECFS file: its
// synthesized section table, program headers, and symbol table. Run
// "ecfsctl help" for the command tree, or "ecfsctl inspect FILE" for an
// interactive shell.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	root := &cobra.Command{
		Use:   "ecfsctl",
		Short: "Inspect reconstructed ECFS files",
	}
	root.AddCommand(newSectionsCmd())
	root.AddCommand(newMappingsCmd())
	root.AddCommand(newSymbolsCmd())
	root.AddCommand(newInspectCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "ecfsctl: %v\n", err)
		os.Exit(1)
	}
}
