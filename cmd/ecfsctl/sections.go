package main

import (
	"debug/elf"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func newSectionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sections FILE",
		Short: "List the synthesized section-header table",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			all, _ := cmd.Flags().GetBool("all")
			if err := printSections(args[0], all); err != nil {
				exitf("%v\n", err)
			}
		},
	}
	cmd.Flags().Bool("all", false, "include the NULL section")
	return cmd
}

func printSections(path string, all bool) error {
	f, err := elf.Open(path)
	if err != nil {
		return fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()

	t := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintf(t, "idx\tname\ttype\taddr\toffset\tsize\n")
	for i, s := range f.Sections {
		if i == 0 && !all {
			continue
		}
		fmt.Fprintf(t, "%d\t%s\t%s\t%#x\t%#x\t%#x\n", i, s.Name, s.Type, s.Addr, s.Offset, s.Size)
	}
	return t.Flush()
}

func newMappingsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mappings FILE",
		Short: "List the program-header (segment) table",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			if err := printMappings(args[0]); err != nil {
				exitf("%v\n", err)
			}
		},
	}
}

func printMappings(path string) error {
	f, err := elf.Open(path)
	if err != nil {
		return fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()

	t := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintf(t, "type\tvaddr\tfilesz\tmemsz\tflags\n")
	for _, p := range f.Progs {
		fmt.Fprintf(t, "%s\t%#x\t%#x\t%#x\t%s\n", p.Type, p.Vaddr, p.Filesz, p.Memsz, p.Flags)
	}
	return t.Flush()
}

func newSymbolsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "symbols FILE",
		Short: "List the reconstructed .symtab entries",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			if err := printSymbols(args[0]); err != nil {
				exitf("%v\n", err)
			}
		},
	}
}

func printSymbols(path string) error {
	f, err := elf.Open(path)
	if err != nil {
		return fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()

	syms, err := f.Symbols()
	if err != nil {
		return fmt.Errorf("reading .symtab from %s: %w", path, err)
	}
	t := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintf(t, "value\tsize\tname\n")
	for _, s := range syms {
		fmt.Fprintf(t, "%#x\t%#x\t%s\n", s.Value, s.Size, s.Name)
	}
	return t.Flush()
}

func exitf(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, format, args...)
	os.Exit(1)
}
