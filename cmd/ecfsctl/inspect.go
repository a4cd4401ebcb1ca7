package main

import (
	"debug/elf"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/chzyer/readline"
	"github.com/spf13/cobra"
)

func newInspectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "inspect FILE",
		Short: "Open an ECFS file in an interactive shell",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			if err := runInspect(args[0]); err != nil {
				exitf("%v\n", err)
			}
		},
	}
}

func runInspect(path string) error {
	f, err := elf.Open(path)
	if err != nil {
		return fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()

	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "ecfs> ",
		HistoryFile:     "",
		InterruptPrompt: "^C",
		EOFPrompt:       "quit",
	})
	if err != nil {
		return fmt.Errorf("starting shell: %w", err)
	}
	defer rl.Close()

	fmt.Printf("inspecting %s (%d sections, %d program headers)\n", path, len(f.Sections), len(f.Progs))
	fmt.Println(`type "help" for a command list, "quit" to exit`)

	for {
		line, err := rl.Readline()
		if err == readline.ErrInterrupt {
			continue
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}

		if !dispatchInspect(f, strings.TrimSpace(line)) {
			return nil
		}
	}
}

// dispatchInspect runs one inspect-shell command against f. It returns false
// when the shell should exit.
func dispatchInspect(f *elf.File, line string) bool {
	if line == "" {
		return true
	}
	fields := strings.Fields(line)
	cmd, rest := fields[0], fields[1:]

	switch cmd {
	case "quit", "exit":
		return false
	case "help":
		printInspectHelp()
	case "sections":
		printLoadedSections(f, false)
	case "mappings":
		printLoadedMappings(f)
	case "symbols":
		printLoadedSymbols(f)
	case "section":
		if len(rest) != 1 {
			fmt.Println("usage: section NAME")
			break
		}
		printOneSection(f, rest[0])
	case "sym":
		if len(rest) != 1 {
			fmt.Println("usage: sym ADDR")
			break
		}
		printSymbolAt(f, rest[0])
	default:
		fmt.Printf("unknown command %q, type \"help\" for a list\n", cmd)
	}
	return true
}

func printInspectHelp() {
	fmt.Print(`commands:
  sections          list every section in the table
  mappings          list program headers
  symbols           list reconstructed .symtab entries
  section NAME      show one section's header fields
  sym ADDR          find the symbol (if any) covering ADDR
  help              this message
  quit              leave the shell
`)
}

func printLoadedSections(f *elf.File, all bool) {
	for i, s := range f.Sections {
		if i == 0 && !all {
			continue
		}
		fmt.Printf("%3d  %-20s %-14s addr=%#x off=%#x size=%#x\n", i, s.Name, s.Type, s.Addr, s.Offset, s.Size)
	}
}

func printLoadedMappings(f *elf.File) {
	for _, p := range f.Progs {
		fmt.Printf("%-10s vaddr=%#x filesz=%#x memsz=%#x flags=%s\n", p.Type, p.Vaddr, p.Filesz, p.Memsz, p.Flags)
	}
}

func printLoadedSymbols(f *elf.File) {
	syms, err := f.Symbols()
	if err != nil {
		fmt.Printf("reading symbols: %v\n", err)
		return
	}
	for _, s := range syms {
		fmt.Printf("%#x  size=%#x  %s\n", s.Value, s.Size, s.Name)
	}
}

func printOneSection(f *elf.File, name string) {
	for i, s := range f.Sections {
		if s.Name != name {
			continue
		}
		fmt.Printf("idx:    %d\n", i)
		fmt.Printf("type:   %s\n", s.Type)
		fmt.Printf("flags:  %s\n", s.Flags)
		fmt.Printf("addr:   %#x\n", s.Addr)
		fmt.Printf("offset: %#x\n", s.Offset)
		fmt.Printf("size:   %#x\n", s.Size)
		fmt.Printf("link:   %d\n", s.Link)
		fmt.Printf("info:   %d\n", s.Info)
		return
	}
	fmt.Printf("no section named %q\n", name)
}

func printSymbolAt(f *elf.File, addrStr string) {
	addr, err := strconv.ParseUint(strings.TrimPrefix(addrStr, "0x"), 16, 64)
	if err != nil {
		fmt.Printf("bad address %q: %v\n", addrStr, err)
		return
	}
	syms, err := f.Symbols()
	if err != nil {
		fmt.Printf("reading symbols: %v\n", err)
		return
	}
	for _, s := range syms {
		if addr >= s.Value && addr < s.Value+s.Size {
			fmt.Printf("%s+%#x  (%#x..%#x)\n", s.Name, addr-s.Value, s.Value, s.Value+s.Size)
			return
		}
	}
	fmt.Printf("no symbol covers %#x\n", addr)
}
