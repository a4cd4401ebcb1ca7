package ecfs

import (
	"bytes"
	"debug/elf"
	"os"
	"path/filepath"
	"strings"
)

// trustedLibDirs are the directories a normally dynamic-linker-loaded
// shared library lives under. A library mapping outside all of these is
// flagged injected when heuristics are enabled — the signature of an
// LD_PRELOAD or ptrace-injected .so rather than something ld.so mapped.
var trustedLibDirs = []string{"/lib", "/lib64", "/usr/lib", "/usr/lib64", "/usr/local/lib"}

// crossReference is S6: it resolves the on-disk offset of every
// semantically interesting region by walking the original executable's
// program headers and mapping each virtual address through the core's LOAD
// segments, per the rules in spec.md §4.5.
func crossReference(h *Handle) error {
	exe, err := os.ReadFile(h.Mem.ExePath)
	if err != nil {
		return newErr("S6 XRef", KindSourceUnavailable, true, "reading original executable %s: %w", h.Mem.ExePath, err)
	}
	ef, err := elf.NewFile(bytes.NewReader(exe))
	if err != nil {
		return newErr("S6 XRef", KindMalformed, true, "parsing original executable ELF: %w", err)
	}

	isPIE := ef.Type == elf.ET_DYN
	h.Layout.IsPIE = isPIE

	// Resolve the true runtime text base/size via a PIE-hinted search
	// across LOAD headers, never by index arithmetic (spec.md §4.5's "Text
	// size for PIE" rule / §9's design note).
	textBase, textSize, err := resolveTextPhdr(h.Core, h.Mem.TextBase)
	if err != nil {
		return err
	}
	h.Layout.TextVaddr = h.Mem.TextBase
	h.Layout.TextOffset = textBase
	h.Layout.TextSize = textSize

	for _, p := range ef.Progs {
		switch p.Type {
		case elf.PT_LOAD:
			if p.Off != 0 {
				// Data segment.
				dataVaddr := Address(p.Vaddr)
				if isPIE {
					dataVaddr = dataVaddr.Add(int64(h.Mem.TextBase))
				}
				off, err := fileOffsetOf(h.Core, dataVaddr)
				if err != nil {
					return err
				}
				h.Layout.DataVaddr = dataVaddr
				h.Layout.DataOffset = off
				h.Layout.DataFilesz = int64(p.Filesz)
				h.Layout.BssSize = int64(p.Memsz) - int64(p.Filesz)
				h.Layout.BssVaddr = dataVaddr.Add(h.Layout.DataFilesz)
				h.Layout.BssOffset = h.Layout.DataOffset + h.Layout.BssVaddr.Sub(dataVaddr)
			}
		case elf.PT_DYNAMIC:
			h.Layout.DynLinked = true
			dynVaddr := Address(p.Vaddr)
			if isPIE {
				dynVaddr = dynVaddr.Add(int64(h.Mem.TextBase))
			}
			off, err := fileOffsetOf(h.Core, dynVaddr)
			if err != nil {
				return err
			}
			h.Layout.DynVaddr = dynVaddr
			h.Layout.DynOffset = off
		case elf.PT_GNU_EH_FRAME:
			ehVaddr := Address(p.Vaddr)
			if isPIE {
				ehVaddr = ehVaddr.Add(int64(h.Mem.TextBase))
			}
			off, err := fileOffsetOf(h.Core, ehVaddr)
			if err == nil {
				h.Layout.EhFrameVaddr = ehVaddr
				h.Layout.EhFrameOffset = off
				h.Layout.EhFrameSize = int64(p.Memsz)
			}
		case elf.PT_INTERP:
			h.Layout.DynLinked = true
			interpVaddr := Address(p.Vaddr)
			off, err := fileOffsetOf(h.Core, interpVaddr)
			if err != nil {
				return err
			}
			h.Layout.InterpVaddr = interpVaddr
			h.Layout.InterpOffset = off
		}
	}

	if !h.Layout.DynLinked {
		// Statically linked: pull .eh_frame address from the original
		// executable's own section-header table into Fallbacks, because
		// there's no PT_GNU_EH_FRAME to derive it from.
		if sec := ef.Section(".eh_frame"); sec != nil {
			h.Fallback.EhFrameVaddr = Address(sec.Addr)
			h.Fallback.EhFrameSize = sec.Size
			vaddr := Address(sec.Addr)
			if isPIE {
				vaddr = vaddr.Add(int64(h.Mem.TextBase))
			}
			if off, err := fileOffsetOf(h.Core, vaddr); err == nil {
				h.Layout.EhFrameVaddr = vaddr
				h.Layout.EhFrameOffset = off
				h.Layout.EhFrameSize = sec.Size
			}
		}
	}

	h.Layout.NoteOffset = h.Core.NoteOff

	// The NT_FILE range backing the main text mapping should name the same
	// binary the live /proc/pid/exe symlink resolved to at Snapshot time;
	// a mismatch means the pid was reused or re-exec'd in between, so it's
	// recorded in Fallbacks rather than silently trusting either value.
	if fr := fileRangeContaining(h.Note.Files, h.Mem.TextBase); fr != nil {
		if !trimmedEqual([]byte(fr.Path), []byte(h.Mem.ExePath)) {
			logger.Warn("NT_FILE text path disagrees with live exe path", "note_path", fr.Path, "exe_path", h.Mem.ExePath)
			h.Fallback.ExePathMismatch = true
		}
	}

	h.Note.Libs = buildLibMappings(h.Mem, h.Note.Files, h.Config.Heuristics)

	if isPIE {
		h.Persona |= PersonaPIE
	}
	if !h.Layout.DynLinked {
		h.Persona |= PersonaStatic
	}
	if h.Config.Heuristics {
		h.Persona |= PersonaHeuristics
	}
	if len(ef.Sections) == 0 {
		h.Persona |= PersonaStrippedShdrs
	}

	return nil
}

// resolveTextPhdr finds the LOAD program header containing hint (the
// executable base recovered from the live mapping list) and returns its
// file offset and size. This never assumes the text header is at any fixed
// index relative to PT_NOTE.
func resolveTextPhdr(ci *CoreImage, hint Address) (offset int64, size int64, err error) {
	for _, p := range ci.Phdrs {
		if elf.ProgType(p.Type) != elf.PT_LOAD {
			continue
		}
		base := Address(p.Vaddr)
		end := base.Add(int64(p.Memsz))
		if hint >= base && hint < end {
			return int64(p.Off), int64(p.Filesz), nil
		}
	}
	return 0, 0, newErr("S6 XRef", KindInconsistent, true, "no LOAD program header contains executable base %s", hint)
}

// fileOffsetOf maps a virtual address through the core's LOAD program
// headers to a file offset: phdr.p_offset + (vaddr - phdr.p_vaddr), for the
// LOAD whose range contains vaddr.
func fileOffsetOf(ci *CoreImage, vaddr Address) (int64, error) {
	for _, p := range ci.Phdrs {
		if elf.ProgType(p.Type) != elf.PT_LOAD {
			continue
		}
		base := Address(p.Vaddr)
		end := base.Add(int64(p.Memsz))
		if vaddr >= base && vaddr < end {
			return int64(p.Off) + vaddr.Sub(base), nil
		}
	}
	return 0, newErr("S6 XRef", KindInconsistent, true, "no LOAD program header contains address %s", vaddr)
}

// buildLibMappings cross-references the live shared-lib mapping list
// against the kernel's NT_FILE ranges to recover each library's backing
// file offset, then applies the injected-library heuristic when enabled.
func buildLibMappings(mem *MemDesc, files []FileRange, heuristics bool) []LibMapping {
	var libs []LibMapping
	for _, m := range mem.Mappings {
		if m.Kind != KindSharedLib {
			continue
		}
		var fileOff int64
		for _, fr := range files {
			if fr.Start == m.Base {
				fileOff = fr.FileOffset
				break
			}
		}
		lib := LibMapping{
			Name:       filepath.Base(m.Path),
			Path:       m.Path,
			Base:       m.Base,
			Size:       m.Size,
			Perm:       m.Perm,
			FileOffset: fileOff,
		}
		if heuristics {
			lib.Injected = !underTrustedDir(m.Path)
		}
		libs = append(libs, lib)
	}
	return libs
}

// fileRangeContaining returns the NT_FILE range whose [Start,End) contains
// vaddr, or nil if none does.
func fileRangeContaining(files []FileRange, vaddr Address) *FileRange {
	for i, fr := range files {
		if vaddr >= fr.Start && vaddr < fr.End {
			return &files[i]
		}
	}
	return nil
}

func underTrustedDir(path string) bool {
	for _, dir := range trustedLibDirs {
		if strings.HasPrefix(path, dir+"/") {
			return true
		}
	}
	return false
}

// sectionOffsetByMappingKind resolves the file offset of the core LOAD
// header matching a live mapping of a given kind, per
// get_internal_sh_offset in the original source. Stack is matched by range
// containment (the kernel sometimes dumps the stack segment one page lower
// than /proc/pid/maps reports); the rest match by exact base equality.
func sectionOffsetByMappingKind(ci *CoreImage, mem *MemDesc, kind MappingKind) (int64, bool) {
	for _, m := range mem.Mappings {
		if m.Kind != kind {
			continue
		}
		for _, p := range ci.Phdrs {
			if elf.ProgType(p.Type) != elf.PT_LOAD {
				continue
			}
			if kind == KindStack {
				base := Address(p.Vaddr)
				end := base.Add(int64(p.Memsz))
				if m.Base >= base && m.Base < end {
					return int64(p.Off), true
				}
				continue
			}
			if Address(p.Vaddr) == m.Base {
				return int64(p.Off), true
			}
		}
	}
	return 0, false
}
