package ecfs

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"os"
)

// loadCoreImage opens path read-only, verifies it is an ELF core file, and
// caches the program-header array plus the PT_NOTE region's extent. This is
// S2 CoreLoad. Reload (S5') re-runs this on the same path after TextMerge
// has rewritten the backing file.
func loadCoreImage(path string) (*CoreImage, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, newErr("S2 CoreLoad", KindSourceUnavailable, true, "reading core %s: %w", path, err)
	}
	return parseCoreImage(path, data)
}

func parseCoreImage(path string, data []byte) (*CoreImage, error) {
	ef, err := elf.NewFile(bytes.NewReader(data))
	if err != nil {
		return nil, newErr("S2 CoreLoad", KindMalformed, true, "parsing ELF header of %s: %w", path, err)
	}
	if ef.Type != elf.ET_CORE {
		return nil, newErr("S2 CoreLoad", KindMalformed, true, "%s is not a core file (e_type=%s)", path, ef.Type)
	}

	ci := &CoreImage{Path: path, Data: data, Order: ef.ByteOrder}
	if err := fillEhdr(ci, data, ef); err != nil {
		return nil, err
	}

	var noteProg *elf.Prog
	for _, p := range ef.Progs {
		if p.Type == elf.PT_NOTE && noteProg == nil {
			noteProg = p
		}
		ci.Phdrs = append(ci.Phdrs, progToRaw(p))
	}
	if noteProg == nil {
		return nil, newErr("S2 CoreLoad", KindMalformed, true, "%s has no PT_NOTE program header", path)
	}
	ci.NoteOff = int64(noteProg.Off)
	ci.NoteSize = int64(noteProg.Filesz)

	// Cache a provisional text-segment size: the first executable LOAD
	// header. XRef re-resolves this properly for PIE binaries, since the
	// text header is not reliably adjacent to the note header.
	for _, p := range ci.Phdrs {
		if elf.ProgType(p.Type) == elf.PT_LOAD && p.Flags&uint32(elf.PF_X) != 0 {
			ci.TextFilesz = int64(p.Filesz)
			ci.TextMemsz = int64(p.Memsz)
			break
		}
	}

	return ci, nil
}

func fillEhdr(ci *CoreImage, data []byte, ef *elf.File) error {
	if len(data) < 64 {
		return newErr("S2 CoreLoad", KindMalformed, true, "%s is too short to hold an ELF64 header", ci.Path)
	}
	order := byteOrderOf(ef)
	var h elf.Header64
	copy(h.Ident[:], data[:16])
	h.Type = order.Uint16(data[16:18])
	h.Machine = order.Uint16(data[18:20])
	h.Version = order.Uint32(data[20:24])
	h.Entry = order.Uint64(data[24:32])
	h.Phoff = order.Uint64(data[32:40])
	h.Shoff = order.Uint64(data[40:48])
	h.Flags = order.Uint32(data[48:52])
	h.Ehsize = order.Uint16(data[52:54])
	h.Phentsize = order.Uint16(data[54:56])
	h.Phnum = order.Uint16(data[56:58])
	h.Shentsize = order.Uint16(data[58:60])
	h.Shnum = order.Uint16(data[60:62])
	h.Shstrndx = order.Uint16(data[62:64])
	ci.Ehdr = h
	return nil
}

func byteOrderOf(ef *elf.File) binary.ByteOrder {
	return ef.ByteOrder
}

func progToRaw(p *elf.Prog) elf.Prog64 {
	return elf.Prog64{
		Type:   uint32(p.Type),
		Flags:  uint32(p.Flags),
		Off:    p.Off,
		Vaddr:  p.Vaddr,
		Paddr:  p.Paddr,
		Filesz: p.Filesz,
		Memsz:  p.Memsz,
		Align:  p.Align,
	}
}

// reloadCoreImage discards the in-memory view of ci and re-parses the same
// path. TextMerge must call this after every rewrite because subsequent
// stages need the just-written file's offsets, not the pre-merge ones.
func reloadCoreImage(ci *CoreImage) (*CoreImage, error) {
	return loadCoreImage(ci.Path)
}
