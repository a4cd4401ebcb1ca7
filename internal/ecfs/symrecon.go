package ecfs

import (
	"encoding/binary"
	"os"
)

const (
	symtabEntrySize = 24 // sizeof(Elf64_Sym)
	stInfoGlobalFunc = (1 << 4) | 2 // ELF64_ST_INFO(STB_GLOBAL, STT_FUNC)
)

// ReconFunc is one recovered function record, produced by an external
// .eh_frame CFI unwinder (out of this package's scope per spec.md's
// Non-goals) and handed to symRecon for naming.
type ReconFunc struct {
	Addr Address
	Size uint64
}

// symRecon is S9: given a set of stripped-binary function boundaries
// recovered elsewhere, it synthesizes a sub_<addr> symbol per function,
// appends the symbol table and its string table, patches the .symtab and
// .strtab section headers, and resizes .got.plt per spec.md §4.9.
func symRecon(h *Handle, funcs []ReconFunc) error {
	if len(funcs) == 0 {
		return nil
	}
	if h.Out == nil {
		return newErr("S9 SymRecon", KindInconsistent, true, "section-header table not built; SectionSynth must run before SymRecon")
	}

	f, err := os.OpenFile(h.Core.Path, os.O_RDWR, 0)
	if err != nil {
		return newErr("S9 SymRecon", KindIO, true, "reopening output for symbol reconstruction: %w", err)
	}
	defer f.Close()

	end, err := f.Seek(0, os.SEEK_END)
	if err != nil {
		return newErr("S9 SymRecon", KindIO, true, "seeking to end of output: %w", err)
	}

	order := h.Core.Order
	strBuf := []byte{0} // index 0 is the empty name, as in any ELF strtab
	symBuf := make([]byte, 0, len(funcs)*symtabEntrySize)

	// A STT_NOTYPE null symbol always occupies index 0 of .symtab.
	symBuf = append(symBuf, make([]byte, symtabEntrySize)...)

	for _, fn := range funcs {
		nameOff := uint32(len(strBuf))
		strBuf = append(strBuf, []byte("sub_"+hexAddr(fn.Addr))...)
		strBuf = append(strBuf, 0)

		entry := make([]byte, symtabEntrySize)
		order.PutUint32(entry[0:4], nameOff)
		entry[4] = stInfoGlobalFunc
		entry[5] = 0 // st_other
		order.PutUint16(entry[6:8], uint16(h.Out.TextSectionIndex))
		order.PutUint64(entry[8:16], uint64(fn.Addr))
		order.PutUint64(entry[16:24], fn.Size)
		symBuf = append(symBuf, entry...)
	}

	symOff := end
	if _, err := f.WriteAt(symBuf, symOff); err != nil {
		return newErr("S9 SymRecon", KindIO, true, "writing reconstructed symbol table: %w", err)
	}
	end += int64(len(symBuf))

	strOff := end
	if _, err := f.WriteAt(strBuf, strOff); err != nil {
		return newErr("S9 SymRecon", KindIO, true, "writing reconstructed string table: %w", err)
	}
	end += int64(len(strBuf))

	h.Out.SymtabOff = symOff
	h.Out.SymtabSize = int64(len(symBuf))
	h.Out.StrtabOff = strOff
	h.Out.StrtabSize = int64(len(strBuf))

	if err := patchShdrField(f, h.Out.ShoffOff, h.Out.SymtabIndex, order, func(s *shdrPatch) {
		s.Off = uint64(symOff)
		s.Size = uint64(len(symBuf))
	}); err != nil {
		return err
	}
	if err := patchShdrField(f, h.Out.ShoffOff, h.Out.StrtabIndex, order, func(s *shdrPatch) {
		s.Off = uint64(strOff)
		s.Size = uint64(len(strBuf))
	}); err != nil {
		return err
	}

	// .got.plt is resized to (dynsym_count + 3) * word_size: the three
	// reserved GOT entries (linker-resolved address, link-map pointer,
	// resolver stub) plus one slot per dynamic symbol.
	if h.Layout.DynLinked {
		dynsymCount := uint64(0)
		if shdr, entsize, err := readShdr(f, h.Out.ShoffOff, h.Out.DynsymIndex, order); err == nil && entsize > 0 {
			dynsymCount = shdr.Size / entsize
		}
		gotSize := (dynsymCount + 3) * wordSize
		if err := patchShdrField(f, h.Out.ShoffOff, h.Out.GotPltIndex, order, func(s *shdrPatch) {
			s.Size = gotSize
		}); err != nil {
			return err
		}
	}

	if err := f.Sync(); err != nil {
		return newErr("S9 SymRecon", KindIO, true, "fsync after symbol reconstruction: %w", err)
	}

	core, err := reloadCoreImage(h.Core)
	if err != nil {
		return err
	}
	h.Core = core

	return nil
}

func hexAddr(a Address) string {
	const hexDigits = "0123456789abcdef"
	v := uint64(a)
	if v == 0 {
		return "0"
	}
	var buf [16]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = hexDigits[v&0xf]
		v >>= 4
	}
	return string(buf[i:])
}

// shdrPatch is the subset of an on-disk Elf64_Shdr that symRecon's patch
// helpers read-modify-write.
type shdrPatch struct {
	Off, Size uint64
}

// patchShdrField rewrites the sh_offset/sh_size fields (bytes 24..40) of
// section header idx, within the header table starting at shoff, in place
// via the caller's mutation function.
func patchShdrField(f *os.File, shoff int64, idx int, order binary.ByteOrder, mutate func(*shdrPatch)) error {
	base := shoff + int64(idx)*sectionHeaderSize

	raw := make([]byte, sectionHeaderSize)
	if _, err := f.ReadAt(raw, base); err != nil {
		return newErr("S9 SymRecon", KindIO, true, "reading section header %d: %w", idx, err)
	}

	p := &shdrPatch{
		Off:  order.Uint64(raw[24:32]),
		Size: order.Uint64(raw[32:40]),
	}
	mutate(p)
	order.PutUint64(raw[24:32], p.Off)
	order.PutUint64(raw[32:40], p.Size)

	if _, err := f.WriteAt(raw, base); err != nil {
		return newErr("S9 SymRecon", KindIO, true, "writing section header %d: %w", idx, err)
	}
	return nil
}

// readShdr reads section header idx's sh_offset/sh_size (as Off/Size in
// the returned shdrPatch) plus its sh_entsize, so dynsym_count can be
// derived.
func readShdr(f *os.File, shoff int64, idx int, order binary.ByteOrder) (shdrPatch, uint64, error) {
	base := shoff + int64(idx)*sectionHeaderSize

	raw := make([]byte, sectionHeaderSize)
	if _, err := f.ReadAt(raw, base); err != nil {
		return shdrPatch{}, 0, newErr("S9 SymRecon", KindIO, true, "reading section header %d: %w", idx, err)
	}
	p := shdrPatch{
		Off:  order.Uint64(raw[24:32]),
		Size: order.Uint64(raw[32:40]),
	}
	entsize := order.Uint64(raw[56:64])
	return p, entsize, nil
}
