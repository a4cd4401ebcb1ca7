package ecfs

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"os"
	"strconv"
)

const (
	sectionHeaderSize = 64 // sizeof(Elf64_Shdr)
	wordSize          = 8  // amd64 ELF64 word size, used for .got.plt sizing
	fdinfoPathMax     = 256
	fdinfoEntrySize   = 4 + 1 + 3 + 4 + 4 + 2 + 2 + 4 + 2 + 2 + fdinfoPathMax // 284
	personalitySize   = 4
)

// sectionSynth is S8: it appends the forensic payload block, then the
// section-header table and its string table, then patches the ELF header to
// point at them, per spec.md §4.8.
func sectionSynth(h *Handle) error {
	f, err := os.OpenFile(h.Core.Path, os.O_RDWR, 0)
	if err != nil {
		return newErr("S8 SectionSynth", KindIO, true, "reopening core for section synth: %w", err)
	}
	defer f.Close()

	end, err := f.Seek(0, os.SEEK_END)
	if err != nil {
		return newErr("S8 SectionSynth", KindIO, true, "seeking to end of core: %w", err)
	}

	out := &EcfsFile{}
	order := h.Core.Order

	write := func(b []byte) (int64, error) {
		off := end
		if _, err := f.WriteAt(b, off); err != nil {
			return 0, newErr("S8 SectionSynth", KindIO, true, "writing forensic payload at %d: %w", off, err)
		}
		end += int64(len(b))
		return off, nil
	}

	prstatusBuf := encodePrstatusArray(h.Note, order)
	out.PrstatusOff, err = write(prstatusBuf)
	if err != nil {
		return err
	}
	out.PrstatusSize = int64(len(prstatusBuf))

	fdinfoBuf := encodeFdInfoArray(h.Mem.Fds, order)
	out.FdinfoOff, err = write(fdinfoBuf)
	if err != nil {
		return err
	}
	out.FdinfoSize = int64(len(fdinfoBuf))

	siginfoBuf := encodeSigInfo(h.Note.SigInfo, order)
	out.SiginfoOff, err = write(siginfoBuf)
	if err != nil {
		return err
	}
	out.SiginfoSize = int64(len(siginfoBuf))

	out.AuxvOff, err = write(h.Note.AuxvRaw)
	if err != nil {
		return err
	}
	out.AuxvSize = int64(len(h.Note.AuxvRaw))

	exepathBuf := append([]byte(h.Mem.ExePath), 0)
	out.ExepathOff, err = write(exepathBuf)
	if err != nil {
		return err
	}
	out.ExepathSize = int64(len(exepathBuf))

	personaBuf := make([]byte, personalitySize)
	order.PutUint32(personaBuf, uint32(h.Persona))
	out.PersonalityOff, err = write(personaBuf)
	if err != nil {
		return err
	}
	out.PersonalitySize = personalitySize

	out.ArglistOff, err = write(h.Args[:])
	if err != nil {
		return err
	}
	out.ArglistSize = ElfPrArgSz

	shdrs, shstrtab, err := buildSectionHeaders(h, out, order)
	if err != nil {
		return err
	}

	shoff := alignUp(end, 8)
	if shoff > end {
		if _, err := f.WriteAt(make([]byte, shoff-end), end); err != nil {
			return newErr("S8 SectionSynth", KindIO, true, "padding to section-header alignment: %w", err)
		}
	}
	out.ShoffOff = shoff
	end = shoff

	// .shstrtab is always last; its own file offset (known only once the
	// header table's size is fixed) is patched in before encoding.
	shstrIdx := len(shdrs) - 1
	shstrtabOff := shoff + int64(len(shdrs))*sectionHeaderSize
	shdrs[shstrIdx].Off = uint64(shstrtabOff)

	shdrBuf := make([]byte, 0, len(shdrs)*sectionHeaderSize)
	for _, s := range shdrs {
		shdrBuf = append(shdrBuf, encodeShdr64(s, order)...)
	}
	if _, err := write(shdrBuf); err != nil {
		return err
	}

	out.ShstrtabOff, err = write(shstrtab)
	if err != nil {
		return err
	}
	out.ShstrtabSize = int64(len(shstrtab))
	if out.ShstrtabOff != shstrtabOff {
		return newErr("S8 SectionSynth", KindInconsistent, true, "shstrtab offset drifted: computed %d, actual %d", shstrtabOff, out.ShstrtabOff)
	}

	if err := patchEhdr(f, h.Core.Ehdr, out.ShoffOff, uint16(len(shdrs)), uint16(len(shdrs)-1), order); err != nil {
		return err
	}

	if err := f.Sync(); err != nil {
		return newErr("S8 SectionSynth", KindIO, true, "fsync after section synth: %w", err)
	}

	h.Out = out

	if err := chmodExecutable(h.Core.Path); err != nil {
		logger.Warn("failed to chmod output executable-by-all", "path", h.Core.Path, "err", err)
	}

	core, err := reloadCoreImage(h.Core)
	if err != nil {
		return err
	}
	h.Core = core

	return nil
}

func encodePrstatusArray(nd *NoteDesc, order binary.ByteOrder) []byte {
	var buf bytes.Buffer
	emit := func(rs *RegSet) {
		entry := make([]byte, sizeofPrstatus)
		order.PutUint32(entry[prstatusPidOff:prstatusPidOff+4], uint32(rs.Tid))
		reg := entry[prstatusRegOff : prstatusRegOff+prstatusRegLen]
		for i := 0; i < len(reg)/8; i++ {
			order.PutUint64(reg[i*8:], rs.Regs[i])
		}
		buf.Write(entry)
	}
	if nd.Primary != nil {
		emit(nd.Primary)
	}
	for _, rs := range nd.Threads {
		if rs == nd.Primary {
			continue
		}
		emit(rs)
	}
	return buf.Bytes()
}

func encodeFdInfoArray(fds []FdInfo, order binary.ByteOrder) []byte {
	buf := make([]byte, 0, len(fds)*fdinfoEntrySize)
	for _, fd := range fds {
		entry := make([]byte, fdinfoEntrySize)
		order.PutUint32(entry[0:4], uint32(fd.Fd))
		if fd.IsSocket {
			entry[4] = 1
		}
		order.PutUint32(entry[8:12], uint32(fd.Net))
		order.PutUint32(entry[12:16], fd.SrcAddr)
		order.PutUint16(entry[16:18], fd.SrcPort)
		order.PutUint32(entry[20:24], fd.DstAddr)
		order.PutUint16(entry[24:26], fd.DstPort)
		path := []byte(fd.Path)
		if len(path) > fdinfoPathMax-1 {
			path = path[:fdinfoPathMax-1]
		}
		copy(entry[28:], path)
		buf = append(buf, entry...)
	}
	return buf
}

func encodeSigInfo(si SigInfo, order binary.ByteOrder) []byte {
	buf := make([]byte, sizeofSiginfo)
	order.PutUint32(buf[0:4], uint32(si.Signo))
	order.PutUint32(buf[4:8], uint32(si.Code))
	order.PutUint32(buf[8:12], uint32(si.Errno))
	return buf
}

func encodeShdr64(s elf.Section64, order binary.ByteOrder) []byte {
	buf := make([]byte, sectionHeaderSize)
	order.PutUint32(buf[0:4], s.Name)
	order.PutUint32(buf[4:8], s.Type)
	order.PutUint64(buf[8:16], s.Flags)
	order.PutUint64(buf[16:24], s.Addr)
	order.PutUint64(buf[24:32], s.Off)
	order.PutUint64(buf[32:40], s.Size)
	order.PutUint32(buf[40:44], s.Link)
	order.PutUint32(buf[44:48], s.Info)
	order.PutUint64(buf[48:56], s.Addralign)
	order.PutUint64(buf[56:64], s.Entsize)
	return buf
}

func patchEhdr(f *os.File, ehdr elf.Header64, shoff int64, shnum, shstrndx uint16, order binary.ByteOrder) error {
	buf := make([]byte, 16)
	// e_type = ET_NONE, per spec.md §4.8/§6: the reconstructed file is
	// neither a core nor a normal executable once sections are overlaid.
	order.PutUint16(buf[0:2], uint16(elf.ET_NONE))
	if _, err := f.WriteAt(buf[0:2], 16); err != nil {
		return newErr("S8 SectionSynth", KindIO, true, "patching e_type: %w", err)
	}

	shoffBuf := make([]byte, 8)
	order.PutUint64(shoffBuf, uint64(shoff))
	if _, err := f.WriteAt(shoffBuf, 40); err != nil {
		return newErr("S8 SectionSynth", KindIO, true, "patching e_shoff: %w", err)
	}

	shentBuf := make([]byte, 2)
	order.PutUint16(shentBuf, sectionHeaderSize)
	if _, err := f.WriteAt(shentBuf, 58); err != nil {
		return newErr("S8 SectionSynth", KindIO, true, "patching e_shentsize: %w", err)
	}
	shnumBuf := make([]byte, 2)
	order.PutUint16(shnumBuf, shnum)
	if _, err := f.WriteAt(shnumBuf, 60); err != nil {
		return newErr("S8 SectionSynth", KindIO, true, "patching e_shnum: %w", err)
	}
	shstrndxBuf := make([]byte, 2)
	order.PutUint16(shstrndxBuf, shstrndx)
	if _, err := f.WriteAt(shstrndxBuf, 62); err != nil {
		return newErr("S8 SectionSynth", KindIO, true, "patching e_shstrndx: %w", err)
	}
	return nil
}

// shstrtabBuilder accumulates section names into a single packed, NUL
// delimited buffer and hands back each name's offset, matching how the
// section-header string table is laid out on disk.
type shstrtabBuilder struct {
	buf []byte
}

func newShstrtabBuilder() *shstrtabBuilder {
	// Index 0 is conventionally the empty string.
	return &shstrtabBuilder{buf: []byte{0}}
}

func (b *shstrtabBuilder) add(name string) uint32 {
	off := uint32(len(b.buf))
	b.buf = append(b.buf, name...)
	b.buf = append(b.buf, 0)
	return off
}

// buildSectionHeaders constructs the section-header table in the exact
// order spec.md §4.8 names, resolving each section's addr/offset/size from
// Layout, Dyn, Fallback and the EcfsFile forensic-payload offsets already
// written. Returns the header array (NULL first, .shstrtab last) and the
// packed name-string buffer.
func buildSectionHeaders(h *Handle, out *EcfsFile, order binary.ByteOrder) ([]elf.Section64, []byte, error) {
	strtab := newShstrtabBuilder()
	var shdrs []elf.Section64

	add := func(name string, typ elf.SectionType, flags elf.SectionFlag, addr Address, off int64, size uint64, link, info uint32, align, entsize uint64) int {
		shdrs = append(shdrs, elf.Section64{
			Name:      strtab.add(name),
			Type:      uint32(typ),
			Flags:     uint64(flags),
			Addr:      uint64(addr),
			Off:       uint64(off),
			Size:      size,
			Link:      link,
			Info:      info,
			Addralign: align,
			Entsize:   entsize,
		})
		return len(shdrs) - 1
	}

	// NULL section.
	add("", 0, 0, 0, 0, 0, 0, 0, 0, 0)

	dyn := h.Layout.DynLinked
	lay := h.Layout
	fb := h.Fallback

	sizeOr := func(v uint64, fallback uint64) uint64 {
		if v != 0 {
			return v
		}
		if fallback != 0 {
			return fallback
		}
		return UnknownShdrSize
	}

	if dyn {
		add(".interp", elf.SHT_PROGBITS, elf.SHF_ALLOC, lay.InterpVaddr, lay.InterpOffset, UnknownShdrSize, 0, 0, 1, 0)
	}

	add(".note", elf.SHT_NOTE, 0, 0, lay.NoteOffset, uint64(h.Core.NoteSize), 0, 0, 4, 0)

	if dyn {
		add(".hash", elf.SHT_HASH, elf.SHF_ALLOC, h.Dyn.HashVaddr, int64(h.Dyn.HashOffset), sizeOr(0, fb.GnuHashSize), 0, 0, 8, 4)
		dynsymIdx := add(".dynsym", elf.SHT_DYNSYM, elf.SHF_ALLOC, h.Dyn.DynsymVaddr, int64(h.Dyn.DynsymOffset), UnknownShdrSize, 0, 0, 8, 24)
		out.DynsymIndex = dynsymIdx
		add(".dynstr", elf.SHT_STRTAB, elf.SHF_ALLOC, h.Dyn.DynstrVaddr, int64(h.Dyn.DynstrOffset), h.Dyn.DynstrSize, 0, 0, 1, 0)
		add(".rela.dyn", elf.SHT_RELA, elf.SHF_ALLOC, h.Dyn.RelaVaddr, int64(h.Dyn.RelaOffset), sizeOr(0, fb.RelaDynSize), uint32(out.DynsymIndex), 0, 8, 24)
		add(".rela.plt", elf.SHT_RELA, elf.SHF_ALLOC, h.Dyn.PltRelaVaddr, int64(h.Dyn.PltRelaOffset), sizeOr(h.Dyn.PltRelaSize, fb.RelaPltSize), uint32(out.DynsymIndex), 0, 8, 24)

		initSize := sizeOr(0, fb.InitSize)
		add(".init", elf.SHT_PROGBITS, elf.SHF_ALLOC|elf.SHF_EXECINSTR, h.Dyn.InitVaddr, int64(h.Dyn.InitOffset), initSize, 0, 0, 4, 0)

		// .plt immediately follows .init, 16-byte aligned; the gap between
		// the unaligned end of .init and the next 16-byte boundary is pure
		// padding, per spec.md §4.8.
		pltVaddr := fb.PltVaddr
		if pltVaddr == 0 {
			initEnd := h.Dyn.InitVaddr.Add(int64(initSize))
			pltVaddr = Address(alignUp(int64(initEnd), 16))
		}
		pltOffset := int64(h.Dyn.InitOffset) + pltVaddr.Sub(h.Dyn.InitVaddr)
		add(".plt", elf.SHT_PROGBITS, elf.SHF_ALLOC|elf.SHF_EXECINSTR, pltVaddr, pltOffset, sizeOr(0, fb.PltSize), 0, 0, 16, 16)
	}

	textIdx := add(".text", elf.SHT_PROGBITS, elf.SHF_ALLOC|elf.SHF_EXECINSTR, lay.TextVaddr, lay.TextOffset, uint64(lay.TextSize), 0, 0, 16, 0)
	out.TextSectionIndex = textIdx

	if dyn {
		add(".fini", elf.SHT_PROGBITS, elf.SHF_ALLOC|elf.SHF_EXECINSTR, h.Dyn.FiniVaddr, int64(h.Dyn.FiniOffset), sizeOr(0, fb.FiniSize), 0, 0, 4, 0)
		add(".eh_frame_hdr", elf.SHT_PROGBITS, elf.SHF_ALLOC, 0, 0, UnknownShdrSize, 0, 0, 4, 0)
	}

	ehStart, workaround := resolveEhFrameStart(h)
	h.Fallback.EhFrameOffsetWorkaround = workaround
	add(".eh_frame", elf.SHT_PROGBITS, elf.SHF_ALLOC, lay.EhFrameVaddr, ehStart, sizeOr(uint64(lay.EhFrameSize), fb.EhFrameSize), 0, 0, 8, 0)

	if dyn {
		add(".dynamic", elf.SHT_DYNAMIC, elf.SHF_ALLOC|elf.SHF_WRITE, lay.DynVaddr, lay.DynOffset, 0, uint32(out.DynsymIndex), 0, 8, 16)
		gotIdx := add(".got.plt", elf.SHT_PROGBITS, elf.SHF_ALLOC|elf.SHF_WRITE, h.Dyn.GotVaddr, int64(h.Dyn.GotOffset), sizeOr(0, fb.GotPltSize), 0, 0, 8, 8)
		out.GotPltIndex = gotIdx
	}

	add(".data", elf.SHT_PROGBITS, elf.SHF_ALLOC|elf.SHF_WRITE, lay.DataVaddr, lay.DataOffset, uint64(lay.DataFilesz), 0, 0, 8, 0)
	add(".bss", elf.SHT_NOBITS, elf.SHF_ALLOC|elf.SHF_WRITE, lay.BssVaddr, lay.BssOffset, uint64(lay.BssSize), 0, 0, 8, 0)

	if off, ok := sectionOffsetByMappingKind(h.Core, h.Mem, KindHeap); ok {
		add(".heap", elf.SHT_PROGBITS, elf.SHF_ALLOC|elf.SHF_WRITE, h.Mem.HeapBase, off, uint64(h.Mem.HeapSize), 0, 0, 8, 0)
	} else {
		add(".heap", elf.SHT_NOBITS, elf.SHF_ALLOC|elf.SHF_WRITE, h.Mem.HeapBase, 0, uint64(h.Mem.HeapSize), 0, 0, 8, 0)
	}

	addPerLibrarySections(add, h.Note.Libs, h.Config.Heuristics)

	add(".prstatus", elf.SHT_PROGBITS, 0, 0, out.PrstatusOff, uint64(out.PrstatusSize), 0, 0, 1, sizeofPrstatus)
	add(".fdinfo", elf.SHT_PROGBITS, 0, 0, out.FdinfoOff, uint64(out.FdinfoSize), 0, 0, 1, fdinfoEntrySize)
	add(".siginfo", elf.SHT_PROGBITS, 0, 0, out.SiginfoOff, uint64(out.SiginfoSize), 0, 0, 1, 0)
	add(".auxvector", elf.SHT_PROGBITS, 0, 0, out.AuxvOff, uint64(out.AuxvSize), 0, 0, 8, 0)
	add(".exepath", elf.SHT_PROGBITS, 0, 0, out.ExepathOff, uint64(out.ExepathSize), 0, 0, 1, 0)
	add(".personality", elf.SHT_PROGBITS, 0, 0, out.PersonalityOff, uint64(out.PersonalitySize), 0, 0, 4, 0)
	add(".arglist", elf.SHT_PROGBITS, 0, 0, out.ArglistOff, uint64(out.ArglistSize), 0, 0, 1, 0)

	if off, ok := sectionOffsetByMappingKind(h.Core, h.Mem, KindStack); ok {
		add(".stack", elf.SHT_PROGBITS, elf.SHF_ALLOC|elf.SHF_WRITE, h.Mem.StackBase, off, uint64(h.Mem.StackSize), 0, 0, 8, 0)
	} else {
		add(".stack", elf.SHT_NOBITS, elf.SHF_ALLOC|elf.SHF_WRITE, h.Mem.StackBase, 0, uint64(h.Mem.StackSize), 0, 0, 8, 0)
	}
	if off, ok := sectionOffsetByMappingKind(h.Core, h.Mem, KindVDSO); ok {
		add(".vdso", elf.SHT_PROGBITS, elf.SHF_ALLOC, h.Mem.VDSOBase, off, uint64(h.Mem.VDSOSize), 0, 0, pageSize, 0)
	} else {
		add(".vdso", elf.SHT_NOBITS, elf.SHF_ALLOC, h.Mem.VDSOBase, 0, uint64(h.Mem.VDSOSize), 0, 0, pageSize, 0)
	}
	if off, ok := sectionOffsetByMappingKind(h.Core, h.Mem, KindVsyscall); ok {
		add(".vsyscall", elf.SHT_PROGBITS, elf.SHF_ALLOC|elf.SHF_EXECINSTR, h.Mem.VsyscallBase, off, uint64(h.Mem.VsyscallSize), 0, 0, pageSize, 0)
	} else {
		add(".vsyscall", elf.SHT_NOBITS, elf.SHF_ALLOC|elf.SHF_EXECINSTR, h.Mem.VsyscallBase, 0, uint64(h.Mem.VsyscallSize), 0, 0, pageSize, 0)
	}

	// .symtab/.strtab start empty; SymRecon (S9) patches offset/size once
	// the reconstructed function table is known.
	out.SymtabIndex = add(".symtab", elf.SHT_SYMTAB, 0, 0, 0, 0, 0, 0, 8, 24)
	out.StrtabIndex = add(".strtab", elf.SHT_STRTAB, 0, 0, 0, 0, 0, 0, 1, 0)
	shdrs[out.SymtabIndex].Link = uint32(out.StrtabIndex)

	shstrIdx := add(".shstrtab", elf.SHT_STRTAB, 0, 0, 0, 0, 0, 0, 1, 0)
	shdrs[shstrIdx].Size = uint64(len(strtab.buf))

	return shdrs, strtab.buf, nil
}

// resolveEhFrameStart applies spec.md §4.8's .eh_frame offset rule: when
// dynamically linked, .eh_frame starts right after .eh_frame_hdr's backing
// PT_GNU_EH_FRAME region (ehframeOffset + ehframe_size); when static, at
// ehframeOffset directly. A leading run of four zero bytes is a known
// artifact of the original capture and is skipped.
func resolveEhFrameStart(h *Handle) (start int64, workaround bool) {
	lay := h.Layout
	if lay.DynLinked {
		start = lay.EhFrameOffset + lay.EhFrameSize
	} else {
		start = lay.EhFrameOffset
	}
	if start >= 0 && start+4 <= int64(len(h.Core.Data)) {
		if bytes.Equal(h.Core.Data[start:start+4], []byte{0, 0, 0, 0}) {
			start += 4
			workaround = true
		}
	}
	return start, workaround
}

// addPerLibrarySections emits one section per LibMapping, named by its
// permission bits per spec.md §4.8: R|X -> ".text", R|W -> ".data.N" with a
// monotone counter, R -> ".relro", anything else -> ".undef".
func addPerLibrarySections(add func(name string, typ elf.SectionType, flags elf.SectionFlag, addr Address, off int64, size uint64, link, info uint32, align, entsize uint64) int, libs []LibMapping, heuristics bool) {
	dataCounters := map[string]int{}
	for _, lib := range libs {
		var suffix string
		switch {
		case lib.Perm&PermRead != 0 && lib.Perm&PermExec != 0:
			suffix = ".text"
		case lib.Perm&PermRead != 0 && lib.Perm&PermWrite != 0:
			n := dataCounters[lib.Name]
			dataCounters[lib.Name] = n + 1
			suffix = ".data." + strconv.Itoa(n)
		case lib.Perm&PermRead != 0:
			suffix = ".relro"
		default:
			suffix = ".undef"
		}

		typ := elf.SectionType(shtInjected)
		if !heuristics || !lib.Injected {
			typ = elf.SHT_SHLIB
		}

		flags := elf.SHF_ALLOC
		if lib.Perm&PermWrite != 0 {
			flags |= elf.SHF_WRITE
		}
		if lib.Perm&PermExec != 0 {
			flags |= elf.SHF_EXECINSTR
		}

		add(lib.Name+suffix, typ, flags, lib.Base, lib.FileOffset, uint64(lib.Size), 0, 0, pageSize, 0)
	}
}
