package ecfs

import "debug/elf"

// dynParse is S7: it locates the dynamic array by mapping the dynamic
// segment's virtual address through the containing LOAD header to a file
// offset in the core, then walks the tag array until DT_NULL, recording
// the vaddr/offset pairs spec.md §4.6 names.
func dynParse(h *Handle) error {
	if !h.Layout.DynLinked {
		return nil
	}

	order := h.Core.Order
	data := h.Core.Data

	dynFileOff, err := fileOffsetOf(h.Core, h.Layout.DynVaddr)
	if err != nil {
		return newErr("S7 DynParse", KindInconsistent, true, "unable to find dynamic segment in core file: %w", err)
	}

	const dynEntSize = 16 // ElfW(Dyn): {int64 d_tag; uint64 d_val}
	var dm DynMeta

	for off := dynFileOff; ; off += dynEntSize {
		if off+dynEntSize > int64(len(data)) {
			return newErr("S7 DynParse", KindMalformed, true, "dynamic array runs off the end of the core file")
		}
		tag := int64(order.Uint64(data[off : off+8]))
		val := order.Uint64(data[off+8 : off+16])

		if elf.DynTag(tag) == elf.DT_NULL {
			break
		}

		switch elf.DynTag(tag) {
		case elf.DT_REL:
			dm.RelVaddr = Address(val)
			dm.RelOffset = h.Layout.TextVaddr.relOffsetFrom(h.Layout.TextOffset, dm.RelVaddr)
		case elf.DT_RELA:
			dm.RelaVaddr = Address(val)
			dm.RelaOffset = h.Layout.TextVaddr.relOffsetFrom(h.Layout.TextOffset, dm.RelaVaddr)
		case elf.DT_JMPREL:
			dm.PltRelaVaddr = Address(val)
			dm.PltRelaOffset = h.Layout.TextVaddr.relOffsetFrom(h.Layout.TextOffset, dm.PltRelaVaddr)
		case elf.DT_PLTGOT:
			dm.GotVaddr = Address(val)
			dm.GotOffset = Address(int64(h.Layout.DataOffset) + dm.GotVaddr.Sub(h.Layout.DataVaddr))
		case elf.DT_GNU_HASH, elf.DT_HASH:
			dm.HashVaddr = Address(val)
			dm.HashOffset = h.Layout.TextVaddr.relOffsetFrom(h.Layout.TextOffset, dm.HashVaddr)
		case elf.DT_INIT:
			v := Address(val)
			if h.Layout.IsPIE {
				v = v.Add(int64(h.Layout.TextVaddr))
			}
			dm.InitVaddr = v
			dm.InitOffset = h.Layout.TextVaddr.relOffsetFrom(h.Layout.TextOffset, v)
		case elf.DT_FINI:
			v := Address(val)
			if h.Layout.IsPIE {
				v = v.Add(int64(h.Layout.TextVaddr))
			}
			dm.FiniVaddr = v
			dm.FiniOffset = h.Layout.TextVaddr.relOffsetFrom(h.Layout.TextOffset, v)
		case elf.DT_STRSZ:
			dm.DynstrSize = val
		case elf.DT_PLTRELSZ:
			dm.PltRelaSize = val
		case elf.DT_SYMTAB:
			dm.DynsymVaddr = Address(val)
			dm.DynsymOffset = h.Layout.TextVaddr.relOffsetFrom(h.Layout.TextOffset, dm.DynsymVaddr)
		case elf.DT_STRTAB:
			dm.DynstrVaddr = Address(val)
			dm.DynstrOffset = h.Layout.TextVaddr.relOffsetFrom(h.Layout.TextOffset, dm.DynstrVaddr)
		}
	}

	h.Dyn = dm
	return nil
}

// relOffsetFrom computes textOffset + (vaddr - textVaddr), the formula
// spec.md §4.6 uses for every dynamic-tag location except PLTGOT (which is
// relative to the data segment instead of text).
func (textVaddr Address) relOffsetFrom(textOffset int64, vaddr Address) Address {
	return Address(textOffset + vaddr.Sub(textVaddr))
}
