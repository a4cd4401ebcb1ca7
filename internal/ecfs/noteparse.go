package ecfs

import (
	"debug/elf"
	"encoding/binary"
)

// sizeofPrstatus/sizeofPrpsinfo/sizeofSiginfo/sizeofFpregset are the Linux
// x86-64 elf_prstatus/elf_prpsinfo/siginfo_t/elf_fpregset_t sizes that the
// note-entry size guards in spec.md §4.3 check against.
const (
	sizeofPrstatus = 336
	sizeofPrpsinfo = 136
	sizeofSiginfo  = 128
	sizeofFpregset = 512
)

// Linux x86-64 elf_gregset_t register offsets/names within the pr_reg
// field of elf_prstatus (offset 112, 216 bytes = 27 uint64s), per
// golang-debug/internal/core/process.go's readPRStatus.
const (
	regR15 = iota
	regR14
	regR13
	regR12
	regRbp
	regRbx
	regR11
	regR10
	regR9
	regR8
	regRax
	regRcx
	regRdx
	regRsi
	regRdi
	regOrigRax
	regRip
	regCs
	regEflags
	regRsp
	regSs
	regFsBase
	regGsBase
	regDs
	regEs
	regFs
	regGs
)

const (
	prstatusPidOff = 32
	prstatusRegOff = 112
	prstatusRegLen = 216
)

// parseNotes walks the PT_NOTE region of a core image and decodes every
// recognized note type, per the table in spec.md §4.3.
func parseNotes(ci *CoreImage, order binary.ByteOrder) (*NoteDesc, error) {
	if ci.NoteOff < 0 || ci.NoteOff+ci.NoteSize > int64(len(ci.Data)) {
		return nil, newErr("S3 NoteParse", KindMalformed, true, "note region [%d,%d) out of bounds (file is %d bytes)", ci.NoteOff, ci.NoteOff+ci.NoteSize, len(ci.Data))
	}
	b := ci.Data[ci.NoteOff : ci.NoteOff+ci.NoteSize]

	nd := &NoteDesc{}
	for len(b) > 0 {
		if len(b) < 12 {
			break
		}
		namesz := order.Uint32(b[0:4])
		descsz := order.Uint32(b[4:8])
		typ := elf.NType(order.Uint32(b[8:12]))
		b = b[12:]

		if uint32(len(b)) < namesz {
			return nil, newErr("S3 NoteParse", KindMalformed, true, "truncated note name (want %d, have %d)", namesz, len(b))
		}
		nameEnd := align4(int(namesz))
		if nameEnd > len(b) {
			return nil, newErr("S3 NoteParse", KindMalformed, true, "truncated note name padding")
		}
		b = b[nameEnd:]

		if uint32(len(b)) < descsz {
			return nil, newErr("S3 NoteParse", KindMalformed, true, "truncated note descriptor (want %d, have %d)", descsz, len(b))
		}
		desc := b[:descsz]
		descEnd := align4(int(descsz))
		if descEnd > len(b) {
			return nil, newErr("S3 NoteParse", KindMalformed, true, "truncated note descriptor padding")
		}
		b = b[descEnd:]

		switch typ {
		case elf.NT_PRSTATUS:
			if len(desc) != sizeofPrstatus {
				logger.Warn("note size mismatch, skipping", "type", "NT_PRSTATUS", "want", sizeofPrstatus, "got", len(desc))
				continue
			}
			rs := decodePrstatus(desc, order)
			if nd.Primary == nil {
				nd.Primary = rs
			}
			nd.Threads = append(nd.Threads, rs)
		case elf.NT_PRPSINFO:
			if len(desc) != sizeofPrpsinfo {
				logger.Warn("note size mismatch, skipping", "type", "NT_PRPSINFO", "want", sizeofPrpsinfo, "got", len(desc))
				continue
			}
			nd.ProcessInfo = decodePrpsinfo(desc, order)
		case ntSigInfo:
			if len(desc) != sizeofSiginfo {
				logger.Warn("note size mismatch, skipping", "type", "NT_SIGINFO", "want", sizeofSiginfo, "got", len(desc))
				continue
			}
			nd.SigInfo = decodeSiginfo(desc, order)
		case ntAuxv:
			nd.AuxvRaw = append([]byte(nil), desc...)
		case ntFile:
			files, err := decodeNTFile(desc, order)
			if err != nil {
				return nil, err
			}
			nd.Files = files
		case elf.NT_FPREGSET:
			if len(desc) != sizeofFpregset {
				logger.Warn("note size mismatch, skipping", "type", "NT_FPREGSET", "want", sizeofFpregset, "got", len(desc))
				continue
			}
			nd.FPRegs = append([]byte(nil), desc...)
		default:
			// Unknown types are skipped silently, per spec.md §4.3.
		}
	}
	return nd, nil
}

func decodePrstatus(desc []byte, order binary.ByteOrder) *RegSet {
	rs := &RegSet{}
	rs.Tid = int32(order.Uint32(desc[prstatusPidOff : prstatusPidOff+4]))
	reg := desc[prstatusRegOff : prstatusRegOff+prstatusRegLen]
	for i := 0; i < len(reg)/8; i++ {
		rs.Regs[i] = order.Uint64(reg[i*8:])
	}
	rs.PC = Address(rs.Regs[regRip])
	rs.SP = Address(rs.Regs[regRsp])
	return rs
}

func decodePrpsinfo(desc []byte, order binary.ByteOrder) ProcessInfo {
	pi := ProcessInfo{}
	pi.State = desc[0]
	pi.Zombie = desc[2] != 0
	pi.Nice = int8(desc[3])
	pi.Flag = order.Uint64(desc[8:16])
	pi.Uid = order.Uint32(desc[16:20])
	pi.Gid = order.Uint32(desc[20:24])
	pi.Pid = int32(order.Uint32(desc[24:28]))
	pi.Ppid = int32(order.Uint32(desc[28:32]))
	pi.Pgrp = int32(order.Uint32(desc[32:36]))
	pi.Sid = int32(order.Uint32(desc[36:40]))
	pi.Fname = trimNulPad(desc[40:56])
	pi.Args = trimNulPad(desc[56:136])
	return pi
}

func decodeSiginfo(desc []byte, order binary.ByteOrder) SigInfo {
	return SigInfo{
		Signo: int32(order.Uint32(desc[0:4])),
		Code:  int32(order.Uint32(desc[4:8])),
		Errno: int32(order.Uint32(desc[8:12])),
	}
}

func trimNulPad(b []byte) string {
	i := 0
	for i < len(b) && b[i] != 0 {
		i++
	}
	return string(b[:i])
}

// decodeNTFile decodes the NT_FILE descriptor per spec.md §4.3: two
// leading words {count, page_size}, then count {start,end,file_offset}
// triples, then a NUL-delimited string table of count entries, in kernel
// order (load-bearing for the text/data pairing in XRef).
func decodeNTFile(desc []byte, order binary.ByteOrder) ([]FileRange, error) {
	if len(desc) < 16 {
		return nil, newErr("S3 NoteParse", KindMalformed, true, "NT_FILE descriptor too short (%d bytes)", len(desc))
	}
	count := order.Uint64(desc[0:8])
	pageSz := order.Uint64(desc[8:16])
	if pageSz == 0 {
		pageSz = pageSize
	}
	rest := desc[16:]

	tripleBytes := count * 24
	if uint64(len(rest)) < tripleBytes {
		return nil, newErr("S3 NoteParse", KindMalformed, true, "NT_FILE truncated: need %d bytes of triples, have %d", tripleBytes, len(rest))
	}
	triples := rest[:tripleBytes]
	names := rest[tripleBytes:]

	ranges := make([]FileRange, 0, count)
	for i := uint64(0); i < count; i++ {
		t := triples[i*24:]
		start := order.Uint64(t[0:8])
		end := order.Uint64(t[8:16])
		off := order.Uint64(t[16:24])

		name, remainder := splitNulTerminated(names)
		names = remainder

		ranges = append(ranges, FileRange{
			Start:      Address(start),
			End:        Address(end),
			FileOffset: int64(off * pageSz),
			Path:       name,
		})
	}
	return ranges, nil
}

func splitNulTerminated(b []byte) (string, []byte) {
	for i, c := range b {
		if c == 0 {
			return string(b[:i]), b[i+1:]
		}
	}
	return string(b), nil
}
