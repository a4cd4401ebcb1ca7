package ecfs

import (
	"debug/elf"
	"encoding/binary"
	"errors"
	"io"
	"os"
	"path/filepath"
	"syscall"
)

// textMerge is S5: the kernel dumps zero bytes for executable mappings, so
// this pass reinjects the captured text, growing the core file and
// shifting every subsequent program header's file offset to stay consistent.
// It first seeds Config.OutPath with a copy of the input core, so every
// rewrite from here on lands on the output file and the input core is
// never touched; it then runs once for the main executable, then once per
// captured library text, reloading the core image between each pass
// because every rewrite invalidates file offsets the next pass needs.
func textMerge(h *Handle) error {
	if len(h.Mem.MainText) == 0 {
		return newErr("S5 TextMerge", KindInconsistent, true, "no captured main executable text to merge")
	}
	if err := seedOutput(h); err != nil {
		return err
	}
	if err := mergeOneText(h, h.Mem.TextBase, h.Mem.MainText); err != nil {
		return err
	}
	core, err := reloadCoreImage(h.Core)
	if err != nil {
		return err
	}
	h.Core = core

	for _, m := range h.Mem.Mappings {
		if m.Kind != KindSharedLib || len(m.Text) == 0 {
			continue
		}
		if err := mergeOneText(h, m.Base, m.Text); err != nil {
			logger.Warn("library text merge failed, skipping", "path", m.Path, "base", m.Base, "err", err)
			m.Text = nil
			continue
		}
		core, err := reloadCoreImage(h.Core)
		if err != nil {
			return err
		}
		h.Core = core
		// Free the library buffer immediately: carrying multiple large
		// captured-text buffers at once is real memory pressure.
		m.Text = nil
	}

	if err := chmodExecutable(h.Core.Path); err != nil {
		logger.Warn("failed to chmod output executable-by-all", "path", h.Core.Path, "err", err)
	}

	return nil
}

// seedOutput copies the input core file to Config.OutPath and repoints
// h.Core at the copy, so mergeOneText's in-place rewrites land there
// instead of on the file the caller handed in. A no-op if OutPath already
// is the loaded core's path (e.g. resuming against an already-seeded
// output).
func seedOutput(h *Handle) error {
	if h.Config.OutPath == "" {
		return newErr("S5 TextMerge", KindInconsistent, true, "no output path configured")
	}
	if h.Config.OutPath == h.Core.Path {
		return nil
	}

	src, err := os.Open(h.Core.Path)
	if err != nil {
		return newErr("S5 TextMerge", KindSourceUnavailable, true, "opening core %s to seed output: %w", h.Core.Path, err)
	}
	defer src.Close()

	dst, err := os.Create(h.Config.OutPath)
	if err != nil {
		return newErr("S5 TextMerge", KindIO, true, "creating output file %s: %w", h.Config.OutPath, err)
	}
	defer dst.Close()

	if _, err := io.Copy(dst, src); err != nil {
		return newErr("S5 TextMerge", KindIO, true, "copying core into %s: %w", h.Config.OutPath, err)
	}
	if err := dst.Sync(); err != nil {
		return newErr("S5 TextMerge", KindIO, true, "fsync output file %s: %w", h.Config.OutPath, err)
	}

	core, err := loadCoreImage(h.Config.OutPath)
	if err != nil {
		return err
	}
	h.Core = core
	return nil
}

// mergeOneText performs a single-segment merge per spec.md §4.7: it
// rewrites the core so that the LOAD header whose p_vaddr equals
// textVaddr has its full text content in the file (p_filesz == p_memsz),
// shifting every subsequent program header's p_offset by
// (len(text) - pageSize).
func mergeOneText(h *Handle, textVaddr Address, text []byte) error {
	ci := h.Core
	phdrs := ci.Phdrs

	idx := -1
	for i, p := range phdrs {
		if elf.ProgType(p.Type) == elf.PT_LOAD && Address(p.Vaddr) == textVaddr {
			idx = i
			break
		}
	}
	if idx < 0 {
		return newErr("S5 TextMerge", KindInconsistent, false, "no LOAD header at vaddr %s to merge text into", textVaddr)
	}

	textOffset := int64(phdrs[idx].Off)
	if idx+1 >= len(phdrs) {
		return newErr("S5 TextMerge", KindInconsistent, true, "text segment at %s has no successor program header", textVaddr)
	}
	nextOffset := int64(phdrs[idx+1].Off)

	delta := int64(len(text)) - pageSize

	// Every program header later in file order is shifted forward by
	// delta, matching spec.md §4.7's invariant — not just the LOAD
	// headers, since the note/dynamic headers share the same offset space.
	newPhdrs := append([]elf.Prog64(nil), phdrs...)
	newPhdrs[idx].Filesz = newPhdrs[idx].Memsz
	for i := idx + 1; i < len(newPhdrs); i++ {
		newPhdrs[i].Off = uint64(int64(newPhdrs[i].Off) + delta)
	}

	tmpPath, err := writeMergedFile(h, ci, textOffset, text, nextOffset)
	if err != nil {
		return err
	}

	if err := writePhdrTable(tmpPath, ci.Ehdr, newPhdrs, ci.Order); err != nil {
		os.Remove(tmpPath)
		return err
	}

	if err := atomicRename(tmpPath, ci.Path); err != nil {
		return err
	}

	return nil
}

// writeMergedFile streams [0,textOffset) from the original, then the full
// text image, then [nextOffset,end) from the original, into a fresh temp
// file under tempDirFor's chosen directory, fsync'ing before returning so
// the rename-replace survives a crash. When Config.TempDir or UseRamdisk
// points the temp file off the output's filesystem, atomicRename falls
// back to copy+remove, since rename(2) cannot cross devices.
func writeMergedFile(h *Handle, ci *CoreImage, textOffset int64, text []byte, nextOffset int64) (string, error) {
	dir := tempDirFor(h, filepath.Dir(ci.Path))
	tmp, err := os.CreateTemp(dir, filepath.Base(ci.Path)+".merge-*")
	if err != nil {
		return "", newErr("S5 TextMerge", KindIO, true, "creating temp merge file: %w", err)
	}
	defer tmp.Close()

	if _, err := tmp.Write(ci.Data[:textOffset]); err != nil {
		return "", newErr("S5 TextMerge", KindIO, true, "writing pre-text region: %w", err)
	}
	if _, err := tmp.Write(text); err != nil {
		return "", newErr("S5 TextMerge", KindIO, true, "writing merged text: %w", err)
	}
	if nextOffset < int64(len(ci.Data)) {
		if _, err := tmp.Write(ci.Data[nextOffset:]); err != nil {
			return "", newErr("S5 TextMerge", KindIO, true, "writing post-text region: %w", err)
		}
	}
	if err := tmp.Sync(); err != nil {
		return "", newErr("S5 TextMerge", KindIO, true, "fsync merge file: %w", err)
	}
	return tmp.Name(), nil
}

// writePhdrTable patches the program-header table in place in the named
// file, reflecting the filesz/offset adjustments the merge made.
func writePhdrTable(path string, ehdr elf.Header64, phdrs []elf.Prog64, order binary.ByteOrder) error {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return newErr("S5 TextMerge", KindIO, true, "reopening merge file for phdr patch: %w", err)
	}
	defer f.Close()

	for i, p := range phdrs {
		buf := encodeProg64(p, order)
		off := int64(ehdr.Phoff) + int64(i)*int64(ehdr.Phentsize)
		if _, err := f.WriteAt(buf, off); err != nil {
			return newErr("S5 TextMerge", KindIO, true, "writing phdr %d: %w", i, err)
		}
	}
	return nil
}

func encodeProg64(p elf.Prog64, order binary.ByteOrder) []byte {
	buf := make([]byte, 56)
	order.PutUint32(buf[0:4], p.Type)
	order.PutUint32(buf[4:8], p.Flags)
	order.PutUint64(buf[8:16], p.Off)
	order.PutUint64(buf[16:24], p.Vaddr)
	order.PutUint64(buf[24:32], p.Paddr)
	order.PutUint64(buf[32:40], p.Filesz)
	order.PutUint64(buf[40:48], p.Memsz)
	order.PutUint64(buf[48:56], p.Align)
	return buf
}

// tempDirFor resolves spec.md §5/§6's configurable temp-file location:
// UseRamdisk routes the merge's temp file through /dev/shm regardless of
// TempDir, TempDir is used verbatim when set, and fallback (the output
// file's own directory, keeping the rename on one filesystem) applies
// otherwise.
func tempDirFor(h *Handle, fallback string) string {
	if h.Config.UseRamdisk {
		return "/dev/shm"
	}
	if h.Config.TempDir != "" {
		return h.Config.TempDir
	}
	return fallback
}

// atomicRename replaces dst with src. rename(2) is already atomic on a
// POSIX filesystem, but a ramdisk temp directory is deliberately a
// different filesystem from the output file, so the rename can fail with
// EXDEV; that case falls back to copy+remove, which is no longer atomic
// (a crash mid-copy can leave dst truncated) but is the tradeoff a ramdisk
// temp dir implies in exchange for avoiding a second on-disk write.
func atomicRename(src, dst string) error {
	if err := os.Rename(src, dst); err != nil {
		if errors.Is(err, syscall.EXDEV) {
			return copyAndRemove(src, dst)
		}
		return newErr("S5 TextMerge", KindIO, true, "renaming %s over %s: %w", src, dst, err)
	}
	return nil
}

func copyAndRemove(src, dst string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return newErr("S5 TextMerge", KindIO, true, "reading %s for cross-device replace of %s: %w", src, dst, err)
	}
	if err := os.WriteFile(dst, data, 0644); err != nil {
		return newErr("S5 TextMerge", KindIO, true, "writing %s: %w", dst, err)
	}
	os.Remove(src)
	return nil
}

func chmodExecutable(path string) error {
	return os.Chmod(path, 0755)
}
