package ecfs

// pmemReadMainText captures the main executable's text bytes from the live
// process image into MemDesc.MainText. The target must already be
// suspended (Run holds the stop for the whole S1-S4 window).
func pmemReadMainText(mem *MemDesc) error {
	if mem.TextSize <= 0 {
		return nil
	}
	buf := make([]byte, mem.TextSize)
	if err := readProcessMemory(mem.Pid, mem.TextBase, buf); err != nil {
		return &Error{Stage: "S4 PmemRead", Kind: KindIO, Fatal: true, Err: err}
	}
	mem.MainText = buf
	return nil
}

// pmemReadLibs captures executable text for every shared-lib mapping with
// exec permission, attaching the buffer to the Mapping. A short read is
// logged and that mapping is skipped — non-fatal, per spec.md §4.4 — the
// pipeline continues with the next library.
func pmemReadLibs(mem *MemDesc) {
	for _, m := range mem.Mappings {
		if m.Kind != KindSharedLib || m.Perm&PermExec == 0 {
			continue
		}
		buf := make([]byte, m.Size)
		if err := readProcessMemory(mem.Pid, m.Base, buf); err != nil {
			logger.Warn("short read capturing library text, skipping", "path", m.Path, "base", m.Base, "size", m.Size, "err", err)
			continue
		}
		m.Text = buf
	}
}
