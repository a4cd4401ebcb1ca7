package ecfs

// Run drives pipeline stages S1 through S8: it snapshots
// the live process, loads and parses the core, merges captured text into
// it, cross-references layout, walks the dynamic tag table, and finally
// synthesizes the section-header table. SymRecon is exposed separately
// (ReconstructSymbols) since it depends on an externally supplied function
// table that this package does not itself compute.
//
// The input core named by Config.CorePath is read-only throughout: S5
// TextMerge seeds Config.OutPath with a copy before any rewrite, and every
// later stage operates on that copy.
func Run(cfg Config) (h *Handle, err error) {
	if cfg.OutPath == "" {
		cfg.OutPath = cfg.CorePath + ".ecfs"
	}
	h = &Handle{Config: cfg}

	// The target is a shared OS resource owned by this pipeline for the
	// whole S1-S4 window (spec.md §5): one stop brackets Snapshot through
	// PmemRead, and resume is issued even on the error paths in between so
	// the process is never left frozen.
	if err := suspend(cfg.Pid); err != nil {
		return nil, err
	}
	h.Mem, err = snapshotLocked(cfg.Pid)
	if err != nil {
		resume(cfg.Pid)
		return nil, err
	}

	h.Core, err = loadCoreImage(cfg.CorePath)
	if err != nil {
		resume(cfg.Pid)
		return nil, err
	}

	h.Note, err = parseNotes(h.Core, h.Core.Order)
	if err != nil {
		resume(cfg.Pid)
		return nil, err
	}

	pmemErr := pmemReadMainText(h.Mem)
	if pmemErr == nil {
		pmemReadLibs(h.Mem)
	}
	if rerr := resume(cfg.Pid); rerr != nil {
		logger.Error("failed to resume target after S1-S4 window", "pid", cfg.Pid, "err", rerr)
	}
	if pmemErr != nil {
		return nil, pmemErr
	}

	if err := textMerge(h); err != nil {
		return nil, err
	}

	if err := crossReference(h); err != nil {
		return nil, err
	}

	if err := dynParse(h); err != nil {
		return nil, err
	}

	if err := sectionSynth(h); err != nil {
		return nil, err
	}

	h.OutPath = h.Config.OutPath
	return h, nil
}

// ReconstructSymbols runs S9 SymRecon against an already-built Handle. It
// is separate from Run because the caller supplies the recovered function
// table (produced by an external .eh_frame unwinder, out of this
// package's scope).
func ReconstructSymbols(h *Handle, funcs []ReconFunc) error {
	return symRecon(h, funcs)
}
