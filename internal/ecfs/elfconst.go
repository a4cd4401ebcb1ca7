package ecfs

import "debug/elf"

// Note types not defined in debug/elf (it only carries the generic
// prstatus/fpregset/prpsinfo trio). golang-debug's internal/core/process.go
// defines NT_FILE the same way, as a raw elf.NType cast.
const (
	ntFile  elf.NType = 0x46494c45
	ntAuxv  elf.NType = 0x6
	ntSigInfo elf.NType = 0x53494749
)

// page size assumed throughout the pipeline; spec.md §4.7 and §4.3 both
// depend on this being the host's page size, which on every Linux arch
// this package supports is 4096.
const pageSize = 4096

func alignUp(x, align int64) int64 {
	if align == 0 {
		return x
	}
	return (x + align - 1) &^ (align - 1)
}

func align4(x int) int {
	return (x + 3) &^ 3
}

// shtInjected tags a per-library section whose LibMapping was flagged
// anomalous by the heuristics pass. SHT_SHLIB (10) is the reserved,
// purpose-unspecified type used for every other per-library section, per
// spec.md §4.8.
const shtInjected = uint32(elf.SHT_SHLIB) + 0x1000
