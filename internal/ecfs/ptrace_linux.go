//go:build linux

package ecfs

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// suspend stops the target process. spec.md treats attach/tracing as an
// external collaborator and only consumes its suspend(pid)/resume(pid)
// interface; here that interface is a plain SIGSTOP/SIGCONT, the same
// signal pair golang-debug's ptrace.go uses as its lowest-level primitive
// before any PTRACE_CONT machinery.
func suspend(pid int) error {
	if err := unix.Kill(pid, unix.SIGSTOP); err != nil {
		return newErr("S1 Snapshot", KindSourceUnavailable, true, "suspend pid %d: %w", pid, err)
	}
	return nil
}

// resume continues the target. It is called on every exit path out of the
// S1–S4 window, including error paths, so the target is never left frozen.
func resume(pid int) error {
	if err := unix.Kill(pid, unix.SIGCONT); err != nil {
		return newErr("S1 Snapshot", KindSourceUnavailable, false, "resume pid %d: %w", pid, err)
	}
	return nil
}

// readProcessMemory reads exactly len(buf) bytes from the target's address
// space at addr via /proc/<pid>/mem, the textual-maps-adjacent surface
// spec.md §4.3/§6 names as an environmental input. The target must already
// be suspended.
func readProcessMemory(pid int, addr Address, buf []byte) error {
	f, err := os.OpenFile(fmt.Sprintf("/proc/%d/mem", pid), os.O_RDONLY, 0)
	if err != nil {
		return newErr("S4 PmemRead", KindSourceUnavailable, true, "open /proc/%d/mem: %w", pid, err)
	}
	defer f.Close()

	n, err := f.ReadAt(buf, int64(addr))
	if err != nil {
		return newErr("S4 PmemRead", KindIO, true, "short read at %s: got %d of %d bytes: %w", addr, n, len(buf), err)
	}
	return nil
}
