package ecfs

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
)

// procRoot lets tests redirect the /proc reads this stage does without
// needing an actual live process; production code always uses "/proc".
var procRoot = "/proc"

// snapshot is S1: it suspends the target, reads its mapping list, resolves
// its fd table (including connected sockets), and records its executable
// path and command name, then resumes the target. The stop/continue pair
// always brackets the read even on error, per spec.md §5's "continue is
// issued even on error paths" rule.
func snapshot(pid int) (*MemDesc, error) {
	if err := suspend(pid); err != nil {
		return nil, err
	}
	mem, err := snapshotLocked(pid)
	if rerr := resume(pid); rerr != nil {
		logger.Error("failed to resume target after snapshot", "pid", pid, "err", rerr)
	}
	if err != nil {
		return nil, err
	}
	return mem, nil
}

func snapshotLocked(pid int) (*MemDesc, error) {
	exePath, err := os.Readlink(fmt.Sprintf("%s/%d/exe", procRoot, pid))
	if err != nil {
		return nil, newErr("S1 Snapshot", KindSourceUnavailable, true, "reading exe symlink for pid %d: %w", pid, err)
	}

	mapsPath := fmt.Sprintf("%s/%d/maps", procRoot, pid)
	mapsFile, err := os.Open(mapsPath)
	if err != nil {
		return nil, newErr("S1 Snapshot", KindSourceUnavailable, true, "opening %s: %w", mapsPath, err)
	}
	defer mapsFile.Close()

	pm, err := parseProcMaps(mapsFile, exePath)
	if err != nil {
		return nil, err
	}

	mem := &MemDesc{
		Pid:     pid,
		Comm:    filepath.Base(exePath),
		ExePath: exePath,
	}
	mem.Mappings = pm.mappings

	for _, m := range mem.Mappings {
		switch m.Kind {
		case KindMainExeText:
			mem.TextBase = m.Base
			mem.TextSize = m.Size
		case KindHeap:
			mem.HeapBase, mem.HeapSize = m.Base, m.Size
		case KindStack:
			mem.StackBase, mem.StackSize = m.Base, m.Size
		case KindVDSO:
			mem.VDSOBase, mem.VDSOSize = m.Base, m.Size
		case KindVsyscall:
			mem.VsyscallBase, mem.VsyscallSize = m.Base, m.Size
		}
	}

	mem.Fds, err = readFdTable(pid)
	if err != nil {
		return nil, err
	}

	readProcStatus(mem)

	return mem, nil
}

// readProcStatus fills in Uid/Gid/Ppid from /proc/<pid>/status. Failure to
// read it is not fatal: it is logged and the fields are left zero.
func readProcStatus(mem *MemDesc) {
	data, err := os.ReadFile(fmt.Sprintf("%s/%d/status", procRoot, mem.Pid))
	if err != nil {
		logger.Warn("failed to read /proc/pid/status", "pid", mem.Pid, "err", err)
		return
	}
	for _, line := range splitLines(data) {
		switch {
		case hasField(line, "PPid:"):
			fmt.Sscanf(line, "PPid:\t%d", &mem.Ppid)
		case hasField(line, "Uid:"):
			var real, effective int
			fmt.Sscanf(line, "Uid:\t%d\t%d", &real, &effective)
			mem.Uid = uint32(real)
		case hasField(line, "Gid:"):
			var real, effective int
			fmt.Sscanf(line, "Gid:\t%d\t%d", &real, &effective)
			mem.Gid = uint32(real)
		}
	}
}

func splitLines(b []byte) []string {
	var lines []string
	start := 0
	for i, c := range b {
		if c == '\n' {
			lines = append(lines, string(b[start:i]))
			start = i + 1
		}
	}
	if start < len(b) {
		lines = append(lines, string(b[start:]))
	}
	return lines
}

func hasField(line, prefix string) bool {
	return len(line) >= len(prefix) && line[:len(prefix)] == prefix
}

// readFdTable enumerates /proc/<pid>/fd, resolving each symlink and, for
// sockets, its inode's connection info via resolveSocket.
func readFdTable(pid int) ([]FdInfo, error) {
	fdDir := fmt.Sprintf("%s/%d/fd", procRoot, pid)
	entries, err := os.ReadDir(fdDir)
	if err != nil {
		return nil, newErr("S1 Snapshot", KindSourceUnavailable, true, "reading %s: %w", fdDir, err)
	}

	var out []FdInfo
	for _, ent := range entries {
		fdNum, convErr := parseFdName(ent.Name())
		if convErr != nil {
			continue
		}
		link, err := os.Readlink(filepath.Join(fdDir, ent.Name()))
		if err != nil {
			logger.Warn("failed to resolve fd symlink", "fd", fdNum, "err", err)
			continue
		}
		info := FdInfo{Fd: fdNum, Path: link}
		if inode, ok := socketInodeFromLink(link); ok {
			info.IsSocket = true
			tcp, _ := os.Open(fmt.Sprintf("%s/net/tcp", procRoot))
			udp, _ := os.Open(fmt.Sprintf("%s/net/udp", procRoot))
			proto, srcAddr, srcPort, dstAddr, dstPort, found := resolveSocket(tcp, udp, inode)
			if tcp != nil {
				tcp.Close()
			}
			if udp != nil {
				udp.Close()
			}
			if found {
				info.Net = proto
				info.SrcAddr, info.SrcPort = srcAddr, srcPort
				info.DstAddr, info.DstPort = dstAddr, dstPort
			}
		}
		out = append(out, info)
	}
	return out, nil
}

func parseFdName(name string) (int, error) {
	n := 0
	if name == "" {
		return 0, fmt.Errorf("empty fd name")
	}
	for _, c := range name {
		if c < '0' || c > '9' {
			return 0, fmt.Errorf("not numeric: %q", name)
		}
		n = n*10 + int(c-'0')
	}
	return n, nil
}

// trimmedEqual reports whether a and b are equal after trimming NUL bytes,
// used when comparing paths recovered from note descriptors.
func trimmedEqual(a, b []byte) bool {
	return bytes.Equal(bytes.TrimRight(a, "\x00"), bytes.TrimRight(b, "\x00"))
}
