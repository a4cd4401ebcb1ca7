package ecfs

import (
	"bufio"
	"fmt"
	"io"
	"path/filepath"
	"strconv"
	"strings"
)

// mapLine is one structured record parsed out of a /proc/<pid>/maps-style
// text stream, before classification. Replaces the original source's
// strstr-sniffing over the raw line (see spec.md §9's design note on
// ad-hoc string parsing) with a typed intermediate the classifier pattern
// matches over.
type mapLine struct {
	base, end Address
	perm      Perm
	shared    bool // 's' in the permission field instead of 'p'
	path      string
}

// parseMapsLine parses one line of /proc/<pid>/maps:
// "base-end perms offset dev inode path".
func parseMapsLine(line string) (mapLine, error) {
	fields := strings.Fields(line)
	if len(fields) < 5 {
		return mapLine{}, fmt.Errorf("malformed maps line %q", line)
	}
	rangeField := fields[0]
	dash := strings.IndexByte(rangeField, '-')
	if dash < 0 {
		return mapLine{}, fmt.Errorf("malformed address range %q", rangeField)
	}
	base, err := strconv.ParseUint(rangeField[:dash], 16, 64)
	if err != nil {
		return mapLine{}, fmt.Errorf("bad base address %q: %w", rangeField[:dash], err)
	}
	end, err := strconv.ParseUint(rangeField[dash+1:], 16, 64)
	if err != nil {
		return mapLine{}, fmt.Errorf("bad end address %q: %w", rangeField[dash+1:], err)
	}

	permField := fields[1]
	if len(permField) != 4 {
		return mapLine{}, fmt.Errorf("malformed perm field %q", permField)
	}
	var perm Perm
	if permField[0] == 'r' {
		perm |= PermRead
	}
	if permField[1] == 'w' {
		perm |= PermWrite
	}
	if permField[2] == 'x' {
		perm |= PermExec
	}
	shared := permField[3] == 's'

	var path string
	if len(fields) >= 6 {
		path = fields[5]
	}

	return mapLine{
		base:   Address(base),
		end:    Address(end),
		perm:   perm,
		shared: shared,
		path:   path,
	}, nil
}

// parsedMap is the result of classifying the maps stream: the ordered list
// of Mapping records, one per maps line.
type parsedMap struct {
	mappings []*Mapping
}

// parseProcMaps reads a /proc/<pid>/maps-shaped stream and classifies every
// line per the rules in spec.md §4.1, applied in order. exePath is the
// target's resolved executable path, used to recognize the main-exe
// mapping by exact path match.
func parseProcMaps(r io.Reader, exePath string) (*parsedMap, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 4096), 1<<20)

	pm := &parsedMap{}
	lc := 0
	for scanner.Scan() {
		ml, err := parseMapsLine(scanner.Text())
		if err != nil {
			return nil, newErr("S1 Snapshot", KindMalformed, true, "parsing maps line %d: %w", lc, err)
		}
		m := classifyMapLine(ml, exePath)
		pm.mappings = append(pm.mappings, m)
		lc++
	}
	if err := scanner.Err(); err != nil {
		return nil, newErr("S1 Snapshot", KindIO, true, "reading maps stream: %w", err)
	}
	return pm, nil
}

// classifyMapLine applies the classification rules in spec.md §4.1, in
// order, to one parsed line. The resulting record is always attached to
// the current line's own Mapping — never looked up by the tid parsed out
// of "[stack:TID]" — which is the REDESIGN FLAG fix for the
// stack-tid-as-index bug in the original source.
func classifyMapLine(ml mapLine, exePath string) *Mapping {
	m := &Mapping{
		Base: ml.base,
		Size: ml.end.Sub(ml.base),
		Perm: ml.perm,
		Path: ml.path,
	}

	switch {
	case ml.path != "" && ml.path == exePath && ml.perm != 0:
		if ml.perm&PermExec != 0 {
			m.Kind = KindMainExeText
		} else {
			m.Kind = KindMainExeOther
		}
	case ml.path == "[heap]":
		m.Kind = KindHeap
	case ml.path == "[stack]":
		m.Kind = KindStack
	case strings.HasPrefix(ml.path, "[stack:") && strings.HasSuffix(ml.path, "]"):
		m.Kind = KindThreadStack
		tidStr := ml.path[len("[stack:") : len(ml.path)-1]
		tid, err := strconv.Atoi(tidStr)
		if err == nil {
			m.ThreadTid = tid
		}
	case ml.path == "[vdso]":
		m.Kind = KindVDSO
	case ml.path == "[vsyscall]":
		m.Kind = KindVsyscall
	case ml.perm == 0:
		m.Kind = KindPadding
	case strings.Contains(filepath.Base(ml.path), ".so"):
		m.Kind = KindSharedLib
	case ml.path != "" && ml.perm&PermExec != 0:
		m.Kind = KindFileExe
	case ml.path != "":
		m.Kind = KindFileRegular
	case ml.perm&PermExec != 0:
		m.Kind = KindAnonExe
	default:
		m.Kind = KindUnknown
	}

	if ml.shared {
		m.Kind = KindSpecial
	}

	return m
}
