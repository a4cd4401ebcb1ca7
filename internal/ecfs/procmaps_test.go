package ecfs

import (
	"strings"
	"testing"
)

func TestParseMapsLine(t *testing.T) {
	tests := []struct {
		line    string
		base    Address
		end     Address
		perm    Perm
		shared  bool
		path    string
		wantErr bool
	}{
		{
			line: "00400000-00452000 r-xp 00000000 08:02 173521 /usr/bin/dbus-daemon",
			base: 0x00400000, end: 0x00452000, perm: PermRead | PermExec, path: "/usr/bin/dbus-daemon",
		},
		{
			line: "7fff1234a000-7fff1234c000 rw-p 00000000 00:00 0  [stack]",
			base: 0x7fff1234a000, end: 0x7fff1234c000, perm: PermRead | PermWrite, path: "[stack]",
		},
		{
			line: "35b1800000-35b1820000 r--s 00000000 08:02 135522  /lib64/libc.so.6",
			base: 0x35b1800000, end: 0x35b1820000, perm: PermRead, shared: true, path: "/lib64/libc.so.6",
		},
		{line: "not a maps line", wantErr: true},
		{line: "00400000 r-xp 00000000 08:02 173521 /bin/foo", wantErr: true},
	}

	for _, tt := range tests {
		ml, err := parseMapsLine(tt.line)
		if tt.wantErr {
			if err == nil {
				t.Errorf("parseMapsLine(%q): want error, got none", tt.line)
			}
			continue
		}
		if err != nil {
			t.Fatalf("parseMapsLine(%q): unexpected error: %v", tt.line, err)
		}
		if ml.base != tt.base || ml.end != tt.end || ml.perm != tt.perm || ml.shared != tt.shared || ml.path != tt.path {
			t.Errorf("parseMapsLine(%q) = %+v, want base=%v end=%v perm=%v shared=%v path=%q",
				tt.line, ml, tt.base, tt.end, tt.perm, tt.shared, tt.path)
		}
	}
}

func TestClassifyMapLine(t *testing.T) {
	const exePath = "/opt/app/bin/server"

	tests := []struct {
		name    string
		line    string
		exePath string
		want    MappingKind
		tid     int
	}{
		{"main-exe-text", "00400000-00452000 r-xp 0 0:0 1 " + exePath, exePath, KindMainExeText, 0},
		{"main-exe-data", "00652000-00653000 rw-p 0 0:0 1 " + exePath, exePath, KindMainExeOther, 0},
		{"heap", "01000000-01021000 rw-p 0 0:0 0 [heap]", exePath, KindHeap, 0},
		{"stack", "7ffee0000000-7ffee0021000 rw-p 0 0:0 0 [stack]", exePath, KindStack, 0},
		{"thread-stack", "7f0000000000-7f0000021000 rw-p 0 0:0 0 [stack:4821]", exePath, KindThreadStack, 4821},
		{"vdso", "7ffee01fe000-7ffee0200000 r-xp 0 0:0 0 [vdso]", exePath, KindVDSO, 0},
		{"vsyscall", "ffffffffff600000-ffffffffff601000 r-xp 0 0:0 0 [vsyscall]", exePath, KindVsyscall, 0},
		{"padding", "7f1000000000-7f1000001000 ---p 0 0:0 0 ", exePath, KindPadding, 0},
		{"shared-lib", "7f2000000000-7f2000021000 r-xp 0 08:02 5 /lib/x86_64-linux-gnu/libc.so.6", exePath, KindSharedLib, 0},
		{"file-exe", "7f3000000000-7f3000021000 r-xp 0 08:02 5 /opt/app/bin/plugin", exePath, KindFileExe, 0},
		{"file-regular", "7f4000000000-7f4000021000 rw-p 0 08:02 5 /opt/app/data.bin", exePath, KindFileRegular, 0},
		{"anon-exe", "7f5000000000-7f5000021000 r-xp 0 0:0 0 ", exePath, KindAnonExe, 0},
		{"unknown", "7f6000000000-7f6000021000 rw-p 0 0:0 0 ", exePath, KindUnknown, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ml, err := parseMapsLine(tt.line)
			if err != nil {
				t.Fatalf("parseMapsLine(%q): %v", tt.line, err)
			}
			m := classifyMapLine(ml, tt.exePath)
			if m.Kind != tt.want {
				t.Errorf("classifyMapLine(%q) kind = %v, want %v", tt.line, m.Kind, tt.want)
			}
			if tt.tid != 0 && m.ThreadTid != tt.tid {
				t.Errorf("classifyMapLine(%q) tid = %d, want %d", tt.line, m.ThreadTid, tt.tid)
			}
		})
	}
}

func TestClassifyMapLineSharedOverridesKind(t *testing.T) {
	ml, err := parseMapsLine("35b1800000-35b1820000 r--s 00000000 08:02 135522  [heap]")
	if err != nil {
		t.Fatalf("parseMapsLine: %v", err)
	}
	m := classifyMapLine(ml, "/opt/app/bin/server")
	if m.Kind != KindSpecial {
		t.Errorf("shared mapping classified as %v, want KindSpecial", m.Kind)
	}
}

func TestParseProcMaps(t *testing.T) {
	const exePath = "/opt/app/bin/server"
	data := strings.Join([]string{
		"00400000-00452000 r-xp 00000000 08:02 1 " + exePath,
		"01000000-01021000 rw-p 00000000 00:00 0 [heap]",
		"7ffee0000000-7ffee0021000 rw-p 00000000 00:00 0 [stack]",
	}, "\n") + "\n"

	pm, err := parseProcMaps(strings.NewReader(data), exePath)
	if err != nil {
		t.Fatalf("parseProcMaps: %v", err)
	}
	if len(pm.mappings) != 3 {
		t.Fatalf("got %d mappings, want 3", len(pm.mappings))
	}
	if pm.mappings[0].Kind != KindMainExeText {
		t.Errorf("mappings[0].Kind = %v, want KindMainExeText", pm.mappings[0].Kind)
	}
	if pm.mappings[1].Kind != KindHeap {
		t.Errorf("mappings[1].Kind = %v, want KindHeap", pm.mappings[1].Kind)
	}
	if pm.mappings[2].Kind != KindStack {
		t.Errorf("mappings[2].Kind = %v, want KindStack", pm.mappings[2].Kind)
	}
}

func TestParseProcMapsMalformed(t *testing.T) {
	if _, err := parseProcMaps(strings.NewReader("garbage\n"), "/bin/x"); err == nil {
		t.Error("parseProcMaps on malformed input: want error, got nil")
	}
}
