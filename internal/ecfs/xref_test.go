package ecfs

import "testing"

func TestUnderTrustedDir(t *testing.T) {
	tests := []struct {
		path string
		want bool
	}{
		{"/lib/x86_64-linux-gnu/libc.so.6", true},
		{"/lib64/ld-linux-x86-64.so.2", true},
		{"/usr/lib/libfoo.so", true},
		{"/usr/lib64/libbar.so.1", true},
		{"/usr/local/lib/libbaz.so", true},
		{"/opt/payload/evil.so", false},
		{"/home/attacker/.cache/lib.so", false},
		{"/libexec/not-really-lib/x.so", false}, // must not prefix-match without the trailing slash boundary
	}
	for _, tt := range tests {
		if got := underTrustedDir(tt.path); got != tt.want {
			t.Errorf("underTrustedDir(%q) = %v, want %v", tt.path, got, tt.want)
		}
	}
}

func TestBuildLibMappingsRecoversFileOffset(t *testing.T) {
	mem := &MemDesc{
		Mappings: []*Mapping{
			{Kind: KindSharedLib, Base: 0x7f0000000000, Size: 0x21000, Path: "/lib/x86_64-linux-gnu/libc.so.6", Perm: PermRead | PermExec},
			{Kind: KindHeap, Base: 0x1000000, Size: 0x1000},
		},
	}
	files := []FileRange{
		{Start: 0x7f0000000000, End: 0x7f0000021000, FileOffset: 0x0, Path: "/lib/x86_64-linux-gnu/libc.so.6"},
	}

	libs := buildLibMappings(mem, files, false)
	if len(libs) != 1 {
		t.Fatalf("got %d libs, want 1", len(libs))
	}
	if libs[0].Name != "libc.so.6" {
		t.Errorf("Name = %q, want %q", libs[0].Name, "libc.so.6")
	}
	if libs[0].Injected {
		t.Error("Injected should be false when heuristics is disabled")
	}
}

func TestBuildLibMappingsFlagsInjectedLibs(t *testing.T) {
	mem := &MemDesc{
		Mappings: []*Mapping{
			{Kind: KindSharedLib, Base: 0x7f0000000000, Size: 0x1000, Path: "/opt/payload/evil.so"},
			{Kind: KindSharedLib, Base: 0x7f0001000000, Size: 0x1000, Path: "/lib/x86_64-linux-gnu/libm.so.6"},
		},
	}

	libs := buildLibMappings(mem, nil, true)
	if len(libs) != 2 {
		t.Fatalf("got %d libs, want 2", len(libs))
	}
	if !libs[0].Injected {
		t.Error("/opt/payload/evil.so should be flagged Injected")
	}
	if libs[1].Injected {
		t.Error("/lib/.../libm.so.6 should not be flagged Injected")
	}
}
