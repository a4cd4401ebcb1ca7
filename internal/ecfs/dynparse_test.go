package ecfs

import "testing"

func TestRelOffsetFrom(t *testing.T) {
	const textVaddr = Address(0x400000)
	const textOffset = int64(0x1000)

	tests := []struct {
		name  string
		vaddr Address
		want  Address
	}{
		{"at text start", textVaddr, Address(textOffset)},
		{"past text start", textVaddr.Add(0x200), Address(textOffset + 0x200)},
	}

	for _, tt := range tests {
		if got := textVaddr.relOffsetFrom(textOffset, tt.vaddr); got != tt.want {
			t.Errorf("%s: relOffsetFrom(%#x, %#x) = %#x, want %#x", tt.name, textOffset, tt.vaddr, got, tt.want)
		}
	}
}

func TestDynParseSkipsStaticBinaries(t *testing.T) {
	h := &Handle{Layout: Layout{DynLinked: false}}
	if err := dynParse(h); err != nil {
		t.Fatalf("dynParse on a static binary: unexpected error: %v", err)
	}
	if h.Dyn != (DynMeta{}) {
		t.Errorf("dynParse mutated Dyn for a static binary: %+v", h.Dyn)
	}
}
