package ecfs

import "testing"

func TestAlignUp(t *testing.T) {
	tests := []struct {
		x, align, want int64
	}{
		{0, 8, 0},
		{1, 8, 8},
		{8, 8, 8},
		{9, 8, 16},
		{100, 16, 112},
		{5, 0, 5},
	}
	for _, tt := range tests {
		if got := alignUp(tt.x, tt.align); got != tt.want {
			t.Errorf("alignUp(%d, %d) = %d, want %d", tt.x, tt.align, got, tt.want)
		}
	}
}

func TestAlign4(t *testing.T) {
	tests := []struct{ x, want int }{
		{0, 0}, {1, 4}, {3, 4}, {4, 4}, {5, 8},
	}
	for _, tt := range tests {
		if got := align4(tt.x); got != tt.want {
			t.Errorf("align4(%d) = %d, want %d", tt.x, got, tt.want)
		}
	}
}

func TestShtInjectedIsDistinctFromShtShlib(t *testing.T) {
	if shtInjected == uint32(0) {
		t.Fatal("shtInjected must not be zero")
	}
	// Must not collide with any real elf.SHT_* constant range in practical use.
	if shtInjected < 0x1000 {
		t.Errorf("shtInjected = %#x, want a value offset well past real SHT_* constants", shtInjected)
	}
}
