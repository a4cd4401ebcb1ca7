package ecfs

import "testing"

func TestHexAddr(t *testing.T) {
	tests := []struct {
		a    Address
		want string
	}{
		{0, "0"},
		{0xf, "f"},
		{0x400000, "400000"},
		{0xdeadbeef, "deadbeef"},
	}
	for _, tt := range tests {
		if got := hexAddr(tt.a); got != tt.want {
			t.Errorf("hexAddr(%#x) = %q, want %q", tt.a, got, tt.want)
		}
	}
}

func TestSymReconNoopOnEmptyFuncs(t *testing.T) {
	h := &Handle{}
	if err := symRecon(h, nil); err != nil {
		t.Errorf("symRecon with no funcs: unexpected error: %v", err)
	}
}

func TestSymReconRequiresSectionSynthFirst(t *testing.T) {
	h := &Handle{}
	err := symRecon(h, []ReconFunc{{Addr: 0x401000, Size: 0x20}})
	if err == nil {
		t.Fatal("symRecon with nil Out: want error, got nil")
	}
	ferr, ok := err.(*Error)
	if !ok {
		t.Fatalf("error type = %T, want *Error", err)
	}
	if ferr.Kind != KindInconsistent || !ferr.Fatal {
		t.Errorf("error = %+v, want fatal KindInconsistent", ferr)
	}
}
