package ecfs

import (
	"errors"
	"strings"
	"testing"
)

func TestNewErrUnwrap(t *testing.T) {
	sentinel := errors.New("boom")
	e := newErr("S2 CoreLoad", KindSourceUnavailable, true, "opening core: %w", sentinel)

	if !errors.Is(e, sentinel) {
		t.Errorf("errors.Is(e, sentinel) = false, want true")
	}
	if e.Stage != "S2 CoreLoad" {
		t.Errorf("Stage = %q, want %q", e.Stage, "S2 CoreLoad")
	}
	if e.Kind != KindSourceUnavailable {
		t.Errorf("Kind = %v, want KindSourceUnavailable", e.Kind)
	}
	if !e.Fatal {
		t.Error("Fatal = false, want true")
	}
}

func TestKindString(t *testing.T) {
	tests := []struct {
		k    Kind
		want string
	}{
		{KindSourceUnavailable, "source-unavailable"},
		{KindMalformed, "malformed"},
		{KindInconsistent, "inconsistent"},
		{KindIO, "io"},
		{KindUnknown, "unknown"},
		{Kind(99), "?"},
	}
	for _, tt := range tests {
		if got := tt.k.String(); got != tt.want {
			t.Errorf("Kind(%d).String() = %q, want %q", tt.k, got, tt.want)
		}
	}
}

func TestErrorMessageIncludesStageAndKind(t *testing.T) {
	e := newErr("S6 XRef", KindInconsistent, false, "no mapping for phdr at %#x", 0x1000)
	msg := e.Error()
	if !strings.Contains(msg, "S6 XRef") || !strings.Contains(msg, "inconsistent") {
		t.Errorf("Error() = %q, want it to mention stage and kind", msg)
	}
}
