package vmm

import (
	"strings"
	"testing"
)

func TestDecodePageFault(t *testing.T) {
	specs := []struct {
		errorCode uint32
		contains  []string
	}{
		{0x0, []string{"not present", "read", "supervisor"}},
		{0x2, []string{"not present", "write", "supervisor"}},
		{0x1, []string{"protection violation", "read"}},
		{0x4, []string{"user-mode"}},
		{0x8, []string{"reserved bit set"}},
		{0x10, []string{"instruction fetch"}},
	}

	for i, spec := range specs {
		got := DecodePageFault(spec.errorCode)
		for _, want := range spec.contains {
			if !strings.Contains(got, want) {
				t.Errorf("[spec %d] expected decoded message %q to contain %q", i, got, want)
			}
		}
	}
}

func TestTranslateUnmapped(t *testing.T) {
	origDir := currentDirectory
	defer func() { currentDirectory = origDir }()

	currentDirectory = &PageDirectory{}

	if _, err := Translate(0x1234); err != ErrNotMapped {
		t.Fatalf("expected ErrNotMapped for an address with no backing table; got %v", err)
	}
}
