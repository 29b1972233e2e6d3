package sourcemap

import (
	"testing"

	"github.com/amigadbg/hunkrsp/internal/hunk"
)

func gencopFixture() *hunk.Hunk {
	return &hunk.Hunk{
		Index:     0,
		Kind:      hunk.KindCode,
		MemType:   hunk.MemAny,
		AllocSize: 16,
		CodeData:  make([]byte, 16),
		Symbols: []hunk.Symbol{
			{Name: "_main", Offset: 0},
		},
		SourceFiles: []hunk.SourceFile{
			{
				Name:       "gencop.s",
				BaseOffset: 0,
				Lines: []hunk.LineEntry{
					{Line: 32, Offset: 0},
					{Line: 33, Offset: 4},
					{Line: 35, Offset: 8},
				},
			},
		},
	}
}

func TestBuild_SourceToAddress(t *testing.T) {
	sm, err := Build([]*hunk.Hunk{gencopFixture()}, []uint64{0xaef})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	loc, err := sm.LookupSourceLine("gencop.s", 32)
	if err != nil {
		t.Fatalf("LookupSourceLine(32): %v", err)
	}

	if loc.SegmentIndex != 0 || loc.SegmentOffset != 0 {
		t.Fatalf("line 32: want (0,0), got (%d,%d)", loc.SegmentIndex, loc.SegmentOffset)
	}

	loc33, err := sm.LookupSourceLine("gencop.s", 33)
	if err != nil {
		t.Fatalf("LookupSourceLine(33): %v", err)
	}

	if loc33.SegmentOffset != 4 {
		t.Fatalf("line 33: want offset 4, got %d", loc33.SegmentOffset)
	}
}

func TestBuild_AddressToSource(t *testing.T) {
	base := uint64(0xaef)

	sm, err := Build([]*hunk.Hunk{gencopFixture()}, []uint64{base})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	loc, err := sm.LookupAddress(base + 4)
	if err != nil {
		t.Fatalf("LookupAddress: %v", err)
	}

	if loc.Path != "gencop.s" || loc.Line != 33 {
		t.Fatalf("expected gencop.s:33, got %s:%d", loc.Path, loc.Line)
	}
}

func TestBuild_Bijection(t *testing.T) {
	base := uint64(0x1000)

	sm, err := Build([]*hunk.Hunk{gencopFixture()}, []uint64{base})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	for _, line := range []int{32, 33, 35} {
		loc, err := sm.LookupSourceLine("gencop.s", line)
		if err != nil {
			t.Fatalf("LookupSourceLine(%d): %v", line, err)
		}

		back, err := sm.LookupAddress(loc.Address)
		if err != nil {
			t.Fatalf("LookupAddress(%x): %v", loc.Address, err)
		}

		if back.Line != line {
			t.Fatalf("round-trip mismatch: line %d -> addr %x -> line %d", line, loc.Address, back.Line)
		}
	}
}

func TestLookupAddress_WithinWindow(t *testing.T) {
	sm, err := Build([]*hunk.Hunk{gencopFixture()}, []uint64{0})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	// 8 + 3 is within the 10-byte window of the line-35 entry at offset 8.
	loc, err := sm.LookupAddress(11)
	if err != nil {
		t.Fatalf("LookupAddress within window: %v", err)
	}

	if loc.Line != 35 {
		t.Fatalf("expected nearest line 35, got %d", loc.Line)
	}
}

func TestLookupAddress_OutsideWindowFails(t *testing.T) {
	sm, err := Build([]*hunk.Hunk{gencopFixture()}, []uint64{0})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	if _, err := sm.LookupAddress(100); err == nil {
		t.Fatalf("expected a lookup miss far outside the window")
	}
}

func TestFirstLineAtOffset(t *testing.T) {
	lines := gencopFixture().SourceFiles[0].Lines

	if line, ok := FirstLineAtOffset(lines, 4); !ok || line != 33 {
		t.Fatalf("exact match: got (%d,%v)", line, ok)
	}

	if line, ok := FirstLineAtOffset(lines, 6); !ok || line != 33 {
		t.Fatalf("between entries: got (%d,%v)", line, ok)
	}

	if _, ok := FirstLineAtOffset(lines, 0xFFFF); ok {
		t.Fatalf("offset beyond every entry: got ok=true, want not-found")
	}
}
