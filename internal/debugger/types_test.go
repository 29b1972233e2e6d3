package debugger

import (
	"testing"

	"github.com/amigadbg/hunkrsp/internal/sourcemap"
)

func TestDecodeSR(t *testing.T) {
	sr := DecodeSR(0b0101001110010101)

	want := StatusRegister{
		T1: false, T0: true, S: false, M: true,
		IntMask: 3,
		X:       true, N: false, Z: true, V: false, C: true,
	}

	if sr != want {
		t.Fatalf("DecodeSR mismatch: got %+v, want %+v", sr, want)
	}
}

func TestBreakpoint_EncodeSet_Source(t *testing.T) {
	segments := []sourcemap.Segment{{BaseAddress: 0xaef}}
	bp := NewSourceBreakpoint(1, 0, 4, "", "")

	got, err := bp.EncodeSet(segments)
	if err != nil {
		t.Fatalf("EncodeSet: %v", err)
	}

	if got != "Z0,af3" {
		t.Fatalf("got %q, want %q", got, "Z0,af3")
	}
}

func TestBreakpoint_EncodeRemove_MirrorsSet(t *testing.T) {
	bp := NewInstructionBreakpoint(2, 0x2000)

	set, err := bp.EncodeSet(nil)
	if err != nil {
		t.Fatalf("EncodeSet: %v", err)
	}

	remove, err := bp.EncodeRemove(nil)
	if err != nil {
		t.Fatalf("EncodeRemove: %v", err)
	}

	if remove != "z"+set[1:] {
		t.Fatalf("EncodeRemove %q does not mirror EncodeSet %q", remove, set)
	}
}

func TestBreakpoint_EncodeSet_Data(t *testing.T) {
	bp := NewDataBreakpoint(3, 0x4000, 4, AccessWrite)

	got, err := bp.EncodeSet(nil)
	if err != nil {
		t.Fatalf("EncodeSet: %v", err)
	}

	if got != "Z3,4000,4" {
		t.Fatalf("got %q, want %q", got, "Z3,4000,4")
	}
}

func TestThread_DisplayNameAndMarshal(t *testing.T) {
	th := Thread{ProcessID: 1, ThreadID: 0x0f}

	if th.Marshal(false) != "f" {
		t.Fatalf("expected bare tid marshal")
	}

	if th.Marshal(true) != "p1.f" {
		t.Fatalf("expected multiprocess marshal")
	}

	cpu := Thread{ThreadID: int(ThreadCPU)}
	if cpu.DisplayName() != "cpu" {
		t.Fatalf("expected cpu display name, got %q", cpu.DisplayName())
	}
}
