// Package debugger implements the debugger API and thread/stack model
// (spec §4.8–§4.9, components C8 and C9): breakpoints, memory, registers,
// step/continue/pause, stack frames, monitor commands and halt-status
// parsing, expressed in domain vocabulary on top of internal/rsp's request
// serialiser and dialect. Grounded primarily on the reference RSP client in
// the retrieval pack (delve's pkg/proc/gdbserver, for request shape and
// thread bookkeeping) and on the teacher's own stub
// (internal/debug/gdbserver/server.go, for register/memory wire encoding,
// read from the opposite end of the same protocol).
package debugger

import (
	"fmt"

	"github.com/amigadbg/hunkrsp/internal/sourcemap"
)

// BreakpointKind is the closed variant set of spec §3 ("Breakpoint"),
// modelled as a tagged union rather than a class hierarchy (spec §9
// "Discriminated variants").
type BreakpointKind int

const (
	BreakpointSource BreakpointKind = iota
	BreakpointInstruction
	BreakpointData
	BreakpointException
	BreakpointTemporary
)

// DataAccess is the access mode of a Data breakpoint, encoded on the wire
// as Z2/Z3/Z4 (spec §4.8).
type DataAccess int

const (
	AccessRead DataAccess = iota + 2
	AccessWrite
	AccessReadWrite
)

// Breakpoint is the discriminated record of spec §3. Not every field is
// meaningful for every Kind; see the per-variant doc comments on each
// constructor below.
type Breakpoint struct {
	ID   int
	Kind BreakpointKind

	// Source.
	SegmentIndex int // -1 when the breakpoint has no owning segment.
	Offset       uint32
	Condition    string
	HitCount     int
	LogMessage   string

	// Data (Address also holds the absolute address of Instruction and
	// Temporary breakpoints).
	Address uint64
	Size    uint32
	Access  DataAccess

	// Exception.
	Mask uint32

	Verified bool
}

// NewSourceBreakpoint builds a Source breakpoint: a software trap at
// segment.baseAddress + offset, or at an absolute offset when segment is
// absent (spec §3).
func NewSourceBreakpoint(id int, segmentIndex int, offset uint32, condition, logMessage string) *Breakpoint {
	return &Breakpoint{ID: id, Kind: BreakpointSource, SegmentIndex: segmentIndex, Offset: offset, Condition: condition, LogMessage: logMessage}
}

// NewInstructionBreakpoint builds an Instruction breakpoint at an absolute
// address.
func NewInstructionBreakpoint(id int, absoluteAddress uint64) *Breakpoint {
	return &Breakpoint{ID: id, Kind: BreakpointInstruction, SegmentIndex: -1, Address: absoluteAddress}
}

// NewDataBreakpoint builds a Data (watchpoint) breakpoint.
func NewDataBreakpoint(id int, address uint64, size uint32, access DataAccess) *Breakpoint {
	return &Breakpoint{ID: id, Kind: BreakpointData, SegmentIndex: -1, Address: address, Size: size, Access: access}
}

// NewExceptionBreakpoint builds an Exception breakpoint: a vector mask.
func NewExceptionBreakpoint(id int, mask uint32) *Breakpoint {
	return &Breakpoint{ID: id, Kind: BreakpointException, SegmentIndex: -1, Mask: mask}
}

// NewTemporaryBreakpoint builds a Temporary breakpoint, removed on first
// hit by the caller.
func NewTemporaryBreakpoint(id int, absoluteAddress uint64) *Breakpoint {
	return &Breakpoint{ID: id, Kind: BreakpointTemporary, SegmentIndex: -1, Address: absoluteAddress}
}

// ResolvedAddress computes the absolute address a breakpoint targets,
// given the segment table it was set against (spec §3). Source
// breakpoints without a segment are treated as already-absolute offsets.
func (b *Breakpoint) ResolvedAddress(segments []sourcemap.Segment) (uint64, error) {
	switch b.Kind {
	case BreakpointInstruction, BreakpointTemporary, BreakpointData:
		return b.Address, nil
	case BreakpointSource:
		if b.SegmentIndex < 0 {
			return uint64(b.Offset), nil
		}

		if b.SegmentIndex >= len(segments) {
			return 0, fmt.Errorf("segment index %d out of range", b.SegmentIndex)
		}

		return segments[b.SegmentIndex].BaseAddress + uint64(b.Offset), nil
	default:
		return 0, fmt.Errorf("breakpoint kind %d has no absolute address", b.Kind)
	}
}

// EncodeSet renders the Z-packet for setting this breakpoint (spec §4.8).
func (b *Breakpoint) EncodeSet(segments []sourcemap.Segment) (string, error) {
	switch b.Kind {
	case BreakpointSource, BreakpointInstruction, BreakpointTemporary:
		addr, err := b.ResolvedAddress(segments)
		if err != nil {
			return "", err
		}

		return fmt.Sprintf("Z0,%x", addr), nil
	case BreakpointData:
		return fmt.Sprintf("Z%d,%x,%x", b.Access, b.Address, b.Size), nil
	case BreakpointException:
		return fmt.Sprintf("Z1,0,0;X%x,%x", hexLen(b.Mask), b.Mask), nil
	default:
		return "", fmt.Errorf("unknown breakpoint kind %d", b.Kind)
	}
}

// EncodeRemove renders the z-packet mirroring EncodeSet.
func (b *Breakpoint) EncodeRemove(segments []sourcemap.Segment) (string, error) {
	enc, err := b.EncodeSet(segments)
	if err != nil {
		return "", err
	}

	return "z" + enc[1:], nil
}

func hexLen(v uint32) int {
	s := fmt.Sprintf("%x", v)

	return len(s) / 2
}

// ThreadState is spec §3's {Running, Stepping} enum.
type ThreadState int

const (
	ThreadRunning ThreadState = iota
	ThreadStepping
)

// SystemThread names the fixed set of Amiga system threads (spec §3).
type SystemThread int

const (
	ThreadCPU SystemThread = iota + 1
	ThreadCopper
	ThreadAudio0
	ThreadAudio1
	ThreadAudio2
	ThreadAudio3
	ThreadDisk
	ThreadSprite
	ThreadBlitter
	ThreadBitplane
)

// Thread is spec §3's Thread record.
type Thread struct {
	InternalID int
	ProcessID  int
	ThreadID   int
	State      ThreadState
}

// DisplayName maps known Amiga system thread ids to human labels (spec
// §4.9).
func (t Thread) DisplayName() string {
	switch SystemThread(t.ThreadID) {
	case ThreadCPU:
		return "cpu"
	case ThreadCopper:
		return "copper"
	case ThreadAudio0:
		return "audio 0"
	case ThreadAudio1:
		return "audio 1"
	case ThreadAudio2:
		return "audio 2"
	case ThreadAudio3:
		return "audio 3"
	case ThreadDisk:
		return "disk"
	case ThreadSprite:
		return "sprite"
	case ThreadBlitter:
		return "blitter"
	case ThreadBitplane:
		return "bit-plane"
	default:
		return fmt.Sprintf("thread %d", t.ThreadID)
	}
}

// Marshal renders the thread id for the wire, choosing p<pid>.<tid> or
// bare <tid> per the negotiated multiprocess flag (spec §3, §4.7).
func (t Thread) Marshal(multiprocess bool) string {
	if multiprocess {
		return fmt.Sprintf("p%x.%x", t.ProcessID, t.ThreadID)
	}

	return fmt.Sprintf("%x", t.ThreadID)
}

// Signal is the closed halt-signal set of spec §3.
type Signal int

const (
	SignalINT  Signal = 2
	SignalILL  Signal = 4
	SignalTRAP Signal = 5
	SignalEMT  Signal = 7
	SignalFPE  Signal = 8
	SignalBUS  Signal = 10
	SignalSEGV Signal = 11
)

// Label names a Signal, falling back to "Other(<n>)" for unrecognised
// values (spec §3).
func (s Signal) Label() string {
	switch s {
	case SignalINT:
		return "INT"
	case SignalILL:
		return "ILL"
	case SignalTRAP:
		return "TRAP"
	case SignalEMT:
		return "EMT"
	case SignalFPE:
		return "FPE"
	case SignalBUS:
		return "BUS"
	case SignalSEGV:
		return "SEGV"
	default:
		return fmt.Sprintf("Other(%d)", int(s))
	}
}

// HaltStatus is spec §3's halt-status record, parsed from a T (or, for the
// signal alone, S) reply.
type HaltStatus struct {
	Signal    Signal
	Label     string
	Registers map[int]uint32
	Thread    *Thread
}

// PCRegisterIndex is the fixed register index of the program counter
// within RegisterSet (spec §4.8: "The PC register index is 17").
const PCRegisterIndex = 17

// SRRegisterIndex is the fixed register index of the status register.
const SRRegisterIndex = 16

// RegisterCount is the flat register array length: d0..d7, a0..a7, sr, pc
// (spec §3 "RegisterSet").
const RegisterCount = 18

// RegisterSet is the flat 18x32-bit register array of spec §3, plus the
// derived status-register bitfields.
type RegisterSet struct {
	Values [RegisterCount]uint32
	SR     StatusRegister
}

// StatusRegister is the decoded MC68000 status-register bitfields (spec §3
// "RegisterSet", verified against testable property 7).
type StatusRegister struct {
	T1      bool
	T0      bool
	S       bool
	M       bool
	IntMask uint8 // 3 bits
	X       bool
	N       bool
	Z       bool
	V       bool
	C       bool
}

// DecodeSR decodes the low 16 bits of a 32-bit SR word into its named
// fields (spec §3, property 7: only the low 16 bits are defined).
func DecodeSR(sr uint32) StatusRegister {
	bit := func(n uint) bool { return sr&(1<<n) != 0 }

	return StatusRegister{
		T1:      bit(15),
		T0:      bit(14),
		S:       bit(13),
		M:       bit(12),
		IntMask: uint8((sr >> 8) & 0x7),
		X:       bit(4),
		N:       bit(3),
		Z:       bit(2),
		V:       bit(1),
		C:       bit(0),
	}
}

// StackPosition is one entry of a thread's stack (spec §4.9 "stack").
// Index -1 is the live frame; -10 names the Copper's synthetic frame.
type StackPosition struct {
	Index         int
	PC            uint64
	SegmentIndex  int // -1 when PC falls outside every known segment.
	SegmentOffset uint64
}

// CopperFrameIndex is the synthetic stack index used for the Copper's
// single pseudo-frame (spec §4.9 step 4).
const CopperFrameIndex = -10
