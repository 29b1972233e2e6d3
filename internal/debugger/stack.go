package debugger

import (
	"context"

	"github.com/amigadbg/hunkrsp/internal/sourcemap"
)

// Stack implements the stack(thread) algorithm of spec §4.9: the current
// (index -1) frame is always read first; only the CPU thread has further
// frames, walked from the oldest back to the live one by repeated frame
// selection. The Copper produces a single synthetic frame, since the
// emulator has no call stack for it. Frame selection is serialised through
// frameMu (spec §5 "Shared resources": stack walking must not interleave
// with another stack walk on the same connection).
func (d *Debugger) Stack(ctx context.Context, th Thread) ([]StackPosition, error) {
	d.frameMu.Lock()
	defer d.frameMu.Unlock()

	if th.ThreadID == int(ThreadCopper) {
		return d.copperStack(ctx)
	}

	tid := d.dialect.MarshalThread(th.ProcessID, th.ThreadID)

	rs, err := d.ReadAllRegisters(ctx, tid)
	if err != nil {
		return nil, err
	}

	pc := uint64(rs.Values[PCRegisterIndex])
	segIdx, segOff := d.resolvePC(pc)

	positions := []StackPosition{{Index: -1, PC: pc, SegmentIndex: segIdx, SegmentOffset: segOff}}

	if th.ThreadID != int(ThreadCPU) {
		return positions, nil
	}

	count, err := d.FramesCount(ctx)
	if err != nil {
		return positions, err
	}

	for i := count - 1; i >= 0; i-- {
		idx, ferr := d.SelectFrame(ctx, i)
		if ferr != nil {
			d.log.Printf("debugger: select frame %d failed: %v", i, ferr)

			continue
		}

		framePC, rerr := d.ReadRegister(ctx, PCRegisterIndex)
		if rerr != nil {
			d.log.Printf("debugger: read pc for frame %d failed: %v", i, rerr)

			continue
		}

		fSegIdx, fSegOff := d.resolvePC(uint64(framePC))
		positions = append(positions, StackPosition{Index: idx, PC: uint64(framePC), SegmentIndex: fSegIdx, SegmentOffset: fSegOff})
	}

	return positions, nil
}

func (d *Debugger) copperStack(ctx context.Context) ([]StackPosition, error) {
	tid := d.dialect.MarshalThread(0, int(ThreadCopper))

	rs, err := d.ReadAllRegisters(ctx, tid)
	if err != nil {
		return nil, err
	}

	pc := uint64(rs.Values[PCRegisterIndex])
	segIdx, segOff := d.resolvePC(pc)

	return []StackPosition{{Index: CopperFrameIndex, PC: pc, SegmentIndex: segIdx, SegmentOffset: segOff}}, nil
}

// resolvePC maps an absolute PC to (segmentIndex, segmentOffset) via the
// live segment table, reporting segmentIndex -1 and the raw address as
// offset when no segment contains it (spec §4.9 "falls outside every known
// segment", signalling "disassembly required" to the adapter).
func (d *Debugger) resolvePC(pc uint64) (segmentIndex int, segmentOffset uint64) {
	idx, off, ok := sourcemap.ContainingSegment(d.Segments(), pc)
	if !ok {
		return -1, pc
	}

	return idx, off
}
