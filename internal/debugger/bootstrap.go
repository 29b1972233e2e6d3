package debugger

import (
	"context"
	"strconv"
	"strings"

	"github.com/amigadbg/hunkrsp/internal/hunk"
	"github.com/amigadbg/hunkrsp/internal/rsp"
	"github.com/amigadbg/hunkrsp/internal/sourcemap"
)

// Bootstrap runs the best-effort startup queries of spec §3 "Segment
// (runtime)" / the qC/qOffsets passthrough (SPEC_FULL.md
// "Supplemented features"): qOffsets for a real runtime segment-base
// fallback, and qC to seed a default current thread, both ahead of the
// first AS… packet or stop. Call it once after Dialect.Negotiate. Neither
// query is mandatory on every stub (some gdbserver-alikes reply with an
// empty or E01 answer); failures are logged and otherwise ignored, mirroring
// the tolerant style of HaltStatusQuery's caller in cmd/hunkdbg.
func (d *Debugger) Bootstrap(ctx context.Context) {
	if _, err := d.QueryOffsets(ctx); err != nil {
		d.log.Printf("debugger: qOffsets failed (continuing with placeholder bases): %v", err)
	}

	if _, err := d.QueryCurrentThread(ctx); err != nil {
		d.log.Printf("debugger: qC failed (continuing without a default thread): %v", err)
	}
}

// QueryOffsets issues "qOffsets" and parses a "Text=<hex>;Data=<hex>;Bss=<hex>"
// reply (spec.md:220, spec.md:36) into per-kind base addresses. When a
// source map was supplied at construction, it rebases a copy of the
// source map's segments by kind and records the result as the fallback
// Segments() falls back to until an AS… packet arrives (see Segments).
func (d *Debugger) QueryOffsets(ctx context.Context) (map[string]uint64, error) {
	pkt, err := d.ser.Request(ctx, "qOffsets", func(rsp.Packet) bool { return true }, true)
	if err != nil {
		return nil, err
	}

	offsets := parseOffsetsReply(pkt.Payload)

	if len(offsets) == 0 {
		return offsets, nil
	}

	d.mu.Lock()
	if d.sourceMap != nil {
		d.offsetSegments = rebaseSegmentsByKind(d.sourceMap.Segments, offsets)
	}
	d.mu.Unlock()

	return offsets, nil
}

// parseOffsetsReply parses the semicolon-separated "Name=hexvalue" fields
// of a qOffsets reply, keyed by the lower-cased field name. Only the
// Text/Data/Bss names are used for rebasing; other names such as TextSeg
// are kept in the map under their own lower-cased key.
func parseOffsetsReply(payload string) map[string]uint64 {
	out := make(map[string]uint64)

	for _, field := range strings.Split(payload, ";") {
		field = strings.TrimSpace(field)
		if field == "" {
			continue
		}

		key, value, ok := strings.Cut(field, "=")
		if !ok {
			continue
		}

		v, err := strconv.ParseUint(strings.TrimSpace(value), 16, 64)
		if err != nil {
			continue
		}

		out[strings.ToLower(strings.TrimSpace(key))] = v
	}

	return out
}

// rebaseSegmentsByKind returns a copy of segs with BaseAddress overridden
// for every segment whose Kind has a matching qOffsets field: Text for
// KindCode, Data for KindData, Bss for KindBSS. Segments whose kind has no
// matching field keep their original (placeholder) base.
func rebaseSegmentsByKind(segs []sourcemap.Segment, offsets map[string]uint64) []sourcemap.Segment {
	out := make([]sourcemap.Segment, len(segs))
	copy(out, segs)

	for i, seg := range out {
		var key string

		switch seg.Kind {
		case hunk.KindCode:
			key = "text"
		case hunk.KindData:
			key = "data"
		case hunk.KindBSS:
			key = "bss"
		}

		if key == "" {
			continue
		}

		if base, ok := offsets[key]; ok {
			out[i].BaseAddress = base
		}
	}

	return out
}

// QueryCurrentThread issues "qC" and parses a "QC<tid>" reply (optionally
// "QCp<pid>.<tid>") into a default current Thread, stored for
// CurrentThread to return before any stop has been observed (grounded on
// delve's loadProcessInfo/updateThreadList playing the same client-side
// role per SPEC_FULL.md's supplemented features).
func (d *Debugger) QueryCurrentThread(ctx context.Context) (*Thread, error) {
	pkt, err := d.ser.Request(ctx, "qC", func(rsp.Packet) bool { return true }, true)
	if err != nil {
		return nil, err
	}

	body := strings.TrimPrefix(pkt.Payload, "QC")

	pid, tid, perr := parseNativeThreadID(body)
	if perr != nil {
		return nil, perr
	}

	th := &Thread{ProcessID: pid, ThreadID: tid}

	d.mu.Lock()
	d.currentThread = th
	d.mu.Unlock()

	return th, nil
}

// CurrentThread returns the thread last reported by QueryCurrentThread (or
// nil if it was never called or failed).
func (d *Debugger) CurrentThread() *Thread {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.currentThread
}
