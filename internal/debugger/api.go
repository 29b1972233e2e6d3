package debugger

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/amigadbg/hunkrsp/internal/debuglog"
	"github.com/amigadbg/hunkrsp/internal/rsp"
	"github.com/amigadbg/hunkrsp/internal/rsperr"
	"github.com/amigadbg/hunkrsp/internal/sourcemap"
)

// EventSink receives the consumer-visible events of spec §6. Spec §9
// "Event dispatch" requires emission to be deferred at least one scheduler
// tick after the triggering packet so listeners never observe the client in
// an intermediate state; rsp.Serializer enforces this itself by running its
// AsyncSink (the Debugger, below) on a dedicated asyncDispatchLoop goroutine
// distinct from the one reading the wire (see rsp/serializer.go). An
// EventSink implementation may therefore call back into the Debugger (e.g.
// ReadAllRegisters/Stack from OnStop) without deadlocking: that call runs on
// the async dispatch goroutine, never on the goroutine responsible for
// reading the matching reply off the wire.
type EventSink interface {
	OnStop(HaltStatus)
	OnSegments(segments []sourcemap.Segment)
	OnSegmentsUpdated(segments []sourcemap.Segment)
	OnThreadStarted(threadID int)
	OnBreakpointValidated(bp *Breakpoint)
	OnOutput(text string)
	OnEnd()
	OnError(err error)
}

// Debugger is the typed API of spec §4.8/§4.9 (components C8, C9), built
// on top of an rsp.Serializer and rsp.Dialect. One Debugger owns one
// connection; all state here is either append-only or guarded by mu/
// frameMu, per spec §5 "Shared resources".
type Debugger struct {
	ser       *rsp.Serializer
	dialect   *rsp.Dialect
	transport *rsp.Transport
	sourceMap *sourcemap.SourceMap
	sink      EventSink
	log       debuglog.Sink

	mu             sync.Mutex
	breakpoints    map[int]*Breakpoint
	nextBPID       int
	segments       []sourcemap.Segment
	offsetSegments []sourcemap.Segment // qOffsets-derived fallback bases (spec §3 "Segment (runtime)")
	currentThread  *Thread
	bookkeeping    *threadBookkeeping

	frameMu sync.Mutex // dedicated frame-selection lock (spec §4.9 step 1)
}

// New builds a Debugger and the rsp.Serializer that drives it: the
// Debugger is itself the serialiser's AsyncSink (OnStop/OnEnd/OnOutput/
// OnSegments/OnProtocolError below), so construction order is
// transport/dialect first, then Debugger, then the serialiser wired back
// into it, all before any request is issued. timeout <= 0 uses
// rsp.DefaultTimeout. Negotiate must be called on dialect (via Serializer)
// before the Debugger is used for anything beyond construction.
func New(transport *rsp.Transport, dialect *rsp.Dialect, sm *sourcemap.SourceMap, sink EventSink, log debuglog.Sink, timeout time.Duration) *Debugger {
	if log == nil {
		log = debuglog.Discard()
	}

	d := &Debugger{
		dialect:     dialect,
		transport:   transport,
		sourceMap:   sm,
		sink:        sink,
		log:         log,
		breakpoints: make(map[int]*Breakpoint),
	}

	d.ser = rsp.NewSerializer(transport, d, log, timeout)

	return d
}

// Serializer exposes the underlying request serialiser, e.g. for
// Dialect.Negotiate.
func (d *Debugger) Serializer() *rsp.Serializer { return d.ser }

// AsyncSink implementation: the Debugger is the rsp.Serializer's
// asynchronous event demultiplexing target (spec §4.6).

func (d *Debugger) OnStop(payload string) {
	hs, err := ParseHaltStatus(payload)
	if err != nil {
		d.log.Printf("debugger: failed to parse stop packet %q: %v", payload, err)

		return
	}

	d.sink.OnStop(*hs)
}

func (d *Debugger) OnEnd(string) {
	d.sink.OnEnd()
}

func (d *Debugger) OnOutput(payload string) {
	text, ok := decodeOutputPacket(payload)
	if !ok {
		return
	}

	d.sink.OnOutput(text)
}

func (d *Debugger) OnSegments(payload string) {
	segs, err := parseSegmentPacket(payload)
	if err != nil {
		d.log.Printf("debugger: failed to parse segment packet %q: %v", payload, err)

		return
	}

	d.mu.Lock()
	d.segments = segs
	d.mu.Unlock()

	d.sink.OnSegmentsUpdated(segs)
}

func (d *Debugger) OnProtocolError(err error) {
	d.sink.OnError(err)
}

// decodeOutputPacket hex-decodes an O<hex> payload and applies the DBG:/
// PRF: prefix policy of spec §4.6.
func decodeOutputPacket(payload string) (string, bool) {
	if len(payload) < 1 || payload[0] != 'O' {
		return "", false
	}

	raw, err := hexDecodeString(payload[1:])
	if err != nil {
		return "", false
	}

	switch {
	case strings.HasPrefix(raw, "DBG: "):
		return strings.TrimPrefix(raw, "DBG: "), true
	case strings.HasPrefix(raw, "PRF: "):
		return "", false
	default:
		return raw, true
	}
}

// parseSegmentPacket parses an "AS<addr>;<size>;<addr>;<size>;..." payload
// (spec §4.6 "SEGMENT").
func parseSegmentPacket(payload string) ([]sourcemap.Segment, error) {
	body := strings.TrimPrefix(payload, "AS")
	body = strings.Trim(body, ";")

	if body == "" {
		return nil, nil
	}

	fields := strings.Split(body, ";")
	if len(fields)%2 != 0 {
		return nil, rsperr.New(rsperr.Protocol, "", "malformed SEGMENT packet: odd field count", nil)
	}

	segs := make([]sourcemap.Segment, 0, len(fields)/2)

	for i := 0; i < len(fields); i += 2 {
		addr, err := strconv.ParseUint(fields[i], 16, 64)
		if err != nil {
			return nil, rsperr.New(rsperr.Protocol, "", "malformed SEGMENT address", nil)
		}

		size, err := strconv.ParseUint(fields[i+1], 16, 32)
		if err != nil {
			return nil, rsperr.New(rsperr.Protocol, "", "malformed SEGMENT size", nil)
		}

		segs = append(segs, sourcemap.Segment{BaseAddress: addr, Size: uint32(size)})
	}

	return segs, nil
}

// ParseHaltStatus parses a T (or S) reply into a HaltStatus (spec §4.8
// "Parsing of T replies", verified against scenario S3).
func ParseHaltStatus(payload string) (*HaltStatus, error) {
	if len(payload) < 3 {
		return nil, rsperr.New(rsperr.Protocol, "", "stop packet too short", nil)
	}

	sigVal, err := strconv.ParseUint(payload[1:3], 16, 8)
	if err != nil {
		return nil, rsperr.New(rsperr.Protocol, "", "malformed signal in stop packet", nil)
	}

	sig := Signal(sigVal)

	hs := &HaltStatus{Signal: sig, Label: sig.Label(), Registers: map[int]uint32{}}

	if payload[0] == 'S' {
		return hs, nil
	}

	rest := payload[3:]
	rest = strings.TrimSuffix(rest, ";")

	if rest == "" {
		return hs, nil
	}

	for _, entry := range strings.Split(rest, ";") {
		if entry == "" {
			continue
		}

		key, value, ok := strings.Cut(entry, ":")
		if !ok {
			continue
		}

		if key == "thread" {
			pid, tid, perr := parseNativeThreadID(value)
			if perr == nil {
				hs.Thread = &Thread{ProcessID: pid, ThreadID: tid}
			}

			continue
		}

		regIdx, err1 := strconv.ParseUint(key, 16, 32)
		regVal, err2 := strconv.ParseUint(value, 16, 32)

		if err1 == nil && err2 == nil {
			hs.Registers[int(regIdx)] = uint32(regVal)
		}
	}

	return hs, nil
}

// parseNativeThreadID parses a native thread id in either "p<pid>.<tid>"
// or bare "<tid>" hex form (the receiving side of the marshalling
// convention grounded on delve's threadUpdater.Add, which strips the same
// prefix before parsing the numeric id).
func parseNativeThreadID(s string) (pid, tid int, err error) {
	if p, t, found := strings.Cut(s, "."); found {
		pidVal, perr := strconv.ParseUint(p[1:], 16, 32)
		if perr != nil {
			return 0, 0, perr
		}

		tidVal, terr := strconv.ParseUint(t, 16, 32)
		if terr != nil {
			return 0, 0, terr
		}

		return int(pidVal), int(tidVal), nil
	}

	tidVal, terr := strconv.ParseUint(s, 16, 32)
	if terr != nil {
		return 0, 0, terr
	}

	return 0, int(tidVal), nil
}

// --- Breakpoints (spec §4.8) ---

// SetBreakpoint allocates an id, sends the Z-packet, and on OK marks the
// breakpoint verified and emits BreakpointValidated.
func (d *Debugger) SetBreakpoint(ctx context.Context, bp *Breakpoint) error {
	segs := d.Segments()

	payload, err := bp.EncodeSet(segs)
	if err != nil {
		return err
	}

	if _, err := d.ser.Request(ctx, payload, func(p rsp.Packet) bool { return p.Kind == rsp.KindOK }, true); err != nil {
		return err
	}

	bp.Verified = true

	d.mu.Lock()
	if bp.ID == 0 {
		d.nextBPID++
		bp.ID = d.nextBPID
	}

	d.breakpoints[bp.ID] = bp
	d.mu.Unlock()

	d.sink.OnBreakpointValidated(bp)

	return nil
}

// RemoveBreakpoint mirrors SetBreakpoint with a z-packet.
func (d *Debugger) RemoveBreakpoint(ctx context.Context, bp *Breakpoint) error {
	payload, err := bp.EncodeRemove(d.Segments())
	if err != nil {
		return err
	}

	if _, err := d.ser.Request(ctx, payload, func(p rsp.Packet) bool { return p.Kind == rsp.KindOK }, true); err != nil {
		return err
	}

	d.mu.Lock()
	delete(d.breakpoints, bp.ID)
	d.mu.Unlock()

	return nil
}

// Segments returns the live segment table (spec §5: read-only after
// connection setup / program load, so no lock is needed by callers that
// only read the returned slice). Bases are sourced in the priority order
// spec §3 "Segment (runtime)" describes: an unsolicited AS… packet
// (d.segments) wins once one has arrived; failing that, the qOffsets
// fallback recorded by QueryOffsets; failing that, the parse-time
// placeholder bases the caller supplied to sourcemap.Build.
func (d *Debugger) Segments() []sourcemap.Segment {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.segments != nil {
		return d.segments
	}

	if d.offsetSegments != nil {
		return d.offsetSegments
	}

	if d.sourceMap != nil {
		return d.sourceMap.Segments
	}

	return nil
}

// Continue resumes tid. No reply is awaited: the next stop is asynchronous
// (spec §4.8).
func (d *Debugger) Continue(ctx context.Context, tid string) error {
	return d.sendResumeSequence(ctx, d.dialect.ContinuePackets(tid))
}

// StepIn single-steps tid and waits for the resulting STOP.
func (d *Debugger) StepIn(ctx context.Context, tid string) (*HaltStatus, error) {
	return d.resumeAndAwaitStop(ctx, d.dialect.StepInPackets(tid))
}

// StepRange steps tid until its PC leaves [start, end) and waits for STOP.
func (d *Debugger) StepRange(ctx context.Context, tid string, start, end uint64) (*HaltStatus, error) {
	return d.resumeAndAwaitStop(ctx, d.dialect.StepRangePackets(tid, start, end))
}

// Pause requests a stop and waits for STOP.
func (d *Debugger) Pause(ctx context.Context, tid string) (*HaltStatus, error) {
	payload, raw := d.dialect.PauseCommand(tid)
	if raw {
		if err := d.transport.WriteRaw([]byte{rsp.RawBreakByte}); err != nil {
			return nil, err
		}

		return d.awaitStop(ctx)
	}

	return d.resumeAndAwaitStop(ctx, []string{payload})
}

// sendResumeSequence writes each packet in order without awaiting a
// matching reply (the Hc/c and Hc/s legacy pairs of spec §4.7 only
// acknowledge with the eventual asynchronous stop, not a per-packet OK).
func (d *Debugger) sendResumeSequence(ctx context.Context, packets []string) error {
	for _, p := range packets {
		if _, err := d.ser.Request(ctx, p, func(rsp.Packet) bool { return true }, false); err != nil {
			return err
		}
	}

	return nil
}

func (d *Debugger) resumeAndAwaitStop(ctx context.Context, packets []string) (*HaltStatus, error) {
	if len(packets) > 1 {
		if _, err := d.ser.Request(ctx, packets[0], func(rsp.Packet) bool { return true }, false); err != nil {
			return nil, err
		}

		packets = packets[1:]
	}

	pkt, err := d.ser.Request(ctx, packets[0], func(p rsp.Packet) bool { return p.Kind == rsp.KindStop }, true)
	if err != nil {
		return nil, err
	}

	return ParseHaltStatus(pkt.Payload)
}

func (d *Debugger) awaitStop(ctx context.Context) (*HaltStatus, error) {
	pkt, err := d.ser.Await(ctx, func(p rsp.Packet) bool { return p.Kind == rsp.KindStop })
	if err != nil {
		return nil, err
	}

	return ParseHaltStatus(pkt.Payload)
}

// ReadMemory reads len bytes at addr and returns raw hex (spec §4.8 "m").
func (d *Debugger) ReadMemory(ctx context.Context, addr uint64, length uint32) (string, error) {
	payload := fmt.Sprintf("m%x,%x", addr, length)

	pkt, err := d.ser.Request(ctx, payload, func(p rsp.Packet) bool { return p.Kind != rsp.KindError }, true)
	if err != nil {
		return "", err
	}

	return pkt.Payload, nil
}

// WriteMemory writes hexPayload (already hex-encoded bytes) at addr (spec
// §4.8 "M").
func (d *Debugger) WriteMemory(ctx context.Context, addr uint64, hexPayload string) error {
	size := (len(hexPayload) + 1) / 2
	payload := fmt.Sprintf("M%x,%x:%s", addr, size, hexPayload)

	_, err := d.ser.Request(ctx, payload, func(p rsp.Packet) bool { return p.Kind == rsp.KindOK }, true)

	return err
}

// ReadAllRegisters issues "g" (or "Hg<tid>" first, when tid != "").
func (d *Debugger) ReadAllRegisters(ctx context.Context, tid string) (*RegisterSet, error) {
	if tid != "" {
		if _, err := d.ser.Request(ctx, "Hg"+tid, func(rsp.Packet) bool { return true }, true); err != nil {
			return nil, err
		}
	}

	pkt, err := d.ser.Request(ctx, "g", func(p rsp.Packet) bool { return p.Kind != rsp.KindError }, true)
	if err != nil {
		return nil, err
	}

	return decodeRegisterSet(pkt.Payload)
}

func decodeRegisterSet(hexPayload string) (*RegisterSet, error) {
	const wordHex = 8

	if len(hexPayload) < wordHex*RegisterCount {
		return nil, rsperr.New(rsperr.Protocol, "", "register payload too short", nil)
	}

	rs := &RegisterSet{}

	for i := 0; i < RegisterCount; i++ {
		word := hexPayload[i*wordHex : (i+1)*wordHex]

		v, err := strconv.ParseUint(word, 16, 32)
		if err != nil {
			return nil, rsperr.New(rsperr.Protocol, "", "malformed register field", nil)
		}

		rs.Values[i] = uint32(v)
	}

	rs.SR = DecodeSR(rs.Values[SRRegisterIndex])

	return rs, nil
}

// ReadRegister issues "p<hex regIndex>".
func (d *Debugger) ReadRegister(ctx context.Context, index int) (uint32, error) {
	pkt, err := d.ser.Request(ctx, fmt.Sprintf("p%x", index), func(p rsp.Packet) bool { return p.Kind != rsp.KindError }, true)
	if err != nil {
		return 0, err
	}

	v, perr := strconv.ParseUint(pkt.Payload, 16, 32)
	if perr != nil {
		return 0, rsperr.New(rsperr.Protocol, "", "malformed register reply", nil)
	}

	return uint32(v), nil
}

// WriteRegister issues "P<hex regIndex>=<hex value>". value must be 1-8
// hex digits (spec §4.8, §7 Argument errors).
func (d *Debugger) WriteRegister(ctx context.Context, index int, value uint32) error {
	hexVal := fmt.Sprintf("%x", value)
	if len(hexVal) > 8 {
		return rsperr.New(rsperr.Argument, "", "register value exceeds 8 hex digits", nil)
	}

	payload := fmt.Sprintf("P%x=%s", index, hexVal)

	_, err := d.ser.Request(ctx, payload, func(p rsp.Packet) bool { return p.Kind == rsp.KindOK }, true)

	return err
}

// SelectFrame issues "QTFrame:<hex index>" and returns the selected index,
// or -1 when the stub replies F-1 ("no frame").
func (d *Debugger) SelectFrame(ctx context.Context, index int) (int, error) {
	payload := fmt.Sprintf("QTFrame:%x", index)

	pkt, err := d.ser.Request(ctx, payload, func(p rsp.Packet) bool { return p.Kind == rsp.KindFrame }, true)
	if err != nil {
		return 0, err
	}

	return parseFrameReply(pkt.Payload)
}

func parseFrameReply(payload string) (int, error) {
	body := strings.TrimPrefix(payload, "F")
	if i := strings.IndexByte(body, 'T'); i >= 0 {
		body = body[:i]
	}

	n, err := strconv.ParseInt(body, 16, 32)
	if err != nil {
		return 0, rsperr.New(rsperr.Protocol, "", "malformed frame reply", nil)
	}

	return int(n), nil
}

// FramesCount issues "qTStatus" and parses the "tframes:<hex>" field,
// defaulting to 1 when absent (spec §4.8).
func (d *Debugger) FramesCount(ctx context.Context) (int, error) {
	pkt, err := d.ser.Request(ctx, "qTStatus", func(p rsp.Packet) bool { return true }, true)
	if err != nil {
		return 0, err
	}

	for _, field := range strings.Split(pkt.Payload, ";") {
		if v, ok := strings.CutPrefix(field, "tframes:"); ok {
			n, err := strconv.ParseInt(v, 16, 32)
			if err != nil {
				return 0, rsperr.New(rsperr.Protocol, "", "malformed tframes field", nil)
			}

			return int(n), nil
		}
	}

	return 1, nil
}

// ThreadList issues "qfThreadInfo" and parses the "m<id>[,<id>]*l" reply.
func (d *Debugger) ThreadList(ctx context.Context) ([]Thread, error) {
	pkt, err := d.ser.Request(ctx, "qfThreadInfo", func(p rsp.Packet) bool { return true }, true)
	if err != nil {
		return nil, err
	}

	body := strings.TrimPrefix(pkt.Payload, "m")
	body = strings.TrimSuffix(body, "l")

	if body == "" {
		return nil, nil
	}

	var threads []Thread

	for i, idStr := range strings.Split(body, ",") {
		pid, tid, perr := parseNativeThreadID(idStr)
		if perr != nil {
			continue
		}

		threads = append(threads, Thread{InternalID: i, ProcessID: pid, ThreadID: tid})
	}

	return threads, nil
}

// Monitor issues a qRcmd,<hex-of-ASCII> monitor command. The reply is
// itself hex-encoded ASCII text per the qRcmd convention (grounded on the
// teacher's qThreadExtraInfo hex-encoding in
// internal/debug/gdbserver/server.go); an OK or empty reply carries no text
// and is returned as-is, and an E<hh> reply is returned as a RemoteError.
func (d *Debugger) Monitor(ctx context.Context, command string) (string, error) {
	payload := "qRcmd," + hexEncodeString(command)

	pkt, err := d.ser.Request(ctx, payload, func(rsp.Packet) bool { return true }, true)
	if err != nil {
		return "", err
	}

	if pkt.Payload == "OK" || pkt.Payload == "" {
		return pkt.Payload, nil
	}

	text, derr := hexDecodeString(pkt.Payload)
	if derr != nil {
		return pkt.Payload, nil
	}

	return text, nil
}

// HaltStatusQuery issues "?" and parses the reply (spec §4.8).
func (d *Debugger) HaltStatusQuery(ctx context.Context) (*HaltStatus, error) {
	pkt, err := d.ser.Request(ctx, "?", func(rsp.Packet) bool { return true }, true)
	if err != nil {
		return nil, err
	}

	return ParseHaltStatus(pkt.Payload)
}
