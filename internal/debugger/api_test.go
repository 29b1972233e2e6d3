package debugger

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/amigadbg/hunkrsp/internal/rsp"
	"github.com/amigadbg/hunkrsp/internal/sourcemap"
)

type recordingEventSink struct {
	stops        []HaltStatus
	validated    []*Breakpoint
	threadStarts []int
	errs         []error
}

func (s *recordingEventSink) OnStop(hs HaltStatus) { s.stops = append(s.stops, hs) }
func (s *recordingEventSink) OnSegments([]sourcemap.Segment)        {}
func (s *recordingEventSink) OnSegmentsUpdated([]sourcemap.Segment) {}

func (s *recordingEventSink) OnThreadStarted(id int) { s.threadStarts = append(s.threadStarts, id) }

func (s *recordingEventSink) OnBreakpointValidated(bp *Breakpoint) {
	s.validated = append(s.validated, bp)
}

func (s *recordingEventSink) OnOutput(string) {}
func (s *recordingEventSink) OnEnd()          {}
func (s *recordingEventSink) OnError(err error) { s.errs = append(s.errs, err) }

// newTestDebugger wires a Debugger over a loopback TCP connection (the rsp
// package exposes only Connect/Dial-shaped constructors, so a real listener
// stands in for the in-process pipe the rsp package's own tests use).
func newTestDebugger(t *testing.T, sm *sourcemap.SourceMap) (*Debugger, *recordingEventSink, net.Conn) {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	stubCh := make(chan net.Conn, 1)
	go func() {
		c, _ := ln.Accept()
		stubCh <- c
	}()

	tr, err := rsp.Connect(context.Background(), ln.Addr().String(), nil)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	tr.SetAckMode(false)

	stub := <-stubCh
	t.Cleanup(func() { tr.Close(); stub.Close() })

	sink := &recordingEventSink{}
	d := New(tr, rsp.NewDialect(), sm, sink, nil, time.Second)

	return d, sink, stub
}

func readRequest(t *testing.T, stub net.Conn) string {
	t.Helper()

	sr := rsp.NewStreamReader(stub, nil)

	pkt, err := sr.Next()
	if err != nil {
		t.Fatalf("reading request: %v", err)
	}

	return pkt.Payload
}

func TestParseHaltStatus_ScenarioS3(t *testing.T) {
	payload := "T05;swbreak:;thread:p01.0f;0e:00c00b00;0f:00c14e18;10:00000000;11:00c034c2;1e:00005860"

	hs, err := ParseHaltStatus(payload)
	if err != nil {
		t.Fatalf("ParseHaltStatus: %v", err)
	}

	if hs.Signal != SignalTRAP {
		t.Fatalf("expected SignalTRAP, got %v", hs.Signal)
	}

	if hs.Registers[0x11] != 0x00c034c2 {
		t.Fatalf("expected registers[0x11]=0x00c034c2, got %#x", hs.Registers[0x11])
	}

	if hs.Thread == nil || hs.Thread.ProcessID != 1 || hs.Thread.ThreadID != 0x0f {
		t.Fatalf("unexpected thread: %+v", hs.Thread)
	}
}

func TestDebugger_SetBreakpoint_ScenarioS2(t *testing.T) {
	sm, err := sourcemap.Build(nil, nil)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	sm.Segments = []sourcemap.Segment{{BaseAddress: 0xaef}}

	d, sink, stub := newTestDebugger(t, sm)

	go func() {
		req := readRequest(t, stub)
		if req != "Z0,af3" {
			t.Errorf("unexpected set-breakpoint request: %q", req)
		}

		stub.Write([]byte(rsp.Frame("OK")))
	}()

	bp := NewSourceBreakpoint(0, 0, 4, "", "")
	if err := d.SetBreakpoint(context.Background(), bp); err != nil {
		t.Fatalf("SetBreakpoint: %v", err)
	}

	if !bp.Verified {
		t.Fatalf("expected breakpoint to be verified")
	}

	if len(sink.validated) != 1 || sink.validated[0] != bp {
		t.Fatalf("expected BreakpointValidated event")
	}
}

func TestDebugger_OnStop_RoutesToEventSink(t *testing.T) {
	d, sink, stub := newTestDebugger(t, nil)
	_ = d

	stub.Write([]byte(rsp.Frame("S05")))

	deadline := time.Now().Add(time.Second)
	for len(sink.stops) == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}

	if len(sink.stops) != 1 {
		t.Fatalf("expected one routed stop event, got %d", len(sink.stops))
	}

	if sink.stops[0].Signal != SignalTRAP {
		t.Fatalf("expected TRAP signal, got %v", sink.stops[0].Signal)
	}
}

// reentrantEventSink calls back into the Debugger from OnStop, the obvious
// thing a DAP-style front-end does on a stop event (fetch registers to
// render the top frame). This only succeeds if the sink is invoked off the
// goroutine that reads the wire (spec §9 "Event dispatch").
type reentrantEventSink struct {
	d   *Debugger
	out chan *RegisterSet
}

func (s *reentrantEventSink) OnStop(HaltStatus) {
	rs, err := s.d.ReadAllRegisters(context.Background(), "")
	if err != nil {
		s.out <- nil
		return
	}

	s.out <- rs
}

func (s *reentrantEventSink) OnSegments([]sourcemap.Segment)        {}
func (s *reentrantEventSink) OnSegmentsUpdated([]sourcemap.Segment) {}
func (s *reentrantEventSink) OnThreadStarted(int)                   {}
func (s *reentrantEventSink) OnBreakpointValidated(*Breakpoint)     {}
func (s *reentrantEventSink) OnOutput(string)                       {}
func (s *reentrantEventSink) OnEnd()                                {}
func (s *reentrantEventSink) OnError(error)                         {}

func TestDebugger_OnStop_CanCallBackIntoDebuggerWithoutDeadlock(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	stubCh := make(chan net.Conn, 1)
	go func() {
		c, _ := ln.Accept()
		stubCh <- c
	}()

	tr, err := rsp.Connect(context.Background(), ln.Addr().String(), nil)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	tr.SetAckMode(false)

	stub := <-stubCh
	t.Cleanup(func() { tr.Close(); stub.Close() })

	sink := &reentrantEventSink{out: make(chan *RegisterSet, 1)}
	d := New(tr, rsp.NewDialect(), nil, sink, nil, time.Second)
	sink.d = d

	go func() {
		req := readRequest(t, stub) // the "g" issued from inside OnStop
		if req != "g" {
			t.Errorf("unexpected request from reentrant OnStop: %q", req)
		}

		var reply string
		for i := 0; i < RegisterCount; i++ {
			reply += "00000000"
		}

		stub.Write([]byte(rsp.Frame(reply)))
	}()

	stub.Write([]byte(rsp.Frame("S05")))

	select {
	case rs := <-sink.out:
		if rs == nil {
			t.Fatalf("ReadAllRegisters called from OnStop failed")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("deadlock: OnStop's reentrant Request never completed")
	}
}

func TestDebugger_ReadAllRegisters(t *testing.T) {
	d, _, stub := newTestDebugger(t, nil)

	go func() {
		req := readRequest(t, stub)
		if req != "g" {
			t.Errorf("unexpected request: %q", req)
		}

		var reply string
		for i := 0; i < RegisterCount; i++ {
			reply += "00000000"
		}

		reply = reply[:len(reply)-8] + "00c034c2" // pc in the last slot

		stub.Write([]byte(rsp.Frame(reply)))
	}()

	rs, err := d.ReadAllRegisters(context.Background(), "")
	if err != nil {
		t.Fatalf("ReadAllRegisters: %v", err)
	}

	if rs.Values[PCRegisterIndex] != 0x00c034c2 {
		t.Fatalf("expected pc register decoded, got %#x", rs.Values[PCRegisterIndex])
	}
}

func TestDebugger_Stack_CopperSyntheticFrame(t *testing.T) {
	d, _, stub := newTestDebugger(t, nil)

	go func() {
		readRequest(t, stub) // Hg<tid>

		var reply string
		for i := 0; i < RegisterCount; i++ {
			reply += "00000000"
		}

		stub.Write([]byte(rsp.Frame("OK")))

		readRequest(t, stub) // g
		stub.Write([]byte(rsp.Frame(reply)))
	}()

	th := Thread{ThreadID: int(ThreadCopper)}

	frames, err := d.Stack(context.Background(), th)
	if err != nil {
		t.Fatalf("Stack: %v", err)
	}

	if len(frames) != 1 || frames[0].Index != CopperFrameIndex {
		t.Fatalf("expected single synthetic Copper frame, got %+v", frames)
	}
}
