package rsp

import (
	"context"
	"sync"
	"time"

	"github.com/amigadbg/hunkrsp/internal/debuglog"
	"github.com/amigadbg/hunkrsp/internal/rsperr"
)

// DefaultTimeout is the default reply deadline (spec §4.6, §5).
const DefaultTimeout = 60 * time.Second

// AsyncSink receives packets that arrive while no request is in flight
// (spec §4.6). Implementations (component C8) own the actual semantic
// parsing of STOP/SEGMENT payloads; the serialiser only classifies and
// routes. Per spec §9 "Event dispatch", the serialiser itself guarantees
// that every AsyncSink call lands on a goroutine distinct from dispatchLoop
// (see asyncDispatchLoop below) — an AsyncSink implementation may freely
// call back into Serializer.Request/Await without risking the deadlock
// that synchronous in-line dispatch would cause.
type AsyncSink interface {
	OnStop(payload string)
	OnEnd(payload string)
	OnOutput(payload string)
	OnSegments(payload string)
	OnProtocolError(err error)
}

// Serializer enforces the at-most-one-outstanding-request invariant (spec
// §4.6, §5, testable property 4/5) and demultiplexes asynchronous
// notifications to an AsyncSink. Grounded on the teacher's single-owner
// mutex idiom used throughout internal/debug/gdbserver/server.go (s.mu
// guarding all stub-visible state) generalised from server-side state
// protection to client-side wire serialisation.
type Serializer struct {
	t       *Transport
	sink    AsyncSink
	log     debuglog.Sink
	timeout time.Duration

	sendLock sync.Mutex // the single-slot request mutex (spec §4.6 step "Callers await a lock")

	waitMu  sync.Mutex
	waiting *waiter

	asyncCh chan asyncMsg
}

type waiter struct {
	predicate func(Packet) bool
	resultCh  chan Packet
}

// asyncMsg is one item queued from dispatchLoop to asyncDispatchLoop: either
// a packet to route (pkt) or a protocol error to report (err set).
type asyncMsg struct {
	pkt Packet
	err error
}

// asyncQueueDepth bounds how many async notifications may be pending
// delivery to the sink before dispatchLoop blocks feeding the queue. It only
// smooths bursts (e.g. several OUTPUT packets ahead of a STOP); it is never
// load-bearing for correctness since asyncDispatchLoop always makes
// independent forward progress on its own goroutine.
const asyncQueueDepth = 32

// NewSerializer wires t's packet stream into sink and starts the dispatch
// loop. timeout <= 0 uses DefaultTimeout.
func NewSerializer(t *Transport, sink AsyncSink, log debuglog.Sink, timeout time.Duration) *Serializer {
	if log == nil {
		log = debuglog.Discard()
	}

	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	s := &Serializer{t: t, sink: sink, log: log, timeout: timeout, asyncCh: make(chan asyncMsg, asyncQueueDepth)}

	go s.asyncDispatchLoop()
	go s.dispatchLoop()

	return s
}

// Request sends payload and, if awaitReply, blocks until a packet matching
// predicate (or any ERROR packet) arrives, the context is cancelled, or the
// timeout elapses (spec §4.6). At most one Request is ever in flight: the
// send lock is held for the full round trip, guaranteed-released on every
// exit path.
func (s *Serializer) Request(ctx context.Context, payload string, predicate func(Packet) bool, awaitReply bool) (Packet, error) {
	s.sendLock.Lock()
	defer s.sendLock.Unlock()

	var resultCh chan Packet

	if awaitReply {
		resultCh = make(chan Packet, 1)

		s.waitMu.Lock()
		s.waiting = &waiter{predicate: predicate, resultCh: resultCh}
		s.waitMu.Unlock()

		defer func() {
			s.waitMu.Lock()
			s.waiting = nil
			s.waitMu.Unlock()
		}()
	}

	if err := s.t.Write(payload); err != nil {
		return Packet{}, err
	}

	if !awaitReply {
		return Packet{}, nil
	}

	timer := time.NewTimer(s.timeout)
	defer timer.Stop()

	select {
	case pkt, ok := <-resultCh:
		if !ok {
			return Packet{}, rsperr.New(rsperr.Disconnected, "", "transport closed while request was pending", nil)
		}

		if pkt.Kind == KindError {
			return pkt, rsperr.RemoteErrorFromCode(pkt.Payload[1:])
		}

		return pkt, nil
	case <-timer.C:
		return Packet{}, rsperr.New(rsperr.Timeout, "", "no matching reply within deadline", map[string]interface{}{
			"payload": payload,
		})
	case <-ctx.Done():
		return Packet{}, rsperr.New(rsperr.Disconnected, "", "request cancelled", nil)
	}
}

// Await blocks for a packet matching predicate without sending anything
// first, used when a request was already issued out of band (the raw
// 0x03 break byte of spec §4.7, which bypasses framing entirely).
func (s *Serializer) Await(ctx context.Context, predicate func(Packet) bool) (Packet, error) {
	s.sendLock.Lock()
	defer s.sendLock.Unlock()

	resultCh := make(chan Packet, 1)

	s.waitMu.Lock()
	s.waiting = &waiter{predicate: predicate, resultCh: resultCh}
	s.waitMu.Unlock()

	defer func() {
		s.waitMu.Lock()
		s.waiting = nil
		s.waitMu.Unlock()
	}()

	timer := time.NewTimer(s.timeout)
	defer timer.Stop()

	select {
	case pkt, ok := <-resultCh:
		if !ok {
			return Packet{}, rsperr.New(rsperr.Disconnected, "", "transport closed while request was pending", nil)
		}

		if pkt.Kind == KindError {
			return pkt, rsperr.RemoteErrorFromCode(pkt.Payload[1:])
		}

		return pkt, nil
	case <-timer.C:
		return Packet{}, rsperr.New(rsperr.Timeout, "", "no matching reply within deadline", nil)
	case <-ctx.Done():
		return Packet{}, rsperr.New(rsperr.Disconnected, "", "request cancelled", nil)
	}
}

// dispatchLoop is the sole reader of the transport's packet channel: it
// either wakes the current waiter or hands the packet to asyncDispatchLoop
// for routing, preserving arrival order for both (spec §5 "Ordering
// guarantees"). It never calls into the sink directly, so it can never be
// blocked inside a consumer callback (spec §9 "Event dispatch").
func (s *Serializer) dispatchLoop() {
	for pkt := range s.t.Packets() {
		if pkt.Kind == KindPlus || pkt.Kind == KindMinus {
			if pkt.Kind == KindMinus {
				s.asyncCh <- asyncMsg{err: rsperr.New(rsperr.Protocol, "", "received MINUS from stub", nil)}
			}

			continue
		}

		s.waitMu.Lock()
		w := s.waiting
		s.waitMu.Unlock()

		if w != nil && (pkt.Kind == KindError || w.predicate == nil || w.predicate(pkt)) {
			s.waitMu.Lock()
			if s.waiting == w {
				s.waiting = nil
			}
			s.waitMu.Unlock()

			w.resultCh <- pkt

			continue
		}

		s.asyncCh <- asyncMsg{pkt: pkt}
	}

	// Transport closed: cancel any waiter still registered (spec §4.6
	// "Cancellation: closing the transport cancels any outstanding waiter
	// with Disconnected").
	s.waitMu.Lock()
	if s.waiting != nil {
		close(s.waiting.resultCh)
		s.waiting = nil
	}
	s.waitMu.Unlock()

	for err := range s.t.Errors() {
		s.asyncCh <- asyncMsg{err: err}
	}

	close(s.asyncCh)
}

// asyncDispatchLoop is the sole goroutine that ever calls into the
// AsyncSink. Running it apart from dispatchLoop is what makes the spec §9
// deferral real rather than advisory: a sink callback (e.g. EventSink.OnStop
// calling back into Debugger.ReadAllRegisters, which needs dispatchLoop to
// read the eventual reply off the wire) can block here without ever
// stalling dispatchLoop. Single goroutine, single channel: delivery order
// matches arrival order.
func (s *Serializer) asyncDispatchLoop() {
	for msg := range s.asyncCh {
		if msg.err != nil {
			s.sink.OnProtocolError(msg.err)
			continue
		}

		switch msg.pkt.Kind {
		case KindStop:
			s.sink.OnStop(msg.pkt.Payload)
		case KindEnd:
			s.sink.OnEnd(msg.pkt.Payload)
		case KindOutput:
			s.sink.OnOutput(msg.pkt.Payload)
		case KindSegment:
			s.sink.OnSegments(msg.pkt.Payload)
		default:
			s.log.Printf("rsp: unrouted packet of kind %v with no pending waiter: %q", msg.pkt.Kind, msg.pkt.Payload)
		}
	}
}
