package rsp

import (
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/amigadbg/hunkrsp/internal/debuglog"
	"github.com/amigadbg/hunkrsp/internal/rsperr"
)

// Transport owns one TCP stream to the stub (spec §4.5, component C5): it
// reads bytes, feeds the codec, and delivers the resulting packets on a
// channel; it writes outgoing framed packets exactly once, with no
// socket-level retry.
type Transport struct {
	conn   net.Conn
	log    debuglog.Sink
	stream *StreamReader

	packets chan Packet
	errs    chan error

	mu     sync.Mutex
	ackOn  bool
	closed bool
}

// Connect opens a TCP stream to addr (host:port) and starts the read loop.
// Capability negotiation (spec §4.7) is the caller's responsibility, via
// Dialect.Negotiate, once Connect returns.
func Connect(ctx context.Context, addr string, log debuglog.Sink) (*Transport, error) {
	if log == nil {
		log = debuglog.Discard()
	}

	var d net.Dialer

	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		if isConnRefused(err) {
			return nil, err
		}

		return nil, rsperr.New(rsperr.Disconnected, "", fmt.Sprintf("connect %s: %v", addr, err), nil)
	}

	return newTransport(conn, log), nil
}

// newTransport wraps an already-open connection, used by Connect and, in
// tests, by an in-process net.Pipe() stub.
func newTransport(conn net.Conn, log debuglog.Sink) *Transport {
	t := &Transport{
		conn:    conn,
		log:     log,
		ackOn:   true,
		packets: make(chan Packet, 64),
		errs:    make(chan error, 8),
	}

	t.stream = NewStreamReader(conn, func(payload, want, got string) {
		log.Printf("rsp: discarding packet with bad checksum (want %s got %s): %q", want, got, payload)
	})

	go t.readLoop()

	return t
}

// Packets returns the channel of successfully decoded packets.
func (t *Transport) Packets() <-chan Packet { return t.packets }

// Errors returns the channel of transport-level errors (spec §4.5: socket
// errors other than ECONNREFUSED during connect are surfaced here).
func (t *Transport) Errors() <-chan error { return t.errs }

// SetAckMode toggles whether Transport writes a bare '+' for every inbound
// framed packet, per spec §4.5 ("If the stub is in ack mode, writes '+'").
func (t *Transport) SetAckMode(on bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.ackOn = on
}

// Write frames and sends payload exactly once.
func (t *Transport) Write(payload string) error {
	_, err := t.conn.Write([]byte(Frame(payload)))
	if err != nil {
		return rsperr.New(rsperr.Disconnected, "", fmt.Sprintf("write: %v", err), nil)
	}

	return nil
}

// WriteRaw writes b with no framing, used for the last-resort 0x03 break
// byte (spec §4.7).
func (t *Transport) WriteRaw(b []byte) error {
	_, err := t.conn.Write(b)

	return err
}

// Close tears down the stream. Any pending request observes Disconnected.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()

		return nil
	}

	t.closed = true
	t.mu.Unlock()

	return t.conn.Close()
}

func (t *Transport) readLoop() {
	defer close(t.packets)
	defer close(t.errs)

	for {
		pkt, err := t.stream.Next()
		if err != nil {
			t.mu.Lock()
			closed := t.closed
			t.mu.Unlock()

			if !closed {
				t.errs <- rsperr.New(rsperr.Disconnected, "", fmt.Sprintf("read: %v", err), nil)
			}

			return
		}

		if pkt.Kind != KindPlus && pkt.Kind != KindMinus {
			t.mu.Lock()
			ackOn := t.ackOn
			t.mu.Unlock()

			if ackOn {
				if _, err := t.conn.Write([]byte("+")); err != nil {
					t.log.Printf("rsp: failed to write ack: %v", err)
				}
			}
		}

		t.packets <- pkt
	}
}
