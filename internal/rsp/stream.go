package rsp

import (
	"bufio"
	"io"
	"strings"

	"github.com/amigadbg/hunkrsp/internal/rsperr"
)

// StreamReader decodes a byte stream that may interleave bare '+'/'-' acks
// with framed "$<payload>#<cc>" packets into a sequence of Packet values
// (spec §4.4). Checksum mismatches are reported through badChecksum rather
// than returned as an error: the codec logs and discards the packet, per
// spec §4.4's stated failure policy, and the caller's request serialiser
// times out if a needed reply was lost.
type StreamReader struct {
	r           *bufio.Reader
	badChecksum func(payload, want, got string)
}

// NewStreamReader wraps r. onBadChecksum may be nil.
func NewStreamReader(r io.Reader, onBadChecksum func(payload, want, got string)) *StreamReader {
	if onBadChecksum == nil {
		onBadChecksum = func(string, string, string) {}
	}

	return &StreamReader{r: bufio.NewReader(r), badChecksum: onBadChecksum}
}

// Next blocks until one ack or framed packet has been read, skipping any
// packet whose checksum does not verify (spec §4.4).
func (s *StreamReader) Next() (Packet, error) {
	for {
		b, err := s.r.ReadByte()
		if err != nil {
			return Packet{}, err
		}

		switch b {
		case '+':
			return Packet{Kind: KindPlus, Payload: "+"}, nil
		case '-':
			return Packet{Kind: KindMinus, Payload: "-"}, nil
		case '$':
			pkt, ok, err := s.readFramed()
			if err != nil {
				return Packet{}, err
			}

			if !ok {
				continue
			}

			return pkt, nil
		default:
			// Stray byte outside framing (e.g. leftover ack noise); ignore
			// and keep scanning for the next '+' / '-' / '$'.
		}
	}
}

func (s *StreamReader) readFramed() (Packet, bool, error) {
	var payload []byte

	for {
		b, err := s.r.ReadByte()
		if err != nil {
			return Packet{}, false, err
		}

		if b == '#' {
			break
		}

		payload = append(payload, b)
	}

	csum := make([]byte, 2)
	if _, err := io.ReadFull(s.r, csum); err != nil {
		return Packet{}, false, err
	}

	want := string(csum)
	got := Checksum(string(payload))

	if !equalFoldHex(want, got) {
		s.badChecksum(string(payload), want, got)

		return Packet{}, false, nil
	}

	return NewPacket(string(payload)), true, nil
}

func equalFoldHex(a, b string) bool {
	if len(a) != len(b) {
		return false
	}

	for i := range a {
		ca, cb := a[i], b[i]

		if ca >= 'A' && ca <= 'F' {
			ca += 'a' - 'A'
		}

		if cb >= 'A' && cb <= 'F' {
			cb += 'a' - 'A'
		}

		if ca != cb {
			return false
		}
	}

	return true
}

// ParseAll decodes every packet in a fully-buffered byte string, used by
// the checksum-round-trip property test (spec §8 property 1) and by
// fixtures that don't need a live stream.
func ParseAll(data string) ([]Packet, error) {
	sr := NewStreamReader(strings.NewReader(data), nil)

	var out []Packet

	for {
		pkt, err := sr.Next()
		if err == io.EOF {
			return out, nil
		}

		if err != nil {
			return out, rsperr.New(rsperr.Protocol, "", "stream ended mid-packet", nil)
		}

		out = append(out, pkt)
	}
}
