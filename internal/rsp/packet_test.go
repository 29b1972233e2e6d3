package rsp

import (
	"strings"
	"testing"
)

func TestChecksum(t *testing.T) {
	cases := map[string]string{
		"QStartNoAckMode": "b0",
		"OK":              "9a",
		"":                "00",
	}

	for payload, want := range cases {
		if got := Checksum(payload); got != want {
			t.Fatalf("Checksum(%q) = %q, want %q", payload, got, want)
		}
	}
}

func TestFrameRoundTrip(t *testing.T) {
	payloads := []string{"", "OK", "qSupported:multiprocess+", "T05;thread:p01.0f;"}

	for _, p := range payloads {
		framed := Frame(p)

		pkts, err := ParseAll(framed)
		if err != nil {
			t.Fatalf("ParseAll(%q): %v", framed, err)
		}

		if len(pkts) != 1 {
			t.Fatalf("expected exactly 1 packet for %q, got %d", framed, len(pkts))
		}

		if pkts[0].Payload != p {
			t.Fatalf("round trip mismatch: got %q, want %q", pkts[0].Payload, p)
		}
	}
}

func TestClassify(t *testing.T) {
	cases := []struct {
		payload string
		want    Kind
	}{
		{"OK", KindOK},
		{"AS1000;200;", KindSegment},
		{"E02", KindError},
		{"F-1", KindFrame},
		{"W00", KindEnd},
		{"Oaabbcc", KindOutput},
		{"T05tframes:3;", KindQtStatus},
		{"S05", KindStop},
		{"T05;thread:1;", KindStop},
		{"Te0;", KindUnknown},
		{"zzz", KindUnknown},
	}

	for _, c := range cases {
		if got := Classify(c.payload); got != c.want {
			t.Fatalf("Classify(%q) = %v, want %v", c.payload, got, c.want)
		}
	}
}

func TestNewPacket_StripsNotificationPrefix(t *testing.T) {
	pkt := NewPacket("%Stop:T05;")
	if !pkt.IsNotification {
		t.Fatalf("expected IsNotification true")
	}

	if pkt.Payload != "T05;" {
		t.Fatalf("expected prefix stripped, got %q", pkt.Payload)
	}
}

func TestParseAll_InterleavedAcksAndPackets(t *testing.T) {
	stream := "+" + Frame("OK") + "-" + Frame("S05")

	pkts, err := ParseAll(stream)
	if err != nil {
		t.Fatalf("ParseAll: %v", err)
	}

	if len(pkts) != 4 {
		t.Fatalf("expected 4 packets, got %d: %+v", len(pkts), pkts)
	}

	wantKinds := []Kind{KindPlus, KindOK, KindMinus, KindStop}
	for i, want := range wantKinds {
		if pkts[i].Kind != want {
			t.Fatalf("packet %d: got %v, want %v", i, pkts[i].Kind, want)
		}
	}
}

func TestParseAll_DiscardsBadChecksum(t *testing.T) {
	good := Frame("OK")
	bad := "$OK#00" // wrong checksum, should be discarded silently

	var discarded []string

	sr := NewStreamReader(strings.NewReader(bad+good), func(payload, want, got string) {
		discarded = append(discarded, payload)
	})

	pkt, err := sr.Next()
	if err != nil {
		t.Fatalf("Next: %v", err)
	}

	if pkt.Payload != "OK" {
		t.Fatalf("expected the good OK packet to survive, got %q", pkt.Payload)
	}

	if len(discarded) != 1 || discarded[0] != "OK" {
		t.Fatalf("expected exactly one discarded bad-checksum packet, got %+v", discarded)
	}
}
