package rsp

import (
	"context"
	"testing"
	"time"
)

func TestDialect_Negotiate(t *testing.T) {
	tr, stub := pairedTransport(t)
	sink := &recordingSink{}
	ser := NewSerializer(tr, sink, nil, time.Second)

	go func() {
		req := readFramedPayload(t, stub)
		if req != qSupportedRequest {
			t.Errorf("unexpected qSupported request: %q", req)
		}

		stub.Write([]byte(Frame("multiprocess+;vContSupported+;QStartNoAckMode+;QNonStop+")))

		req2 := readFramedPayload(t, stub)
		if req2 != "QStartNoAckMode" {
			t.Errorf("expected QStartNoAckMode, got %q", req2)
		}

		stub.Write([]byte(Frame("OK")))
	}()

	d := NewDialect()
	if err := d.Negotiate(context.Background(), ser, tr); err != nil {
		t.Fatalf("Negotiate: %v", err)
	}

	if !d.MultiprocessEnabled {
		t.Fatalf("expected MultiprocessEnabled true")
	}

	if !d.VerboseResumeSupported {
		t.Fatalf("expected VerboseResumeSupported true")
	}
}

func TestDialect_NegotiateFailsWithoutNoAckMode(t *testing.T) {
	tr, stub := pairedTransport(t)
	sink := &recordingSink{}
	ser := NewSerializer(tr, sink, nil, time.Second)

	go func() {
		readFramedPayload(t, stub)
		stub.Write([]byte(Frame("multiprocess+")))
	}()

	d := NewDialect()
	if err := d.Negotiate(context.Background(), ser, tr); err == nil {
		t.Fatalf("expected Negotiate to fail when QStartNoAckMode+ isn't advertised")
	}
}

func TestDialect_ResumeEncodingCapabilityGating(t *testing.T) {
	d := NewDialect()
	d.VerboseResumeSupported = false

	if got := d.StepInPackets("1"); len(got) != 2 || got[1] != "s" {
		t.Fatalf("legacy step-in: got %v", got)
	}

	d.VerboseResumeSupported = true

	if got := d.StepInPackets("1"); len(got) != 1 || got[0] != "vCont;s:1" {
		t.Fatalf("verbose step-in: got %v", got)
	}
}

func TestDialect_MarshalThread(t *testing.T) {
	d := NewDialect()

	if got := d.MarshalThread(1, 0x0f); got != "f" {
		t.Fatalf("non-multiprocess marshal: got %q, want %q", got, "f")
	}

	d.MultiprocessEnabled = true

	if got := d.MarshalThread(1, 0x0f); got != "p1.f" {
		t.Fatalf("multiprocess marshal: got %q, want %q", got, "p1.f")
	}
}
