package rsp

import (
	"context"
	"fmt"
	"strings"

	"github.com/Masterminds/semver/v3"

	"github.com/amigadbg/hunkrsp/internal/rsperr"
)

// Dialect holds the capabilities negotiated with one stub connection (spec
// §4.7, component C7). It is scoped to a single client instance (spec §9
// "Global state": "do not hold it in process-wide storage").
type Dialect struct {
	MultiprocessEnabled    bool
	VerboseResumeSupported bool
	NonStopSupported       bool

	// LegacyStepRangeOp is the non-GDB opcode used to encode step-to-range
	// when verbose resume isn't available. Spec §9 open question 1: this
	// is stub-specific and must be a configuration toggle, not a silently
	// emitted constant. Defaults to "n".
	LegacyStepRangeOp string

	// UseRawBreak forces the 0x03 last-resort break byte instead of
	// vCtrlC for Pause when verbose resume is unavailable.
	UseRawBreak bool

	// ProtocolVersionConstraint, when non-nil, gates target-specific
	// protocol extensions behind a minimum advertised
	// "protocolversion=X.Y.Z" qSupported field (adopted from the pack's
	// Masterminds/semver dependency; spec §4.7 names only the fixed
	// capability set, this is this module's own extension point for
	// stubs that advertise a version).
	ProtocolVersionConstraint *semver.Constraints

	targetVersion *semver.Version
}

// NewDialect returns a Dialect with spec-default settings.
func NewDialect() *Dialect {
	return &Dialect{LegacyStepRangeOp: "n"}
}

const qSupportedRequest = "qSupported:QStartNoAckMode+;multiprocess+;vContSupported+;QNonStop+"

// Negotiate performs the handshake of spec §4.7 step 1: send qSupported,
// parse the capability flags, and if QStartNoAckMode was advertised,
// enable it (failing the connection otherwise).
func (d *Dialect) Negotiate(ctx context.Context, ser *Serializer, t *Transport) error {
	pkt, err := ser.Request(ctx, qSupportedRequest, func(Packet) bool { return true }, true)
	if err != nil {
		return err
	}

	resp := pkt.Payload

	d.MultiprocessEnabled = strings.Contains(resp, "multiprocess+")
	d.VerboseResumeSupported = strings.Contains(resp, "vContSupported+")
	d.NonStopSupported = strings.Contains(resp, "QNonStop+")
	d.targetVersion = parseProtocolVersion(resp)

	if !strings.Contains(resp, "QStartNoAckMode+") {
		return rsperr.New(rsperr.Protocol, "", "stub did not advertise QStartNoAckMode+", nil)
	}

	ack, err := ser.Request(ctx, "QStartNoAckMode", func(p Packet) bool { return p.Kind == KindOK }, true)
	if err != nil {
		return err
	}

	if ack.Kind != KindOK {
		return rsperr.New(rsperr.Protocol, "", "QStartNoAckMode was not acknowledged with OK", nil)
	}

	t.SetAckMode(false)

	return nil
}

// parseProtocolVersion extracts an optional "protocolversion=X.Y.Z" field
// from a qSupported response, for the semver gate above; absence is not an
// error (the extension is opt-in).
func parseProtocolVersion(resp string) *semver.Version {
	for _, field := range strings.Split(resp, ";") {
		const prefix = "protocolversion="

		if !strings.HasPrefix(field, prefix) {
			continue
		}

		v, err := semver.NewVersion(strings.TrimPrefix(field, prefix))
		if err != nil {
			return nil
		}

		return v
	}

	return nil
}

// SupportsVersionedExtension reports whether the negotiated target
// advertised a protocol version satisfying ProtocolVersionConstraint. When
// either the constraint or the target's version is unset, the gate is
// permissive (returns true) so unversioned stubs aren't penalised.
func (d *Dialect) SupportsVersionedExtension() bool {
	if d.ProtocolVersionConstraint == nil || d.targetVersion == nil {
		return true
	}

	return d.ProtocolVersionConstraint.Check(d.targetVersion)
}

// ConfirmVerboseResume implements spec §4.7 step 2: an optional vCont?
// probe. Verbose resume is only considered confirmed if the reply starts
// with "vCont".
func (d *Dialect) ConfirmVerboseResume(ctx context.Context, ser *Serializer) error {
	pkt, err := ser.Request(ctx, "vCont?", func(Packet) bool { return true }, true)
	if err != nil {
		return err
	}

	d.VerboseResumeSupported = strings.HasPrefix(pkt.Payload, "vCont")

	return nil
}

// MarshalThread renders a thread id for the wire, using the multiprocess
// p<pid>.<tid> form when negotiated, bare <tid> hex otherwise (spec §3
// "Thread").
func (d *Dialect) MarshalThread(pid, tid int) string {
	if d.MultiprocessEnabled {
		return fmt.Sprintf("p%x.%x", pid, tid)
	}

	return fmt.Sprintf("%x", tid)
}

// ContinuePackets returns the ordered payloads to send to resume execution
// of tid (spec §4.7 "Resume encoding").
func (d *Dialect) ContinuePackets(tid string) []string {
	if d.VerboseResumeSupported {
		return []string{"vCont;c:" + tid}
	}

	return []string{"Hc" + tid, "c"}
}

// StepInPackets returns the ordered payloads to single-step tid.
func (d *Dialect) StepInPackets(tid string) []string {
	if d.VerboseResumeSupported {
		return []string{"vCont;s:" + tid}
	}

	return []string{"Hc" + tid, "s"}
}

// StepRangePackets returns the ordered payloads to step tid until its PC
// leaves [start, end). The legacy fallback uses LegacyStepRangeOp (spec §9
// open question 1).
func (d *Dialect) StepRangePackets(tid string, start, end uint64) []string {
	if d.VerboseResumeSupported {
		return []string{fmt.Sprintf("vCont;r%x,%x:%s", start, end, tid)}
	}

	return []string{"Hc" + tid, fmt.Sprintf("%s%x,%x", d.LegacyStepRangeOp, start, end)}
}

// PauseCommand returns the payload to request a pause, and whether it must
// be written unframed as a raw byte (the 0x03 last resort).
func (d *Dialect) PauseCommand(tid string) (payload string, raw bool) {
	if d.VerboseResumeSupported {
		return "vCont;t:" + tid, false
	}

	if d.UseRawBreak {
		return "", true
	}

	return "vCtrlC", false
}

// RawBreakByte is the last-resort 0x03 break byte written outside framing
// (spec §4.7, §6).
const RawBreakByte = 0x03
