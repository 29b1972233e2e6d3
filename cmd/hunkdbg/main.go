// Command hunkdbg connects to an Amiga emulator's GDB Remote Serial
// Protocol stub, loads a hunk executable's debug information, prints the
// target's output to stdout and logs stop/segment/thread/breakpoint/error
// events to the log sink (stderr) until interrupted. It is a thin
// ambient shell over internal/debugger; a full interactive front-end (DAP,
// a REPL) is expected to be layered on top of the same API.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/amigadbg/hunkrsp/internal/debuglog"
	"github.com/amigadbg/hunkrsp/internal/debugger"
	"github.com/amigadbg/hunkrsp/internal/hunk"
	"github.com/amigadbg/hunkrsp/internal/pathresolve"
	"github.com/amigadbg/hunkrsp/internal/rsp"
	"github.com/amigadbg/hunkrsp/internal/sourcemap"
)

func main() {
	var (
		addr        string
		execPath    string
		basesFlag   string
		rootsFlag   string
		prefixFlag  string
		connTimeout time.Duration
	)

	flag.StringVar(&addr, "addr", "127.0.0.1:2345", "gdb stub address (host:port)")
	flag.StringVar(&execPath, "exec", "", "path to the hunk executable to load debug info from")
	flag.StringVar(&basesFlag, "bases", "", "comma-separated hex base address per hunk segment, in hunk order")
	flag.StringVar(&rootsFlag, "roots", "", "comma-separated workspace root directories")
	flag.StringVar(&prefixFlag, "prefix", "", "comma-separated from=to source path prefix substitutions")
	flag.DurationVar(&connTimeout, "conn-timeout", 5*time.Second, "connect timeout")
	flag.Parse()

	if execPath == "" {
		fmt.Fprintln(os.Stderr, "-exec is required")
		os.Exit(2)
	}

	log := debuglog.Default()

	hunks, sm, err := loadDebugInfo(execPath, basesFlag, log)
	if err != nil {
		fmt.Fprintln(os.Stderr, "load debug info failed:", err)
		os.Exit(1)
	}

	resolver := pathresolve.New(pathresolve.Config{
		PrefixReplacements: parsePrefixes(prefixFlag),
		Roots:              splitNonEmpty(rootsFlag),
	}, log)

	if err := resolver.WatchRoots(); err != nil {
		log.Printf("hunkdbg: watch roots failed (continuing without live invalidation): %v", err)
	}
	defer resolver.Close()

	log.Printf("hunkdbg: loaded %d hunk(s), %d source file(s)", len(hunks), len(sm.Sources))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	connectCtx, cancel := context.WithTimeout(ctx, connTimeout)
	transport, err := rsp.Connect(connectCtx, addr, log)
	cancel()

	if err != nil {
		fmt.Fprintln(os.Stderr, "connect failed:", err)
		os.Exit(1)
	}
	defer transport.Close()

	dialect := rsp.NewDialect()

	sink := &cliEventSink{log: log}
	dbg := debugger.New(transport, dialect, sm, sink, log, rsp.DefaultTimeout)

	if err := dialect.Negotiate(ctx, dbg.Serializer(), transport); err != nil {
		fmt.Fprintln(os.Stderr, "negotiate failed:", err)
		os.Exit(1)
	}

	log.Printf("hunkdbg: connected to %s (multiprocess=%v verboseResume=%v)", addr, dialect.MultiprocessEnabled, dialect.VerboseResumeSupported)

	// qOffsets/qC bootstrap: a real runtime segment-base fallback and a
	// default current thread, ahead of the first AS…/stop packet.
	dbg.Bootstrap(ctx)

	if hs, err := dbg.HaltStatusQuery(ctx); err == nil {
		log.Printf("hunkdbg: initial halt status: %s", hs.Label)
	}

	<-ctx.Done()
	log.Printf("hunkdbg: shutting down")
}

// loadDebugInfo parses the hunk executable and builds the source map
// against caller-supplied segment base addresses (normally reported by
// the stub's own SEGMENT notification once connected; -bases lets a
// caller pin them up front for static source<->address queries before
// that first notification arrives).
func loadDebugInfo(execPath, basesFlag string, log debuglog.Sink) ([]*hunk.Hunk, *sourcemap.SourceMap, error) {
	data, err := os.ReadFile(execPath)
	if err != nil {
		return nil, nil, err
	}

	hunks, err := hunk.Parse(data, log)
	if err != nil {
		return nil, nil, err
	}

	bases := parseBases(basesFlag, len(hunks))

	sm, err := sourcemap.Build(hunks, bases)
	if err != nil {
		return nil, nil, err
	}

	return hunks, sm, nil
}

func parseBases(flagVal string, n int) []uint64 {
	bases := make([]uint64, n)

	if flagVal == "" {
		return bases
	}

	for i, s := range strings.Split(flagVal, ",") {
		if i >= n {
			break
		}

		v, err := strconv.ParseUint(strings.TrimSpace(s), 16, 64)
		if err == nil {
			bases[i] = v
		}
	}

	return bases
}

func parsePrefixes(flagVal string) []pathresolve.PrefixReplacement {
	var out []pathresolve.PrefixReplacement

	for _, entry := range splitNonEmpty(flagVal) {
		from, to, ok := strings.Cut(entry, "=")
		if !ok {
			continue
		}

		out = append(out, pathresolve.PrefixReplacement{From: from, To: to})
	}

	return out
}

func splitNonEmpty(flagVal string) []string {
	if flagVal == "" {
		return nil
	}

	var out []string

	for _, s := range strings.Split(flagVal, ",") {
		if s != "" {
			out = append(out, s)
		}
	}

	return out
}

// cliEventSink prints debugger events to the log, standing in for a real
// consumer (a DAP adapter or REPL) that would otherwise receive these.
type cliEventSink struct {
	log debuglog.Sink
}

func (s *cliEventSink) OnStop(hs debugger.HaltStatus) {
	s.log.Printf("hunkdbg: stop: %s", hs.Label)
}

func (s *cliEventSink) OnSegments(segs []sourcemap.Segment) {
	s.log.Printf("hunkdbg: segments: %d", len(segs))
}

func (s *cliEventSink) OnSegmentsUpdated(segs []sourcemap.Segment) {
	s.log.Printf("hunkdbg: segments updated: %d", len(segs))
}

func (s *cliEventSink) OnThreadStarted(id int) {
	s.log.Printf("hunkdbg: thread started: %d", id)
}

func (s *cliEventSink) OnBreakpointValidated(bp *debugger.Breakpoint) {
	s.log.Printf("hunkdbg: breakpoint %d validated", bp.ID)
}

func (s *cliEventSink) OnOutput(text string) {
	fmt.Print(text)
}

func (s *cliEventSink) OnEnd() {
	s.log.Printf("hunkdbg: program ended")
}

func (s *cliEventSink) OnError(err error) {
	s.log.Printf("hunkdbg: error: %v", err)
}
