// Package debuglog defines the logger sink consumer obligation (spec §6).
// Mirrors the teacher's ambient choice of the stdlib log package over any
// third-party logging library (no zap/logrus/zerolog appears anywhere in
// the teacher corpus).
package debuglog

import (
	"log"
	"os"
)

// Sink is the minimal logging surface components in this module depend on.
// Consumers may pass any *log.Logger (it already satisfies this interface)
// or their own adapter.
type Sink interface {
	Printf(format string, args ...interface{})
}

// Default returns a Sink backed by the stdlib logger writing to stderr,
// used when a consumer does not supply one.
func Default() Sink {
	return log.New(os.Stderr, "hunkrsp: ", log.LstdFlags)
}

// Discard is a Sink that drops everything, useful in tests.
type discard struct{}

func (discard) Printf(string, ...interface{}) {}

// Discard returns a Sink that ignores all messages.
func Discard() Sink { return discard{} }
