// Package report implements the ReportSink capability described in
// spec.md's Design Notes: operations that currently write to a
// singleton Console instead take an injected Sink, with a Silent
// implementation available for code paths (like the solver) that must
// not produce output.
package report

import (
	"io"
	"os"

	"github.com/rs/zerolog"
)

// Sink is the capability any operation that produces user-facing
// progress or diagnostics is injected with. Progress bars are a
// capability on the sink rather than a global manager.
type Sink interface {
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})

	// Progress starts a bounded progress indicator for a download or
	// extraction of the given total size (bytes or item count). The
	// returned ProgressBar's Add advances it; calling Add with a negative
	// delta is invalid. Callers must call Done when the operation finishes.
	Progress(label string, total int64) ProgressBar
}

// ProgressBar is a single in-flight progress indicator.
type ProgressBar interface {
	Add(delta int64)
	Done()
}

// New returns a Sink that writes structured log lines to w at the
// given level.
func New(w io.Writer, level zerolog.Level) Sink {
	logger := zerolog.New(w).Level(level).With().Timestamp().Logger()
	return &zerologSink{logger: logger}
}

// Default returns a human-readable Sink writing to stderr, matching
// the teacher's console-output style but structured.
func Default() Sink {
	return New(zerolog.ConsoleWriter{Out: os.Stderr}, zerolog.InfoLevel)
}

type zerologSink struct {
	logger zerolog.Logger
}

func (s *zerologSink) Infof(format string, args ...interface{}) {
	s.logger.Info().Msgf(format, args...)
}

func (s *zerologSink) Warnf(format string, args ...interface{}) {
	s.logger.Warn().Msgf(format, args...)
}

func (s *zerologSink) Errorf(format string, args ...interface{}) {
	s.logger.Error().Msgf(format, args...)
}

func (s *zerologSink) Progress(label string, total int64) ProgressBar {
	return &logProgress{logger: s.logger, label: label, total: total}
}

type logProgress struct {
	logger  zerolog.Logger
	label   string
	total   int64
	current int64
}

func (p *logProgress) Add(delta int64) {
	p.current += delta
}

func (p *logProgress) Done() {
	p.logger.Debug().Str("item", p.label).Int64("bytes", p.current).Int64("total", p.total).Msg("done")
}

// Silent is the Sink used by the solver path and any code path that
// must not produce output (spec.md Design Notes §9).
var Silent Sink = silentSink{}

type silentSink struct{}

func (silentSink) Infof(string, ...interface{})  {}
func (silentSink) Warnf(string, ...interface{})  {}
func (silentSink) Errorf(string, ...interface{}) {}
func (silentSink) Progress(string, int64) ProgressBar {
	return silentProgress{}
}

type silentProgress struct{}

func (silentProgress) Add(int64) {}
func (silentProgress) Done()     {}
