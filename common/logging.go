// Package common provides the logging infrastructure shared across the
// engine's components: structured logrus output with error-level messages
// routed to stderr and everything else to stdout, so container log
// collectors can treat the two streams differently.
package common

import (
	"bytes"
	"os"

	"github.com/sirupsen/logrus"
)

// OutputSplitter routes formatted log lines to stderr when they carry
// "level=error" and to stdout otherwise.
type OutputSplitter struct{}

func (s *OutputSplitter) Write(p []byte) (int, error) {
	if bytes.Contains(p, []byte("level=error")) {
		return os.Stderr.Write(p)
	}
	return os.Stdout.Write(p)
}

// NewLogger builds a logrus logger with the OutputSplitter wired in and
// returns a base *logrus.Entry, per the injected-entry convention every
// engine component (dspaceclient, negotiation, transfer, supervisor,
// engine itself) takes a logger through rather than reaching for a
// package-global one.
func NewLogger(level string) *logrus.Entry {
	l := logrus.New()
	l.SetOutput(&OutputSplitter{})
	if lvl, err := logrus.ParseLevel(level); err == nil {
		l.SetLevel(lvl)
	} else {
		l.SetLevel(logrus.InfoLevel)
	}
	return logrus.NewEntry(l)
}
