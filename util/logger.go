package util

import (
	"os"

	"github.com/hashicorp/go-hclog"
)

// NewLogger builds the stderr logger used by the command line tool. Level 0
// only reports warnings, 1 is debug and 2 is trace.
func NewLogger(verboseLevel int) hclog.Logger {
	level := hclog.Warn
	switch {
	case verboseLevel >= 2:
		level = hclog.Trace
	case verboseLevel == 1:
		level = hclog.Debug
	}
	return hclog.New(&hclog.LoggerOptions{
		Name:   "metaedit",
		Level:  level,
		Output: os.Stderr,
	})
}

// OrNull returns l, or a logger that discards everything when l is nil.
func OrNull(l hclog.Logger) hclog.Logger {
	if l == nil {
		return hclog.NewNullLogger()
	}
	return l
}
