package simplevisor

import (
	"os"
	"strconv"

	"github.com/sirupsen/logrus"
)

// log is the package logger. Diagnostics are off unless SHV_DEBUG enables
// them, because the monitor's callers are typically init-time system code
// that does not want chatter on stderr.
var log = newLogger()

func newLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(os.Stderr)
	l.SetLevel(logrus.WarnLevel)
	if debug := os.Getenv("SHV_DEBUG"); debug != "" {
		if val, err := strconv.ParseBool(debug); err == nil && val {
			l.SetLevel(logrus.DebugLevel)
		}
	}
	return l
}

// SetDebugLogging overrides the SHV_DEBUG environment default at runtime.
func SetDebugLogging(enabled bool) {
	if enabled {
		log.SetLevel(logrus.DebugLevel)
	} else {
		log.SetLevel(logrus.WarnLevel)
	}
}

// debugf logs a formatted message at debug level. Never call it from the
// VM-exit path; logging allocates and the exit handler must not.
func debugf(format string, args ...interface{}) {
	log.Debugf(format, args...)
}
