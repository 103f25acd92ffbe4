package test

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

// NewLogger returns a logger for tests. Output is discarded unless TEST_LOGS
// is set: 1 logs at info, 2 at debug, 3 at trace. Any other value is parsed as
// a logrus level name.
func NewLogger() *logrus.Logger {
	l := logrus.New()
	l.SetFormatter(&logrus.TextFormatter{DisableColors: true, FullTimestamp: true})

	switch v := os.Getenv("TEST_LOGS"); v {
	case "":
		l.SetOutput(io.Discard)
	case "1":
		l.SetLevel(logrus.InfoLevel)
	case "2":
		l.SetLevel(logrus.DebugLevel)
	case "3":
		l.SetLevel(logrus.TraceLevel)
	default:
		level, err := logrus.ParseLevel(v)
		if err != nil {
			level = logrus.InfoLevel
		}
		l.SetLevel(level)
	}

	return l
}
