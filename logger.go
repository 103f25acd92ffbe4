package vring

import (
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/slackhq/vring/config"
)

var logFormats = []string{"text", "json"}

// configLogger applies the logging section of c to l. It runs on startup and
// again on every config reload.
func configLogger(l *logrus.Logger, c *config.C) error {
	level, err := logrus.ParseLevel(strings.ToLower(c.GetString("logging.level", "info")))
	if err != nil {
		return fmt.Errorf("%s; possible levels: %s", err, logrus.AllLevels)
	}

	formatter, err := logFormatter(c)
	if err != nil {
		return err
	}

	l.SetLevel(level)
	l.SetFormatter(formatter)
	return nil
}

func logFormatter(c *config.C) (logrus.Formatter, error) {
	noTimestamp := c.GetBool("logging.disable_timestamp", false)

	// A configured format also switches the text formatter to full timestamps.
	tsFormat := c.GetString("logging.timestamp_format", "")
	fullTimestamp := tsFormat != ""
	if !fullTimestamp {
		tsFormat = time.RFC3339
	}

	switch format := strings.ToLower(c.GetString("logging.format", "text")); format {
	case "text":
		return &logrus.TextFormatter{
			TimestampFormat:  tsFormat,
			FullTimestamp:    fullTimestamp,
			DisableTimestamp: noTimestamp,
		}, nil
	case "json":
		return &logrus.JSONFormatter{
			TimestampFormat:  tsFormat,
			DisableTimestamp: noTimestamp,
		}, nil
	default:
		return nil, fmt.Errorf("unknown log format `%s`. possible formats: %s", format, logFormats)
	}
}
