package internal

import (
	"os"

	"github.com/sirupsen/logrus"
)

var baseLogger = newBaseLogger()

func newBaseLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(os.Stdout)
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02T15:04:05.000000Z07:00",
	})
	return logger
}

// NewLogger returns a logger tagged with the mailhooks component name.
func NewLogger(component string) *logrus.Entry {
	name := "mailhooks"
	if component != "" {
		name = name + "/" + component
	}
	return baseLogger.WithField("component", name)
}

// SetLogLevel parses level and applies it to every logger built by NewLogger.
func SetLogLevel(level string) error {
	if level == "" {
		return nil
	}
	parsed, err := logrus.ParseLevel(level)
	if err != nil {
		return err
	}
	baseLogger.SetLevel(parsed)
	return nil
}

func WithRequestID(logger *logrus.Entry, requestID string) *logrus.Entry {
	if logger == nil {
		logger = NewLogger("")
	}
	if requestID == "" {
		return logger
	}
	return logger.WithField("request_id", requestID)
}
