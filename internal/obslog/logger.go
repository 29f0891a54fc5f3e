// Package obslog wraps logrus the way frameworks/pkg/logging does: one
// process-wide JSON logger, service name attached to every entry.
package obslog

import "github.com/sirupsen/logrus"

// Logger is the process-wide structured logger type.
type Logger = *logrus.Logger

// Fields is a structured logging field set.
type Fields = logrus.Fields

// New creates a JSON-formatted logger at the configured level.
func New(level logrus.Level) *logrus.Logger {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	logger.SetLevel(level)
	return logger
}

// WithService returns a logger with a service field attached to every entry.
func WithService(logger *logrus.Logger, service string) *logrus.Entry {
	return logger.WithField("service", service)
}
