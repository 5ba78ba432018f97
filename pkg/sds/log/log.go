// Package log provides the shared logrus instance and field helpers used
// across the SDS node.
package log

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

// Logger is the package-wide logger instance. Nodes share it by default;
// tests may redirect its output with SetOutput.
var Logger = logrus.New()

func init() {
	Logger.SetOutput(os.Stderr)
	Logger.SetLevel(logrus.InfoLevel)
	Logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05",
	})
}

// SetLevel parses and applies a log level by name.
func SetLevel(level string) error {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return err
	}
	Logger.SetLevel(lvl)
	return nil
}

// Level returns the current log level name.
func Level() string {
	return Logger.GetLevel().String()
}

// SetOutput redirects log output.
func SetOutput(w io.Writer) {
	Logger.SetOutput(w)
}

// SetJSONFormat switches the formatter to JSON, used when a node runs under
// a log aggregator rather than an interactive terminal.
func SetJSONFormat() {
	Logger.SetFormatter(&logrus.JSONFormatter{
		TimestampFormat: "2006-01-02T15:04:05Z07:00",
	})
}

// WithNode returns a logger scoped to a node id.
func WithNode(nodeID string) *logrus.Entry {
	return Logger.WithField("node", nodeID)
}

// WithTable returns a logger scoped to a table name.
func WithTable(table string) *logrus.Entry {
	return Logger.WithField("table", table)
}

// WithFields returns a logger with multiple fields attached.
func WithFields(fields map[string]interface{}) *logrus.Entry {
	return Logger.WithFields(fields)
}
