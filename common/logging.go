// Package common provides shared logging and error types for the KTRDR core.
package common

import (
	"bytes"
	"os"
	"time"

	"github.com/sirupsen/logrus"
)

// OutputSplitter routes error-level log lines to stderr and everything
// else to stdout so operators can separate the streams.
type OutputSplitter struct{}

func (splitter *OutputSplitter) Write(p []byte) (n int, err error) {
	if bytes.Contains(p, []byte("level=error")) {
		return os.Stderr.Write(p)
	}
	return os.Stdout.Write(p)
}

// Logger is the process-global logger. Components attach context with
// WithFields (operation_id, worker_id, status).
var Logger = logrus.New()

func init() {
	Logger.SetOutput(&OutputSplitter{})
}

// SetLogLevel applies a textual level ("debug", "info", "warn", "error");
// unknown values fall back to info.
func SetLogLevel(level string) {
	parsed, err := logrus.ParseLevel(level)
	if err != nil {
		parsed = logrus.InfoLevel
	}
	Logger.SetLevel(parsed)
}

// SetLogFormat switches between "json" for log shippers and the default
// human-readable text output.
func SetLogFormat(format string) {
	if format == "json" {
		Logger.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339})
		return
	}
	Logger.SetFormatter(&logrus.TextFormatter{TimestampFormat: time.RFC3339, FullTimestamp: true})
}
