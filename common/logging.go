// Package common provides centralized logging infrastructure and the shared
// error taxonomy for the knowledge-base service.
//
// The logging system is built on logrus with custom output handling that
// routes error-level messages to stderr while sending other log levels to
// stdout, enabling proper stream separation for containerized environments.
package common

import (
	"bytes"
	"os"

	"github.com/sirupsen/logrus"
)

// OutputSplitter routes formatted log output to stdout or stderr based on
// the entry's level. Error entries go to stderr so orchestration platforms
// and shell scripts can handle them separately.
type OutputSplitter struct{}

// Write implements io.Writer. It inspects the formatted entry for the
// "level=error" marker produced by logrus formatters and selects the stream.
func (splitter *OutputSplitter) Write(p []byte) (n int, err error) {
	if bytes.Contains(p, []byte("level=error")) {
		return os.Stderr.Write(p)
	}
	return os.Stdout.Write(p)
}

// Logger is the global logger instance shared by all services. It is
// pre-configured with the OutputSplitter; formatter and level are applied
// from configuration at startup.
var Logger = logrus.New()

func init() {
	Logger.SetOutput(&OutputSplitter{})
}
