// Package common provides the shared logging setup used across notesync's
// binaries. It routes logrus output to stdout or stderr based on level so
// container log collectors can split error streams from the rest.
package common

import (
	"bytes"
	"os"

	"github.com/sirupsen/logrus"
)

// OutputSplitter is an io.Writer that sends logrus's formatted output to
// stderr for error, fatal and panic entries and stdout for everything else.
type OutputSplitter struct{}

// Write implements io.Writer, routing on the literal "level=error",
// "level=fatal" or "level=panic" produced by logrus's text formatter.
func (splitter *OutputSplitter) Write(p []byte) (n int, err error) {
	if bytes.Contains(p, []byte("level=error")) || bytes.Contains(p, []byte("level=fatal")) || bytes.Contains(p, []byte("level=panic")) {
		return os.Stderr.Write(p)
	}
	return os.Stdout.Write(p)
}

// Logger is the shared logger instance used throughout notesync.
var Logger = logrus.New()

func init() {
	Logger.SetOutput(&OutputSplitter{})
}
