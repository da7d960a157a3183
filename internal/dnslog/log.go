// Package dnslog is the single logging injection point for the daemon. The cache, handler,
// listener, resolveconf and upstream packages log through the package-level Log variable, so tests
// can swap in a buffer-backed logger and assert on levels and fields. osutil prints its
// setuid/setgid warnings with fmt.Println, and cmd/dnsflattend writes status lines to its own
// stdout writer.
package dnslog

import (
	"os"

	"github.com/sirupsen/logrus"
)

// Log is the process-wide logger. It defaults to a text-formatted logger writing to stderr at
// Info level. main() may replace its output/level/formatter before starting the listener.
var Log = logrus.New()

func init() {
	Log.SetOutput(os.Stderr)
	Log.SetLevel(logrus.InfoLevel)
}

// SetVerbose raises the log level to Debug, used when the daemon is started with -v.
func SetVerbose(verbose bool) {
	if verbose {
		Log.SetLevel(logrus.DebugLevel)
		return
	}
	Log.SetLevel(logrus.InfoLevel)
}
