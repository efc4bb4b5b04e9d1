package postgres

import (
	"os"

	"github.com/charmbracelet/log"
)

// newLogger returns the driver's default structured logger, in the
// same style as the pool package's default logger: stderr, timestamps on, a fixed
// "postgres" prefix so driver log lines are easy to grep out of a
// service's combined log stream.
func newLogger() *log.Logger {
	return log.NewWithOptions(os.Stderr, log.Options{
		Prefix:          "postgres",
		ReportTimestamp: true,
	})
}
