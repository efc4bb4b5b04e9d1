package pool

import (
	"os"

	"github.com/charmbracelet/log"
)

// newLogger returns the package's default structured logger. Pools accept
// a WithLogger option to override it, e.g. to route through a service's
// own charmbracelet/log instance instead of stderr.
func newLogger(name string) *log.Logger {
	return log.NewWithOptions(os.Stderr, log.Options{
		Prefix:          "pool",
		ReportTimestamp: true,
	}).WithPrefix("pool:" + name)
}
