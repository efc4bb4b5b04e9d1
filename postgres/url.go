package postgres

import (
	"os"
	"strings"

	"github.com/joho/godotenv"
)

const envDatabaseURL = "POSTGRES_DB_URL"

// ErrDatabaseURLUnset is returned by GetDatabaseURL when POSTGRES_DB_URL
// is unset or empty. It is distinct from the package's other resolution
// failures (e.g. a malformed .env) so a pool-facing connection factory
// can map exactly this case to pool.MissingConfig, the way the original
// driver's Postgres::ConnectionFactory maps a missing URI to
// ConnectionError::MissingConfig.
var ErrDatabaseURLUnset = NewError(ConnectionFailed, envDatabaseURL+" is not set")

// keepaliveSuffix is appended to connection URIs that don't already carry
// libpq keepalive settings, mirroring the original driver's hardcoded
// TCP keepalive tuning rather than leaving it to libpq defaults.
const keepaliveSuffix = "keepalives=1&keepalives_idle=30&keepalives_interval=10&keepalives_count=5"

// GetDatabaseURL resolves the connection URI from POSTGRES_DB_URL,
// loading a .env file first if one is present (a missing .env is not
// an error; a malformed one is). It appends the driver's keepalive
// tuning to the URI unless the caller's URI already specifies any
// keepalives parameter, and picks '?' or '&' as the separator
// depending on whether the URI already has a query string. A URI that
// already ends in '?' or '&' gets the suffix with no extra separator.
func GetDatabaseURL() (string, error) {
	if _, err := os.Stat(".env"); err == nil {
		if loadErr := godotenv.Load(); loadErr != nil {
			return "", NewError(ConnectionFailed, "failed to load .env: "+loadErr.Error())
		}
	}

	uri := os.Getenv(envDatabaseURL)
	if uri == "" {
		return "", ErrDatabaseURLUnset
	}

	if strings.Contains(uri, "keepalives") {
		return uri, nil
	}

	separator := "?"
	switch {
	case strings.HasSuffix(uri, "?") || strings.HasSuffix(uri, "&"):
		separator = ""
	case strings.Contains(uri, "?"):
		separator = "&"
	}
	return uri + separator + keepaliveSuffix, nil
}
