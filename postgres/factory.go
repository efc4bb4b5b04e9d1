package postgres

import (
	"context"

	"github.com/skawai/dbpool/pool"
)

// ConnectionFactory builds a pool-compatible connection factory
// (func() (*Driver, error)) that resolves its URI from POSTGRES_DB_URL
// via GetDatabaseURL and dials it with Connect, mirroring the original
// driver's Postgres::ConnectionFactory: an unset URI surfaces as
// pool.MissingConfig, matching spec.md §8 scenario 3, rather than a
// postgres.Error a caller building a pool.Pool[*Driver] would have no
// reason to expect. Any other resolution or connect failure is returned
// as-is; pool.Acquire wraps it into pool.ConnectionFailed itself.
func ConnectionFactory(opts ...Option) func() (*Driver, error) {
	return func() (*Driver, error) {
		uri, err := GetDatabaseURL()
		if err != nil {
			if err == ErrDatabaseURLUnset {
				return nil, pool.NewError(pool.MissingConfig, ErrDatabaseURLUnset.Message)
			}
			return nil, err
		}

		d, err := New(uri, opts...)
		if err != nil {
			return nil, err
		}
		if err := d.Connect(context.Background()); err != nil {
			return nil, err
		}
		return d, nil
	}
}
