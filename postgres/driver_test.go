package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// mockPG adapts a pgxmock connection to the driver's narrow pgConn
// interface: it tracks its own closed state rather than relying on
// pgxmock to expose IsClosed, since the driver's BadConnection
// classification depends on it.
type mockPG struct {
	pgxmock.PgxConnIface
	closed bool
}

func (m *mockPG) Close(ctx context.Context) error {
	m.closed = true
	return m.PgxConnIface.Close(ctx)
}

func (m *mockPG) IsClosed() bool { return m.closed }

// Query flips closed on any error, standing in for a dropped TCP
// connection surfacing as a query failure.
func (m *mockPG) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	rows, err := m.PgxConnIface.Query(ctx, sql, args...)
	if err != nil {
		m.closed = true
	}
	return rows, err
}

func newMockPG(t *testing.T) *mockPG {
	t.Helper()
	conn, err := pgxmock.NewConn()
	require.NoError(t, err)
	return &mockPG{PgxConnIface: conn}
}

func newTestDriver(t *testing.T, opts ...Option) (*Driver, *mockPG) {
	t.Helper()
	m := newMockPG(t)
	connectCalls := 0
	opts = append(opts, withConnect(func(ctx context.Context, uri string) (pgConn, error) {
		connectCalls++
		return m, nil
	}), WithHeartbeat(false))
	d, err := New("postgres://irrelevant", opts...)
	require.NoError(t, err)
	require.NoError(t, d.Connect(context.Background()))
	t.Cleanup(func() { _ = d.Close() })
	return d, m
}

func TestDriver_ExecuteReturnsRows(t *testing.T) {
	d, m := newTestDriver(t)
	m.ExpectQuery("SELECT 1").WillReturnRows(pgxmock.NewRows([]string{"n"}).AddRow(int32(1)))

	res, err := d.Execute(context.Background(), "SELECT 1", nil)
	require.NoError(t, err)
	require.Len(t, res.Rows, 1)
	assert.Equal(t, int32(1), res.Rows[0][0])
	require.NoError(t, m.ExpectationsWereMet())
}

func TestDriver_ExecuteAsyncDispatchesCallback(t *testing.T) {
	d, m := newTestDriver(t)
	m.ExpectQuery("SELECT 2").WillReturnRows(pgxmock.NewRows([]string{"n"}).AddRow(int32(2)))

	done := make(chan *Result, 1)
	d.ExecuteAsync("SELECT 2", nil, func(r *Result) { done <- r }, func(error) { done <- nil })

	select {
	case r := <-done:
		require.NotNil(t, r)
		assert.Equal(t, int32(2), r.Rows[0][0])
	case <-time.After(time.Second):
		t.Fatal("ExecuteAsync callback never fired")
	}
}

func TestDriver_ReconnectsOnceAfterBadConnection(t *testing.T) {
	first := newMockPG(t)
	second := newMockPG(t)
	seq := []*mockPG{first, second}
	calls := 0
	d, err := New("postgres://irrelevant",
		WithHeartbeat(false),
		withConnect(func(ctx context.Context, uri string) (pgConn, error) {
			conn := seq[calls]
			calls++
			return conn, nil
		}),
	)
	require.NoError(t, err)
	require.NoError(t, d.Connect(context.Background()))
	t.Cleanup(func() { _ = d.Close() })

	first.ExpectQuery("SELECT 3").WillReturnError(errors.New("connection reset by peer"))
	second.ExpectQuery("SELECT 3").WillReturnRows(pgxmock.NewRows([]string{"n"}).AddRow(int32(3)))

	res, err := d.Execute(context.Background(), "SELECT 3", nil)
	require.NoError(t, err)
	assert.Equal(t, int32(3), res.Rows[0][0])
	assert.Equal(t, 2, calls)
}

func TestDriver_SubmitAfterCloseFailsImmediately(t *testing.T) {
	d, m := newTestDriver(t)
	m.ExpectClose()
	require.NoError(t, d.Close())

	_, err := d.Execute(context.Background(), "SELECT 1", nil)
	require.Error(t, err)
	var perr *Error
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, ShuttingDown, perr.Kind)
}

func TestDriver_CloseDrainsPendingRequests(t *testing.T) {
	d := &Driver{
		uri:     "postgres://irrelevant",
		notify:  make(chan struct{}, 1),
		stopCh:  make(chan struct{}),
		done:    make(chan struct{}),
		connect: defaultConnect,
	}
	errs := make(chan error, 2)
	d.inbox = []*request{
		{id: "a", onOK: func(*Result) {}, onErr: func(e error) { errs <- e }},
		{id: "b", onOK: func(*Result) {}, onErr: func(e error) { errs <- e }},
	}

	d.drain()

	for i := 0; i < 2; i++ {
		err := <-errs
		var perr *Error
		require.ErrorAs(t, err, &perr)
		assert.Equal(t, ShuttingDown, perr.Kind)
	}
}

func TestDriver_RandomHeartbeatIntervalInBounds(t *testing.T) {
	for i := 0; i < 50; i++ {
		d := randomHeartbeatInterval()
		assert.GreaterOrEqual(t, d, minHeartbeatJitter)
		assert.Less(t, d, maxHeartbeatJitter)
	}
}

func TestDriver_ExecuteTimesOutWhenContextCanceled(t *testing.T) {
	d := &Driver{
		uri:     "postgres://irrelevant",
		notify:  make(chan struct{}, 1),
		stopCh:  make(chan struct{}),
		done:    make(chan struct{}),
		connect: defaultConnect,
	}
	// No worker goroutine running: the request sits in the inbox
	// forever, so the context deadline is what returns control.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := d.Execute(ctx, "SELECT 1", nil)
	require.Error(t, err)
	var perr *Error
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, TimeOut, perr.Kind)
}
