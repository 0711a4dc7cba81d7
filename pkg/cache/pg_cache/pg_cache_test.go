package pg_cache

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pmkol/secdata/pkg/cache"
)

func TestBuildQueries_QuotesTable(t *testing.T) {
	q := buildQueries(`cache"; DROP TABLE x; --`)
	assert.Contains(t, q.get, `"cache""; DROP TABLE x; --"`)
	assert.Contains(t, q.deleteMatching, "strpos(key, $1) > 0")
	assert.Contains(t, q.upsert, "ON CONFLICT (key) DO UPDATE")
}

func TestPgCacheOpts_Init(t *testing.T) {
	_, err := NewPgCache(context.Background(), PgCacheOpts{})
	require.Error(t, err)

	opts := PgCacheOpts{DB: nil}
	require.Error(t, opts.Init())
}

// fakeTable answers exactly the statements of buildQueries over a map, as
// postgres would.
type fakeTable struct {
	q queries

	mu   sync.Mutex
	rows map[string]fakeRow
}

type fakeRow struct {
	payload  []byte
	storedAt time.Time
	ttl      int64
}

func newFakeDB(table string) *sql.DB {
	return sql.OpenDB(&fakeConnector{t: &fakeTable{q: buildQueries(table), rows: make(map[string]fakeRow)}})
}

type fakeConnector struct{ t *fakeTable }

func (c *fakeConnector) Connect(context.Context) (driver.Conn, error) { return &fakeConn{t: c.t}, nil }
func (c *fakeConnector) Driver() driver.Driver                      { return fakeDriver{} }

type fakeDriver struct{}

func (fakeDriver) Open(string) (driver.Conn, error) { return nil, errors.New("open through the connector") }

type fakeConn struct{ t *fakeTable }

func (c *fakeConn) Prepare(string) (driver.Stmt, error) { return nil, errors.New("prepare not supported") }
func (c *fakeConn) Close() error                        { return nil }
func (c *fakeConn) Begin() (driver.Tx, error)           { return nil, errors.New("tx not supported") }

func (c *fakeConn) ExecContext(_ context.Context, query string, args []driver.NamedValue) (driver.Result, error) {
	t := c.t
	t.mu.Lock()
	defer t.mu.Unlock()
	switch query {
	case t.q.create:
		return driver.RowsAffected(0), nil
	case t.q.upsert:
		t.rows[args[0].Value.(string)] = fakeRow{
			payload:  append([]byte(nil), args[1].Value.([]byte)...),
			storedAt: args[2].Value.(time.Time),
			ttl:      args[3].Value.(int64),
		}
		return driver.RowsAffected(1), nil
	case t.q.deleteAll:
		return t.deleteWhere(func(string, fakeRow) bool { return true }), nil
	case t.q.deleteMatching:
		pattern := args[0].Value.(string)
		return t.deleteWhere(func(k string, _ fakeRow) bool { return strings.Contains(k, pattern) }), nil
	case t.q.sweep:
		now := args[0].Value.(time.Time)
		return t.deleteWhere(func(_ string, r fakeRow) bool {
			return !r.storedAt.Add(time.Duration(r.ttl) * time.Second).After(now)
		}), nil
	}
	return nil, fmt.Errorf("unexpected statement %q", query)
}

func (t *fakeTable) deleteWhere(f func(key string, r fakeRow) bool) driver.Result {
	var n int64
	for k, r := range t.rows {
		if f(k, r) {
			delete(t.rows, k)
			n++
		}
	}
	return driver.RowsAffected(n)
}

func (c *fakeConn) QueryContext(_ context.Context, query string, args []driver.NamedValue) (driver.Rows, error) {
	t := c.t
	t.mu.Lock()
	defer t.mu.Unlock()
	switch query {
	case t.q.get:
		rows := &fakeRows{cols: []string{"payload", "stored_at", "ttl_seconds"}}
		if r, ok := t.rows[args[0].Value.(string)]; ok {
			rows.vals = [][]driver.Value{{r.payload, r.storedAt, r.ttl}}
		}
		return rows, nil
	case t.q.count:
		return &fakeRows{cols: []string{"count"}, vals: [][]driver.Value{{int64(len(t.rows))}}}, nil
	}
	return nil, fmt.Errorf("unexpected query %q", query)
}

type fakeRows struct {
	cols []string
	vals [][]driver.Value
}

func (r *fakeRows) Columns() []string { return r.cols }
func (r *fakeRows) Close() error      { return nil }

func (r *fakeRows) Next(dest []driver.Value) error {
	if len(r.vals) == 0 {
		return io.EOF
	}
	copy(dest, r.vals[0])
	r.vals = r.vals[1:]
	return nil
}

func TestPgCache_Behavior(t *testing.T) {
	db := newFakeDB(defaultTable)
	defer db.Close()
	testPgCache(t, db, defaultTable)
}

func TestPgCache_Postgres(t *testing.T) {
	dsn := os.Getenv("SECDATA_TEST_PG")
	if dsn == "" {
		t.Skip("SECDATA_TEST_PG is not set")
	}
	db, err := Open(dsn)
	require.NoError(t, err)
	defer db.Close()

	table := "secdata_cache_test_" + strings.ReplaceAll(uuid.NewString(), "-", "")
	defer db.Exec("DROP TABLE IF EXISTS " + pq.QuoteIdentifier(table))
	testPgCache(t, db, table)
}

func testPgCache(t *testing.T, db *sql.DB, table string) {
	ctx := context.Background()
	now := time.Now().Truncate(time.Microsecond)
	c, err := NewPgCache(ctx, PgCacheOpts{DB: db, Table: table, Now: func() time.Time { return now }})
	require.NoError(t, err)

	require.NoError(t, c.Store(ctx, cache.NewEntry("company-info:0000028917", []byte("a"), 6*time.Hour, now)))
	require.NoError(t, c.Store(ctx, cache.NewEntry("concept:0000028917:us-gaap:Assets", []byte("b"), 7*24*time.Hour, now)))
	require.NoError(t, c.Store(ctx, cache.NewEntry("frames:us-gaap:Assets:USD:CY2023Q4I", []byte("c"), time.Hour, now.Add(-2*time.Hour))))
	assert.Equal(t, 3, c.Len())

	e, ok, err := c.Get(ctx, "company-info:0000028917")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("a"), e.Payload)
	assert.True(t, now.Equal(e.StoredAt))
	assert.EqualValues(t, 6*3600, e.TTLSeconds)

	// A second store replaces the row.
	require.NoError(t, c.Store(ctx, cache.NewEntry("company-info:0000028917", []byte("a2"), 6*time.Hour, now)))
	e, ok, err = c.Get(ctx, "company-info:0000028917")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("a2"), e.Payload)
	assert.Equal(t, 3, c.Len())

	_, ok, err = c.Get(ctx, "frames:us-gaap:Assets:USD:CY2023Q4I")
	require.NoError(t, err)
	assert.False(t, ok, "expired row served")
	_, ok, err = c.Get(ctx, "facts:0000028917")
	require.NoError(t, err)
	assert.False(t, ok)

	n, err := c.Invalidate(ctx, "company-info")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	_, ok, _ = c.Get(ctx, "company-info:0000028917")
	assert.False(t, ok)
	_, ok, _ = c.Get(ctx, "concept:0000028917:us-gaap:Assets")
	assert.True(t, ok)

	// Patterns are literal substrings.
	n, err = c.Invalidate(ctx, "%")
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = c.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, c.Len())

	n, err = c.Invalidate(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Zero(t, c.Len())
}
