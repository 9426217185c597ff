// Package sqltest creates throwaway databases on a local Postgres instance so
// each test runs against the real schema in isolation.
package sqltest

import (
	"context"
	"crypto/rand"
	"fmt"
	"math"
	"math/big"
	"os"
	"reflect"
	"strings"
	"testing"

	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/postgresql-cfbot/cfbot/go/schema"
	"github.com/postgresql-cfbot/cfbot/go/sqlutil"
)

// HostEnvVar names the environment variable pointing at the test Postgres
// instance, e.g. "localhost:5432". Tests are skipped when it is unset.
const HostEnvVar = "CFBOT_TEST_POSTGRES"

// NewPostgresForTests creates a randomly named database on the test Postgres
// instance and returns a pool connected to it. The pool is closed when the
// test finishes. Tests calling this are skipped unless CFBOT_TEST_POSTGRES is
// set.
func NewPostgresForTests(ctx context.Context, t testing.TB) *pgxpool.Pool {
	host := os.Getenv(HostEnvVar)
	if host == "" {
		t.Skipf("set %s (e.g. localhost:5432) to run database tests", HostEnvVar)
	}

	n, err := rand.Int(rand.Reader, big.NewInt(math.MaxInt64))
	require.NoError(t, err)
	dbName := "cfbot_test_" + n.String()

	admin, err := pgxpool.Connect(ctx, fmt.Sprintf("postgres://postgres@%s/postgres?sslmode=disable", host))
	require.NoError(t, err)
	defer admin.Close()
	_, err = admin.Exec(ctx, "CREATE DATABASE "+dbName)
	require.NoError(t, err)

	conf, err := pgxpool.ParseConfig(fmt.Sprintf("postgres://postgres@%s/%s?sslmode=disable", host, dbName))
	require.NoError(t, err)
	conf.MaxConns = 4
	db, err := pgxpool.ConnectConfig(ctx, conf)
	require.NoError(t, err)
	t.Cleanup(func() {
		db.Close()
	})
	return db
}

// NewPostgresForTestsWithSchema returns a pool aimed at a fresh random
// database with the production schema applied.
func NewPostgresForTestsWithSchema(ctx context.Context, t testing.TB) *pgxpool.Pool {
	db := NewPostgresForTests(ctx, t)
	_, err := db.Exec(ctx, schema.Schema)
	require.NoError(t, err)
	return db
}

// SQLExporter is an abstraction around a type that can be written as a single
// row in a SQL table.
type SQLExporter interface {
	// ToSQLRow returns the column names and the column data that should be
	// written for this row.
	ToSQLRow() (colNames []string, colData []interface{})
}

// SQLScanner is an abstraction around reading a single row from an SQL table.
type SQLScanner interface {
	// ScanFrom takes in a function that takes in any number of pointers and
	// will fill in the data. The arguments passed into scan should be the row
	// fields in the order they appear in the table schema, as they will be
	// filled in via a SELECT * FROM table.
	ScanFrom(scan func(...interface{}) error) error
}

// RowsOrder is an option that rows in a table can implement to specify the
// ordering of the returned data (to make for easier to debug tests).
type RowsOrder interface {
	// RowsOrderBy returns a SQL fragment like "ORDER BY my_field DESC".
	RowsOrderBy() string
}

// BulkInsertDataTables adds all the data from tables to the provided database.
// tables is expected to be a struct whose fields are slices of SQLExporter;
// they are inserted in field order, so put parents before children. Panics if
// tables has the wrong shape.
func BulkInsertDataTables(ctx context.Context, db *pgxpool.Pool, tables interface{}) error {
	v := reflect.ValueOf(tables)
	for i := 0; i < v.NumField(); i++ {
		tableName := v.Type().Field(i).Name
		table := v.Field(i)
		if table.Kind() != reflect.Slice {
			panic("expected table to be a slice: " + tableName)
		}
		if err := writeToTable(ctx, db, tableName, table); err != nil {
			return errors.Wrap(err, tableName)
		}
	}
	return nil
}

func writeToTable(ctx context.Context, db *pgxpool.Pool, name string, table reflect.Value) error {
	var arguments []interface{}
	var colNames []string
	numRows := table.Len()
	for j := 0; j < numRows; j++ {
		r := table.Index(j)
		row, ok := r.Interface().(SQLExporter)
		if !ok {
			panic("expected table to be a slice of types that implement ToSQLRow: " + name)
		}
		cn, args := row.ToSQLRow()
		if len(colNames) == 0 {
			colNames = cn
		}
		if len(colNames) != len(args) {
			panic("expected length of colNames and arguments to match for " + name)
		}
		arguments = append(arguments, args...)
	}
	if len(arguments) == 0 {
		return nil
	}
	numCols := len(colNames)
	vp := sqlutil.ValuesPlaceholders(numCols, numRows)
	insert := fmt.Sprintf("INSERT INTO %s (%s) VALUES %s", tableNameToSQL(name), strings.Join(colNames, ","), vp)
	if _, err := db.Exec(ctx, insert, arguments...); err != nil {
		return errors.Wrapf(err, "inserting %d rows into table %s", numRows, name)
	}
	// Serial columns do not advance when ids are inserted explicitly; bump
	// the sequences so later inserts do not collide with fixture rows.
	for _, col := range colNames {
		if col != "id" {
			continue
		}
		seq := fmt.Sprintf("SELECT setval(pg_get_serial_sequence('%s', 'id'), (SELECT MAX(id) FROM %s))", tableNameToSQL(name), tableNameToSQL(name))
		if _, err := db.Exec(ctx, seq); err != nil {
			return errors.Wrapf(err, "advancing id sequence for %s", name)
		}
	}
	return nil
}

// tableNameToSQL converts a Go field name like BuildStatusHistory into the
// snake_case SQL table name.
func tableNameToSQL(name string) string {
	var b strings.Builder
	for i, r := range name {
		if r >= 'A' && r <= 'Z' {
			if i > 0 {
				b.WriteByte('_')
			}
			b.WriteRune(r - 'A' + 'a')
		} else {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// GetAllRows returns all rows for a given table. The passed in row param must
// be a pointer type that implements the SQLScanner interface. It may
// optionally implement RowsOrder to make the returned order deterministic.
// The returned value is a slice of the provided row type (without a pointer)
// and can be converted to a normal slice via a type assertion.
func GetAllRows(ctx context.Context, t *testing.T, db *pgxpool.Pool, table string, row interface{}) interface{} {
	if _, ok := row.(SQLScanner); !ok {
		require.Fail(t, "Row does not implement SQLScanner. Need pointer type.", "%#v", row)
	}

	statement := "SELECT * FROM " + table
	if ro, ok := row.(RowsOrder); ok {
		statement += " " + ro.RowsOrderBy()
	}
	rows, err := db.Query(ctx, statement)
	require.NoError(t, err)
	defer rows.Close()

	typ := reflect.TypeOf(row).Elem()
	rv := reflect.MakeSlice(reflect.SliceOf(typ), 0, 5)
	for rows.Next() {
		newVal := reflect.New(typ)
		s := newVal.Interface().(SQLScanner)
		require.NoError(t, s.ScanFrom(rows.Scan))
		rv = reflect.Append(rv, newVal.Elem())
	}
	return rv.Interface()
}
