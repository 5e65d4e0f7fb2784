// Package metastore implements envelope.Metastore against a handful of
// real backing stores: an in-memory map for tests, database/sql for
// relational databases, and DynamoDB.
package metastore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"github.com/rcrowley/go-metrics"

	"github.com/sentrykey/envelope"
)

const (
	defaultLoadQuery       = "SELECT key_record FROM encryption_key WHERE id = ? AND created = ?"
	defaultStoreQuery      = "INSERT INTO encryption_key (id, created, key_record) VALUES (?, ?, ?)"
	defaultLoadLatestQuery = "SELECT key_record FROM encryption_key WHERE id = ? ORDER BY created DESC LIMIT 1"
)

var (
	_ envelope.Metastore = (*SQL)(nil)

	storeSQLTimer      = metrics.GetOrRegisterTimer(fmt.Sprintf("%s.metastore.sql.store", envelope.MetricsPrefix), nil)
	loadSQLTimer       = metrics.GetOrRegisterTimer(fmt.Sprintf("%s.metastore.sql.load", envelope.MetricsPrefix), nil)
	loadLatestSQLTimer = metrics.GetOrRegisterTimer(fmt.Sprintf("%s.metastore.sql.loadlatest", envelope.MetricsPrefix), nil)
)

// DBType identifies a family of database/sql drivers whose placeholder
// syntax differs from the default "?".
type DBType string

const (
	Postgres DBType = "postgres"
	Oracle   DBType = "oracle"
	MySQL    DBType = "mysql"

	DefaultDBType = MySQL
)

var qrx = regexp.MustCompile(`\?`)

// q rewrites "?" placeholders to "$1, $2, ..." on Postgres or ":1, :2,
// ..." on Oracle; other dialects (MySQL) use "?" as-is.
func (t DBType) q(query string) string {
	var pref string

	switch t {
	case Postgres:
		pref = "$"
	case Oracle:
		pref = ":"
	default:
		return query
	}

	n := 0

	return qrx.ReplaceAllStringFunc(query, func(string) string {
		n++
		return pref + strconv.Itoa(n)
	})
}

// SQLOption configures a SQL metastore beyond its *sql.DB handle.
type SQLOption func(*SQL)

// WithDBType sets the placeholder dialect used when rewriting the default
// queries. Defaults to MySQL, whose "?" placeholders need no rewriting.
func WithDBType(t DBType) SQLOption {
	return func(s *SQL) {
		s.dbType = t
		s.loadQuery = t.q(s.loadQuery)
		s.storeQuery = t.q(s.storeQuery)
		s.loadLatestQuery = t.q(s.loadLatestQuery)
	}
}

// WithTableName points the default queries at a table name other than
// encryption_key.
func WithTableName(name string) SQLOption {
	return func(s *SQL) {
		s.loadQuery = fmt.Sprintf("SELECT key_record FROM %s WHERE id = ? AND created = ?", name)
		s.storeQuery = fmt.Sprintf("INSERT INTO %s (id, created, key_record) VALUES (?, ?, ?)", name)
		s.loadLatestQuery = fmt.Sprintf("SELECT key_record FROM %s WHERE id = ? ORDER BY created DESC LIMIT 1", name)

		if s.dbType != "" && s.dbType != MySQL {
			s.loadQuery = s.dbType.q(s.loadQuery)
			s.storeQuery = s.dbType.q(s.storeQuery)
			s.loadLatestQuery = s.dbType.q(s.loadLatestQuery)
		}
	}
}

// SQL implements envelope.Metastore on top of database/sql, storing each
// EnvelopeKeyRecord as a JSON blob alongside its (id, created) key.
//
// The expected table shape:
//
//	CREATE TABLE encryption_key (
//	  id         VARCHAR(255) NOT NULL,
//	  created    TIMESTAMP    NOT NULL,
//	  key_record TEXT         NOT NULL,
//	  PRIMARY KEY (id, created)
//	);
type SQL struct {
	db *sql.DB

	dbType          DBType
	loadQuery       string
	storeQuery      string
	loadLatestQuery string
}

// NewSQL builds a SQL metastore over db, an already-opened database/sql
// handle (e.g. via go-sql-driver/mysql).
func NewSQL(db *sql.DB, opts ...SQLOption) *SQL {
	s := &SQL{
		db:              db,
		dbType:          DefaultDBType,
		loadQuery:       defaultLoadQuery,
		storeQuery:      defaultStoreQuery,
		loadLatestQuery: defaultLoadLatestQuery,
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func parseRecord(row scanner) (*envelope.EnvelopeKeyRecord, error) {
	var blob string

	if err := row.Scan(&blob); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}

		return nil, errors.Wrap(err, "metastore: scan failed")
	}

	var rec *envelope.EnvelopeKeyRecord
	if err := json.Unmarshal([]byte(blob), &rec); err != nil {
		return nil, errors.Wrap(err, "metastore: unmarshal record failed")
	}

	return rec, nil
}

// Load implements envelope.Metastore.
func (s *SQL) Load(ctx context.Context, id string, created int64) (*envelope.EnvelopeKeyRecord, error) {
	defer loadSQLTimer.UpdateSince(time.Now())

	return parseRecord(s.db.QueryRowContext(ctx, s.loadQuery, id, time.Unix(created, 0)))
}

// LoadLatest implements envelope.Metastore.
func (s *SQL) LoadLatest(ctx context.Context, id string) (*envelope.EnvelopeKeyRecord, error) {
	defer loadLatestSQLTimer.UpdateSince(time.Now())

	return parseRecord(s.db.QueryRowContext(ctx, s.loadLatestQuery, id))
}

// Store implements envelope.Metastore. database/sql exposes no portable
// way to distinguish a primary-key violation from any other insert
// failure, so every failed insert is reported as (false, nil): the caller
// should treat a false return as "someone already stored this" unless it
// independently knows otherwise. A genuine connectivity failure still
// surfaces, wrapped in ErrMetastoreException.
func (s *SQL) Store(ctx context.Context, id string, created int64, rec *envelope.EnvelopeKeyRecord) (bool, error) {
	defer storeSQLTimer.UpdateSince(time.Now())

	blob, err := json.Marshal(rec)
	if err != nil {
		return false, errors.Wrap(envelope.ErrMalformedRecord, err.Error())
	}

	if _, err := s.db.ExecContext(ctx, s.storeQuery, id, time.Unix(created, 0), string(blob)); err != nil {
		if isConnError(err) {
			return false, errors.Wrapf(envelope.ErrMetastoreException, "store %s/%d: %s", id, created, err)
		}

		return false, nil
	}

	return true, nil
}

// isConnError reports whether err looks like a connectivity failure
// rather than a constraint violation, using the only portable signal
// database/sql gives us.
func isConnError(err error) bool {
	return errors.Is(err, sql.ErrConnDone) || errors.Is(err, sql.ErrTxDone)
}
