// Package gateway implements the DB gateway: the single place in osarchiver
// that opens connections, retries transient driver errors, and caches
// per-(database,table) metadata (primary key, foreign-key-check state,
// prerequisite-checked flag) for the lifetime of a run.
//
// Go's database/sql already pools connections and has no user-visible
// cursor object the way pymysql does, so the cursor cache described in
// spec.md §4.A collapses here into the foreign-key-check cache: the one
// piece of per-cursor state that actually changes gateway behavior.
package gateway

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-sql-driver/mysql"

	oaerrors "github.com/ovh/osarchiver/internal/errors"
)

// Row is one result row, column order preserved because a map alone would
// lose it.
type Row struct {
	Columns []string
	Values  map[string]any
}

// Get returns the value for a column, nil if absent.
func (r Row) Get(col string) any { return r.Values[col] }

// Batch is one page of rows read from a single (database, table).
type Batch struct {
	Database string
	Table    string
	Columns  []string
	Rows     []Row
}

// TableRef identifies a schema object everywhere in osarchiver.
type TableRef struct {
	Database string
	Table    string
}

func (t TableRef) String() string { return t.Database + "." + t.Table }

// FKEdge is a single foreign key relationship: child references parent.
type FKEdge struct {
	ChildDB      string
	ChildTable   string
	ChildColumn  string
	ParentDB     string
	ParentTable  string
	ParentColumn string
}

// ExecMode selects whether Request executes a single statement or a
// many-values batch (execute vs executemany in the original implementation).
type ExecMode int

const (
	ExecOne ExecMode = iota
	ExecMany
)

type tableMeta struct {
	primaryKey           string
	pkIsDigit            *bool
	fkCheckByCursorKind  map[string]bool
	prerequisitesChecked bool
}

// Config configures a Gateway connection.
type Config struct {
	Host            string
	Port            int
	User            string
	Password        string
	DryRun          bool
	MaxRetries      int
	RetryTimeLimit  time.Duration
}

// Gateway is the DB gateway described in spec.md §4.A. It is not safe for
// concurrent use: osarchiver's run loop is single-threaded by design
// (spec.md §5), and the metadata cache is single-writer.
type Gateway struct {
	cfg Config
	log *slog.Logger

	mu sync.Mutex // guards db/currentDB, not meant for concurrent callers, just reconnect safety
	db *sql.DB
	currentDB string

	metaMu sync.Mutex
	meta   map[TableRef]*tableMeta
}

// New creates a Gateway. The connection is opened lazily on first Request.
func New(cfg Config, log *slog.Logger) *Gateway {
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 5
	}
	if cfg.RetryTimeLimit == 0 {
		cfg.RetryTimeLimit = 2 * time.Second
	}
	if log == nil {
		log = slog.Default()
	}
	return &Gateway{
		cfg:  cfg,
		log:  log.With("component", "gateway", "host", cfg.Host, "port", cfg.Port),
		meta: make(map[TableRef]*tableMeta),
	}
}

func (g *Gateway) dsn(database string) string {
	dsn := fmt.Sprintf("%s:%s@tcp(%s:%d)/%s", g.cfg.User, g.cfg.Password, g.cfg.Host, g.cfg.Port, database)
	return dsn
}

// connect opens the connection lazily, reusing it across Request calls.
func (g *Gateway) connect(database string) error {
	if g.db != nil && g.currentDB == database {
		return nil
	}
	if g.db != nil {
		_ = g.db.Close()
		g.db = nil
	}
	db, err := sql.Open("mysql", g.dsn(database))
	if err != nil {
		return fmt.Errorf("opening connection to %s:%d: %w", g.cfg.Host, g.cfg.Port, err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return fmt.Errorf("connecting to %s:%d: %w", g.cfg.Host, g.cfg.Port, err)
	}
	g.db = db
	g.currentDB = database
	g.log.Debug("connected", "database", database)
	return nil
}

func (g *Gateway) getMeta(ref TableRef) *tableMeta {
	g.metaMu.Lock()
	defer g.metaMu.Unlock()
	m, ok := g.meta[ref]
	if !ok {
		m = &tableMeta{fkCheckByCursorKind: make(map[string]bool)}
		g.meta[ref] = m
	}
	return m
}

// setForeignKeyCheck issues SET FOREIGN_KEY_CHECKS only when the cached
// value for this (table, cursorKind) differs from the requested one, or
// there is no cached value yet, matching spec.md §4.A.
func (g *Gateway) setForeignKeyCheck(ctx context.Context, ref TableRef, cursorKind string, want bool, fresh bool) error {
	m := g.getMeta(ref)
	cached, ok := m.fkCheckByCursorKind[cursorKind]
	if fresh || !ok {
		cached = !want
	}
	if cached != want {
		stmt := "SET FOREIGN_KEY_CHECKS=0"
		if want {
			stmt = "SET FOREIGN_KEY_CHECKS=1"
		}
		if _, err := g.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	m.fkCheckByCursorKind[cursorKind] = want
	return nil
}

// RequestParams configures a single Request call.
type RequestParams struct {
	SQL           string
	Values        []any        // for ExecMany: [][]any via ValuesMany
	ValuesMany    [][]any
	Fetch         bool         // if true, rows are returned; otherwise the statement is committed
	Database      string
	Table         string
	CursorKind    string // logical cache key, e.g. "default" or "dict"
	ForeignKeyCheck *bool // nil means "don't touch"
	Exec          ExecMode
}

// Result is the outcome of a Request: the number of affected rows for a
// statement, or the fetched rows when Fetch is set.
type Result struct {
	RowsAffected int64
	Rows         []Row
}

// isRetryableDriverError classifies transient driver/network errors that
// should be retried, grounded on the teacher's isRetryableError in
// internal/storage/dolt/store.go.
func isRetryableDriverError(err error) bool {
	if err == nil {
		return false
	}
	s := strings.ToLower(err.Error())
	for _, needle := range []string{
		"driver: bad connection",
		"invalid connection",
		"broken pipe",
		"connection reset",
		"lost connection",
		"gone away",
		"i/o timeout",
		"eof",
	} {
		if strings.Contains(s, needle) {
			return true
		}
	}
	return false
}

var cursorInvalidPattern = regexp.MustCompile(`\(0, ''\)`)

// Request executes sql against the gateway with the retry/cursor/fk-check
// contract of spec.md §4.A. In dry-run mode, any commit becomes a rollback
// and the affected-row count returned is the input batch length; foreign
// key checks are forced off.
func (g *Gateway) Request(ctx context.Context, p RequestParams) (*Result, error) {
	fkCheck := p.ForeignKeyCheck
	if g.cfg.DryRun {
		off := false
		fkCheck = &off
	}

	var ref TableRef
	if p.Database != "" && p.Table != "" {
		ref = TableRef{Database: p.Database, Table: p.Table}
	}
	cursorKind := p.CursorKind
	if cursorKind == "" {
		cursorKind = "default"
	}

	attempt := 0
	freshCursor := false
	bo := backoff.WithMaxRetries(backoff.NewConstantBackOff(g.cfg.RetryTimeLimit), uint64(g.cfg.MaxRetries))

	var result *Result
	err := backoff.Retry(func() error {
		if attempt > 0 {
			g.log.Info("retrying request", "attempt", attempt, "max_retries", g.cfg.MaxRetries)
		}
		attempt++

		if err := g.connect(p.Database); err != nil {
			if isConnRefused(err) {
				g.log.Error("connection refused, waiting longer before retry", "error", err)
				time.Sleep(g.cfg.RetryTimeLimit)
				return fmt.Errorf("%w: %v", oaerrors.ErrConnectionRefused, err)
			}
			return err
		}

		if ref != (TableRef{}) && fkCheck != nil {
			if err := g.setForeignKeyCheck(ctx, ref, cursorKind, *fkCheck, freshCursor); err != nil {
				return err
			}
		}
		freshCursor = false

		var execErr error
		result, execErr = g.execute(ctx, p)
		if execErr == nil {
			return nil
		}

		if isMySQLErrorCode(execErr, oaerrors.MySQLErrForeignKey) {
			return backoff.Permanent(execErr)
		}
		if isConnRefused(execErr) {
			g.log.Error("connection refused, closing connection before retry", "error", execErr)
			g.closeConn()
			time.Sleep(g.cfg.RetryTimeLimit)
			return fmt.Errorf("%w: %v", oaerrors.ErrConnectionRefused, execErr)
		}
		if cursorInvalidPattern.MatchString(execErr.Error()) {
			g.log.Debug("cursor needs to be recreated")
			freshCursor = true
			return fmt.Errorf("%w: %v", oaerrors.ErrCursorInvalid, execErr)
		}
		if isRetryableDriverError(execErr) {
			return execErr
		}
		return backoff.Permanent(execErr)
	}, bo)

	if err != nil {
		return nil, err
	}
	return result, nil
}

func (g *Gateway) execute(ctx context.Context, p RequestParams) (*Result, error) {
	start := time.Now()
	defer func() {
		g.log.Debug("sql executed", "duration", time.Since(start), "sql", truncate(p.SQL, 200))
	}()

	if p.Exec == ExecMany {
		tx, err := g.db.BeginTx(ctx, nil)
		if err != nil {
			return nil, err
		}
		stmt, err := tx.PrepareContext(ctx, p.SQL)
		if err != nil {
			_ = tx.Rollback()
			return nil, err
		}
		var affected int64
		for _, values := range p.ValuesMany {
			res, err := stmt.ExecContext(ctx, values...)
			if err != nil {
				_ = tx.Rollback()
				return nil, err
			}
			n, _ := res.RowsAffected()
			affected += n
		}
		return g.finish(tx, affected, len(p.ValuesMany))
	}

	if p.Fetch {
		rows, err := g.db.QueryContext(ctx, p.SQL, p.Values...)
		if err != nil {
			return nil, err
		}
		defer rows.Close()
		batch, err := scanRows(rows)
		if err != nil {
			return nil, err
		}
		return &Result{Rows: batch}, nil
	}

	tx, err := g.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	res, err := tx.ExecContext(ctx, p.SQL, p.Values...)
	if err != nil {
		_ = tx.Rollback()
		return nil, err
	}
	n, _ := res.RowsAffected()
	return g.finish(tx, n, len(p.Values))
}

func (g *Gateway) finish(tx *sql.Tx, rowsAffected int64, inputLen int) (*Result, error) {
	if g.cfg.DryRun {
		g.log.Info("dry-run: rolling back statement instead of committing")
		_ = tx.Rollback()
		return &Result{RowsAffected: int64(inputLen)}, nil
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &Result{RowsAffected: rowsAffected}, nil
}

func scanRows(rows *sql.Rows) ([]Row, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	var out []Row
	for rows.Next() {
		raw := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range raw {
			ptrs[i] = &raw[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		values := make(map[string]any, len(cols))
		for i, c := range cols {
			values[c] = normalizeSQLValue(raw[i])
		}
		out = append(out, Row{Columns: cols, Values: values})
	}
	return out, rows.Err()
}

// normalizeSQLValue converts driver byte-slice results (the mysql driver's
// representation of TEXT/VARCHAR/DECIMAL/etc columns) into strings so
// downstream formatting doesn't need to special-case []byte.
func normalizeSQLValue(v any) any {
	if b, ok := v.([]byte); ok {
		return string(b)
	}
	return v
}

func (g *Gateway) closeConn() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.db != nil {
		_ = g.db.Close()
		g.db = nil
		g.currentDB = ""
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

func isConnRefused(err error) bool {
	if err == nil {
		return false
	}
	s := strings.ToLower(err.Error())
	return strings.Contains(s, "connection refused") || isMySQLErrorCode(err, oaerrors.MySQLErrConnRefused)
}

var mysqlErrCodePattern = regexp.MustCompile(`Error (\d+)`)

// isMySQLErrorCode inspects an error for a MySQL vendor error code, preferring
// the real go-sql-driver/mysql *mysql.MySQLError.Number field; the regex
// fallback keeps the gateway testable against fakes that only implement the
// error interface with a driver-shaped message.
func isMySQLErrorCode(err error, code uint16) bool {
	var mysqlErr *mysql.MySQLError
	if errors.As(err, &mysqlErr) {
		return mysqlErr.Number == code
	}
	m := mysqlErrCodePattern.FindStringSubmatch(err.Error())
	if m == nil {
		return false
	}
	return m[1] == fmt.Sprintf("%d", code)
}

// Close closes the underlying connection, if any.
func (g *Gateway) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.db == nil {
		return nil
	}
	err := g.db.Close()
	g.db = nil
	return err
}
