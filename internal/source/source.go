// Package source implements the Source engine of spec.md §4.B: database and
// table selection, topological ordering under foreign-key dependencies,
// keyset-paginated streaming, and integrity-aware deletion.
package source

import (
	"context"
	"fmt"
	"iter"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"time"

	oaerrors "github.com/ovh/osarchiver/internal/errors"
	"github.com/ovh/osarchiver/internal/gateway"
)

// systemDatabases are always excluded, per spec.md §4.B.
var systemDatabases = []string{"mysql", "performance_schema", "information_schema"}

// Config binds the wire-visible configuration keys of spec.md §4.B.
type Config struct {
	Databases          string
	Tables             string
	ExcludedDatabases  string
	ExcludedTables     string
	DeletedColumn      string
	Where              string
	ArchiveData        bool
	DeleteData         bool
	SelectLimit        int
	DeleteLimit        int
	DeleteLoopDelay    time.Duration
	MaxRetries         int
	RetryTimeLimit     time.Duration
}

// gatewayClient is the slice of *gateway.Gateway the Source engine calls.
// Depending on an interface rather than the concrete type lets unit tests
// exercise table-ordering, pagination and dichotomy-delete logic against a
// fake, without a real MySQL server.
type gatewayClient interface {
	ListDatabases(ctx context.Context) ([]string, error)
	ListTables(ctx context.Context, database string) ([]string, error)
	HasColumn(ctx context.Context, database, table, column string) (bool, error)
	PrimaryKey(ctx context.Context, database, table string) (string, error)
	PKIsDigit(database, table string) (bool, bool)
	SetPKIsDigit(database, table string, isDigit bool)
	Request(ctx context.Context, p gateway.RequestParams) (*gateway.Result, error)
	Close() error
}

// Source is the Source engine. It owns one Gateway.
type Source struct {
	cfg Config
	gw  gatewayClient
	log *slog.Logger

	now string // UTC start time, substituted into {now} exactly once per run

	databasesToArchive []string
	tablesToArchive    map[string][]string
	circularFK         map[string]bool // "db.table" -> true
}

// New creates a Source. start is the engine's UTC run-start time, used to
// substitute the {now} token in Where exactly once per run.
func New(cfg Config, gw *gateway.Gateway, log *slog.Logger, start time.Time) *Source {
	if log == nil {
		log = slog.Default()
	}
	nowStr := start.UTC().Format("2006-01-02 15:04:05")
	return &Source{
		cfg:             cfg,
		gw:              gw,
		log:             log.With("component", "source"),
		now:             nowStr,
		tablesToArchive: make(map[string][]string),
		circularFK:      make(map[string]bool),
	}
}

func splitList(raw string) []string {
	raw = strings.ReplaceAll(raw, " ", "")
	if raw == "" {
		return nil
	}
	parts := regexp.MustCompile(`[,;\n]`).Split(raw, -1)
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func anchoredUnion(items []string) *regexp.Regexp {
	if len(items) == 0 {
		// Never matches anything.
		return regexp.MustCompile(`^$a`)
	}
	return regexp.MustCompile("^(" + strings.Join(items, "|") + ")$")
}

// resolvedWhere substitutes {now} into the configured WHERE clause.
func (s *Source) resolvedWhere() string {
	return strings.ReplaceAll(s.cfg.Where, "{now}", s.now)
}

// DatabasesToArchive enumerates eligible databases, memoized for the run.
func (s *Source) DatabasesToArchive(ctx context.Context) ([]string, error) {
	if s.databasesToArchive != nil {
		return s.databasesToArchive, nil
	}

	var candidates []string
	if s.cfg.Databases == "" || s.cfg.Databases == "*" {
		all, err := s.gw.ListDatabases(ctx)
		if err != nil {
			return nil, err
		}
		candidates = all
	} else {
		candidates = splitList(s.cfg.Databases)
	}

	excluded := splitList(s.cfg.ExcludedDatabases)
	excluded = append(excluded, systemDatabases...)
	excludedRe := anchoredUnion(excluded)

	out := make([]string, 0, len(candidates))
	for _, db := range candidates {
		if !excludedRe.MatchString(db) {
			out = append(out, db)
		}
	}
	s.databasesToArchive = out
	s.log.Info("databases elected for archiving", "databases", out)
	return out, nil
}

// TablesToArchive returns the topologically ordered, filtered table list for
// database, memoized for the run.
func (s *Source) TablesToArchive(ctx context.Context, database string) ([]string, error) {
	if cached, ok := s.tablesToArchive[database]; ok {
		return cached, nil
	}

	allTables, err := s.gw.ListTables(ctx, database)
	if err != nil {
		return nil, err
	}

	var candidates []string
	if s.cfg.Tables == "" || s.cfg.Tables == "*" {
		candidates = allTables
	} else {
		wanted := splitList(s.cfg.Tables)
		allSet := make(map[string]bool, len(allTables))
		for _, t := range allTables {
			allSet[t] = true
		}
		for _, t := range wanted {
			if allSet[t] {
				candidates = append(candidates, t)
			}
		}
	}

	var withDeletedColumn []string
	for _, t := range candidates {
		has, err := s.gw.HasColumn(ctx, database, t, s.cfg.DeletedColumn)
		if err != nil {
			return nil, err
		}
		if !has {
			s.log.Debug("table has no deleted column, ignoring", "table", t, "column", s.cfg.DeletedColumn)
			continue
		}
		withDeletedColumn = append(withDeletedColumn, t)
	}

	excludedRe := anchoredUnion(splitList(s.cfg.ExcludedTables))
	var filtered []string
	for _, t := range withDeletedColumn {
		if !excludedRe.MatchString(t) {
			filtered = append(filtered, t)
		}
	}

	sorted, err := s.sortTables(ctx, database, filtered)
	if err != nil {
		return nil, err
	}

	s.tablesToArchive[database] = sorted
	s.log.Debug("tables ordered by foreign key dependencies", "database", database, "tables", sorted)
	return sorted, nil
}

// sortTables implements spec.md §4.B's topological ordering: walk the
// filtered table list in encounter order; for each table's parents, move an
// already-placed parent to just after the child, or insert an unseen parent
// there. Cycles are tolerated and recorded in circularFK.
func (s *Source) sortTables(ctx context.Context, database string, tables []string) ([]string, error) {
	var ordered []string

	// visit places table in ordered (if not already there) then walks its
	// parents, moving an already-placed parent to just after the child or
	// inserting an unseen one there, recursing so grandparents land after
	// their own children too. path tracks the current recursion chain so a
	// cycle is recorded rather than walked forever.
	var visit func(table string, path map[string]bool) error
	visit = func(table string, path map[string]bool) error {
		if indexOf(ordered, table) == -1 {
			ordered = append(ordered, table)
		}

		parents, err := s.parentTables(ctx, database, table)
		if err != nil {
			return err
		}
		for _, parent := range parents {
			if parent == table {
				continue // self-referencing FK, no ordering constraint to apply
			}
			if path[parent] {
				s.circularFK[database+"."+table] = true
				s.circularFK[database+"."+parent] = true
				continue
			}

			childIdx := indexOf(ordered, table)
			pIdx := indexOf(ordered, parent)
			if pIdx != -1 {
				if pIdx > childIdx {
					continue // parent already ordered after the child, nothing to do
				}
				ordered = removeAt(ordered, pIdx)
				childIdx = indexOf(ordered, table)
			}
			ordered = insertAt(ordered, childIdx+1, parent)

			childPath := make(map[string]bool, len(path)+1)
			for k := range path {
				childPath[k] = true
			}
			childPath[parent] = true
			if err := visit(parent, childPath); err != nil {
				return err
			}
		}
		return nil
	}

	for _, t := range tables {
		if indexOf(ordered, t) != -1 {
			continue
		}
		if err := visit(t, map[string]bool{t: true}); err != nil {
			return nil, err
		}
	}
	return ordered, nil
}

// parentTables returns the tables referenced by table's foreign keys, using
// information_schema the same way the gateway's ChildrenWithFK does but
// inverted (parent lookup rather than child lookup).
func (s *Source) parentTables(ctx context.Context, database, table string) ([]string, error) {
	res, err := s.gw.Request(ctx, gatewayParentFKRequest(database, table))
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool)
	var out []string
	for _, r := range res.Rows {
		parent := fmt.Sprintf("%v", r.Values["referred_table"])
		if !seen[parent] {
			seen[parent] = true
			out = append(out, parent)
		}
	}
	return out, nil
}

func indexOf(list []string, v string) int {
	for i, s := range list {
		if s == v {
			return i
		}
	}
	return -1
}

func removeAt(list []string, i int) []string {
	out := make([]string, 0, len(list)-1)
	out = append(out, list[:i]...)
	out = append(out, list[i+1:]...)
	return out
}

func insertAt(list []string, i int, v string) []string {
	out := make([]string, 0, len(list)+1)
	out = append(out, list[:i]...)
	out = append(out, v)
	out = append(out, list[i:]...)
	return out
}

// Stream yields successive Batches for every (database, table) eligible for
// archiving, using keyset pagination per spec.md §4.B. The sequence is lazy,
// finite, and non-restartable: each page suspends on a database call, and
// the first empty result ends the table's pagination.
func (s *Source) Stream(ctx context.Context, limit int) iter.Seq2[gateway.Batch, error] {
	if limit <= 0 {
		limit = s.cfg.SelectLimit
	}
	return func(yield func(gateway.Batch, error) bool) {
		databases, err := s.DatabasesToArchive(ctx)
		if err != nil {
			yield(gateway.Batch{}, err)
			return
		}
		for _, db := range databases {
			tables, err := s.TablesToArchive(ctx, db)
			if err != nil {
				if !yield(gateway.Batch{}, err) {
					return
				}
				continue
			}
			for _, table := range tables {
				has, err := s.gw.HasColumn(ctx, db, table, s.cfg.DeletedColumn)
				if err != nil {
					if !yield(gateway.Batch{}, err) {
						return
					}
					continue
				}
				if !has {
					// FK-referenced-only table kept for topology, never archived.
					continue
				}
				if !s.streamTable(ctx, db, table, limit, yield) {
					return
				}
			}
		}
	}
}

func (s *Source) streamTable(ctx context.Context, database, table string, limit int, yield func(gateway.Batch, error) bool) bool {
	pk, err := s.gw.PrimaryKey(ctx, database, table)
	if err != nil {
		return yield(gateway.Batch{}, err)
	}

	lastID := "0"
	pkTypeChecked := false
	pkIsDigit := false

	for {
		var sql string
		if pkTypeChecked && pkIsDigit {
			sql = fmt.Sprintf("SELECT * FROM `%s`.`%s` WHERE %s > %s AND %s LIMIT %d",
				database, table, pk, lastID, s.resolvedWhere(), limit)
		} else if pkTypeChecked {
			sql = fmt.Sprintf("SELECT * FROM `%s`.`%s` WHERE %s > '%s' AND %s ORDER BY %s LIMIT %d",
				database, table, pk, lastID, s.resolvedWhere(), pk, limit)
		} else {
			sql = fmt.Sprintf("SELECT * FROM `%s`.`%s` WHERE %s > '%s' AND %s LIMIT %d",
				database, table, pk, lastID, s.resolvedWhere(), limit)
		}

		res, err := s.gw.Request(ctx, gateway.RequestParams{
			SQL: sql, Fetch: true, Database: database, Table: table, CursorKind: "dict",
		})
		if err != nil {
			return yield(gateway.Batch{}, err)
		}
		if len(res.Rows) == 0 {
			return true
		}
		s.log.Info("fetched rows", "count", len(res.Rows), "database", database, "table", table)

		last := res.Rows[len(res.Rows)-1]
		lastID = fmt.Sprintf("%v", last.Values[pk])

		batch := gateway.Batch{Database: database, Table: table, Columns: res.Rows[0].Columns, Rows: res.Rows}
		if !yield(batch, nil) {
			return false
		}

		if !pkTypeChecked {
			pkIsDigit = isDigitString(lastID)
			pkTypeChecked = true
		}
	}
}

func isDigitString(s string) bool {
	if s == "" {
		return false
	}
	_, err := strconv.ParseUint(s, 10, 64)
	return err == nil
}

// Delete splits rows into delete_limit chunks and deletes them from
// database.table, looping per chunk until the affected count drops below
// the limit or the cumulative count matches the chunk size, per spec.md
// §4.B. It recovers from foreign key violations by dichotomy.
func (s *Source) Delete(ctx context.Context, database, table string, rows []gateway.Row) error {
	if !s.cfg.DeleteData {
		s.log.Info("ignoring delete step, delete_data disabled")
		return nil
	}
	return s.deleteSet(ctx, database, table, rows, s.cfg.DeleteLimit)
}

func (s *Source) deleteSet(ctx context.Context, database, table string, rows []gateway.Row, limit int) error {
	if len(rows) == 0 {
		return nil
	}
	pk, err := s.gw.PrimaryKey(ctx, database, table)
	if err != nil {
		return err
	}

	pkIsDigit, ok := s.gw.PKIsDigit(database, table)
	if !ok {
		pkIsDigit = isDigitString(fmt.Sprintf("%v", rows[0].Values[pk]))
		s.gw.SetPKIsDigit(database, table, pkIsDigit)
	}

	for _, chunk := range chunks(rows, limit) {
		if err := s.deleteChunk(ctx, database, table, pk, pkIsDigit, chunk, limit); err != nil {
			if recErr := s.recoverFromFKViolation(ctx, database, table, chunk, err); recErr != nil {
				return recErr
			}
			// Recovery handled this chunk (dichotomy retry or an abandoned
			// singleton row); later chunks of this delete_limit batch are
			// still independently deletable and must not be skipped.
			continue
		}
		time.Sleep(s.cfg.DeleteLoopDelay)
	}
	return nil
}

func (s *Source) deleteChunk(ctx context.Context, database, table, pk string, pkIsDigit bool, chunk []gateway.Row, limit int) error {
	ids := renderIDs(chunk, pk, pkIsDigit)
	fkCheck := true
	if s.circularFK[database+"."+table] {
		fkCheck = false
	}

	totalDeleted := 0
	for {
		if totalDeleted > 0 {
			time.Sleep(s.cfg.DeleteLoopDelay)
		}
		sql := fmt.Sprintf("DELETE FROM `%s`.`%s` WHERE `%s` IN (%s) LIMIT %d",
			database, table, pk, ids, limit)

		res, err := s.gw.Request(ctx, gateway.RequestParams{
			SQL: sql, Database: database, Table: table, ForeignKeyCheck: &fkCheck,
		})
		if err != nil {
			return err
		}
		s.log.Info("rows deleted", "count", res.RowsAffected, "database", database, "table", table)
		totalDeleted += int(res.RowsAffected)

		if int(res.RowsAffected) < limit || totalDeleted == len(chunk) {
			break
		}
	}
	time.Sleep(s.cfg.DeleteLoopDelay)
	return nil
}

// recoverFromFKViolation implements the dichotomy-delete recovery of
// spec.md §4.B: a singleton offending row is logged with remediation hints
// and abandoned; a larger batch is bisected and retried recursively. A 1451
// whose message cannot be parsed is logged and recovered the same way, with
// hints that name the missing column. Any other error is returned unchanged.
func (s *Source) recoverFromFKViolation(ctx context.Context, database, table string, rows []gateway.Row, cause error) error {
	var fkErr *oaerrors.ErrForeignKeyViolation
	violation, parsed := oaerrors.ParseFKViolation(cause.Error())
	if !parsed {
		if !strings.Contains(cause.Error(), fmt.Sprintf("Error %d", oaerrors.MySQLErrForeignKey)) {
			return cause
		}
		s.log.Warn("unable to parse foreign key violation message", "error", cause.Error())
	}
	fkErr = &oaerrors.ErrForeignKeyViolation{Violation: violation, Raw: cause.Error()}

	if len(rows) == 1 {
		s.log.Error("row will never be deleted unless remaining children data is fixed",
			"row", rows[0].Values, "select_hint", gateway.SelectHint(violation, rows[0]),
			"fix_hint", gateway.FixHint(violation, rows[0], s.cfg.DeletedColumn))
		return nil
	}

	s.log.Error("integrity error caught, deleting with dichotomy", "error", fkErr)
	mid := len(rows) / 2
	halves := [][]gateway.Row{rows[:mid], rows[mid:]}
	for _, half := range halves {
		time.Sleep(s.cfg.DeleteLoopDelay)
		if err := s.deleteSet(ctx, database, table, half, len(half)); err != nil {
			return err
		}
	}
	return nil
}

func chunks(rows []gateway.Row, size int) [][]gateway.Row {
	if size <= 0 {
		size = len(rows)
	}
	var out [][]gateway.Row
	for i := 0; i < len(rows); i += size {
		end := i + size
		if end > len(rows) {
			end = len(rows)
		}
		out = append(out, rows[i:end])
	}
	return out
}

func renderIDs(rows []gateway.Row, pk string, pkIsDigit bool) string {
	ids := make([]string, 0, len(rows))
	for _, r := range rows {
		v := fmt.Sprintf("%v", r.Values[pk])
		if pkIsDigit {
			ids = append(ids, v)
		} else {
			ids = append(ids, "\""+v+"\"")
		}
	}
	return strings.Join(ids, ", ")
}

// CircularFKTables returns the "db.table" set recorded as having a cyclic
// foreign-key dependency, for diagnostics.
func (s *Source) CircularFKTables() map[string]bool {
	return s.circularFK
}

// CleanExit disconnects the owned gateway.
func (s *Source) CleanExit() error {
	s.log.Info("closing source DB connection")
	return s.gw.Close()
}

// ArchiveData reports whether this source is configured to archive rows.
func (s *Source) ArchiveData() bool { return s.cfg.ArchiveData }

// DeleteData reports whether this source is configured to delete rows after
// a successful archive.
func (s *Source) DeleteData() bool { return s.cfg.DeleteData }

func gatewayParentFKRequest(database, table string) gateway.RequestParams {
	sql := fmt.Sprintf(
		"SELECT referenced_table_name AS referred_table FROM information_schema.key_column_usage "+
			"WHERE referenced_table_name IS NOT NULL AND table_schema='%s' AND table_name='%s'",
		database, table)
	return gateway.RequestParams{SQL: sql, Fetch: true, CursorKind: "dict"}
}
