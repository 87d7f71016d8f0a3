// Package dbdest implements the database archive sink of spec.md §4.C: it
// mirrors archived rows into a second database (possibly the same server,
// with a suffix), reconciling schema before the first write to each table
// and upserting idempotently thereafter.
package dbdest

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	oaerrors "github.com/ovh/osarchiver/internal/errors"
	"github.com/ovh/osarchiver/internal/gateway"
)

// autoIncrementPattern strips the AUTO_INCREMENT=<n> clause MySQL embeds in
// SHOW CREATE TABLE output, since that counter legitimately differs between
// source and destination without indicating schema drift.
var autoIncrementPattern = regexp.MustCompile(`\s*AUTO_INCREMENT=\d+`)

// Config binds the wire-visible dst:<name> configuration keys of a
// type=db destination, per spec.md §4.C.
type Config struct {
	Host           string
	Port           int
	User           string
	Password       string
	DBSuffix       string
	TableSuffix    string
	BulkInsert     int
	MaxRetries     int
	RetryTimeLimit time.Duration
	DryRun         bool
}

// Destination is the database archive sink. One Destination owns one
// Gateway pointed at the archive server.
type Destination struct {
	cfg        Config
	srcGW      *gateway.Gateway // used read-only, to fetch SHOW CREATE statements from the source
	gw         *gateway.Gateway
	log        *slog.Logger
	sameServer bool

	dbSuffixByDatabase map[string]string
}

// New creates a Destination. srcHost/srcPort identify the source server so
// the same-server guard of spec.md §4.C can detect when source and
// destination are the same instance.
func New(cfg Config, srcGW *gateway.Gateway, srcHost string, srcPort int, log *slog.Logger) *Destination {
	if log == nil {
		log = slog.Default()
	}
	gw := gateway.New(gateway.Config{
		Host: cfg.Host, Port: cfg.Port, User: cfg.User, Password: cfg.Password,
		DryRun: cfg.DryRun, MaxRetries: cfg.MaxRetries, RetryTimeLimit: cfg.RetryTimeLimit,
	}, log.With("component", "dbdest"))

	d := &Destination{
		cfg:                cfg,
		srcGW:              srcGW,
		gw:                 gw,
		log:                log.With("component", "dbdest"),
		sameServer:         cfg.Host == srcHost && cfg.Port == srcPort,
		dbSuffixByDatabase: make(map[string]string),
	}

	noSuffixConfigured := d.cfg.DBSuffix == "" && d.cfg.TableSuffix == ""
	switch {
	case d.sameServer && d.cfg.DBSuffix == "":
		d.log.Warn("destination is the same server as source with no db_suffix configured, " +
			"forcing _archive suffix to avoid overwriting the source database")
		d.cfg.DBSuffix = "_archive"
	case cfg.Host == srcHost && cfg.Port != srcPort && noSuffixConfigured:
		d.log.Warn("destination host is the same as source host but on a different port, " +
			"I can't verify the destination database is different from the source, you may lose data, BE CAREFUL")
		d.log.Warn("sleeping 10 sec...")
		time.Sleep(10 * time.Second)
	}
	return d
}

// resolveDBSuffix substitutes {date} into db_suffix, memoized per source
// database so every batch of the same run uses an identical destination
// name even as the clock advances.
func (d *Destination) resolveDBSuffix(database string, now time.Time) string {
	if cached, ok := d.dbSuffixByDatabase[database]; ok {
		return cached
	}
	suffix := strings.ReplaceAll(d.cfg.DBSuffix, "{date}", now.UTC().Format(dateTemplateLayout))
	d.dbSuffixByDatabase[database] = suffix
	return suffix
}

func (d *Destination) destDatabase(database string, now time.Time) string {
	return database + d.resolveDBSuffix(database, now)
}

func (d *Destination) destTable(table string, now time.Time) string {
	suffix := strings.ReplaceAll(d.cfg.TableSuffix, "{date}", now.UTC().Format(dateTemplateLayout))
	return table + suffix
}

// dateTemplateLayout matches the original implementation's arrow.now().strftime('%F_%T')
// rendering of the {date} template token, e.g. "2019-01-17_10:42:42".
const dateTemplateLayout = "2006-01-02_15:04:05"

// ensurePrerequisites reconciles database- and table-level schema between
// source and destination, creating the destination objects on first sight
// and comparing byte-for-byte (AUTO_INCREMENT stripped) on subsequent
// writes. It is memoized per (database, table) via the gateway's
// PrerequisitesChecked flag so reconciliation runs exactly once per run.
func (d *Destination) ensurePrerequisites(ctx context.Context, database, table string, now time.Time) error {
	if d.gw.PrerequisitesChecked(database, table) {
		return nil
	}

	destDB := d.destDatabase(database, now)
	destTable := d.destTable(table, now)

	if err := d.reconcileDatabase(ctx, database, destDB); err != nil {
		return err
	}
	if err := d.reconcileTable(ctx, database, table, destDB, destTable); err != nil {
		return err
	}

	d.gw.MarkPrerequisitesChecked(database, table)
	return nil
}

func (d *Destination) reconcileDatabase(ctx context.Context, srcDB, destDB string) error {
	srcCreate, err := showCreateDatabase(ctx, d.srcGW, srcDB)
	if err != nil {
		return fmt.Errorf("fetching source CREATE DATABASE for %s: %w", srcDB, err)
	}

	destCreate, err := showCreateDatabase(ctx, d.gw, destDB)
	if err != nil {
		// Destination database doesn't exist yet: create it with the
		// source's statement, renamed.
		createSQL := renameCreateDatabase(srcCreate, srcDB, destDB)
		if _, err := d.gw.Request(ctx, gateway.RequestParams{SQL: createSQL, Database: destDB}); err != nil {
			return fmt.Errorf("creating destination database %s: %w", destDB, err)
		}
		d.log.Info("created destination database", "database", destDB)
		return nil
	}

	wantCreate := renameCreateDatabase(srcCreate, srcDB, destDB)
	if normalizeCreateStatement(wantCreate) != normalizeCreateStatement(destCreate) {
		return fmt.Errorf("%w: source=%q destination=%q", oaerrors.ErrSchemaDriftDatabase, wantCreate, destCreate)
	}
	return nil
}

func (d *Destination) reconcileTable(ctx context.Context, srcDB, srcTable, destDB, destTable string) error {
	srcCreate, err := showCreateTable(ctx, d.srcGW, srcDB, srcTable)
	if err != nil {
		return fmt.Errorf("fetching source CREATE TABLE for %s.%s: %w", srcDB, srcTable, err)
	}

	destCreate, err := showCreateTable(ctx, d.gw, destDB, destTable)
	if err != nil {
		createSQL := renameCreateTable(srcCreate, srcTable, destTable)
		noFKCheck := false
		if _, err := d.gw.Request(ctx, gateway.RequestParams{
			SQL: createSQL, Database: destDB, Table: destTable, ForeignKeyCheck: &noFKCheck,
		}); err != nil {
			return fmt.Errorf("creating destination table %s.%s: %w", destDB, destTable, err)
		}
		d.log.Info("created destination table", "database", destDB, "table", destTable)
		return nil
	}

	wantCreate := renameCreateTable(srcCreate, srcTable, destTable)
	if normalizeCreateStatement(wantCreate) != normalizeCreateStatement(destCreate) {
		return fmt.Errorf("%w: source=%q destination=%q", oaerrors.ErrSchemaDriftTable, wantCreate, destCreate)
	}
	return nil
}

func showCreateDatabase(ctx context.Context, gw *gateway.Gateway, database string) (string, error) {
	res, err := gw.Request(ctx, gateway.RequestParams{
		SQL: fmt.Sprintf("SHOW CREATE DATABASE `%s`", database), Fetch: true,
	})
	if err != nil {
		return "", err
	}
	if len(res.Rows) == 0 {
		return "", fmt.Errorf("database %s does not exist", database)
	}
	return fmt.Sprintf("%v", res.Rows[0].Values["Create Database"]), nil
}

func showCreateTable(ctx context.Context, gw *gateway.Gateway, database, table string) (string, error) {
	res, err := gw.Request(ctx, gateway.RequestParams{
		SQL: fmt.Sprintf("SHOW CREATE TABLE `%s`.`%s`", database, table), Fetch: true, Database: database, Table: table,
	})
	if err != nil {
		return "", err
	}
	if len(res.Rows) == 0 {
		return "", fmt.Errorf("table %s.%s does not exist", database, table)
	}
	return fmt.Sprintf("%v", res.Rows[0].Values["Create Table"]), nil
}

func renameCreateDatabase(create, fromName, toName string) string {
	return strings.Replace(create, "`"+fromName+"`", "`"+toName+"`", 1)
}

func renameCreateTable(create, fromName, toName string) string {
	return strings.Replace(create, "`"+fromName+"`", "`"+toName+"`", 1)
}

// normalizeCreateStatement strips the AUTO_INCREMENT=<n> clause before
// comparison, since that counter legitimately differs between source and
// destination without indicating schema drift.
func normalizeCreateStatement(create string) string {
	return autoIncrementPattern.ReplaceAllString(create, "")
}

// Write upserts batch into the destination, reconciling schema first if
// this is the first write to the table this run. Upserts use
// ON DUPLICATE KEY UPDATE pk=pk so repeated writes of the same row (a
// batch retried after a transient failure) are no-ops, per spec.md §4.C's
// idempotent-archival property.
func (d *Destination) Write(ctx context.Context, batch gateway.Batch, now time.Time) error {
	if len(batch.Rows) == 0 {
		return nil
	}
	if err := d.ensurePrerequisites(ctx, batch.Database, batch.Table, now); err != nil {
		return err
	}

	destDB := d.destDatabase(batch.Database, now)
	destTable := d.destTable(batch.Table, now)

	pk, err := d.srcGW.PrimaryKey(ctx, batch.Database, batch.Table)
	if err != nil {
		return err
	}

	bulk := d.cfg.BulkInsert
	if bulk <= 0 {
		bulk = len(batch.Rows)
	}
	for start := 0; start < len(batch.Rows); start += bulk {
		end := start + bulk
		if end > len(batch.Rows) {
			end = len(batch.Rows)
		}
		if err := d.writeChunk(ctx, destDB, destTable, pk, batch.Columns, batch.Rows[start:end]); err != nil {
			return err
		}
	}
	d.log.Info("rows written to destination database", "count", len(batch.Rows), "database", destDB, "table", destTable)
	return nil
}

func (d *Destination) writeChunk(ctx context.Context, database, table, pk string, columns []string, rows []gateway.Row) error {
	placeholders := make([]string, len(columns))
	for i := range columns {
		placeholders[i] = "?"
	}
	sql := fmt.Sprintf("INSERT INTO `%s`.`%s` (%s) VALUES (%s) ON DUPLICATE KEY UPDATE `%s`=`%s`",
		database, table, quotedColumns(columns), strings.Join(placeholders, ", "), pk, pk)

	values := make([][]any, 0, len(rows))
	for _, r := range rows {
		row := make([]any, len(columns))
		for i, c := range columns {
			row[i] = r.Values[c]
		}
		values = append(values, row)
	}

	noFKCheck := false
	_, err := d.gw.Request(ctx, gateway.RequestParams{
		SQL: sql, ValuesMany: values, Exec: gateway.ExecMany, Database: database, Table: table,
		ForeignKeyCheck: &noFKCheck,
	})
	if err != nil {
		return fmt.Errorf("writing %d rows to %s.%s: %w", len(rows), database, table, err)
	}
	return nil
}

func quotedColumns(columns []string) string {
	out := make([]string, len(columns))
	for i, c := range columns {
		out[i] = "`" + c + "`"
	}
	return strings.Join(out, ", ")
}

// CleanExit disconnects the owned gateway.
func (d *Destination) CleanExit() error {
	d.log.Info("closing destination DB connection")
	return d.gw.Close()
}
