package gateway

import (
	"context"
	"fmt"

	oaerrors "github.com/ovh/osarchiver/internal/errors"
)

// ListDatabases returns every database visible to the connection.
func (g *Gateway) ListDatabases(ctx context.Context) ([]string, error) {
	res, err := g.Request(ctx, RequestParams{SQL: "SHOW DATABASES", Fetch: true})
	if err != nil {
		return nil, fmt.Errorf("listing databases: %w", err)
	}
	out := make([]string, 0, len(res.Rows))
	for _, r := range res.Rows {
		out = append(out, fmt.Sprintf("%v", r.Values[r.Columns[0]]))
	}
	return out, nil
}

// ListTables returns every table in database.
func (g *Gateway) ListTables(ctx context.Context, database string) ([]string, error) {
	res, err := g.Request(ctx, RequestParams{SQL: "SHOW TABLES", Fetch: true, Database: database})
	if err != nil {
		return nil, fmt.Errorf("listing tables of %s: %w", database, err)
	}
	out := make([]string, 0, len(res.Rows))
	for _, r := range res.Rows {
		out = append(out, fmt.Sprintf("%v", r.Values[r.Columns[0]]))
	}
	return out, nil
}

// HasColumn reports whether table has the named column.
func (g *Gateway) HasColumn(ctx context.Context, database, table, column string) (bool, error) {
	sql := fmt.Sprintf(
		"SELECT column_name FROM information_schema.columns WHERE table_schema=%s AND table_name=%s AND column_name=%s",
		quoteLiteral(database), quoteLiteral(table), quoteLiteral(column))
	res, err := g.Request(ctx, RequestParams{SQL: sql, Fetch: true, Database: database, Table: table})
	if err != nil {
		return false, fmt.Errorf("checking column %s on %s.%s: %w", column, database, table, err)
	}
	return len(res.Rows) > 0, nil
}

// PrimaryKey returns the single primary key column of a table, memoized in
// the gateway's metadata cache for the lifetime of the run.
func (g *Gateway) PrimaryKey(ctx context.Context, database, table string) (string, error) {
	ref := TableRef{Database: database, Table: table}
	m := g.getMeta(ref)
	if m.primaryKey != "" {
		return m.primaryKey, nil
	}

	sql := fmt.Sprintf("SHOW KEYS FROM `%s`.`%s` WHERE Key_name='PRIMARY'", database, table)
	res, err := g.Request(ctx, RequestParams{SQL: sql, Fetch: true, Database: database, Table: table})
	if err != nil {
		return "", fmt.Errorf("fetching primary key of %s.%s: %w", database, table, err)
	}
	if len(res.Rows) == 0 {
		return "", fmt.Errorf("table %s.%s has no primary key", database, table)
	}
	// SHOW KEYS column 5 (index 4) is Column_name, matching the original
	// implementation's "dirty but..." row[4] access.
	row := res.Rows[0]
	pk := fmt.Sprintf("%v", row.Values["Column_name"])

	g.metaMu.Lock()
	m.primaryKey = pk
	g.metaMu.Unlock()
	return pk, nil
}

// PKIsDigit returns the cached pk_is_digit flag for (database, table), or
// false,false if it hasn't been detected yet.
func (g *Gateway) PKIsDigit(database, table string) (bool, bool) {
	m := g.getMeta(TableRef{Database: database, Table: table})
	g.metaMu.Lock()
	defer g.metaMu.Unlock()
	if m.pkIsDigit == nil {
		return false, false
	}
	return *m.pkIsDigit, true
}

// SetPKIsDigit memoizes the pk_is_digit detection for (database, table).
func (g *Gateway) SetPKIsDigit(database, table string, isDigit bool) {
	m := g.getMeta(TableRef{Database: database, Table: table})
	g.metaMu.Lock()
	m.pkIsDigit = &isDigit
	g.metaMu.Unlock()
}

// PrerequisitesChecked reports whether destination schema reconciliation has
// already run for (database, table) this run.
func (g *Gateway) PrerequisitesChecked(database, table string) bool {
	m := g.getMeta(TableRef{Database: database, Table: table})
	g.metaMu.Lock()
	defer g.metaMu.Unlock()
	return m.prerequisitesChecked
}

// MarkPrerequisitesChecked flips prerequisitesChecked from false to true. It
// is idempotent and never un-sets the flag, per spec.md §3's invariant.
func (g *Gateway) MarkPrerequisitesChecked(database, table string) {
	m := g.getMeta(TableRef{Database: database, Table: table})
	g.metaMu.Lock()
	m.prerequisitesChecked = true
	g.metaMu.Unlock()
}

// ChildrenWithFK returns the FKEdges whose parent is (database, table).
func (g *Gateway) ChildrenWithFK(ctx context.Context, database, table string) ([]FKEdge, error) {
	sql := fmt.Sprintf(
		"SELECT table_schema, table_name, column_name FROM information_schema.key_column_usage "+
			"WHERE referenced_table_name IS NOT NULL AND referenced_table_schema=%s AND referenced_table_name=%s",
		quoteLiteral(database), quoteLiteral(table))
	res, err := g.Request(ctx, RequestParams{SQL: sql, Fetch: true, CursorKind: "dict"})
	if err != nil {
		return nil, fmt.Errorf("listing children of %s.%s: %w", database, table, err)
	}
	edges := make([]FKEdge, 0, len(res.Rows))
	for _, r := range res.Rows {
		edges = append(edges, FKEdge{
			ChildDB:      fmt.Sprintf("%v", r.Values["table_schema"]),
			ChildTable:   fmt.Sprintf("%v", r.Values["table_name"]),
			ChildColumn:  fmt.Sprintf("%v", r.Values["column_name"]),
			ParentDB:     database,
			ParentTable:  table,
			ParentColumn: "", // not needed by callers; referenced column is the parent PK
		})
	}
	return edges, nil
}

// SelectHint renders the diagnostic SELECT statement for the children rows
// that block a parent delete because of a foreign key violation.
func SelectHint(violation oaerrors.FKViolation, row Row) string {
	v, ok := row.Values[violation.ParentColumn]
	if !ok {
		return fmt.Sprintf("unable to render select hint, missing column %s in row", violation.ParentColumn)
	}
	return fmt.Sprintf("SELECT * FROM `%s`.`%s` WHERE `%s` = '%v'",
		violation.ChildDB, violation.ChildTable, violation.FKColumn, v)
}

// FixHint renders the diagnostic UPDATE statement that propagates the
// parent's deleted-column into the orphan children, for operator guidance
// only — osarchiver never executes it itself.
func FixHint(violation oaerrors.FKViolation, row Row, deletedColumn string) string {
	v, ok := row.Values[violation.ParentColumn]
	if !ok {
		return fmt.Sprintf("unable to render fix hint, missing column %s in row", violation.ParentColumn)
	}
	valueLiteral := fmt.Sprintf("'%v'", v)
	if isDigitString(fmt.Sprintf("%v", v)) {
		valueLiteral = fmt.Sprintf("%v", v)
	}
	return fmt.Sprintf(
		"UPDATE `%s`.`%s` INNER JOIN `%s`.`%s` ON `%s`.`%s`.`%s` = `%s`.`%s`.`%s` "+
			"SET `%s`.`%s`.`%s` = `%s`.`%s`.`%s` WHERE %s = %s AND `%s`.`%s`.`%s` IS NULL",
		violation.ChildDB, violation.ChildTable, violation.ChildDB, violation.ParentTable,
		violation.ChildDB, violation.ParentTable, violation.ParentColumn,
		violation.ChildDB, violation.ChildTable, violation.FKColumn,
		violation.ChildDB, violation.ChildTable, deletedColumn,
		violation.ChildDB, violation.ParentTable, deletedColumn,
		violation.FKColumn, valueLiteral,
		violation.ChildDB, violation.ChildTable, deletedColumn,
	)
}

func quoteLiteral(s string) string {
	return "'" + s + "'"
}

func isDigitString(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
