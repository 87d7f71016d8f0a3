// Package errors defines the sentinel error values osarchiver uses to
// distinguish retryable driver failures from fatal schema drift and
// per-batch archiving failures, replacing the original implementation's
// exception hierarchy with errors.Is/errors.As-compatible values.
package errors

import (
	"errors"
	"fmt"
	"regexp"
)

// Fatal errors: schema drift between source and destination. Archiving for
// the affected archiver must stop immediately.
var (
	ErrSchemaDriftDatabase = errors.New("CREATE DATABASE statement differs between source and destination")
	ErrSchemaDriftTable    = errors.New("SHOW CREATE TABLE statement differs between source and destination")
)

// ErrArchivingFailed is raised by the archiver coordinator when any
// destination's write returns an error; it signals that deletion of the
// current batch must be skipped.
var ErrArchivingFailed = errors.New("archiving of data set failed")

// ErrCursorInvalid signals the gateway that the cached cursor/connection
// must be discarded and recreated before retrying.
var ErrCursorInvalid = errors.New("cursor is no longer valid")

// ErrConnectionRefused signals a vendor 2003 (connection refused) error;
// the gateway closes the connection and sleeps longer before retrying.
var ErrConnectionRefused = errors.New("connection to database server refused")

// Vendor-specific MySQL error codes the gateway and source engine branch on.
const (
	MySQLErrDupOrBadCursor  = 0    // pymysql-style "(0, '')" cursor error, kept for parity with the source implementation
	MySQLErrForeignKey      = 1451 // Cannot delete or update a parent row: a foreign key constraint fails
	MySQLErrConnRefused     = 2003 // Can't connect to MySQL server
)

// FKViolation holds the fields extracted from a MySQL 1451 error message by
// ParseFKViolation.
type FKViolation struct {
	ChildDB     string
	ChildTable  string
	FKColumn    string
	ParentTable string
	ParentColumn string
}

// ErrForeignKeyViolation wraps a MySQL 1451 error together with the parsed
// FKViolation detail, when the message could be parsed.
type ErrForeignKeyViolation struct {
	Violation FKViolation
	Raw       string
}

func (e *ErrForeignKeyViolation) Error() string {
	return fmt.Sprintf("foreign key constraint violation: %s", e.Raw)
}

// fkViolationRegexp mirrors, verbatim in spirit, the regex used by the
// original implementation's sql_integrity_exception_parser: it must keep
// matching the exact human-readable shape MySQL/MariaDB emit for a 1451
// error so remediation hints stay accurate.
var fkViolationRegexp = regexp.MustCompile(
	"^.+fails \\(`(?P<db>[^`]+)`\\.`(?P<table>[^`]+)`, CONSTRAINT `[^`]+`" +
		" FOREIGN KEY \\(`(?P<fk>[^`]+)`\\) REFERENCES `(?P<ref_table>[^`]+)`" +
		" \\(`(?P<ref_column>[^`]+)`\\)\\)$")

// ParseFKViolation extracts the child database/table/column and parent
// table/column referenced by a MySQL 1451 error message. It returns ok=false
// when the message does not match the expected shape, in which case the
// caller is expected to log the raw message rather than fail.
func ParseFKViolation(message string) (FKViolation, bool) {
	m := fkViolationRegexp.FindStringSubmatch(message)
	if m == nil {
		return FKViolation{}, false
	}
	names := fkViolationRegexp.SubexpNames()
	v := FKViolation{}
	for i, name := range names {
		if i == 0 || i >= len(m) {
			continue
		}
		switch name {
		case "db":
			v.ChildDB = m[i]
		case "table":
			v.ChildTable = m[i]
		case "fk":
			v.FKColumn = m[i]
		case "ref_table":
			v.ParentTable = m[i]
		case "ref_column":
			v.ParentColumn = m[i]
		}
	}
	return v, true
}
