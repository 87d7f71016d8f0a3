// Package filedest implements the file archive sink of spec.md §4.D: it
// writes archived rows to CSV and/or SQL-insert files on disk, one file per
// table and configured format per run, and optionally compresses the output
// directory on exit.
package filedest

import (
	"bufio"
	"context"
	"encoding/csv"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mholt/archives"

	"github.com/ovh/osarchiver/internal/gateway"
)

// Format is one of the file formats spec.md §4.D supports.
type Format string

const (
	FormatCSV Format = "csv"
	FormatSQL Format = "sql"
)

// ArchiveFormat is one of the five compression formats spec.md §4.D names.
type ArchiveFormat string

const (
	ArchiveNone  ArchiveFormat = ""
	ArchiveTar   ArchiveFormat = "tar"
	ArchiveZip   ArchiveFormat = "zip"
	ArchiveGzTar ArchiveFormat = "gztar"
	ArchiveBzTar ArchiveFormat = "bztar"
	ArchiveXzTar ArchiveFormat = "xztar"
)

// RemoteUploader uploads a compressed archive to a remote object store. No
// implementation ships in this module (spec.md §1 scopes remote uploads out
// via an interface only); Destination.CleanExit calls it when injected.
type RemoteUploader interface {
	Upload(ctx context.Context, path string) error
}

// Config binds the wire-visible dst:<name> configuration keys of a
// type=file destination, per spec.md §4.D.
type Config struct {
	Directory     string
	Formats       []Format
	ArchiveFormat ArchiveFormat
	DryRun        bool
}

type openFile struct {
	path   string
	file   *os.File
	writer *bufio.Writer
	csvW   *csv.Writer
}

// fileKey identifies one open file: a table writes one file per configured
// format, so the table reference alone is not a unique key.
type fileKey struct {
	ref    gateway.TableRef
	format Format
}

// Destination is the file archive sink.
type Destination struct {
	cfg      Config
	log      *slog.Logger
	uploader RemoteUploader

	runDir string
	files  map[fileKey]*openFile
}

// dateTemplateLayout matches the original implementation's arrow.now().strftime('%F_%T')
// rendering of the {date} template token, e.g. "2019-01-17_10:42:42".
const dateTemplateLayout = "2006-01-02_15:04:05"

// New creates a Destination rooted at cfg.Directory (with {date} resolved
// against now). uploader may be nil.
func New(cfg Config, now time.Time, log *slog.Logger, uploader RemoteUploader) (*Destination, error) {
	if log == nil {
		log = slog.Default()
	}
	runDir := strings.ReplaceAll(cfg.Directory, "{date}", now.UTC().Format(dateTemplateLayout))
	if !cfg.DryRun {
		if err := os.MkdirAll(runDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating archive directory %s: %w", runDir, err)
		}
	}
	return &Destination{
		cfg:      cfg,
		log:      log.With("component", "filedest"),
		uploader: uploader,
		runDir:   runDir,
		files:    make(map[fileKey]*openFile),
	}, nil
}

// Write appends batch's rows to the table's file for each configured format,
// opening it and (for CSV) writing the header on first sight.
func (d *Destination) Write(ctx context.Context, batch gateway.Batch, pk string) error {
	if len(batch.Rows) == 0 {
		return nil
	}
	if d.cfg.DryRun {
		d.log.Info("dry-run: skipping file write", "database", batch.Database, "table", batch.Table, "count", len(batch.Rows))
		return nil
	}

	ref := gateway.TableRef{Database: batch.Database, Table: batch.Table}

	for _, format := range d.cfg.Formats {
		f, err := d.openFor(ref, format, batch.Columns)
		if err != nil {
			return err
		}

		switch format {
		case FormatSQL:
			for _, row := range batch.Rows {
				if _, err := f.writer.WriteString(insertStatement(batch.Database, batch.Table, batch.Columns, row, pk) + "\n"); err != nil {
					return err
				}
			}
			if err := f.writer.Flush(); err != nil {
				return err
			}
		default:
			for _, row := range batch.Rows {
				record := make([]string, len(batch.Columns))
				for i, c := range batch.Columns {
					record[i] = fmt.Sprintf("%v", row.Values[c])
				}
				if err := f.csvW.Write(record); err != nil {
					return err
				}
			}
			f.csvW.Flush()
			if err := f.csvW.Error(); err != nil {
				return err
			}
		}

		d.log.Info("rows written to archive file", "count", len(batch.Rows), "path", f.path)
	}

	return nil
}

func (d *Destination) openFor(ref gateway.TableRef, format Format, columns []string) (*openFile, error) {
	key := fileKey{ref: ref, format: format}
	if f, ok := d.files[key]; ok {
		return f, nil
	}

	ext := "csv"
	if format == FormatSQL {
		ext = "sql"
	}
	path := filepath.Join(d.runDir, fmt.Sprintf("%s.%s.%s", ref.Database, ref.Table, ext))
	file, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("creating archive file %s: %w", path, err)
	}

	f := &openFile{path: path, file: file, writer: bufio.NewWriter(file)}
	if format != FormatSQL {
		f.csvW = csv.NewWriter(f.writer)
		if err := f.csvW.Write(columns); err != nil {
			return nil, err
		}
		f.csvW.Flush()
	}
	d.files[key] = f
	return f, nil
}

// insertStatement renders an INSERT statement using ON DUPLICATE KEY UPDATE
// pk=pk, matching the database destination's upsert so replaying the same
// SQL file twice is a no-op, per spec.md §4.D and §9.
func insertStatement(database, table string, columns []string, row gateway.Row, pk string) string {
	values := make([]string, len(columns))
	for i, c := range columns {
		v := row.Values[c]
		if v == nil {
			values[i] = "NULL"
			continue
		}
		values[i] = fmt.Sprintf("'%v'", strings.ReplaceAll(fmt.Sprintf("%v", v), "'", "''"))
	}
	quoted := make([]string, len(columns))
	for i, c := range columns {
		quoted[i] = "`" + c + "`"
	}
	return fmt.Sprintf("INSERT INTO `%s`.`%s` (%s) VALUES (%s) ON DUPLICATE KEY UPDATE `%s`=`%s`;",
		database, table, strings.Join(quoted, ", "), strings.Join(values, ", "), pk, pk)
}

// CleanExit flushes and closes every open file, compresses the run
// directory when archive_format is set, removes the directory if it ended
// up empty (a dry run, or a run with no eligible rows), and uploads the
// resulting archive if a RemoteUploader was injected.
func (d *Destination) CleanExit(ctx context.Context) error {
	for _, f := range d.files {
		f.writer.Flush()
		_ = f.file.Close()
	}

	if d.cfg.DryRun {
		return d.removeIfEmpty()
	}

	if d.cfg.ArchiveFormat != ArchiveNone {
		archivePath, err := d.compress(ctx)
		if err != nil {
			return fmt.Errorf("compressing archive directory %s: %w", d.runDir, err)
		}
		if d.uploader != nil {
			if err := d.uploader.Upload(ctx, archivePath); err != nil {
				return fmt.Errorf("uploading archive %s: %w", archivePath, err)
			}
		}
	}

	return d.removeIfEmpty()
}

func (d *Destination) removeIfEmpty() error {
	entries, err := os.ReadDir(d.runDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if len(entries) == 0 {
		return os.Remove(d.runDir)
	}
	return nil
}

// compress archives the run directory into d.runDir + the format's
// extension, using github.com/mholt/archives for all five formats spec.md
// §4.D names, then removes the uncompressed source files.
func (d *Destination) compress(ctx context.Context) (string, error) {
	ext, format := archiveFormatOf(d.cfg.ArchiveFormat)
	if format == nil {
		return "", fmt.Errorf("unsupported archive format %q", d.cfg.ArchiveFormat)
	}

	archivePath := d.runDir + ext
	out, err := os.Create(archivePath)
	if err != nil {
		return "", err
	}
	defer out.Close()

	files, err := archives.FilesFromDisk(ctx, nil, map[string]string{d.runDir: ""})
	if err != nil {
		return "", err
	}
	if err := format.Archive(ctx, out, files); err != nil {
		return "", err
	}

	entries, err := os.ReadDir(d.runDir)
	if err == nil {
		for _, e := range entries {
			_ = os.Remove(filepath.Join(d.runDir, e.Name()))
		}
	}
	return archivePath, nil
}

func archiveFormatOf(f ArchiveFormat) (string, archives.Archiver) {
	switch f {
	case ArchiveTar:
		return ".tar", archives.Tar{}
	case ArchiveZip:
		return ".zip", archives.Zip{}
	case ArchiveGzTar:
		return ".tar.gz", archives.CompressedArchive{Compression: archives.Gz{}, Archival: archives.Tar{}}
	case ArchiveBzTar:
		return ".tar.bz2", archives.CompressedArchive{Compression: archives.Bz2{}, Archival: archives.Tar{}}
	case ArchiveXzTar:
		return ".tar.xz", archives.CompressedArchive{Compression: archives.Xz{}, Archival: archives.Tar{}}
	default:
		return "", nil
	}
}
