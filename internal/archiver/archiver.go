// Package archiver implements the coordinator of spec.md §4.E: for each
// named archiver configuration, it streams batches from a Source, fans
// each batch out to its destinations in order, and deletes only the rows
// every destination accepted.
package archiver

import (
	"context"
	"errors"
	"log/slog"

	oaerrors "github.com/ovh/osarchiver/internal/errors"
	"github.com/ovh/osarchiver/internal/gateway"
	"github.com/ovh/osarchiver/internal/source"
)

// Destination is the common shape a batch is written to. dbdest.Destination
// and filedest.Destination have slightly different native signatures
// (dbdest needs a run timestamp for {date} substitution, filedest needs the
// source primary key column for SQL-format inserts), so cmd/osarchiver
// wires them up behind small adapters in adapters.go that satisfy this
// interface.
type Destination interface {
	Write(ctx context.Context, batch gateway.Batch) error
	CleanExit(ctx context.Context) error
}

// Archiver runs one configured archiver (one [archiver:*] section), which
// Name identifies.
type Archiver struct {
	Name         string
	src          *source.Source
	destinations []Destination
	log          *slog.Logger
}

// New creates an Archiver. destinations are written in configuration order;
// spec.md §4.E requires every destination to accept a batch before its rows
// are deleted from the source.
func New(name string, src *source.Source, destinations []Destination, log *slog.Logger) *Archiver {
	if log == nil {
		log = slog.Default()
	}
	return &Archiver{
		Name:         name,
		src:          src,
		destinations: destinations,
		log:          log.With("component", "archiver", "name", name),
	}
}

// Run streams every eligible batch from the source, writes it to every
// destination, and deletes it from the source only if every destination
// write succeeded. A destination failure skips deletion for that batch and
// continues to the next one, per spec.md §4.E's ErrArchivingFailed
// semantics: one bad batch must not abort the whole run. Schema drift
// (ErrSchemaDriftDatabase, ErrSchemaDriftTable) is the exception: it stops
// the run and is returned.
func (a *Archiver) Run(ctx context.Context) error {
	if !a.src.ArchiveData() && !a.src.DeleteData() {
		a.log.Info("archiver has nothing to do, archive_data and delete_data both disabled")
		return nil
	}

	var batchErr error
	for batch, err := range a.src.Stream(ctx, 0) {
		if err != nil {
			batchErr = err
			break
		}
		if ctx.Err() != nil {
			batchErr = ctx.Err()
			break
		}

		if a.src.ArchiveData() {
			if err := a.writeToAllDestinations(ctx, batch); err != nil {
				if errors.Is(err, oaerrors.ErrSchemaDriftDatabase) || errors.Is(err, oaerrors.ErrSchemaDriftTable) {
					batchErr = err
					break
				}
				a.log.Error("archiving batch failed, skipping delete", "database", batch.Database, "table", batch.Table, "error", err)
				continue
			}
		}

		if err := a.src.Delete(ctx, batch.Database, batch.Table, batch.Rows); err != nil {
			batchErr = err
			break
		}
	}

	if batchErr != nil {
		a.log.Error("archiver run stopped", "error", batchErr)
	}
	return batchErr
}

func (a *Archiver) writeToAllDestinations(ctx context.Context, batch gateway.Batch) error {
	for _, dest := range a.destinations {
		if err := dest.Write(ctx, batch); err != nil {
			return errors.Join(oaerrors.ErrArchivingFailed, err)
		}
	}
	return nil
}

// CleanExit releases the source and every destination, best-effort,
// collecting every error encountered rather than stopping at the first.
func (a *Archiver) CleanExit(ctx context.Context) error {
	var errs []error
	for _, dest := range a.destinations {
		if err := dest.CleanExit(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if err := a.src.CleanExit(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
