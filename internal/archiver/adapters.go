package archiver

import (
	"context"
	"time"

	"github.com/ovh/osarchiver/internal/destination/dbdest"
	"github.com/ovh/osarchiver/internal/destination/filedest"
	"github.com/ovh/osarchiver/internal/gateway"
)

// DBDestination adapts dbdest.Destination to the Destination interface,
// supplying the run-start timestamp dbdest needs for {date} substitution.
type DBDestination struct {
	Dest  *dbdest.Destination
	Start time.Time
}

func (a DBDestination) Write(ctx context.Context, batch gateway.Batch) error {
	return a.Dest.Write(ctx, batch, a.Start)
}

func (a DBDestination) CleanExit(context.Context) error {
	return a.Dest.CleanExit()
}

// FileDestination adapts filedest.Destination to the Destination interface,
// fetching the source primary key column filedest needs for SQL-format
// INSERT statements.
type FileDestination struct {
	Dest   *filedest.Destination
	SrcGW  *gateway.Gateway
}

func (a FileDestination) Write(ctx context.Context, batch gateway.Batch) error {
	pk, err := a.SrcGW.PrimaryKey(ctx, batch.Database, batch.Table)
	if err != nil {
		return err
	}
	return a.Dest.Write(ctx, batch, pk)
}

func (a FileDestination) CleanExit(ctx context.Context) error {
	return a.Dest.CleanExit(ctx)
}
