// Command osarchiver streams soft-deleted rows out of a relational database,
// archives them to one or more sinks, and hard-deletes them from the source.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ovh/osarchiver/internal/archiver"
	"github.com/ovh/osarchiver/internal/config"
	"github.com/ovh/osarchiver/internal/destination/dbdest"
	"github.com/ovh/osarchiver/internal/destination/filedest"
	"github.com/ovh/osarchiver/internal/gateway"
	"github.com/ovh/osarchiver/internal/source"
)

var (
	configPath string
	logFile    string
	logLevel   string
	debug      bool
	dryRun     bool

	rootCtx    context.Context
	rootCancel context.CancelFunc
)

func main() {
	root := &cobra.Command{
		Use:   "osarchiver",
		Short: "Archive and purge soft-deleted rows from relational databases",
		RunE:  run,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to the INI configuration file (required)")
	root.PersistentFlags().StringVar(&logFile, "log-file", "", "optional path to also write logs to")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level: debug, info, warn, error")
	root.PersistentFlags().BoolVar(&debug, "debug", false, "shortcut for --log-level debug")
	root.PersistentFlags().BoolVar(&dryRun, "dry-run", false, "run without writing or deleting anything")
	_ = root.MarkPersistentFlagRequired("config")

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	log, err := newLogger()
	if err != nil {
		return err
	}

	if _, err := os.Stat(configPath); err != nil {
		log.Error("config file not found", "path", configPath, "error", err)
		return err
	}

	rootCtx, rootCancel = signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer rootCancel()

	now := time.Now()
	cfg, err := config.Load(configPath, now)
	if err != nil {
		log.Error("failed to load configuration", "error", err)
		return err
	}

	var runErr error
	for _, ac := range cfg.Archivers {
		if !ac.Enable {
			log.Info("archiver disabled, skipping", "name", ac.Name)
			continue
		}
		for i, src := range ac.Srcs {
			name := ac.Name
			if len(ac.Srcs) > 1 {
				name = fmt.Sprintf("%s[%d]", ac.Name, i)
			}
			if err := runArchiver(rootCtx, name, ac, src, now, log); err != nil {
				log.Error("archiver failed", "name", name, "error", err)
				runErr = err
			}
			if rootCtx.Err() != nil {
				break
			}
		}
		if rootCtx.Err() != nil {
			log.Warn("interrupted, stopping remaining archivers")
			break
		}
	}

	if runErr != nil || rootCtx.Err() != nil {
		return fmt.Errorf("osarchiver run failed")
	}
	return nil
}

func runArchiver(ctx context.Context, name string, ac config.ArchiverConfig, srcCfg config.SourceSection, now time.Time, log *slog.Logger) error {
	srcGW := gateway.New(gateway.Config{
		Host: srcCfg.Host, Port: srcCfg.Port, User: srcCfg.User, Password: srcCfg.Password,
		DryRun: dryRun, MaxRetries: srcCfg.MaxRetries, RetryTimeLimit: srcCfg.RetryTimeLimit,
	}, log)

	src := source.New(source.Config{
		Databases: srcCfg.Databases, Tables: srcCfg.Tables,
		ExcludedDatabases: srcCfg.ExcludedDatabases, ExcludedTables: srcCfg.ExcludedTables,
		DeletedColumn: srcCfg.DeletedColumn, Where: srcCfg.Where,
		ArchiveData: ac.ArchiveData, DeleteData: ac.DeleteData,
		SelectLimit: srcCfg.SelectLimit, DeleteLimit: srcCfg.DeleteLimit,
		DeleteLoopDelay: srcCfg.DeleteLoopDelay, MaxRetries: srcCfg.MaxRetries,
		RetryTimeLimit: srcCfg.RetryTimeLimit,
	}, srcGW, log, now)

	var destinations []archiver.Destination
	for _, dbCfg := range ac.DBs {
		dbDest := dbdest.New(dbdest.Config{
			Host: dbCfg.Host, Port: dbCfg.Port, User: dbCfg.User, Password: dbCfg.Password,
			DBSuffix: dbCfg.DBSuffix, TableSuffix: dbCfg.TableSuffix, BulkInsert: dbCfg.BulkInsert,
			MaxRetries: dbCfg.MaxRetries, RetryTimeLimit: dbCfg.RetryTimeLimit, DryRun: dryRun,
		}, srcGW, srcCfg.Host, srcCfg.Port, log)
		destinations = append(destinations, archiver.DBDestination{Dest: dbDest, Start: now})
	}
	for _, fileCfg := range ac.Files {
		formats := make([]filedest.Format, len(fileCfg.Formats))
		for i, f := range fileCfg.Formats {
			formats[i] = filedest.Format(f)
		}
		fileDest, err := filedest.New(filedest.Config{
			Directory:     fileCfg.Directory,
			Formats:       formats,
			ArchiveFormat: filedest.ArchiveFormat(fileCfg.ArchiveFormat),
			DryRun:        dryRun,
		}, now, log, nil)
		if err != nil {
			return err
		}
		destinations = append(destinations, archiver.FileDestination{Dest: fileDest, SrcGW: srcGW})
	}

	a := archiver.New(name, src, destinations, log)
	runErr := a.Run(ctx)
	if cleanErr := a.CleanExit(ctx); cleanErr != nil {
		log.Error("error while closing archiver resources", "name", name, "error", cleanErr)
	}
	return runErr
}

func newLogger() (*slog.Logger, error) {
	level := parseLevel(logLevel)
	if debug {
		level = slog.LevelDebug
	}
	levelVar := new(slog.LevelVar)
	levelVar.Set(level)

	var writer io.Writer = os.Stdout
	if logFile != "" {
		f, err := os.OpenFile(logFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, fmt.Errorf("opening log file %s: %w", logFile, err)
		}
		writer = io.MultiWriter(os.Stdout, f)
	}

	handler := slog.NewTextHandler(writer, &slog.HandlerOptions{Level: levelVar})
	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger, nil
}

func parseLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
