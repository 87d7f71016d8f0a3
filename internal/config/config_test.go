package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const sampleINI = `
[src:shop]
host = db1.internal
port = 3306
user = archiver
password = secret
databases = shop
tables = orders,order_items
deleted_column = deleted
where = deleted_at < '{now}'
select_limit = 500

[dst:shop_db]
type = db
host = ${src:shop:host}
port = 3306
user = archiver
password = secret
db_suffix = _archive

[dst:shop_file]
type = file
directory = /var/archive/shop/{date}
formats = csv,sql
archive_format = gztar

[archiver:shop_orders]
enable = true
archive_data = true
delete_data = true
src = shop
dst = shop_db,shop_file
`

func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "osarchiver.ini")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoad_BindsArchiverWithCrossSectionInterpolation(t *testing.T) {
	path := writeTempConfig(t, sampleINI)
	now := time.Date(2026, 7, 30, 12, 0, 0, 0, time.UTC)

	cfg, err := Load(path, now)
	require.NoError(t, err)
	require.Len(t, cfg.Archivers, 1)

	ac := cfg.Archivers[0]
	require.Equal(t, "shop_orders", ac.Name)
	require.True(t, ac.Enable)
	require.True(t, ac.ArchiveData)
	require.True(t, ac.DeleteData)

	require.Len(t, ac.Srcs, 1)
	require.Equal(t, "db1.internal", ac.Srcs[0].Host)
	require.Equal(t, "deleted_at < '2026-07-30 12:00:00'", ac.Srcs[0].Where)
	require.Equal(t, 500, ac.Srcs[0].SelectLimit)

	require.Len(t, ac.DBs, 1)
	require.Equal(t, "db1.internal", ac.DBs[0].Host, "expected ${src:shop:host} to resolve via cross-section interpolation")
	require.Equal(t, "_archive", ac.DBs[0].DBSuffix)

	require.Len(t, ac.Files, 1)
	require.Equal(t, "/var/archive/shop/{date}", ac.Files[0].Directory)
	require.Equal(t, []string{"csv", "sql"}, ac.Files[0].Formats)
	require.Equal(t, "gztar", ac.Files[0].ArchiveFormat)
}

func TestLoad_MultipleSrcReferences(t *testing.T) {
	path := writeTempConfig(t, `
[src:shop_a]
host = a.internal
databases = shop_a

[src:shop_b]
host = b.internal
databases = shop_b

[archiver:multi]
src = shop_a, shop_b
`)
	cfg, err := Load(path, time.Now())
	require.NoError(t, err)
	require.Len(t, cfg.Archivers, 1)
	require.Len(t, cfg.Archivers[0].Srcs, 2)
	require.Equal(t, "a.internal", cfg.Archivers[0].Srcs[0].Host)
	require.Equal(t, "b.internal", cfg.Archivers[0].Srcs[1].Host)
}

func TestLoad_MissingSrcReference(t *testing.T) {
	path := writeTempConfig(t, `
[archiver:broken]
archive_data = true
`)
	_, err := Load(path, time.Now())
	require.Error(t, err)
}
