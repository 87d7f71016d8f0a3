package dbdest

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustParseDate(t *testing.T, s string) time.Time {
	t.Helper()
	tm, err := time.Parse("2006-01-02", s)
	require.NoError(t, err)
	return tm
}

func TestNormalizeCreateStatement(t *testing.T) {
	a := "CREATE TABLE `orders` (`id` int) ENGINE=InnoDB AUTO_INCREMENT=42 DEFAULT CHARSET=utf8"
	b := "CREATE TABLE `orders` (`id` int) ENGINE=InnoDB AUTO_INCREMENT=108 DEFAULT CHARSET=utf8"
	assert.Equal(t, normalizeCreateStatement(a), normalizeCreateStatement(b))
}

func TestNormalizeCreateStatement_DetectsRealDrift(t *testing.T) {
	a := "CREATE TABLE `orders` (`id` int) ENGINE=InnoDB AUTO_INCREMENT=42 DEFAULT CHARSET=utf8"
	b := "CREATE TABLE `orders` (`id` bigint) ENGINE=InnoDB AUTO_INCREMENT=42 DEFAULT CHARSET=utf8"
	assert.NotEqual(t, normalizeCreateStatement(a), normalizeCreateStatement(b))
}

func TestRenameCreateDatabase(t *testing.T) {
	got := renameCreateDatabase("CREATE DATABASE `shop` /*!40100 DEFAULT CHARACTER SET utf8 */", "shop", "shop_archive")
	assert.Contains(t, got, "`shop_archive`")
	assert.NotContains(t, got, "`shop`")
}

func TestRenameCreateTable(t *testing.T) {
	got := renameCreateTable("CREATE TABLE `orders` (`id` int)", "orders", "orders_archive")
	assert.Contains(t, got, "`orders_archive`")
}

func TestQuotedColumns(t *testing.T) {
	assert.Equal(t, "`id`, `name`", quotedColumns([]string{"id", "name"}))
}

func TestNew_SameServerForcesArchiveSuffix(t *testing.T) {
	d := New(Config{Host: "db1.internal", Port: 3306}, nil, "db1.internal", 3306, nil)
	assert.Equal(t, "_archive", d.cfg.DBSuffix)
	assert.True(t, d.sameServer)
}

func TestNew_SameServerWithConfiguredSuffixIsLeftAlone(t *testing.T) {
	d := New(Config{Host: "db1.internal", Port: 3306, DBSuffix: "_mirror"}, nil, "db1.internal", 3306, nil)
	assert.Equal(t, "_mirror", d.cfg.DBSuffix)
}

func TestResolveDBSuffix_SubstitutesDateAndMemoizes(t *testing.T) {
	d := &Destination{cfg: Config{DBSuffix: "_archive_{date}"}, dbSuffixByDatabase: make(map[string]string)}
	now := mustParseDate(t, "2026-07-30")
	got := d.resolveDBSuffix("shop", now)
	assert.Equal(t, "_archive_2026-07-30_00:00:00", got)

	// memoized: a later call with a different time still returns the cached value
	later := mustParseDate(t, "2026-08-01")
	assert.Equal(t, got, d.resolveDBSuffix("shop", later))
}
