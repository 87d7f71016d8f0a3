package filedest

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/ovh/osarchiver/internal/gateway"
)

func TestInsertStatement(t *testing.T) {
	row := gateway.Row{Values: map[string]any{"id": "1", "name": "O'Brien", "note": nil}}
	got := insertStatement("shop", "orders", []string{"id", "name", "note"}, row, "id")
	assert.Contains(t, got, "INSERT INTO `shop`.`orders`")
	assert.Contains(t, got, "'O''Brien'")
	assert.Contains(t, got, "NULL")
	assert.Contains(t, got, "ON DUPLICATE KEY UPDATE `id`=`id`", "replaying the same SQL file twice must be a no-op")
}

func TestArchiveFormatOf(t *testing.T) {
	tests := []struct {
		format    ArchiveFormat
		wantExt   string
		wantNil   bool
	}{
		{ArchiveTar, ".tar", false},
		{ArchiveZip, ".zip", false},
		{ArchiveGzTar, ".tar.gz", false},
		{ArchiveBzTar, ".tar.bz2", false},
		{ArchiveXzTar, ".tar.xz", false},
		{ArchiveNone, "", true},
	}
	for _, tt := range tests {
		ext, archiver := archiveFormatOf(tt.format)
		assert.Equal(t, tt.wantExt, ext)
		if tt.wantNil {
			assert.Nil(t, archiver)
		} else {
			assert.NotNil(t, archiver)
		}
	}
}
