package source

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"regexp"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ovh/osarchiver/internal/gateway"
)

// fakeGateway is a gatewayClient double: it answers the three SQL shapes the
// Source engine issues (the FK-parent lookup, keyset SELECT pagination, and
// DELETE) by inspecting the statement text, so sortTables, streamTable and
// the dichotomy-delete recovery path can be unit tested without a MySQL
// server.
type fakeGateway struct {
	pk      string
	parents map[string][]string // table -> parent tables, for sortTables

	pages   [][]gateway.Row // canned SELECT pages, for streamTable
	pageIdx int

	blockedIDs map[string]bool // ids that always trigger a 1451 on DELETE
	deleted    []string

	pkIsDigitVal bool
	pkIsDigitSet bool

	requests []string
}

func (f *fakeGateway) ListDatabases(ctx context.Context) ([]string, error) { return nil, nil }
func (f *fakeGateway) ListTables(ctx context.Context, database string) ([]string, error) {
	return nil, nil
}
func (f *fakeGateway) HasColumn(ctx context.Context, database, table, column string) (bool, error) {
	return true, nil
}
func (f *fakeGateway) PrimaryKey(ctx context.Context, database, table string) (string, error) {
	return f.pk, nil
}
func (f *fakeGateway) PKIsDigit(database, table string) (bool, bool) {
	return f.pkIsDigitVal, f.pkIsDigitSet
}
func (f *fakeGateway) SetPKIsDigit(database, table string, isDigit bool) {
	f.pkIsDigitVal, f.pkIsDigitSet = isDigit, true
}
func (f *fakeGateway) Close() error { return nil }

var fkParentTableNamePattern = regexp.MustCompile(`table_name='([^']+)'`)
var inListPattern = regexp.MustCompile(`IN \(([^)]*)\)`)

func (f *fakeGateway) Request(ctx context.Context, p gateway.RequestParams) (*gateway.Result, error) {
	f.requests = append(f.requests, p.SQL)

	switch {
	case strings.Contains(p.SQL, "referenced_table_name AS referred_table"):
		m := fkParentTableNamePattern.FindStringSubmatch(p.SQL)
		var rows []gateway.Row
		for _, parent := range f.parents[m[1]] {
			rows = append(rows, gateway.Row{Columns: []string{"referred_table"}, Values: map[string]any{"referred_table": parent}})
		}
		return &gateway.Result{Rows: rows}, nil

	case strings.HasPrefix(p.SQL, "SELECT * FROM"):
		if f.pageIdx >= len(f.pages) {
			return &gateway.Result{}, nil
		}
		rows := f.pages[f.pageIdx]
		f.pageIdx++
		return &gateway.Result{Rows: rows}, nil

	case strings.HasPrefix(p.SQL, "DELETE FROM"):
		m := inListPattern.FindStringSubmatch(p.SQL)
		ids := strings.Split(m[1], ", ")
		for _, id := range ids {
			id = strings.Trim(id, `"`)
			if f.blockedIDs[id] {
				return nil, fmt.Errorf("Error 1451 (23000): Cannot delete or update a parent row: a foreign key " +
					"constraint fails (`shop`.`order_items`, CONSTRAINT `fk_oi_order` FOREIGN KEY (`order_id`) " +
					"REFERENCES `orders` (`id`))")
			}
		}
		for _, id := range ids {
			f.deleted = append(f.deleted, strings.Trim(id, `"`))
		}
		return &gateway.Result{RowsAffected: int64(len(ids))}, nil

	default:
		return &gateway.Result{}, nil
	}
}

func TestSplitList(t *testing.T) {
	assert.Equal(t, []string{"a", "b", "c"}, splitList("a, b,c"))
	assert.Nil(t, splitList(""))
	assert.Equal(t, []string{"a", "b"}, splitList("a;b"))
}

func TestAnchoredUnion(t *testing.T) {
	re := anchoredUnion([]string{"foo", "bar"})
	assert.True(t, re.MatchString("foo"))
	assert.True(t, re.MatchString("bar"))
	assert.False(t, re.MatchString("foobar"))
	assert.False(t, re.MatchString("baz"))

	empty := anchoredUnion(nil)
	assert.False(t, empty.MatchString(""))
	assert.False(t, empty.MatchString("anything"))
}

func TestIsDigitString(t *testing.T) {
	assert.True(t, isDigitString("12345"))
	assert.False(t, isDigitString("abc123"))
	assert.False(t, isDigitString(""))
	assert.False(t, isDigitString("123abc"))
}

func TestChunks(t *testing.T) {
	rows := make([]gateway.Row, 7)
	got := chunks(rows, 3)
	assert.Len(t, got, 3)
	assert.Len(t, got[0], 3)
	assert.Len(t, got[1], 3)
	assert.Len(t, got[2], 1)
}

func TestChunksSizeZeroMeansOneChunk(t *testing.T) {
	rows := make([]gateway.Row, 5)
	got := chunks(rows, 0)
	assert.Len(t, got, 1)
	assert.Len(t, got[0], 5)
}

func TestRenderIDs(t *testing.T) {
	rows := []gateway.Row{
		{Values: map[string]any{"id": "1"}},
		{Values: map[string]any{"id": "2"}},
	}
	assert.Equal(t, "1, 2", renderIDs(rows, "id", true))

	strRows := []gateway.Row{
		{Values: map[string]any{"id": "abc"}},
		{Values: map[string]any{"id": "def"}},
	}
	assert.Equal(t, `"abc", "def"`, renderIDs(strRows, "id", false))
}

func TestIndexInsertRemove(t *testing.T) {
	list := []string{"a", "b", "c"}
	assert.Equal(t, 1, indexOf(list, "b"))
	assert.Equal(t, -1, indexOf(list, "z"))

	inserted := insertAt(list, 1, "x")
	assert.Equal(t, []string{"a", "x", "b", "c"}, inserted)

	removed := removeAt(list, 1)
	assert.Equal(t, []string{"a", "c"}, removed)
}

func TestResolvedWhereSubstitutesNow(t *testing.T) {
	s := &Source{cfg: Config{Where: "created_at < '{now}'"}, now: "2026-07-30 00:00:00"}
	assert.Equal(t, "created_at < '2026-07-30 00:00:00'", s.resolvedWhere())
}

// TestSortTables_ChildrenBeforeParents exercises the topological sort of
// spec.md §4.B (scenario S2): order_items references orders, orders
// references customers, so a valid archiving/deletion order must place
// order_items before orders before customers regardless of input order.
func TestSortTables_ChildrenBeforeParents(t *testing.T) {
	gw := &fakeGateway{parents: map[string][]string{
		"orders":      {"customers"},
		"order_items": {"orders"},
		"customers":   nil,
	}}
	s := &Source{gw: gw, log: discardLogger(), circularFK: make(map[string]bool)}

	ordered, err := s.sortTables(context.Background(), "shop", []string{"orders", "order_items", "customers"})
	require.NoError(t, err)
	assert.Equal(t, []string{"order_items", "orders", "customers"}, ordered)
	assert.Empty(t, s.circularFK)
}

// TestSortTables_SelfReferenceIsNotACycle checks that a self-referencing FK
// (a table whose own column references itself) is skipped rather than
// flagged as a circular dependency.
func TestSortTables_SelfReferenceIsNotACycle(t *testing.T) {
	gw := &fakeGateway{parents: map[string][]string{"categories": {"categories"}}}
	s := &Source{gw: gw, log: discardLogger(), circularFK: make(map[string]bool)}

	ordered, err := s.sortTables(context.Background(), "shop", []string{"categories"})
	require.NoError(t, err)
	assert.Equal(t, []string{"categories"}, ordered)
	assert.Empty(t, s.circularFK)
}

// TestSortTables_CycleIsRecordedAndTolerated covers a genuine A<->B cycle:
// both tables must end up recorded in circularFK (spec.md §9's documented
// tolerance) and sortTables must still terminate with both tables present.
func TestSortTables_CycleIsRecordedAndTolerated(t *testing.T) {
	gw := &fakeGateway{parents: map[string][]string{
		"a": {"b"},
		"b": {"a"},
	}}
	s := &Source{gw: gw, log: discardLogger(), circularFK: make(map[string]bool)}

	ordered, err := s.sortTables(context.Background(), "shop", []string{"a", "b"})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a", "b"}, ordered)
	assert.True(t, s.circularFK["shop.a"] && s.circularFK["shop.b"])
}

// TestStreamTable_KeysetPaginationDetectsDigitPK exercises scenarios S1/S3:
// pagination must resume from the last row's primary key, and pk_is_digit
// detection (unquoted numeric comparison once the PK is known to be
// numeric) must kick in starting with the second page.
func TestStreamTable_KeysetPaginationDetectsDigitPK(t *testing.T) {
	gw := &fakeGateway{
		pk: "id",
		pages: [][]gateway.Row{
			{
				{Columns: []string{"id"}, Values: map[string]any{"id": "1"}},
				{Columns: []string{"id"}, Values: map[string]any{"id": "2"}},
			},
			{
				{Columns: []string{"id"}, Values: map[string]any{"id": "3"}},
			},
		},
	}
	s := &Source{gw: gw, log: discardLogger(), cfg: Config{Where: "1=1"}}

	var batches []gateway.Batch
	ok := s.streamTable(context.Background(), "shop", "orders", 2, func(b gateway.Batch, err error) bool {
		require.NoError(t, err)
		batches = append(batches, b)
		return true
	})
	require.True(t, ok)
	require.Len(t, batches, 2)
	assert.Len(t, batches[0].Rows, 2)
	assert.Len(t, batches[1].Rows, 1)

	require.Len(t, gw.requests, 3) // 2 pages + the final empty page that ends pagination
	assert.Contains(t, gw.requests[0], "id > '0'", "first page compares lastID as a quoted literal before pk_is_digit is known")
	assert.Contains(t, gw.requests[1], "id > 2 ", "once pk_is_digit is detected, subsequent pages compare unquoted")
}

// TestDeleteSet_DichotomyRecoversAndContinuesRemainingChunks is the
// regression test for the deleteSet early-return bug: row "2" is
// unresolvably FK-blocked, which forces dichotomy on its chunk, but the
// *next* delete_limit chunk must still run rather than being silently
// skipped (spec.md property 7: exactly N-K of N rows are deleted, where K is
// the count of unresolvable rows).
func TestDeleteSet_DichotomyRecoversAndContinuesRemainingChunks(t *testing.T) {
	gw := &fakeGateway{pk: "id", blockedIDs: map[string]bool{"2": true}}
	s := &Source{gw: gw, log: discardLogger(), cfg: Config{DeleteData: true, DeleteLimit: 2}, circularFK: make(map[string]bool)}

	rows := []gateway.Row{
		{Values: map[string]any{"id": "1"}},
		{Values: map[string]any{"id": "2"}},
		{Values: map[string]any{"id": "3"}},
		{Values: map[string]any{"id": "4"}},
	}

	err := s.Delete(context.Background(), "shop", "orders", rows)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"1", "3", "4"}, gw.deleted, "row 2 is abandoned; rows 3 and 4 must still be deleted despite chunk 1's recovery")
}

// TestDeleteSet_UUIDPrimaryKeyIsNeverTreatedAsDigit grounds spec.md scenario
// S3: a lexicographically-ordered (non-numeric) primary key, such as a
// UUID, must always render as a quoted IN-list literal, never bare digits.
func TestDeleteSet_UUIDPrimaryKeyIsNeverTreatedAsDigit(t *testing.T) {
	id1, id2 := uuid.NewString(), uuid.NewString()
	gw := &fakeGateway{pk: "id"}
	s := &Source{gw: gw, log: discardLogger(), cfg: Config{DeleteData: true}, circularFK: make(map[string]bool)}

	rows := []gateway.Row{
		{Values: map[string]any{"id": id1}},
		{Values: map[string]any{"id": id2}},
	}

	err := s.Delete(context.Background(), "shop", "orders", rows)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{id1, id2}, gw.deleted)
	assert.Contains(t, gw.requests[0], fmt.Sprintf(`"%s"`, id1), "UUID ids must be quoted in the generated IN-list")

	isDigit, ok := gw.PKIsDigit("shop", "orders")
	require.True(t, ok)
	assert.False(t, isDigit, "a UUID-shaped PK must never be cached as pk_is_digit")
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
