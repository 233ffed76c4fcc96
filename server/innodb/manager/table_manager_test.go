package manager

import (
	"fmt"
	"strings"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhukovaskychina/xmysql-storage/server/innodb/basic"
	"github.com/zhukovaskychina/xmysql-storage/server/innodb/storage/store/pages"
)

var peopleSchema = basic.Schema{
	{Name: "id", Type: basic.TypeInt},
	{Name: "name", Type: basic.TypeVarchar},
	{Name: "dept", Type: basic.TypeChar, Width: 8},
}

func person(id int64, name, dept string) []basic.Value {
	return []basic.Value{basic.NewIntValue(id), basic.NewVarcharValue(name), basic.NewCharValue(dept)}
}

func TestTableInsertReadDelete(t *testing.T) {
	sm, _ := newTestSpace(t, 0)
	defer sm.Close()
	tm := NewTableManager(sm)

	tbl, err := tm.CreateTable("People", peopleSchema)
	require.NoError(t, err)
	assert.Equal(t, "tbl_people", tbl.Segment)
	_, err = tm.CreateTable("people", peopleSchema)
	assert.True(t, errors.Is(err, ErrTableExists))

	addrs := make([]basic.RowAddress, 0, 100)
	for i := 0; i < 100; i++ {
		addr, err := tm.Insert(tbl, person(int64(i), fmt.Sprintf("p%03d", i), "eng"))
		require.NoError(t, err)
		addrs = append(addrs, addr)
	}
	pagesUsed, err := sm.ScanSegment(tbl.Segment)
	require.NoError(t, err)
	assert.Greater(t, len(pagesUsed), 1)

	row, err := tm.Read(tbl, addrs[42])
	require.NoError(t, err)
	assert.Equal(t, int64(42), row[0].Int())
	assert.Equal(t, "p042", row[1].Text())

	deleted, err := tm.Delete(tbl, addrs[42])
	require.NoError(t, err)
	assert.Equal(t, "p042", deleted[1].Text())
	_, err = tm.Read(tbl, addrs[42])
	assert.Error(t, err)

	var ids []int64
	require.NoError(t, tm.Scan(tbl, func(_ basic.RowAddress, row basic.Row) bool {
		ids = append(ids, row[0].Int())
		return true
	}))
	assert.Len(t, ids, 99)
	assert.NotContains(t, ids, int64(42))

	addr, err := tm.Insert(tbl, person(1000, "late", "ops"))
	require.NoError(t, err)
	row, err = tm.Read(tbl, addr)
	require.NoError(t, err)
	assert.Equal(t, int64(1000), row[0].Int())
}

func TestTableRejectsBadRows(t *testing.T) {
	sm, _ := newTestSpace(t, 0)
	defer sm.Close()
	tm := NewTableManager(sm)
	tbl, err := tm.CreateTable("t", peopleSchema)
	require.NoError(t, err)

	_, err = tm.Insert(tbl, []basic.Value{basic.NewIntValue(1)})
	assert.True(t, errors.Is(err, basic.ErrTypeMismatch))
	_, err = tm.Insert(tbl, person(1, strings.Repeat("x", testBlockSize), "eng"))
	assert.True(t, errors.Is(err, basic.ErrValueTooLarge))

	_, err = tm.CreateTable("empty", nil)
	assert.True(t, errors.Is(err, basic.ErrUnknownAttribute))
	_, err = tm.CreateTable("dup", basic.Schema{{Name: "a", Type: basic.TypeInt}, {Name: "A", Type: basic.TypeInt}})
	assert.Error(t, err)
}

func TestTableRowAddressOwnership(t *testing.T) {
	sm, _ := newTestSpace(t, 0)
	defer sm.Close()
	tm := NewTableManager(sm)
	a, err := tm.CreateTable("a", peopleSchema)
	require.NoError(t, err)
	b, err := tm.CreateTable("b", peopleSchema)
	require.NoError(t, err)

	addr, err := tm.Insert(a, person(1, "x", "eng"))
	require.NoError(t, err)
	_, err = tm.Read(b, addr)
	assert.True(t, errors.Is(err, basic.ErrInvalidAddress))
	_, err = tm.Delete(b, addr)
	assert.True(t, errors.Is(err, basic.ErrInvalidAddress))
}

func TestTableRowSlots(t *testing.T) {
	sm, _ := newTestSpace(t, 0)
	defer sm.Close()
	tm := NewTableManager(sm)
	tbl, err := tm.CreateTable("t", peopleSchema)
	require.NoError(t, err)

	per := uint32(pages.HeapSlotsPerPage(testBlockSize))
	seen := make(map[uint32]bool)
	for i := 0; i < 60; i++ {
		addr, err := tm.Insert(tbl, person(int64(i), "n", "d"))
		require.NoError(t, err)
		slot, err := tm.RowSlot(tbl, addr)
		require.NoError(t, err)
		require.False(t, seen[slot])
		seen[slot] = true

		back, err := tm.SlotAddress(tbl, slot)
		require.NoError(t, err)
		assert.Equal(t, addr, back)
	}
	_, err = tm.SlotAddress(tbl, per*1000)
	assert.True(t, errors.Is(err, basic.ErrInvalidAddress))
}

func TestDropTableFreesPages(t *testing.T) {
	sm, _ := newTestSpace(t, 0)
	defer sm.Close()
	tm := NewTableManager(sm)
	tbl, err := tm.CreateTable("t", peopleSchema)
	require.NoError(t, err)
	for i := 0; i < 30; i++ {
		_, err := tm.Insert(tbl, person(int64(i), "name", "dept"))
		require.NoError(t, err)
	}
	used, err := sm.ScanSegment(tbl.Segment)
	require.NoError(t, err)

	require.NoError(t, tm.DropTable("T"))
	assert.Equal(t, uint64(len(used)), sm.FreeCount())
	_, err = tm.Table("t")
	assert.True(t, errors.Is(err, basic.ErrNotFound))
	assert.True(t, errors.Is(tm.DropTable("t"), basic.ErrNotFound))
}
