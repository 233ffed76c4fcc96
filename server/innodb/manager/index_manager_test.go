package manager

import (
	"fmt"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhukovaskychina/xmysql-storage/server/innodb/basic"
)

type registryFixture struct {
	space   *SpaceManager
	tables  *TableManager
	indexes *IndexManager
	people  *Table
}

func newRegistry(t *testing.T) *registryFixture {
	t.Helper()
	sm, _ := newTestSpace(t, 0)
	t.Cleanup(func() { sm.Close() })
	tm := NewTableManager(sm)
	people, err := tm.CreateTable("people", peopleSchema)
	require.NoError(t, err)
	return &registryFixture{
		space:   sm,
		tables:  tm,
		indexes: NewIndexManager(sm, tm, IndexOptions{NodeOrder: 4, DirectorySize: 4, RehashThreshold: 2}),
		people:  people,
	}
}

// insert 写堆表并维护索引
func (f *registryFixture) insert(t *testing.T, values []basic.Value) (basic.RowAddress, error) {
	t.Helper()
	row, err := f.people.Schema.Check(values)
	require.NoError(t, err)
	if err := f.indexes.checkUnique(f.people, row); err != nil {
		return basic.RowAddress{}, err
	}
	addr, err := f.tables.Insert(f.people, row)
	require.NoError(t, err)
	return addr, f.indexes.insertRow(f.people, addr, row)
}

func TestCreateIndexValidation(t *testing.T) {
	f := newRegistry(t)

	_, err := f.indexes.CreateIndex("i", "nobody", []string{"id"}, basic.IndexKindBTree, false)
	assert.True(t, errors.Is(err, basic.ErrNotFound))
	_, err = f.indexes.CreateIndex("i", "people", []string{"salary"}, basic.IndexKindBTree, false)
	assert.True(t, errors.Is(err, basic.ErrUnknownAttribute))
	_, err = f.indexes.CreateIndex("i", "people", nil, basic.IndexKindHash, false)
	assert.True(t, errors.Is(err, basic.ErrUnknownAttribute))

	desc, err := f.indexes.CreateIndex("by_id", "people", []string{"ID"}, basic.IndexKindBTree, true)
	require.NoError(t, err)
	assert.Equal(t, []string{"id"}, desc.Attributes)
	assert.Equal(t, []basic.ValueType{basic.TypeInt}, desc.KeyTypes)
	assert.Equal(t, "idx_by_id", desc.Segment)
	assert.NotZero(t, desc.Anchor)

	_, err = f.indexes.CreateIndex("BY_ID", "people", []string{"name"}, basic.IndexKindHash, false)
	assert.True(t, errors.Is(err, ErrIndexExists))

	// Lookup返回副本
	got, err := f.indexes.Lookup("by_id")
	require.NoError(t, err)
	got.Attributes[0] = "changed"
	again, err := f.indexes.Lookup("by_id")
	require.NoError(t, err)
	assert.Equal(t, "id", again.Attributes[0])

	_, err = f.indexes.Lookup("missing")
	assert.True(t, errors.Is(err, basic.ErrNotFound))
	assert.True(t, errors.Is(f.indexes.DropIndex("missing"), basic.ErrNotFound))
}

func TestUniqueIndexRejectsSecondKey(t *testing.T) {
	f := newRegistry(t)
	_, err := f.indexes.CreateIndex("by_name", "people", []string{"name"}, basic.IndexKindBTree, true)
	require.NoError(t, err)

	_, err = f.insert(t, person(1, "X", "eng"))
	require.NoError(t, err)
	_, err = f.insert(t, person(2, "X", "ops"))
	assert.True(t, errors.Is(err, basic.ErrDuplicateKey))

	// 结构本身同样拒绝
	idx, err := f.indexes.Index("by_name")
	require.NoError(t, err)
	err = idx.Insert(basic.TextKey("X"), basic.RowAddress{Block: 9, Offset: 9})
	assert.True(t, errors.Is(err, basic.ErrDuplicateKey))
}

func TestUniqueIndexOnDuplicateData(t *testing.T) {
	f := newRegistry(t)
	for i := 0; i < 5; i++ {
		_, err := f.insert(t, person(int64(i), fmt.Sprintf("n%d", i), "eng"))
		require.NoError(t, err)
	}
	free := f.space.FreeCount()

	for _, kind := range []basic.IndexKind{basic.IndexKindBTree, basic.IndexKindHash, basic.IndexKindBitmap} {
		_, err := f.indexes.CreateIndex("by_dept", "people", []string{"dept"}, kind, true)
		assert.True(t, errors.Is(err, basic.ErrDuplicateKey), "kind %v", kind)
	}
	assert.NotContains(t, f.space.Segments().Names(), "idx_by_dept")
	assert.Equal(t, free, f.space.FreeCount())
	assert.Empty(t, f.indexes.Descriptors())
}

func TestIndexesLoadExistingRows(t *testing.T) {
	f := newRegistry(t)
	depts := []string{"eng", "ops", "sales"}
	want := make(map[string][]basic.RowAddress)
	for i := 0; i < 90; i++ {
		d := depts[i%3]
		addr, err := f.insert(t, person(int64(i), fmt.Sprintf("n%d", i), d))
		require.NoError(t, err)
		want[d] = append(want[d], addr)
	}

	kinds := map[string]basic.IndexKind{"bt": basic.IndexKindBTree, "hs": basic.IndexKindHash, "bm": basic.IndexKindBitmap}
	for name, kind := range kinds {
		_, err := f.indexes.CreateIndex(name, "people", []string{"dept"}, kind, false)
		require.NoError(t, err)
	}
	for name := range kinds {
		for _, d := range depts {
			// 查询键按字段类型转换，varchar也能查char字段
			got, err := f.indexes.Search(name, basic.TextKey(d))
			require.NoError(t, err)
			assert.ElementsMatch(t, want[d], got, "index %s dept %s", name, d)
		}
		got, err := f.indexes.Search(name, basic.TextKey("hr"))
		require.NoError(t, err)
		assert.Empty(t, got)
	}

	_, err := f.indexes.Search("bt", basic.IntKey(3))
	assert.True(t, errors.Is(err, basic.ErrTypeMismatch))
}

func TestIndexesFollowRowChanges(t *testing.T) {
	f := newRegistry(t)
	for _, kind := range []basic.IndexKind{basic.IndexKindBTree, basic.IndexKindHash, basic.IndexKindBitmap} {
		_, err := f.indexes.CreateIndex("dept_"+kind.String(), "people", []string{"dept"}, kind, false)
		require.NoError(t, err)
	}
	var addrs []basic.RowAddress
	for i := 0; i < 40; i++ {
		addr, err := f.insert(t, person(int64(i), "n", fmt.Sprintf("d%d", i%4)))
		require.NoError(t, err)
		addrs = append(addrs, addr)
	}
	for i := 0; i < 40; i += 4 {
		row, err := f.tables.Read(f.people, addrs[i])
		require.NoError(t, err)
		require.NoError(t, f.indexes.deleteRow(f.people, addrs[i], row))
		_, err = f.tables.Delete(f.people, addrs[i])
		require.NoError(t, err)
	}
	for _, d := range f.indexes.Descriptors() {
		got, err := f.indexes.Search(d.Name, basic.TextKey("d0"))
		require.NoError(t, err)
		assert.Empty(t, got, d.Name)
		got, err = f.indexes.Search(d.Name, basic.TextKey("d1"))
		require.NoError(t, err)
		assert.Len(t, got, 10, d.Name)

		idx, err := f.indexes.Index(d.Name)
		require.NoError(t, err)
		assert.Equal(t, d.Kind, idx.Kind())
		require.NoError(t, idx.(interface{ Check() error }).Check())
	}

	// 再删一次同一行，位图报告NotFound
	bm, err := f.indexes.Index("dept_bitmap")
	require.NoError(t, err)
	assert.True(t, errors.Is(bm.Delete(basic.Key{basic.NewCharValue("d0")}, addrs[0]), basic.ErrNotFound))
}

func TestDropIndexFreesSegment(t *testing.T) {
	f := newRegistry(t)
	for i := 0; i < 50; i++ {
		_, err := f.insert(t, person(int64(i), fmt.Sprintf("n%d", i), "eng"))
		require.NoError(t, err)
	}
	free := f.space.FreeCount()
	desc, err := f.indexes.CreateIndex("by_id", "people", []string{"id"}, basic.IndexKindBTree, false)
	require.NoError(t, err)
	used, err := f.space.ScanSegment(desc.Segment)
	require.NoError(t, err)
	require.NotEmpty(t, used)

	require.NoError(t, f.indexes.DropIndex("BY_ID"))
	assert.Equal(t, free+uint64(len(used)), f.space.FreeCount())
	assert.NotContains(t, f.space.Segments().Names(), desc.Segment)
	_, err = f.indexes.Index("by_id")
	assert.True(t, errors.Is(err, basic.ErrNotFound))
}

func TestDropTableIndexes(t *testing.T) {
	f := newRegistry(t)
	other, err := f.tables.CreateTable("other", peopleSchema)
	require.NoError(t, err)
	_, err = f.indexes.CreateIndex("a", "people", []string{"id"}, basic.IndexKindHash, false)
	require.NoError(t, err)
	_, err = f.indexes.CreateIndex("b", "people", []string{"name"}, basic.IndexKindBitmap, false)
	require.NoError(t, err)
	_, err = f.indexes.CreateIndex("c", other.Name, []string{"id"}, basic.IndexKindBTree, false)
	require.NoError(t, err)

	require.NoError(t, f.indexes.dropTableIndexes("PEOPLE"))
	descs := f.indexes.Descriptors()
	require.Len(t, descs, 1)
	assert.Equal(t, "c", descs[0].Name)
}
