package btree

import (
	"fmt"
	"math"
	"math/rand"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhukovaskychina/xmysql-storage/server/common"
	"github.com/zhukovaskychina/xmysql-storage/server/innodb/basic"
	"github.com/zhukovaskychina/xmysql-storage/server/innodb/storage/store/memory"
	"github.com/zhukovaskychina/xmysql-storage/server/innodb/storage/store/pages"
	"github.com/zhukovaskychina/xmysql-storage/server/metrics"
)

func rowAt(i int) basic.RowAddress {
	return basic.RowAddress{Block: uint32(i/10 + 1), Offset: uint16(i % 10)}
}

func newTestTree(t *testing.T, order int, unique bool) (*BTree, *memory.Store, *metrics.Metrics) {
	store := memory.NewStore(4096)
	m := metrics.New()
	tree, err := Create(store, "idx", Options{Order: order, Unique: unique, Metrics: m})
	require.NoError(t, err)
	return tree, store, m
}

func scanInts(t *testing.T, tree *BTree) []int64 {
	var out []int64
	require.NoError(t, tree.Scan(func(key basic.Key, _ basic.RowAddress) bool {
		out = append(out, key[0].Int())
		return true
	}))
	return out
}

func TestOrderFourSingleLeafSplit(t *testing.T) {
	tree, _, m := newTestTree(t, 4, false)
	for i, k := range []int64{10, 20, 5, 15, 25, 1} {
		require.NoError(t, tree.Insert(basic.IntKey(k), rowAt(i)))
	}

	assert.Equal(t, 1.0, testutil.ToFloat64(m.BTreeSplits))
	assert.Equal(t, 2, tree.Height())
	assert.Equal(t, uint64(6), tree.Count())
	assert.Equal(t, []int64{1, 5, 10, 15, 20, 25}, scanInts(t, tree))
	require.NoError(t, tree.Check())

	addrs, err := tree.Search(basic.IntKey(15))
	require.NoError(t, err)
	assert.Equal(t, []basic.RowAddress{rowAt(3)}, addrs)

	addrs, err = tree.Search(basic.IntKey(7))
	require.NoError(t, err)
	assert.Empty(t, addrs)
}

func TestInvalidOrder(t *testing.T) {
	_, err := Create(memory.NewStore(4096), "idx", Options{Order: 2})
	assert.Error(t, err)
}

func TestDuplicateKeys(t *testing.T) {
	tree, _, _ := newTestTree(t, 3, false)
	for i := 0; i < 20; i++ {
		require.NoError(t, tree.Insert(basic.TextKey("dup"), rowAt(i)))
	}
	require.NoError(t, tree.Insert(basic.TextKey("a"), rowAt(100)))
	require.NoError(t, tree.Insert(basic.TextKey("z"), rowAt(101)))
	require.NoError(t, tree.Check())

	addrs, err := tree.Search(basic.TextKey("dup"))
	require.NoError(t, err)
	require.Len(t, addrs, 20)
	assert.True(t, sort.SliceIsSorted(addrs, func(i, j int) bool { return addrs[i].Compare(addrs[j]) < 0 }))

	err = tree.Insert(basic.TextKey("dup"), rowAt(3))
	assert.True(t, errors.Is(err, basic.ErrDuplicateKey))

	require.NoError(t, tree.Delete(basic.TextKey("dup"), rowAt(7)))
	err = tree.Delete(basic.TextKey("dup"), rowAt(7))
	assert.True(t, errors.Is(err, basic.ErrNotFound))
	err = tree.Delete(basic.TextKey("missing"), rowAt(0))
	assert.True(t, errors.Is(err, basic.ErrNotFound))

	addrs, err = tree.Search(basic.TextKey("dup"))
	require.NoError(t, err)
	assert.Len(t, addrs, 19)
	assert.NotContains(t, addrs, rowAt(7))
	require.NoError(t, tree.Check())
}

func TestUniqueIndexRejectsSecondKey(t *testing.T) {
	tree, _, _ := newTestTree(t, 4, true)
	require.NoError(t, tree.Insert(basic.TextKey("X"), rowAt(1)))
	err := tree.Insert(basic.TextKey("X"), rowAt(2))
	assert.True(t, errors.Is(err, basic.ErrDuplicateKey))
	assert.Equal(t, uint64(1), tree.Count())

	require.NoError(t, tree.Delete(basic.TextKey("X"), rowAt(1)))
	require.NoError(t, tree.Insert(basic.TextKey("X"), rowAt(2)))
}

func TestNaNKeyKeepsTotalOrder(t *testing.T) {
	nan := basic.Key{basic.NewFloatValue(math.NaN())}
	tree, _, _ := newTestTree(t, 4, false)
	keys := []basic.Key{basic.IntKey(3), nan, basic.IntKey(1), basic.IntKey(2), basic.IntKey(5), basic.IntKey(4), basic.IntKey(0)}
	for i, k := range keys {
		require.NoError(t, tree.Insert(k, rowAt(i)))
	}
	require.NoError(t, tree.Check())

	var got []string
	require.NoError(t, tree.Scan(func(key basic.Key, _ basic.RowAddress) bool {
		got = append(got, key[0].String())
		return true
	}))
	assert.Equal(t, []string{"NaN", "0", "1", "2", "3", "4", "5"}, got)

	addrs, err := tree.Search(basic.IntKey(1))
	require.NoError(t, err)
	assert.Equal(t, []basic.RowAddress{rowAt(2)}, addrs)
	addrs, err = tree.Search(nan)
	require.NoError(t, err)
	assert.Equal(t, []basic.RowAddress{rowAt(1)}, addrs)

	require.NoError(t, tree.Delete(nan, rowAt(1)))
	require.NoError(t, tree.Check())
	assert.Equal(t, []int64{0, 1, 2, 3, 4, 5}, scanInts(t, tree))

	unique, _, _ := newTestTree(t, 4, true)
	require.NoError(t, unique.Insert(nan, rowAt(0)))
	require.NoError(t, unique.Insert(basic.IntKey(7), rowAt(1)))
	err = unique.Insert(basic.Key{basic.NewFloatValue(math.NaN())}, rowAt(2))
	assert.True(t, errors.Is(err, basic.ErrDuplicateKey))
	require.NoError(t, unique.Check())
}

func TestRandomInsertDeleteKeepsOrder(t *testing.T) {
	for _, order := range []int{3, 4, 5, 16} {
		t.Run(fmt.Sprintf("order-%d", order), func(t *testing.T) {
			tree, store, _ := newTestTree(t, order, false)
			rnd := rand.New(rand.NewSource(int64(order)))
			keys := rnd.Perm(400)
			for i, k := range keys {
				require.NoError(t, tree.Insert(basic.IntKey(int64(k)), rowAt(i)))
			}
			require.NoError(t, tree.Check())
			blocksFull := store.Live()

			live := map[int]int{}
			for i, k := range keys {
				live[k] = i
			}
			for _, k := range rnd.Perm(400)[:300] {
				require.NoError(t, tree.Delete(basic.IntKey(int64(k)), rowAt(live[k])), "delete %d", k)
				delete(live, k)
			}
			require.NoError(t, tree.Check())
			assert.Equal(t, uint64(len(live)), tree.Count())
			assert.Less(t, store.Live(), blocksFull)

			var want []int64
			for k := range live {
				want = append(want, int64(k))
			}
			sort.Slice(want, func(i, j int) bool { return want[i] < want[j] })
			assert.Equal(t, want, scanInts(t, tree))

			for k, i := range live {
				addrs, err := tree.Search(basic.IntKey(int64(k)))
				require.NoError(t, err)
				assert.Equal(t, []basic.RowAddress{rowAt(i)}, addrs)
			}
		})
	}
}

func TestDeleteAllCollapsesToSingleLeaf(t *testing.T) {
	tree, store, m := newTestTree(t, 4, false)
	for i := 0; i < 100; i++ {
		require.NoError(t, tree.Insert(basic.IntKey(int64(i)), rowAt(i)))
	}
	assert.Greater(t, tree.Height(), 2)
	for i := 0; i < 100; i++ {
		require.NoError(t, tree.Delete(basic.IntKey(int64(i)), rowAt(i)))
	}
	assert.Equal(t, 1, tree.Height())
	assert.Equal(t, uint64(0), tree.Count())
	assert.Empty(t, scanInts(t, tree))
	assert.Greater(t, testutil.ToFloat64(m.BTreeMerges), 0.0)
	// 只剩元数据块与根叶子
	assert.Equal(t, 2, store.Live())
	require.NoError(t, tree.Check())
	// 合并释放的节点不再占用块锁
	assert.LessOrEqual(t, store.Latches().Len(), store.Live())
}

func TestRange(t *testing.T) {
	tree, _, _ := newTestTree(t, 5, false)
	for i := 0; i < 50; i++ {
		require.NoError(t, tree.Insert(basic.IntKey(int64(i*2)), rowAt(i)))
	}
	var got []int64
	require.NoError(t, tree.Range(basic.IntKey(11), basic.IntKey(20), func(key basic.Key, _ basic.RowAddress) bool {
		got = append(got, key[0].Int())
		return true
	}))
	assert.Equal(t, []int64{12, 14, 16, 18, 20}, got)

	got = got[:0]
	require.NoError(t, tree.Range(nil, basic.IntKey(4), func(key basic.Key, _ basic.RowAddress) bool {
		got = append(got, key[0].Int())
		return true
	}))
	assert.Equal(t, []int64{0, 2, 4}, got)
}

func TestByteAwareSplits(t *testing.T) {
	store := memory.NewStore(common.MinBlockSize)
	tree, err := Create(store, "idx", Options{Order: 64})
	require.NoError(t, err)

	var want []string
	for i := 0; i < 60; i++ {
		s := fmt.Sprintf("%03d%s", i, strings.Repeat("k", 90))
		want = append(want, s)
		require.NoError(t, tree.Insert(basic.TextKey(s), rowAt(i)))
	}
	require.NoError(t, tree.Check())
	assert.Greater(t, tree.Height(), 1)

	var got []string
	require.NoError(t, tree.Scan(func(key basic.Key, _ basic.RowAddress) bool {
		got = append(got, key[0].Text())
		return true
	}))
	assert.Equal(t, want, got)

	err = tree.Insert(basic.TextKey(strings.Repeat("x", 300)), rowAt(0))
	assert.True(t, errors.Is(err, basic.ErrValueTooLarge))
}

func TestReopenFromAnchor(t *testing.T) {
	tree, store, _ := newTestTree(t, 4, true)
	for i := 0; i < 30; i++ {
		require.NoError(t, tree.Insert(basic.IntKey(int64(i)), rowAt(i)))
	}
	reopened, err := Open(store, "idx", tree.Anchor(), nil)
	require.NoError(t, err)
	assert.Equal(t, tree.Height(), reopened.Height())
	assert.Equal(t, uint64(30), reopened.Count())
	assert.Equal(t, 4, reopened.Order())
	require.NoError(t, reopened.Check())

	err = reopened.Insert(basic.IntKey(3), rowAt(99))
	assert.True(t, errors.Is(err, basic.ErrDuplicateKey))
}

func TestCorruptNodeReported(t *testing.T) {
	tree, store, _ := newTestTree(t, 4, false)
	for i := 0; i < 3; i++ {
		require.NoError(t, tree.Insert(basic.IntKey(int64(i)), rowAt(i)))
	}
	root := tree.meta.root
	store.Corrupt(root, func(data []byte) {
		fh := pages.ReadFilHeader(data)
		fh.Count = 200
		fh.Put(data)
	})
	_, err := tree.Search(basic.IntKey(1))
	assert.True(t, errors.Is(err, basic.ErrCorruptIndex))
	assert.True(t, errors.Is(tree.Check(), basic.ErrCorruptIndex))

	store.Corrupt(root, func(data []byte) {
		pages.FilHeader{Type: common.PageTypeHeap}.Put(data)
	})
	err = tree.Insert(basic.IntKey(9), rowAt(9))
	assert.True(t, errors.Is(err, basic.ErrCorruptIndex))

	store.Corrupt(tree.Anchor(), func(data []byte) { data[0], data[1] = 0, 0 })
	_, err = Open(store, "idx", tree.Anchor(), nil)
	assert.True(t, errors.Is(err, basic.ErrCorruptIndex))
}

func TestOutOfSpaceLeavesTreeIntact(t *testing.T) {
	store := memory.NewStore(4096).WithMaxBlocks(4)
	tree, err := Create(store, "idx", Options{Order: 3})
	require.NoError(t, err)
	// 块1为元数据，块2为根；根分裂需要两个新块，只剩块3可用
	var inserted []int64
	for i := 0; i < 10; i++ {
		err = tree.Insert(basic.IntKey(int64(i)), rowAt(i))
		if err != nil {
			break
		}
		inserted = append(inserted, int64(i))
	}
	require.True(t, errors.Is(err, basic.ErrOutOfSpace))
	assert.Equal(t, []int64{0, 1}, inserted)
	assert.Equal(t, 2, store.Live())
	require.NoError(t, tree.Check())
	assert.Equal(t, inserted, scanInts(t, tree))
}

func TestConcurrentReadersAndWriters(t *testing.T) {
	tree, _, _ := newTestTree(t, 8, false)
	const writers, perWriter = 4, 200

	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				k := w*perWriter + i
				assert.NoError(t, tree.Insert(basic.IntKey(int64(k)), rowAt(k)))
			}
		}(w)
	}
	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func(r int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				addrs, err := tree.Search(basic.IntKey(int64(r*perWriter + i)))
				assert.NoError(t, err)
				assert.LessOrEqual(t, len(addrs), 1)
			}
		}(r)
	}
	wg.Wait()

	require.NoError(t, tree.Check())
	assert.Equal(t, uint64(writers*perWriter), tree.Count())
	assert.Len(t, scanInts(t, tree), writers*perWriter)
}
