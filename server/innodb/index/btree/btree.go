// Package btree 块上的多路有序树索引，条目为(key, rowAddr)
package btree

import (
	"sort"
	"sync"

	"github.com/pkg/errors"

	"github.com/zhukovaskychina/xmysql-storage/logger"
	"github.com/zhukovaskychina/xmysql-storage/server/innodb/basic"
	"github.com/zhukovaskychina/xmysql-storage/server/innodb/latch"
	"github.com/zhukovaskychina/xmysql-storage/server/innodb/storage/store/pages"
	"github.com/zhukovaskychina/xmysql-storage/server/metrics"
)

// Options 建树参数
type Options struct {
	// Order 节点最多Order个子节点，即最多Order-1个条目
	Order   int
	Unique  bool
	Metrics *metrics.Metrics
}

// BTree 读操作持有树的读锁并逐个节点加共享块锁；
// 写操作持有树的写锁，并对触及的每个块加排他块锁直到操作结束。
type BTree struct {
	mu         sync.RWMutex
	store      basic.BlockStore
	segment    string
	anchor     uint32
	meta       meta
	metrics    *metrics.Metrics
	maxEntries int
	minEntries int
	usable     int
}

var _ basic.Index = (*BTree)(nil)

// Create 分配元数据块与空的根叶子
func Create(store basic.BlockStore, segment string, opts Options) (*BTree, error) {
	if opts.Order < 3 {
		return nil, errors.Errorf("b-tree order %d must be at least 3", opts.Order)
	}
	anchor, err := store.AllocateBlock(segment)
	if err != nil {
		return nil, err
	}
	root, err := store.AllocateBlock(segment)
	if err != nil {
		return nil, err
	}
	t := newTree(store, segment, anchor, meta{order: opts.Order, unique: opts.Unique, root: root, height: 1}, opts.Metrics)
	if err := t.writeNode(newLeaf(root)); err != nil {
		return nil, err
	}
	if err := t.writeMeta(); err != nil {
		return nil, err
	}
	return t, nil
}

// Open 从元数据块恢复
func Open(store basic.BlockStore, segment string, anchor uint32, m *metrics.Metrics) (*BTree, error) {
	data, err := store.ReadBlock(anchor)
	if err != nil {
		return nil, err
	}
	md, err := decodeMeta(anchor, data)
	if err != nil {
		return nil, err
	}
	return newTree(store, segment, anchor, md, m), nil
}

func newTree(store basic.BlockStore, segment string, anchor uint32, md meta, m *metrics.Metrics) *BTree {
	if m == nil {
		m = metrics.New()
	}
	return &BTree{
		store:      store,
		segment:    segment,
		anchor:     anchor,
		meta:       md,
		metrics:    m,
		maxEntries: md.order - 1,
		minEntries: (md.order+1)/2 - 1,
		usable:     store.BlockSize() - pages.FilHeaderSize - 4,
	}
}

func (t *BTree) Kind() basic.IndexKind {
	return basic.IndexKindBTree
}

// Anchor 元数据块地址，即索引描述中的锚点
func (t *BTree) Anchor() uint32 {
	return t.anchor
}

func (t *BTree) Height() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.meta.height
}

func (t *BTree) Count() uint64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.meta.count
}

func (t *BTree) Order() int {
	return t.meta.order
}

// maxEntrySize 保证任意节点拆分后两半都能放进一个块
func (t *BTree) maxEntrySize() int {
	return t.usable/3 - 4
}

func (t *BTree) readNode(addr uint32) (*node, error) {
	data, err := t.store.ReadBlock(addr)
	if err != nil {
		return nil, err
	}
	return decodeNode(addr, data, t.maxEntries)
}

func (t *BTree) writeNode(n *node) error {
	return t.store.WriteBlock(n.addr, n.encode(t.store.BlockSize()))
}

func (t *BTree) writeMeta() error {
	return t.store.WriteBlock(t.anchor, t.meta.encode(t.store.BlockSize()))
}

// overflow 条目数超过阶数限制或编码超过块大小
func (t *BTree) overflow(n *node) bool {
	return len(n.entries) > t.maxEntries || n.encodedSize() > t.store.BlockSize()
}

func (t *BTree) fits(n *node) bool {
	return !t.overflow(n)
}

// childFor 按完整条目路由: 第一个大于e的分隔项左侧的子节点
func childFor(n *node, e entry) int {
	return sort.Search(len(n.entries), func(i int) bool { return n.entries[i].compare(e) > 0 })
}

// childForKey 只按键路由到可能包含key的最左子节点
func childForKey(n *node, key basic.Key) int {
	return sort.Search(len(n.entries), func(i int) bool { return n.entries[i].key.Compare(key) >= 0 })
}

// Search 返回key对应的全部行地址，不存在时返回空
func (t *BTree) Search(key basic.Key) ([]basic.RowAddress, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	t.metrics.IndexOp("btree", "search")

	var out []basic.RowAddress
	err := t.scanFrom(key, func(e entry) bool {
		if e.key.Compare(key) != 0 {
			return false
		}
		out = append(out, e.addr)
		return true
	})
	return out, err
}

// descendShared 共享块锁逐层下降到可能包含key的最左叶子，锁在离开节点前释放
func (t *BTree) descendShared(key basic.Key) (*node, error) {
	latches := t.store.Latches()
	addr := t.meta.root
	for {
		l := latches.Get(addr)
		l.RLock()
		n, err := t.readNode(addr)
		l.RUnlock()
		if err != nil {
			return nil, err
		}
		if n.leaf {
			return n, nil
		}
		addr = n.children[childForKey(n, key)]
	}
}

// scanFrom 从第一个键不小于key的条目开始沿叶子链顺序遍历，key为nil时从最左开始
func (t *BTree) scanFrom(key basic.Key, fn func(e entry) bool) error {
	n, err := t.descendShared(key)
	if err != nil {
		return err
	}
	i := 0
	if key != nil {
		i = sort.Search(len(n.entries), func(i int) bool { return n.entries[i].key.Compare(key) >= 0 })
	}
	latches := t.store.Latches()
	for {
		for ; i < len(n.entries); i++ {
			if !fn(n.entries[i]) {
				return nil
			}
		}
		if n.next == 0 {
			return nil
		}
		l := latches.Get(n.next)
		l.RLock()
		n, err = t.readNode(n.next)
		l.RUnlock()
		if err != nil {
			return err
		}
		if !n.leaf {
			return basic.Corrupt(n.addr, "leaf sibling link points to an internal node")
		}
		i = 0
	}
}

// Scan 按(key, rowAddr)升序遍历全部条目
func (t *BTree) Scan(fn func(key basic.Key, addr basic.RowAddress) bool) error {
	t.mu.RLock()
	defer t.mu.RUnlock()
	t.metrics.IndexOp("btree", "scan")
	return t.scanFrom(nil, func(e entry) bool { return fn(e.key, e.addr) })
}

// Range 遍历 lo <= key <= hi 的条目，lo或hi为nil表示不设界
func (t *BTree) Range(lo, hi basic.Key, fn func(key basic.Key, addr basic.RowAddress) bool) error {
	t.mu.RLock()
	defer t.mu.RUnlock()
	t.metrics.IndexOp("btree", "range")
	return t.scanFrom(lo, func(e entry) bool {
		if hi != nil && e.key.Compare(hi) > 0 {
			return false
		}
		return fn(e.key, e.addr)
	})
}

// pathStep 写路径上的一层: 节点与下降时选择的子节点下标
type pathStep struct {
	node  *node
	child int
}

// descendExclusive 从根开始按父先子后的顺序加排他块锁，返回路径，最后一层为叶子
func (t *BTree) descendExclusive(ls *latch.Set, e entry) ([]pathStep, error) {
	var path []pathStep
	addr := t.meta.root
	for depth := 0; ; depth++ {
		if depth >= t.meta.height {
			return nil, basic.Corrupt(addr, "tree deeper than recorded height %d", t.meta.height)
		}
		ls.Exclusive(addr)
		n, err := t.readNode(addr)
		if err != nil {
			return nil, err
		}
		if n.leaf {
			if depth != t.meta.height-1 {
				return nil, basic.Corrupt(addr, "leaf at depth %d, height %d", depth, t.meta.height)
			}
			return append(path, pathStep{node: n}), nil
		}
		i := childFor(n, e)
		path = append(path, pathStep{node: n, child: i})
		addr = n.children[i]
	}
}

func (t *BTree) logf(format string, args ...interface{}) {
	logger.Debugf("btree %s@%d: "+format, append([]interface{}{t.segment, t.anchor}, args...)...)
}
