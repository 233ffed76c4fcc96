package btree

import (
	"sort"

	"github.com/pkg/errors"

	"github.com/zhukovaskychina/xmysql-storage/server/innodb/basic"
	"github.com/zhukovaskychina/xmysql-storage/server/innodb/latch"
)

// writeSet 一次修改涉及的节点，全部在内存中完成后统一写回
type writeSet struct {
	nodes     map[uint32]*node
	order     []uint32
	allocated []uint32
	freed     map[uint32]bool
}

func newWriteSet() *writeSet {
	return &writeSet{nodes: make(map[uint32]*node), freed: make(map[uint32]bool)}
}

func (w *writeSet) mark(ns ...*node) {
	for _, n := range ns {
		if _, ok := w.nodes[n.addr]; !ok {
			w.order = append(w.order, n.addr)
		}
		w.nodes[n.addr] = n
	}
}

func (w *writeSet) free(addr uint32) {
	w.freed[addr] = true
}

// allocate 新块在提交前就持有排他锁
func (t *BTree) allocate(ls *latch.Set, w *writeSet) (uint32, error) {
	addr, err := t.store.AllocateBlock(t.segment)
	if err != nil {
		return 0, err
	}
	ls.Exclusive(addr)
	w.allocated = append(w.allocated, addr)
	return addr, nil
}

// rollback 未提交的修改只需归还新分配的块
func (t *BTree) rollback(w *writeSet) {
	for _, addr := range w.allocated {
		if err := t.store.FreeBlock(addr); err != nil {
			t.logf("release block %d after failed split: %v", addr, err)
		}
	}
}

// commit 先写新分配的节点，再写被它们引用的旧节点和元数据，最后释放不再引用的块
func (t *BTree) commit(w *writeSet) error {
	fresh := make(map[uint32]bool, len(w.allocated))
	for _, addr := range w.allocated {
		fresh[addr] = true
	}
	for _, pass := range []bool{true, false} {
		for _, addr := range w.order {
			if w.freed[addr] || fresh[addr] != pass {
				continue
			}
			if err := t.writeNode(w.nodes[addr]); err != nil {
				return err
			}
		}
	}
	if err := t.writeMeta(); err != nil {
		return err
	}
	for _, addr := range w.order {
		if w.freed[addr] {
			if err := t.store.FreeBlock(addr); err != nil {
				return err
			}
		}
	}
	return nil
}

// Insert 插入(key, addr)。唯一索引中已有相同key、或同一对已存在时返回ErrDuplicateKey。
func (t *BTree) Insert(key basic.Key, addr basic.RowAddress) error {
	e := entry{key: key, addr: addr}
	if e.size() > t.maxEntrySize() {
		return errors.Wrapf(basic.ErrValueTooLarge, "b-tree entry of %d bytes, limit %d", e.size(), t.maxEntrySize())
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.metrics.IndexOp("btree", "insert")

	if t.meta.unique {
		dup := false
		err := t.scanFrom(key, func(o entry) bool {
			dup = o.key.Compare(key) == 0
			return false
		})
		if err != nil {
			return err
		}
		if dup {
			return errors.Wrapf(basic.ErrDuplicateKey, "key %s", key)
		}
	}

	ls := t.store.Latches().NewSet()
	defer ls.Release()
	ls.Exclusive(t.anchor)
	path, err := t.descendExclusive(ls, e)
	if err != nil {
		return err
	}
	leaf := path[len(path)-1].node
	i := sort.Search(len(leaf.entries), func(i int) bool { return leaf.entries[i].compare(e) >= 0 })
	if i < len(leaf.entries) && leaf.entries[i].compare(e) == 0 {
		return errors.Wrapf(basic.ErrDuplicateKey, "key %s at %s", key, addr)
	}
	leaf.entries = insertEntry(leaf.entries, i, e)

	w := newWriteSet()
	if err := t.splitUp(ls, w, path); err != nil {
		t.rollback(w)
		return err
	}
	t.meta.count++
	return t.commit(w)
}

// splitUp 自叶子向上处理溢出，根溢出时树长高一层
func (t *BTree) splitUp(ls *latch.Set, w *writeSet, path []pathStep) error {
	for level := len(path) - 1; level >= 0; level-- {
		n := path[level].node
		w.mark(n)
		if t.fits(n) {
			return nil
		}
		rightAddr, err := t.allocate(ls, w)
		if err != nil {
			return err
		}
		right, sep := t.split(n, rightAddr)
		w.mark(right)
		t.metrics.BTreeSplits.Inc()

		if level == 0 {
			rootAddr, err := t.allocate(ls, w)
			if err != nil {
				return err
			}
			root := &node{addr: rootAddr, entries: []entry{sep}, children: []uint32{n.addr, right.addr}}
			w.mark(root)
			t.meta.root = rootAddr
			t.meta.height++
			t.logf("root split, new root %d height %d", rootAddr, t.meta.height)
			return nil
		}
		parent := path[level-1].node
		ci := path[level-1].child
		parent.entries = insertEntry(parent.entries, ci, sep)
		parent.children = insertChild(parent.children, ci+1, right.addr)
	}
	return nil
}

// split 把n的后半部分移到新节点，返回新节点与上推的分隔项。
// 叶子的分隔项是右半第一条的副本；内部节点的分隔项从两半中移出。
func (t *BTree) split(n *node, rightAddr uint32) (*node, entry) {
	mid := t.splitPoint(n)
	right := &node{addr: rightAddr, leaf: n.leaf}
	var sep entry
	if n.leaf {
		right.entries = append([]entry(nil), n.entries[mid:]...)
		n.entries = n.entries[:mid:mid]
		sep = right.entries[0]
		right.next = n.next
		n.next = right.addr
	} else {
		sep = n.entries[mid]
		right.entries = append([]entry(nil), n.entries[mid+1:]...)
		right.children = append([]uint32(nil), n.children[mid+1:]...)
		n.entries = n.entries[:mid:mid]
		n.children = n.children[: mid+1 : mid+1]
	}
	return right, sep
}

// splitPoint 优先按条目数对半分，两半放不下时按字节数找最均衡的位置
func (t *BTree) splitPoint(n *node) int {
	count := len(n.entries)
	if mid := count / 2; t.halvesFit(n, mid) {
		return mid
	}
	best, bestSize := count/2, -1
	for mid := 1; mid < count; mid++ {
		if !t.halvesFit(n, mid) {
			continue
		}
		l, r := t.halfSizes(n, mid)
		if l < r {
			l = r
		}
		if bestSize < 0 || l < bestSize {
			best, bestSize = mid, l
		}
	}
	return best
}

func (t *BTree) halfSizes(n *node, mid int) (int, int) {
	left := &node{leaf: n.leaf, entries: n.entries[:mid]}
	right := &node{leaf: n.leaf}
	if n.leaf {
		right.entries = n.entries[mid:]
	} else {
		right.entries = n.entries[mid+1:]
	}
	return left.encodedSize(), right.encodedSize()
}

func (t *BTree) halvesFit(n *node, mid int) bool {
	if mid < 1 || mid >= len(n.entries) {
		return false
	}
	rightCount := len(n.entries) - mid
	if !n.leaf {
		rightCount--
	}
	if mid > t.maxEntries || rightCount > t.maxEntries || (!n.leaf && rightCount < 1) {
		return false
	}
	l, r := t.halfSizes(n, mid)
	bs := t.store.BlockSize()
	return l <= bs && r <= bs
}

func insertEntry(entries []entry, i int, e entry) []entry {
	entries = append(entries, entry{})
	copy(entries[i+1:], entries[i:])
	entries[i] = e
	return entries
}

func removeEntry(entries []entry, i int) []entry {
	return append(entries[:i], entries[i+1:]...)
}

func insertChild(children []uint32, i int, c uint32) []uint32 {
	children = append(children, 0)
	copy(children[i+1:], children[i:])
	children[i] = c
	return children
}

func removeChild(children []uint32, i int) []uint32 {
	return append(children[:i], children[i+1:]...)
}
