package btree

import (
	"sort"

	"github.com/pkg/errors"

	"github.com/zhukovaskychina/xmysql-storage/server/innodb/basic"
	"github.com/zhukovaskychina/xmysql-storage/server/innodb/latch"
	"github.com/zhukovaskychina/xmysql-storage/server/innodb/storage/store/pages"
)

// Delete 删除(key, addr)这一对，不存在时返回ErrNotFound
func (t *BTree) Delete(key basic.Key, addr basic.RowAddress) error {
	e := entry{key: key, addr: addr}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.metrics.IndexOp("btree", "delete")

	ls := t.store.Latches().NewSet()
	defer ls.Release()
	ls.Exclusive(t.anchor)
	path, err := t.descendExclusive(ls, e)
	if err != nil {
		return err
	}
	leaf := path[len(path)-1].node
	i := sort.Search(len(leaf.entries), func(i int) bool { return leaf.entries[i].compare(e) >= 0 })
	if i == len(leaf.entries) || leaf.entries[i].compare(e) != 0 {
		return errors.Wrapf(basic.ErrNotFound, "key %s at %s", key, addr)
	}
	leaf.entries = removeEntry(leaf.entries, i)

	w := newWriteSet()
	w.mark(leaf)
	for level := len(path) - 1; level > 0; level-- {
		n := path[level].node
		if len(n.entries) >= t.minEntries {
			break
		}
		merged, err := t.rebalance(ls, w, path[level-1].node, path[level-1].child, n)
		if err != nil {
			return err
		}
		if !merged {
			break
		}
	}

	root := path[0].node
	if !root.leaf && len(root.entries) == 0 {
		w.mark(root)
		w.free(root.addr)
		t.meta.root = root.children[0]
		t.meta.height--
		t.logf("root %d collapsed, height %d", root.addr, t.meta.height)
	}
	t.meta.count--
	return t.commit(w)
}

// siblings 对左右兄弟按地址升序加排他块锁后读出，不存在的一侧为nil
func (t *BTree) siblings(ls *latch.Set, parent *node, ci int, n *node) (left, right *node, err error) {
	var addrs []uint32
	if ci > 0 {
		addrs = append(addrs, parent.children[ci-1])
	}
	if ci+1 < len(parent.children) {
		addrs = append(addrs, parent.children[ci+1])
	}
	ls.ExclusiveAll(addrs)

	if ci > 0 {
		if left, err = t.readNode(parent.children[ci-1]); err != nil {
			return nil, nil, err
		}
		if left.leaf != n.leaf {
			return nil, nil, basic.Corrupt(left.addr, "sibling of %d at a different level", n.addr)
		}
	}
	if ci+1 < len(parent.children) {
		if right, err = t.readNode(parent.children[ci+1]); err != nil {
			return nil, nil, err
		}
		if right.leaf != n.leaf {
			return nil, nil, basic.Corrupt(right.addr, "sibling of %d at a different level", n.addr)
		}
	}
	return left, right, nil
}

// rebalance 处理n的下溢: 先向左右兄弟借，借不到再合并。
// 返回true表示发生了合并，父节点少了一项需要继续向上检查。
func (t *BTree) rebalance(ls *latch.Set, w *writeSet, parent *node, ci int, n *node) (bool, error) {
	left, right, err := t.siblings(ls, parent, ci, n)
	if err != nil {
		return false, err
	}

	if left != nil && len(left.entries) > t.minEntries && t.canBorrowLeft(parent, ci, left, n) {
		borrowLeft(parent, ci, left, n)
		w.mark(parent, left, n)
		return false, nil
	}
	if right != nil && len(right.entries) > t.minEntries && t.canBorrowRight(parent, ci, n, right) {
		borrowRight(parent, ci, n, right)
		w.mark(parent, n, right)
		return false, nil
	}
	if left != nil && t.canMerge(left, n, parent.entries[ci-1]) {
		merge(parent, ci-1, left, n)
		w.mark(parent, left, n)
		w.free(n.addr)
		t.metrics.BTreeMerges.Inc()
		return true, nil
	}
	if right != nil && t.canMerge(n, right, parent.entries[ci]) {
		merge(parent, ci, n, right)
		w.mark(parent, n, right)
		w.free(right.addr)
		t.metrics.BTreeMerges.Inc()
		return true, nil
	}
	// 字节数限制下既借不到也合并不了，保持欠满但有序的节点
	w.mark(n)
	return false, nil
}

func (t *BTree) canBorrowLeft(parent *node, ci int, left, n *node) bool {
	bs := t.store.BlockSize()
	moved := left.entries[len(left.entries)-1]
	sep := parent.entries[ci-1]
	nSize := n.encodedSize() + moved.size()
	if !n.leaf {
		nSize = n.encodedSize() + sep.size() + 4
	}
	pSize := parent.encodedSize() - sep.size() + moved.size()
	return nSize <= bs && pSize <= bs
}

func (t *BTree) canBorrowRight(parent *node, ci int, n, right *node) bool {
	bs := t.store.BlockSize()
	sep := parent.entries[ci]
	nSize := n.encodedSize() + sep.size() + 4
	newSep := right.entries[0]
	if n.leaf {
		nSize = n.encodedSize() + right.entries[0].size()
		newSep = right.entries[1]
	}
	pSize := parent.encodedSize() - sep.size() + newSep.size()
	return nSize <= bs && pSize <= bs
}

// borrowLeft 左兄弟的最后一项移到n的最前
func borrowLeft(parent *node, ci int, left, n *node) {
	last := len(left.entries) - 1
	moved := left.entries[last]
	left.entries = left.entries[:last]
	if n.leaf {
		n.entries = insertEntry(n.entries, 0, moved)
		parent.entries[ci-1] = moved
		return
	}
	child := left.children[last+1]
	left.children = left.children[:last+1]
	n.entries = insertEntry(n.entries, 0, parent.entries[ci-1])
	n.children = insertChild(n.children, 0, child)
	parent.entries[ci-1] = moved
}

// borrowRight 右兄弟的第一项移到n的最后
func borrowRight(parent *node, ci int, n, right *node) {
	moved := right.entries[0]
	right.entries = removeEntry(right.entries, 0)
	if n.leaf {
		n.entries = append(n.entries, moved)
		parent.entries[ci] = right.entries[0]
		return
	}
	child := right.children[0]
	right.children = removeChild(right.children, 0)
	n.entries = append(n.entries, parent.entries[ci])
	n.children = append(n.children, child)
	parent.entries[ci] = moved
}

func (t *BTree) canMerge(a, b *node, sep entry) bool {
	count := len(a.entries) + len(b.entries)
	size := a.encodedSize() + b.encodedSize() - pages.FilHeaderSize
	if !a.leaf {
		count++
		size += sep.size()
	}
	return count <= t.maxEntries && size <= t.store.BlockSize()
}

// merge 把右节点b并入左节点a，删除父节点中的第si个分隔项
func merge(parent *node, si int, a, b *node) {
	if a.leaf {
		a.entries = append(a.entries, b.entries...)
		a.next = b.next
	} else {
		a.entries = append(a.entries, parent.entries[si])
		a.entries = append(a.entries, b.entries...)
		a.children = append(a.children, b.children...)
	}
	parent.entries = removeEntry(parent.entries, si)
	parent.children = removeChild(parent.children, si+1)
}
