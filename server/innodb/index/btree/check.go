package btree

import (
	"github.com/zhukovaskychina/xmysql-storage/server/innodb/basic"
)

// Check 全树校验: 节点内有序、分隔项界定子树、叶子同层、叶子链完整、条目总数与元数据一致
func (t *BTree) Check() error {
	t.mu.RLock()
	defer t.mu.RUnlock()

	c := &checker{t: t}
	if err := c.walk(t.meta.root, 1, nil, nil); err != nil {
		return err
	}
	if c.count != t.meta.count {
		return basic.Corrupt(t.anchor, "tree holds %d entries, meta records %d", c.count, t.meta.count)
	}
	if c.prevLeaf != nil && c.prevLeaf.next != 0 {
		return basic.Corrupt(c.prevLeaf.addr, "last leaf links to %d", c.prevLeaf.next)
	}
	return nil
}

type checker struct {
	t        *BTree
	count    uint64
	prevLeaf *node
	seen     map[uint32]bool
}

func (c *checker) walk(addr uint32, depth int, lo, hi *entry) error {
	if c.seen == nil {
		c.seen = make(map[uint32]bool)
	}
	if c.seen[addr] {
		return basic.Corrupt(addr, "block reachable twice")
	}
	c.seen[addr] = true

	n, err := c.t.readNode(addr)
	if err != nil {
		return err
	}
	if n.encodedSize() > c.t.store.BlockSize() {
		return basic.Corrupt(addr, "node larger than a block")
	}
	for _, e := range n.entries {
		if lo != nil && e.compare(*lo) < 0 {
			return basic.Corrupt(addr, "entry %s below lower bound %s", e.key, lo.key)
		}
		if hi != nil && e.compare(*hi) >= 0 {
			return basic.Corrupt(addr, "entry %s not below upper bound %s", e.key, hi.key)
		}
	}
	if n.leaf {
		if depth != c.t.meta.height {
			return basic.Corrupt(addr, "leaf at depth %d, height %d", depth, c.t.meta.height)
		}
		if addr != c.t.meta.root && len(n.entries) == 0 {
			return basic.Corrupt(addr, "empty non-root leaf")
		}
		if c.prevLeaf != nil && c.prevLeaf.next != addr {
			return basic.Corrupt(c.prevLeaf.addr, "leaf links to %d, next leaf is %d", c.prevLeaf.next, addr)
		}
		c.prevLeaf = n
		c.count += uint64(len(n.entries))
		return nil
	}
	if depth >= c.t.meta.height {
		return basic.Corrupt(addr, "internal node at depth %d, height %d", depth, c.t.meta.height)
	}
	if len(n.entries) == 0 {
		return basic.Corrupt(addr, "internal node without separators")
	}
	for i, child := range n.children {
		clo, chi := lo, hi
		if i > 0 {
			clo = &n.entries[i-1]
		}
		if i < len(n.entries) {
			chi = &n.entries[i]
		}
		if err := c.walk(child, depth+1, clo, chi); err != nil {
			return err
		}
	}
	return nil
}
