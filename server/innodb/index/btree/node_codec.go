package btree

import (
	"github.com/zhukovaskychina/xmysql-storage/server/common"
	"github.com/zhukovaskychina/xmysql-storage/server/innodb/basic"
	"github.com/zhukovaskychina/xmysql-storage/server/innodb/storage/store/pages"
	"github.com/zhukovaskychina/xmysql-storage/util"
)

// 叶子: 页头(type, next=右兄弟, count) + count * (key, rowAddr)
// 内部: 页头(type, next=0, count) + child0 + count * (key, rowAddr, child)
// 内部节点的分隔项是完整的(key, rowAddr)，重复键因此也严格有序

type entry struct {
	key  basic.Key
	addr basic.RowAddress
}

func (e entry) compare(o entry) int {
	if c := e.key.Compare(o.key); c != 0 {
		return c
	}
	return e.addr.Compare(o.addr)
}

func (e entry) size() int {
	return e.key.EncodedSize() + basic.RowAddressSize
}

type node struct {
	addr     uint32
	leaf     bool
	next     uint32
	entries  []entry
	children []uint32
}

func newLeaf(addr uint32) *node {
	return &node{addr: addr, leaf: true}
}

func (n *node) encodedSize() int {
	size := pages.FilHeaderSize
	if !n.leaf {
		size += 4 + 4*len(n.entries)
	}
	for _, e := range n.entries {
		size += e.size()
	}
	return size
}

func (n *node) encode(blockSize int) []byte {
	t := common.PageTypeBTreeInternal
	if n.leaf {
		t = common.PageTypeBTreeLeaf
	}
	data := make([]byte, pages.FilHeaderSize, blockSize)
	pages.FilHeader{Type: t, Next: n.next, Count: uint16(len(n.entries))}.Put(data)
	if !n.leaf {
		data = util.WriteUB4(data, n.children[0])
	}
	for i, e := range n.entries {
		data = e.key.Encode(data)
		data = e.addr.Encode(data)
		if !n.leaf {
			data = util.WriteUB4(data, n.children[i+1])
		}
	}
	return data[:blockSize]
}

// decodeNode 校验类型、数量与有序性，违反时返回ErrCorruptIndex
func decodeNode(addr uint32, data []byte, maxEntries int) (*node, error) {
	fh := pages.ReadFilHeader(data)
	n := &node{addr: addr, next: fh.Next}
	switch fh.Type {
	case common.PageTypeBTreeLeaf:
		n.leaf = true
	case common.PageTypeBTreeInternal:
		if fh.Next != common.NullBlock {
			return nil, basic.Corrupt(addr, "internal node has sibling link %d", fh.Next)
		}
	default:
		return nil, basic.Corrupt(addr, "not a b-tree node: %v", fh.Type)
	}
	count := int(fh.Count)
	if count > maxEntries {
		return nil, basic.Corrupt(addr, "node holds %d entries, order allows %d", count, maxEntries)
	}

	r := util.NewBufferReader(data[pages.FilHeaderSize:])
	n.entries = make([]entry, 0, count)
	if !n.leaf {
		n.children = make([]uint32, 0, count+1)
		n.children = append(n.children, r.ReadUB4())
	}
	for i := 0; i < count; i++ {
		key, err := basic.DecodeKey(r)
		if err != nil {
			return nil, basic.Corrupt(addr, "entry %d: %v", i, err)
		}
		e := entry{key: key, addr: basic.DecodeRowAddress(r)}
		if i > 0 && n.entries[i-1].compare(e) >= 0 {
			return nil, basic.Corrupt(addr, "entry %d out of order", i)
		}
		n.entries = append(n.entries, e)
		if !n.leaf {
			n.children = append(n.children, r.ReadUB4())
		}
	}
	if r.Err() != nil {
		return nil, basic.Corrupt(addr, "%v", r.Err())
	}
	for _, c := range n.children {
		if c == common.NullBlock || c == addr {
			return nil, basic.Corrupt(addr, "invalid child pointer %d", c)
		}
	}
	return n, nil
}

// metaSize 元数据块: 页头 + order(2) unique(1) root(4) height(2) count(8)
const metaSize = pages.FilHeaderSize + 2 + 1 + 4 + 2 + 8

type meta struct {
	order  int
	unique bool
	root   uint32
	height int
	count  uint64
}

func (m meta) encode(blockSize int) []byte {
	data := pages.NewPage(blockSize, common.PageTypeBTreeMeta)
	c := util.PutUB2(data, pages.FilHeaderSize, uint16(m.order))
	if m.unique {
		data[c] = 1
	}
	c = util.PutUB4(data, c+1, m.root)
	c = util.PutUB2(data, c, uint16(m.height))
	util.PutUB8(data, c, m.count)
	return data
}

func decodeMeta(addr uint32, data []byte) (meta, error) {
	if pages.TypeOf(data) != common.PageTypeBTreeMeta {
		return meta{}, basic.Corrupt(addr, "not a b-tree meta block: %v", pages.TypeOf(data))
	}
	r := util.NewBufferReader(data[pages.FilHeaderSize:])
	m := meta{order: int(r.ReadUB2()), unique: r.ReadUB1() == 1, root: r.ReadUB4(), height: int(r.ReadUB2()), count: r.ReadUB8()}
	if m.order < 3 || m.root == common.NullBlock || m.height < 1 {
		return meta{}, basic.Corrupt(addr, "b-tree meta order=%d root=%d height=%d", m.order, m.root, m.height)
	}
	return m, r.Err()
}
