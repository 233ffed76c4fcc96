package hash

import (
	"math"

	"github.com/zhukovaskychina/xmysql-storage/server/common"
	"github.com/zhukovaskychina/xmysql-storage/server/innodb/basic"
	"github.com/zhukovaskychina/xmysql-storage/server/innodb/storage/store/pages"
	"github.com/zhukovaskychina/xmysql-storage/util"
)

// 桶块: 页头(type, next=溢出块, count) + count * (key, rowAddr)
// 目录块: 页头(type, next=下一目录块, count) + count * 桶首块地址

type entry struct {
	key  basic.Key
	addr basic.RowAddress
}

func (e entry) size() int {
	return e.key.EncodedSize() + basic.RowAddressSize
}

type bucketBlock struct {
	addr    uint32
	next    uint32
	entries []entry
}

func (b *bucketBlock) used() int {
	size := pages.FilHeaderSize
	for _, e := range b.entries {
		size += e.size()
	}
	return size
}

func (b *bucketBlock) encode(blockSize int) []byte {
	data := make([]byte, pages.FilHeaderSize, blockSize)
	pages.FilHeader{Type: common.PageTypeHashBucket, Next: b.next, Count: uint16(len(b.entries))}.Put(data)
	for _, e := range b.entries {
		data = e.key.Encode(data)
		data = e.addr.Encode(data)
	}
	return data[:blockSize]
}

func decodeBucket(addr uint32, data []byte) (*bucketBlock, error) {
	fh := pages.ReadFilHeader(data)
	if fh.Type != common.PageTypeHashBucket {
		return nil, basic.Corrupt(addr, "not a hash bucket block: %v", fh.Type)
	}
	if fh.Next == addr {
		return nil, basic.Corrupt(addr, "bucket overflow links to itself")
	}
	b := &bucketBlock{addr: addr, next: fh.Next, entries: make([]entry, 0, fh.Count)}
	r := util.NewBufferReader(data[pages.FilHeaderSize:])
	for i := 0; i < int(fh.Count); i++ {
		key, err := basic.DecodeKey(r)
		if err != nil {
			return nil, basic.Corrupt(addr, "entry %d: %v", i, err)
		}
		b.entries = append(b.entries, entry{key: key, addr: basic.DecodeRowAddress(r)})
	}
	if r.Err() != nil {
		return nil, basic.Corrupt(addr, "%v", r.Err())
	}
	return b, nil
}

// directoryCapacity 每个目录块能容纳的桶地址数
func directoryCapacity(blockSize int) int {
	return (blockSize - pages.FilHeaderSize) / 4
}

func encodeDirectory(blockSize int, heads []uint32, next uint32) []byte {
	data := pages.NewPage(blockSize, common.PageTypeHashDirectory)
	pages.FilHeader{Type: common.PageTypeHashDirectory, Next: next, Count: uint16(len(heads))}.Put(data)
	c := pages.FilHeaderSize
	for _, h := range heads {
		c = util.PutUB4(data, c, h)
	}
	return data
}

func decodeDirectory(addr uint32, data []byte) ([]uint32, uint32, error) {
	fh := pages.ReadFilHeader(data)
	if fh.Type != common.PageTypeHashDirectory {
		return nil, 0, basic.Corrupt(addr, "not a hash directory block: %v", fh.Type)
	}
	if int(fh.Count) > directoryCapacity(len(data)) {
		return nil, 0, basic.Corrupt(addr, "directory block holds %d slots", fh.Count)
	}
	heads := make([]uint32, fh.Count)
	c := pages.FilHeaderSize
	for i := range heads {
		c, heads[i] = util.ReadUB4(data, c)
		if heads[i] == common.NullBlock {
			return nil, 0, basic.Corrupt(addr, "directory slot %d is empty", i)
		}
	}
	return heads, fh.Next, nil
}

// meta 元数据块: 页头 + dirSize(4) threshold(8) entries(8) dirHead(4) unique(1)
type meta struct {
	dirSize   int
	threshold float64
	entries   uint64
	dirHead   uint32
	unique    bool
}

func (m meta) encode(blockSize int) []byte {
	data := pages.NewPage(blockSize, common.PageTypeHashMeta)
	c := util.PutUB4(data, pages.FilHeaderSize, uint32(m.dirSize))
	c = util.PutUB8(data, c, math.Float64bits(m.threshold))
	c = util.PutUB8(data, c, m.entries)
	c = util.PutUB4(data, c, m.dirHead)
	if m.unique {
		data[c] = 1
	}
	return data
}

func decodeMeta(addr uint32, data []byte) (meta, error) {
	if pages.TypeOf(data) != common.PageTypeHashMeta {
		return meta{}, basic.Corrupt(addr, "not a hash meta block: %v", pages.TypeOf(data))
	}
	r := util.NewBufferReader(data[pages.FilHeaderSize:])
	m := meta{
		dirSize:   int(r.ReadUB4()),
		threshold: math.Float64frombits(r.ReadUB8()),
		entries:   r.ReadUB8(),
		dirHead:   r.ReadUB4(),
		unique:    r.ReadUB1() == 1,
	}
	if m.dirSize < 1 || m.dirHead == common.NullBlock || !(m.threshold > 0) {
		return meta{}, basic.Corrupt(addr, "hash meta dirSize=%d dirHead=%d threshold=%v", m.dirSize, m.dirHead, m.threshold)
	}
	return m, r.Err()
}
