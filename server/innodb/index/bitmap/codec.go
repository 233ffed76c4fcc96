package bitmap

import (
	"github.com/zhukovaskychina/xmysql-storage/server/common"
	"github.com/zhukovaskychina/xmysql-storage/server/innodb/basic"
	"github.com/zhukovaskychina/xmysql-storage/server/innodb/storage/store/pages"
	"github.com/zhukovaskychina/xmysql-storage/util"
)

// 值目录块: 页头(type, next, count) + count * (key, 位向量首块)
// 位向量块: 页头(type, next, 0) + bitLen(4, 仅首块有效) + 位

const vectorHeaderSize = pages.FilHeaderSize + 4

// bitsPerBlock 每个位向量块承载的位数
func bitsPerBlock(blockSize int) int {
	return (blockSize - vectorHeaderSize) * 8
}

type valueRef struct {
	key  basic.Key
	head uint32
}

func (v valueRef) size() int {
	return v.key.EncodedSize() + 4
}

type valuesBlock struct {
	addr    uint32
	next    uint32
	entries []valueRef
}

func (b *valuesBlock) used() int {
	size := pages.FilHeaderSize
	for _, v := range b.entries {
		size += v.size()
	}
	return size
}

func (b *valuesBlock) encode(blockSize int) []byte {
	data := make([]byte, pages.FilHeaderSize, blockSize)
	pages.FilHeader{Type: common.PageTypeBitmapValues, Next: b.next, Count: uint16(len(b.entries))}.Put(data)
	for _, v := range b.entries {
		data = v.key.Encode(data)
		data = util.WriteUB4(data, v.head)
	}
	return data[:blockSize]
}

func decodeValues(addr uint32, data []byte) (*valuesBlock, error) {
	fh := pages.ReadFilHeader(data)
	if fh.Type != common.PageTypeBitmapValues {
		return nil, basic.Corrupt(addr, "not a bitmap value directory block: %v", fh.Type)
	}
	b := &valuesBlock{addr: addr, next: fh.Next}
	r := util.NewBufferReader(data[pages.FilHeaderSize:])
	for i := 0; i < int(fh.Count); i++ {
		key, err := basic.DecodeKey(r)
		if err != nil {
			return nil, basic.Corrupt(addr, "value %d: %v", i, err)
		}
		head := r.ReadUB4()
		if head == common.NullBlock {
			return nil, basic.Corrupt(addr, "value %s has no vector", key)
		}
		b.entries = append(b.entries, valueRef{key: key, head: head})
	}
	if r.Err() != nil {
		return nil, basic.Corrupt(addr, "%v", r.Err())
	}
	return b, nil
}

type vectorBlock struct {
	addr   uint32
	next   uint32
	bitLen uint32
	bits   []byte
}

func newVectorBlock(addr uint32, blockSize int) *vectorBlock {
	return &vectorBlock{addr: addr, bits: make([]byte, blockSize-vectorHeaderSize)}
}

func (v *vectorBlock) encode(blockSize int) []byte {
	data := pages.NewPage(blockSize, common.PageTypeBitmapVector)
	pages.FilHeader{Type: common.PageTypeBitmapVector, Next: v.next}.Put(data)
	util.PutUB4(data, pages.FilHeaderSize, v.bitLen)
	copy(data[vectorHeaderSize:], v.bits)
	return data
}

func decodeVector(addr uint32, data []byte) (*vectorBlock, error) {
	fh := pages.ReadFilHeader(data)
	if fh.Type != common.PageTypeBitmapVector {
		return nil, basic.Corrupt(addr, "not a bitmap vector block: %v", fh.Type)
	}
	_, bitLen := util.ReadUB4(data, pages.FilHeaderSize)
	return &vectorBlock{addr: addr, next: fh.Next, bitLen: bitLen, bits: data[vectorHeaderSize:]}, nil
}

// meta 元数据块: 页头 + valueCount(4) dirHead(4) unique(1)
type meta struct {
	valueCount uint32
	dirHead    uint32
	unique     bool
}

func (m meta) encode(blockSize int) []byte {
	data := pages.NewPage(blockSize, common.PageTypeBitmapMeta)
	c := util.PutUB4(data, pages.FilHeaderSize, m.valueCount)
	c = util.PutUB4(data, c, m.dirHead)
	if m.unique {
		data[c] = 1
	}
	return data
}

func decodeMeta(addr uint32, data []byte) (meta, error) {
	if pages.TypeOf(data) != common.PageTypeBitmapMeta {
		return meta{}, basic.Corrupt(addr, "not a bitmap meta block: %v", pages.TypeOf(data))
	}
	r := util.NewBufferReader(data[pages.FilHeaderSize:])
	m := meta{valueCount: r.ReadUB4(), dirHead: r.ReadUB4(), unique: r.ReadUB1() == 1}
	if m.dirHead == common.NullBlock {
		return meta{}, basic.Corrupt(addr, "bitmap meta without value directory")
	}
	return m, r.Err()
}
