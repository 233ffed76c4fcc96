// Package bitmap 位图索引：每个不同的键值对应一个按行槽位编址的位向量
package bitmap

import (
	"sync"

	"github.com/RoaringBitmap/roaring"
	"github.com/pkg/errors"

	"github.com/zhukovaskychina/xmysql-storage/server/innodb/basic"
	"github.com/zhukovaskychina/xmysql-storage/server/innodb/storage/store/pages"
	"github.com/zhukovaskychina/xmysql-storage/server/metrics"
	"github.com/zhukovaskychina/xmysql-storage/util"
)

type Options struct {
	Unique  bool
	Metrics *metrics.Metrics
}

// BitmapIndex 值目录由mu保护，只增不减；每个位向量由其首块的块锁保护
type BitmapIndex struct {
	mu        sync.RWMutex
	store     basic.BlockStore
	segment   string
	anchor    uint32
	meta      meta
	refs      map[string]valueRef
	order     []string
	dirBlocks []*valuesBlock
	metrics   *metrics.Metrics
	perBlock  int
}

func Create(store basic.BlockStore, segment string, opts Options) (*BitmapIndex, error) {
	anchor, err := store.AllocateBlock(segment)
	if err != nil {
		return nil, err
	}
	dirHead, err := store.AllocateBlock(segment)
	if err != nil {
		store.FreeBlock(anchor)
		return nil, err
	}
	b := newIndex(store, segment, anchor, meta{dirHead: dirHead, unique: opts.Unique}, opts.Metrics)
	first := &valuesBlock{addr: dirHead}
	b.dirBlocks = []*valuesBlock{first}
	if err := b.writeValues(first); err != nil {
		return nil, err
	}
	if err := b.writeMeta(); err != nil {
		return nil, err
	}
	return b, nil
}

// Open 读取元数据并把值目录载入内存
func Open(store basic.BlockStore, segment string, anchor uint32, m *metrics.Metrics) (*BitmapIndex, error) {
	data, err := store.ReadBlock(anchor)
	if err != nil {
		return nil, err
	}
	md, err := decodeMeta(anchor, data)
	if err != nil {
		return nil, err
	}
	b := newIndex(store, segment, anchor, md, m)
	seen := make(map[uint32]bool)
	for addr := md.dirHead; addr != 0; {
		if seen[addr] {
			return nil, basic.Corrupt(addr, "value directory loops")
		}
		seen[addr] = true
		data, err := store.ReadBlock(addr)
		if err != nil {
			return nil, err
		}
		vb, err := decodeValues(addr, data)
		if err != nil {
			return nil, err
		}
		for _, v := range vb.entries {
			k := string(v.key.Bytes())
			if _, dup := b.refs[k]; dup {
				return nil, basic.Corrupt(addr, "value %s listed twice", v.key)
			}
			b.refs[k] = v
			b.order = append(b.order, k)
		}
		b.dirBlocks = append(b.dirBlocks, vb)
		addr = vb.next
	}
	if uint32(len(b.refs)) != md.valueCount {
		return nil, basic.Corrupt(anchor, "value directory holds %d values, meta records %d", len(b.refs), md.valueCount)
	}
	return b, nil
}

func newIndex(store basic.BlockStore, segment string, anchor uint32, md meta, m *metrics.Metrics) *BitmapIndex {
	if m == nil {
		m = metrics.New()
	}
	return &BitmapIndex{
		store:    store,
		segment:  segment,
		anchor:   anchor,
		meta:     md,
		refs:     make(map[string]valueRef),
		metrics:  m,
		perBlock: bitsPerBlock(store.BlockSize()),
	}
}

func (b *BitmapIndex) Anchor() uint32 {
	return b.anchor
}

func (b *BitmapIndex) Unique() bool {
	return b.meta.unique
}

// Values 已出现过的全部键值，按首次出现的顺序
func (b *BitmapIndex) Values() []basic.Key {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]basic.Key, 0, len(b.order))
	for _, k := range b.order {
		out = append(out, b.refs[k].key)
	}
	return out
}

func (b *BitmapIndex) writeMeta() error {
	return b.store.WriteBlock(b.anchor, b.meta.encode(b.store.BlockSize()))
}

func (b *BitmapIndex) writeValues(vb *valuesBlock) error {
	return b.store.WriteBlock(vb.addr, vb.encode(b.store.BlockSize()))
}

func (b *BitmapIndex) readVector(addr uint32) (*vectorBlock, error) {
	data, err := b.store.ReadBlock(addr)
	if err != nil {
		return nil, err
	}
	return decodeVector(addr, data)
}

func (b *BitmapIndex) writeVector(v *vectorBlock) error {
	return b.store.WriteBlock(v.addr, v.encode(b.store.BlockSize()))
}

// readVectorChain 读取位向量的前n块，n<0时读全部
func (b *BitmapIndex) readVectorChain(head uint32, n int) ([]*vectorBlock, error) {
	var chain []*vectorBlock
	seen := make(map[uint32]bool)
	for addr := head; addr != 0 && (n < 0 || len(chain) < n); {
		if seen[addr] {
			return nil, basic.Corrupt(head, "vector chain loops at %d", addr)
		}
		seen[addr] = true
		v, err := b.readVector(addr)
		if err != nil {
			return nil, err
		}
		chain = append(chain, v)
		addr = v.next
	}
	return chain, nil
}

func (b *BitmapIndex) lookup(value basic.Key) (valueRef, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	ref, ok := b.refs[string(value.Bytes())]
	return ref, ok
}

// vectorFor 返回值的位向量首块，不存在时创建并登记到值目录
func (b *BitmapIndex) vectorFor(value basic.Key) (uint32, error) {
	if ref, ok := b.lookup(value); ok {
		return ref.head, nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	k := string(value.Bytes())
	if ref, ok := b.refs[k]; ok {
		return ref.head, nil
	}

	head, err := b.store.AllocateBlock(b.segment)
	if err != nil {
		return 0, err
	}
	if err := b.writeVector(newVectorBlock(head, b.store.BlockSize())); err != nil {
		return 0, err
	}
	ref := valueRef{key: value, head: head}
	last := b.dirBlocks[len(b.dirBlocks)-1]
	if last.used()+ref.size() <= b.store.BlockSize() {
		last.entries = append(last.entries, ref)
	} else {
		addr, err := b.store.AllocateBlock(b.segment)
		if err != nil {
			b.store.FreeBlock(head)
			return 0, err
		}
		nb := &valuesBlock{addr: addr, entries: []valueRef{ref}}
		if err := b.writeValues(nb); err != nil {
			return 0, err
		}
		last.next = addr
		b.dirBlocks = append(b.dirBlocks, nb)
	}
	if err := b.writeValues(last); err != nil {
		return 0, err
	}
	b.refs[k] = ref
	b.order = append(b.order, k)
	b.meta.valueCount++
	return head, b.writeMeta()
}

// Insert 置位value向量的第slot位，向量长度取max(原长度, slot+1)。
// 唯一位图中该值已有任意置位、或该位已置位时返回ErrDuplicateKey。
func (b *BitmapIndex) Insert(value basic.Key, slot uint32) error {
	if value.EncodedSize()+4 > b.store.BlockSize()-pages.FilHeaderSize {
		return errors.Wrapf(basic.ErrValueTooLarge, "bitmap value of %d bytes", value.EncodedSize())
	}
	b.metrics.IndexOp("bitmap", "insert")
	head, err := b.vectorFor(value)
	if err != nil {
		return err
	}
	l := b.store.Latches().Get(head)
	l.Lock()
	defer l.Unlock()

	idx := int(slot) / b.perBlock
	bit := int(slot) % b.perBlock
	chain, err := b.readVectorChain(head, -1)
	if err != nil {
		return err
	}
	if b.meta.unique && countBits(chain, b.perBlock) > 0 {
		return errors.Wrapf(basic.ErrDuplicateKey, "value %s", value)
	}
	if idx < len(chain) && util.IsBitSet(chain[idx].bits, bit) {
		return errors.Wrapf(basic.ErrDuplicateKey, "value %s slot %d", value, slot)
	}

	dirty := map[uint32]*vectorBlock{}
	for len(chain) <= idx {
		addr, err := b.store.AllocateBlock(b.segment)
		if err != nil {
			return err
		}
		nv := newVectorBlock(addr, b.store.BlockSize())
		if err := b.writeVector(nv); err != nil {
			return err
		}
		prev := chain[len(chain)-1]
		prev.next = addr
		if err := b.writeVector(prev); err != nil {
			return err
		}
		chain = append(chain, nv)
	}
	target := chain[idx]
	util.SetBit(target.bits, bit)
	dirty[target.addr] = target
	if slot+1 > chain[0].bitLen {
		chain[0].bitLen = slot + 1
		dirty[chain[0].addr] = chain[0]
	}
	for _, v := range dirty {
		if err := b.writeVector(v); err != nil {
			return err
		}
	}
	return nil
}

// Delete 清除value向量的第slot位，向量长度不变。值不存在或该位未置位时返回ErrNotFound。
func (b *BitmapIndex) Delete(value basic.Key, slot uint32) error {
	b.metrics.IndexOp("bitmap", "delete")
	ref, ok := b.lookup(value)
	if !ok {
		return errors.Wrapf(basic.ErrNotFound, "value %s", value)
	}
	l := b.store.Latches().Get(ref.head)
	l.Lock()
	defer l.Unlock()

	idx := int(slot) / b.perBlock
	chain, err := b.readVectorChain(ref.head, idx+1)
	if err != nil {
		return err
	}
	if slot >= chain[0].bitLen || idx >= len(chain) || !util.IsBitSet(chain[idx].bits, int(slot)%b.perBlock) {
		return errors.Wrapf(basic.ErrNotFound, "value %s slot %d", value, slot)
	}
	util.ClearBit(chain[idx].bits, int(slot)%b.perBlock)
	return b.writeVector(chain[idx])
}

// Search 返回value向量中置位的槽位，值不存在时返回空位图
func (b *BitmapIndex) Search(value basic.Key) (*roaring.Bitmap, error) {
	b.metrics.IndexOp("bitmap", "search")
	out := roaring.New()
	ref, ok := b.lookup(value)
	if !ok {
		return out, nil
	}
	l := b.store.Latches().Get(ref.head)
	l.RLock()
	defer l.RUnlock()
	chain, err := b.readVectorChain(ref.head, -1)
	if err != nil {
		return nil, err
	}
	bitLen := int(chain[0].bitLen)
	for i, v := range chain {
		base := i * b.perBlock
		if base >= bitLen {
			break
		}
		util.ForEachSetBit(v.bits, bitLen-base, func(bit int) {
			out.Add(uint32(base + bit))
		})
	}
	return out, nil
}

// Length value向量的位长度
func (b *BitmapIndex) Length(value basic.Key) (uint32, error) {
	ref, ok := b.lookup(value)
	if !ok {
		return 0, errors.Wrapf(basic.ErrNotFound, "value %s", value)
	}
	l := b.store.Latches().Get(ref.head)
	l.RLock()
	defer l.RUnlock()
	v, err := b.readVector(ref.head)
	if err != nil {
		return 0, err
	}
	return v.bitLen, nil
}

// countBits 长度之外的位总是清零的，整块计数即可
func countBits(chain []*vectorBlock, perBlock int) int {
	n := 0
	for i, v := range chain {
		if i*perBlock >= int(chain[0].bitLen) {
			break
		}
		n += util.PopCount(v.bits)
	}
	return n
}

// Check 校验向量长度覆盖范围与长度之外没有置位
func (b *BitmapIndex) Check() error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, k := range b.order {
		ref := b.refs[k]
		chain, err := b.readVectorChain(ref.head, -1)
		if err != nil {
			return err
		}
		bitLen := int(chain[0].bitLen)
		if bitLen > len(chain)*b.perBlock {
			return basic.Corrupt(ref.head, "vector of %s claims %d bits in %d blocks", ref.key, bitLen, len(chain))
		}
		for i, v := range chain {
			base := i * b.perBlock
			bad := -1
			util.ForEachSetBit(v.bits, b.perBlock, func(bit int) {
				if bad < 0 && base+bit >= bitLen {
					bad = base + bit
				}
			})
			if bad >= 0 {
				return basic.Corrupt(v.addr, "bit %d of %s set beyond length %d", bad, ref.key, bitLen)
			}
		}
		if b.meta.unique && countBits(chain, b.perBlock) > 1 {
			return basic.Corrupt(ref.head, "unique bitmap value %s set for several rows", ref.key)
		}
	}
	return nil
}
