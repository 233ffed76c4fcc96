// Package hash 散列索引。目录大小固定，平均链长超过阈值时目录翻倍并一次性重分布全部条目。
package hash

import (
	"sync"

	"github.com/pkg/errors"

	"github.com/zhukovaskychina/xmysql-storage/logger"
	"github.com/zhukovaskychina/xmysql-storage/server/innodb/basic"
	"github.com/zhukovaskychina/xmysql-storage/server/innodb/storage/store/pages"
	"github.com/zhukovaskychina/xmysql-storage/server/metrics"
	"github.com/zhukovaskychina/xmysql-storage/util"
)

type Options struct {
	DirectorySize int
	// Threshold 平均链长(条目数/目录大小)超过该值时重散列
	Threshold float64
	Unique    bool
	Metrics   *metrics.Metrics
}

// HashIndex 目录由mu保护: 增删查持读锁，重散列持写锁。
// 每个桶的链由桶首块的块锁保护。
type HashIndex struct {
	mu        sync.RWMutex
	metaMu    sync.Mutex
	store     basic.BlockStore
	segment   string
	anchor    uint32
	meta      meta
	dir       []uint32
	dirBlocks []uint32
	metrics   *metrics.Metrics
}

var _ basic.Index = (*HashIndex)(nil)

// Create 分配元数据块、目录与全部桶首块
func Create(store basic.BlockStore, segment string, opts Options) (*HashIndex, error) {
	if opts.DirectorySize < 1 {
		return nil, errors.Errorf("hash directory size %d must be positive", opts.DirectorySize)
	}
	if !(opts.Threshold > 0) {
		return nil, errors.Errorf("hash rehash threshold %v must be positive", opts.Threshold)
	}
	h := &HashIndex{store: store, segment: segment, metrics: orNew(opts.Metrics)}
	var allocated []uint32
	fail := func(err error) (*HashIndex, error) {
		h.release(allocated)
		return nil, err
	}

	anchor, err := store.AllocateBlock(segment)
	if err != nil {
		return fail(err)
	}
	allocated = append(allocated, anchor)
	heads := make([]uint32, opts.DirectorySize)
	for i := range heads {
		if heads[i], err = store.AllocateBlock(segment); err != nil {
			return fail(err)
		}
		allocated = append(allocated, heads[i])
		if err := h.writeBucket(&bucketBlock{addr: heads[i]}); err != nil {
			return fail(err)
		}
	}
	dirBlocks, err := h.writeDirectory(heads)
	if err != nil {
		return fail(err)
	}
	h.anchor = anchor
	h.dir = heads
	h.dirBlocks = dirBlocks
	h.meta = meta{dirSize: opts.DirectorySize, threshold: opts.Threshold, dirHead: dirBlocks[0], unique: opts.Unique}
	if err := h.writeMeta(); err != nil {
		return fail(err)
	}
	return h, nil
}

// Open 读取元数据与目录链
func Open(store basic.BlockStore, segment string, anchor uint32, m *metrics.Metrics) (*HashIndex, error) {
	data, err := store.ReadBlock(anchor)
	if err != nil {
		return nil, err
	}
	md, err := decodeMeta(anchor, data)
	if err != nil {
		return nil, err
	}
	h := &HashIndex{store: store, segment: segment, anchor: anchor, meta: md, metrics: orNew(m)}
	seen := make(map[uint32]bool)
	for addr := md.dirHead; addr != 0; {
		if seen[addr] {
			return nil, basic.Corrupt(addr, "directory chain loops")
		}
		seen[addr] = true
		data, err := store.ReadBlock(addr)
		if err != nil {
			return nil, err
		}
		heads, next, err := decodeDirectory(addr, data)
		if err != nil {
			return nil, err
		}
		h.dir = append(h.dir, heads...)
		h.dirBlocks = append(h.dirBlocks, addr)
		addr = next
	}
	if len(h.dir) != md.dirSize {
		return nil, basic.Corrupt(anchor, "directory holds %d buckets, meta records %d", len(h.dir), md.dirSize)
	}
	return h, nil
}

func orNew(m *metrics.Metrics) *metrics.Metrics {
	if m == nil {
		return metrics.New()
	}
	return m
}

func (h *HashIndex) Kind() basic.IndexKind {
	return basic.IndexKindHash
}

func (h *HashIndex) Anchor() uint32 {
	return h.anchor
}

// DirectorySize 当前目录大小
func (h *HashIndex) DirectorySize() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.meta.dirSize
}

// Entries 条目总数
func (h *HashIndex) Entries() uint64 {
	h.metaMu.Lock()
	defer h.metaMu.Unlock()
	return h.meta.entries
}

func (h *HashIndex) bucketOf(key basic.Key) int {
	return int(util.HashCode(key.Bytes()) % uint64(len(h.dir)))
}

func (h *HashIndex) maxEntrySize() int {
	return h.store.BlockSize() - pages.FilHeaderSize
}

func (h *HashIndex) readBucket(addr uint32) (*bucketBlock, error) {
	data, err := h.store.ReadBlock(addr)
	if err != nil {
		return nil, err
	}
	return decodeBucket(addr, data)
}

func (h *HashIndex) writeBucket(b *bucketBlock) error {
	return h.store.WriteBlock(b.addr, b.encode(h.store.BlockSize()))
}

// readChain 读出桶首块开始的整条链
func (h *HashIndex) readChain(head uint32) ([]*bucketBlock, error) {
	var chain []*bucketBlock
	seen := make(map[uint32]bool)
	for addr := head; addr != 0; {
		if seen[addr] {
			return nil, basic.Corrupt(head, "bucket chain loops at %d", addr)
		}
		seen[addr] = true
		b, err := h.readBucket(addr)
		if err != nil {
			return nil, err
		}
		chain = append(chain, b)
		addr = b.next
	}
	return chain, nil
}

func (h *HashIndex) writeMeta() error {
	return h.store.WriteBlock(h.anchor, h.meta.encode(h.store.BlockSize()))
}

// adjustEntries 更新条目数并落盘，返回是否需要重散列
func (h *HashIndex) adjustEntries(delta int) (bool, error) {
	h.metaMu.Lock()
	defer h.metaMu.Unlock()
	if delta > 0 {
		h.meta.entries += uint64(delta)
	} else {
		h.meta.entries -= uint64(-delta)
	}
	if err := h.writeMeta(); err != nil {
		return false, err
	}
	return h.overloaded(), nil
}

func (h *HashIndex) overloaded() bool {
	return float64(h.meta.entries)/float64(h.meta.dirSize) > h.meta.threshold
}

// writeDirectory 分配目录块并写入桶地址，返回目录块地址
func (h *HashIndex) writeDirectory(heads []uint32) ([]uint32, error) {
	perBlock := directoryCapacity(h.store.BlockSize())
	n := (len(heads) + perBlock - 1) / perBlock
	blocks := make([]uint32, 0, n)
	for i := 0; i < n; i++ {
		addr, err := h.store.AllocateBlock(h.segment)
		if err != nil {
			h.release(blocks)
			return nil, err
		}
		blocks = append(blocks, addr)
	}
	for i, addr := range blocks {
		lo, hi := i*perBlock, (i+1)*perBlock
		if hi > len(heads) {
			hi = len(heads)
		}
		var next uint32
		if i+1 < len(blocks) {
			next = blocks[i+1]
		}
		if err := h.store.WriteBlock(addr, encodeDirectory(h.store.BlockSize(), heads[lo:hi], next)); err != nil {
			h.release(blocks)
			return nil, err
		}
	}
	return blocks, nil
}

func (h *HashIndex) release(addrs []uint32) {
	for _, addr := range addrs {
		if err := h.store.FreeBlock(addr); err != nil {
			logger.Warnf("hash %s: release block %d: %v", h.segment, addr, err)
		}
	}
}

// Search 返回key对应的全部行地址
func (h *HashIndex) Search(key basic.Key) ([]basic.RowAddress, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	h.metrics.IndexOp("hash", "search")

	head := h.dir[h.bucketOf(key)]
	l := h.store.Latches().Get(head)
	l.RLock()
	defer l.RUnlock()
	chain, err := h.readChain(head)
	if err != nil {
		return nil, err
	}
	var out []basic.RowAddress
	for _, b := range chain {
		for _, e := range b.entries {
			if e.key.Equal(key) {
				out = append(out, e.addr)
			}
		}
	}
	return out, nil
}

// Insert 追加到桶链末尾，末块放不下时挂一个溢出块
func (h *HashIndex) Insert(key basic.Key, addr basic.RowAddress) error {
	e := entry{key: key, addr: addr}
	if e.size() > h.maxEntrySize() {
		return errors.Wrapf(basic.ErrValueTooLarge, "hash entry of %d bytes", e.size())
	}
	grow, err := h.insert(e)
	if err != nil {
		return err
	}
	if grow {
		if err := h.rehash(); err != nil {
			logger.Warnf("hash %s: rehash deferred: %v", h.segment, err)
		}
	}
	return nil
}

func (h *HashIndex) insert(e entry) (bool, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	h.metrics.IndexOp("hash", "insert")

	head := h.dir[h.bucketOf(e.key)]
	l := h.store.Latches().Get(head)
	l.Lock()
	defer l.Unlock()

	chain, err := h.readChain(head)
	if err != nil {
		return false, err
	}
	for _, b := range chain {
		for _, o := range b.entries {
			if !o.key.Equal(e.key) {
				continue
			}
			if h.meta.unique || o.addr == e.addr {
				return false, errors.Wrapf(basic.ErrDuplicateKey, "key %s", e.key)
			}
		}
	}
	last := chain[len(chain)-1]
	if last.used()+e.size() <= h.store.BlockSize() {
		last.entries = append(last.entries, e)
		if err := h.writeBucket(last); err != nil {
			return false, err
		}
	} else {
		overflow, err := h.store.AllocateBlock(h.segment)
		if err != nil {
			return false, err
		}
		if err := h.writeBucket(&bucketBlock{addr: overflow, entries: []entry{e}}); err != nil {
			h.release([]uint32{overflow})
			return false, err
		}
		last.next = overflow
		if err := h.writeBucket(last); err != nil {
			return false, err
		}
	}
	return h.adjustEntries(1)
}

// Delete 删除(key, addr)，不存在时返回ErrNotFound。溢出块删空后摘链释放。
func (h *HashIndex) Delete(key basic.Key, addr basic.RowAddress) error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	h.metrics.IndexOp("hash", "delete")

	head := h.dir[h.bucketOf(key)]
	l := h.store.Latches().Get(head)
	l.Lock()
	defer l.Unlock()

	chain, err := h.readChain(head)
	if err != nil {
		return err
	}
	for bi, b := range chain {
		for i, o := range b.entries {
			if !o.key.Equal(key) || o.addr != addr {
				continue
			}
			b.entries = append(b.entries[:i], b.entries[i+1:]...)
			if len(b.entries) == 0 && bi > 0 {
				prev := chain[bi-1]
				prev.next = b.next
				if err := h.writeBucket(prev); err != nil {
					return err
				}
				if err := h.store.FreeBlock(b.addr); err != nil {
					return err
				}
			} else if err := h.writeBucket(b); err != nil {
				return err
			}
			_, err := h.adjustEntries(-1)
			return err
		}
	}
	return errors.Wrapf(basic.ErrNotFound, "key %s at %s", key, addr)
}

// rehash 目录翻倍。新桶和新目录全部写好后才切换元数据，之后释放旧块。
func (h *HashIndex) rehash() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.overloaded() {
		return nil
	}

	newSize := h.meta.dirSize * 2
	buckets := make([][]entry, newSize)
	var oldBlocks []uint32
	for _, head := range h.dir {
		chain, err := h.readChain(head)
		if err != nil {
			return err
		}
		for _, b := range chain {
			oldBlocks = append(oldBlocks, b.addr)
			for _, e := range b.entries {
				i := int(util.HashCode(e.key.Bytes()) % uint64(newSize))
				buckets[i] = append(buckets[i], e)
			}
		}
	}

	var allocated []uint32
	var chains [][]*bucketBlock
	heads := make([]uint32, newSize)
	bs := h.store.BlockSize()
	for i, entries := range buckets {
		var chain []*bucketBlock
		cur := &bucketBlock{}
		chain = append(chain, cur)
		for _, e := range entries {
			if cur.used()+e.size() > bs {
				cur = &bucketBlock{}
				chain = append(chain, cur)
			}
			cur.entries = append(cur.entries, e)
		}
		for _, b := range chain {
			addr, err := h.store.AllocateBlock(h.segment)
			if err != nil {
				h.release(allocated)
				return err
			}
			allocated = append(allocated, addr)
			b.addr = addr
		}
		for j := 0; j+1 < len(chain); j++ {
			chain[j].next = chain[j+1].addr
		}
		heads[i] = chain[0].addr
		chains = append(chains, chain)
	}
	for _, chain := range chains {
		for _, b := range chain {
			if err := h.writeBucket(b); err != nil {
				h.release(allocated)
				return err
			}
		}
	}
	dirBlocks, err := h.writeDirectory(heads)
	if err != nil {
		h.release(allocated)
		return err
	}

	oldDirBlocks := h.dirBlocks
	h.metaMu.Lock()
	oldSize, oldHead := h.meta.dirSize, h.meta.dirHead
	h.meta.dirSize = newSize
	h.meta.dirHead = dirBlocks[0]
	err = h.writeMeta()
	if err != nil {
		h.meta.dirSize, h.meta.dirHead = oldSize, oldHead
	}
	h.metaMu.Unlock()
	if err != nil {
		h.release(append(allocated, dirBlocks...))
		return err
	}
	h.dir = heads
	h.dirBlocks = dirBlocks
	h.release(oldBlocks)
	h.release(oldDirBlocks)

	h.metrics.HashRehashes.Inc()
	logger.Infof("hash %s: directory grown to %d buckets for %d entries", h.segment, newSize, h.meta.entries)
	return nil
}

// Scan 遍历全部条目，顺序为桶序
func (h *HashIndex) Scan(fn func(key basic.Key, addr basic.RowAddress) bool) error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, head := range h.dir {
		l := h.store.Latches().Get(head)
		l.RLock()
		chain, err := h.readChain(head)
		l.RUnlock()
		if err != nil {
			return err
		}
		for _, b := range chain {
			for _, e := range b.entries {
				if !fn(e.key, e.addr) {
					return nil
				}
			}
		}
	}
	return nil
}

// Check 校验每个条目都在自己的桶里、唯一性以及条目总数
func (h *HashIndex) Check() error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	var total uint64
	for i, head := range h.dir {
		chain, err := h.readChain(head)
		if err != nil {
			return err
		}
		var keys []basic.Key
		for bi, b := range chain {
			if bi > 0 && len(b.entries) == 0 {
				return basic.Corrupt(b.addr, "empty overflow block in bucket %d", i)
			}
			for _, e := range b.entries {
				if h.bucketOf(e.key) != i {
					return basic.Corrupt(b.addr, "key %s stored in bucket %d", e.key, i)
				}
				if h.meta.unique {
					for _, k := range keys {
						if k.Equal(e.key) {
							return basic.Corrupt(b.addr, "duplicate key %s in unique index", e.key)
						}
					}
					keys = append(keys, e.key)
				}
				total++
			}
		}
	}
	h.metaMu.Lock()
	defer h.metaMu.Unlock()
	if total != h.meta.entries {
		return basic.Corrupt(h.anchor, "index holds %d entries, meta records %d", total, h.meta.entries)
	}
	return nil
}
