package manager

import (
	"sync"

	"github.com/RoaringBitmap/roaring"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/zhukovaskychina/xmysql-storage/logger"
	"github.com/zhukovaskychina/xmysql-storage/server/innodb/basic"
	"github.com/zhukovaskychina/xmysql-storage/server/innodb/buffer_pool"
	"github.com/zhukovaskychina/xmysql-storage/server/innodb/latch"
	"github.com/zhukovaskychina/xmysql-storage/server/innodb/storage/store/blocks"
	"github.com/zhukovaskychina/xmysql-storage/server/innodb/storage/store/pages"
	"github.com/zhukovaskychina/xmysql-storage/server/innodb/storage/store/segs"
	"github.com/zhukovaskychina/xmysql-storage/server/metrics"
	"github.com/zhukovaskychina/xmysql-storage/util"
)

// Flusher 写前钩子如果实现了Flush，脏块落盘前会先调用它
type Flusher interface {
	Flush() error
}

// SpaceOptions 块存储参数
type SpaceOptions struct {
	BufferPoolBlocks int
	Hook             basic.WriteHook
	Metrics          *metrics.Metrics
}

// SpaceManager 块存储：块的分配、读写、释放与空闲集合。
// 空闲集合不落盘，打开时由高水位减去所有段的块推导出来。
type SpaceManager struct {
	mu        sync.Mutex // 保护free与highWater
	file      *blocks.BlockFile
	pool      *buffer_pool.BufferPool
	segments  *SegmentManager
	free      *roaring.Bitmap
	highWater uint32
	header    pages.HeaderPage
	hook      basic.WriteHook
	latches   *latch.Table
	metrics   *metrics.Metrics
	blockSize int
}

var _ basic.BlockStore = (*SpaceManager)(nil)

func newSpaceManager(file *blocks.BlockFile, opts SpaceOptions) (*SpaceManager, error) {
	m := opts.Metrics
	if m == nil {
		m = metrics.New()
	}
	sm := &SpaceManager{
		file:      file,
		segments:  NewSegmentManager(),
		free:      roaring.New(),
		hook:      opts.Hook,
		latches:   latch.NewTable(),
		metrics:   m,
		blockSize: file.BlockSize(),
	}
	pool, err := buffer_pool.NewBufferPool(buffer_pool.BufferPoolConfig{
		Capacity:    opts.BufferPoolBlocks,
		BlockSize:   file.BlockSize(),
		Backend:     file,
		BeforeFlush: sm.flushHook,
	})
	if err != nil {
		return nil, err
	}
	sm.pool = pool
	m.RegisterBufferPool(
		func() float64 { return float64(pool.Stats().Hits) },
		func() float64 { return float64(pool.Stats().Misses) },
	)
	return sm, nil
}

// CreateSpace 初始化新库：0号块写入建库参数，归入系统段
func CreateSpace(file *blocks.BlockFile, directorySize, nodeOrder int, opts SpaceOptions) (*SpaceManager, error) {
	sm, err := newSpaceManager(file, opts)
	if err != nil {
		return nil, err
	}
	sm.header = pages.HeaderPage{
		Version:       pages.LayoutVersion,
		BlockSize:     uint32(file.BlockSize()),
		DirectorySize: uint32(directorySize),
		NodeOrder:     uint32(nodeOrder),
		DatabaseID:    uuid.New(),
	}
	if err := sm.segments.Create(segs.SystemSegment, segs.SEG_TYPE_CATALOG); err != nil {
		return nil, err
	}
	addr, err := sm.AllocateBlock(segs.SystemSegment)
	if err != nil {
		return nil, err
	}
	if addr != 0 {
		return nil, errors.Errorf("header allocated at block %d", addr)
	}
	logger.Infof("created database %s: block size %d, directory size %d, node order %d",
		sm.header.DatabaseID, file.BlockSize(), directorySize, nodeOrder)
	return sm, sm.StoreCatalog(nil)
}

// OpenSpace 读取0号块与目录链，返回段目录之后的上层目录数据
func OpenSpace(file *blocks.BlockFile, opts SpaceOptions) (*SpaceManager, []byte, error) {
	sm, err := newSpaceManager(file, opts)
	if err != nil {
		return nil, nil, err
	}
	block0, err := sm.pool.Get(0)
	if err != nil {
		return nil, nil, err
	}
	header, err := pages.ParseHeader(block0)
	if err != nil {
		return nil, nil, err
	}
	if int(header.BlockSize) != file.BlockSize() {
		return nil, nil, errors.Wrapf(ErrCorruptCatalog, "header block size %d, file opened with %d", header.BlockSize, file.BlockSize())
	}
	sm.header = *header
	sm.highWater = header.HighWater

	payload, _, err := pages.ReadCatalog(block0, header, sm.pool.Get)
	if err != nil {
		return nil, nil, errors.Wrap(ErrCorruptCatalog, err.Error())
	}
	r := util.NewBufferReader(payload)
	if err := sm.segments.load(r, sm.highWater); err != nil {
		return nil, nil, err
	}
	for addr := uint32(1); addr < sm.highWater; addr++ {
		if _, owned := sm.segments.Owner(addr); !owned {
			sm.free.Add(addr)
		}
	}
	sm.metrics.FreeBlocks.Set(float64(sm.free.GetCardinality()))
	logger.Infof("opened database %s: %d blocks, %d free, %d segments",
		sm.header.DatabaseID, sm.highWater, sm.free.GetCardinality(), len(sm.segments.Names()))
	return sm, payload[r.Cursor():], nil
}

func (sm *SpaceManager) BlockSize() int {
	return sm.blockSize
}

func (sm *SpaceManager) Latches() *latch.Table {
	return sm.latches
}

func (sm *SpaceManager) Segments() *SegmentManager {
	return sm.segments
}

func (sm *SpaceManager) Header() pages.HeaderPage {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	h := sm.header
	h.HighWater = sm.highWater
	return h
}

// IsFree 块是否在空闲集合中
func (sm *SpaceManager) IsFree(addr uint32) bool {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.free.Contains(addr)
}

func (sm *SpaceManager) FreeCount() uint64 {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.free.GetCardinality()
}

func (sm *SpaceManager) HighWater() uint32 {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.highWater
}

// CreateSegment 创建空段
func (sm *SpaceManager) CreateSegment(name string, segType uint8) error {
	return sm.segments.Create(name, segType)
}

// DropSegment 释放段内全部块并删除段
func (sm *SpaceManager) DropSegment(name string) error {
	if name == segs.SystemSegment {
		return ErrSystemSegment
	}
	addrs, err := sm.segments.Blocks(name)
	if err != nil {
		return err
	}
	for i := len(addrs) - 1; i >= 0; i-- {
		if err := sm.FreeBlock(addrs[i]); err != nil {
			return err
		}
	}
	logger.Debugf("segment %s dropped, %d blocks freed", name, len(addrs))
	return sm.segments.remove(name)
}

// ScanSegment 按分配顺序返回段的块
func (sm *SpaceManager) ScanSegment(name string) ([]uint32, error) {
	return sm.segments.Blocks(name)
}

// AllocateBlock 优先复用编号最小的空闲块，否则在文件末尾追加
func (sm *SpaceManager) AllocateBlock(segment string) (uint32, error) {
	if !sm.segments.Exists(segment) {
		return 0, errors.Wrapf(basic.ErrNotFound, "segment %s", segment)
	}
	sm.mu.Lock()
	defer sm.mu.Unlock()

	reuse := !sm.free.IsEmpty()
	var addr uint32
	if reuse {
		addr = sm.free.Minimum()
	} else {
		addr = sm.highWater
		if !sm.file.CanGrow(addr) {
			return 0, errors.Wrapf(basic.ErrOutOfSpace, "cannot grow past block %d", addr)
		}
	}
	zero := make([]byte, sm.blockSize)
	if err := sm.callHook(basic.WriteKindAllocate, segment, addr, nil, zero); err != nil {
		return 0, err
	}
	if err := sm.segments.addBlock(segment, addr); err != nil {
		return 0, err
	}
	if reuse {
		sm.free.Remove(addr)
	} else {
		sm.highWater++
	}
	if err := sm.pool.Put(addr, zero); err != nil {
		return 0, err
	}
	sm.metrics.BlockAllocs.Inc()
	sm.metrics.FreeBlocks.Set(float64(sm.free.GetCardinality()))
	return addr, nil
}

// checkLive 调用方持有mu
func (sm *SpaceManager) checkLive(addr uint32) error {
	if addr >= sm.highWater {
		return errors.Wrapf(basic.ErrInvalidAddress, "block %d never allocated", addr)
	}
	if sm.free.Contains(addr) {
		return errors.Wrapf(basic.ErrInvalidAddress, "block %d is free", addr)
	}
	return nil
}

// ReadBlock 返回块内容的副本
func (sm *SpaceManager) ReadBlock(addr uint32) ([]byte, error) {
	sm.mu.Lock()
	err := sm.checkLive(addr)
	sm.mu.Unlock()
	if err != nil {
		return nil, err
	}
	data, err := sm.pool.Get(addr)
	if err != nil {
		return nil, err
	}
	sm.metrics.BlockReads.Inc()
	return data, nil
}

// WriteBlock 先把前后镜像交给写前钩子，再替换块内容
func (sm *SpaceManager) WriteBlock(addr uint32, data []byte) error {
	if len(data) != sm.blockSize {
		return &basic.StorageError{Op: "write", Addr: addr, Err: errors.Errorf("image is %d bytes, block size %d", len(data), sm.blockSize)}
	}
	sm.mu.Lock()
	err := sm.checkLive(addr)
	sm.mu.Unlock()
	if err != nil {
		return err
	}
	if sm.hook != nil {
		before, err := sm.pool.Get(addr)
		if err != nil {
			return err
		}
		owner, _ := sm.segments.Owner(addr)
		if err := sm.callHook(basic.WriteKindWrite, owner, addr, before, append([]byte(nil), data...)); err != nil {
			return err
		}
	}
	if err := sm.pool.Put(addr, data); err != nil {
		return err
	}
	sm.metrics.BlockWrites.Inc()
	return nil
}

// FreeBlock 归还空闲集合，块内容此后不可再读
func (sm *SpaceManager) FreeBlock(addr uint32) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if addr == 0 {
		return errors.Wrap(basic.ErrInvalidAddress, "block 0 holds the header")
	}
	if err := sm.checkLive(addr); err != nil {
		return err
	}
	owner, _ := sm.segments.Owner(addr)
	var before []byte
	if sm.hook != nil {
		var err error
		if before, err = sm.pool.Get(addr); err != nil {
			return err
		}
	}
	if err := sm.callHook(basic.WriteKindFree, owner, addr, before, nil); err != nil {
		return err
	}
	if err := sm.segments.removeBlock(addr); err != nil {
		return err
	}
	sm.free.Add(addr)
	sm.pool.Discard(addr)
	sm.latches.Drop(addr)
	sm.metrics.BlockFrees.Inc()
	sm.metrics.FreeBlocks.Set(float64(sm.free.GetCardinality()))
	return nil
}

func (sm *SpaceManager) callHook(kind basic.WriteKind, segment string, addr uint32, before, after []byte) error {
	if sm.hook == nil {
		return nil
	}
	return sm.hook.BeforeWrite(&basic.WriteRecord{Kind: kind, Segment: segment, Addr: addr, Before: before, After: after})
}

func (sm *SpaceManager) flushHook() error {
	if f, ok := sm.hook.(Flusher); ok {
		return f.Flush()
	}
	return nil
}

// StoreCatalog 把段目录与上层目录写入0号块及延续块。
// 延续块本身属于系统段，数量变化会改变目录长度，因此循环到稳定为止。
func (sm *SpaceManager) StoreCatalog(extra []byte) error {
	for attempt := 0; attempt < 64; attempt++ {
		payload := append(sm.segments.serialize(nil), extra...)
		need := pages.CatalogPagesNeeded(len(payload), sm.blockSize)
		sys, err := sm.segments.Blocks(segs.SystemSegment)
		if err != nil {
			return err
		}
		chain := sys[1:]
		switch {
		case len(chain) < need:
			if _, err := sm.AllocateBlock(segs.SystemSegment); err != nil {
				return err
			}
			continue
		case len(chain) > need:
			if err := sm.FreeBlock(chain[len(chain)-1]); err != nil {
				return err
			}
			continue
		}

		block0, err := sm.pool.Get(0)
		if err != nil {
			return err
		}
		header := sm.Header()
		out, err := pages.WriteCatalog(block0, &header, payload, chain)
		if err != nil {
			return err
		}
		for i, page := range out {
			if err := sm.WriteBlock(chain[i], page); err != nil {
				return err
			}
		}
		if err := sm.WriteBlock(0, block0); err != nil {
			return err
		}
		sm.mu.Lock()
		sm.header = header
		sm.mu.Unlock()
		return nil
	}
	return errors.Wrap(ErrCorruptCatalog, "catalog size did not converge")
}

// Sync 脏块全部落盘
func (sm *SpaceManager) Sync() error {
	if err := sm.pool.Flush(); err != nil {
		return err
	}
	return sm.file.Sync()
}

// Close 刷盘并关闭块文件
func (sm *SpaceManager) Close() error {
	if err := sm.Sync(); err != nil {
		sm.file.Close()
		return err
	}
	return sm.file.Close()
}

// BufferStats 缓冲池统计
func (sm *SpaceManager) BufferStats() buffer_pool.BufferPoolStats {
	return sm.pool.Stats()
}
