package buffer_pool

import (
	"container/list"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"

	"github.com/zhukovaskychina/xmysql-storage/logger"
	"github.com/zhukovaskychina/xmysql-storage/server/innodb/storage/store/blocks"
)

// Backend 缓冲池下层的块文件
type Backend interface {
	ReadBlock(addr uint32, buf []byte) error
	WriteBlocks(batch []blocks.BlockImage) error
}

// BufferPoolConfig contains configuration for buffer pool
type BufferPoolConfig struct {
	Capacity  int // 最多缓存的块数
	BlockSize int
	Backend   Backend
	// BeforeFlush 脏块落盘之前调用，redo日志在此刷盘
	BeforeFlush func() error
}

type bufferFrame struct {
	addr  uint32
	data  []byte
	dirty bool
}

// BufferPool 块缓存，LRU淘汰，脏块延迟写回
type BufferPool struct {
	mu     sync.Mutex
	config BufferPoolConfig
	lru    *list.List // 头部为最近使用
	frames map[uint32]*list.Element
	dirty  int
	stats  BufferPoolStats
}

func NewBufferPool(config BufferPoolConfig) (*BufferPool, error) {
	if config.Capacity <= 0 || config.BlockSize <= 0 || config.Backend == nil {
		return nil, errors.Wrapf(ErrInvalidConfig, "capacity=%d blockSize=%d", config.Capacity, config.BlockSize)
	}
	return &BufferPool{
		config: config,
		lru:    list.New(),
		frames: make(map[uint32]*list.Element, config.Capacity),
	}, nil
}

// Get 返回块内容的副本
func (bp *BufferPool) Get(addr uint32) ([]byte, error) {
	bp.mu.Lock()
	defer bp.mu.Unlock()

	frame, err := bp.fetch(addr)
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(frame.data))
	copy(out, frame.data)
	return out, nil
}

// Put 安装新内容并标记为脏
func (bp *BufferPool) Put(addr uint32, data []byte) error {
	if len(data) != bp.config.BlockSize {
		return &BufferPoolError{Op: "put", Addr: addr, Err: errors.Errorf("image is %d bytes", len(data))}
	}
	bp.mu.Lock()
	defer bp.mu.Unlock()

	el, ok := bp.frames[addr]
	var frame *bufferFrame
	if ok {
		frame = el.Value.(*bufferFrame)
		bp.lru.MoveToFront(el)
	} else {
		frame = &bufferFrame{addr: addr, data: make([]byte, bp.config.BlockSize)}
		bp.frames[addr] = bp.lru.PushFront(frame)
	}
	copy(frame.data, data)
	if !frame.dirty {
		frame.dirty = true
		bp.dirty++
	}
	atomic.AddInt64(&bp.stats.Writes, 1)
	return bp.evict()
}

// Discard 丢弃块，不写回
func (bp *BufferPool) Discard(addr uint32) {
	bp.mu.Lock()
	defer bp.mu.Unlock()
	if el, ok := bp.frames[addr]; ok {
		if el.Value.(*bufferFrame).dirty {
			bp.dirty--
		}
		bp.lru.Remove(el)
		delete(bp.frames, addr)
	}
}

// Flush 按地址顺序把所有脏块作为一个批次写回
func (bp *BufferPool) Flush() error {
	bp.mu.Lock()
	defer bp.mu.Unlock()
	if bp.dirty == 0 {
		return nil
	}
	frames := make([]*bufferFrame, 0, bp.dirty)
	for _, el := range bp.frames {
		if f := el.Value.(*bufferFrame); f.dirty {
			frames = append(frames, f)
		}
	}
	sort.Slice(frames, func(i, j int) bool { return frames[i].addr < frames[j].addr })
	if err := bp.writeBack(frames); err != nil {
		return err
	}
	logger.Debugf("buffer pool flushed %d dirty blocks", len(frames))
	return nil
}

func (bp *BufferPool) DirtyCount() int {
	bp.mu.Lock()
	defer bp.mu.Unlock()
	return bp.dirty
}

func (bp *BufferPool) Len() int {
	bp.mu.Lock()
	defer bp.mu.Unlock()
	return len(bp.frames)
}

// Stats 统计快照
func (bp *BufferPool) Stats() BufferPoolStats {
	return bp.stats.snapshot()
}

func (bp *BufferPool) fetch(addr uint32) (*bufferFrame, error) {
	if el, ok := bp.frames[addr]; ok {
		bp.stats.recordRequest(true)
		bp.lru.MoveToFront(el)
		return el.Value.(*bufferFrame), nil
	}
	bp.stats.recordRequest(false)
	frame := &bufferFrame{addr: addr, data: make([]byte, bp.config.BlockSize)}
	if err := bp.config.Backend.ReadBlock(addr, frame.data); err != nil {
		return nil, err
	}
	atomic.AddInt64(&bp.stats.Reads, 1)
	bp.frames[addr] = bp.lru.PushFront(frame)
	if err := bp.evict(); err != nil {
		return nil, err
	}
	return frame, nil
}

// evict 超出容量时从LRU尾部淘汰，脏块先写回
func (bp *BufferPool) evict() error {
	for len(bp.frames) > bp.config.Capacity {
		el := bp.lru.Back()
		frame := el.Value.(*bufferFrame)
		if frame.dirty {
			if err := bp.writeBack([]*bufferFrame{frame}); err != nil {
				return err
			}
		}
		bp.lru.Remove(el)
		delete(bp.frames, frame.addr)
		atomic.AddInt64(&bp.stats.Evictions, 1)
	}
	return nil
}

func (bp *BufferPool) writeBack(frames []*bufferFrame) error {
	if bp.config.BeforeFlush != nil {
		if err := bp.config.BeforeFlush(); err != nil {
			return &BufferPoolError{Op: "flush", Addr: frames[0].addr, Err: errors.Wrap(ErrFlushFailed, err.Error())}
		}
	}
	batch := make([]blocks.BlockImage, len(frames))
	for i, f := range frames {
		batch[i] = blocks.BlockImage{Addr: f.addr, Data: f.data}
	}
	if err := bp.config.Backend.WriteBlocks(batch); err != nil {
		return err
	}
	for _, f := range frames {
		f.dirty = false
		bp.dirty--
	}
	atomic.AddInt64(&bp.stats.Flushes, 1)
	return nil
}
