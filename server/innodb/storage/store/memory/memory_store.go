// Package memory 内存块存储，语义与SpaceManager一致，供索引结构测试与工具使用
package memory

import (
	"sync"

	"github.com/RoaringBitmap/roaring"
	"github.com/pkg/errors"

	"github.com/zhukovaskychina/xmysql-storage/server/innodb/basic"
	"github.com/zhukovaskychina/xmysql-storage/server/innodb/latch"
)

type Store struct {
	mu        sync.Mutex
	blockSize int
	maxBlocks int
	blocks    map[uint32][]byte
	owner     map[uint32]string
	free      *roaring.Bitmap
	next      uint32
	latches   *latch.Table
	hook      basic.WriteHook

	Allocs int
	Frees  int
}

var _ basic.BlockStore = (*Store)(nil)

// NewStore 块0预留，与磁盘布局一致
func NewStore(blockSize int) *Store {
	return &Store{
		blockSize: blockSize,
		blocks:    make(map[uint32][]byte),
		owner:     make(map[uint32]string),
		free:      roaring.New(),
		next:      1,
		latches:   latch.NewTable(),
	}
}

// WithMaxBlocks 限制块数，超出后分配返回ErrOutOfSpace
func (s *Store) WithMaxBlocks(n int) *Store {
	s.maxBlocks = n
	return s
}

func (s *Store) WithHook(h basic.WriteHook) *Store {
	s.hook = h
	return s
}

func (s *Store) BlockSize() int {
	return s.blockSize
}

func (s *Store) Latches() *latch.Table {
	return s.latches
}

func (s *Store) AllocateBlock(segment string) (uint32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var addr uint32
	reuse := !s.free.IsEmpty()
	if reuse {
		addr = s.free.Minimum()
	} else {
		if s.maxBlocks > 0 && int(s.next) >= s.maxBlocks {
			return 0, errors.Wrapf(basic.ErrOutOfSpace, "block %d", s.next)
		}
		addr = s.next
	}
	data := make([]byte, s.blockSize)
	if err := s.callHook(basic.WriteKindAllocate, segment, addr, nil, data); err != nil {
		return 0, err
	}
	if reuse {
		s.free.Remove(addr)
	} else {
		s.next++
	}
	s.blocks[addr] = data
	s.owner[addr] = segment
	s.Allocs++
	return addr, nil
}

func (s *Store) ReadBlock(addr uint32) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.blocks[addr]
	if !ok {
		return nil, errors.Wrapf(basic.ErrInvalidAddress, "block %d", addr)
	}
	return append([]byte(nil), data...), nil
}

func (s *Store) WriteBlock(addr uint32, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	old, ok := s.blocks[addr]
	if !ok {
		return errors.Wrapf(basic.ErrInvalidAddress, "block %d", addr)
	}
	if len(data) != s.blockSize {
		return errors.Errorf("image is %d bytes", len(data))
	}
	if err := s.callHook(basic.WriteKindWrite, s.owner[addr], addr, append([]byte(nil), old...), append([]byte(nil), data...)); err != nil {
		return err
	}
	s.blocks[addr] = append([]byte(nil), data...)
	return nil
}

func (s *Store) FreeBlock(addr uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	old, ok := s.blocks[addr]
	if !ok {
		return errors.Wrapf(basic.ErrInvalidAddress, "block %d", addr)
	}
	if err := s.callHook(basic.WriteKindFree, s.owner[addr], addr, old, nil); err != nil {
		return err
	}
	delete(s.blocks, addr)
	delete(s.owner, addr)
	s.free.Add(addr)
	s.latches.Drop(addr)
	s.Frees++
	return nil
}

// Live 当前已分配的块数
func (s *Store) Live() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.blocks)
}

// Corrupt 直接改写块内容，绕过钩子，用于构造损坏场景
func (s *Store) Corrupt(addr uint32, mutate func([]byte)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	mutate(s.blocks[addr])
}

func (s *Store) callHook(kind basic.WriteKind, segment string, addr uint32, before, after []byte) error {
	if s.hook == nil {
		return nil
	}
	return s.hook.BeforeWrite(&basic.WriteRecord{Kind: kind, Segment: segment, Addr: addr, Before: before, After: after})
}
