package manager

import (
	"sort"
	"sync"

	"github.com/pkg/errors"

	"github.com/zhukovaskychina/xmysql-storage/logger"
	"github.com/zhukovaskychina/xmysql-storage/server/innodb/basic"
	"github.com/zhukovaskychina/xmysql-storage/server/innodb/storage/store/segs"
	"github.com/zhukovaskychina/xmysql-storage/util"
)

// SegmentManager 段名到段的映射，以及块到所属段的反查
type SegmentManager struct {
	mu       sync.RWMutex
	segments map[string]*segs.Segment
	owner    map[uint32]string
}

func NewSegmentManager() *SegmentManager {
	return &SegmentManager{
		segments: make(map[string]*segs.Segment),
		owner:    make(map[uint32]string),
	}
}

// Create 创建空段
func (sm *SegmentManager) Create(name string, segType uint8) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if _, ok := sm.segments[name]; ok {
		return errors.Wrapf(ErrSegmentExists, "%s", name)
	}
	sm.segments[name] = segs.NewSegment(name, segType)
	logger.Debugf("segment %s created (%s)", name, segs.TypeName(segType))
	return nil
}

func (sm *SegmentManager) Exists(name string) bool {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	_, ok := sm.segments[name]
	return ok
}

// Blocks 段内块地址副本，按分配顺序
func (sm *SegmentManager) Blocks(name string) ([]uint32, error) {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	seg, ok := sm.segments[name]
	if !ok {
		return nil, errors.Wrapf(basic.ErrNotFound, "segment %s", name)
	}
	return append([]uint32(nil), seg.Blocks...), nil
}

// Ordinal 块在段内的序号
func (sm *SegmentManager) Ordinal(name string, addr uint32) (int, error) {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	seg, ok := sm.segments[name]
	if !ok {
		return -1, errors.Wrapf(basic.ErrNotFound, "segment %s", name)
	}
	if i := seg.Ordinal(addr); i >= 0 {
		return i, nil
	}
	return -1, errors.Wrapf(basic.ErrInvalidAddress, "block %d not in segment %s", addr, name)
}

// Owner 块所属的段
func (sm *SegmentManager) Owner(addr uint32) (string, bool) {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	name, ok := sm.owner[addr]
	return name, ok
}

func (sm *SegmentManager) Names() []string {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	names := make([]string, 0, len(sm.segments))
	for n := range sm.segments {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func (sm *SegmentManager) addBlock(name string, addr uint32) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	seg, ok := sm.segments[name]
	if !ok {
		return errors.Wrapf(basic.ErrNotFound, "segment %s", name)
	}
	if other, taken := sm.owner[addr]; taken {
		return errors.Wrapf(ErrCorruptCatalog, "block %d already owned by %s", addr, other)
	}
	seg.Append(addr)
	sm.owner[addr] = name
	return nil
}

func (sm *SegmentManager) removeBlock(addr uint32) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	name, ok := sm.owner[addr]
	if !ok {
		return errors.Wrapf(basic.ErrInvalidAddress, "block %d has no segment", addr)
	}
	if err := sm.segments[name].Remove(addr); err != nil {
		return err
	}
	delete(sm.owner, addr)
	return nil
}

// remove 删除空段
func (sm *SegmentManager) remove(name string) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	seg, ok := sm.segments[name]
	if !ok {
		return errors.Wrapf(basic.ErrNotFound, "segment %s", name)
	}
	if seg.Len() > 0 {
		return errors.Errorf("segment %s still has %d blocks", name, seg.Len())
	}
	delete(sm.segments, name)
	return nil
}

// serialize 段数(4) + 每段序列化，按名称排序保证输出稳定
func (sm *SegmentManager) serialize(buf []byte) []byte {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	names := make([]string, 0, len(sm.segments))
	for n := range sm.segments {
		names = append(names, n)
	}
	sort.Strings(names)
	buf = util.WriteUB4(buf, uint32(len(names)))
	for _, n := range names {
		buf = sm.segments[n].Serialize(buf)
	}
	return buf
}

// load 从目录恢复段，并校验块不越过高水位且不被两个段共用
func (sm *SegmentManager) load(r *util.BufferReader, highWater uint32) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	n := int(r.ReadUB4())
	for i := 0; i < n; i++ {
		seg, err := segs.Deserialize(r)
		if err != nil {
			return errors.Wrapf(ErrCorruptCatalog, "segment %d: %v", i, err)
		}
		if _, dup := sm.segments[seg.Name]; dup {
			return errors.Wrapf(ErrCorruptCatalog, "segment %s listed twice", seg.Name)
		}
		for _, b := range seg.Blocks {
			if b >= highWater {
				return errors.Wrapf(ErrCorruptCatalog, "segment %s block %d beyond high water %d", seg.Name, b, highWater)
			}
			if other, taken := sm.owner[b]; taken {
				return errors.Wrapf(ErrCorruptCatalog, "block %d owned by %s and %s", b, other, seg.Name)
			}
			sm.owner[b] = seg.Name
		}
		sm.segments[seg.Name] = seg
	}
	return r.Err()
}
