package pages

import (
	"github.com/pkg/errors"

	"github.com/zhukovaskychina/xmysql-storage/server/common"
	"github.com/zhukovaskychina/xmysql-storage/server/innodb/basic"
	"github.com/zhukovaskychina/xmysql-storage/util"
)

const (
	// heapHeaderSize 通用页头 + 记录区起点(2)
	heapHeaderSize = FilHeaderSize + 2
	heapSlotSize   = 4
)

// HeapSlotsPerPage 每页槽位上限，行槽号 = 块在段内序号*上限 + 槽位
func HeapSlotsPerPage(blockSize int) int {
	return (blockSize - heapHeaderSize) / 16
}

// HeapPage 槽式数据页
// 槽目录从页头之后向后增长，每槽 offset(2) length(2)，length为0表示空槽；
// 记录从块尾向前增长。
type HeapPage struct {
	data []byte
}

func NewHeapPage(blockSize int) *HeapPage {
	p := &HeapPage{data: NewPage(blockSize, common.PageTypeHeap)}
	p.setFreeEnd(blockSize)
	return p
}

// LoadHeapPage 校验页头与槽目录
func LoadHeapPage(addr uint32, data []byte) (*HeapPage, error) {
	p := &HeapPage{data: data}
	fh := ReadFilHeader(data)
	if fh.Type != common.PageTypeHeap {
		return nil, basic.Corrupt(addr, "expected heap page, found %v", fh.Type)
	}
	dirEnd := heapHeaderSize + int(fh.Count)*heapSlotSize
	if int(fh.Count) > HeapSlotsPerPage(len(data)) || p.freeEnd() < dirEnd || p.freeEnd() > len(data) {
		return nil, basic.Corrupt(addr, "heap page has %d slots, record area at %d", fh.Count, p.freeEnd())
	}
	for i := 0; i < int(fh.Count); i++ {
		off, length := p.slot(i)
		if length > 0 && (off < p.freeEnd() || off+length > len(data)) {
			return nil, basic.Corrupt(addr, "slot %d points outside record area", i)
		}
	}
	return p, nil
}

func (p *HeapPage) Bytes() []byte {
	return p.data
}

func (p *HeapPage) SlotCount() int {
	return int(ReadFilHeader(p.data).Count)
}

func (p *HeapPage) setSlotCount(n int) {
	fh := ReadFilHeader(p.data)
	fh.Count = uint16(n)
	fh.Put(p.data)
}

func (p *HeapPage) freeEnd() int {
	_, v := util.ReadUB2(p.data, FilHeaderSize)
	if v == 0 {
		return len(p.data)
	}
	return int(v)
}

func (p *HeapPage) setFreeEnd(v int) {
	if v == len(p.data) {
		v = 0
	}
	util.PutUB2(p.data, FilHeaderSize, uint16(v))
}

func (p *HeapPage) slot(i int) (int, int) {
	c, off := util.ReadUB2(p.data, heapHeaderSize+i*heapSlotSize)
	_, length := util.ReadUB2(p.data, c)
	return int(off), int(length)
}

func (p *HeapPage) setSlot(i, off, length int) {
	c := util.PutUB2(p.data, heapHeaderSize+i*heapSlotSize, uint16(off))
	util.PutUB2(p.data, c, uint16(length))
}

// FreeSpace 不整理碎片时可用的连续空间
func (p *HeapPage) FreeSpace() int {
	return p.freeEnd() - (heapHeaderSize + p.SlotCount()*heapSlotSize)
}

func (p *HeapPage) liveBytes() int {
	n := 0
	for i := 0; i < p.SlotCount(); i++ {
		_, length := p.slot(i)
		n += length
	}
	return n
}

// Insert 优先复用空槽，空间不足时先整理碎片；放不下返回false
func (p *HeapPage) Insert(rec []byte) (uint16, bool) {
	if len(rec) == 0 {
		return 0, false
	}
	slot, count := -1, p.SlotCount()
	for i := 0; i < count; i++ {
		if _, length := p.slot(i); length == 0 {
			slot = i
			break
		}
	}
	dirGrowth := 0
	if slot < 0 {
		if count >= HeapSlotsPerPage(len(p.data)) {
			return 0, false
		}
		slot, dirGrowth = count, heapSlotSize
	}
	need := len(rec) + dirGrowth
	if p.FreeSpace() < need {
		total := len(p.data) - heapHeaderSize - count*heapSlotSize - p.liveBytes()
		if total < need {
			return 0, false
		}
		p.compact()
	}
	if slot == count {
		p.setSlotCount(count + 1)
	}
	off := p.freeEnd() - len(rec)
	copy(p.data[off:], rec)
	p.setFreeEnd(off)
	p.setSlot(slot, off, len(rec))
	return uint16(slot), true
}

// compact 将存活记录紧凑排列到块尾，槽号不变
func (p *HeapPage) compact() {
	blockSize := len(p.data)
	tmp := make([]byte, blockSize)
	end := blockSize
	for i := 0; i < p.SlotCount(); i++ {
		off, length := p.slot(i)
		if length == 0 {
			continue
		}
		end -= length
		copy(tmp[end:], p.data[off:off+length])
		p.setSlot(i, end, length)
	}
	copy(p.data[end:], tmp[end:])
	p.setFreeEnd(end)
}

func (p *HeapPage) Get(slot uint16) ([]byte, error) {
	if int(slot) >= p.SlotCount() {
		return nil, errors.Wrapf(basic.ErrNotFound, "slot %d", slot)
	}
	off, length := p.slot(int(slot))
	if length == 0 {
		return nil, errors.Wrapf(basic.ErrNotFound, "slot %d", slot)
	}
	out := make([]byte, length)
	copy(out, p.data[off:off+length])
	return out, nil
}

// Delete 清空槽位；记录空间在下次整理时回收
func (p *HeapPage) Delete(slot uint16) error {
	if int(slot) >= p.SlotCount() {
		return errors.Wrapf(basic.ErrNotFound, "slot %d", slot)
	}
	if _, length := p.slot(int(slot)); length == 0 {
		return errors.Wrapf(basic.ErrNotFound, "slot %d", slot)
	}
	p.setSlot(int(slot), 0, 0)
	return nil
}

// Records 按槽位顺序遍历存活记录，fn返回false时停止
func (p *HeapPage) Records(fn func(slot uint16, rec []byte) bool) {
	for i := 0; i < p.SlotCount(); i++ {
		off, length := p.slot(i)
		if length == 0 {
			continue
		}
		if !fn(uint16(i), p.data[off:off+length]) {
			return
		}
	}
}
