/*
Segment（段）是块的逻辑分组

主要类型：
1. 表段 - 存储表的行数据
2. 索引段 - 存储B-Tree、Hash、Bitmap索引的块
3. 系统段 - 0号块与目录延续块

约束：
- 每个已分配的块恰好属于一个段
- 段内块按分配顺序排列，顺序扫描按此顺序进行
- 删除段时其全部块归还空闲集合
*/

package segs

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/zhukovaskychina/xmysql-storage/util"
)

// Segment类型常量
const (
	SEG_TYPE_TABLE   = 1 // 表段
	SEG_TYPE_INDEX   = 2 // 索引段
	SEG_TYPE_CATALOG = 3 // 系统目录段
)

// SystemSegment 系统目录段名称
const SystemSegment = "sys_catalog"

var ErrBlockNotInSegment = errors.New("block not in segment")

// Segment 段描述
type Segment struct {
	Name   string
	Type   uint8
	Blocks []uint32
}

func NewSegment(name string, segType uint8) *Segment {
	return &Segment{Name: name, Type: segType, Blocks: make([]uint32, 0)}
}

func TypeName(segType uint8) string {
	switch segType {
	case SEG_TYPE_TABLE:
		return "table"
	case SEG_TYPE_INDEX:
		return "index"
	case SEG_TYPE_CATALOG:
		return "catalog"
	}
	return fmt.Sprintf("seg(%d)", segType)
}

// Append 追加块
func (s *Segment) Append(addr uint32) {
	s.Blocks = append(s.Blocks, addr)
}

// Remove 移除块，保持其余块的顺序
func (s *Segment) Remove(addr uint32) error {
	for i, b := range s.Blocks {
		if b == addr {
			copy(s.Blocks[i:], s.Blocks[i+1:])
			s.Blocks = s.Blocks[:len(s.Blocks)-1]
			return nil
		}
	}
	return errors.Wrapf(ErrBlockNotInSegment, "segment %s block %d", s.Name, addr)
}

// Ordinal 块在段内的序号
func (s *Segment) Ordinal(addr uint32) int {
	for i, b := range s.Blocks {
		if b == addr {
			return i
		}
	}
	return -1
}

func (s *Segment) Len() int {
	return len(s.Blocks)
}

// Serialize 名称 + 类型(1) + 块数(4) + 块地址(4*n)
func (s *Segment) Serialize(buf []byte) []byte {
	buf = util.WriteString(buf, s.Name)
	buf = util.WriteByte(buf, s.Type)
	buf = util.WriteUB4(buf, uint32(len(s.Blocks)))
	for _, b := range s.Blocks {
		buf = util.WriteUB4(buf, b)
	}
	return buf
}

func (s *Segment) SerializedSize() int {
	return 2 + len(s.Name) + 1 + 4 + 4*len(s.Blocks)
}

func Deserialize(r *util.BufferReader) (*Segment, error) {
	s := &Segment{Name: r.ReadString(), Type: r.ReadUB1()}
	n := int(r.ReadUB4())
	if r.Err() != nil {
		return nil, r.Err()
	}
	if n > r.Remaining()/4 {
		return nil, errors.Wrapf(util.ErrShortBuffer, "segment %s claims %d blocks", s.Name, n)
	}
	s.Blocks = make([]uint32, n)
	for i := range s.Blocks {
		s.Blocks[i] = r.ReadUB4()
	}
	return s, r.Err()
}
