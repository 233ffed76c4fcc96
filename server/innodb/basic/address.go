package basic

import (
	"fmt"

	"github.com/zhukovaskychina/xmysql-storage/util"
)

// RowAddressSize 行地址编码长度
const RowAddressSize = 6

// RowAddress 行地址：块地址 + 块内槽位
type RowAddress struct {
	Block  uint32
	Offset uint16
}

func (a RowAddress) Compare(o RowAddress) int {
	switch {
	case a.Block < o.Block:
		return -1
	case a.Block > o.Block:
		return 1
	case a.Offset < o.Offset:
		return -1
	case a.Offset > o.Offset:
		return 1
	}
	return 0
}

func (a RowAddress) Encode(buf []byte) []byte {
	buf = util.WriteUB4(buf, a.Block)
	return util.WriteUB2(buf, a.Offset)
}

func DecodeRowAddress(r *util.BufferReader) RowAddress {
	return RowAddress{Block: r.ReadUB4(), Offset: r.ReadUB2()}
}

func (a RowAddress) String() string {
	return fmt.Sprintf("(%d,%d)", a.Block, a.Offset)
}
