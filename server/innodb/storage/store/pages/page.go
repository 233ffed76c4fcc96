package pages

import (
	"github.com/zhukovaskychina/xmysql-storage/server/common"
	"github.com/zhukovaskychina/xmysql-storage/util"
)

// FilHeaderSize 通用页头: 类型(2) 下一块(4) 计数(2)
const FilHeaderSize = 8

// FilHeader 除0号块外所有块共用的页头，链式结构用Next串联
type FilHeader struct {
	Type  common.PageType
	Next  uint32
	Count uint16
}

func ReadFilHeader(data []byte) FilHeader {
	c, t := util.ReadUB2(data, 0)
	c, next := util.ReadUB4(data, c)
	_, count := util.ReadUB2(data, c)
	return FilHeader{Type: common.PageType(t), Next: next, Count: count}
}

func (h FilHeader) Put(data []byte) {
	c := util.PutUB2(data, 0, uint16(h.Type))
	c = util.PutUB4(data, c, h.Next)
	util.PutUB2(data, c, h.Count)
}

// TypeOf 块的类型标记
func TypeOf(data []byte) common.PageType {
	_, t := util.ReadUB2(data, 0)
	return common.PageType(t)
}

// NewPage 分配一个写好页头的空块
func NewPage(blockSize int, t common.PageType) []byte {
	data := make([]byte, blockSize)
	FilHeader{Type: t}.Put(data)
	return data
}
