package pages

import (
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/zhukovaskychina/xmysql-storage/server/common"
	"github.com/zhukovaskychina/xmysql-storage/util"
)

const (
	HeaderMagic   uint32 = 0x584D5347
	LayoutVersion uint16 = 1
	// HeaderFixedSize 0号块固定字段长度，目录数据紧随其后
	HeaderFixedSize = 2 + 4 + 2 + 4 + 4 + 4 + 16 + 4 + 4 + 4
)

var ErrNotADatabase = errors.New("not a database file")

// HeaderPage 0号块
// type(2) magic(4) version(2) blockSize(4) directorySize(4) nodeOrder(4)
// databaseID(16) highWater(4) catalogLen(4) catalogNext(4) catalog...
type HeaderPage struct {
	Version       uint16
	BlockSize     uint32
	DirectorySize uint32
	NodeOrder     uint32
	DatabaseID    uuid.UUID
	// HighWater 已分配过的最大块地址+1
	HighWater   uint32
	CatalogLen  uint32
	CatalogNext uint32
}

// ParseHeader 解析0号块开头的固定字段，只需要HeaderFixedSize字节
func ParseHeader(data []byte) (*HeaderPage, error) {
	if len(data) < HeaderFixedSize {
		return nil, errors.Wrapf(ErrNotADatabase, "header is %d bytes", len(data))
	}
	r := util.NewBufferReader(data)
	if common.PageType(r.ReadUB2()) != common.PageTypeHeader || r.ReadUB4() != HeaderMagic {
		return nil, ErrNotADatabase
	}
	h := &HeaderPage{
		Version:       r.ReadUB2(),
		BlockSize:     r.ReadUB4(),
		DirectorySize: r.ReadUB4(),
		NodeOrder:     r.ReadUB4(),
	}
	copy(h.DatabaseID[:], r.ReadBytes(16))
	h.HighWater = r.ReadUB4()
	h.CatalogLen = r.ReadUB4()
	h.CatalogNext = r.ReadUB4()
	if h.Version != LayoutVersion {
		return nil, errors.Wrapf(ErrNotADatabase, "unsupported layout version %d", h.Version)
	}
	if h.BlockSize < common.MinBlockSize || h.BlockSize&(h.BlockSize-1) != 0 {
		return nil, errors.Wrapf(ErrNotADatabase, "block size %d", h.BlockSize)
	}
	return h, r.Err()
}

// Put 写入固定字段，不影响后面的目录数据
func (h *HeaderPage) Put(data []byte) {
	buf := make([]byte, 0, HeaderFixedSize)
	buf = util.WriteUB2(buf, uint16(common.PageTypeHeader))
	buf = util.WriteUB4(buf, HeaderMagic)
	buf = util.WriteUB2(buf, h.Version)
	buf = util.WriteUB4(buf, h.BlockSize)
	buf = util.WriteUB4(buf, h.DirectorySize)
	buf = util.WriteUB4(buf, h.NodeOrder)
	buf = util.WriteBytes(buf, h.DatabaseID[:])
	buf = util.WriteUB4(buf, h.HighWater)
	buf = util.WriteUB4(buf, h.CatalogLen)
	buf = util.WriteUB4(buf, h.CatalogNext)
	copy(data, buf)
}

// HeaderCatalogCapacity 0号块内可容纳的目录字节数
func HeaderCatalogCapacity(blockSize int) int {
	return blockSize - HeaderFixedSize
}

// CatalogPageCapacity 每个目录延续块可容纳的目录字节数
func CatalogPageCapacity(blockSize int) int {
	return blockSize - FilHeaderSize
}

// CatalogPagesNeeded 目录长度为n时需要的延续块数
func CatalogPagesNeeded(n, blockSize int) int {
	rest := n - HeaderCatalogCapacity(blockSize)
	if rest <= 0 {
		return 0
	}
	per := CatalogPageCapacity(blockSize)
	return (rest + per - 1) / per
}

// WriteCatalog 把目录写入0号块与延续块，next为延续块地址，数量必须与CatalogPagesNeeded一致
func WriteCatalog(header []byte, h *HeaderPage, catalog []byte, next []uint32) ([][]byte, error) {
	blockSize := len(header)
	if len(next) != CatalogPagesNeeded(len(catalog), blockSize) {
		return nil, errors.Errorf("catalog of %d bytes needs %d pages, got %d",
			len(catalog), CatalogPagesNeeded(len(catalog), blockSize), len(next))
	}
	h.CatalogLen = uint32(len(catalog))
	h.CatalogNext = common.NullBlock
	if len(next) > 0 {
		h.CatalogNext = next[0]
	}
	for i := HeaderFixedSize; i < blockSize; i++ {
		header[i] = 0
	}
	h.Put(header)
	n := copy(header[HeaderFixedSize:], catalog)
	catalog = catalog[n:]

	out := make([][]byte, 0, len(next))
	for i := range next {
		page := NewPage(blockSize, common.PageTypeCatalog)
		used := copy(page[FilHeaderSize:], catalog)
		catalog = catalog[used:]
		fh := FilHeader{Type: common.PageTypeCatalog, Count: uint16(used)}
		if i+1 < len(next) {
			fh.Next = next[i+1]
		}
		fh.Put(page)
		out = append(out, page)
	}
	return out, nil
}

// ReadCatalog 从0号块开始沿延续链读出目录
func ReadCatalog(header []byte, h *HeaderPage, read func(addr uint32) ([]byte, error)) ([]byte, []uint32, error) {
	total := int(h.CatalogLen)
	catalog := make([]byte, 0, total)
	take := total
	if take > HeaderCatalogCapacity(len(header)) {
		take = HeaderCatalogCapacity(len(header))
	}
	catalog = append(catalog, header[HeaderFixedSize:HeaderFixedSize+take]...)

	var chain []uint32
	for next := h.CatalogNext; len(catalog) < total; {
		if next == common.NullBlock || len(chain) > total {
			return nil, nil, errors.Errorf("catalog chain ends after %d of %d bytes", len(catalog), total)
		}
		page, err := read(next)
		if err != nil {
			return nil, nil, err
		}
		fh := ReadFilHeader(page)
		if fh.Type != common.PageTypeCatalog || int(fh.Count) > CatalogPageCapacity(len(page)) {
			return nil, nil, errors.Errorf("block %d is not a catalog page", next)
		}
		chain = append(chain, next)
		catalog = append(catalog, page[FilHeaderSize:FilHeaderSize+int(fh.Count)]...)
		next = fh.Next
	}
	if len(catalog) != total {
		return nil, nil, errors.Errorf("catalog length %d, expected %d", len(catalog), total)
	}
	return catalog, chain, nil
}
