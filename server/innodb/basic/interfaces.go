package basic

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"

	"github.com/zhukovaskychina/xmysql-storage/server/innodb/latch"
)

// BlockStore 块存储，索引结构只通过它访问块
type BlockStore interface {
	BlockSize() int
	AllocateBlock(segment string) (uint32, error)
	ReadBlock(addr uint32) ([]byte, error)
	WriteBlock(addr uint32, data []byte) error
	FreeBlock(addr uint32) error
	Latches() *latch.Table
}

// WriteKind 块变更类型
type WriteKind uint8

const (
	WriteKindWrite    WriteKind = 1
	WriteKindAllocate WriteKind = 2
	WriteKindFree     WriteKind = 3
)

func (k WriteKind) String() string {
	switch k {
	case WriteKindWrite:
		return "write"
	case WriteKindAllocate:
		return "allocate"
	case WriteKindFree:
		return "free"
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// WriteRecord 一次块变更的前后镜像。
// Allocate的Before为nil，Free的After为nil。
type WriteRecord struct {
	Kind    WriteKind
	Segment string
	Addr    uint32
	Before  []byte
	After   []byte
}

// WriteHook 在块被修改之前调用，返回错误时修改不会发生
type WriteHook interface {
	BeforeWrite(rec *WriteRecord) error
}

// IndexKind 索引结构类型
type IndexKind uint8

const (
	IndexKindBTree  IndexKind = 1
	IndexKindHash   IndexKind = 2
	IndexKindBitmap IndexKind = 3
)

func (k IndexKind) String() string {
	switch k {
	case IndexKindBTree:
		return "btree"
	case IndexKindHash:
		return "hash"
	case IndexKindBitmap:
		return "bitmap"
	}
	return fmt.Sprintf("index(%d)", uint8(k))
}

func ParseIndexKind(s string) (IndexKind, error) {
	switch strings.ToLower(s) {
	case "btree", "b-tree":
		return IndexKindBTree, nil
	case "hash":
		return IndexKindHash, nil
	case "bitmap":
		return IndexKindBitmap, nil
	}
	return 0, errors.Wrapf(ErrUnsupportedType, "index kind %q", s)
}

// Index 所有索引结构共同的能力
type Index interface {
	Kind() IndexKind
	Search(key Key) ([]RowAddress, error)
	Insert(key Key, addr RowAddress) error
	Delete(key Key, addr RowAddress) error
}
