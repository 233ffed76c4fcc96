package basic

import (
	"fmt"

	"github.com/pkg/errors"
)

// 存储相关错误
var (
	ErrOutOfSpace     = errors.New("out of space")
	ErrInvalidAddress = errors.New("invalid block address")
)

// 索引相关错误
var (
	ErrNotFound         = errors.New("not found")
	ErrDuplicateKey     = errors.New("duplicate key")
	ErrUnknownAttribute = errors.New("unknown attribute")
	ErrCorruptIndex     = errors.New("corrupt index")
)

// 数据类型相关错误
var (
	ErrUnsupportedType = errors.New("unsupported data type")
	ErrTypeMismatch    = errors.New("value type mismatch")
	ErrValueTooLarge   = errors.New("value too large")
)

// StorageError 块I/O错误，保留操作与块地址
type StorageError struct {
	Op   string
	Addr uint32
	Err  error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s block %d: %v", e.Op, e.Addr, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// Corrupt 包装为ErrCorruptIndex
func Corrupt(addr uint32, format string, args ...interface{}) error {
	return &StorageError{Op: "decode", Addr: addr, Err: errors.Wrapf(ErrCorruptIndex, format, args...)}
}
