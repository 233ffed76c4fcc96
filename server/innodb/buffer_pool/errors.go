package buffer_pool

import "github.com/pkg/errors"

var (
	ErrInvalidConfig = errors.New("invalid buffer pool configuration")
	ErrFlushFailed   = errors.New("failed to flush dirty block")
)

// BufferPoolError 缓冲池错误结构
type BufferPoolError struct {
	Op   string // 操作名称
	Addr uint32
	Err  error // 原始错误
}

func (e *BufferPoolError) Error() string {
	if e.Err == nil {
		return "<nil>"
	}
	return errors.Wrapf(e.Err, "%s block %d", e.Op, e.Addr).Error()
}

func (e *BufferPoolError) Unwrap() error {
	return e.Err
}

// IsFlushFailed 检查是否为刷脏失败
func IsFlushFailed(err error) bool {
	return errors.Is(err, ErrFlushFailed)
}
