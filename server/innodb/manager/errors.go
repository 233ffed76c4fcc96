package manager

import "github.com/pkg/errors"

// 目录相关错误
var (
	ErrSegmentExists  = errors.New("segment already exists")
	ErrTableExists    = errors.New("table already exists")
	ErrIndexExists    = errors.New("index already exists")
	ErrCorruptCatalog = errors.New("corrupt catalog")
)

// 生命周期错误
var (
	ErrDatabaseClosed = errors.New("database is closed")
	ErrSystemSegment  = errors.New("system segment cannot be modified")
)
