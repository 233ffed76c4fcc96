package util

import (
	"github.com/pkg/errors"
)

// ErrShortBuffer 读取越界
var ErrShortBuffer = errors.New("buffer too short")

func ReadByte(buff []byte, cursor int) (int, byte) {
	return cursor + 1, buff[cursor]
}

func ReadUB2(buff []byte, cursor int) (int, uint16) {
	i := uint16(buff[cursor])
	i |= uint16(buff[cursor+1]) << 8
	return cursor + 2, i
}

func ReadUB4(buff []byte, cursor int) (int, uint32) {
	i := uint32(buff[cursor])
	i |= uint32(buff[cursor+1]) << 8
	i |= uint32(buff[cursor+2]) << 16
	i |= uint32(buff[cursor+3]) << 24
	return cursor + 4, i
}

func ReadUB8(buff []byte, cursor int) (int, uint64) {
	cursor, lo := ReadUB4(buff, cursor)
	cursor, hi := ReadUB4(buff, cursor)
	return cursor, uint64(lo) | uint64(hi)<<32
}

// BufferReader 带越界检查的游标读取器。
// 第一次越界后所有读取返回零值，错误通过Err获取。
type BufferReader struct {
	buff   []byte
	cursor int
	err    error
}

func NewBufferReader(buff []byte) *BufferReader {
	return &BufferReader{buff: buff}
}

func (r *BufferReader) need(n int) bool {
	if r.err != nil {
		return false
	}
	if n < 0 || r.cursor+n > len(r.buff) {
		r.err = errors.Wrapf(ErrShortBuffer, "need %d bytes at offset %d, have %d", n, r.cursor, len(r.buff))
		return false
	}
	return true
}

func (r *BufferReader) ReadUB1() byte {
	if !r.need(1) {
		return 0
	}
	var b byte
	r.cursor, b = ReadByte(r.buff, r.cursor)
	return b
}

func (r *BufferReader) ReadUB2() uint16 {
	if !r.need(2) {
		return 0
	}
	var v uint16
	r.cursor, v = ReadUB2(r.buff, r.cursor)
	return v
}

func (r *BufferReader) ReadUB4() uint32 {
	if !r.need(4) {
		return 0
	}
	var v uint32
	r.cursor, v = ReadUB4(r.buff, r.cursor)
	return v
}

func (r *BufferReader) ReadUB8() uint64 {
	if !r.need(8) {
		return 0
	}
	var v uint64
	r.cursor, v = ReadUB8(r.buff, r.cursor)
	return v
}

// ReadBytes 返回底层切片的子切片，不复制
func (r *BufferReader) ReadBytes(n int) []byte {
	if !r.need(n) {
		return nil
	}
	b := r.buff[r.cursor : r.cursor+n]
	r.cursor += n
	return b
}

// ReadWithLength 读取WriteWithLength写入的内容
func (r *BufferReader) ReadWithLength() []byte {
	n := int(r.ReadUB2())
	return r.ReadBytes(n)
}

func (r *BufferReader) ReadString() string {
	return string(r.ReadWithLength())
}

func (r *BufferReader) Cursor() int {
	return r.cursor
}

func (r *BufferReader) Remaining() int {
	return len(r.buff) - r.cursor
}

func (r *BufferReader) Err() error {
	return r.err
}
