package util

// 小端追加写，调用方负责保存返回的切片

func WriteByte(buf []byte, b byte) []byte {
	return append(buf, b)
}

func WriteBytes(buf []byte, from []byte) []byte {
	return append(buf, from...)
}

func WriteUB2(buf []byte, i uint16) []byte {
	return append(buf, byte(i), byte(i>>8))
}

func WriteUB4(buf []byte, i uint32) []byte {
	return append(buf, byte(i), byte(i>>8), byte(i>>16), byte(i>>24))
}

func WriteUB8(buf []byte, i uint64) []byte {
	buf = WriteUB4(buf, uint32(i))
	return WriteUB4(buf, uint32(i>>32))
}

// WriteWithLength 写入2字节长度前缀加内容
func WriteWithLength(buf []byte, from []byte) []byte {
	buf = WriteUB2(buf, uint16(len(from)))
	return append(buf, from...)
}

// WriteString 写入带长度前缀的字符串
func WriteString(buf []byte, s string) []byte {
	return WriteWithLength(buf, []byte(s))
}

// PutUB2 在固定位置写入，不改变切片长度
func PutUB2(buf []byte, cursor int, i uint16) int {
	buf[cursor] = byte(i)
	buf[cursor+1] = byte(i >> 8)
	return cursor + 2
}

func PutUB4(buf []byte, cursor int, i uint32) int {
	buf[cursor] = byte(i)
	buf[cursor+1] = byte(i >> 8)
	buf[cursor+2] = byte(i >> 16)
	buf[cursor+3] = byte(i >> 24)
	return cursor + 4
}

func PutUB8(buf []byte, cursor int, i uint64) int {
	cursor = PutUB4(buf, cursor, uint32(i))
	return PutUB4(buf, cursor, uint32(i>>32))
}
