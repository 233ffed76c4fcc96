package util

import (
	"math/bits"
)

// 位图按字节内低位在前编址：第i位位于 buf[i/8] 的 1<<(i%8)

func SetBit(buf []byte, i int) {
	buf[i>>3] |= 1 << uint(i&7)
}

func ClearBit(buf []byte, i int) {
	buf[i>>3] &^= 1 << uint(i&7)
}

func IsBitSet(buf []byte, i int) bool {
	return buf[i>>3]&(1<<uint(i&7)) != 0
}

// PopCount 统计置位数量
func PopCount(buf []byte) int {
	n := 0
	i := 0
	for ; i+8 <= len(buf); i += 8 {
		_, w := ReadUB8(buf, i)
		n += bits.OnesCount64(w)
	}
	for ; i < len(buf); i++ {
		n += bits.OnesCount8(buf[i])
	}
	return n
}

// ForEachSetBit 按位序遍历前limit位中置位的下标，整字为0时跳过
func ForEachSetBit(buf []byte, limit int, fn func(i int)) {
	if limit > len(buf)*8 {
		limit = len(buf) * 8
	}
	for base := 0; base < limit; base += 64 {
		var w uint64
		if base/8+8 <= len(buf) {
			_, w = ReadUB8(buf, base/8)
		} else {
			for j := base / 8; j < len(buf); j++ {
				w |= uint64(buf[j]) << uint((j-base/8)*8)
			}
		}
		for w != 0 {
			tz := bits.TrailingZeros64(w)
			if base+tz >= limit {
				break
			}
			fn(base + tz)
			w &= w - 1
		}
	}
}
