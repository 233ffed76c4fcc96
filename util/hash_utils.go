package util

import (
	"github.com/OneOfOne/xxhash"
)

// HashCode 将一个键进行Hash
func HashCode(key []byte) uint64 {
	h := xxhash.New64()
	h.Write(key)
	return h.Sum64()
}

// Checksum 计算块镜像校验和
func Checksum(data ...[]byte) uint64 {
	h := xxhash.New64()
	for _, d := range data {
		h.Write(d)
	}
	return h.Sum64()
}
