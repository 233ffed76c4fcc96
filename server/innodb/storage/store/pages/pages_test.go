package pages

import (
	"bytes"
	"fmt"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhukovaskychina/xmysql-storage/server/common"
	"github.com/zhukovaskychina/xmysql-storage/server/innodb/basic"
)

func TestFilHeader(t *testing.T) {
	page := NewPage(512, common.PageTypeHashBucket)
	FilHeader{Type: common.PageTypeHashBucket, Next: 77, Count: 3}.Put(page)
	fh := ReadFilHeader(page)
	assert.Equal(t, common.PageTypeHashBucket, fh.Type)
	assert.Equal(t, uint32(77), fh.Next)
	assert.Equal(t, uint16(3), fh.Count)
	assert.Equal(t, common.PageTypeHashBucket, TypeOf(page))
}

func TestHeaderPage(t *testing.T) {
	h := &HeaderPage{
		Version:       LayoutVersion,
		BlockSize:     1024,
		DirectorySize: 4,
		NodeOrder:     64,
		DatabaseID:    uuid.New(),
		HighWater:     12,
	}
	block := make([]byte, 1024)
	h.Put(block)

	got, err := ParseHeader(block[:HeaderFixedSize])
	require.NoError(t, err)
	assert.Equal(t, h, got)

	t.Run("不是数据库文件", func(t *testing.T) {
		_, err := ParseHeader(make([]byte, HeaderFixedSize))
		assert.ErrorIs(t, err, ErrNotADatabase)
		_, err = ParseHeader([]byte{1})
		assert.ErrorIs(t, err, ErrNotADatabase)
	})
}

func TestCatalogChain(t *testing.T) {
	const blockSize = 512
	catalog := bytes.Repeat([]byte("catalog-"), 200) // 1600字节
	n := CatalogPagesNeeded(len(catalog), blockSize)
	assert.Equal(t, 3, n)

	header := make([]byte, blockSize)
	h := &HeaderPage{Version: LayoutVersion, BlockSize: blockSize}
	next := []uint32{5, 9, 6}
	out, err := WriteCatalog(header, h, catalog, next)
	require.NoError(t, err)
	require.Len(t, out, 3)

	store := map[uint32][]byte{5: out[0], 9: out[1], 6: out[2]}
	got, chain, err := ReadCatalog(header, h, func(addr uint32) ([]byte, error) {
		return store[addr], nil
	})
	require.NoError(t, err)
	assert.Equal(t, catalog, got)
	assert.Equal(t, next, chain)

	_, err = WriteCatalog(header, h, catalog, next[:2])
	assert.Error(t, err)

	t.Run("目录只在0号块", func(t *testing.T) {
		small := []byte("tiny")
		require.Zero(t, CatalogPagesNeeded(len(small), blockSize))
		_, err := WriteCatalog(header, h, small, nil)
		require.NoError(t, err)
		got, chain, err := ReadCatalog(header, h, nil)
		require.NoError(t, err)
		assert.Equal(t, small, got)
		assert.Empty(t, chain)
	})
}

func TestHeapPage(t *testing.T) {
	p := NewHeapPage(512)
	var slots []uint16
	for i := 0; ; i++ {
		slot, ok := p.Insert([]byte(fmt.Sprintf("record-%03d-%s", i, bytes.Repeat([]byte("x"), 20))))
		if !ok {
			break
		}
		slots = append(slots, slot)
	}
	require.NotEmpty(t, slots)
	assert.Equal(t, uint16(len(slots)-1), slots[len(slots)-1])

	rec, err := p.Get(2)
	require.NoError(t, err)
	assert.Contains(t, string(rec), "record-002")

	// 删除后复用空槽，碎片整理不改变其他槽的内容
	require.NoError(t, p.Delete(1))
	require.NoError(t, p.Delete(2))
	assert.ErrorIs(t, p.Delete(2), basic.ErrNotFound)
	_, err = p.Get(1)
	assert.ErrorIs(t, err, basic.ErrNotFound)

	slot, ok := p.Insert(bytes.Repeat([]byte("y"), 40))
	require.True(t, ok)
	assert.Equal(t, uint16(1), slot)
	rec, err = p.Get(3)
	require.NoError(t, err)
	assert.Contains(t, string(rec), "record-003")

	loaded, err := LoadHeapPage(3, p.Bytes())
	require.NoError(t, err)
	count := 0
	loaded.Records(func(slot uint16, rec []byte) bool {
		count++
		return true
	})
	assert.Equal(t, len(slots)-1, count)

	t.Run("损坏的页", func(t *testing.T) {
		bad := append([]byte(nil), p.Bytes()...)
		FilHeader{Type: common.PageTypeHeap, Count: 500}.Put(bad)
		_, err := LoadHeapPage(3, bad)
		assert.ErrorIs(t, err, basic.ErrCorruptIndex)
	})
}
