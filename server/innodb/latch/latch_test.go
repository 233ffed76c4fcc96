package latch

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTableReturnsSameLatch(t *testing.T) {
	tbl := NewTable()
	assert.Same(t, tbl.Get(7), tbl.Get(7))
	assert.NotSame(t, tbl.Get(7), tbl.Get(8))
}

func TestSetReleasesAll(t *testing.T) {
	tbl := NewTable()
	s := tbl.NewSet()
	s.ExclusiveAll([]uint32{9, 3, 5})
	// 重复获取不会死锁
	s.Exclusive(3)
	s.Exclusive(11)
	assert.Equal(t, []uint32{3, 5, 9, 11}, s.order)
	assert.False(t, tbl.Get(3).mu.TryLock())

	s.Release()
	assert.Empty(t, s.held)
	for _, a := range []uint32{3, 5, 9, 11} {
		assert.True(t, tbl.Get(a).mu.TryLock(), "block %d", a)
	}
}

func TestExclusiveBlocksReaders(t *testing.T) {
	tbl := NewTable()
	writer := tbl.NewSet()
	writer.Exclusive(1)

	var wg sync.WaitGroup
	acquired := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		l := tbl.Get(1)
		l.RLock()
		close(acquired)
		l.RUnlock()
	}()

	select {
	case <-acquired:
		t.Fatal("reader acquired latch held exclusively")
	case <-time.After(20 * time.Millisecond):
	}
	writer.Release()
	wg.Wait()
	<-acquired
}

func TestDropRemovesFreedBlocks(t *testing.T) {
	tbl := NewTable()
	for a := uint32(1); a <= 100; a++ {
		l := tbl.Get(a)
		l.Lock()
		l.Unlock()
	}
	assert.Equal(t, 100, tbl.Len())
	for a := uint32(1); a <= 100; a++ {
		tbl.Drop(a)
	}
	assert.Equal(t, 0, tbl.Len())
	tbl.Drop(500)
	assert.Equal(t, 0, tbl.Len())
}

func TestDropWhileHeldBySet(t *testing.T) {
	tbl := NewTable()
	s := tbl.NewSet()
	s.ExclusiveAll([]uint32{4, 2})
	held := s.held[2]

	// 持有期间不删除，否则同一块会出现第二把锁
	tbl.Drop(2)
	assert.Equal(t, 2, tbl.Len())
	s.Release()
	assert.Equal(t, 1, tbl.Len())
	assert.NotSame(t, held, tbl.Get(2))

	// 释放前重新分配的块保留原来的锁
	s = tbl.NewSet()
	s.Exclusive(4)
	tbl.Drop(4)
	l := tbl.Get(4)
	s.Release()
	assert.Same(t, l, tbl.Get(4))
}
