package latch

import (
	"sort"
	"sync"
)

// Latch 提供了一个简单的锁机制
type Latch struct {
	mu sync.RWMutex
}

// NewLatch 创建一个新的锁
func NewLatch() *Latch {
	return &Latch{}
}

// Lock 获取写锁
func (l *Latch) Lock() {
	l.mu.Lock()
}

// Unlock 释放写锁
func (l *Latch) Unlock() {
	l.mu.Unlock()
}

// RLock 获取读锁
func (l *Latch) RLock() {
	l.mu.RLock()
}

// RUnlock 释放读锁
func (l *Latch) RUnlock() {
	l.mu.RUnlock()
}

// Table 块地址到块锁的映射，首次访问时创建，块释放时删除
type Table struct {
	mu      sync.Mutex
	latches map[uint32]*Latch
	freed   map[uint32]struct{} // 已释放但锁仍被持有的块
}

func NewTable() *Table {
	return &Table{latches: make(map[uint32]*Latch), freed: make(map[uint32]struct{})}
}

// Get 返回块对应的锁
func (t *Table) Get(addr uint32) *Latch {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.freed, addr)
	l, ok := t.latches[addr]
	if !ok {
		l = NewLatch()
		t.latches[addr] = l
	}
	return l
}

// Drop 块被释放后删除它的锁。锁仍被持有时只做标记，由持有它的Set在Release时删除
func (t *Table) Drop(addr uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	l, ok := t.latches[addr]
	if !ok {
		return
	}
	if !l.mu.TryLock() {
		t.freed[addr] = struct{}{}
		return
	}
	delete(t.latches, addr)
	l.mu.Unlock()
}

// settle 删除Drop时仍被持有的锁
func (t *Table) settle(addr uint32, l *Latch) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.freed[addr]; !ok || t.latches[addr] != l || !l.mu.TryLock() {
		return
	}
	delete(t.freed, addr)
	delete(t.latches, addr)
	l.mu.Unlock()
}

// Len 当前登记的锁数量
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.latches)
}

// Set 记录一次结构修改中持有的写锁，Release统一释放
type Set struct {
	table *Table
	held  map[uint32]*Latch
	order []uint32
}

func (t *Table) NewSet() *Set {
	return &Set{table: t, held: make(map[uint32]*Latch)}
}

// Exclusive 获取写锁，已持有时直接返回
func (s *Set) Exclusive(addr uint32) {
	if _, ok := s.held[addr]; ok {
		return
	}
	l := s.table.Get(addr)
	l.Lock()
	s.held[addr] = l
	s.order = append(s.order, addr)
}

// ExclusiveAll 按地址升序获取一组写锁
func (s *Set) ExclusiveAll(addrs []uint32) {
	sorted := append([]uint32(nil), addrs...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	for _, a := range sorted {
		s.Exclusive(a)
	}
}

// Release 逆序释放全部锁
func (s *Set) Release() {
	for i := len(s.order) - 1; i >= 0; i-- {
		addr := s.order[i]
		l := s.held[addr]
		l.Unlock()
		s.table.settle(addr, l)
	}
	s.held = make(map[uint32]*Latch)
	s.order = s.order[:0]
}
