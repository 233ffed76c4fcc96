package manager

import (
	"sort"
	"strings"
	"sync"

	"github.com/pkg/errors"

	"github.com/zhukovaskychina/xmysql-storage/logger"
	"github.com/zhukovaskychina/xmysql-storage/server/innodb/basic"
	"github.com/zhukovaskychina/xmysql-storage/server/innodb/storage/store/pages"
	"github.com/zhukovaskychina/xmysql-storage/server/innodb/storage/store/segs"
)

// Table 堆表: 行按槽式页存放在表自己的段里，数据页从不释放，因此行槽号稳定
type Table struct {
	Name    string
	Schema  basic.Schema
	Segment string

	mu       sync.Mutex // 插入时选页
	lastPage uint32
}

// TableManager 表的创建、删除与行读写
type TableManager struct {
	mu     sync.RWMutex
	space  *SpaceManager
	tables map[string]*Table
}

func NewTableManager(space *SpaceManager) *TableManager {
	return &TableManager{space: space, tables: make(map[string]*Table)}
}

func tableKey(name string) string {
	return strings.ToLower(name)
}

func tableSegment(name string) string {
	return "tbl_" + tableKey(name)
}

// CreateTable 校验字段并为表分配段
func (tm *TableManager) CreateTable(name string, schema basic.Schema) (*Table, error) {
	if name == "" {
		return nil, errors.New("table name is empty")
	}
	if len(schema) == 0 {
		return nil, errors.Wrapf(basic.ErrUnknownAttribute, "table %s has no columns", name)
	}
	seen := make(map[string]bool, len(schema))
	for _, a := range schema {
		n := strings.ToLower(a.Name)
		if n == "" || seen[n] {
			return nil, errors.Errorf("table %s: column name %q empty or repeated", name, a.Name)
		}
		seen[n] = true
		if a.Type < basic.TypeInt || a.Type > basic.TypeVarchar {
			return nil, errors.Wrapf(basic.ErrUnsupportedType, "column %s", a.Name)
		}
	}

	tm.mu.Lock()
	defer tm.mu.Unlock()
	k := tableKey(name)
	if _, ok := tm.tables[k]; ok {
		return nil, errors.Wrapf(ErrTableExists, "%s", name)
	}
	t := &Table{Name: name, Schema: schema, Segment: tableSegment(name)}
	if err := tm.space.CreateSegment(t.Segment, segs.SEG_TYPE_TABLE); err != nil {
		return nil, err
	}
	tm.tables[k] = t
	logger.Infof("table %s created with %d columns", name, len(schema))
	return t, nil
}

// attach 从目录恢复表
func (tm *TableManager) attach(t *Table) error {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	if !tm.space.Segments().Exists(t.Segment) {
		return errors.Wrapf(ErrCorruptCatalog, "table %s segment %s missing", t.Name, t.Segment)
	}
	tm.tables[tableKey(t.Name)] = t
	return nil
}

// DropTable 释放表段内全部块
func (tm *TableManager) DropTable(name string) error {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	k := tableKey(name)
	t, ok := tm.tables[k]
	if !ok {
		return errors.Wrapf(basic.ErrNotFound, "table %s", name)
	}
	if err := tm.space.DropSegment(t.Segment); err != nil {
		return err
	}
	delete(tm.tables, k)
	logger.Infof("table %s dropped", name)
	return nil
}

// Table 按名称查找，不区分大小写
func (tm *TableManager) Table(name string) (*Table, error) {
	tm.mu.RLock()
	defer tm.mu.RUnlock()
	t, ok := tm.tables[tableKey(name)]
	if !ok {
		return nil, errors.Wrapf(basic.ErrNotFound, "table %s", name)
	}
	return t, nil
}

// Tables 按名称排序
func (tm *TableManager) Tables() []*Table {
	tm.mu.RLock()
	defer tm.mu.RUnlock()
	out := make([]*Table, 0, len(tm.tables))
	for _, t := range tm.tables {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return tableKey(out[i].Name) < tableKey(out[j].Name) })
	return out
}

func (tm *TableManager) loadPage(addr uint32) (*pages.HeapPage, error) {
	data, err := tm.space.ReadBlock(addr)
	if err != nil {
		return nil, err
	}
	return pages.LoadHeapPage(addr, data)
}

// Insert 写入一行，返回行地址。先试最近写过的页，再试段内其余页，都放不下时分配新页。
func (tm *TableManager) Insert(t *Table, values []basic.Value) (basic.RowAddress, error) {
	row, err := t.Schema.Check(values)
	if err != nil {
		return basic.RowAddress{}, err
	}
	rec := basic.Row(row).Encode(nil)
	bs := tm.space.BlockSize()
	if len(rec) > bs-pages.FilHeaderSize-16 {
		return basic.RowAddress{}, errors.Wrapf(basic.ErrValueTooLarge, "row of %d bytes", len(rec))
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	candidates, err := tm.space.ScanSegment(t.Segment)
	if err != nil {
		return basic.RowAddress{}, err
	}
	if t.lastPage != 0 {
		candidates = append([]uint32{t.lastPage}, candidates...)
	}
	for i, addr := range candidates {
		if i > 0 && addr == t.lastPage {
			continue
		}
		l := tm.space.Latches().Get(addr)
		l.Lock()
		slot, ok, err := tm.insertInto(addr, rec)
		l.Unlock()
		if err != nil {
			return basic.RowAddress{}, err
		}
		if ok {
			t.lastPage = addr
			return basic.RowAddress{Block: addr, Offset: slot}, nil
		}
	}

	addr, err := tm.space.AllocateBlock(t.Segment)
	if err != nil {
		return basic.RowAddress{}, err
	}
	page := pages.NewHeapPage(bs)
	slot, _ := page.Insert(rec)
	if err := tm.space.WriteBlock(addr, page.Bytes()); err != nil {
		return basic.RowAddress{}, err
	}
	t.lastPage = addr
	return basic.RowAddress{Block: addr, Offset: slot}, nil
}

func (tm *TableManager) insertInto(addr uint32, rec []byte) (uint16, bool, error) {
	page, err := tm.loadPage(addr)
	if err != nil {
		return 0, false, err
	}
	slot, ok := page.Insert(rec)
	if !ok {
		return 0, false, nil
	}
	return slot, true, tm.space.WriteBlock(addr, page.Bytes())
}

// checkOwner 行地址必须落在表自己的段里
func (tm *TableManager) checkOwner(t *Table, addr basic.RowAddress) error {
	owner, ok := tm.space.Segments().Owner(addr.Block)
	if !ok || owner != t.Segment {
		return errors.Wrapf(basic.ErrInvalidAddress, "%s is not a row of %s", addr, t.Name)
	}
	return nil
}

// Read 读取一行
func (tm *TableManager) Read(t *Table, addr basic.RowAddress) (basic.Row, error) {
	if err := tm.checkOwner(t, addr); err != nil {
		return nil, err
	}
	l := tm.space.Latches().Get(addr.Block)
	l.RLock()
	defer l.RUnlock()
	page, err := tm.loadPage(addr.Block)
	if err != nil {
		return nil, err
	}
	rec, err := page.Get(addr.Offset)
	if err != nil {
		return nil, err
	}
	return basic.DecodeRow(rec)
}

// Delete 删除一行，返回被删除的行供调用方维护索引
func (tm *TableManager) Delete(t *Table, addr basic.RowAddress) (basic.Row, error) {
	if err := tm.checkOwner(t, addr); err != nil {
		return nil, err
	}
	l := tm.space.Latches().Get(addr.Block)
	l.Lock()
	defer l.Unlock()
	page, err := tm.loadPage(addr.Block)
	if err != nil {
		return nil, err
	}
	rec, err := page.Get(addr.Offset)
	if err != nil {
		return nil, err
	}
	row, err := basic.DecodeRow(rec)
	if err != nil {
		return nil, err
	}
	if err := page.Delete(addr.Offset); err != nil {
		return nil, err
	}
	return row, tm.space.WriteBlock(addr.Block, page.Bytes())
}

// Scan 按页序、槽序遍历全部行
func (tm *TableManager) Scan(t *Table, fn func(addr basic.RowAddress, row basic.Row) bool) error {
	addrs, err := tm.space.ScanSegment(t.Segment)
	if err != nil {
		return err
	}
	for _, block := range addrs {
		l := tm.space.Latches().Get(block)
		l.RLock()
		page, err := tm.loadPage(block)
		l.RUnlock()
		if err != nil {
			return err
		}
		var rows []basic.Row
		var slots []uint16
		var decodeErr error
		page.Records(func(slot uint16, rec []byte) bool {
			row, err := basic.DecodeRow(rec)
			if err != nil {
				decodeErr = basic.Corrupt(block, "row %d: %v", slot, err)
				return false
			}
			rows = append(rows, row)
			slots = append(slots, slot)
			return true
		})
		if decodeErr != nil {
			return decodeErr
		}
		for i, row := range rows {
			if !fn(basic.RowAddress{Block: block, Offset: slots[i]}, row) {
				return nil
			}
		}
	}
	return nil
}

// RowSlot 行地址到位图槽号: 块在段内序号*每页槽数 + 槽位
func (tm *TableManager) RowSlot(t *Table, addr basic.RowAddress) (uint32, error) {
	ord, err := tm.space.Segments().Ordinal(t.Segment, addr.Block)
	if err != nil {
		return 0, err
	}
	per := pages.HeapSlotsPerPage(tm.space.BlockSize())
	if int(addr.Offset) >= per {
		return 0, errors.Wrapf(basic.ErrInvalidAddress, "%s slot beyond page capacity %d", addr, per)
	}
	return uint32(ord*per + int(addr.Offset)), nil
}

// SlotAddress RowSlot的逆映射
func (tm *TableManager) SlotAddress(t *Table, slot uint32) (basic.RowAddress, error) {
	addrs, err := tm.space.ScanSegment(t.Segment)
	if err != nil {
		return basic.RowAddress{}, err
	}
	per := uint32(pages.HeapSlotsPerPage(tm.space.BlockSize()))
	ord := slot / per
	if int(ord) >= len(addrs) {
		return basic.RowAddress{}, errors.Wrapf(basic.ErrInvalidAddress, "row slot %d beyond table %s", slot, t.Name)
	}
	return basic.RowAddress{Block: addrs[ord], Offset: uint16(slot % per)}, nil
}
