package manager

import (
	"sort"
	"strings"
	"sync"

	"github.com/RoaringBitmap/roaring"
	"github.com/pkg/errors"

	"github.com/zhukovaskychina/xmysql-storage/logger"
	"github.com/zhukovaskychina/xmysql-storage/server/innodb/basic"
	"github.com/zhukovaskychina/xmysql-storage/server/innodb/index/bitmap"
	"github.com/zhukovaskychina/xmysql-storage/server/innodb/index/btree"
	"github.com/zhukovaskychina/xmysql-storage/server/innodb/index/hash"
	"github.com/zhukovaskychina/xmysql-storage/server/innodb/storage/store/segs"
	"github.com/zhukovaskychina/xmysql-storage/server/metrics"
)

// IndexDescriptor 索引元数据
type IndexDescriptor struct {
	Name       string
	Table      string
	Attributes []string
	KeyTypes   []basic.ValueType
	Kind       basic.IndexKind
	// Anchor B树与散列为元数据块，位图为值目录元数据块
	Anchor  uint32
	Unique  bool
	Segment string
}

func (d *IndexDescriptor) clone() *IndexDescriptor {
	c := *d
	c.Attributes = append([]string(nil), d.Attributes...)
	c.KeyTypes = append([]basic.ValueType(nil), d.KeyTypes...)
	return &c
}

// keySchema 由索引字段组成的模式，用于把查询键转换成存储类型
func (d *IndexDescriptor) keySchema() basic.Schema {
	s := make(basic.Schema, len(d.Attributes))
	for i, a := range d.Attributes {
		s[i] = basic.Attribute{Name: a, Type: d.KeyTypes[i]}
	}
	return s
}

// IndexOptions 新建索引结构的参数，来自0号块与配置
type IndexOptions struct {
	NodeOrder       int
	DirectorySize   int
	RehashThreshold float64
	Metrics         *metrics.Metrics
}

type indexHandle struct {
	desc  *IndexDescriptor
	table *Table
	cols  []int
	keys  basic.Schema
	index basic.Index
}

// key 从行中取出索引键
func (h *indexHandle) key(row basic.Row) basic.Key {
	return row.Project(h.cols)
}

// IndexManager 索引描述的注册表，只负责创建、删除、查找，结构操作全部转给具体索引
type IndexManager struct {
	mu      sync.RWMutex
	space   *SpaceManager
	tables  *TableManager
	opts    IndexOptions
	indexes map[string]*indexHandle
}

func NewIndexManager(space *SpaceManager, tables *TableManager, opts IndexOptions) *IndexManager {
	if opts.Metrics == nil {
		opts.Metrics = metrics.New()
	}
	return &IndexManager{space: space, tables: tables, opts: opts, indexes: make(map[string]*indexHandle)}
}

func indexKey(name string) string {
	return strings.ToLower(name)
}

func indexSegment(name string) string {
	return "idx_" + indexKey(name)
}

// CreateIndex 校验表与字段，唯一索引先扫描一遍表确认没有重复键，
// 然后分配新段、建立空结构并装入已有的行
func (im *IndexManager) CreateIndex(name, table string, attributes []string, kind basic.IndexKind, unique bool) (*IndexDescriptor, error) {
	if name == "" {
		return nil, errors.New("index name is empty")
	}
	t, err := im.tables.Table(table)
	if err != nil {
		return nil, err
	}
	cols, err := t.Schema.Project(attributes)
	if err != nil {
		return nil, errors.Wrapf(err, "index %s on %s", name, table)
	}

	im.mu.Lock()
	defer im.mu.Unlock()
	k := indexKey(name)
	if _, ok := im.indexes[k]; ok {
		return nil, errors.Wrapf(ErrIndexExists, "%s", name)
	}

	desc := &IndexDescriptor{Name: name, Table: t.Name, Kind: kind, Unique: unique, Segment: indexSegment(name)}
	for _, c := range cols {
		desc.Attributes = append(desc.Attributes, t.Schema[c].Name)
		desc.KeyTypes = append(desc.KeyTypes, t.Schema[c].Type)
	}
	h := &indexHandle{desc: desc, table: t, cols: cols, keys: desc.keySchema()}

	var rows []basic.Row
	var addrs []basic.RowAddress
	seen := make(map[string]bool)
	var dup basic.Key
	err = im.tables.Scan(t, func(addr basic.RowAddress, row basic.Row) bool {
		key := h.key(row)
		if unique {
			kb := string(key.Bytes())
			if seen[kb] {
				dup = key
				return false
			}
			seen[kb] = true
		}
		rows = append(rows, row)
		addrs = append(addrs, addr)
		return true
	})
	if err != nil {
		return nil, err
	}
	if dup != nil {
		return nil, errors.Wrapf(basic.ErrDuplicateKey, "index %s: key %s appears more than once in %s", name, dup, t.Name)
	}

	if err := im.space.CreateSegment(desc.Segment, segs.SEG_TYPE_INDEX); err != nil {
		return nil, err
	}
	if err := im.build(h); err != nil {
		im.discard(desc.Segment)
		return nil, err
	}
	for i, row := range rows {
		if err := h.index.Insert(h.key(row), addrs[i]); err != nil {
			im.discard(desc.Segment)
			return nil, errors.Wrapf(err, "index %s: load row %s", name, addrs[i])
		}
	}
	im.indexes[k] = h
	logger.Infof("index %s created on %s(%s) as %v, unique=%v, %d rows",
		name, t.Name, strings.Join(desc.Attributes, ","), kind, unique, len(rows))
	return desc.clone(), nil
}

// build 按类型建立空结构
func (im *IndexManager) build(h *indexHandle) error {
	d := h.desc
	switch d.Kind {
	case basic.IndexKindBTree:
		t, err := btree.Create(im.space, d.Segment, btree.Options{Order: im.opts.NodeOrder, Unique: d.Unique, Metrics: im.opts.Metrics})
		if err != nil {
			return err
		}
		d.Anchor, h.index = t.Anchor(), t
	case basic.IndexKindHash:
		x, err := hash.Create(im.space, d.Segment, hash.Options{
			DirectorySize: im.opts.DirectorySize,
			Threshold:     im.opts.RehashThreshold,
			Unique:        d.Unique,
			Metrics:       im.opts.Metrics,
		})
		if err != nil {
			return err
		}
		d.Anchor, h.index = x.Anchor(), x
	case basic.IndexKindBitmap:
		b, err := bitmap.Create(im.space, d.Segment, bitmap.Options{Unique: d.Unique, Metrics: im.opts.Metrics})
		if err != nil {
			return err
		}
		d.Anchor, h.index = b.Anchor(), &bitmapAdapter{bm: b, tables: im.tables, table: h.table}
	default:
		return errors.Wrapf(basic.ErrUnsupportedType, "index kind %v", d.Kind)
	}
	return nil
}

func (im *IndexManager) discard(segment string) {
	if err := im.space.DropSegment(segment); err != nil {
		logger.Errorf("release segment %s: %v", segment, err)
	}
}

// attach 从目录恢复索引并打开其结构
func (im *IndexManager) attach(desc *IndexDescriptor) error {
	t, err := im.tables.Table(desc.Table)
	if err != nil {
		return errors.Wrapf(ErrCorruptCatalog, "index %s on missing table %s", desc.Name, desc.Table)
	}
	cols, err := t.Schema.Project(desc.Attributes)
	if err != nil {
		return errors.Wrapf(ErrCorruptCatalog, "index %s: %v", desc.Name, err)
	}
	h := &indexHandle{desc: desc, table: t, cols: cols, keys: desc.keySchema()}
	m := im.opts.Metrics
	switch desc.Kind {
	case basic.IndexKindBTree:
		h.index, err = btree.Open(im.space, desc.Segment, desc.Anchor, m)
	case basic.IndexKindHash:
		h.index, err = hash.Open(im.space, desc.Segment, desc.Anchor, m)
	case basic.IndexKindBitmap:
		var b *bitmap.BitmapIndex
		if b, err = bitmap.Open(im.space, desc.Segment, desc.Anchor, m); err == nil {
			h.index = &bitmapAdapter{bm: b, tables: im.tables, table: t}
		}
	default:
		err = errors.Wrapf(ErrCorruptCatalog, "index %s has kind %v", desc.Name, desc.Kind)
	}
	if err != nil {
		return err
	}
	im.mu.Lock()
	defer im.mu.Unlock()
	im.indexes[indexKey(desc.Name)] = h
	return nil
}

// DropIndex 释放索引段的全部块并删除描述
func (im *IndexManager) DropIndex(name string) error {
	im.mu.Lock()
	defer im.mu.Unlock()
	k := indexKey(name)
	h, ok := im.indexes[k]
	if !ok {
		return errors.Wrapf(basic.ErrNotFound, "index %s", name)
	}
	if err := im.space.DropSegment(h.desc.Segment); err != nil {
		return err
	}
	delete(im.indexes, k)
	logger.Infof("index %s dropped", name)
	return nil
}

// Lookup 返回描述的副本
func (im *IndexManager) Lookup(name string) (*IndexDescriptor, error) {
	h, err := im.handle(name)
	if err != nil {
		return nil, err
	}
	return h.desc.clone(), nil
}

// Index 描述对应的索引结构，键在进入结构之前按索引字段类型转换
func (im *IndexManager) Index(name string) (basic.Index, error) {
	h, err := im.handle(name)
	if err != nil {
		return nil, err
	}
	return &keyedIndex{index: h.index, keys: h.keys}, nil
}

func (im *IndexManager) handle(name string) (*indexHandle, error) {
	im.mu.RLock()
	defer im.mu.RUnlock()
	h, ok := im.indexes[indexKey(name)]
	if !ok {
		return nil, errors.Wrapf(basic.ErrNotFound, "index %s", name)
	}
	return h, nil
}

// Search 按索引查找，查询键先按索引字段类型转换
func (im *IndexManager) Search(name string, key basic.Key) ([]basic.RowAddress, error) {
	idx, err := im.Index(name)
	if err != nil {
		return nil, err
	}
	return idx.Search(key)
}

// Descriptors 全部索引描述，按名称排序
func (im *IndexManager) Descriptors() []*IndexDescriptor {
	im.mu.RLock()
	defer im.mu.RUnlock()
	out := make([]*IndexDescriptor, 0, len(im.indexes))
	for _, h := range im.indexes {
		out = append(out, h.desc.clone())
	}
	sort.Slice(out, func(i, j int) bool { return indexKey(out[i].Name) < indexKey(out[j].Name) })
	return out
}

// handlesOf 表上的全部索引
func (im *IndexManager) handlesOf(table string) []*indexHandle {
	im.mu.RLock()
	defer im.mu.RUnlock()
	var out []*indexHandle
	for _, h := range im.indexes {
		if strings.EqualFold(h.desc.Table, table) {
			out = append(out, h)
		}
	}
	return out
}

// checkUnique 在写堆表之前确认行不会违反任何唯一索引
func (im *IndexManager) checkUnique(t *Table, row basic.Row) error {
	for _, h := range im.handlesOf(t.Name) {
		if !h.desc.Unique {
			continue
		}
		found, err := h.index.Search(h.key(row))
		if err != nil {
			return err
		}
		if len(found) > 0 {
			return errors.Wrapf(basic.ErrDuplicateKey, "index %s key %s", h.desc.Name, h.key(row))
		}
	}
	return nil
}

// insertRow 把新行加入表上的每个索引，失败时撤销已加入的条目
func (im *IndexManager) insertRow(t *Table, addr basic.RowAddress, row basic.Row) error {
	handles := im.handlesOf(t.Name)
	for i, h := range handles {
		if err := h.index.Insert(h.key(row), addr); err != nil {
			for _, done := range handles[:i] {
				if uerr := done.index.Delete(done.key(row), addr); uerr != nil {
					logger.Errorf("undo index %s entry for %s: %v", done.desc.Name, addr, uerr)
				}
			}
			return errors.Wrapf(err, "index %s", h.desc.Name)
		}
	}
	return nil
}

// deleteRow 从表上的每个索引删除行，失败时按相反顺序放回已删除的条目
func (im *IndexManager) deleteRow(t *Table, addr basic.RowAddress, row basic.Row) error {
	handles := im.handlesOf(t.Name)
	for i, h := range handles {
		if err := h.index.Delete(h.key(row), addr); err != nil {
			for j := i - 1; j >= 0; j-- {
				done := handles[j]
				if uerr := done.index.Insert(done.key(row), addr); uerr != nil {
					logger.Errorf("restore index %s entry for %s: %v", done.desc.Name, addr, uerr)
				}
			}
			return errors.Wrapf(err, "index %s", h.desc.Name)
		}
	}
	return nil
}

// dropTableIndexes 删除表上的全部索引
func (im *IndexManager) dropTableIndexes(table string) error {
	for _, h := range im.handlesOf(table) {
		if err := im.DropIndex(h.desc.Name); err != nil {
			return err
		}
	}
	return nil
}

// keyedIndex 对外暴露的索引，同一逻辑键无论以何种类型给出都落到同一个桶或位向量
type keyedIndex struct {
	index basic.Index
	keys  basic.Schema
}

var _ basic.Index = (*keyedIndex)(nil)

func (k *keyedIndex) coerce(key basic.Key) (basic.Key, error) {
	out, err := k.keys.Check(key)
	if err != nil {
		return nil, err
	}
	return basic.Key(out), nil
}

func (k *keyedIndex) Kind() basic.IndexKind {
	return k.index.Kind()
}

func (k *keyedIndex) Search(key basic.Key) ([]basic.RowAddress, error) {
	key, err := k.coerce(key)
	if err != nil {
		return nil, err
	}
	return k.index.Search(key)
}

func (k *keyedIndex) Insert(key basic.Key, addr basic.RowAddress) error {
	key, err := k.coerce(key)
	if err != nil {
		return err
	}
	return k.index.Insert(key, addr)
}

func (k *keyedIndex) Delete(key basic.Key, addr basic.RowAddress) error {
	key, err := k.coerce(key)
	if err != nil {
		return err
	}
	return k.index.Delete(key, addr)
}

func (k *keyedIndex) Check() error {
	if c, ok := k.index.(interface{ Check() error }); ok {
		return c.Check()
	}
	return nil
}

// bitmapAdapter 位图按行槽号编址，这里与行地址互相转换
type bitmapAdapter struct {
	bm     *bitmap.BitmapIndex
	tables *TableManager
	table  *Table
}

var _ basic.Index = (*bitmapAdapter)(nil)

func (a *bitmapAdapter) Kind() basic.IndexKind {
	return basic.IndexKindBitmap
}

func (a *bitmapAdapter) Search(key basic.Key) ([]basic.RowAddress, error) {
	slots, err := a.bm.Search(key)
	if err != nil {
		return nil, err
	}
	return a.addresses(slots)
}

func (a *bitmapAdapter) addresses(slots *roaring.Bitmap) ([]basic.RowAddress, error) {
	out := make([]basic.RowAddress, 0, slots.GetCardinality())
	it := slots.Iterator()
	for it.HasNext() {
		addr, err := a.tables.SlotAddress(a.table, it.Next())
		if err != nil {
			return nil, basic.Corrupt(a.bm.Anchor(), "bitmap slot without row: %v", err)
		}
		out = append(out, addr)
	}
	return out, nil
}

func (a *bitmapAdapter) Insert(key basic.Key, addr basic.RowAddress) error {
	slot, err := a.tables.RowSlot(a.table, addr)
	if err != nil {
		return err
	}
	return a.bm.Insert(key, slot)
}

func (a *bitmapAdapter) Delete(key basic.Key, addr basic.RowAddress) error {
	slot, err := a.tables.RowSlot(a.table, addr)
	if err != nil {
		return err
	}
	return a.bm.Delete(key, slot)
}

func (a *bitmapAdapter) Check() error {
	return a.bm.Check()
}
