package manager

import (
	"sync"

	"github.com/pkg/errors"

	"github.com/zhukovaskychina/xmysql-storage/logger"
	"github.com/zhukovaskychina/xmysql-storage/server/conf"
	"github.com/zhukovaskychina/xmysql-storage/server/innodb/basic"
	"github.com/zhukovaskychina/xmysql-storage/server/innodb/buffer_pool"
	"github.com/zhukovaskychina/xmysql-storage/server/innodb/storage/store/blocks"
	"github.com/zhukovaskychina/xmysql-storage/server/innodb/storage/store/pages"
	"github.com/zhukovaskychina/xmysql-storage/server/metrics"
)

// Database 一个打开的数据库文件。目录与空闲集合只属于这个句柄：
// 打开时从0号块读出，Sync与Close时写回。
type Database struct {
	mu      sync.RWMutex // 建表建索引等目录变更持写锁，行操作持读锁
	cfg     *conf.Cfg
	file    *blocks.BlockFile
	space   *SpaceManager
	tables  *TableManager
	indexes *IndexManager
	redo    *RedoLogManager
	metrics *metrics.Metrics
	closed  bool
}

// DatabaseStats 数据库概况
type DatabaseStats struct {
	Header     pages.HeaderPage
	FreeBlocks uint64
	Segments   []string
	Tables     []string
	Indexes    []*IndexDescriptor
	Buffer     buffer_pool.BufferPoolStats
}

// OpenDatabase 打开cfg指定的数据文件，文件不存在或为空时按cfg建库。
// 已有库的块大小、目录大小与节点阶数以0号块为准。
func OpenDatabase(cfg *conf.Cfg, m *metrics.Metrics) (*Database, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if m == nil {
		m = metrics.New()
	}
	path := cfg.DataFilePath()
	prefix, err := blocks.ReadPrefix(path, pages.HeaderFixedSize)
	if err != nil {
		return nil, err
	}
	creating := len(prefix) == 0
	blockSize := cfg.BlockSize
	if !creating {
		header, err := pages.ParseHeader(prefix)
		if err != nil {
			return nil, errors.Wrapf(err, "open %s", path)
		}
		blockSize = int(header.BlockSize)
	}

	file, err := blocks.OpenBlockFile(path, blocks.Options{
		BlockSize:   blockSize,
		MaxBlocks:   cfg.MaxBlocks,
		Doublewrite: cfg.Doublewrite,
	})
	if err != nil {
		return nil, err
	}
	db := &Database{cfg: cfg, file: file, metrics: m}
	fail := func(err error) (*Database, error) {
		if db.redo != nil {
			db.redo.Close()
		}
		file.Close()
		return nil, err
	}

	opts := SpaceOptions{BufferPoolBlocks: cfg.BufferPoolBlocks, Metrics: m}
	if cfg.RedoEnabled {
		codec, err := ParseRedoCodec(cfg.RedoCompression)
		if err != nil {
			return fail(err)
		}
		if db.redo, err = OpenRedoLog(cfg.RedoFilePath(), codec, m); err != nil {
			return fail(err)
		}
		if creating {
			err = db.redo.Truncate()
		} else {
			_, err = db.redo.Replay(file)
		}
		if err != nil {
			return fail(err)
		}
		opts.Hook = db.redo
	}

	var extra []byte
	if creating {
		db.space, err = CreateSpace(file, cfg.DirectorySize, cfg.NodeOrder, opts)
	} else {
		db.space, extra, err = OpenSpace(file, opts)
	}
	if err != nil {
		return fail(err)
	}
	header := db.space.Header()
	db.tables = NewTableManager(db.space)
	db.indexes = NewIndexManager(db.space, db.tables, IndexOptions{
		NodeOrder:       int(header.NodeOrder),
		DirectorySize:   int(header.DirectorySize),
		RehashThreshold: cfg.RehashThreshold,
		Metrics:         m,
	})

	if creating {
		if err := db.sync(); err != nil {
			return fail(err)
		}
		return db, nil
	}
	tables, descs, err := decodeCatalog(extra)
	if err != nil {
		return fail(err)
	}
	for _, t := range tables {
		if err := db.tables.attach(t); err != nil {
			return fail(err)
		}
	}
	for _, d := range descs {
		if err := db.indexes.attach(d); err != nil {
			return fail(err)
		}
	}
	logger.Infof("database %s ready: %d tables, %d indexes", path, len(tables), len(descs))
	return db, nil
}

// ReplayRedo 不打开数据库，只把redo日志回放到数据文件
func ReplayRedo(cfg *conf.Cfg) (ReplayStats, error) {
	if err := cfg.Validate(); err != nil {
		return ReplayStats{}, err
	}
	prefix, err := blocks.ReadPrefix(cfg.DataFilePath(), pages.HeaderFixedSize)
	if err != nil {
		return ReplayStats{}, err
	}
	header, err := pages.ParseHeader(prefix)
	if err != nil {
		return ReplayStats{}, err
	}
	codec, err := ParseRedoCodec(cfg.RedoCompression)
	if err != nil {
		return ReplayStats{}, err
	}
	file, err := blocks.OpenBlockFile(cfg.DataFilePath(), blocks.Options{BlockSize: int(header.BlockSize), Doublewrite: cfg.Doublewrite})
	if err != nil {
		return ReplayStats{}, err
	}
	defer file.Close()
	redo, err := OpenRedoLog(cfg.RedoFilePath(), codec, nil)
	if err != nil {
		return ReplayStats{}, err
	}
	defer redo.Close()
	return redo.Replay(file)
}

func (db *Database) check() error {
	if db.closed {
		return ErrDatabaseClosed
	}
	return nil
}

// Space 底层块存储
func (db *Database) Space() *SpaceManager {
	return db.space
}

func (db *Database) Metrics() *metrics.Metrics {
	return db.metrics
}

// CreateTable 建表
func (db *Database) CreateTable(name string, schema basic.Schema) (*Table, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	if err := db.check(); err != nil {
		return nil, err
	}
	return db.tables.CreateTable(name, schema)
}

// DropTable 删除表及其全部索引
func (db *Database) DropTable(name string) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if err := db.check(); err != nil {
		return err
	}
	t, err := db.tables.Table(name)
	if err != nil {
		return err
	}
	if err := db.indexes.dropTableIndexes(t.Name); err != nil {
		return err
	}
	return db.tables.DropTable(t.Name)
}

func (db *Database) Table(name string) (*Table, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	if err := db.check(); err != nil {
		return nil, err
	}
	return db.tables.Table(name)
}

// InsertRow 写入一行并维护表上全部索引。唯一索引在写堆表之前检查；
// 任一索引写入失败时撤销这一行。
func (db *Database) InsertRow(table string, values []basic.Value) (basic.RowAddress, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	if err := db.check(); err != nil {
		return basic.RowAddress{}, err
	}
	t, err := db.tables.Table(table)
	if err != nil {
		return basic.RowAddress{}, err
	}
	row, err := t.Schema.Check(values)
	if err != nil {
		return basic.RowAddress{}, err
	}
	if err := db.indexes.checkUnique(t, row); err != nil {
		return basic.RowAddress{}, err
	}
	addr, err := db.tables.Insert(t, row)
	if err != nil {
		return basic.RowAddress{}, err
	}
	if err := db.indexes.insertRow(t, addr, row); err != nil {
		if _, derr := db.tables.Delete(t, addr); derr != nil {
			logger.Errorf("undo row %s of %s: %v", addr, t.Name, derr)
		}
		return basic.RowAddress{}, err
	}
	return addr, nil
}

// DeleteRow 先从全部索引删除，再删除堆表中的行
func (db *Database) DeleteRow(table string, addr basic.RowAddress) error {
	db.mu.RLock()
	defer db.mu.RUnlock()
	if err := db.check(); err != nil {
		return err
	}
	t, err := db.tables.Table(table)
	if err != nil {
		return err
	}
	row, err := db.tables.Read(t, addr)
	if err != nil {
		return err
	}
	if err := db.indexes.deleteRow(t, addr, row); err != nil {
		return err
	}
	_, err = db.tables.Delete(t, addr)
	return err
}

func (db *Database) ReadRow(table string, addr basic.RowAddress) (basic.Row, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	if err := db.check(); err != nil {
		return nil, err
	}
	t, err := db.tables.Table(table)
	if err != nil {
		return nil, err
	}
	return db.tables.Read(t, addr)
}

// ScanTable 顺序扫描表的全部行
func (db *Database) ScanTable(table string, fn func(addr basic.RowAddress, row basic.Row) bool) error {
	db.mu.RLock()
	defer db.mu.RUnlock()
	if err := db.check(); err != nil {
		return err
	}
	t, err := db.tables.Table(table)
	if err != nil {
		return err
	}
	return db.tables.Scan(t, fn)
}

// CreateIndex 建索引，kind为btree、hash或bitmap
func (db *Database) CreateIndex(name, table string, attributes []string, kind basic.IndexKind, unique bool) (*IndexDescriptor, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	if err := db.check(); err != nil {
		return nil, err
	}
	return db.indexes.CreateIndex(name, table, attributes, kind, unique)
}

func (db *Database) DropIndex(name string) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if err := db.check(); err != nil {
		return err
	}
	return db.indexes.DropIndex(name)
}

// LookupIndex 索引描述
func (db *Database) LookupIndex(name string) (*IndexDescriptor, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	if err := db.check(); err != nil {
		return nil, err
	}
	return db.indexes.Lookup(name)
}

// Index 索引结构本身，供关系层直接调用search/insert/delete
func (db *Database) Index(name string) (basic.Index, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	if err := db.check(); err != nil {
		return nil, err
	}
	return db.indexes.Index(name)
}

// SearchIndex 按索引查找行地址
func (db *Database) SearchIndex(name string, key basic.Key) ([]basic.RowAddress, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	if err := db.check(); err != nil {
		return nil, err
	}
	return db.indexes.Search(name, key)
}

// CheckIndexes 对每个索引做全结构校验
func (db *Database) CheckIndexes() error {
	db.mu.RLock()
	defer db.mu.RUnlock()
	if err := db.check(); err != nil {
		return err
	}
	for _, d := range db.indexes.Descriptors() {
		idx, err := db.indexes.Index(d.Name)
		if err != nil {
			return err
		}
		if c, ok := idx.(interface{ Check() error }); ok {
			if err := c.Check(); err != nil {
				return errors.Wrapf(err, "index %s", d.Name)
			}
		}
	}
	return nil
}

// Stats 数据库概况
func (db *Database) Stats() (*DatabaseStats, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	if err := db.check(); err != nil {
		return nil, err
	}
	s := &DatabaseStats{
		Header:     db.space.Header(),
		FreeBlocks: db.space.FreeCount(),
		Segments:   db.space.Segments().Names(),
		Indexes:    db.indexes.Descriptors(),
		Buffer:     db.space.BufferStats(),
	}
	for _, t := range db.tables.Tables() {
		s.Tables = append(s.Tables, t.Name)
	}
	return s, nil
}

// Sync 写回目录与全部脏块，之后redo日志打上提交标记并清空
func (db *Database) Sync() error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if err := db.check(); err != nil {
		return err
	}
	return db.sync()
}

func (db *Database) sync() error {
	extra := encodeCatalog(db.tables.Tables(), db.indexes.Descriptors())
	if err := db.space.StoreCatalog(extra); err != nil {
		return err
	}
	if err := db.space.Sync(); err != nil {
		return err
	}
	if db.redo == nil {
		return nil
	}
	if err := db.redo.Commit(); err != nil {
		return err
	}
	return db.redo.Truncate()
}

// Close Sync之后关闭文件，句柄不可再用
func (db *Database) Close() error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return nil
	}
	err := db.sync()
	db.closed = true
	if cerr := db.space.Close(); err == nil {
		err = cerr
	}
	if db.redo != nil {
		if cerr := db.redo.Close(); err == nil {
			err = cerr
		}
	}
	logger.Infof("database %s closed", db.cfg.DataFilePath())
	return err
}
