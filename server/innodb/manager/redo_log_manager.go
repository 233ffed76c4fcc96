package manager

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/golang/snappy"
	"github.com/pierrec/lz4/v4"
	"github.com/pkg/errors"

	"github.com/zhukovaskychina/xmysql-storage/logger"
	"github.com/zhukovaskychina/xmysql-storage/server/innodb/basic"
	"github.com/zhukovaskychina/xmysql-storage/server/innodb/storage/store/blocks"
	"github.com/zhukovaskychina/xmysql-storage/server/metrics"
	"github.com/zhukovaskychina/xmysql-storage/util"
)

// RedoCodec 镜像压缩方式
type RedoCodec uint8

const (
	RedoCodecNone   RedoCodec = 0
	RedoCodecSnappy RedoCodec = 1
	RedoCodecLZ4    RedoCodec = 2
)

func (c RedoCodec) String() string {
	switch c {
	case RedoCodecSnappy:
		return "snappy"
	case RedoCodecLZ4:
		return "lz4"
	}
	return "none"
}

func ParseRedoCodec(s string) (RedoCodec, error) {
	switch strings.ToLower(s) {
	case "", "none":
		return RedoCodecNone, nil
	case "snappy":
		return RedoCodecSnappy, nil
	case "lz4":
		return RedoCodecLZ4, nil
	}
	return 0, errors.Errorf("unknown redo compression %q", s)
}

// RedoKindCommit 提交标记，之前的记录对应的数据文件状态已经落盘
const RedoKindCommit basic.WriteKind = 0x10

// 缓冲区超过该大小时提前写入文件
const redoBufferLimit = 1 << 20

var ErrRedoChecksum = errors.New("redo record checksum mismatch")

// RedoRecord 一条块变更记录
type RedoRecord struct {
	LSN     uint64
	Kind    basic.WriteKind
	Segment string
	Addr    uint32
	Before  []byte
	After   []byte
}

// RedoLogManager 块变更日志，作为写前钩子挂在块存储上。
// 记录先进缓冲区，缓冲池写回脏块之前由Flush写入文件并fsync。
type RedoLogManager struct {
	mu      sync.Mutex
	path    string
	file    *os.File
	buffer  []byte
	nextLSN uint64
	codec   RedoCodec
	metrics *metrics.Metrics
}

var (
	_ basic.WriteHook = (*RedoLogManager)(nil)
	_ Flusher         = (*RedoLogManager)(nil)
)

// OpenRedoLog 打开或创建日志文件，LSN接着文件中最后一条记录继续
func OpenRedoLog(path string, codec RedoCodec, m *metrics.Metrics) (*RedoLogManager, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, err
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, err
	}
	if m == nil {
		m = metrics.New()
	}
	r := &RedoLogManager{path: path, file: file, codec: codec, metrics: m, nextLSN: 1}
	records, end, err := r.read()
	if err != nil {
		file.Close()
		return nil, err
	}
	if n := len(records); n > 0 {
		r.nextLSN = records[n-1].LSN + 1
	}
	// 丢弃损坏的尾部，后续记录接在最后一条完整记录之后
	if err := file.Truncate(end); err != nil {
		file.Close()
		return nil, err
	}
	if _, err := file.Seek(end, io.SeekStart); err != nil {
		file.Close()
		return nil, err
	}
	return r, nil
}

func (r *RedoLogManager) Path() string {
	return r.path
}

// BeforeWrite 记录一次块变更
func (r *RedoLogManager) BeforeWrite(rec *basic.WriteRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.append(&RedoRecord{Kind: rec.Kind, Segment: rec.Segment, Addr: rec.Addr, Before: rec.Before, After: rec.After})
}

func (r *RedoLogManager) append(rec *RedoRecord) error {
	rec.LSN = r.nextLSN
	body, err := encodeRedoBody(rec, r.codec)
	if err != nil {
		return err
	}
	r.nextLSN++
	start := len(r.buffer)
	r.buffer = util.WriteUB4(r.buffer, uint32(len(body)))
	r.buffer = util.WriteUB8(r.buffer, util.Checksum(body))
	r.buffer = append(r.buffer, body...)
	r.metrics.RedoRecords.Inc()
	r.metrics.RedoBytes.Add(float64(len(r.buffer) - start))
	if len(r.buffer) >= redoBufferLimit {
		return r.writeBuffer(false)
	}
	return nil
}

func (r *RedoLogManager) writeBuffer(sync bool) error {
	if len(r.buffer) > 0 {
		if _, err := r.file.Write(r.buffer); err != nil {
			return errors.Wrap(err, "write redo log")
		}
		r.buffer = r.buffer[:0]
	}
	if sync {
		return r.file.Sync()
	}
	return nil
}

// Flush 缓冲区写入文件并fsync
func (r *RedoLogManager) Flush() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.writeBuffer(true)
}

// Commit 追加提交标记并刷盘
func (r *RedoLogManager) Commit() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.append(&RedoRecord{Kind: RedoKindCommit}); err != nil {
		return err
	}
	return r.writeBuffer(true)
}

// Truncate 检查点之后清空日志
func (r *RedoLogManager) Truncate() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.buffer = r.buffer[:0]
	if err := r.file.Truncate(0); err != nil {
		return err
	}
	if _, err := r.file.Seek(0, io.SeekStart); err != nil {
		return err
	}
	return r.file.Sync()
}

// Records 已写入文件的全部完整记录
func (r *RedoLogManager) Records() ([]*RedoRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	records, _, err := r.read()
	return records, err
}

// read 从头读取，遇到不完整或校验失败的记录即停止，返回有效部分的结尾位置
func (r *RedoLogManager) read() ([]*RedoRecord, int64, error) {
	data, err := os.ReadFile(r.path)
	if err != nil {
		return nil, 0, err
	}
	var records []*RedoRecord
	c := 0
	for c+12 <= len(data) {
		_, n := util.ReadUB4(data, c)
		_, sum := util.ReadUB8(data, c+4)
		end := c + 12 + int(n)
		if end > len(data) {
			logger.Warnf("redo %s: torn record at offset %d discarded", r.path, c)
			break
		}
		body := data[c+12 : end]
		if util.Checksum(body) != sum {
			logger.Warnf("redo %s: %v at offset %d, tail discarded", r.path, ErrRedoChecksum, c)
			break
		}
		rec, err := decodeRedoBody(body)
		if err != nil {
			return nil, 0, errors.Wrapf(err, "redo record at offset %d", c)
		}
		records = append(records, rec)
		c = end
	}
	return records, int64(c), nil
}

// ReplayTarget 回放写入的目标，BlockFile实现了它
type ReplayTarget interface {
	WriteBlocks(batch []blocks.BlockImage) error
	Sync() error
}

// ReplayStats 回放结果
type ReplayStats struct {
	Records    int
	Redone     int
	RolledBack int
}

// Replay 最后一个提交标记之前的记录按顺序重做后镜像；
// 之后未提交的记录按逆序用前镜像撤销，使数据文件回到最近一次Sync的状态。
// 回放完成后清空日志。
func (r *RedoLogManager) Replay(target ReplayTarget) (ReplayStats, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	records, _, err := r.read()
	if err != nil {
		return ReplayStats{}, err
	}
	stats := ReplayStats{Records: len(records)}
	if len(records) == 0 {
		return stats, nil
	}
	committed := 0
	for i, rec := range records {
		if rec.Kind == RedoKindCommit {
			committed = i + 1
		}
	}

	images := make(map[uint32][]byte)
	for _, rec := range records[:committed] {
		if rec.After != nil {
			images[rec.Addr] = rec.After
			stats.Redone++
		}
	}
	tail := records[committed:]
	for i := len(tail) - 1; i >= 0; i-- {
		rec := tail[i]
		if rec.Kind == RedoKindCommit || rec.Before == nil {
			continue
		}
		images[rec.Addr] = rec.Before
		stats.RolledBack++
	}

	batch := make([]blocks.BlockImage, 0, len(images))
	for addr, data := range images {
		batch = append(batch, blocks.BlockImage{Addr: addr, Data: data})
	}
	sort.Slice(batch, func(i, j int) bool { return batch[i].Addr < batch[j].Addr })
	if len(batch) > 0 {
		if err := target.WriteBlocks(batch); err != nil {
			return stats, err
		}
		if err := target.Sync(); err != nil {
			return stats, err
		}
	}
	logger.Infof("redo %s replayed: %d records, %d redone, %d rolled back",
		r.path, stats.Records, stats.Redone, stats.RolledBack)

	r.buffer = r.buffer[:0]
	if err := r.file.Truncate(0); err != nil {
		return stats, err
	}
	if _, err := r.file.Seek(0, io.SeekStart); err != nil {
		return stats, err
	}
	return stats, r.file.Sync()
}

// Close 刷盘并关闭
func (r *RedoLogManager) Close() error {
	if err := r.Flush(); err != nil {
		r.file.Close()
		return err
	}
	return r.file.Close()
}

// 记录体: lsn(8) kind(1) codec(1) addr(4) segment + before + after
// 镜像: present(1) rawLen(4) dataLen(4) data
func encodeRedoBody(rec *RedoRecord, codec RedoCodec) ([]byte, error) {
	buf := util.WriteUB8(nil, rec.LSN)
	buf = util.WriteByte(buf, byte(rec.Kind))
	buf = util.WriteByte(buf, byte(codec))
	buf = util.WriteUB4(buf, rec.Addr)
	buf = util.WriteString(buf, rec.Segment)
	for _, img := range [][]byte{rec.Before, rec.After} {
		if img == nil {
			buf = util.WriteByte(buf, 0)
			continue
		}
		packed, err := compressImage(codec, img)
		if err != nil {
			return nil, err
		}
		buf = util.WriteByte(buf, 1)
		buf = util.WriteUB4(buf, uint32(len(img)))
		buf = util.WriteUB4(buf, uint32(len(packed)))
		buf = append(buf, packed...)
	}
	return buf, nil
}

func decodeRedoBody(body []byte) (*RedoRecord, error) {
	r := util.NewBufferReader(body)
	rec := &RedoRecord{LSN: r.ReadUB8(), Kind: basic.WriteKind(r.ReadUB1())}
	codec := RedoCodec(r.ReadUB1())
	rec.Addr = r.ReadUB4()
	rec.Segment = r.ReadString()
	for i := 0; i < 2 && r.Err() == nil; i++ {
		if r.ReadUB1() == 0 {
			continue
		}
		raw := int(r.ReadUB4())
		packed := r.ReadBytes(int(r.ReadUB4()))
		if r.Err() != nil {
			break
		}
		img, err := decompressImage(codec, packed, raw)
		if err != nil {
			return nil, err
		}
		if i == 0 {
			rec.Before = img
		} else {
			rec.After = img
		}
	}
	return rec, r.Err()
}

func compressImage(codec RedoCodec, img []byte) ([]byte, error) {
	switch codec {
	case RedoCodecNone:
		return append([]byte(nil), img...), nil
	case RedoCodecSnappy:
		return snappy.Encode(nil, img), nil
	case RedoCodecLZ4:
		var out bytes.Buffer
		w := lz4.NewWriter(&out)
		if _, err := w.Write(img); err != nil {
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
		return out.Bytes(), nil
	}
	return nil, errors.Errorf("unknown redo codec %d", codec)
}

func decompressImage(codec RedoCodec, packed []byte, raw int) ([]byte, error) {
	switch codec {
	case RedoCodecNone:
		return append([]byte(nil), packed...), nil
	case RedoCodecSnappy:
		return snappy.Decode(nil, packed)
	case RedoCodecLZ4:
		out := make([]byte, raw)
		if _, err := io.ReadFull(lz4.NewReader(bytes.NewReader(packed)), out); err != nil {
			return nil, errors.Wrap(err, "lz4 redo image")
		}
		return out, nil
	}
	return nil, errors.Errorf("unknown redo codec %d", codec)
}
