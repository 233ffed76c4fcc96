package blocks

import (
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"syscall"

	"github.com/pkg/errors"

	"github.com/zhukovaskychina/xmysql-storage/logger"
	"github.com/zhukovaskychina/xmysql-storage/server/innodb/basic"
)

// BlockImage one block worth of data destined for addr
type BlockImage struct {
	Addr uint32
	Data []byte
}

// Options for opening a block file
type Options struct {
	BlockSize int
	// MaxBlocks caps the file length, 0 means unlimited
	MaxBlocks int
	// Doublewrite stages every batch in <path>.dblwr before the in-place write
	Doublewrite bool
}

// BlockFile represents a file that can be read and written in fixed-size blocks
type BlockFile struct {
	mu        sync.RWMutex
	file      *os.File
	filePath  string
	blockSize int
	maxBlocks int
	dblwr     *doublewrite
}

// OpenBlockFile opens or creates the block file and applies a pending doublewrite batch
func OpenBlockFile(filePath string, opts Options) (*BlockFile, error) {
	if opts.BlockSize <= 0 {
		return nil, errors.Errorf("invalid block size %d", opts.BlockSize)
	}
	if err := os.MkdirAll(filepath.Dir(filePath), 0755); err != nil {
		return nil, errors.Wrapf(err, "create data dir for %s", filePath)
	}
	file, err := os.OpenFile(filePath, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, errors.Wrapf(err, "open %s", filePath)
	}
	bf := &BlockFile{
		file:      file,
		filePath:  filePath,
		blockSize: opts.BlockSize,
		maxBlocks: opts.MaxBlocks,
	}
	if opts.Doublewrite {
		bf.dblwr, err = openDoublewrite(filePath+".dblwr", opts.BlockSize)
		if err != nil {
			file.Close()
			return nil, err
		}
		if err := bf.dblwr.recover(bf.writeInPlace); err != nil {
			bf.Close()
			return nil, err
		}
	}
	return bf, nil
}

// ReadPrefix reads the first n bytes of a file without knowing its block size.
// A missing or empty file returns (nil, nil).
func ReadPrefix(filePath string, n int) ([]byte, error) {
	f, err := os.Open(filePath)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()
	buf := make([]byte, n)
	read, err := io.ReadFull(f, buf)
	if err == io.EOF {
		return nil, nil
	}
	if err != nil && err != io.ErrUnexpectedEOF {
		return nil, err
	}
	return buf[:read], nil
}

func (bf *BlockFile) BlockSize() int {
	return bf.blockSize
}

func (bf *BlockFile) Path() string {
	return bf.filePath
}

// NumBlocks number of blocks currently backed by the file
func (bf *BlockFile) NumBlocks() (uint32, error) {
	bf.mu.RLock()
	defer bf.mu.RUnlock()
	stat, err := bf.file.Stat()
	if err != nil {
		return 0, err
	}
	return uint32((stat.Size() + int64(bf.blockSize) - 1) / int64(bf.blockSize)), nil
}

// CanGrow reports whether addr is within the configured file limit
func (bf *BlockFile) CanGrow(addr uint32) bool {
	return bf.maxBlocks == 0 || int(addr) < bf.maxBlocks
}

// ReadBlock reads block addr into buf. Blocks past the end of the file read as zeros.
func (bf *BlockFile) ReadBlock(addr uint32, buf []byte) error {
	bf.mu.RLock()
	defer bf.mu.RUnlock()
	n, err := bf.file.ReadAt(buf[:bf.blockSize], int64(addr)*int64(bf.blockSize))
	if err != nil && err != io.EOF {
		return &basic.StorageError{Op: "read", Addr: addr, Err: err}
	}
	for i := n; i < bf.blockSize; i++ {
		buf[i] = 0
	}
	return nil
}

// WriteBlocks writes a batch of blocks. With doublewrite enabled a crash leaves every
// block either fully old or fully new.
func (bf *BlockFile) WriteBlocks(batch []BlockImage) error {
	if len(batch) == 0 {
		return nil
	}
	sort.Slice(batch, func(i, j int) bool { return batch[i].Addr < batch[j].Addr })
	for _, img := range batch {
		if len(img.Data) != bf.blockSize {
			return &basic.StorageError{Op: "write", Addr: img.Addr, Err: errors.Errorf("image is %d bytes", len(img.Data))}
		}
		if !bf.CanGrow(img.Addr) {
			return &basic.StorageError{Op: "write", Addr: img.Addr, Err: basic.ErrOutOfSpace}
		}
	}
	if bf.dblwr != nil {
		if err := bf.dblwr.stage(batch); err != nil {
			return mapSpaceError("doublewrite", batch[0].Addr, err)
		}
	}
	if err := bf.writeInPlace(batch); err != nil {
		return err
	}
	if bf.dblwr != nil {
		return bf.dblwr.reset()
	}
	return nil
}

func (bf *BlockFile) writeInPlace(batch []BlockImage) error {
	bf.mu.Lock()
	defer bf.mu.Unlock()
	for _, img := range batch {
		if _, err := bf.file.WriteAt(img.Data, int64(img.Addr)*int64(bf.blockSize)); err != nil {
			return mapSpaceError("write", img.Addr, err)
		}
	}
	if err := bf.file.Sync(); err != nil {
		return mapSpaceError("sync", batch[0].Addr, err)
	}
	return nil
}

// Sync syncs the file to disk
func (bf *BlockFile) Sync() error {
	bf.mu.Lock()
	defer bf.mu.Unlock()
	return bf.file.Sync()
}

// Close closes the block file and its doublewrite area
func (bf *BlockFile) Close() error {
	bf.mu.Lock()
	defer bf.mu.Unlock()
	var firstErr error
	if bf.dblwr != nil {
		firstErr = bf.dblwr.close()
		bf.dblwr = nil
	}
	if bf.file != nil {
		if err := bf.file.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		bf.file = nil
	}
	return firstErr
}

func mapSpaceError(op string, addr uint32, err error) error {
	if errors.Is(err, syscall.ENOSPC) || errors.Is(err, syscall.EFBIG) {
		logger.Errorf("block file full at block %d: %v", addr, err)
		err = errors.Wrap(basic.ErrOutOfSpace, err.Error())
	}
	return &basic.StorageError{Op: op, Addr: addr, Err: err}
}
