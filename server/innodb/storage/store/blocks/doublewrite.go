package blocks

import (
	"io"
	"os"

	"github.com/pkg/errors"

	"github.com/zhukovaskychina/xmysql-storage/logger"
	"github.com/zhukovaskychina/xmysql-storage/util"
)

const (
	doublewriteMagic      uint32 = 0x444C5742
	doublewriteHeaderSize        = 4 + 4 + 4 + 8
)

var errTornDoublewrite = errors.New("incomplete doublewrite batch")

// doublewrite 双写区
// 头部: magic(4) blockSize(4) count(4) checksum(8)，随后count个 addr(4)+镜像
type doublewrite struct {
	file      *os.File
	blockSize int
}

func openDoublewrite(path string, blockSize int) (*doublewrite, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, errors.Wrapf(err, "open doublewrite %s", path)
	}
	return &doublewrite{file: f, blockSize: blockSize}, nil
}

// stage 写入双写区并刷盘，返回后原位写入才可开始
func (d *doublewrite) stage(batch []BlockImage) error {
	body := make([]byte, 0, len(batch)*(4+d.blockSize))
	for _, img := range batch {
		body = util.WriteUB4(body, img.Addr)
		body = util.WriteBytes(body, img.Data)
	}
	buf := make([]byte, 0, doublewriteHeaderSize+len(body))
	buf = util.WriteUB4(buf, doublewriteMagic)
	buf = util.WriteUB4(buf, uint32(d.blockSize))
	buf = util.WriteUB4(buf, uint32(len(batch)))
	buf = util.WriteUB8(buf, util.Checksum(body))
	buf = util.WriteBytes(buf, body)

	if err := d.file.Truncate(0); err != nil {
		return err
	}
	if _, err := d.file.WriteAt(buf, 0); err != nil {
		return err
	}
	return d.file.Sync()
}

func (d *doublewrite) reset() error {
	if err := d.file.Truncate(0); err != nil {
		return errors.Wrap(err, "reset doublewrite")
	}
	return nil
}

// load 读取完整的批次，不完整或校验失败返回errTornDoublewrite
func (d *doublewrite) load() ([]BlockImage, error) {
	if _, err := d.file.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	data, err := io.ReadAll(d.file)
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, nil
	}
	r := util.NewBufferReader(data)
	magic, blockSize, count, sum := r.ReadUB4(), int(r.ReadUB4()), int(r.ReadUB4()), r.ReadUB8()
	if r.Err() != nil || magic != doublewriteMagic || blockSize != d.blockSize {
		return nil, errTornDoublewrite
	}
	body := data[doublewriteHeaderSize:]
	if len(body) != count*(4+blockSize) || util.Checksum(body) != sum {
		return nil, errTornDoublewrite
	}
	batch := make([]BlockImage, 0, count)
	for i := 0; i < count; i++ {
		addr := r.ReadUB4()
		img := make([]byte, blockSize)
		copy(img, r.ReadBytes(blockSize))
		batch = append(batch, BlockImage{Addr: addr, Data: img})
	}
	return batch, r.Err()
}

// recover 重放完整批次；残缺批次说明原位写入尚未开始，直接丢弃
func (d *doublewrite) recover(apply func([]BlockImage) error) error {
	batch, err := d.load()
	switch {
	case err == errTornDoublewrite:
		logger.Warnf("discarding torn doublewrite batch in %s", d.file.Name())
		return d.reset()
	case err != nil:
		return errors.Wrap(err, "read doublewrite")
	case len(batch) == 0:
		return nil
	}
	logger.Infof("restoring %d blocks from doublewrite area", len(batch))
	if err := apply(batch); err != nil {
		return err
	}
	return d.reset()
}

func (d *doublewrite) close() error {
	return d.file.Close()
}
