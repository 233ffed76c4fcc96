package manager

import (
	"github.com/pkg/errors"

	"github.com/zhukovaskychina/xmysql-storage/server/innodb/basic"
	"github.com/zhukovaskychina/xmysql-storage/util"
)

// catalogVersion 表与索引目录格式版本，紧跟在段目录之后
const catalogVersion = 1

// encodeCatalog 表数(4) + 每表(name, segment, schema)，索引数(4) + 每个索引描述
func encodeCatalog(tables []*Table, indexes []*IndexDescriptor) []byte {
	buf := util.WriteByte(nil, catalogVersion)
	buf = util.WriteUB4(buf, uint32(len(tables)))
	for _, t := range tables {
		buf = util.WriteString(buf, t.Name)
		buf = util.WriteString(buf, t.Segment)
		buf = t.Schema.Encode(buf)
	}
	buf = util.WriteUB4(buf, uint32(len(indexes)))
	for _, d := range indexes {
		buf = util.WriteString(buf, d.Name)
		buf = util.WriteString(buf, d.Table)
		buf = util.WriteString(buf, d.Segment)
		buf = util.WriteByte(buf, byte(d.Kind))
		if d.Unique {
			buf = util.WriteByte(buf, 1)
		} else {
			buf = util.WriteByte(buf, 0)
		}
		buf = util.WriteUB4(buf, d.Anchor)
		buf = util.WriteUB2(buf, uint16(len(d.Attributes)))
		for i, a := range d.Attributes {
			buf = util.WriteString(buf, a)
			buf = util.WriteByte(buf, byte(d.KeyTypes[i]))
		}
	}
	return buf
}

func decodeCatalog(data []byte) ([]*Table, []*IndexDescriptor, error) {
	if len(data) == 0 {
		return nil, nil, nil
	}
	r := util.NewBufferReader(data)
	if v := r.ReadUB1(); v != catalogVersion {
		return nil, nil, errors.Wrapf(ErrCorruptCatalog, "catalog version %d", v)
	}
	n := int(r.ReadUB4())
	var tables []*Table
	for i := 0; i < n && r.Err() == nil; i++ {
		t := &Table{Name: r.ReadString(), Segment: r.ReadString()}
		schema, err := basic.DecodeSchema(r)
		if err != nil {
			return nil, nil, errors.Wrapf(ErrCorruptCatalog, "table %s: %v", t.Name, err)
		}
		t.Schema = schema
		tables = append(tables, t)
	}
	n = int(r.ReadUB4())
	var indexes []*IndexDescriptor
	for i := 0; i < n && r.Err() == nil; i++ {
		d := &IndexDescriptor{Name: r.ReadString(), Table: r.ReadString(), Segment: r.ReadString()}
		d.Kind = basic.IndexKind(r.ReadUB1())
		d.Unique = r.ReadUB1() == 1
		d.Anchor = r.ReadUB4()
		attrs := int(r.ReadUB2())
		for j := 0; j < attrs && r.Err() == nil; j++ {
			d.Attributes = append(d.Attributes, r.ReadString())
			d.KeyTypes = append(d.KeyTypes, basic.ValueType(r.ReadUB1()))
		}
		indexes = append(indexes, d)
	}
	if r.Err() != nil {
		return nil, nil, errors.Wrapf(ErrCorruptCatalog, "%v", r.Err())
	}
	return tables, indexes, nil
}
