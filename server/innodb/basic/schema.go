package basic

import (
	"math"
	"strings"

	"github.com/pkg/errors"

	"github.com/zhukovaskychina/xmysql-storage/util"
)

// Attribute 表字段定义，Width只对文本类型生效，0表示不限制
type Attribute struct {
	Name  string
	Type  ValueType
	Width int
}

type Schema []Attribute

// Index 按名称查找字段，不区分大小写
func (s Schema) Index(name string) int {
	for i, a := range s {
		if strings.EqualFold(a.Name, name) {
			return i
		}
	}
	return -1
}

// Project 返回字段下标，任一字段不存在或重复时返回ErrUnknownAttribute
func (s Schema) Project(names []string) ([]int, error) {
	if len(names) == 0 {
		return nil, errors.Wrap(ErrUnknownAttribute, "empty attribute list")
	}
	seen := make(map[int]bool, len(names))
	cols := make([]int, 0, len(names))
	for _, n := range names {
		i := s.Index(n)
		if i < 0 {
			return nil, errors.Wrapf(ErrUnknownAttribute, "%q", n)
		}
		if seen[i] {
			return nil, errors.Wrapf(ErrUnknownAttribute, "%q listed twice", n)
		}
		seen[i] = true
		cols = append(cols, i)
	}
	return cols, nil
}

// Check 校验行与表结构一致，整数可隐式转换为浮点，浮点列拒绝NaN
func (s Schema) Check(row []Value) ([]Value, error) {
	if len(row) != len(s) {
		return nil, errors.Wrapf(ErrTypeMismatch, "row has %d values, table has %d columns", len(row), len(s))
	}
	out := make([]Value, len(row))
	for i, a := range s {
		v := row[i]
		switch {
		case v.Type() == a.Type:
		case a.Type == TypeFloat && v.Type() == TypeInt:
			v = NewFloatValue(float64(v.Int()))
		case a.Type == TypeChar && v.Type() == TypeVarchar:
			v = NewCharValue(v.Text())
		case a.Type == TypeVarchar && v.Type() == TypeChar:
			v = NewVarcharValue(v.Text())
		default:
			return nil, errors.Wrapf(ErrTypeMismatch, "column %s is %v, got %v", a.Name, a.Type, v.Type())
		}
		if v.Type() == TypeFloat && math.IsNaN(v.Float()) {
			return nil, errors.Wrapf(ErrTypeMismatch, "column %s does not accept NaN", a.Name)
		}
		if a.Width > 0 && a.Type.IsText() && len(v.Text()) > a.Width {
			return nil, errors.Wrapf(ErrValueTooLarge, "column %s allows %d bytes, got %d", a.Name, a.Width, len(v.Text()))
		}
		out[i] = v
	}
	return out, nil
}

func (s Schema) Encode(buf []byte) []byte {
	buf = util.WriteUB2(buf, uint16(len(s)))
	for _, a := range s {
		buf = util.WriteString(buf, a.Name)
		buf = util.WriteByte(buf, byte(a.Type))
		buf = util.WriteUB2(buf, uint16(a.Width))
	}
	return buf
}

func DecodeSchema(r *util.BufferReader) (Schema, error) {
	n := int(r.ReadUB2())
	s := make(Schema, 0, n)
	for i := 0; i < n && r.Err() == nil; i++ {
		s = append(s, Attribute{Name: r.ReadString(), Type: ValueType(r.ReadUB1()), Width: int(r.ReadUB2())})
	}
	return s, r.Err()
}

// Row 按表结构编码的一行
type Row []Value

func (r Row) Encode(buf []byte) []byte {
	return Key(r).Encode(buf)
}

func DecodeRow(data []byte) (Row, error) {
	k, err := DecodeKey(util.NewBufferReader(data))
	return Row(k), err
}

// Project 取出索引字段组成键
func (r Row) Project(cols []int) Key {
	k := make(Key, len(cols))
	for i, c := range cols {
		k[i] = r[c]
	}
	return k
}
