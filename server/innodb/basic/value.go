package basic

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/zhukovaskychina/xmysql-storage/util"
)

// ValueType 值类型标记，同时作为磁盘编码的首字节
type ValueType uint8

const (
	TypeInt     ValueType = 1
	TypeFloat   ValueType = 2
	TypeChar    ValueType = 3 // 定长文本，尾部空格不参与比较
	TypeVarchar ValueType = 4
)

func (t ValueType) String() string {
	switch t {
	case TypeInt:
		return "int"
	case TypeFloat:
		return "float"
	case TypeChar:
		return "char"
	case TypeVarchar:
		return "varchar"
	}
	return fmt.Sprintf("type(%d)", uint8(t))
}

func (t ValueType) IsText() bool {
	return t == TypeChar || t == TypeVarchar
}

func ParseValueType(s string) (ValueType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "int", "integer":
		return TypeInt, nil
	case "float", "double":
		return TypeFloat, nil
	case "char":
		return TypeChar, nil
	case "varchar", "text":
		return TypeVarchar, nil
	}
	return 0, errors.Wrapf(ErrUnsupportedType, "%q", s)
}

// Value 带类型的字段值
type Value struct {
	typ ValueType
	i   int64
	f   float64
	s   string
}

func NewIntValue(i int64) Value {
	return Value{typ: TypeInt, i: i}
}

func NewFloatValue(f float64) Value {
	return Value{typ: TypeFloat, f: f}
}

func NewCharValue(s string) Value {
	return Value{typ: TypeChar, s: strings.TrimRight(s, " ")}
}

func NewVarcharValue(s string) Value {
	return Value{typ: TypeVarchar, s: s}
}

// ParseValue 按类型解析文本
func ParseValue(t ValueType, raw string) (Value, error) {
	switch t {
	case TypeInt:
		i, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
		if err != nil {
			return Value{}, errors.Wrapf(ErrTypeMismatch, "%q is not an int", raw)
		}
		return NewIntValue(i), nil
	case TypeFloat:
		f, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
		if err != nil || math.IsNaN(f) {
			return Value{}, errors.Wrapf(ErrTypeMismatch, "%q is not a float", raw)
		}
		return NewFloatValue(f), nil
	case TypeChar:
		return NewCharValue(raw), nil
	case TypeVarchar:
		return NewVarcharValue(raw), nil
	}
	return Value{}, errors.Wrapf(ErrUnsupportedType, "%v", t)
}

func (v Value) Type() ValueType {
	return v.typ
}

func (v Value) Int() int64 {
	return v.i
}

func (v Value) Float() float64 {
	if v.typ == TypeInt {
		return float64(v.i)
	}
	return v.f
}

func (v Value) Text() string {
	return v.s
}

func (v Value) String() string {
	switch v.typ {
	case TypeInt:
		return strconv.FormatInt(v.i, 10)
	case TypeFloat:
		return strconv.FormatFloat(v.f, 'g', -1, 64)
	case TypeChar, TypeVarchar:
		return strconv.Quote(v.s)
	}
	return "<nil>"
}

// Compare 数值类型之间按数值比较，文本之间按字节比较，数值总小于文本。
// NaN排在所有数值之前且与自身相等，保证全序
func (v Value) Compare(o Value) int {
	switch {
	case !v.typ.IsText() && !o.typ.IsText():
		if v.typ == TypeInt && o.typ == TypeInt {
			switch {
			case v.i < o.i:
				return -1
			case v.i > o.i:
				return 1
			}
			return 0
		}
		a, b := v.Float(), o.Float()
		an, bn := math.IsNaN(a), math.IsNaN(b)
		switch {
		case an || bn:
			if an && bn {
				return 0
			}
			if an {
				return -1
			}
			return 1
		case a < b:
			return -1
		case a > b:
			return 1
		}
		return 0
	case v.typ.IsText() && o.typ.IsText():
		return strings.Compare(v.s, o.s)
	case v.typ.IsText():
		return 1
	}
	return -1
}

// EncodedSize 编码后字节数
func (v Value) EncodedSize() int {
	if v.typ.IsText() {
		return 1 + 2 + len(v.s)
	}
	return 1 + 8
}

// Encode 编码格式: 类型(1) + int64/float64位(8) 或 长度(2)+内容
func (v Value) Encode(buf []byte) []byte {
	buf = util.WriteByte(buf, byte(v.typ))
	switch v.typ {
	case TypeInt:
		buf = util.WriteUB8(buf, uint64(v.i))
	case TypeFloat:
		buf = util.WriteUB8(buf, math.Float64bits(v.f))
	default:
		buf = util.WriteString(buf, v.s)
	}
	return buf
}

func DecodeValue(r *util.BufferReader) (Value, error) {
	t := ValueType(r.ReadUB1())
	var v Value
	switch t {
	case TypeInt:
		v = NewIntValue(int64(r.ReadUB8()))
	case TypeFloat:
		v = NewFloatValue(math.Float64frombits(r.ReadUB8()))
	case TypeChar, TypeVarchar:
		v = Value{typ: t, s: r.ReadString()}
	default:
		if r.Err() != nil {
			return Value{}, r.Err()
		}
		return Value{}, errors.Wrapf(ErrUnsupportedType, "tag %d", uint8(t))
	}
	return v, r.Err()
}

// Key 复合键，按字段依次比较
type Key []Value

func (k Key) Compare(o Key) int {
	n := len(k)
	if len(o) < n {
		n = len(o)
	}
	for i := 0; i < n; i++ {
		if c := k[i].Compare(o[i]); c != 0 {
			return c
		}
	}
	switch {
	case len(k) < len(o):
		return -1
	case len(k) > len(o):
		return 1
	}
	return 0
}

func (k Key) EncodedSize() int {
	n := 1
	for _, v := range k {
		n += v.EncodedSize()
	}
	return n
}

func (k Key) Encode(buf []byte) []byte {
	buf = util.WriteByte(buf, byte(len(k)))
	for _, v := range k {
		buf = v.Encode(buf)
	}
	return buf
}

// Bytes 键的规范编码，可作为map键或哈希输入
func (k Key) Bytes() []byte {
	return k.Encode(make([]byte, 0, k.EncodedSize()))
}

func DecodeKey(r *util.BufferReader) (Key, error) {
	n := int(r.ReadUB1())
	if r.Err() != nil {
		return nil, r.Err()
	}
	k := make(Key, 0, n)
	for i := 0; i < n; i++ {
		v, err := DecodeValue(r)
		if err != nil {
			return nil, err
		}
		k = append(k, v)
	}
	return k, nil
}

func (k Key) Equal(o Key) bool {
	return k.Compare(o) == 0
}

func (k Key) String() string {
	parts := make([]string, len(k))
	for i, v := range k {
		parts[i] = v.String()
	}
	return "(" + strings.Join(parts, ", ") + ")"
}

// IntKey 单个整数字段的键
func IntKey(i int64) Key {
	return Key{NewIntValue(i)}
}

// TextKey 单个变长文本字段的键
func TextKey(s string) Key {
	return Key{NewVarcharValue(s)}
}
