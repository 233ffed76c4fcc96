package basic

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhukovaskychina/xmysql-storage/util"
)

func TestValueCompare(t *testing.T) {
	cases := []struct {
		name string
		a, b Value
		want int
	}{
		{"整数", NewIntValue(1), NewIntValue(2), -1},
		{"整数与浮点", NewIntValue(2), NewFloatValue(1.5), 1},
		{"相等", NewFloatValue(3), NewIntValue(3), 0},
		{"文本", NewVarcharValue("abc"), NewVarcharValue("abd"), -1},
		{"定长文本忽略尾部空格", NewCharValue("ab  "), NewVarcharValue("ab"), 0},
		{"数值小于文本", NewIntValue(100), NewVarcharValue("1"), -1},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, tc.a.Compare(tc.b))
			assert.Equal(t, -tc.want, tc.b.Compare(tc.a))
		})
	}
}

func TestKeyEncoding(t *testing.T) {
	k := Key{NewIntValue(-42), NewFloatValue(2.5), NewCharValue("X"), NewVarcharValue("hello")}
	buf := k.Encode(nil)
	assert.Len(t, buf, k.EncodedSize())

	r := util.NewBufferReader(append(buf, 0xFF))
	got, err := DecodeKey(r)
	require.NoError(t, err)
	assert.Equal(t, 0, k.Compare(got))
	assert.Equal(t, 1, r.Remaining())

	t.Run("截断的编码", func(t *testing.T) {
		_, err := DecodeKey(util.NewBufferReader(buf[:len(buf)-2]))
		assert.ErrorIs(t, err, util.ErrShortBuffer)
	})
	t.Run("未知类型", func(t *testing.T) {
		_, err := DecodeKey(util.NewBufferReader([]byte{1, 9}))
		assert.ErrorIs(t, err, ErrUnsupportedType)
	})
}

func TestKeyCompare(t *testing.T) {
	assert.Equal(t, -1, Key{NewIntValue(1)}.Compare(Key{NewIntValue(1), NewIntValue(0)}))
	assert.Equal(t, 1, Key{NewIntValue(2)}.Compare(Key{NewIntValue(1), NewIntValue(9)}))
	assert.True(t, IntKey(5).Equal(Key{NewFloatValue(5)}))
}

func TestSchemaCheck(t *testing.T) {
	s := Schema{
		{Name: "id", Type: TypeInt},
		{Name: "score", Type: TypeFloat},
		{Name: "code", Type: TypeChar, Width: 2},
	}

	row, err := s.Check([]Value{NewIntValue(1), NewIntValue(7), NewVarcharValue("AB")})
	require.NoError(t, err)
	assert.Equal(t, TypeFloat, row[1].Type())
	assert.Equal(t, TypeChar, row[2].Type())

	_, err = s.Check([]Value{NewIntValue(1)})
	assert.ErrorIs(t, err, ErrTypeMismatch)
	_, err = s.Check([]Value{NewVarcharValue("x"), NewIntValue(1), NewCharValue("A")})
	assert.ErrorIs(t, err, ErrTypeMismatch)
	_, err = s.Check([]Value{NewIntValue(1), NewIntValue(1), NewCharValue("ABC")})
	assert.ErrorIs(t, err, ErrValueTooLarge)

	cols, err := s.Project([]string{"CODE", "id"})
	require.NoError(t, err)
	assert.Equal(t, []int{2, 0}, cols)
	_, err = s.Project([]string{"name"})
	assert.ErrorIs(t, err, ErrUnknownAttribute)
	_, err = s.Project([]string{"id", "id"})
	assert.ErrorIs(t, err, ErrUnknownAttribute)

	decoded, err := DecodeSchema(util.NewBufferReader(s.Encode(nil)))
	require.NoError(t, err)
	assert.Equal(t, s, decoded)
}

func TestFloatNaN(t *testing.T) {
	for _, raw := range []string{"NaN", "nan", " -NaN "} {
		_, err := ParseValue(TypeFloat, raw)
		assert.ErrorIs(t, err, ErrTypeMismatch, raw)
	}
	inf, err := ParseValue(TypeFloat, "+Inf")
	require.NoError(t, err)
	assert.True(t, math.IsInf(inf.Float(), 1))

	s := Schema{{Name: "score", Type: TypeFloat}}
	_, err = s.Check([]Value{NewFloatValue(math.NaN())})
	assert.ErrorIs(t, err, ErrTypeMismatch)

	nan := NewFloatValue(math.NaN())
	assert.Equal(t, 0, nan.Compare(NewFloatValue(math.NaN())))
	assert.Equal(t, -1, nan.Compare(NewIntValue(math.MinInt64)))
	assert.Equal(t, -1, nan.Compare(NewFloatValue(math.Inf(-1))))
	assert.Equal(t, 1, NewIntValue(0).Compare(nan))
	assert.Equal(t, -1, nan.Compare(NewVarcharValue("")))
	assert.False(t, Key{nan}.Equal(IntKey(7)))
}

func TestStorageErrorUnwrap(t *testing.T) {
	err := Corrupt(12, "leaf count %d", 900)
	assert.ErrorIs(t, err, ErrCorruptIndex)
	assert.Contains(t, err.Error(), "block 12")
}
