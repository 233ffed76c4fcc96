package segs

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhukovaskychina/xmysql-storage/util"
)

func TestSegmentBlocks(t *testing.T) {
	seg := NewSegment("t_users", SEG_TYPE_TABLE)
	for _, b := range []uint32{3, 7, 4} {
		seg.Append(b)
	}
	assert.Equal(t, 3, seg.Len())
	assert.Equal(t, 2, seg.Ordinal(4))
	assert.Equal(t, -1, seg.Ordinal(9))

	// 移除中间的块后保持分配顺序
	require.NoError(t, seg.Remove(7))
	assert.Equal(t, []uint32{3, 4}, seg.Blocks)
	assert.ErrorIs(t, seg.Remove(7), ErrBlockNotInSegment)
}

func TestSegmentSerialize(t *testing.T) {
	seg := NewSegment("idx_name", SEG_TYPE_INDEX)
	seg.Append(10)
	seg.Append(11)

	buf := seg.Serialize(nil)
	assert.Len(t, buf, seg.SerializedSize())

	got, err := Deserialize(util.NewBufferReader(buf))
	require.NoError(t, err)
	assert.Equal(t, seg, got)
	assert.Equal(t, "index", TypeName(got.Type))

	t.Run("块数越界", func(t *testing.T) {
		_, err := Deserialize(util.NewBufferReader(buf[:len(buf)-1]))
		assert.ErrorIs(t, err, util.ErrShortBuffer)
	})
}
