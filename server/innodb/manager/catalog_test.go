package manager

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhukovaskychina/xmysql-storage/server/innodb/basic"
)

func TestCatalogRoundTrip(t *testing.T) {
	tables := []*Table{
		{Name: "People", Segment: "tbl_people", Schema: peopleSchema},
		{Name: "t2", Segment: "tbl_t2", Schema: basic.Schema{{Name: "x", Type: basic.TypeFloat}}},
	}
	indexes := []*IndexDescriptor{
		{Name: "by_dept", Table: "People", Attributes: []string{"dept", "id"},
			KeyTypes: []basic.ValueType{basic.TypeChar, basic.TypeInt}, Kind: basic.IndexKindBitmap, Anchor: 17, Segment: "idx_by_dept"},
		{Name: "u", Table: "t2", Attributes: []string{"x"},
			KeyTypes: []basic.ValueType{basic.TypeFloat}, Kind: basic.IndexKindHash, Anchor: 4, Unique: true, Segment: "idx_u"},
	}

	gotTables, gotIndexes, err := decodeCatalog(encodeCatalog(tables, indexes))
	require.NoError(t, err)
	require.Len(t, gotTables, 2)
	assert.Equal(t, "People", gotTables[0].Name)
	assert.Equal(t, "tbl_people", gotTables[0].Segment)
	assert.Equal(t, peopleSchema, gotTables[0].Schema)
	assert.Equal(t, indexes, gotIndexes)
}

func TestCatalogEmptyAndCorrupt(t *testing.T) {
	tables, indexes, err := decodeCatalog(nil)
	require.NoError(t, err)
	assert.Nil(t, tables)
	assert.Nil(t, indexes)

	data := encodeCatalog([]*Table{{Name: "a", Segment: "tbl_a", Schema: peopleSchema}}, nil)
	_, _, err = decodeCatalog(data[:len(data)-3])
	assert.True(t, errors.Is(err, ErrCorruptCatalog))

	data[0] = 99
	_, _, err = decodeCatalog(data)
	assert.True(t, errors.Is(err, ErrCorruptCatalog))
}
