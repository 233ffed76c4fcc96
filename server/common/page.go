package common

// PageType 每个块首2字节的类型标记
type PageType uint16

const (
	// PageTypeAllocated 新分配还未写入的块，内容全为0
	PageTypeAllocated PageType = 0x0000
	// PageTypeHeader 0号块，保存建库参数与目录
	PageTypeHeader PageType = 0x5801
	// PageTypeCatalog 目录延续块
	PageTypeCatalog PageType = 0x5802
	// PageTypeHeap 表数据页
	PageTypeHeap PageType = 0x5810

	PageTypeBTreeMeta     PageType = 0x5820
	PageTypeBTreeLeaf     PageType = 0x5821
	PageTypeBTreeInternal PageType = 0x5822

	PageTypeHashMeta      PageType = 0x5830
	PageTypeHashDirectory PageType = 0x5831
	PageTypeHashBucket    PageType = 0x5832

	PageTypeBitmapMeta   PageType = 0x5840
	PageTypeBitmapValues PageType = 0x5841
	PageTypeBitmapVector PageType = 0x5842
)

func (t PageType) String() string {
	switch t {
	case PageTypeAllocated:
		return "ALLOCATED"
	case PageTypeHeader:
		return "HEADER"
	case PageTypeCatalog:
		return "CATALOG"
	case PageTypeHeap:
		return "HEAP"
	case PageTypeBTreeMeta:
		return "BTREE_META"
	case PageTypeBTreeLeaf:
		return "BTREE_LEAF"
	case PageTypeBTreeInternal:
		return "BTREE_INTERNAL"
	case PageTypeHashMeta:
		return "HASH_META"
	case PageTypeHashDirectory:
		return "HASH_DIRECTORY"
	case PageTypeHashBucket:
		return "HASH_BUCKET"
	case PageTypeBitmapMeta:
		return "BITMAP_META"
	case PageTypeBitmapValues:
		return "BITMAP_VALUES"
	case PageTypeBitmapVector:
		return "BITMAP_VECTOR"
	}
	return "UNKNOWN"
}

const (
	// MinBlockSize 最小块大小
	MinBlockSize = 512
	// DefaultBlockSize 默认块大小
	DefaultBlockSize = 4096
	// NullBlock 块地址0被头块占用，链表中用作空指针
	NullBlock uint32 = 0
)
