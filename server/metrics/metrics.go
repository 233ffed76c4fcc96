package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "xmysql_storage"

// Metrics 存储层计数器，每个打开的数据库一份
type Metrics struct {
	Registry *prometheus.Registry

	BlockReads  prometheus.Counter
	BlockWrites prometheus.Counter
	BlockAllocs prometheus.Counter
	BlockFrees  prometheus.Counter
	FreeBlocks  prometheus.Gauge

	IndexOps     *prometheus.CounterVec
	BTreeSplits  prometheus.Counter
	BTreeMerges  prometheus.Counter
	HashRehashes prometheus.Counter
	RedoRecords  prometheus.Counter
	RedoBytes    prometheus.Counter

	poolFuncs []prometheus.Collector
}

// New 在独立的Registry上注册，同一进程可打开多个数据库
func New() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	return &Metrics{
		Registry: reg,
		BlockReads: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "block", Name: "reads_total",
			Help: "Blocks read through the block store.",
		}),
		BlockWrites: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "block", Name: "writes_total",
			Help: "Blocks written through the block store.",
		}),
		BlockAllocs: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "block", Name: "allocations_total",
			Help: "Blocks handed out by allocate.",
		}),
		BlockFrees: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "block", Name: "frees_total",
			Help: "Blocks returned to the free set.",
		}),
		FreeBlocks: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "block", Name: "free",
			Help: "Blocks currently in the free set.",
		}),
		IndexOps: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "index", Name: "operations_total",
			Help: "Index operations by structure kind and operation.",
		}, []string{"kind", "op"}),
		BTreeSplits: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "btree", Name: "splits_total",
			Help: "B-tree node splits.",
		}),
		BTreeMerges: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "btree", Name: "merges_total",
			Help: "B-tree node merges.",
		}),
		HashRehashes: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "hash", Name: "rehashes_total",
			Help: "Hash directory doublings.",
		}),
		RedoRecords: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "redo", Name: "records_total",
			Help: "Redo records appended.",
		}),
		RedoBytes: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "redo", Name: "bytes_total",
			Help: "Redo bytes appended after compression.",
		}),
	}
}

// RegisterBufferPool 以函数形式导出缓冲池统计，重复注册时替换上一次的函数
func (m *Metrics) RegisterBufferPool(hits, misses func() float64) {
	for _, c := range m.poolFuncs {
		m.Registry.Unregister(c)
	}
	m.poolFuncs = []prometheus.Collector{
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "buffer_pool", Name: "hits_total",
			Help: "Buffer pool lookups served from memory.",
		}, hits),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "buffer_pool", Name: "misses_total",
			Help: "Buffer pool lookups that read the block file.",
		}, misses),
	}
	m.Registry.MustRegister(m.poolFuncs...)
}

// IndexOp 记录一次索引操作
func (m *Metrics) IndexOp(kind, op string) {
	m.IndexOps.WithLabelValues(kind, op).Inc()
}
