package replication

import (
	"expvar"
	"fmt"
)

// latencyBuckets are the histogram upper bounds in seconds.
var latencyBuckets = []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 15.0}

// Metrics holds the expvar variables of a Node.
type Metrics struct {
	PublishedGlobally bool

	WALBytesWrittenTotal   *expvar.Int
	WALRecordsWrittenTotal *expvar.Int

	AppendTotal            *expvar.Int
	AppendErrorsTotal      *expvar.Int
	SyncTimeoutsTotal      *expvar.Int
	MasterOnlyAppendsTotal *expvar.Int

	RecordsReplicatedTotal *expvar.Int
	BytesReplicatedTotal   *expvar.Int
	RPCFailuresTotal       *expvar.Int
	CorruptReadsTotal      *expvar.Int
	ReadErrorsTotal        *expvar.Int

	CallbacksFiredTotal     *expvar.Int
	CallbacksCancelledTotal *expvar.Int

	FollowerAppliedTotal *expvar.Int
	FollowerErrorsTotal  *expvar.Int

	ReplicateLatencyHist *expvar.Map
	SyncWaitLatencyHist  *expvar.Map
}

// NewMetrics creates the Node's variables. With publishGlobally the variables
// are registered in the process-wide expvar namespace under prefix;
// re-publishing an existing name resets and reuses it.
func NewMetrics(publishGlobally bool, prefix string) *Metrics {
	var newIntFunc func(string) *expvar.Int
	var newMapFunc func(string) *expvar.Map

	if publishGlobally {
		newIntFunc = publishExpvarInt
		newMapFunc = publishExpvarMap
	} else {
		newIntFunc = func(_ string) *expvar.Int { return new(expvar.Int) }
		newMapFunc = func(_ string) *expvar.Map {
			m := new(expvar.Map)
			m.Init()
			return m
		}
	}

	m := &Metrics{
		PublishedGlobally: publishGlobally,

		WALBytesWrittenTotal:   newIntFunc(prefix + "wal_bytes_written_total"),
		WALRecordsWrittenTotal: newIntFunc(prefix + "wal_records_written_total"),

		AppendTotal:            newIntFunc(prefix + "append_total"),
		AppendErrorsTotal:      newIntFunc(prefix + "append_errors_total"),
		SyncTimeoutsTotal:      newIntFunc(prefix + "sync_timeouts_total"),
		MasterOnlyAppendsTotal: newIntFunc(prefix + "master_only_appends_total"),

		RecordsReplicatedTotal: newIntFunc(prefix + "records_replicated_total"),
		BytesReplicatedTotal:   newIntFunc(prefix + "bytes_replicated_total"),
		RPCFailuresTotal:       newIntFunc(prefix + "rpc_failures_total"),
		CorruptReadsTotal:      newIntFunc(prefix + "corrupt_reads_total"),
		ReadErrorsTotal:        newIntFunc(prefix + "read_errors_total"),

		CallbacksFiredTotal:     newIntFunc(prefix + "callbacks_fired_total"),
		CallbacksCancelledTotal: newIntFunc(prefix + "callbacks_cancelled_total"),

		FollowerAppliedTotal: newIntFunc(prefix + "follower_applied_total"),
		FollowerErrorsTotal:  newIntFunc(prefix + "follower_errors_total"),

		ReplicateLatencyHist: newMapFunc(prefix + "replicate_latency_seconds"),
		SyncWaitLatencyHist:  newMapFunc(prefix + "sync_wait_latency_seconds"),
	}

	for _, h := range []*expvar.Map{m.ReplicateLatencyHist, m.SyncWaitLatencyHist} {
		h.Set("count", new(expvar.Int))
		h.Set("sum", new(expvar.Float))
		for _, b := range latencyBuckets {
			h.Set(fmt.Sprintf("le_%.3f", b), new(expvar.Int))
		}
		h.Set("le_inf", new(expvar.Int))
	}
	return m
}

// PublishGauges exposes live offset gauges for n. Names that already exist
// keep their first registration.
func (m *Metrics) PublishGauges(prefix string, n *Node) {
	if !m.PublishedGlobally {
		return
	}
	publishExpvarFunc(prefix+"current_offset", func() interface{} { return n.Offsets().Current })
	publishExpvarFunc(prefix+"sync_offset", func() interface{} { return n.Offsets().Synced })
	publishExpvarFunc(prefix+"lag_bytes", func() interface{} { return n.Offsets().Lag() })
	publishExpvarFunc(prefix+"mode", func() interface{} { return n.Mode().String() })
	publishExpvarFunc(prefix+"progress_stalled", func() interface{} { return n.ProgressStalled() })
}

// observeLatency records the duration in the provided histogram map.
func observeLatency(histMap *expvar.Map, durationSeconds float64) {
	if histMap == nil {
		return
	}
	if c, ok := histMap.Get("count").(*expvar.Int); ok {
		c.Add(1)
	}
	if s, ok := histMap.Get("sum").(*expvar.Float); ok {
		s.Add(durationSeconds)
	}
	// Cumulative: an observation counts in every bucket at or above it.
	for _, b := range latencyBuckets {
		if durationSeconds <= b {
			if bucket, ok := histMap.Get(fmt.Sprintf("le_%.3f", b)).(*expvar.Int); ok {
				bucket.Add(1)
			}
		}
	}
	if inf, ok := histMap.Get("le_inf").(*expvar.Int); ok {
		inf.Add(1)
	}
}

// publishExpvarInt returns the published Int called name, creating it or
// resetting an existing one.
func publishExpvarInt(name string) *expvar.Int {
	v := expvar.Get(name)
	if v == nil {
		return expvar.NewInt(name)
	}
	if iv, ok := v.(*expvar.Int); ok {
		iv.Set(0)
		return iv
	}
	panic(fmt.Sprintf("expvar: trying to publish Int %s but variable already exists with different type %T", name, v))
}

func publishExpvarMap(name string) *expvar.Map {
	v := expvar.Get(name)
	if v == nil {
		return expvar.NewMap(name)
	}
	if mv, ok := v.(*expvar.Map); ok {
		return mv
	}
	panic(fmt.Sprintf("expvar: trying to publish Map %s but variable already exists with different type %T", name, v))
}

// expvar.Publish panics on reuse.
func publishExpvarFunc(name string, f func() interface{}) {
	if expvar.Get(name) != nil {
		return
	}
	expvar.Publish(name, expvar.Func(f))
}
