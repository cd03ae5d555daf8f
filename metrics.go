package nvmft

import (
	"sync/atomic"
	"time"

	"github.com/ehrlich-b/go-nvmft/internal/ctrl"
	"github.com/ehrlich-b/go-nvmft/internal/interfaces"
	"github.com/ehrlich-b/go-nvmft/internal/nvme"
)

// LatencyBuckets defines the latency histogram buckets in nanoseconds.
// Buckets cover from 1us to 10s with logarithmic spacing.
var LatencyBuckets = []uint64{
	1_000,          // 1us
	10_000,         // 10us
	100_000,        // 100us
	1_000_000,      // 1ms
	10_000_000,     // 10ms
	100_000_000,    // 100ms
	1_000_000_000,  // 1s
	10_000_000_000, // 10s
}

const numLatencyBuckets = 8

// Metrics tracks command and association statistics for a port
type Metrics struct {
	// Dispatched namespace command counters
	ReadOps  atomic.Uint64 // Total read commands
	WriteOps atomic.Uint64 // Total write commands
	FlushOps atomic.Uint64 // Total flush commands
	OtherOps atomic.Uint64 // Compare, write zeroes, DSM, verify, ...

	// Byte counters
	ReadBytes  atomic.Uint64 // Total bytes read
	WriteBytes atomic.Uint64 // Total bytes written

	// Error counters
	ReadErrors  atomic.Uint64 // Read command errors
	WriteErrors atomic.Uint64 // Write command errors
	FlushErrors atomic.Uint64 // Flush command errors
	OtherErrors atomic.Uint64 // Errors of other dispatched commands

	// Admin queue
	AdminCommands atomic.Uint64 // Completed admin commands
	AdminErrors   atomic.Uint64 // Admin commands completed with an error status

	// Asynchronous events
	AsyncEventsDelivered atomic.Uint64 // Events completed to an outstanding AER
	AsyncEventsDropped   atomic.Uint64 // Events with no AER or masked by the host

	// Associations
	ControllersCreated    atomic.Uint64 // Associations created
	ControllersTerminated atomic.Uint64 // Associations torn down
	ActiveControllers     atomic.Int64  // Associations currently alive
	KeepAliveTimeouts     atomic.Uint64 // Associations failed by keep-alive expiry
	ConnectRejects        atomic.Uint64 // CONNECT commands refused by the port

	// In-flight statistics
	QueueDepthTotal atomic.Uint64 // Cumulative in-flight samples
	QueueDepthCount atomic.Uint64 // Number of in-flight measurements
	MaxQueueDepth   atomic.Uint32 // Maximum observed in-flight count

	// Performance tracking
	TotalLatencyNs atomic.Uint64 // Cumulative command latency in nanoseconds
	OpCount        atomic.Uint64 // Total commands (for average latency calculation)

	// Latency histogram buckets (cumulative counts)
	// Each bucket[i] contains the count of operations with latency <= LatencyBuckets[i]
	LatencyBuckets [numLatencyBuckets]atomic.Uint64

	// Port lifecycle
	StartTime atomic.Int64 // Port start timestamp (UnixNano)
	StopTime  atomic.Int64 // Port offline timestamp (UnixNano)
}

// NewMetrics creates a new metrics instance
func NewMetrics() *Metrics {
	m := &Metrics{}
	m.StartTime.Store(time.Now().UnixNano())
	return m
}

// RecordRead records a read command
func (m *Metrics) RecordRead(bytes uint64, latencyNs uint64, success bool) {
	m.ReadOps.Add(1)
	if success {
		m.ReadBytes.Add(bytes)
	} else {
		m.ReadErrors.Add(1)
	}
	m.recordLatency(latencyNs)
}

// RecordWrite records a write command
func (m *Metrics) RecordWrite(bytes uint64, latencyNs uint64, success bool) {
	m.WriteOps.Add(1)
	if success {
		m.WriteBytes.Add(bytes)
	} else {
		m.WriteErrors.Add(1)
	}
	m.recordLatency(latencyNs)
}

// RecordFlush records a flush command
func (m *Metrics) RecordFlush(latencyNs uint64, success bool) {
	m.FlushOps.Add(1)
	if !success {
		m.FlushErrors.Add(1)
	}
	m.recordLatency(latencyNs)
}

// RecordOther records any other dispatched namespace command
func (m *Metrics) RecordOther(latencyNs uint64, success bool) {
	m.OtherOps.Add(1)
	if !success {
		m.OtherErrors.Add(1)
	}
	m.recordLatency(latencyNs)
}

// RecordAdmin records a completed admin command
func (m *Metrics) RecordAdmin(success bool) {
	m.AdminCommands.Add(1)
	if !success {
		m.AdminErrors.Add(1)
	}
}

// RecordAsyncEvent records a reported asynchronous event
func (m *Metrics) RecordAsyncEvent(delivered bool) {
	if delivered {
		m.AsyncEventsDelivered.Add(1)
	} else {
		m.AsyncEventsDropped.Add(1)
	}
}

// RecordQueueDepth records the current in-flight count for statistics
func (m *Metrics) RecordQueueDepth(depth uint32) {
	m.QueueDepthTotal.Add(uint64(depth))
	m.QueueDepthCount.Add(1)

	// Update max queue depth atomically
	for {
		current := m.MaxQueueDepth.Load()
		if depth <= current {
			break
		}
		if m.MaxQueueDepth.CompareAndSwap(current, depth) {
			break
		}
	}
}

// recordLatency records operation latency and updates histogram
func (m *Metrics) recordLatency(latencyNs uint64) {
	m.TotalLatencyNs.Add(latencyNs)
	m.OpCount.Add(1)

	// Update histogram buckets (cumulative)
	for i, bucket := range LatencyBuckets {
		if latencyNs <= bucket {
			m.LatencyBuckets[i].Add(1)
		}
	}
}

// Stop marks the port as offline
func (m *Metrics) Stop() {
	m.StopTime.Store(time.Now().UnixNano())
}

// MetricsSnapshot is a point-in-time copy of Metrics with derived values
type MetricsSnapshot struct {
	// Dispatched commands
	ReadOps  uint64
	WriteOps uint64
	FlushOps uint64
	OtherOps uint64

	// Bytes transferred
	ReadBytes  uint64
	WriteBytes uint64

	// Error counts
	ReadErrors  uint64
	WriteErrors uint64
	FlushErrors uint64
	OtherErrors uint64

	// Admin and events
	AdminCommands        uint64
	AdminErrors          uint64
	AsyncEventsDelivered uint64
	AsyncEventsDropped   uint64

	// Associations
	ControllersCreated    uint64
	ControllersTerminated uint64
	ActiveControllers     int64
	KeepAliveTimeouts     uint64
	ConnectRejects        uint64

	// In-flight statistics
	AvgQueueDepth float64
	MaxQueueDepth uint32

	// Performance
	AvgLatencyNs uint64
	UptimeNs     uint64

	// Latency percentiles (in nanoseconds)
	LatencyP50Ns  uint64 // 50th percentile (median)
	LatencyP99Ns  uint64 // 99th percentile
	LatencyP999Ns uint64 // 99.9th percentile

	// Histogram bucket counts (cumulative)
	LatencyHistogram [numLatencyBuckets]uint64

	// Computed statistics
	ReadIOPS       float64 // Operations per second
	WriteIOPS      float64
	ReadBandwidth  float64 // Bytes per second
	WriteBandwidth float64
	TotalOps       uint64
	TotalBytes     uint64
	ErrorRate      float64 // Percentage of failed dispatched commands
}

// Snapshot creates a point-in-time snapshot of metrics
func (m *Metrics) Snapshot() MetricsSnapshot {
	snap := MetricsSnapshot{
		ReadOps:               m.ReadOps.Load(),
		WriteOps:              m.WriteOps.Load(),
		FlushOps:              m.FlushOps.Load(),
		OtherOps:              m.OtherOps.Load(),
		ReadBytes:             m.ReadBytes.Load(),
		WriteBytes:            m.WriteBytes.Load(),
		ReadErrors:            m.ReadErrors.Load(),
		WriteErrors:           m.WriteErrors.Load(),
		FlushErrors:           m.FlushErrors.Load(),
		OtherErrors:           m.OtherErrors.Load(),
		AdminCommands:         m.AdminCommands.Load(),
		AdminErrors:           m.AdminErrors.Load(),
		AsyncEventsDelivered:  m.AsyncEventsDelivered.Load(),
		AsyncEventsDropped:    m.AsyncEventsDropped.Load(),
		ControllersCreated:    m.ControllersCreated.Load(),
		ControllersTerminated: m.ControllersTerminated.Load(),
		ActiveControllers:     m.ActiveControllers.Load(),
		KeepAliveTimeouts:     m.KeepAliveTimeouts.Load(),
		ConnectRejects:        m.ConnectRejects.Load(),
		MaxQueueDepth:         m.MaxQueueDepth.Load(),
	}

	snap.TotalOps = snap.ReadOps + snap.WriteOps + snap.FlushOps + snap.OtherOps
	snap.TotalBytes = snap.ReadBytes + snap.WriteBytes

	queueDepthTotal := m.QueueDepthTotal.Load()
	queueDepthCount := m.QueueDepthCount.Load()
	if queueDepthCount > 0 {
		snap.AvgQueueDepth = float64(queueDepthTotal) / float64(queueDepthCount)
	}

	totalLatencyNs := m.TotalLatencyNs.Load()
	opCount := m.OpCount.Load()
	if opCount > 0 {
		snap.AvgLatencyNs = totalLatencyNs / opCount
	}

	startTime := m.StartTime.Load()
	stopTime := m.StopTime.Load()
	if stopTime > 0 {
		snap.UptimeNs = uint64(stopTime - startTime)
	} else {
		snap.UptimeNs = uint64(time.Now().UnixNano() - startTime)
	}

	if snap.UptimeNs > 0 {
		uptimeSeconds := float64(snap.UptimeNs) / 1e9
		snap.ReadIOPS = float64(snap.ReadOps) / uptimeSeconds
		snap.WriteIOPS = float64(snap.WriteOps) / uptimeSeconds
		snap.ReadBandwidth = float64(snap.ReadBytes) / uptimeSeconds
		snap.WriteBandwidth = float64(snap.WriteBytes) / uptimeSeconds
	}

	totalErrors := snap.ReadErrors + snap.WriteErrors + snap.FlushErrors + snap.OtherErrors
	if snap.TotalOps > 0 {
		snap.ErrorRate = float64(totalErrors) / float64(snap.TotalOps) * 100.0
	}

	for i := 0; i < numLatencyBuckets; i++ {
		snap.LatencyHistogram[i] = m.LatencyBuckets[i].Load()
	}

	if opCount > 0 {
		snap.LatencyP50Ns = m.calculatePercentile(0.50)
		snap.LatencyP99Ns = m.calculatePercentile(0.99)
		snap.LatencyP999Ns = m.calculatePercentile(0.999)
	}

	return snap
}

// calculatePercentile estimates the latency at the given percentile (0.0-1.0)
// using linear interpolation between histogram buckets.
func (m *Metrics) calculatePercentile(percentile float64) uint64 {
	totalOps := m.OpCount.Load()
	if totalOps == 0 {
		return 0
	}

	targetCount := uint64(float64(totalOps) * percentile)

	// Find the bucket containing the target percentile
	prevBucket := uint64(0)
	for i, bucket := range LatencyBuckets {
		bucketCount := m.LatencyBuckets[i].Load()
		if bucketCount >= targetCount {
			// Linear interpolation within bucket
			prevCount := uint64(0)
			if i > 0 {
				prevCount = m.LatencyBuckets[i-1].Load()
			}
			if bucketCount == prevCount {
				return bucket
			}
			// Interpolate between prevBucket and bucket
			fraction := float64(targetCount-prevCount) / float64(bucketCount-prevCount)
			return prevBucket + uint64(fraction*float64(bucket-prevBucket))
		}
		prevBucket = bucket
	}

	// If we get here, the latency exceeds all buckets
	return LatencyBuckets[numLatencyBuckets-1]
}

// Reset resets all metrics counters (useful for testing)
func (m *Metrics) Reset() {
	for _, c := range []*atomic.Uint64{
		&m.ReadOps, &m.WriteOps, &m.FlushOps, &m.OtherOps,
		&m.ReadBytes, &m.WriteBytes,
		&m.ReadErrors, &m.WriteErrors, &m.FlushErrors, &m.OtherErrors,
		&m.AdminCommands, &m.AdminErrors,
		&m.AsyncEventsDelivered, &m.AsyncEventsDropped,
		&m.ControllersCreated, &m.ControllersTerminated,
		&m.KeepAliveTimeouts, &m.ConnectRejects,
		&m.QueueDepthTotal, &m.QueueDepthCount,
		&m.TotalLatencyNs, &m.OpCount,
	} {
		c.Store(0)
	}
	m.ActiveControllers.Store(0)
	m.MaxQueueDepth.Store(0)
	for i := 0; i < numLatencyBuckets; i++ {
		m.LatencyBuckets[i].Store(0)
	}
	m.StartTime.Store(time.Now().UnixNano())
	m.StopTime.Store(0)
}

// Observer receives controller events for metrics collection.
// See internal/interfaces for the call contract.
type Observer = interfaces.Observer

// NoOpObserver is a no-op implementation of Observer
type NoOpObserver struct{}

func (NoOpObserver) ObserveAdminCommand(uint8, bool)              {}
func (NoOpObserver) ObserveIOCommand(uint8, uint64, uint64, bool) {}
func (NoOpObserver) ObserveAsyncEvent(bool)                       {}
func (NoOpObserver) ObserveKeepAliveTimeout()                     {}
func (NoOpObserver) ObserveControllerState(uint16, string)        {}
func (NoOpObserver) ObserveInFlight(uint32)                       {}

// MetricsObserver implements Observer using the built-in Metrics
type MetricsObserver struct {
	metrics *Metrics
}

// NewMetricsObserver creates an observer that records to the given metrics
func NewMetricsObserver(m *Metrics) *MetricsObserver {
	return &MetricsObserver{metrics: m}
}

func (o *MetricsObserver) ObserveAdminCommand(_ uint8, success bool) {
	o.metrics.RecordAdmin(success)
}

func (o *MetricsObserver) ObserveIOCommand(opcode uint8, bytes uint64, latencyNs uint64, success bool) {
	switch opcode {
	case nvme.OpcRead:
		o.metrics.RecordRead(bytes, latencyNs, success)
	case nvme.OpcWrite:
		o.metrics.RecordWrite(bytes, latencyNs, success)
	case nvme.OpcFlush:
		o.metrics.RecordFlush(latencyNs, success)
	default:
		o.metrics.RecordOther(latencyNs, success)
	}
}

func (o *MetricsObserver) ObserveAsyncEvent(delivered bool) {
	o.metrics.RecordAsyncEvent(delivered)
}

func (o *MetricsObserver) ObserveKeepAliveTimeout() {
	o.metrics.KeepAliveTimeouts.Add(1)
}

// ObserveControllerState counts associations as they are created and freed
func (o *MetricsObserver) ObserveControllerState(_ uint16, state string) {
	switch state {
	case ctrl.StateConnecting.String():
		o.metrics.ControllersCreated.Add(1)
		o.metrics.ActiveControllers.Add(1)
	case ctrl.StateFreed.String():
		o.metrics.ControllersTerminated.Add(1)
		o.metrics.ActiveControllers.Add(-1)
	}
}

func (o *MetricsObserver) ObserveInFlight(depth uint32) {
	o.metrics.RecordQueueDepth(depth)
}

// MultiObserver fans every event out to several observers
type MultiObserver []Observer

func (m MultiObserver) ObserveAdminCommand(opcode uint8, success bool) {
	for _, o := range m {
		o.ObserveAdminCommand(opcode, success)
	}
}

func (m MultiObserver) ObserveIOCommand(opcode uint8, bytes uint64, latencyNs uint64, success bool) {
	for _, o := range m {
		o.ObserveIOCommand(opcode, bytes, latencyNs, success)
	}
}

func (m MultiObserver) ObserveAsyncEvent(delivered bool) {
	for _, o := range m {
		o.ObserveAsyncEvent(delivered)
	}
}

func (m MultiObserver) ObserveKeepAliveTimeout() {
	for _, o := range m {
		o.ObserveKeepAliveTimeout()
	}
}

func (m MultiObserver) ObserveControllerState(cntlID uint16, state string) {
	for _, o := range m {
		o.ObserveControllerState(cntlID, state)
	}
}

func (m MultiObserver) ObserveInFlight(depth uint32) {
	for _, o := range m {
		o.ObserveInFlight(depth)
	}
}

// Compile-time interface checks
var (
	_ Observer = NoOpObserver{}
	_ Observer = (*MetricsObserver)(nil)
	_ Observer = MultiObserver(nil)
)
