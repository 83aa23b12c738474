package acquisition

import (
	"sync/atomic"
	"time"
)

// Metrics tracks per-session health and latency counters.
// All fields are updated atomically and may be read while the session runs.
type Metrics struct {
	// ticks counts cadence ticks that started work.
	ticks atomic.Int64
	// ticksSkipped counts ticks dropped because a request was still in flight.
	ticksSkipped atomic.Int64
	// captureErrors counts failed frame reads.
	captureErrors atomic.Int64
	// classifyErrors counts classifier network and service failures.
	classifyErrors atomic.Int64
	// staleResults counts results discarded after the session stopped.
	staleResults atomic.Int64
	// requests counts classifier responses applied to the state machine.
	requests atomic.Int64
	// lastResultTime tracks when the last verdict was applied.
	lastResultTime atomic.Int64
	// lastResponseTimeNs is the round trip of the most recent request.
	lastResponseTimeNs atomic.Int64
	// avgResponseTimeNs is an exponential moving average of round trips.
	avgResponseTimeNs atomic.Int64
}

// GetTicks returns the number of ticks that captured or attempted a frame.
func (m *Metrics) GetTicks() int64 {
	return m.ticks.Load()
}

// GetTicksSkipped returns the number of ticks skipped under backpressure.
func (m *Metrics) GetTicksSkipped() int64 {
	return m.ticksSkipped.Load()
}

// GetCaptureErrors returns the number of failed captures.
func (m *Metrics) GetCaptureErrors() int64 {
	return m.captureErrors.Load()
}

// GetClassifyErrors returns the number of failed classifier calls.
func (m *Metrics) GetClassifyErrors() int64 {
	return m.classifyErrors.Load()
}

// GetStaleResults returns the number of late results that were discarded.
func (m *Metrics) GetStaleResults() int64 {
	return m.staleResults.Load()
}

// GetRequests returns the number of successful classifier responses.
func (m *Metrics) GetRequests() int64 {
	return m.requests.Load()
}

// GetLastResponseTime returns the round trip of the most recent request.
func (m *Metrics) GetLastResponseTime() time.Duration {
	return time.Duration(m.lastResponseTimeNs.Load())
}

// GetAvgResponseTimeMs returns the average round trip in milliseconds.
func (m *Metrics) GetAvgResponseTimeMs() float64 {
	return float64(m.avgResponseTimeNs.Load()) / 1e6
}

// GetLastResultAge returns how long ago the last verdict was applied.
func (m *Metrics) GetLastResultAge() time.Duration {
	lastTime := m.lastResultTime.Load()
	if lastTime == 0 {
		return 0
	}
	return time.Since(time.Unix(0, lastTime))
}

// UpdateResponseTime records a round trip.
func (m *Metrics) UpdateResponseTime(d time.Duration) {
	m.lastResponseTimeNs.Store(d.Nanoseconds())

	// EMA with alpha = 0.1
	current := m.avgResponseTimeNs.Load()
	if current == 0 {
		m.avgResponseTimeNs.Store(d.Nanoseconds())
		return
	}
	m.avgResponseTimeNs.Store(int64(float64(current)*0.9 + float64(d.Nanoseconds())*0.1))
}
