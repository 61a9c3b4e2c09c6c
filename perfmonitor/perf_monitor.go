// Package perfmonitor is a small stopwatch used to time shutdown and connect
// sequences.
package perfmonitor

import "time"

// PerformanceMonitor measures the time between Start and Stop. It is not
// safe for concurrent use; each measured sequence owns its own monitor.
type PerformanceMonitor struct {
	startTime time.Time
	endTime   time.Time
}

// NewPerformanceMonitor returns a stopped monitor.
func NewPerformanceMonitor() *PerformanceMonitor {
	return &PerformanceMonitor{}
}

// Start begins a measurement, discarding any previous end time.
func (p *PerformanceMonitor) Start() {
	p.startTime = time.Now()
	p.endTime = time.Time{}
}

// Stop records the end of the measurement. Without a prior Start it does
// nothing; calling it again moves the end time forward.
func (p *PerformanceMonitor) Stop() {
	if p.startTime.IsZero() {
		return
	}

	p.endTime = time.Now()
}

// Reset clears both timestamps.
func (p *PerformanceMonitor) Reset() {
	p.startTime = time.Time{}
	p.endTime = time.Time{}
}

// Elapsed returns Stop minus Start, or 0 while the measurement is incomplete.
func (p *PerformanceMonitor) Elapsed() time.Duration {
	if p.startTime.IsZero() || p.endTime.IsZero() {
		return 0
	}

	return p.endTime.Sub(p.startTime)
}

// ElapsedMilliseconds is Elapsed in fractional milliseconds.
func (p *PerformanceMonitor) ElapsedMilliseconds() float64 {
	return float64(p.Elapsed()) / float64(time.Millisecond)
}
