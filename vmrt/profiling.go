package vmrt

import "time"

// Counter is a pluggable cycle/duration accumulator bumped around handler
// invocation, grounded on netvmprofiling.cpp's StoreSample(start, end)
// contract. Off by default; a Runtime with a nil Counter skips timing
// entirely rather than paying for a no-op call.
type Counter interface {
	// StoreSample records one invocation's elapsed duration.
	StoreSample(d time.Duration)
}

// CycleCounter is the simplest Counter: one running count and total
// duration over every sample it is given, with no split by segment kind,
// queryable for a summary the way ProfilerPrintSummary reports totals.
type CycleCounter struct {
	Samples int64
	Total   time.Duration
}

func (c *CycleCounter) StoreSample(d time.Duration) {
	c.Samples++
	c.Total += d
}

// Mean returns the average sample duration, or zero if no samples have
// been stored yet.
func (c *CycleCounter) Mean() time.Duration {
	if c.Samples == 0 {
		return 0
	}
	return c.Total / time.Duration(c.Samples)
}
