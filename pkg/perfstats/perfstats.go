package perfstats

import "time"

// Two scalars (N samples and X total amount), which can measure total and average values.
// Not safe for concurrent use.
type Int64Accumulator struct {
	Samples int64
	Total   int64
}

func (a *Int64Accumulator) Reset() {
	a.Samples = 0
	a.Total = 0
}

func (a *Int64Accumulator) AddSample(v int64) {
	a.Samples++
	a.Total += v
}

func (a *Int64Accumulator) Average() float64 {
	if a.Samples == 0 {
		return 0
	}
	return float64(a.Total) / float64(a.Samples)
}

// Accumulate samples of how long something took
type TimeAccumulator struct {
	Samples int64
	Total   time.Duration
}

func (a *TimeAccumulator) Reset() {
	a.Samples = 0
	a.Total = 0
}

func (a *TimeAccumulator) AddSample(v time.Duration) {
	a.Samples++
	a.Total += v
}

func (a *TimeAccumulator) Average() time.Duration {
	if a.Samples == 0 {
		return 0
	}
	return time.Duration(a.Total.Nanoseconds() / a.Samples)
}

// Average in milliseconds, with sub-millisecond precision (for JSON stats)
func (a *TimeAccumulator) AverageMilliseconds() float64 {
	return float64(a.Average().Nanoseconds()) / 1e6
}
