package backpressure

import "runtime"

// defaultHeapReader returns a HeapReader measuring live heap bytes
// (runtime.MemStats.HeapAlloc) against limitBytes. A zero limit disables
// the heap signal entirely (always reports 0, never trips the threshold).
func defaultHeapReader(limitBytes uint64) HeapReader {
	if limitBytes == 0 {
		return func() float64 { return 0 }
	}
	return func() float64 {
		var stats runtime.MemStats
		runtime.ReadMemStats(&stats)
		return float64(stats.HeapAlloc) / float64(limitBytes)
	}
}
