package mono

import "time"

var start = time.Now()

// Now returns a strictly non-decreasing reading of the process monotonic
// clock, in nanoseconds since process start. Wall clock adjustments do not
// affect it.
func Now() uint64 {
	return uint64(time.Since(start))
}
