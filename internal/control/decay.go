package control

// Decay returns the next threshold for an observed value v.
//
// The v >= 1000 branch is always overridden by the v >= 100 branch, so
// thresholds of 1000 and above also fall by 5 per tick.
func Decay(v int64) int64 {
	var n int64
	if v >= 1000 {
		n = v - 10
	}
	if v >= 100 {
		n = v - 5
	} else if v >= 10 {
		n = v - 1
	} else {
		n = 0
	}
	return n
}
