package calibration

import "math"

// Update is the log-space balancing step of one mode against the reference
// mode:
//
//	ln(zi) - ln(mi) - (ln(z0) - ln(m0))
//
// where z are target and m observed shares. Any non-positive share yields 0,
// in particular an unobserved mode (mi = 0) is left where it is.
func Update(zi, mi, z0, m0 float64) float64 {
	if mi <= 0 || zi <= 0 || z0 <= 0 || m0 <= 0 {
		return 0
	}
	return math.Log(zi) - math.Log(mi) - (math.Log(z0) - math.Log(m0))
}
