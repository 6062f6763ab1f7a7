package audio

import "math"

// RMSLevel computes the root-mean-square of byte frequency bins (0..255 each)
// and scales it to 0..100.
func RMSLevel(bins []byte) float64 {
	if len(bins) == 0 {
		return 0
	}
	var sum float64
	for _, b := range bins {
		v := float64(b)
		sum += v * v
	}
	rms := math.Sqrt(sum / float64(len(bins)))
	return clamp(rms/255*100, 0, 100)
}

// Clarity maps a volume estimate to a clarity score. Quiet input reads as
// unclear, the curve saturates at 100 for strong signal.
func Clarity(volume float64) float64 {
	if volume <= 0 {
		return 0
	}
	return clamp(volume*1.5+10, 0, 100)
}

func clamp(v, min, max float64) float64 {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}
