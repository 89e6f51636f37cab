package features

import "math"

const zeroThreshold = 1e-10

// zcrMean is the mean zero-crossing rate over centered frames. The signal is
// edge-padded, samples with magnitude at or below zeroThreshold count as zero,
// and zero counts as positive.
func zcrMean(y []float64) float64 {
	pad := frameLength / 2
	padded := make([]float64, len(y)+2*pad)
	copy(padded[pad:], y)
	for i := 0; i < pad; i++ {
		padded[i] = y[0]
		padded[len(padded)-1-i] = y[len(y)-1]
	}

	negative := make([]bool, len(padded))
	for i, v := range padded {
		if math.Abs(v) <= zeroThreshold {
			v = 0
		}
		negative[i] = v < 0
	}

	frames := numFrames(len(y))
	var total float64
	for t := 0; t < frames; t++ {
		start := t * hopLength
		crossings := 0
		for i := start + 1; i < start+frameLength; i++ {
			if negative[i] != negative[i-1] {
				crossings++
			}
		}
		total += float64(crossings) / frameLength
	}
	return total / float64(frames)
}

// rmsMean is the mean root-mean-square energy over centered, zero-padded
// frames.
func rmsMean(y []float64) float64 {
	pad := frameLength / 2
	padded := make([]float64, len(y)+2*pad)
	copy(padded[pad:], y)

	frames := numFrames(len(y))
	var total float64
	for t := 0; t < frames; t++ {
		var sum float64
		for _, v := range padded[t*hopLength : t*hopLength+frameLength] {
			sum += v * v
		}
		total += math.Sqrt(sum / frameLength)
	}
	return total / float64(frames)
}
