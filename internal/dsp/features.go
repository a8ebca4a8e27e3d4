// Package dsp holds the signal features shared by the wake detectors.
package dsp

import "math"

const int16Scale = 32768.0

// ToFloat converts PCM16 samples to the [-1, 1) range.
func ToFloat(samples []int16) []float64 {
	out := make([]float64, len(samples))
	for i, s := range samples {
		out[i] = float64(s) / int16Scale
	}
	return out
}

// RMS returns the root mean square of samples, normalized to [0, 1].
func RMS(samples []int16) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		v := float64(s) / int16Scale
		sum += v * v
	}
	return math.Sqrt(sum / float64(len(samples)))
}

// ZeroCrossingRate returns sign changes per sample pair.
func ZeroCrossingRate(samples []int16) float64 {
	if len(samples) < 2 {
		return 0
	}
	crossings := 0
	for i := 1; i < len(samples); i++ {
		if (samples[i-1] >= 0) != (samples[i] >= 0) {
			crossings++
		}
	}
	return float64(crossings) / float64(len(samples)-1)
}

// Mean returns the arithmetic mean of xs.
func Mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

// FindPeaks returns indices of local maxima at or above minHeight. When two
// peaks are closer than minDistance only the higher one is kept.
func FindPeaks(series []float64, minHeight float64, minDistance int) []int {
	var peaks []int
	for i := 1; i < len(series)-1; i++ {
		v := series[i]
		if v < minHeight || v <= series[i-1] || v < series[i+1] {
			continue
		}
		if n := len(peaks); n > 0 && i-peaks[n-1] < minDistance {
			if v > series[peaks[n-1]] {
				peaks[n-1] = i
			}
			continue
		}
		peaks = append(peaks, i)
	}
	return peaks
}

// PeakSpacing returns the mean distance between consecutive peaks.
func PeakSpacing(peaks []int) float64 {
	if len(peaks) < 2 {
		return 0
	}
	return float64(peaks[len(peaks)-1]-peaks[0]) / float64(len(peaks)-1)
}
