package dsp

import (
	"math"

	"gonum.org/v1/gonum/dsp/fourier"
)

// PreEmphasis applies y[n] = x[n] - coeff*x[n-1].
func PreEmphasis(x []float64, coeff float64) []float64 {
	if len(x) == 0 {
		return nil
	}
	out := make([]float64, len(x))
	out[0] = x[0]
	for i := 1; i < len(x); i++ {
		out[i] = x[i] - coeff*x[i-1]
	}
	return out
}

// Hann returns a periodic Hann window of length n.
func Hann(n int) []float64 {
	w := make([]float64, n)
	for i := range w {
		w[i] = 0.5 - 0.5*math.Cos(2*math.Pi*float64(i)/float64(n))
	}
	return w
}

// HzToMel converts frequency to the HTK mel scale.
func HzToMel(hz float64) float64 {
	return 2595 * math.Log10(1+hz/700)
}

// MelToHz is the inverse of HzToMel.
func MelToHz(mel float64) float64 {
	return 700 * (math.Pow(10, mel/2595) - 1)
}

// MelFilterbank maps power spectra onto triangular mel bands.
type MelFilterbank struct {
	filters [][]float64
}

// NewMelFilterbank builds nMels triangular filters for an nFFT-point spectrum.
func NewMelFilterbank(nMels, nFFT, sampleRate int, fMin, fMax float64) *MelFilterbank {
	bins := nFFT/2 + 1
	if fMax <= 0 || fMax > float64(sampleRate)/2 {
		fMax = float64(sampleRate) / 2
	}

	melMin, melMax := HzToMel(fMin), HzToMel(fMax)
	points := make([]float64, nMels+2)
	for i := range points {
		mel := melMin + (melMax-melMin)*float64(i)/float64(nMels+1)
		points[i] = MelToHz(mel) * float64(nFFT) / float64(sampleRate)
	}

	filters := make([][]float64, nMels)
	for m := 0; m < nMels; m++ {
		left, center, right := points[m], points[m+1], points[m+2]
		f := make([]float64, bins)
		for k := 0; k < bins; k++ {
			bin := float64(k)
			switch {
			case bin > left && bin <= center && center > left:
				f[k] = (bin - left) / (center - left)
			case bin > center && bin < right && right > center:
				f[k] = (right - bin) / (right - center)
			}
		}
		filters[m] = f
	}
	return &MelFilterbank{filters: filters}
}

// Bands returns the number of mel bands.
func (m *MelFilterbank) Bands() int {
	return len(m.filters)
}

// Apply projects one power spectrum onto the mel bands.
func (m *MelFilterbank) Apply(power []float64) []float64 {
	out := make([]float64, len(m.filters))
	for i, f := range m.filters {
		var sum float64
		for k := 0; k < len(f) && k < len(power); k++ {
			sum += f[k] * power[k]
		}
		out[i] = sum
	}
	return out
}

// LogMelConfig configures log-mel spectrogram extraction.
type LogMelConfig struct {
	SampleRate  int
	FrameLength int
	HopLength   int
	NumMels     int
	FMin        float64
	FMax        float64
	PreEmphasis float64
}

// DefaultLogMelConfig returns 25 ms frames with a 10 ms hop and 40 bands at 16 kHz.
func DefaultLogMelConfig() LogMelConfig {
	return LogMelConfig{
		SampleRate:  16000,
		FrameLength: 400,
		HopLength:   160,
		NumMels:     40,
		FMin:        20,
		FMax:        7600,
		PreEmphasis: 0.97,
	}
}

// LogMelExtractor turns PCM into normalized log-mel spectrograms.
type LogMelExtractor struct {
	cfg    LogMelConfig
	nFFT   int
	fft    *fourier.FFT
	window []float64
	bank   *MelFilterbank
}

// NewLogMelExtractor prepares the FFT plan, window and filterbank.
func NewLogMelExtractor(cfg LogMelConfig) *LogMelExtractor {
	nFFT := 1
	for nFFT < cfg.FrameLength {
		nFFT <<= 1
	}
	return &LogMelExtractor{
		cfg:    cfg,
		nFFT:   nFFT,
		fft:    fourier.NewFFT(nFFT),
		window: Hann(cfg.FrameLength),
		bank:   NewMelFilterbank(cfg.NumMels, nFFT, cfg.SampleRate, cfg.FMin, cfg.FMax),
	}
}

// Frames returns how many spectrogram frames n samples produce.
func (e *LogMelExtractor) Frames(n int) int {
	if n < e.cfg.FrameLength {
		return 0
	}
	return 1 + (n-e.cfg.FrameLength)/e.cfg.HopLength
}

// PowerSpectrogram returns |STFT|^2 frames of nFFT/2+1 bins.
func (e *LogMelExtractor) PowerSpectrogram(x []float64) [][]float64 {
	frames := e.Frames(len(x))
	out := make([][]float64, frames)
	buf := make([]float64, e.nFFT)
	var coeffs []complex128
	for t := 0; t < frames; t++ {
		start := t * e.cfg.HopLength
		for i := range buf {
			buf[i] = 0
		}
		for i := 0; i < e.cfg.FrameLength; i++ {
			buf[i] = x[start+i] * e.window[i]
		}
		coeffs = e.fft.Coefficients(coeffs, buf)
		power := make([]float64, len(coeffs))
		for k, c := range coeffs {
			re, im := real(c), imag(c)
			power[k] = (re*re + im*im) / float64(e.nFFT)
		}
		out[t] = power
	}
	return out
}

// Extract computes a log-mel spectrogram (frames x mels) normalized to zero
// mean and unit variance.
func (e *LogMelExtractor) Extract(samples []int16) [][]float64 {
	x := ToFloat(samples)
	if e.cfg.PreEmphasis > 0 {
		x = PreEmphasis(x, e.cfg.PreEmphasis)
	}
	power := e.PowerSpectrogram(x)
	spec := make([][]float64, len(power))
	for t, p := range power {
		mel := e.bank.Apply(p)
		for i, v := range mel {
			mel[i] = math.Log(v + 1e-10)
		}
		spec[t] = mel
	}
	Normalize(spec)
	return spec
}

// Normalize rescales spec in place to zero mean and unit variance.
func Normalize(spec [][]float64) {
	var sum, sq float64
	count := 0
	for _, row := range spec {
		for _, v := range row {
			sum += v
			sq += v * v
			count++
		}
	}
	if count == 0 {
		return
	}
	mean := sum / float64(count)
	variance := sq/float64(count) - mean*mean
	std := math.Sqrt(math.Max(variance, 0))
	if std < 1e-8 {
		std = 1
	}
	for _, row := range spec {
		for i := range row {
			row[i] = (row[i] - mean) / std
		}
	}
}
