package dsp

import (
	"math"
	"testing"
)

func TestPreEmphasis(t *testing.T) {
	got := PreEmphasis([]float64{1, 1, 1}, 0.97)
	want := []float64{1, 0.03, 0.03}
	for i := range want {
		if math.Abs(got[i]-want[i]) > 1e-9 {
			t.Fatalf("PreEmphasis() = %v, want %v", got, want)
		}
	}
	if PreEmphasis(nil, 0.97) != nil {
		t.Error("PreEmphasis(nil) should be nil")
	}
}

func TestMelScaleRoundTrip(t *testing.T) {
	for _, hz := range []float64{0, 300, 1000, 4000, 8000} {
		if got := MelToHz(HzToMel(hz)); math.Abs(got-hz) > 1e-6 {
			t.Errorf("MelToHz(HzToMel(%f)) = %f", hz, got)
		}
	}
}

func TestMelFilterbankShape(t *testing.T) {
	bank := NewMelFilterbank(40, 512, 16000, 20, 7600)
	if bank.Bands() != 40 {
		t.Fatalf("Bands() = %d, want 40", bank.Bands())
	}
	flat := make([]float64, 257)
	for i := range flat {
		flat[i] = 1
	}
	for i, v := range bank.Apply(flat) {
		if v <= 0 {
			t.Errorf("band %d has no energy for a flat spectrum", i)
		}
	}
}

func TestLogMelExtractTone(t *testing.T) {
	cfg := DefaultLogMelConfig()
	e := NewLogMelExtractor(cfg)

	samples := sine(8000, cfg.SampleRate, 1000, 0.5)
	spec := e.Extract(samples)

	wantFrames := 1 + (8000-cfg.FrameLength)/cfg.HopLength
	if len(spec) != wantFrames {
		t.Fatalf("frames = %d, want %d", len(spec), wantFrames)
	}
	if len(spec[0]) != cfg.NumMels {
		t.Fatalf("mels = %d, want %d", len(spec[0]), cfg.NumMels)
	}

	var sum, sq float64
	n := 0
	for _, row := range spec {
		for _, v := range row {
			sum += v
			sq += v * v
			n++
		}
	}
	mean := sum / float64(n)
	std := math.Sqrt(sq/float64(n) - mean*mean)
	if math.Abs(mean) > 1e-6 || math.Abs(std-1) > 1e-6 {
		t.Errorf("normalized spectrogram mean=%f std=%f", mean, std)
	}

	// The band holding 1 kHz should dominate the first frame.
	loudest := 0
	for i, v := range spec[0] {
		if v > spec[0][loudest] {
			loudest = i
		}
	}
	centerHz := MelToHz(HzToMel(cfg.FMin) + (HzToMel(cfg.FMax)-HzToMel(cfg.FMin))*float64(loudest+1)/float64(cfg.NumMels+1))
	if math.Abs(centerHz-1000) > 150 {
		t.Errorf("loudest band centered at %.0f Hz, want near 1000 Hz", centerHz)
	}
}

func TestExtractShortInput(t *testing.T) {
	e := NewLogMelExtractor(DefaultLogMelConfig())
	if spec := e.Extract(make([]int16, 100)); len(spec) != 0 {
		t.Errorf("expected no frames for short input, got %d", len(spec))
	}
}
