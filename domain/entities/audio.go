package entities

import (
	"encoding/binary"
	"time"
)

// AudioFrame is a fixed-duration slice of mono PCM16 audio. A frame is owned
// by exactly one consumer at a time.
type AudioFrame struct {
	Samples    []int16
	SampleRate int
	Sequence   uint64
	CapturedAt time.Time
}

// Duration returns the playback length of the frame.
func (f AudioFrame) Duration() time.Duration {
	if f.SampleRate <= 0 {
		return 0
	}
	return time.Duration(len(f.Samples)) * time.Second / time.Duration(f.SampleRate)
}

// Bytes encodes the samples as little-endian PCM16.
func (f AudioFrame) Bytes() []byte {
	return PCM16ToBytes(f.Samples)
}

// PCM16ToBytes encodes samples as little-endian PCM16.
func PCM16ToBytes(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

// BytesToPCM16 decodes little-endian PCM16. A trailing odd byte is ignored.
func BytesToPCM16(data []byte) []int16 {
	out := make([]int16, len(data)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(data[i*2:]))
	}
	return out
}
