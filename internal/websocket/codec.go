package websocket

import (
	"encoding/binary"
	"errors"
)

// AudioHeaderSize is the length of the big-endian sequence number that
// prefixes every binary audio frame.
const AudioHeaderSize = 8

// ErrShortFrame is returned for binary frames without a full header.
var ErrShortFrame = errors.New("binary frame shorter than sequence header")

// EncodeAudioFrame prefixes pcm with seq.
func EncodeAudioFrame(seq uint64, pcm []byte) []byte {
	frame := make([]byte, AudioHeaderSize+len(pcm))
	binary.BigEndian.PutUint64(frame, seq)
	copy(frame[AudioHeaderSize:], pcm)
	return frame
}

// DecodeAudioFrame splits a binary frame. The returned pcm aliases frame.
func DecodeAudioFrame(frame []byte) (uint64, []byte, error) {
	if len(frame) < AudioHeaderSize {
		return 0, nil, ErrShortFrame
	}
	return binary.BigEndian.Uint64(frame), frame[AudioHeaderSize:], nil
}
