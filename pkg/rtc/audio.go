// Package rtc holds the PCM audio frame that flows between the room transport,
// the speech providers and the voice pipeline.
package rtc

import (
	"encoding/binary"
	"fmt"
	"time"
)

// FrameDuration is the length of every AudioFrame.
const FrameDuration = 10 * time.Millisecond

// AudioFrame represents exactly 10 ms of PCM audio.
// Len(Data) == SamplesPerChannel * NumChannels * 2.
//
// A zero Timestamp means "live"; otherwise it is the offset from the start of
// the stream the frame belongs to.
type AudioFrame struct {
	Data              []byte        // 16-bit PCM, little-endian
	SampleRate        int           // 48000, 24000 or 16000 in practice
	SamplesPerChannel int           // SampleRate / 100
	NumChannels       int           // 1 or 2
	Timestamp         time.Duration // optional
}

// NewAudioFrame creates a new AudioFrame with the specified parameters.
// Returns an error if the data length doesn't match 10ms of audio.
func NewAudioFrame(data []byte, sampleRate, numChannels int, timestamp time.Duration) (*AudioFrame, error) {
	if sampleRate <= 0 || numChannels <= 0 {
		return nil, fmt.Errorf("invalid audio format: %dHz %d-channel", sampleRate, numChannels)
	}
	samplesPerChannel := sampleRate / 100
	expectedLen := samplesPerChannel * numChannels * 2

	if len(data) != expectedLen {
		return nil, fmt.Errorf("AudioFrame data length mismatch: got %d bytes, expected %d bytes for %dHz %d-channel 10ms audio",
			len(data), expectedLen, sampleRate, numChannels)
	}

	return &AudioFrame{
		Data:              data,
		SampleRate:        sampleRate,
		SamplesPerChannel: samplesPerChannel,
		NumChannels:       numChannels,
		Timestamp:         timestamp,
	}, nil
}

// FrameFromSamples builds a frame from interleaved int16 samples.
func FrameFromSamples(samples []int16, sampleRate, numChannels int, timestamp time.Duration) (*AudioFrame, error) {
	return NewAudioFrame(SamplesToBytes(samples), sampleRate, numChannels, timestamp)
}

// Clone creates a deep copy of the AudioFrame.
func (f *AudioFrame) Clone() *AudioFrame {
	data := make([]byte, len(f.Data))
	copy(data, f.Data)

	return &AudioFrame{
		Data:              data,
		SampleRate:        f.SampleRate,
		SamplesPerChannel: f.SamplesPerChannel,
		NumChannels:       f.NumChannels,
		Timestamp:         f.Timestamp,
	}
}

// Duration returns the duration represented by this frame (always 10ms).
func (f *AudioFrame) Duration() time.Duration {
	return FrameDuration
}

// Samples decodes the frame into interleaved int16 samples.
func (f *AudioFrame) Samples() []int16 {
	return BytesToSamples(f.Data)
}

// BytesToSamples decodes little-endian PCM16. A trailing odd byte is ignored.
func BytesToSamples(data []byte) []int16 {
	out := make([]int16, len(data)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(data[i*2:]))
	}
	return out
}

// SamplesToBytes encodes samples as little-endian PCM16.
func SamplesToBytes(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}
