package rtc

import (
	"context"
	"io"
	"math"
	"time"
)

// ByteStream cuts an arbitrary PCM16 byte stream into 10 ms frames. Provider
// responses arrive in chunks of any size; the pipeline only handles whole frames.
type ByteStream struct {
	sampleRate  int
	numChannels int
	frameBytes  int
	buf         []byte
	emitted     int
}

// NewByteStream returns a framer for the given format.
func NewByteStream(sampleRate, numChannels int) *ByteStream {
	return &ByteStream{
		sampleRate:  sampleRate,
		numChannels: numChannels,
		frameBytes:  sampleRate / 100 * numChannels * 2,
	}
}

// Write appends data and returns every complete frame now available.
func (b *ByteStream) Write(data []byte) []AudioFrame {
	b.buf = append(b.buf, data...)

	var frames []AudioFrame
	for len(b.buf) >= b.frameBytes {
		chunk := make([]byte, b.frameBytes)
		copy(chunk, b.buf[:b.frameBytes])
		b.buf = b.buf[b.frameBytes:]
		frames = append(frames, b.frame(chunk))
	}
	return frames
}

// Flush pads any buffered remainder with silence and returns it as a final frame.
func (b *ByteStream) Flush() []AudioFrame {
	if len(b.buf) == 0 {
		return nil
	}
	chunk := make([]byte, b.frameBytes)
	copy(chunk, b.buf)
	b.buf = b.buf[:0]
	return []AudioFrame{b.frame(chunk)}
}

func (b *ByteStream) frame(chunk []byte) AudioFrame {
	f := AudioFrame{
		Data:              chunk,
		SampleRate:        b.sampleRate,
		SamplesPerChannel: b.sampleRate / 100,
		NumChannels:       b.numChannels,
		Timestamp:         time.Duration(b.emitted) * FrameDuration,
	}
	b.emitted++
	return f
}

// Resample converts mono PCM16 samples between rates with linear interpolation.
func Resample(samples []int16, fromRate, toRate int) []int16 {
	if fromRate == toRate || len(samples) == 0 || fromRate <= 0 || toRate <= 0 {
		out := make([]int16, len(samples))
		copy(out, samples)
		return out
	}

	outLen := int(int64(len(samples)) * int64(toRate) / int64(fromRate))
	out := make([]int16, outLen)
	ratio := float64(fromRate) / float64(toRate)
	last := len(samples) - 1
	for i := range out {
		pos := float64(i) * ratio
		idx := int(pos)
		if idx >= last {
			out[i] = samples[last]
			continue
		}
		frac := pos - float64(idx)
		v := float64(samples[idx])*(1-frac) + float64(samples[idx+1])*frac
		out[i] = int16(math.Round(v))
	}
	return out
}

// ResampleFrame converts a mono frame to toRate. Frames already at toRate are
// returned unchanged.
func ResampleFrame(f AudioFrame, toRate int) AudioFrame {
	if f.SampleRate == toRate {
		return f
	}
	samples := Resample(f.Samples(), f.SampleRate, toRate)
	return AudioFrame{
		Data:              SamplesToBytes(samples),
		SampleRate:        toRate,
		SamplesPerChannel: len(samples) / max(1, f.NumChannels),
		NumChannels:       f.NumChannels,
		Timestamp:         f.Timestamp,
	}
}

// RMS returns the root-mean-square level of the frame normalised to [0, 1].
func RMS(f AudioFrame) float64 {
	samples := f.Samples()
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		v := float64(s) / 32768.0
		sum += v * v
	}
	return math.Sqrt(sum / float64(len(samples)))
}

// StreamPCM reads little-endian PCM16 mono from r and sends it to out as
// 10 ms frames, padding the tail. It returns when r is exhausted or ctx ends.
func StreamPCM(ctx context.Context, r io.Reader, sampleRate int, out chan<- AudioFrame) error {
	bs := NewByteStream(sampleRate, 1)
	buf := make([]byte, 4096)

	send := func(frames []AudioFrame) error {
		for _, f := range frames {
			select {
			case out <- f:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		return nil
	}

	for {
		n, err := r.Read(buf)
		if n > 0 {
			if serr := send(bs.Write(buf[:n])); serr != nil {
				return serr
			}
		}
		if err == io.EOF {
			return send(bs.Flush())
		}
		if err != nil {
			return err
		}
	}
}
