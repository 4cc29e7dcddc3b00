package job

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/matryer/is"

	"github.com/chriscow/livekit-voice-assistant/pkg/rtc"
)

// recordingEncoder writes the first sample of each frame as the packet.
type recordingEncoder struct {
	mu     sync.Mutex
	frames [][]int16
}

func (e *recordingEncoder) Encode(pcm []int16, data []byte) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	cp := make([]int16, len(pcm))
	copy(cp, pcm)
	e.frames = append(e.frames, cp)
	data[0] = byte(pcm[0])
	return 1, nil
}

func tone(rate int, level int16) rtc.AudioFrame {
	samples := make([]int16, rate/100)
	for i := range samples {
		samples[i] = level
	}
	return rtc.AudioFrame{Data: rtc.SamplesToBytes(samples), SampleRate: rate, SamplesPerChannel: rate / 100, NumChannels: 1}
}

func TestSampleSinkFramesAndSilence(t *testing.T) {
	is := is.New(t)
	enc := &recordingEncoder{}
	sink := newSampleSink(enc)
	ctx := context.Background()

	// Nothing queued yet: silence keeps the track clocked.
	s, err := sink.NextSample(ctx)
	is.NoErr(err)
	is.Equal(s.Duration, 20*time.Millisecond)
	is.Equal(s.Data, []byte{0})

	// Two 10 ms frames at 48 kHz make one 20 ms Opus frame.
	is.NoErr(sink.WriteFrame(ctx, tone(48000, 7)))
	is.Equal(len(sink.queue), 0) // half a frame is still pending
	is.NoErr(sink.WriteFrame(ctx, tone(48000, 7)))
	is.Equal(len(sink.queue), 1)

	s, err = sink.NextSample(ctx)
	is.NoErr(err)
	is.Equal(s.Data, []byte{7})
	is.Equal(len(enc.frames[1]), outputFrameSamples)
}

func TestSampleSinkResamples(t *testing.T) {
	is := is.New(t)
	sink := newSampleSink(&recordingEncoder{})

	// 24 kHz input: one 10 ms frame becomes 480 samples at 48 kHz.
	is.NoErr(sink.WriteFrame(context.Background(), tone(24000, 3)))
	is.NoErr(sink.WriteFrame(context.Background(), tone(24000, 3)))
	is.Equal(len(sink.queue), 1)
}

func TestSampleSinkClear(t *testing.T) {
	is := is.New(t)
	sink := newSampleSink(&recordingEncoder{})
	ctx := context.Background()

	for i := 0; i < 6; i++ {
		is.NoErr(sink.WriteFrame(ctx, tone(48000, 5)))
	}
	is.Equal(len(sink.queue), 3)

	sink.Clear()
	is.Equal(len(sink.queue), 0)
	s, err := sink.NextSample(ctx)
	is.NoErr(err)
	is.Equal(s.Data, []byte{0}) // back to silence
}

func TestSampleSinkBackpressure(t *testing.T) {
	is := is.New(t)
	sink := newSampleSink(&recordingEncoder{})

	for i := 0; i < sinkQueueFrames*2; i++ {
		is.NoErr(sink.WriteFrame(context.Background(), tone(48000, 1)))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := sink.WriteFrame(ctx, tone(48000, 1))
	err = errors.Join(err, sink.WriteFrame(ctx, tone(48000, 1)))
	is.True(errors.Is(err, context.DeadlineExceeded)) // full queue blocks the writer
}

func TestSampleSinkDrain(t *testing.T) {
	is := is.New(t)
	sink := newSampleSink(&recordingEncoder{})
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	is.NoErr(sink.WriteFrame(ctx, tone(48000, 9))) // half frame, padded by Drain

	go func() {
		for i := 0; i < 5; i++ {
			time.Sleep(5 * time.Millisecond)
			_, _ = sink.NextSample(ctx)
		}
	}()
	is.NoErr(sink.Drain(ctx))
	is.Equal(len(sink.queue), 0)
}

func TestSampleSinkClose(t *testing.T) {
	is := is.New(t)
	sink := newSampleSink(&recordingEncoder{})
	is.NoErr(sink.Close())
	is.NoErr(sink.Close())

	_, err := sink.NextSample(context.Background())
	is.Equal(err, io.EOF)
	is.True(errors.Is(sink.WriteFrame(context.Background(), tone(48000, 1)), ErrSinkClosed))
}
