package job

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/pion/webrtc/v3/pkg/media"

	"github.com/chriscow/livekit-voice-assistant/pkg/rtc"
)

const (
	// OutputSampleRate is the rate published audio is encoded at.
	OutputSampleRate = 48000

	outputFrameDuration = 20 * time.Millisecond
	outputFrameSamples  = OutputSampleRate / 50
	maxOpusPacketBytes  = 1500

	// sinkQueueFrames bounds how far synthesis can run ahead of playout.
	sinkQueueFrames = 10
)

// ErrSinkClosed is returned when writing to a closed sink.
var ErrSinkClosed = errors.New("audio sink is closed")

// AudioSink plays PCM audio into the room.
type AudioSink interface {
	// WriteFrame queues f for playout, blocking while the queue is full.
	WriteFrame(ctx context.Context, f rtc.AudioFrame) error
	// Drain blocks until everything written so far has been played.
	Drain(ctx context.Context) error
	// Clear drops queued audio that has not been played yet.
	Clear()
	Close() error
}

type opusEncoder interface {
	Encode(pcm []int16, data []byte) (int, error)
}

// sampleSink turns PCM frames into 20 ms Opus samples. It is the sample
// provider of a published LocalSampleTrack, which pulls one sample per
// frame duration; silence is emitted while nothing is queued.
type sampleSink struct {
	enc   opusEncoder
	queue chan []int16

	mu      sync.Mutex
	pending []int16
	closed  bool
	done    chan struct{}
	silence []int16
	packet  []byte
}

func newSampleSink(enc opusEncoder) *sampleSink {
	return &sampleSink{
		enc:     enc,
		queue:   make(chan []int16, sinkQueueFrames),
		done:    make(chan struct{}),
		silence: make([]int16, outputFrameSamples),
		packet:  make([]byte, maxOpusPacketBytes),
	}
}

func (s *sampleSink) WriteFrame(ctx context.Context, f rtc.AudioFrame) error {
	if f.NumChannels > 1 {
		return fmt.Errorf("audio sink: %d channels not supported", f.NumChannels)
	}
	resampled := rtc.ResampleFrame(f, OutputSampleRate)
	samples := resampled.Samples()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSinkClosed
	}
	s.pending = append(s.pending, samples...)
	var chunks [][]int16
	for len(s.pending) >= outputFrameSamples {
		chunk := make([]int16, outputFrameSamples)
		copy(chunk, s.pending[:outputFrameSamples])
		s.pending = s.pending[outputFrameSamples:]
		chunks = append(chunks, chunk)
	}
	s.mu.Unlock()

	for _, chunk := range chunks {
		if err := s.enqueue(ctx, chunk); err != nil {
			return err
		}
	}
	return nil
}

func (s *sampleSink) enqueue(ctx context.Context, chunk []int16) error {
	select {
	case s.queue <- chunk:
		return nil
	case <-s.done:
		return ErrSinkClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *sampleSink) Drain(ctx context.Context) error {
	s.mu.Lock()
	var tail []int16
	if len(s.pending) > 0 {
		tail = make([]int16, outputFrameSamples)
		copy(tail, s.pending)
		s.pending = s.pending[:0]
	}
	s.mu.Unlock()

	if tail != nil {
		if err := s.enqueue(ctx, tail); err != nil {
			return err
		}
	}

	ticker := time.NewTicker(outputFrameDuration / 2)
	defer ticker.Stop()
	for len(s.queue) > 0 {
		select {
		case <-ticker.C:
		case <-s.done:
			return ErrSinkClosed
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (s *sampleSink) Clear() {
	s.mu.Lock()
	s.pending = s.pending[:0]
	s.mu.Unlock()
	for {
		select {
		case <-s.queue:
		default:
			return
		}
	}
}

// NextSample is called by the track writer once per sample duration.
func (s *sampleSink) NextSample(ctx context.Context) (media.Sample, error) {
	select {
	case <-s.done:
		return media.Sample{}, io.EOF
	case <-ctx.Done():
		return media.Sample{}, ctx.Err()
	default:
	}

	pcm := s.silence
	select {
	case chunk := <-s.queue:
		pcm = chunk
	default:
	}

	n, err := s.enc.Encode(pcm, s.packet)
	if err != nil {
		return media.Sample{}, fmt.Errorf("opus encode: %w", err)
	}
	data := make([]byte, n)
	copy(data, s.packet[:n])
	return media.Sample{Data: data, Duration: outputFrameDuration}, nil
}

func (s *sampleSink) OnBind() error   { return nil }
func (s *sampleSink) OnUnbind() error { return nil }

func (s *sampleSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.done)
	}
	return nil
}
