package job

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/pion/interceptor"
	"github.com/pion/rtp"

	"github.com/chriscow/livekit-voice-assistant/pkg/rtc"
)

const (
	// InputSampleRate is the rate remote Opus audio is decoded at.
	InputSampleRate = 48000

	// maxOpusFrameSamples covers the longest Opus frame (120 ms at 48 kHz).
	maxOpusFrameSamples = 5760

	trackBufferFrames = 100
)

// AudioTrack is a decoded remote audio track. Any number of readers can
// consume its frames; each reader gets its own buffered channel.
type AudioTrack struct {
	SID         string
	Participant Participant
	SampleRate  int
	NumChannels int

	mu      sync.Mutex
	subs    map[int]chan rtc.AudioFrame
	nextSub int
	closed  bool
	done    chan struct{}

	dropped atomic.Int64
}

// NewAudioTrack returns an open track with no readers.
func NewAudioTrack(sid string, p Participant, sampleRate, numChannels int) *AudioTrack {
	return &AudioTrack{
		SID:         sid,
		Participant: p,
		SampleRate:  sampleRate,
		NumChannels: numChannels,
		subs:        make(map[int]chan rtc.AudioFrame),
		done:        make(chan struct{}),
	}
}

// Frames registers a reader. The channel is closed when the track ends or
// when the returned cancel func is called.
func (t *AudioTrack) Frames() (<-chan rtc.AudioFrame, func()) {
	t.mu.Lock()
	defer t.mu.Unlock()

	ch := make(chan rtc.AudioFrame, trackBufferFrames)
	if t.closed {
		close(ch)
		return ch, func() {}
	}

	id := t.nextSub
	t.nextSub++
	t.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			t.mu.Lock()
			defer t.mu.Unlock()
			if sub, ok := t.subs[id]; ok {
				delete(t.subs, id)
				close(sub)
			}
		})
	}
}

// Push delivers f to every reader. A reader that is a full second behind
// loses the frame.
func (t *AudioTrack) Push(f rtc.AudioFrame) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	for _, ch := range t.subs {
		select {
		case ch <- f:
		default:
			t.dropped.Add(1)
		}
	}
}

// Close ends the track and every reader channel. It is idempotent.
func (t *AudioTrack) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	t.closed = true
	for id, ch := range t.subs {
		close(ch)
		delete(t.subs, id)
	}
	close(t.done)
}

// Done is closed once the track has ended.
func (t *AudioTrack) Done() <-chan struct{} {
	return t.done
}

// Dropped reports frames lost to slow readers.
func (t *AudioTrack) Dropped() int64 {
	return t.dropped.Load()
}

type rtpReader interface {
	ReadRTP() (*rtp.Packet, interceptor.Attributes, error)
}

type opusDecoder interface {
	Decode(data []byte, pcm []int16) (int, error)
}

// decodeTrack reads RTP from src, decodes the Opus payloads and pushes 10 ms
// frames to t until src ends or ctx is done. t is closed on return.
func decodeTrack(ctx context.Context, src rtpReader, dec opusDecoder, t *AudioTrack, logger *slog.Logger) {
	defer t.Close()

	stream := rtc.NewByteStream(t.SampleRate, t.NumChannels)
	pcm := make([]int16, maxOpusFrameSamples*t.NumChannels)
	var packets, failures int

	for {
		if ctx.Err() != nil {
			return
		}
		pkt, _, err := src.ReadRTP()
		if err != nil {
			if errors.Is(err, io.EOF) {
				logger.Info("Audio track ended",
					slog.String("track_sid", t.SID),
					slog.String("participant", t.Participant.Identity),
					slog.Int("packets", packets))
				return
			}
			failures++
			if failures > 50 {
				logger.Error("Too many RTP read errors, closing track",
					slog.String("track_sid", t.SID),
					slog.String("error", err.Error()))
				return
			}
			continue
		}
		packets++
		if len(pkt.Payload) == 0 {
			continue
		}

		n, err := dec.Decode(pkt.Payload, pcm)
		if err != nil {
			logger.Debug("Failed to decode Opus packet",
				slog.String("track_sid", t.SID),
				slog.String("error", err.Error()))
			continue
		}
		for _, f := range stream.Write(rtc.SamplesToBytes(pcm[:n*t.NumChannels])) {
			t.Push(f)
		}
	}
}
