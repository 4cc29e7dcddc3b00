// Package fake provides an in-memory room transport for tests.
package fake

import (
	"context"
	"errors"
	"sync"

	"github.com/chriscow/livekit-voice-assistant/pkg/job"
	"github.com/chriscow/livekit-voice-assistant/pkg/rtc"
)

// FakeRoom implements job.RoomConn without a LiveKit server.
type FakeRoom struct {
	name string

	mu           sync.Mutex
	connectErr   error
	publishErr   error
	connected    bool
	connectOpts  []job.ConnectOptions
	participants []job.Participant
	tracks       map[string][]*job.AudioTrack
	changed      chan struct{}
	subs         map[int]chan *job.Event
	nextSub      int
	published    [][]byte
	attempts     int
	sinks        []*FakeSink
	disconnected bool
}

var _ job.RoomConn = (*FakeRoom)(nil)

// NewFakeRoom returns an empty, unconnected room.
func NewFakeRoom(name string) *FakeRoom {
	return &FakeRoom{
		name:    name,
		tracks:  make(map[string][]*job.AudioTrack),
		changed: make(chan struct{}),
		subs:    make(map[int]chan *job.Event),
	}
}

// FailConnect makes Connect return err.
func (r *FakeRoom) FailConnect(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.connectErr = err
}

// FailPublish makes PublishData return err until called again with nil.
func (r *FakeRoom) FailPublish(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.publishErr = err
}

func (r *FakeRoom) Name() string { return r.name }

func (r *FakeRoom) Connect(ctx context.Context, opts job.ConnectOptions) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.connectOpts = append(r.connectOpts, opts)
	if r.connectErr != nil {
		return r.connectErr
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	r.connected = true
	return nil
}

// ConnectCalls returns the options of every Connect call.
func (r *FakeRoom) ConnectCalls() []job.ConnectOptions {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]job.ConnectOptions(nil), r.connectOpts...)
}

// IsConnected reports whether Connect succeeded and Disconnect was not called.
func (r *FakeRoom) IsConnected() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.connected
}

// AddParticipant simulates a participant joining.
func (r *FakeRoom) AddParticipant(p job.Participant) {
	r.mu.Lock()
	r.participants = append(r.participants, p)
	r.notifyLocked()
	r.mu.Unlock()

	r.emit(job.NewEvent(job.EventParticipantConnected).WithParticipant(&p))
}

// AddAudioTrack simulates a subscribed audio track from p. Push frames into
// the returned track and Close it to end the stream.
func (r *FakeRoom) AddAudioTrack(p job.Participant, sid string, sampleRate int) *job.AudioTrack {
	t := job.NewAudioTrack(sid, p, sampleRate, 1)

	r.mu.Lock()
	r.tracks[p.Identity] = append(r.tracks[p.Identity], t)
	r.notifyLocked()
	r.mu.Unlock()

	r.emit(job.NewEvent(job.EventTrackSubscribed).
		WithParticipant(&p).
		WithTrack(&job.TrackInfo{SID: sid, Kind: job.TrackKindAudio}).
		WithAudio(t))
	return t
}

// Emit delivers an arbitrary event to subscribers.
func (r *FakeRoom) Emit(ev *job.Event) {
	r.emit(ev)
}

func (r *FakeRoom) WaitForParticipant(ctx context.Context) (*job.Participant, error) {
	for {
		r.mu.Lock()
		if len(r.participants) > 0 {
			p := r.participants[0]
			r.mu.Unlock()
			return &p, nil
		}
		changed := r.changed
		r.mu.Unlock()

		select {
		case <-changed:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (r *FakeRoom) WaitForAudioTrack(ctx context.Context, identity string) (*job.AudioTrack, error) {
	for {
		r.mu.Lock()
		if ts := r.tracks[identity]; len(ts) > 0 {
			t := ts[0]
			r.mu.Unlock()
			return t, nil
		}
		changed := r.changed
		r.mu.Unlock()

		select {
		case <-changed:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (r *FakeRoom) AudioTracks() []*job.AudioTrack {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*job.AudioTrack
	for _, p := range r.participants {
		out = append(out, r.tracks[p.Identity]...)
	}
	return out
}

func (r *FakeRoom) Subscribe() (<-chan *job.Event, func()) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ch := make(chan *job.Event, 64)
	id := r.nextSub
	r.nextSub++
	r.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			if sub, ok := r.subs[id]; ok {
				delete(r.subs, id)
				close(sub)
			}
		})
	}
}

func (r *FakeRoom) PublishData(ctx context.Context, payload []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.attempts++
	if r.publishErr != nil {
		return r.publishErr
	}
	if !r.connected {
		return errors.New("room not connected")
	}
	r.published = append(r.published, append([]byte(nil), payload...))
	return nil
}

// PublishAttempts counts PublishData calls, failed ones included.
func (r *FakeRoom) PublishAttempts() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.attempts
}

// Published returns every payload sent with PublishData.
func (r *FakeRoom) Published() [][]byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([][]byte(nil), r.published...)
}

func (r *FakeRoom) PublishAudio(name string) (job.AudioSink, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.connected {
		return nil, errors.New("room not connected")
	}
	s := &FakeSink{Name: name}
	r.sinks = append(r.sinks, s)
	return s, nil
}

// Sinks returns every sink handed out by PublishAudio.
func (r *FakeRoom) Sinks() []*FakeSink {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*FakeSink(nil), r.sinks...)
}

func (r *FakeRoom) Disconnect() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.disconnected {
		return nil
	}
	r.disconnected = true
	r.connected = false
	for id, ch := range r.subs {
		close(ch)
		delete(r.subs, id)
	}
	for _, ts := range r.tracks {
		for _, t := range ts {
			t.Close()
		}
	}
	return nil
}

func (r *FakeRoom) notifyLocked() {
	close(r.changed)
	r.changed = make(chan struct{})
}

func (r *FakeRoom) emit(ev *job.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ch := range r.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// FakeSink records played audio.
type FakeSink struct {
	Name string

	mu      sync.Mutex
	frames  []rtc.AudioFrame
	cleared int
	closed  bool
}

func (s *FakeSink) WriteFrame(ctx context.Context, f rtc.AudioFrame) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return job.ErrSinkClosed
	}
	s.frames = append(s.frames, f)
	return nil
}

func (s *FakeSink) Drain(ctx context.Context) error {
	return ctx.Err()
}

func (s *FakeSink) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cleared++
}

func (s *FakeSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Frames returns every frame written so far.
func (s *FakeSink) Frames() []rtc.AudioFrame {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]rtc.AudioFrame(nil), s.frames...)
}

// Cleared reports how many times Clear was called.
func (s *FakeSink) Cleared() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cleared
}
