package job

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/hraban/opus"
	"github.com/livekit/protocol/livekit"
	lksdk "github.com/livekit/server-sdk-go"
	"github.com/pion/webrtc/v3"
)

// SubscribePolicy selects which remote tracks the room subscribes to.
type SubscribePolicy int

const (
	SubscribeAll SubscribePolicy = iota
	SubscribeAudioOnly
	SubscribeNone
)

func (p SubscribePolicy) String() string {
	switch p {
	case SubscribeAll:
		return "all"
	case SubscribeAudioOnly:
		return "audio_only"
	case SubscribeNone:
		return "none"
	default:
		return fmt.Sprintf("SubscribePolicy(%d)", int(p))
	}
}

// ConnectOptions control how a room connection is established.
type ConnectOptions struct {
	AutoSubscribe SubscribePolicy
}

// RoomConn is the room transport a session runs on.
type RoomConn interface {
	Name() string
	Connect(ctx context.Context, opts ConnectOptions) error
	// WaitForParticipant returns the first remote participant, waiting until
	// one joins or ctx is done.
	WaitForParticipant(ctx context.Context) (*Participant, error)
	// WaitForAudioTrack returns the first decoded audio track of identity.
	WaitForAudioTrack(ctx context.Context, identity string) (*AudioTrack, error)
	// AudioTracks returns the audio tracks subscribed so far, in participant
	// join order.
	AudioTracks() []*AudioTrack
	// Subscribe registers a listener for room events. Call the returned func
	// to unsubscribe.
	Subscribe() (<-chan *Event, func())
	// PublishData sends payload reliably to every participant.
	PublishData(ctx context.Context, payload []byte) error
	// PublishAudio publishes a microphone track fed by the returned sink.
	PublishAudio(name string) (AudioSink, error)
	Disconnect() error
}

// RoomConfig contains configuration for connecting to a room.
type RoomConfig struct {
	// URL of the LiveKit server
	URL string

	// Token for authentication
	Token string

	// Room name to join
	RoomName string

	// Buffer size for each event subscriber
	EventBufferSize int

	Logger *slog.Logger
}

// Room wraps the LiveKit room connection. It tracks remote participants,
// decodes their audio and fans room events out to subscribers.
type Room struct {
	cfg    RoomConfig
	logger *slog.Logger
	policy SubscribePolicy

	ctx    context.Context
	cancel context.CancelFunc

	mu           sync.RWMutex
	room         *lksdk.Room
	connected    bool
	closed       bool
	participants map[string]*Participant
	order        []string
	tracks       map[string][]*AudioTrack
	changed      chan struct{}
	subs         map[int]chan *Event
	nextSub      int
	sinks        []AudioSink
}

var _ RoomConn = (*Room)(nil)

// NewRoom creates a new Room wrapper with the given configuration.
func NewRoom(ctx context.Context, config RoomConfig) (*Room, error) {
	if config.URL == "" {
		return nil, fmt.Errorf("URL is required")
	}
	if config.Token == "" {
		return nil, fmt.Errorf("token is required")
	}
	if config.RoomName == "" {
		return nil, fmt.Errorf("room name is required")
	}
	if config.EventBufferSize == 0 {
		config.EventBufferSize = 100
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	roomCtx, cancel := context.WithCancel(ctx)
	return &Room{
		cfg:          config,
		logger:       logger.With(slog.String("room", config.RoomName)),
		ctx:          roomCtx,
		cancel:       cancel,
		participants: make(map[string]*Participant),
		tracks:       make(map[string][]*AudioTrack),
		changed:      make(chan struct{}),
		subs:         make(map[int]chan *Event),
	}, nil
}

// Name returns the room name.
func (r *Room) Name() string {
	return r.cfg.RoomName
}

// Connect establishes the connection to the LiveKit room.
func (r *Room) Connect(ctx context.Context, opts ConnectOptions) error {
	r.mu.Lock()
	if r.connected {
		r.mu.Unlock()
		return fmt.Errorf("room is already connected")
	}
	r.policy = opts.AutoSubscribe
	r.mu.Unlock()

	callback := &lksdk.RoomCallback{
		OnParticipantConnected:    r.onParticipantConnected,
		OnParticipantDisconnected: r.onParticipantDisconnected,
		OnDisconnected:            r.onDisconnected,
		ParticipantCallback: lksdk.ParticipantCallback{
			OnTrackSubscribed:   r.onTrackSubscribed,
			OnTrackUnsubscribed: r.onTrackUnsubscribed,
			OnTrackPublished:    r.onTrackPublished,
			OnDataReceived:      r.onDataReceived,
		},
	}

	type result struct {
		room *lksdk.Room
		err  error
	}
	done := make(chan result, 1)
	go func() {
		room, err := lksdk.ConnectToRoomWithToken(r.cfg.URL, r.cfg.Token, callback,
			lksdk.WithAutoSubscribe(opts.AutoSubscribe == SubscribeAll))
		done <- result{room, err}
	}()

	var res result
	select {
	case res = <-done:
	case <-ctx.Done():
		go func() {
			if late := <-done; late.room != nil {
				late.room.Disconnect()
			}
		}()
		return fmt.Errorf("failed to connect to room: %w", ctx.Err())
	}
	if res.err != nil {
		return fmt.Errorf("failed to connect to room: %w", res.err)
	}

	r.mu.Lock()
	r.room = res.room
	r.connected = true
	r.mu.Unlock()

	r.logger.Info("Connected to LiveKit room",
		slog.String("url", r.cfg.URL),
		slog.String("auto_subscribe", opts.AutoSubscribe.String()))

	// Participants already in the room do not trigger OnParticipantConnected.
	for _, rp := range res.room.GetParticipants() {
		r.onParticipantConnected(rp)
		for _, pub := range rp.Tracks() {
			if remote, ok := pub.(*lksdk.RemoteTrackPublication); ok {
				r.maybeSubscribe(remote, rp)
			}
		}
	}
	return nil
}

// Disconnect closes the room connection and cleans up resources.
func (r *Room) Disconnect() error {
	r.mu.Lock()
	r.cancel()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true

	room := r.room
	r.connected = false
	sinks := r.sinks
	r.sinks = nil
	var tracks []*AudioTrack
	for _, ts := range r.tracks {
		tracks = append(tracks, ts...)
	}
	for id, ch := range r.subs {
		close(ch)
		delete(r.subs, id)
	}
	r.mu.Unlock()

	for _, s := range sinks {
		_ = s.Close()
	}
	for _, t := range tracks {
		t.Close()
	}
	if room != nil {
		room.Disconnect()
		r.logger.Info("Disconnected from LiveKit room")
	}
	return nil
}

// IsConnected returns true if the room is currently connected.
func (r *Room) IsConnected() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.connected
}

// Participants returns the remote participants in join order.
func (r *Room) Participants() []Participant {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Participant, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, *r.participants[id])
	}
	return out
}

// WaitForParticipant blocks until a remote participant is present.
func (r *Room) WaitForParticipant(ctx context.Context) (*Participant, error) {
	for {
		r.mu.RLock()
		if len(r.order) > 0 {
			p := *r.participants[r.order[0]]
			r.mu.RUnlock()
			return &p, nil
		}
		changed := r.changed
		r.mu.RUnlock()

		select {
		case <-changed:
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-r.ctx.Done():
			return nil, fmt.Errorf("room closed while waiting for participant")
		}
	}
}

// WaitForAudioTrack blocks until identity has a subscribed audio track.
func (r *Room) WaitForAudioTrack(ctx context.Context, identity string) (*AudioTrack, error) {
	for {
		r.mu.RLock()
		if ts := r.tracks[identity]; len(ts) > 0 {
			t := ts[0]
			r.mu.RUnlock()
			return t, nil
		}
		changed := r.changed
		r.mu.RUnlock()

		select {
		case <-changed:
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-r.ctx.Done():
			return nil, fmt.Errorf("room closed while waiting for audio from %s", identity)
		}
	}
}

func (r *Room) AudioTracks() []*AudioTrack {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*AudioTrack
	for _, id := range r.order {
		out = append(out, r.tracks[id]...)
	}
	return out
}

// Subscribe registers a room event listener.
func (r *Room) Subscribe() (<-chan *Event, func()) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ch := make(chan *Event, r.cfg.EventBufferSize)
	if r.closed {
		close(ch)
		return ch, func() {}
	}
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

// PublishData sends payload over the reliable data channel.
func (r *Room) PublishData(ctx context.Context, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.RLock()
	room := r.room
	r.mu.RUnlock()
	if room == nil {
		return fmt.Errorf("room not connected")
	}
	if err := room.LocalParticipant.PublishData(payload, livekit.DataPacket_RELIABLE, nil); err != nil {
		return fmt.Errorf("publish data: %w", err)
	}
	return nil
}

// PublishAudio publishes an Opus microphone track and returns its sink.
func (r *Room) PublishAudio(name string) (AudioSink, error) {
	r.mu.RLock()
	room := r.room
	r.mu.RUnlock()
	if room == nil {
		return nil, fmt.Errorf("room not connected")
	}

	enc, err := opus.NewEncoder(OutputSampleRate, 1, opus.AppVoIP)
	if err != nil {
		return nil, fmt.Errorf("create opus encoder: %w", err)
	}
	sink := newSampleSink(enc)

	track, err := lksdk.NewLocalSampleTrack(webrtc.RTPCodecCapability{
		MimeType:  webrtc.MimeTypeOpus,
		ClockRate: OutputSampleRate,
		Channels:  1,
	})
	if err != nil {
		return nil, fmt.Errorf("create local sample track: %w", err)
	}
	if err := track.StartWrite(sink, func() {
		r.logger.Debug("Audio track writer stopped", slog.String("track", name))
	}); err != nil {
		return nil, fmt.Errorf("start sample writer: %w", err)
	}

	pub, err := room.LocalParticipant.PublishTrack(track, &lksdk.TrackPublicationOptions{
		Name:   name,
		Source: livekit.TrackSource_MICROPHONE,
	})
	if err != nil {
		_ = sink.Close()
		return nil, fmt.Errorf("publish audio track: %w", err)
	}

	r.mu.Lock()
	r.sinks = append(r.sinks, sink)
	r.mu.Unlock()

	r.logger.Info("Published audio track",
		slog.String("track", name),
		slog.String("track_sid", pub.SID()))
	return sink, nil
}

func (r *Room) maybeSubscribe(pub *lksdk.RemoteTrackPublication, rp *lksdk.RemoteParticipant) {
	r.mu.RLock()
	policy := r.policy
	r.mu.RUnlock()

	if policy != SubscribeAudioOnly || pub.Kind() != lksdk.TrackKindAudio {
		return
	}
	if err := pub.SetSubscribed(true); err != nil {
		r.logger.Error("Failed to subscribe to audio track",
			slog.String("participant", rp.Identity()),
			slog.String("track_sid", pub.SID()),
			slog.String("error", err.Error()))
	}
}

func participantOf(rp *lksdk.RemoteParticipant) *Participant {
	return &Participant{SID: rp.SID(), Identity: rp.Identity(), Name: rp.Name()}
}

func trackInfoOf(pub *lksdk.RemoteTrackPublication) *TrackInfo {
	kind := TrackKindVideo
	if pub.Kind() == lksdk.TrackKindAudio {
		kind = TrackKindAudio
	}
	return &TrackInfo{SID: pub.SID(), Name: pub.Name(), Kind: kind}
}

func (r *Room) onParticipantConnected(rp *lksdk.RemoteParticipant) {
	r.addParticipant(participantOf(rp))
}

func (r *Room) addParticipant(p *Participant) {
	r.mu.Lock()
	if _, ok := r.participants[p.Identity]; ok {
		r.mu.Unlock()
		return
	}
	r.participants[p.Identity] = p
	r.order = append(r.order, p.Identity)
	r.notifyLocked()
	r.mu.Unlock()

	r.sendEvent(NewEvent(EventParticipantConnected).WithParticipant(p))
	r.logger.Info("Participant connected",
		slog.String("identity", p.Identity),
		slog.String("sid", p.SID))
}

func (r *Room) onParticipantDisconnected(rp *lksdk.RemoteParticipant) {
	p := participantOf(rp)

	r.mu.Lock()
	delete(r.participants, p.Identity)
	for i, id := range r.order {
		if id == p.Identity {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	tracks := r.tracks[p.Identity]
	delete(r.tracks, p.Identity)
	r.notifyLocked()
	r.mu.Unlock()

	for _, t := range tracks {
		t.Close()
	}
	r.sendEvent(NewEvent(EventParticipantDisconnected).WithParticipant(p))
	r.logger.Info("Participant disconnected", slog.String("identity", p.Identity))
}

func (r *Room) onTrackPublished(pub *lksdk.RemoteTrackPublication, rp *lksdk.RemoteParticipant) {
	r.sendEvent(NewEvent(EventTrackPublished).
		WithParticipant(participantOf(rp)).
		WithTrack(trackInfoOf(pub)))
	r.maybeSubscribe(pub, rp)
}

func (r *Room) onTrackSubscribed(track *webrtc.TrackRemote, pub *lksdk.RemoteTrackPublication, rp *lksdk.RemoteParticipant) {
	p := participantOf(rp)
	info := trackInfoOf(pub)
	ev := NewEvent(EventTrackSubscribed).WithParticipant(p).WithTrack(info)

	if track.Kind() == webrtc.RTPCodecTypeAudio {
		dec, err := opus.NewDecoder(InputSampleRate, 1)
		if err != nil {
			r.logger.Error("Failed to create Opus decoder",
				slog.String("track_sid", info.SID),
				slog.String("error", err.Error()))
			return
		}
		at := NewAudioTrack(info.SID, *p, InputSampleRate, 1)
		r.addAudioTrack(at)
		go decodeTrack(r.ctx, track, dec, at, r.logger)
		ev.WithAudio(at)
	}

	r.sendEvent(ev)
	r.logger.Info("Track subscribed",
		slog.String("participant", p.Identity),
		slog.String("track_sid", info.SID),
		slog.String("track_kind", string(info.Kind)))
}

func (r *Room) addAudioTrack(at *AudioTrack) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := at.Participant.Identity
	r.tracks[id] = append(r.tracks[id], at)
	r.notifyLocked()
}

func (r *Room) onTrackUnsubscribed(track *webrtc.TrackRemote, pub *lksdk.RemoteTrackPublication, rp *lksdk.RemoteParticipant) {
	p := participantOf(rp)

	r.mu.Lock()
	var removed *AudioTrack
	ts := r.tracks[p.Identity]
	for i, t := range ts {
		if t.SID == pub.SID() {
			removed = t
			r.tracks[p.Identity] = append(ts[:i], ts[i+1:]...)
			break
		}
	}
	r.mu.Unlock()

	if removed != nil {
		removed.Close()
	}
	r.sendEvent(NewEvent(EventTrackUnsubscribed).
		WithParticipant(p).
		WithTrack(trackInfoOf(pub)))
}

func (r *Room) onDataReceived(data []byte, rp *lksdk.RemoteParticipant) {
	r.sendEvent(NewEvent(EventDataReceived).
		WithParticipant(participantOf(rp)).
		WithData(data))
}

func (r *Room) onDisconnected() {
	r.sendEvent(NewEvent(EventDisconnected))
	r.mu.Lock()
	r.connected = false
	r.mu.Unlock()
	r.cancel()
}

// notifyLocked wakes every waiter. r.mu must be held for writing.
func (r *Room) notifyLocked() {
	close(r.changed)
	r.changed = make(chan struct{})
}

// sendEvent delivers event to every subscriber, dropping it for subscribers
// whose buffer is full.
func (r *Room) sendEvent(event *Event) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, ch := range r.subs {
		select {
		case ch <- event:
		default:
			r.logger.Warn("Events channel is full, dropping event",
				slog.String("event_type", string(event.Type)))
		}
	}
}
