package job

import (
	"time"
)

// EventType represents the type of room event.
type EventType string

const (
	// EventParticipantConnected is fired when a participant joins the room
	EventParticipantConnected EventType = "participant_connected"

	// EventParticipantDisconnected is fired when a participant leaves the room
	EventParticipantDisconnected EventType = "participant_disconnected"

	// EventTrackSubscribed is fired when a remote audio track is subscribed
	// and decoding has started. Event.Audio carries the decoded frames.
	EventTrackSubscribed EventType = "track_subscribed"

	// EventTrackUnsubscribed is fired when a track is unsubscribed
	EventTrackUnsubscribed EventType = "track_unsubscribed"

	// EventTrackPublished is fired when a participant publishes a track
	EventTrackPublished EventType = "track_published"

	// EventDataReceived is fired when data is received from a participant
	EventDataReceived EventType = "data_received"

	// EventDisconnected is fired once when the room connection ends.
	EventDisconnected EventType = "disconnected"
)

// Participant identifies a remote participant.
type Participant struct {
	SID      string
	Identity string
	Name     string
}

// TrackKind distinguishes audio from video publications.
type TrackKind string

const (
	TrackKindAudio TrackKind = "audio"
	TrackKindVideo TrackKind = "video"
)

// TrackInfo describes a remote track publication.
type TrackInfo struct {
	SID  string
	Name string
	Kind TrackKind
}

// Event represents a room event with associated data.
type Event struct {
	Type        EventType
	Timestamp   time.Time
	Participant *Participant
	Track       *TrackInfo

	// Audio is set on EventTrackSubscribed for audio tracks.
	Audio *AudioTrack

	// Data payload for data events
	Data []byte
}

// NewEvent creates a new event with the current timestamp.
func NewEvent(eventType EventType) *Event {
	return &Event{
		Type:      eventType,
		Timestamp: time.Now(),
	}
}

// WithParticipant adds participant information to the event.
func (e *Event) WithParticipant(p *Participant) *Event {
	e.Participant = p
	return e
}

// WithTrack adds track information to the event.
func (e *Event) WithTrack(track *TrackInfo) *Event {
	e.Track = track
	return e
}

// WithAudio attaches a decoded audio track to the event.
func (e *Event) WithAudio(track *AudioTrack) *Event {
	e.Audio = track
	return e
}

// WithData adds data payload to the event.
func (e *Event) WithData(data []byte) *Event {
	e.Data = data
	return e
}
