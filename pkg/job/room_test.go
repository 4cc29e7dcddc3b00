package job

import (
	"context"
	"testing"
	"time"

	"github.com/matryer/is"
)

func TestNewRoom(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name    string
		config  RoomConfig
		wantErr bool
	}{
		{
			name:   "valid config",
			config: RoomConfig{URL: "wss://test.livekit.io", Token: "test-token", RoomName: "test-room"},
		},
		{
			name:    "missing URL",
			config:  RoomConfig{Token: "test-token", RoomName: "test-room"},
			wantErr: true,
		},
		{
			name:    "missing token",
			config:  RoomConfig{URL: "wss://test.livekit.io", RoomName: "test-room"},
			wantErr: true,
		},
		{
			name:    "missing room name",
			config:  RoomConfig{URL: "wss://test.livekit.io", Token: "test-token"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			is := is.New(t)
			room, err := NewRoom(ctx, tt.config)
			if tt.wantErr {
				is.True(err != nil)
				return
			}
			is.NoErr(err)
			is.Equal(room.Name(), "test-room")
			is.True(!room.IsConnected()) // new room should not be connected
		})
	}
}

func TestRoom_SubscribeFanOut(t *testing.T) {
	is := is.New(t)
	room := testRoom(t)

	a, cancelA := room.Subscribe()
	b, cancelB := room.Subscribe()
	defer cancelB()

	room.addParticipant(&Participant{SID: "PA_1", Identity: "alice"})

	for _, ch := range []<-chan *Event{a, b} {
		select {
		case ev := <-ch:
			is.Equal(ev.Type, EventParticipantConnected)
			is.Equal(ev.Participant.Identity, "alice")
		case <-time.After(time.Second):
			t.Fatal("subscriber did not receive event")
		}
	}

	cancelA()
	_, open := <-a
	is.True(!open) // unsubscribed channel is closed
	cancelA()      // idempotent
}

func TestRoom_WaitForParticipant(t *testing.T) {
	is := is.New(t)
	room := testRoom(t)

	got := make(chan *Participant, 1)
	go func() {
		p, err := room.WaitForParticipant(context.Background())
		if err == nil {
			got <- p
		}
	}()

	time.Sleep(10 * time.Millisecond)
	room.addParticipant(&Participant{SID: "PA_1", Identity: "alice"})
	room.addParticipant(&Participant{SID: "PA_2", Identity: "bob"})

	select {
	case p := <-got:
		is.Equal(p.Identity, "alice")
	case <-time.After(time.Second):
		t.Fatal("WaitForParticipant did not return")
	}

	// A participant already present returns immediately.
	p, err := room.WaitForParticipant(context.Background())
	is.NoErr(err)
	is.Equal(p.Identity, "alice")
	is.Equal(len(room.Participants()), 2)
}

func TestRoom_WaitForParticipantCancelled(t *testing.T) {
	is := is.New(t)
	room := testRoom(t)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := room.WaitForParticipant(ctx)
	is.Equal(err, context.DeadlineExceeded)
}

func TestRoom_WaitForAudioTrack(t *testing.T) {
	is := is.New(t)
	room := testRoom(t)
	alice := Participant{SID: "PA_1", Identity: "alice"}

	go func() {
		time.Sleep(10 * time.Millisecond)
		room.addAudioTrack(NewAudioTrack("TR_bob", Participant{Identity: "bob"}, InputSampleRate, 1))
		room.addAudioTrack(NewAudioTrack("TR_alice", alice, InputSampleRate, 1))
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	track, err := room.WaitForAudioTrack(ctx, "alice")
	is.NoErr(err)
	is.Equal(track.SID, "TR_alice")
}

func TestRoom_AudioTracksInJoinOrder(t *testing.T) {
	is := is.New(t)
	room := testRoom(t)
	is.Equal(len(room.AudioTracks()), 0)

	bob := Participant{SID: "PA_2", Identity: "bob"}
	alice := Participant{SID: "PA_1", Identity: "alice"}
	room.addParticipant(&alice)
	room.addParticipant(&bob)
	room.addAudioTrack(NewAudioTrack("TR_bob", bob, InputSampleRate, 1))
	room.addAudioTrack(NewAudioTrack("TR_alice", alice, InputSampleRate, 1))

	tracks := room.AudioTracks()
	is.Equal(len(tracks), 2)
	is.Equal(tracks[0].SID, "TR_alice") // alice joined first
	is.Equal(tracks[1].SID, "TR_bob")
}

func TestRoom_DisconnectClosesEverything(t *testing.T) {
	is := is.New(t)
	room, err := NewRoom(context.Background(), RoomConfig{URL: "wss://x", Token: "t", RoomName: "r"})
	is.NoErr(err)

	events, _ := room.Subscribe()
	track := NewAudioTrack("TR_1", Participant{Identity: "alice"}, InputSampleRate, 1)
	room.addAudioTrack(track)

	is.NoErr(room.Disconnect())
	is.NoErr(room.Disconnect()) // idempotent

	_, open := <-events
	is.True(!open)
	<-track.Done()

	late, _ := room.Subscribe()
	_, open = <-late
	is.True(!open) // subscribing after disconnect yields a closed channel

	_, err = room.WaitForParticipant(context.Background())
	is.True(err != nil)
}

func TestRoom_PublishBeforeConnect(t *testing.T) {
	is := is.New(t)
	room := testRoom(t)

	is.True(room.PublishData(context.Background(), []byte("{}")) != nil)
	_, err := room.PublishAudio("assistant")
	is.True(err != nil)
}

func TestSubscribePolicyString(t *testing.T) {
	is := is.New(t)
	is.Equal(SubscribeAudioOnly.String(), "audio_only")
	is.Equal(SubscribeAll.String(), "all")
	is.Equal(SubscribePolicy(9).String(), "SubscribePolicy(9)")
}
