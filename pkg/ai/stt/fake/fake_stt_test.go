package fake

import (
	"context"
	"errors"
	"testing"

	"github.com/matryer/is"

	"github.com/chriscow/livekit-voice-assistant/pkg/ai/stt"
	"github.com/chriscow/livekit-voice-assistant/pkg/rtc"
)

func silentFrame() rtc.AudioFrame {
	return rtc.AudioFrame{Data: make([]byte, 320), SampleRate: 16000, SamplesPerChannel: 160, NumChannels: 1}
}

func TestFakeSTTAutoStream(t *testing.T) {
	is := is.New(t)
	provider := NewFakeSTT("hello there world")

	stream, err := provider.NewStream(context.Background(), stt.StreamConfig{SampleRate: 16000, NumChannels: 1, Language: "en-US"})
	is.NoErr(err)

	for i := 0; i < 20; i++ {
		is.NoErr(stream.Push(silentFrame()))
	}
	is.NoErr(stream.CloseSend())
	is.True(errors.Is(stream.Push(silentFrame()), ErrStreamClosed)) // push after CloseSend fails

	var types []stt.SpeechEventType
	var final string
	for ev := range stream.Events() {
		types = append(types, ev.Type)
		if ev.Type == stt.SpeechEventFinal {
			top, ok := ev.Top()
			is.True(ok)
			final = top.Text
		}
	}

	is.Equal(types[0], stt.SpeechEventStartOfSpeech)
	is.Equal(types[len(types)-1], stt.SpeechEventEndOfSpeech)
	is.Equal(final, "hello there world")
	is.NoErr(stream.Close()) // closing twice is safe
}

func TestScriptedSTT(t *testing.T) {
	is := is.New(t)
	provider := NewScriptedSTT()

	stream, err := provider.NewStream(context.Background(), stt.StreamConfig{Language: "en-US"})
	is.NoErr(err)
	fs := <-provider.Opened()

	is.NoErr(stream.Push(silentFrame()))
	is.Equal(fs.Pushed(), 1)

	fs.EmitFinal("best", "second")
	ev := <-stream.Events()
	is.Equal(ev.Type, stt.SpeechEventFinal)
	is.Equal(len(ev.Alternatives), 2)
	is.Equal(ev.Alternatives[0].Text, "best")

	is.True(!fs.IsClosed())
	is.NoErr(stream.Close())
	is.True(fs.IsClosed())
	fs.EmitFinal("ignored") // must not panic after close
}

func TestFakeSTTFailure(t *testing.T) {
	is := is.New(t)
	provider := NewScriptedSTT()
	provider.FailWith(stt.ErrFatal)

	_, err := provider.NewStream(context.Background(), stt.StreamConfig{})
	is.True(errors.Is(err, stt.ErrFatal))
}
