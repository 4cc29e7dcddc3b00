package fake

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/matryer/is"

	"github.com/chriscow/livekit-voice-assistant/pkg/ai/tts"
)

func TestFakeTTSSynthesize(t *testing.T) {
	is := is.New(t)
	f := NewFakeTTS()

	frames, err := f.Synthesize(context.Background(), tts.SynthesizeRequest{Text: "hello"})
	is.NoErr(err)

	count := 0
	for frame := range frames {
		is.Equal(frame.SampleRate, SampleRate)
		is.Equal(len(frame.Data), SampleRate/100*2)
		count++
	}
	is.Equal(count, 5) // one frame per character
	is.Equal(f.Requests()[0].Text, "hello")
}

func TestFakeTTSHoldUntilCancel(t *testing.T) {
	is := is.New(t)
	f := NewFakeTTS().Hold()

	ctx, cancel := context.WithCancel(context.Background())
	frames, err := f.Synthesize(ctx, tts.SynthesizeRequest{Text: "a"})
	is.NoErr(err)
	<-frames

	select {
	case <-frames:
		t.Fatal("held synthesis closed before cancel")
	case <-time.After(20 * time.Millisecond):
	}

	cancel()
	_, ok := <-frames
	is.True(!ok) // cancel ends the synthesis
}

func TestFakeTTSFailure(t *testing.T) {
	is := is.New(t)
	f := NewFakeTTS()
	f.FailWith(tts.ErrRecoverable)

	_, err := f.Synthesize(context.Background(), tts.SynthesizeRequest{Text: "x"})
	is.True(errors.Is(err, tts.ErrRecoverable))
}
