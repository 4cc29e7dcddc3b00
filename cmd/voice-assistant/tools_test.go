package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"

	"github.com/matryer/is"

	sttfake "github.com/chriscow/livekit-voice-assistant/pkg/ai/stt/fake"
	ttsfake "github.com/chriscow/livekit-voice-assistant/pkg/ai/tts/fake"
	"github.com/chriscow/livekit-voice-assistant/pkg/audio/wav"
	"github.com/chriscow/livekit-voice-assistant/pkg/plugin"
	"github.com/chriscow/livekit-voice-assistant/pkg/rtc"
	turnfake "github.com/chriscow/livekit-voice-assistant/pkg/turn/fake"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// writeSilence writes n frames of 16kHz mono silence to a temporary WAV file.
func writeSilence(t *testing.T, n int) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "in.wav")
	w, err := wav.Create(path, 16000, 1)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < n; i++ {
		f, err := rtc.NewAudioFrame(make([]byte, 320), 16000, 1, 0)
		if err != nil {
			t.Fatal(err)
		}
		if err := w.WriteFrame(*f); err != nil {
			t.Fatal(err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestSTTEchoPrintsFinalTranscript(t *testing.T) {
	is := is.New(t)

	recognizer := sttfake.NewFakeSTT("hello from the file")
	var out bytes.Buffer
	err := runSTTEcho(context.Background(), recognizer, writeSilence(t, 5), "en-US", false, &out, quietLogger())
	is.NoErr(err)
	is.Equal(out.String(), "Transcript: hello from the file\n")

	streams := recognizer.Streams()
	is.Equal(len(streams), 1)
	is.Equal(streams[0].Pushed(), 5)
}

func TestSTTEchoMissingFile(t *testing.T) {
	is := is.New(t)

	err := runSTTEcho(context.Background(), sttfake.NewFakeSTT(""), filepath.Join(t.TempDir(), "nope.wav"),
		"en-US", false, io.Discard, quietLogger())
	is.True(err != nil)
}

func TestSTTEchoStreamFailure(t *testing.T) {
	is := is.New(t)

	boom := errors.New("provider down")
	recognizer := sttfake.NewFakeSTT("")
	recognizer.FailWith(boom)
	err := runSTTEcho(context.Background(), recognizer, writeSilence(t, 1), "en-US", false, io.Discard, quietLogger())
	is.True(errors.Is(err, boom))
}

func TestSynthesizeToFile(t *testing.T) {
	is := is.New(t)

	path := filepath.Join(t.TempDir(), "say.wav")
	synth := ttsfake.NewFakeTTS()
	d, err := synthesizeToFile(context.Background(), synth, "hello", "en-US", path)
	is.NoErr(err)
	is.Equal(d, 5*rtc.FrameDuration) // one frame per character

	r, err := wav.Open(path)
	is.NoErr(err)
	defer r.Close()
	frames, err := r.ReadFrames()
	is.NoErr(err)
	is.Equal(len(frames), 5)
	is.Equal(int(r.Header().SampleRate), ttsfake.SampleRate)
	is.Equal(synth.Requests()[0].Language, "en-US")
}

func TestSynthesizeToFileNoAudio(t *testing.T) {
	is := is.New(t)

	_, err := synthesizeToFile(context.Background(), ttsfake.NewFakeTTS(), "", "en-US",
		filepath.Join(t.TempDir(), "say.wav"))
	is.True(err != nil) // empty text yields no frames
}

func TestTurnPredict(t *testing.T) {
	tests := []struct {
		name      string
		threshold float64
		wantEOT   bool
	}{
		{name: "detector threshold", threshold: 0, wantEOT: true},
		{name: "override threshold", threshold: 0.9, wantEOT: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			is := is.New(t)

			detector := turnfake.NewFakeTurnDetectorWithValues(0.85, 0.5)
			in := strings.NewReader(`{"messages":[{"role":"user","content":"what time is it"}]}`)
			var out bytes.Buffer
			is.NoErr(runTurnPredict(context.Background(), detector, in, &out, "", tt.threshold))

			var got map[string]any
			is.NoErr(json.Unmarshal(out.Bytes(), &got))
			is.Equal(got["eou_probability"], 0.85)
			is.Equal(got["end_of_turn"], tt.wantEOT)

			calls := detector.Calls()
			is.Equal(len(calls), 1)
			is.Equal(calls[0].Language, "en-US") // defaulted
			is.Equal(calls[0].Messages[0].Content, "what time is it")
		})
	}
}

func TestTurnPredictBadInput(t *testing.T) {
	is := is.New(t)

	err := runTurnPredict(context.Background(), turnfake.NewFakeTurnDetector(), strings.NewReader("{"), io.Discard, "", 0)
	is.True(err != nil)
}

func TestListPlugins(t *testing.T) {
	is := is.New(t)

	reg := plugin.NewRegistry()
	reg.RegisterWithMetadata(&plugin.Plugin{
		Kind:    plugin.KindSTT,
		Name:    "deepgram",
		Version: "1.0.0",
		Factory: func(map[string]any) (any, error) { return nil, nil },
	})

	var out bytes.Buffer
	listPlugins(&out, reg.List(plugin.KindSTT), plugin.KindSTT)
	is.True(strings.Contains(out.String(), "deepgram"))
	is.True(strings.Contains(out.String(), "No description"))

	out.Reset()
	listPlugins(&out, reg.List(plugin.KindTTS), plugin.KindTTS)
	is.Equal(out.String(), "No plugins registered for kind: tts\n")
}
