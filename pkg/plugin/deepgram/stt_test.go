package deepgram

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/matryer/is"

	"github.com/chriscow/livekit-voice-assistant/pkg/ai"
	"github.com/chriscow/livekit-voice-assistant/pkg/ai/stt"
	"github.com/chriscow/livekit-voice-assistant/pkg/plugin"
	"github.com/chriscow/livekit-voice-assistant/pkg/rtc"
)

var upgrader = websocket.Upgrader{}

func wsURL(s *httptest.Server) string {
	return "ws" + strings.TrimPrefix(s.URL, "http")
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func frame48k() rtc.AudioFrame {
	return rtc.AudioFrame{Data: make([]byte, 960), SampleRate: 48000, SamplesPerChannel: 480, NumChannels: 1}
}

const (
	speechStarted = `{"type":"SpeechStarted","timestamp":0.1}`
	interim       = `{"type":"Results","is_final":false,"start":0.0,"duration":0.5,"channel":{"alternatives":[{"transcript":"hel","confidence":0.4}]}}`
	final         = `{"type":"Results","is_final":true,"speech_final":true,"start":0.0,"duration":1.0,"channel":{"alternatives":[{"transcript":"hello world","confidence":0.98},{"transcript":"yellow world","confidence":0.3}]}}`
)

func TestStreamTranscribes(t *testing.T) {
	is := is.New(t)

	gotQuery := make(chan string, 1)
	gotAudio := make(chan int, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Token dg-key" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		gotQuery <- r.URL.RawQuery
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		_, audio, err := conn.ReadMessage()
		if err != nil {
			return
		}
		gotAudio <- len(audio)

		for _, m := range []string{speechStarted, interim, final} {
			_ = conn.WriteMessage(websocket.TextMessage, []byte(m))
		}

		for {
			kind, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if kind == websocket.TextMessage && strings.Contains(string(msg), "CloseStream") {
				_ = conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
		}
	}))
	defer server.Close()

	client, err := New(Config{APIKey: "dg-key", BaseURL: wsURL(server), Logger: quietLogger()})
	is.NoErr(err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s, err := client.NewStream(ctx, stt.StreamConfig{InterimResults: true})
	is.NoErr(err)
	defer s.Close()

	query := <-gotQuery
	is.True(strings.Contains(query, "model=nova-2"))
	is.True(strings.Contains(query, "encoding=linear16"))
	is.True(strings.Contains(query, "sample_rate=16000"))
	is.True(strings.Contains(query, "interim_results=true"))

	is.NoErr(s.Push(frame48k()))
	is.Equal(<-gotAudio, 320) // resampled to 16 kHz before sending

	var types []stt.SpeechEventType
	var finalEv stt.SpeechEvent
	for ev := range s.Events() {
		types = append(types, ev.Type)
		if ev.Type == stt.SpeechEventFinal {
			finalEv = ev
		}
		if ev.Type == stt.SpeechEventEndOfSpeech {
			is.NoErr(s.CloseSend())
		}
	}

	is.Equal(types, []stt.SpeechEventType{
		stt.SpeechEventStartOfSpeech,
		stt.SpeechEventInterim,
		stt.SpeechEventFinal,
		stt.SpeechEventEndOfSpeech,
	})
	top, ok := finalEv.Top()
	is.True(ok)
	is.Equal(top.Text, "hello world")
	is.Equal(len(finalEv.Alternatives), 2)
	is.Equal(top.EndTime, time.Second)

	is.True(s.Push(frame48k()) != nil) // send side closed
}

func TestHandshakeErrors(t *testing.T) {
	tests := []struct {
		name        string
		status      int
		wantHits    int32
		recoverable bool
	}{
		{name: "unauthorized", status: http.StatusUnauthorized, wantHits: 1},
		{name: "unavailable", status: http.StatusServiceUnavailable, wantHits: 3, recoverable: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			is := is.New(t)
			var hits atomic.Int32
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				hits.Add(1)
				http.Error(w, "nope", tt.status)
			}))
			defer server.Close()

			client, err := New(Config{
				APIKey:  "k",
				BaseURL: wsURL(server),
				Retry:   ai.RetryConfig{MaxRetries: 2, InitialDelay: time.Millisecond, BackoffFactor: 1},
				Logger:  quietLogger(),
			})
			is.NoErr(err)

			_, err = client.NewStream(context.Background(), stt.StreamConfig{})
			is.True(err != nil)
			is.Equal(ai.IsRecoverable(err), tt.recoverable)
			is.Equal(hits.Load(), tt.wantHits)
		})
	}
}

func TestServerDropReportsError(t *testing.T) {
	is := is.New(t)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"Error","description":"bad audio","message":"x"}`))
		conn.Close() // abrupt
	}))
	defer server.Close()

	client, err := New(Config{APIKey: "k", BaseURL: wsURL(server), Logger: quietLogger()})
	is.NoErr(err)
	s, err := client.NewStream(context.Background(), stt.StreamConfig{})
	is.NoErr(err)
	defer s.Close()

	var errs []error
	for ev := range s.Events() {
		if ev.Type == stt.SpeechEventError {
			errs = append(errs, ev.Error)
		}
	}
	is.Equal(len(errs), 2)
	is.True(ai.IsFatal(errs[0]))       // server-reported error
	is.True(ai.IsRecoverable(errs[1])) // dropped connection
}

func TestMissingKeyFailsWithoutDialing(t *testing.T) {
	is := is.New(t)
	t.Setenv("DEEPGRAM_API_KEY", "")

	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer server.Close()

	_, err := plugin.Build[stt.STT](plugin.KindSTT, "deepgram", map[string]any{"base_url": wsURL(server)})
	is.True(errors.Is(err, ai.ErrMissingCredential))
	is.Equal(hits.Load(), int32(0))
}

func TestCloseIsIdempotent(t *testing.T) {
	is := is.New(t)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer server.Close()

	client, err := New(Config{APIKey: "k", BaseURL: wsURL(server), Logger: quietLogger()})
	is.NoErr(err)
	s, err := client.NewStream(context.Background(), stt.StreamConfig{})
	is.NoErr(err)

	_ = s.Close()
	_ = s.Close()
	_, open := <-s.Events()
	is.True(!open)
}
