package metrics

import (
	"context"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/matryer/is"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/chriscow/livekit-voice-assistant/pkg/agent"
)

func TestInstrumentsObserve(t *testing.T) {
	is := is.New(t)
	reg := prometheus.NewRegistry()
	in := NewInstruments(reg, "")

	for _, ev := range sampleEvents() {
		in.Observe(ev)
	}
	in.Observe(&agent.TranscriptReceived{Text: "hi"})
	in.Observe(&agent.ResponseReceived{Text: "hello"})
	in.Observe(&agent.SpeechTranscribed{Text: "h"})
	in.Observe(&agent.SpeechTranscribed{Text: "hi", IsFinal: true})

	is.Equal(testutil.ToFloat64(in.LLMTokens.WithLabelValues("prompt")), 120.0)
	is.Equal(testutil.ToFloat64(in.LLMTokens.WithLabelValues("completion")), 30.0)
	is.Equal(testutil.ToFloat64(in.TTSCharacters), 50.0)
	is.Equal(testutil.ToFloat64(in.AudioSeconds.WithLabelValues("tts")), 4.0)
	is.Equal(testutil.ToFloat64(in.AudioSeconds.WithLabelValues("stt")), 2.0)
	is.Equal(testutil.ToFloat64(in.Interruptions), 1.0)
	is.Equal(testutil.ToFloat64(in.SessionEvents.WithLabelValues("transcript")), 1.0)
	is.Equal(testutil.ToFloat64(in.SessionEvents.WithLabelValues("metrics_llm")), 2.0)
	is.Equal(testutil.ToFloat64(in.SessionEvents.WithLabelValues("stt_interim")), 1.0)
	is.Equal(testutil.ToFloat64(in.SessionEvents.WithLabelValues("stt_final")), 1.0)
	is.Equal(testutil.CollectAndCount(in.TTSFirstByte), 1)
}

func TestInstrumentsRegisterTwice(t *testing.T) {
	is := is.New(t)
	reg := prometheus.NewRegistry()
	NewInstruments(reg, "a")
	NewInstruments(reg, "b") // distinct namespaces coexist

	defer func() {
		is.True(recover() != nil) // duplicate registration panics
	}()
	NewInstruments(reg, "a")
}

func TestHandler(t *testing.T) {
	is := is.New(t)
	reg := prometheus.NewRegistry()
	in := NewInstruments(reg, "test")
	in.ActiveSessions.Inc()

	srv := httptest.NewServer(Handler(reg))
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	is.NoErr(err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	is.NoErr(err)
	is.True(strings.Contains(string(body), "test_active_sessions 1"))
}

func TestServeStopsWithContext(t *testing.T) {
	is := is.New(t)
	l, err := net.Listen("tcp", "127.0.0.1:0")
	is.NoErr(err)
	addr := l.Addr().String()
	is.NoErr(l.Close())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- Serve(ctx, addr, prometheus.NewRegistry(), slog.New(slog.NewTextHandler(io.Discard, nil)))
	}()

	var resp *http.Response
	for i := 0; i < 50; i++ {
		resp, err = http.Get("http://" + addr + "/metrics")
		if err == nil {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	is.NoErr(err)
	resp.Body.Close()
	is.Equal(resp.StatusCode, http.StatusOK)

	cancel()
	select {
	case err := <-done:
		is.NoErr(err)
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}
