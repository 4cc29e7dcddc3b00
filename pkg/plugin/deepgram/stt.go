// Package deepgram implements streaming speech-to-text against Deepgram's
// /v1/listen websocket API.
package deepgram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/chriscow/livekit-voice-assistant/pkg/ai"
	"github.com/chriscow/livekit-voice-assistant/pkg/ai/stt"
	"github.com/chriscow/livekit-voice-assistant/pkg/rtc"
)

const (
	DefaultBaseURL    = "wss://api.deepgram.com"
	DefaultModel      = "nova-2"
	DefaultSampleRate = 16000

	keepAliveInterval = 5 * time.Second
	utteranceEndMS    = 1000
	eventBuffer       = 64
)

// Config configures the Deepgram client.
type Config struct {
	APIKey   string
	BaseURL  string
	Model    string
	Language string
	Retry    ai.RetryConfig
	Logger   *slog.Logger
}

// STT implements stt.STT.
type STT struct {
	cfg    Config
	dialer *websocket.Dialer
	logger *slog.Logger
}

var _ stt.STT = (*STT)(nil)

// New validates cfg and returns a client. No connection is made until NewStream.
func New(cfg Config) (*STT, error) {
	if cfg.APIKey == "" {
		return nil, ai.MissingCredential("deepgram", "DEEPGRAM_API_KEY")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.Language == "" {
		cfg.Language = "en-US"
	}
	if cfg.Retry.MaxRetries == 0 && cfg.Retry.InitialDelay == 0 {
		cfg.Retry = ai.DefaultRetryConfig
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &STT{
		cfg:    cfg,
		dialer: &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		logger: cfg.Logger.With(slog.String("provider", "deepgram")),
	}, nil
}

func (d *STT) Capabilities() stt.Capabilities {
	return stt.Capabilities{
		Streaming:          true,
		InterimResults:     true,
		SupportedLanguages: []string{"en", "en-US", "en-GB", "es", "fr", "de", "pt", "nl", "it", "ja", "ko", "zh", "hi", "ru"},
		SampleRates:        []int{8000, 16000, 24000, 48000},
	}
}

func (d *STT) listenURL(cfg stt.StreamConfig) (string, error) {
	u, err := url.Parse(strings.TrimRight(d.cfg.BaseURL, "/") + "/v1/listen")
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("model", cfg.Model)
	q.Set("language", cfg.Language)
	q.Set("encoding", "linear16")
	q.Set("sample_rate", strconv.Itoa(cfg.SampleRate))
	q.Set("channels", strconv.Itoa(cfg.NumChannels))
	q.Set("interim_results", strconv.FormatBool(cfg.InterimResults))
	q.Set("vad_events", "true")
	q.Set("utterance_end_ms", strconv.Itoa(utteranceEndMS))
	q.Set("punctuate", "true")
	q.Set("smart_format", "true")
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// NewStream dials the websocket, retrying recoverable handshake failures.
func (d *STT) NewStream(ctx context.Context, cfg stt.StreamConfig) (stt.Stream, error) {
	if cfg.Model == "" {
		cfg.Model = d.cfg.Model
	}
	if cfg.Language == "" {
		cfg.Language = d.cfg.Language
	}
	if cfg.SampleRate == 0 {
		cfg.SampleRate = DefaultSampleRate
	}
	if cfg.NumChannels == 0 {
		cfg.NumChannels = 1
	}

	target, err := d.listenURL(cfg)
	if err != nil {
		return nil, fmt.Errorf("deepgram: %w", err)
	}
	headers := http.Header{}
	headers.Set("Authorization", "Token "+d.cfg.APIKey)

	var conn *websocket.Conn
	err = ai.Retry(ctx, d.cfg.Retry, func(ctx context.Context) error {
		c, resp, err := d.dialer.DialContext(ctx, target, headers)
		if err != nil {
			if resp != nil {
				return fmt.Errorf("%w: %w", ai.ClassifyHTTPStatus(resp.StatusCode, "deepgram handshake"), err)
			}
			return ai.NewRecoverableError(err, "deepgram dial")
		}
		conn = c
		return nil
	})
	if err != nil {
		return nil, err
	}

	s := &stream{
		conn:       conn,
		sampleRate: cfg.SampleRate,
		language:   cfg.Language,
		events:     make(chan stt.SpeechEvent, eventBuffer),
		done:       make(chan struct{}),
		logger:     d.logger,
	}
	s.wg.Add(2)
	go s.readLoop()
	go s.keepAlive()
	d.logger.Debug("Deepgram stream opened", slog.String("model", cfg.Model), slog.Int("sample_rate", cfg.SampleRate))
	return s, nil
}

type stream struct {
	conn       *websocket.Conn
	sampleRate int
	language   string
	logger     *slog.Logger

	writeMu    sync.Mutex
	sendClosed bool

	events    chan stt.SpeechEvent
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	speaking bool // touched only by readLoop
}

func (s *stream) Push(frame rtc.AudioFrame) error {
	if frame.SampleRate != s.sampleRate {
		frame = rtc.ResampleFrame(frame, s.sampleRate)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.sendClosed {
		return errors.New("deepgram: stream send side closed")
	}
	if err := s.conn.WriteMessage(websocket.BinaryMessage, frame.Data); err != nil {
		return ai.NewRecoverableError(err, "deepgram write")
	}
	return nil
}

func (s *stream) Events() <-chan stt.SpeechEvent { return s.events }

// CloseSend asks Deepgram to flush and finish; the read loop ends when the
// server closes the socket.
func (s *stream) CloseSend() error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.sendClosed {
		return nil
	}
	s.sendClosed = true
	return s.conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"CloseStream"}`))
}

func (s *stream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		err = s.conn.Close()
		s.wg.Wait()
	})
	return err
}

func (s *stream) keepAlive() {
	defer s.wg.Done()
	ticker := time.NewTicker(keepAliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.writeMu.Lock()
			if !s.sendClosed {
				_ = s.conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"KeepAlive"}`))
			}
			s.writeMu.Unlock()
		}
	}
}

// message covers the Deepgram server messages this client reacts to.
type message struct {
	Type        string  `json:"type"`
	IsFinal     bool    `json:"is_final"`
	SpeechFinal bool    `json:"speech_final"`
	Start       float64 `json:"start"`
	Duration    float64 `json:"duration"`
	Channel     struct {
		Alternatives []struct {
			Transcript string  `json:"transcript"`
			Confidence float64 `json:"confidence"`
		} `json:"alternatives"`
	} `json:"channel"`
	Description string `json:"description"`
	Message     string `json:"message"`
}

func (s *stream) readLoop() {
	defer s.wg.Done()
	defer close(s.events)

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			select {
			case <-s.done:
			default:
				if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
					s.emit(stt.SpeechEvent{Type: stt.SpeechEventError, Timestamp: time.Now(),
						Error: ai.NewRecoverableError(err, "deepgram read")})
				}
			}
			return
		}

		var msg message
		if err := json.Unmarshal(data, &msg); err != nil {
			s.logger.Debug("Ignoring malformed Deepgram message", slog.Any("error", err))
			continue
		}
		if !s.handle(msg) {
			return
		}
	}
}

// handle translates one server message; false means the consumer is gone.
func (s *stream) handle(msg message) bool {
	now := time.Now()
	switch msg.Type {
	case "SpeechStarted":
		return s.startSpeech(now)

	case "Results":
		alts := s.alternatives(msg)
		if len(alts) == 0 || alts[0].Text == "" {
			if msg.SpeechFinal {
				return s.endSpeech(now)
			}
			return true
		}
		if !s.startSpeech(now) {
			return false
		}
		kind := stt.SpeechEventInterim
		if msg.IsFinal {
			kind = stt.SpeechEventFinal
		}
		if !s.emit(stt.SpeechEvent{Type: kind, Alternatives: alts, Timestamp: now}) {
			return false
		}
		if msg.SpeechFinal {
			return s.endSpeech(now)
		}
		return true

	case "UtteranceEnd":
		return s.endSpeech(now)

	case "Error":
		return s.emit(stt.SpeechEvent{Type: stt.SpeechEventError, Timestamp: now,
			Error: ai.NewFatalError(nil, "deepgram: "+msg.Description+" "+msg.Message)})
	}
	return true
}

func (s *stream) startSpeech(now time.Time) bool {
	if s.speaking {
		return true
	}
	s.speaking = true
	return s.emit(stt.SpeechEvent{Type: stt.SpeechEventStartOfSpeech, Timestamp: now})
}

func (s *stream) endSpeech(now time.Time) bool {
	if !s.speaking {
		return true
	}
	s.speaking = false
	return s.emit(stt.SpeechEvent{Type: stt.SpeechEventEndOfSpeech, Timestamp: now})
}

func (s *stream) alternatives(msg message) []stt.SpeechData {
	start := time.Duration(msg.Start * float64(time.Second))
	end := start + time.Duration(msg.Duration*float64(time.Second))

	out := make([]stt.SpeechData, 0, len(msg.Channel.Alternatives))
	for _, a := range msg.Channel.Alternatives {
		out = append(out, stt.SpeechData{
			Text:       strings.TrimSpace(a.Transcript),
			Confidence: a.Confidence,
			Language:   s.language,
			StartTime:  start,
			EndTime:    end,
		})
	}
	return out
}

func (s *stream) emit(ev stt.SpeechEvent) bool {
	select {
	case s.events <- ev:
		return true
	case <-s.done:
		return false
	}
}
