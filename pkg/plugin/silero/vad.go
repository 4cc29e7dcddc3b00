// Package silero provides voice activity detection with the Silero ONNX model.
package silero

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/chriscow/livekit-voice-assistant/pkg/ai/vad"
	"github.com/chriscow/livekit-voice-assistant/pkg/plugin"
	"github.com/chriscow/livekit-voice-assistant/pkg/rtc"
)

// Config holds configuration for Silero VAD.
type Config struct {
	Threshold          float32
	MinSpeechDuration  time.Duration
	MinSilenceDuration time.Duration
	ModelPath          string
}

// VAD implements vad.VAD. One instance is loaded per worker process and
// shared by every session; each Detect call keeps its own model state.
type VAD struct {
	cfg   Config
	model inferencer
}

var _ vad.VAD = (*VAD)(nil)

// New loads the model at cfg.ModelPath (or the default path). A missing
// model is an error.
func New(cfg Config) (*VAD, error) {
	cfg = withDefaults(cfg)
	model, err := loadModel(cfg.ModelPath)
	if err != nil {
		return nil, err
	}
	slog.Info("Loaded Silero VAD model", slog.String("model_path", cfg.ModelPath))
	return &VAD{cfg: cfg, model: model}, nil
}

func withDefaults(cfg Config) Config {
	if cfg.Threshold <= 0 {
		cfg.Threshold = DefaultThreshold
	}
	if cfg.MinSpeechDuration <= 0 {
		cfg.MinSpeechDuration = DefaultMinSpeechDuration
	}
	if cfg.MinSilenceDuration <= 0 {
		cfg.MinSilenceDuration = DefaultMinSilenceDuration
	}
	if cfg.ModelPath == "" {
		cfg.ModelPath = DefaultModelPath()
	}
	return cfg
}

// Close releases the ONNX session.
func (v *VAD) Close() error {
	return v.model.close()
}

// Detect implements the VAD interface.
func (v *VAD) Detect(ctx context.Context, frames <-chan rtc.AudioFrame) (<-chan vad.Event, error) {
	if frames == nil {
		return nil, fmt.Errorf("silero: nil frame channel")
	}
	events := make(chan vad.Event, 10)
	go func() {
		defer close(events)
		newDetector(v.cfg, v.model).run(ctx, frames, events)
	}()
	return events, nil
}

// Capabilities returns the VAD capabilities.
func (v *VAD) Capabilities() vad.Capabilities {
	return vad.Capabilities{
		SampleRates:        []int{8000, 16000, 24000, 48000},
		MinSpeechDuration:  v.cfg.MinSpeechDuration,
		MinSilenceDuration: v.cfg.MinSilenceDuration,
		Threshold:          v.cfg.Threshold,
	}
}

// detector is the per-stream state of one Detect call.
type detector struct {
	cfg   Config
	model inferencer

	state  []float32
	input  []float32 // context followed by the current window
	buf    []float32
	window time.Duration

	speaking     bool
	speechRun    time.Duration
	silenceRun   time.Duration
	speechStart  time.Time
	inferFailure bool
}

func newDetector(cfg Config, model inferencer) *detector {
	return &detector{
		cfg:    cfg,
		model:  model,
		state:  make([]float32, stateSize),
		input:  make([]float32, contextSamples+windowSamples),
		window: time.Duration(windowSamples) * time.Second / SampleRate,
	}
}

func (d *detector) run(ctx context.Context, frames <-chan rtc.AudioFrame, events chan<- vad.Event) {
	emit := func(ev vad.Event) bool {
		select {
		case events <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}

	for {
		select {
		case <-ctx.Done():
			return
		case frame, ok := <-frames:
			if !ok {
				if d.speaking {
					emit(vad.Event{Type: vad.EventSpeechEnd, Timestamp: time.Now(), Duration: time.Since(d.speechStart)})
				}
				return
			}
			for _, ev := range d.push(frame) {
				if !emit(ev) {
					return
				}
			}
		}
	}
}

// push feeds one frame and returns the events it produced.
func (d *detector) push(frame rtc.AudioFrame) []vad.Event {
	samples := rtc.Resample(frame.Samples(), frame.SampleRate, SampleRate)
	for _, s := range samples {
		d.buf = append(d.buf, float32(s)/32768.0)
	}

	var out []vad.Event
	for len(d.buf) >= windowSamples {
		copy(d.input[contextSamples:], d.buf[:windowSamples])
		d.buf = d.buf[windowSamples:]

		prob, err := d.model.infer(d.input, d.state)
		// The last samples of this window are the next window's context.
		copy(d.input[:contextSamples], d.input[len(d.input)-contextSamples:])
		if err != nil {
			if !d.inferFailure {
				d.inferFailure = true
				out = append(out, vad.Event{Type: vad.EventError, Timestamp: time.Now(), Error: err})
			}
			continue
		}
		if ev, ok := d.step(prob); ok {
			out = append(out, ev)
		}
	}
	return out
}

// step advances the speech/silence hysteresis by one window.
func (d *detector) step(prob float32) (vad.Event, bool) {
	if prob >= d.cfg.Threshold {
		d.speechRun += d.window
		d.silenceRun = 0
		if !d.speaking && d.speechRun >= d.cfg.MinSpeechDuration {
			d.speaking = true
			d.speechStart = time.Now().Add(-d.speechRun)
			return vad.Event{Type: vad.EventSpeechStart, Timestamp: d.speechStart, Probability: prob}, true
		}
		return vad.Event{}, false
	}

	d.silenceRun += d.window
	d.speechRun = 0
	if d.speaking && d.silenceRun >= d.cfg.MinSilenceDuration {
		d.speaking = false
		return vad.Event{
			Type:        vad.EventSpeechEnd,
			Timestamp:   time.Now(),
			Probability: prob,
			Duration:    time.Since(d.speechStart) - d.silenceRun,
		}, true
	}
	return vad.Event{}, false
}

func newSileroVAD(cfg map[string]any) (any, error) {
	config := Config{
		Threshold: float32(plugin.FloatOption(cfg, "threshold", DefaultThreshold)),
		ModelPath: plugin.StringOption(cfg, "model_path", "", ""),
	}
	if dir := plugin.StringOption(cfg, "model_dir", "", ""); config.ModelPath == "" && dir != "" {
		config.ModelPath = filepath.Join(dir, ModelFileName)
	}
	if d, ok := cfg["min_silence_duration"].(time.Duration); ok {
		config.MinSilenceDuration = d
	}
	return New(config)
}

func init() {
	plugin.RegisterWithMetadata(&plugin.Plugin{
		Kind:        plugin.KindVAD,
		Name:        "silero",
		Factory:     newSileroVAD,
		Description: "Silero VAD (ONNX)",
		Version:     "5.0.0",
		Config: map[string]any{
			"threshold":  DefaultThreshold,
			"model_path": "",
			"model_dir":  "",
		},
		Downloader: &Downloader{},
	})
}
