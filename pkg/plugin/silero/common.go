package silero

import (
	"os"
	"path/filepath"
	"time"
)

const (
	// ModelFileName is the expected ONNX model file name
	ModelFileName = "silero_vad.onnx"

	// ModelURL is where download-files fetches the model from.
	ModelURL = "https://github.com/snakers4/silero-vad/raw/master/src/silero_vad/data/silero_vad.onnx"

	// DefaultThreshold is the default activation threshold
	DefaultThreshold = 0.5

	// SampleRate is the only rate the model is run at. Input frames at other
	// rates are resampled.
	SampleRate = 16000

	// windowSamples is the model's input window at 16 kHz (32 ms), and
	// contextSamples the tail of the previous window prepended to it.
	windowSamples  = 512
	contextSamples = 64
	stateSize      = 2 * 1 * 128

	DefaultMinSpeechDuration  = 50 * time.Millisecond
	DefaultMinSilenceDuration = 550 * time.Millisecond
)

// DefaultModelDir returns the directory models are stored in: LK_MODEL_PATH
// or ~/.livekit/models.
func DefaultModelDir() string {
	if dir := os.Getenv("LK_MODEL_PATH"); dir != "" {
		return dir
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "livekit-models")
	}
	return filepath.Join(homeDir, ".livekit", "models")
}

// DefaultModelPath returns the default path for the Silero model.
func DefaultModelPath() string {
	return filepath.Join(DefaultModelDir(), ModelFileName)
}
