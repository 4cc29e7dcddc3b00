package turn

import (
	"fmt"
	"log/slog"
	"os"
)

const (
	ModelEnglish      = "english"
	ModelMultilingual = "multilingual"
)

// DetectorConfig holds configuration for creating turn detectors.
type DetectorConfig struct {
	Model     string // "english" or "multilingual"
	ModelPath string // Path to model files (optional, uses default if empty)
	RemoteURL string // Remote inference URL (optional)
	Logger    *slog.Logger
}

// NewDetector creates a turn detector based on the provided configuration.
// If RemoteURL (or LIVEKIT_REMOTE_EOT_URL) is set, the result is a
// RemoteDetector falling back to the local ONNX model.
func NewDetector(config DetectorConfig) (Detector, error) {
	remoteURL := config.RemoteURL
	if remoteURL == "" {
		remoteURL = os.Getenv("LIVEKIT_REMOTE_EOT_URL")
	}

	if config.Model == "" {
		config.Model = ModelMultilingual
	}
	switch config.Model {
	case ModelEnglish, ModelMultilingual:
	default:
		return nil, fmt.Errorf("invalid model name: %s (supported: english|multilingual)", config.Model)
	}

	localDetector, err := NewONNXDetector(config.Model, config.ModelPath)
	if err != nil {
		return nil, fmt.Errorf("failed to create ONNX detector: %w", err)
	}

	if remoteURL != "" {
		logger := config.Logger
		if logger == nil {
			logger = slog.Default()
		}
		return NewRemoteDetector(remoteURL, localDetector, logger), nil
	}
	return localDetector, nil
}

// NewDefaultDetector creates a multilingual detector from the default model path.
func NewDefaultDetector() (Detector, error) {
	return NewDetector(DetectorConfig{Model: ModelMultilingual})
}
