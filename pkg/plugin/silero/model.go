package silero

import (
	"fmt"
	"os"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/chriscow/livekit-voice-assistant/internal/onnxenv"
)

// inferencer scores one window of 16 kHz audio. state is read and updated
// in place; it belongs to a single stream.
type inferencer interface {
	infer(window []float32, state []float32) (float32, error)
	close() error
}

// onnxModel runs the Silero v5 graph: inputs "input" [1, context+window],
// "state" [2, 1, 128] and "sr"; outputs "output" [1, 1] and "stateN".
type onnxModel struct {
	session *ort.DynamicAdvancedSession
}

func loadModel(path string) (*onnxModel, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("silero model not found at %s (run 'voice-assistant download-files'): %w", path, err)
	}
	if err := onnxenv.Ensure(); err != nil {
		return nil, fmt.Errorf("initialize ONNX runtime: %w", err)
	}

	opts, err := onnxenv.SessionOptions()
	if err != nil {
		return nil, fmt.Errorf("create session options: %w", err)
	}
	defer opts.Destroy()

	session, err := ort.NewDynamicAdvancedSession(path,
		[]string{"input", "state", "sr"},
		[]string{"output", "stateN"},
		opts)
	if err != nil {
		return nil, fmt.Errorf("create silero session: %w", err)
	}
	return &onnxModel{session: session}, nil
}

func (m *onnxModel) infer(window []float32, state []float32) (float32, error) {
	input, err := ort.NewTensor(ort.NewShape(1, int64(len(window))), window)
	if err != nil {
		return 0, fmt.Errorf("input tensor: %w", err)
	}
	defer input.Destroy()

	stateIn, err := ort.NewTensor(ort.NewShape(2, 1, 128), state)
	if err != nil {
		return 0, fmt.Errorf("state tensor: %w", err)
	}
	defer stateIn.Destroy()

	sr, err := ort.NewScalar(int64(SampleRate))
	if err != nil {
		return 0, fmt.Errorf("sample rate tensor: %w", err)
	}
	defer sr.Destroy()

	outputs := []ort.Value{nil, nil}
	if err := m.session.Run([]ort.Value{input, stateIn, sr}, outputs); err != nil {
		return 0, fmt.Errorf("silero inference: %w", err)
	}
	defer func() {
		for _, o := range outputs {
			if o != nil {
				o.Destroy()
			}
		}
	}()

	prob, ok := outputs[0].(*ort.Tensor[float32])
	if !ok || len(prob.GetData()) == 0 {
		return 0, fmt.Errorf("silero inference: unexpected output %T", outputs[0])
	}
	if next, ok := outputs[1].(*ort.Tensor[float32]); ok {
		copy(state, next.GetData())
	}
	return prob.GetData()[0], nil
}

func (m *onnxModel) close() error {
	return m.session.Destroy()
}
