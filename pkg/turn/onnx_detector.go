package turn

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/sugarme/tokenizer"
	"github.com/sugarme/tokenizer/pretrained"
	ort "github.com/yalue/onnxruntime_go"

	"github.com/chriscow/livekit-voice-assistant/internal/onnxenv"
	"github.com/chriscow/livekit-voice-assistant/pkg/ai/llm"
	"github.com/chriscow/livekit-voice-assistant/pkg/turn/internal"
)

const (
	// modelFileRel is the relative path to the ONNX model file within the model directory
	modelFileRel = "onnx/model_q8.onnx"

	maxHistoryTurns = 6
	maxTokens       = 128
	imEnd           = "<|im_end|>"
)

// ONNXDetector implements turn detection using ONNX models.
type ONNXDetector struct {
	modelInfo internal.ModelInfo
	modelPath string

	sessionOnce sync.Once
	session     *ort.DynamicAdvancedSession
	outputName  string
	sessionErr  error

	tokenizer     *tokenizer.Tokenizer
	tokenizerOnce sync.Once
	tokenizerErr  error

	languages     map[string]float64
	languagesOnce sync.Once
	languagesErr  error
}

// NewONNXDetector creates a new ONNX-based turn detector. Model files are
// loaded lazily on first use.
func NewONNXDetector(modelName, modelPath string) (*ONNXDetector, error) {
	modelInfo, ok := internal.FindModel(modelName)
	if !ok {
		return nil, fmt.Errorf("unknown model: %s", modelName)
	}
	if modelPath == "" {
		modelPath = getDefaultModelPath()
	}
	return &ONNXDetector{
		modelInfo: modelInfo,
		modelPath: modelPath,
	}, nil
}

// UnlikelyThreshold returns the language-specific threshold for EOU detection.
func (d *ONNXDetector) UnlikelyThreshold(language string) (float64, error) {
	if err := d.loadLanguages(); err != nil {
		return 0, err
	}
	threshold, exists := d.lookupLanguage(language)
	if !exists {
		return 0, fmt.Errorf("unsupported language: %s", language)
	}
	return threshold, nil
}

// SupportsLanguage returns true if the detector has a tuned threshold for this language.
func (d *ONNXDetector) SupportsLanguage(language string) bool {
	if err := d.loadLanguages(); err != nil {
		return false
	}
	_, exists := d.lookupLanguage(language)
	return exists
}

// lookupLanguage matches "en-US" against "en-US" first, then "en".
func (d *ONNXDetector) lookupLanguage(language string) (float64, bool) {
	lang := strings.ToLower(language)
	if v, ok := d.languages[lang]; ok {
		return v, true
	}
	if base, _, found := strings.Cut(lang, "-"); found {
		v, ok := d.languages[base]
		return v, ok
	}
	return 0, false
}

// PredictEndOfTurn returns probability (0–1) that the user has finished speaking.
func (d *ONNXDetector) PredictEndOfTurn(ctx context.Context, chatCtx ChatContext) (float64, error) {
	startTime := time.Now()

	if err := d.loadSession(); err != nil {
		return 0, fmt.Errorf("failed to load ONNX session: %w", err)
	}
	if err := d.loadTokenizer(); err != nil {
		return 0, fmt.Errorf("failed to load tokenizer: %w", err)
	}

	tokens, err := d.tokenizeChat(chatCtx)
	if err != nil {
		return 0, err
	}

	probability, err := d.runInference(ctx, tokens)
	if err != nil {
		return 0, fmt.Errorf("inference failed: %w", err)
	}

	if latency := time.Since(startTime); latency > 25*time.Millisecond {
		slog.Debug("Turn detection inference was slow",
			slog.Duration("latency", latency),
			slog.String("model", d.modelInfo.Name))
	}
	return probability, nil
}

func (d *ONNXDetector) loadSession() error {
	d.sessionOnce.Do(func() {
		modelFile := internal.GetModelFilePath(d.modelPath, d.modelInfo.Revision, modelFileRel)
		if _, err := os.Stat(modelFile); err != nil {
			d.sessionErr = fmt.Errorf("model file not found: %s (run 'voice-assistant download-files' first)", modelFile)
			return
		}

		if err := onnxenv.Ensure(); err != nil {
			d.sessionErr = fmt.Errorf("failed to initialize ONNX runtime: %w", err)
			return
		}

		_, outputs, err := ort.GetInputOutputInfo(modelFile)
		if err != nil {
			d.sessionErr = fmt.Errorf("failed to inspect model: %w", err)
			return
		}
		if len(outputs) == 0 {
			d.sessionErr = fmt.Errorf("model %s has no outputs", modelFile)
			return
		}
		d.outputName = outputs[0].Name

		options, err := onnxenv.SessionOptions()
		if err != nil {
			d.sessionErr = fmt.Errorf("failed to create session options: %w", err)
			return
		}
		defer options.Destroy()

		if err := options.AddSessionConfigEntry("session.dynamic_block_base", "4"); err != nil {
			d.sessionErr = fmt.Errorf("failed to set session.dynamic_block_base: %w", err)
			return
		}

		d.session, err = ort.NewDynamicAdvancedSession(modelFile,
			[]string{"input_ids"}, []string{d.outputName}, options)
		if err != nil {
			d.sessionErr = fmt.Errorf("failed to create ONNX session: %w", err)
		}
	})
	return d.sessionErr
}

// loadTokenizer loads the HuggingFace tokenizer from tokenizer.json.
func (d *ONNXDetector) loadTokenizer() error {
	d.tokenizerOnce.Do(func() {
		tokenizerFile := internal.GetModelFilePath(d.modelPath, d.modelInfo.Revision, "tokenizer.json")
		if _, err := os.Stat(tokenizerFile); err != nil {
			d.tokenizerErr = fmt.Errorf("tokenizer file not found: %s (run 'voice-assistant download-files' first)", tokenizerFile)
			return
		}

		tk, err := pretrained.FromFile(tokenizerFile)
		if err != nil {
			d.tokenizerErr = fmt.Errorf("failed to load tokenizer: %w", err)
			return
		}
		d.tokenizer = tk
	})
	return d.tokenizerErr
}

// loadLanguages parses languages.json once and caches the thresholds. Each
// entry is either a bare threshold or an object with "threshold".
func (d *ONNXDetector) loadLanguages() error {
	d.languagesOnce.Do(func() {
		langFile := internal.GetModelFilePath(d.modelPath, d.modelInfo.Revision, "languages.json")
		data, err := os.ReadFile(langFile)
		if err != nil {
			d.languagesErr = fmt.Errorf("failed to open languages.json: %w", err)
			return
		}
		d.languages, d.languagesErr = parseLanguages(data)
	})
	return d.languagesErr
}

func parseLanguages(data []byte) (map[string]float64, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to decode languages.json: %w", err)
	}

	out := make(map[string]float64, len(raw))
	for lang, v := range raw {
		var threshold float64
		if err := json.Unmarshal(v, &threshold); err != nil {
			var obj struct {
				Threshold float64 `json:"threshold"`
			}
			if err := json.Unmarshal(v, &obj); err != nil {
				return nil, fmt.Errorf("languages.json: bad entry for %s: %w", lang, err)
			}
			threshold = obj.Threshold
		}
		out[strings.ToLower(lang)] = threshold
	}
	return out, nil
}

// tokenizeChat converts chat context to token ids, keeping the most recent
// maxTokens.
func (d *ONNXDetector) tokenizeChat(chatCtx ChatContext) ([]int64, error) {
	text := formatChat(chatCtx.Messages)

	encoding, err := d.tokenizer.EncodeSingle(text, false)
	if err != nil {
		return nil, fmt.Errorf("tokenization failed: %w", err)
	}

	ids := encoding.GetIds()
	if len(ids) > maxTokens {
		ids = ids[len(ids)-maxTokens:]
	}
	out := make([]int64, len(ids))
	for i, id := range ids {
		out[i] = int64(id)
	}
	return out, nil
}

// formatChat applies the model's chat template to the recent user and
// assistant turns. The final end-of-turn marker is left off: predicting it
// is the model's job.
func formatChat(messages []llm.Message) string {
	var turns []llm.Message
	for _, m := range messages {
		if m.Role == llm.RoleSystem || strings.TrimSpace(m.Content) == "" {
			continue
		}
		turns = append(turns, m)
	}
	if len(turns) > maxHistoryTurns {
		turns = turns[len(turns)-maxHistoryTurns:]
	}

	var b strings.Builder
	for _, m := range turns {
		fmt.Fprintf(&b, "<|im_start|><|%s|>%s%s", m.Role, m.Content, imEnd)
	}
	return strings.TrimSuffix(b.String(), imEnd)
}

func (d *ONNXDetector) runInference(ctx context.Context, tokens []int64) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if len(tokens) == 0 {
		return 0.5, nil
	}

	input, err := ort.NewTensor(ort.NewShape(1, int64(len(tokens))), tokens)
	if err != nil {
		return 0, fmt.Errorf("failed to create input tensor: %w", err)
	}
	defer input.Destroy()

	outputs := []ort.Value{nil}
	if err := d.session.Run([]ort.Value{input}, outputs); err != nil {
		return 0, fmt.Errorf("ONNX inference failed: %w", err)
	}
	defer outputs[0].Destroy()

	out, ok := outputs[0].(*ort.Tensor[float32])
	if !ok {
		return 0, fmt.Errorf("unexpected output type %T", outputs[0])
	}
	data := out.GetData()
	if len(data) == 0 {
		return 0, fmt.Errorf("empty output tensor")
	}

	// The probability for the last token is the end-of-turn probability.
	prob := float64(data[len(data)-1])
	return min(1, max(0, prob)), nil
}

// Close releases the ONNX session.
func (d *ONNXDetector) Close() error {
	if d.session != nil {
		return d.session.Destroy()
	}
	return nil
}

// getDefaultModelPath returns the default path for storing models.
func getDefaultModelPath() string {
	if path := os.Getenv("LK_MODEL_PATH"); path != "" {
		return path
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "livekit-models")
	}
	return filepath.Join(homeDir, ".livekit", "models")
}
