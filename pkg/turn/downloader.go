package turn

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"

	"github.com/chriscow/livekit-voice-assistant/pkg/turn/internal"
)

// DefaultHubURL is the HuggingFace Hub the model files are fetched from.
const DefaultHubURL = "https://huggingface.co"

// Downloader handles downloading turn detection models and associated files.
type Downloader struct {
	modelPath string
	hubURL    string
	client    *http.Client
	logger    *slog.Logger
}

// DownloaderOption customizes a Downloader.
type DownloaderOption func(*Downloader)

// WithHubURL points the downloader at a different model hub.
func WithHubURL(url string) DownloaderOption {
	return func(d *Downloader) { d.hubURL = url }
}

// WithHTTPClient sets the HTTP client used for downloads.
func WithHTTPClient(c *http.Client) DownloaderOption {
	return func(d *Downloader) { d.client = c }
}

// WithDownloadLogger sets the logger used for progress output.
func WithDownloadLogger(l *slog.Logger) DownloaderOption {
	return func(d *Downloader) { d.logger = l }
}

// NewDownloader creates a new model downloader.
func NewDownloader(modelPath string, opts ...DownloaderOption) *Downloader {
	if modelPath == "" {
		modelPath = getDefaultModelPath()
	}
	d := &Downloader{
		modelPath: modelPath,
		hubURL:    DefaultHubURL,
		client:    http.DefaultClient,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Download fetches every model. It satisfies plugin.Downloader.
func (d *Downloader) Download() error {
	return d.DownloadAll(context.Background())
}

// DownloadAll downloads all available models.
func (d *Downloader) DownloadAll(ctx context.Context) error {
	for _, model := range internal.AllModels {
		if err := d.DownloadModel(ctx, model.Name); err != nil {
			return fmt.Errorf("failed to download model %s: %w", model.Name, err)
		}
	}
	return nil
}

// DownloadModel downloads a specific model and its associated files.
func (d *Downloader) DownloadModel(ctx context.Context, name string) error {
	model, ok := internal.FindModel(name)
	if !ok {
		return fmt.Errorf("unknown model: %s", name)
	}

	modelDir := internal.GetModelPath(d.modelPath, model.Revision)
	for _, filename := range model.Files {
		filePath := filepath.Join(modelDir, filename)
		if err := os.MkdirAll(filepath.Dir(filePath), 0o755); err != nil {
			return fmt.Errorf("failed to create directories for %s: %w", filename, err)
		}

		if isValidFile(filePath, model.Revision, filename) {
			d.logger.Debug("Model file already present", slog.String("file", filename))
			continue
		}

		d.logger.Info("Downloading model file",
			slog.String("model", model.Name),
			slog.String("file", filename))
		if err := d.downloadFile(ctx, model, filename, filePath); err != nil {
			return fmt.Errorf("failed to download %s: %w", filename, err)
		}
	}

	d.logger.Info("Model downloaded", slog.String("model", model.Name), slog.String("path", modelDir))
	return nil
}

func (d *Downloader) downloadFile(ctx context.Context, model internal.ModelInfo, filename, destination string) error {
	url := fmt.Sprintf("%s/%s/resolve/%s/%s", d.hubURL, model.Repo, model.Revision, filename)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("HTTP %d: %s", resp.StatusCode, resp.Status)
	}

	tmp, err := os.CreateTemp(filepath.Dir(destination), filepath.Base(destination)+".*.part")
	if err != nil {
		return fmt.Errorf("failed to create file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, resp.Body); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), destination)
}

// isValidFile checks that a file exists and, when a hash is pinned, matches it.
func isValidFile(filePath, revision, filename string) bool {
	info, err := os.Stat(filePath)
	if err != nil || info.Size() == 0 {
		return false
	}

	expectedHash := internal.FileHashes[revision][filename]
	if expectedHash == "" {
		return true
	}
	return verifyFileHash(filePath, expectedHash)
}

func verifyFileHash(filePath, expectedHash string) bool {
	file, err := os.Open(filePath)
	if err != nil {
		return false
	}
	defer file.Close()

	hasher := sha256.New()
	if _, err := io.Copy(hasher, file); err != nil {
		return false
	}
	return hex.EncodeToString(hasher.Sum(nil)) == expectedHash
}

// ModelStatus reports, per model name, whether every file is present and valid.
func (d *Downloader) ModelStatus() map[string]bool {
	status := make(map[string]bool)
	for _, model := range internal.AllModels {
		complete := true
		for _, filename := range model.Files {
			filePath := internal.GetModelFilePath(d.modelPath, model.Revision, filename)
			if !isValidFile(filePath, model.Revision, filename) {
				complete = false
				break
			}
		}
		status[model.Name] = complete
	}
	return status
}
