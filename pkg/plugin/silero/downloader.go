package silero

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"
)

// Downloader fetches the Silero VAD model into the model directory.
type Downloader struct {
	URL    string // defaults to ModelURL
	Path   string // defaults to DefaultModelPath()
	Client *http.Client
}

// Download downloads the Silero VAD model if it doesn't exist.
func (d *Downloader) Download() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()
	return d.DownloadContext(ctx)
}

// DownloadContext is Download bounded by ctx.
func (d *Downloader) DownloadContext(ctx context.Context) error {
	url := d.URL
	if url == "" {
		url = ModelURL
	}
	modelPath := d.Path
	if modelPath == "" {
		modelPath = DefaultModelPath()
	}
	client := d.Client
	if client == nil {
		client = http.DefaultClient
	}

	if info, err := os.Stat(modelPath); err == nil && info.Size() > 0 {
		slog.Info("Silero VAD model already exists", slog.String("model_path", modelPath))
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(modelPath), 0o755); err != nil {
		return fmt.Errorf("failed to create model directory: %w", err)
	}

	slog.Info("Downloading Silero VAD model",
		slog.String("url", url),
		slog.String("model_path", modelPath))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to download from %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("failed to download from %s: HTTP %d", url, resp.StatusCode)
	}

	tmp, err := os.CreateTemp(filepath.Dir(modelPath), ModelFileName+".*.part")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	n, err := io.Copy(tmp, resp.Body)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("failed to write model: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("downloaded model from %s is empty", url)
	}
	if err := os.Rename(tmp.Name(), modelPath); err != nil {
		return fmt.Errorf("failed to move model into place: %w", err)
	}

	slog.Info("Silero VAD model downloaded", slog.String("model_path", modelPath), slog.Int64("bytes", n))
	return nil
}
