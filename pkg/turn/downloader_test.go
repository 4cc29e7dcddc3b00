package turn

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/matryer/is"

	"github.com/chriscow/livekit-voice-assistant/pkg/turn/internal"
)

func TestDownloaderFetchesModel(t *testing.T) {
	is := is.New(t)

	var requests atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		prefix := "/livekit/turn-detector/resolve/" + internal.MultilingualModel.Revision + "/"
		if !strings.HasPrefix(r.URL.Path, prefix) {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte("content of " + strings.TrimPrefix(r.URL.Path, prefix)))
	}))
	defer server.Close()

	dir := t.TempDir()
	d := NewDownloader(dir, WithHubURL(server.URL), WithDownloadLogger(quietLogger()))

	is.NoErr(d.DownloadModel(context.Background(), ModelMultilingual))
	is.Equal(int(requests.Load()), len(internal.MultilingualModel.Files))

	data, err := os.ReadFile(internal.GetModelFilePath(dir, internal.MultilingualModel.Revision, "onnx/model_q8.onnx"))
	is.NoErr(err)
	is.Equal(string(data), "content of onnx/model_q8.onnx")

	// Present files are not fetched again.
	is.NoErr(d.DownloadModel(context.Background(), ModelMultilingual))
	is.Equal(int(requests.Load()), len(internal.MultilingualModel.Files))

	status := d.ModelStatus()
	is.True(status[ModelMultilingual])
	is.True(!status[ModelEnglish])
}

func TestDownloaderHTTPError(t *testing.T) {
	is := is.New(t)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusNotFound)
	}))
	defer server.Close()

	dir := t.TempDir()
	d := NewDownloader(dir, WithHubURL(server.URL), WithDownloadLogger(quietLogger()))
	is.True(d.DownloadModel(context.Background(), ModelEnglish) != nil)

	_, err := os.Stat(internal.GetModelFilePath(dir, internal.EnglishModel.Revision, "tokenizer.json"))
	is.True(os.IsNotExist(err)) // no partial files left behind
}

func TestDownloaderUnknownModel(t *testing.T) {
	is := is.New(t)
	is.True(NewDownloader(t.TempDir()).DownloadModel(context.Background(), "nope") != nil)
}

func TestVerifyFileHash(t *testing.T) {
	is := is.New(t)
	path := t.TempDir() + "/f"
	is.NoErr(os.WriteFile(path, []byte("abc"), 0o644))

	is.True(verifyFileHash(path, "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad"))
	is.True(!verifyFileHash(path, "00"))
}
