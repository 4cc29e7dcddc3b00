// Package onnxenv initialises the ONNX runtime shared by the Silero VAD and
// the turn detector.
package onnxenv

import (
	"os"
	"runtime"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
)

var (
	once    sync.Once
	initErr error
)

// Ensure initializes the ONNX runtime environment exactly once per process.
// Every later call returns the first call's result.
func Ensure() error {
	once.Do(func() {
		if libPath := os.Getenv("ONNXRUNTIME_LIB"); libPath != "" {
			ort.SetSharedLibraryPath(libPath)
		} else if runtime.GOOS == "darwin" {
			ort.SetSharedLibraryPath("/opt/homebrew/lib/libonnxruntime.dylib")
		}
		initErr = ort.InitializeEnvironment()
	})
	return initErr
}

// SessionOptions returns CPU options suited to small per-frame models. The
// caller must Destroy them.
func SessionOptions() (*ort.SessionOptions, error) {
	opts, err := ort.NewSessionOptions()
	if err != nil {
		return nil, err
	}
	if err := opts.SetIntraOpNumThreads(max(1, runtime.NumCPU()/2)); err != nil {
		opts.Destroy()
		return nil, err
	}
	if err := opts.SetInterOpNumThreads(1); err != nil {
		opts.Destroy()
		return nil, err
	}
	return opts, nil
}
