package wav

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/chriscow/livekit-voice-assistant/pkg/rtc"
)

const headerSize = 44

// Writer writes 16-bit PCM frames. The RIFF and data sizes are patched on Close.
type Writer struct {
	dst    io.WriteSeeker
	closer io.Closer

	sampleRate  int
	numChannels int
	dataBytes   uint32
}

// Create creates filename and writes a placeholder header.
func Create(filename string, sampleRate, numChannels int) (*Writer, error) {
	file, err := os.Create(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to create WAV file: %w", err)
	}
	w, err := NewWriter(file, sampleRate, numChannels)
	if err != nil {
		file.Close()
		return nil, err
	}
	w.closer = file
	return w, nil
}

func NewWriter(dst io.WriteSeeker, sampleRate, numChannels int) (*Writer, error) {
	if sampleRate <= 0 || numChannels <= 0 {
		return nil, fmt.Errorf("invalid audio format: %dHz %d-channel", sampleRate, numChannels)
	}
	w := &Writer{dst: dst, sampleRate: sampleRate, numChannels: numChannels}
	if err := w.writeHeader(); err != nil {
		return nil, fmt.Errorf("failed to write WAV header: %w", err)
	}
	return w, nil
}

// WriteFrame appends frame. Its format must match the writer's.
func (w *Writer) WriteFrame(frame rtc.AudioFrame) error {
	if frame.SampleRate != w.sampleRate || frame.NumChannels != w.numChannels {
		return fmt.Errorf("frame format %dHz/%d does not match file format %dHz/%d",
			frame.SampleRate, frame.NumChannels, w.sampleRate, w.numChannels)
	}
	n, err := w.dst.Write(frame.Data)
	w.dataBytes += uint32(n)
	if err != nil {
		return fmt.Errorf("failed to write audio data: %w", err)
	}
	return nil
}

// Duration is the length of audio written so far.
func (w *Writer) Duration() time.Duration {
	bytesPerSecond := int64(w.sampleRate * w.numChannels * 2)
	return time.Duration(int64(w.dataBytes) * int64(time.Second) / bytesPerSecond)
}

// Close finalizes the header and closes the file opened by Create.
func (w *Writer) Close() error {
	if w.dst == nil {
		return nil
	}
	if _, err := w.dst.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("failed to rewind: %w", err)
	}
	err := w.writeHeader()
	w.dst = nil
	if w.closer != nil {
		if cerr := w.closer.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

func (w *Writer) writeHeader() error {
	blockAlign := uint16(w.numChannels * 2)
	hdr := struct {
		RIFF          [4]byte
		ChunkSize     uint32
		WAVE          [4]byte
		Fmt           [4]byte
		FmtSize       uint32
		AudioFormat   uint16
		NumChannels   uint16
		SampleRate    uint32
		ByteRate      uint32
		BlockAlign    uint16
		BitsPerSample uint16
		Data          [4]byte
		DataSize      uint32
	}{
		RIFF:          [4]byte{'R', 'I', 'F', 'F'},
		ChunkSize:     headerSize - 8 + w.dataBytes,
		WAVE:          [4]byte{'W', 'A', 'V', 'E'},
		Fmt:           [4]byte{'f', 'm', 't', ' '},
		FmtSize:       16,
		AudioFormat:   1,
		NumChannels:   uint16(w.numChannels),
		SampleRate:    uint32(w.sampleRate),
		ByteRate:      uint32(w.sampleRate) * uint32(blockAlign),
		BlockAlign:    blockAlign,
		BitsPerSample: 16,
		Data:          [4]byte{'d', 'a', 't', 'a'},
		DataSize:      w.dataBytes,
	}
	return binary.Write(w.dst, binary.LittleEndian, &hdr)
}
