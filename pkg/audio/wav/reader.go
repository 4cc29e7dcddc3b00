// Package wav reads and writes 16-bit PCM WAV files as 10ms audio frames.
package wav

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/chriscow/livekit-voice-assistant/pkg/rtc"
)

// Header describes the PCM stream of a WAV file.
type Header struct {
	SampleRate    uint32
	NumChannels   uint16
	BitsPerSample uint16
	DataSize      uint32
}

// Reader yields the audio of a WAV file as consecutive 10ms frames.
type Reader struct {
	src    io.ReadSeeker
	closer io.Closer
	header Header

	remaining int64
	index     int
}

// Open opens filename and parses its header.
func Open(filename string) (*Reader, error) {
	file, err := os.Open(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to open WAV file: %w", err)
	}
	r, err := NewReader(file)
	if err != nil {
		file.Close()
		return nil, err
	}
	r.closer = file
	return r, nil
}

// NewReader parses the header of src and leaves it positioned at the audio data.
func NewReader(src io.ReadSeeker) (*Reader, error) {
	r := &Reader{src: src}
	if err := r.readHeader(); err != nil {
		return nil, fmt.Errorf("failed to read WAV header: %w", err)
	}
	r.remaining = int64(r.header.DataSize)
	return r, nil
}

func (r *Reader) Header() Header {
	return r.header
}

// ReadFrame returns the next frame, zero-padding a short tail. It returns
// io.EOF once the data chunk is exhausted.
func (r *Reader) ReadFrame() (rtc.AudioFrame, error) {
	if r.remaining <= 0 {
		return rtc.AudioFrame{}, io.EOF
	}
	samplesPerFrame := int(r.header.SampleRate) / 100
	bytesPerFrame := samplesPerFrame * int(r.header.NumChannels) * 2

	data := make([]byte, bytesPerFrame)
	want := min(int64(bytesPerFrame), r.remaining)
	n, err := io.ReadFull(r.src, data[:want])
	r.remaining -= int64(n)
	if n == 0 {
		if err == nil || errors.Is(err, io.ErrUnexpectedEOF) {
			err = io.EOF
		}
		return rtc.AudioFrame{}, err
	}
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) {
		return rtc.AudioFrame{}, fmt.Errorf("failed to read audio data: %w", err)
	}
	if errors.Is(err, io.ErrUnexpectedEOF) {
		// Truncated file: stop after this frame.
		r.remaining = 0
	}

	frame := rtc.AudioFrame{
		Data:              data,
		SampleRate:        int(r.header.SampleRate),
		SamplesPerChannel: samplesPerFrame,
		NumChannels:       int(r.header.NumChannels),
		Timestamp:         time.Duration(r.index) * rtc.FrameDuration,
	}
	r.index++
	return frame, nil
}

// ReadFrames reads the rest of the file.
func (r *Reader) ReadFrames() ([]rtc.AudioFrame, error) {
	var frames []rtc.AudioFrame
	for {
		frame, err := r.ReadFrame()
		if errors.Is(err, io.EOF) {
			return frames, nil
		}
		if err != nil {
			return nil, err
		}
		frames = append(frames, frame)
	}
}

// Close closes the file opened by Open. Readers built with NewReader do not
// own their source.
func (r *Reader) Close() error {
	if r.closer == nil {
		return nil
	}
	err := r.closer.Close()
	r.closer = nil
	return err
}

func (r *Reader) readHeader() error {
	var riff [12]byte
	if _, err := io.ReadFull(r.src, riff[:]); err != nil {
		return fmt.Errorf("failed to read RIFF header: %w", err)
	}
	if string(riff[0:4]) != "RIFF" {
		return fmt.Errorf("not a valid RIFF file")
	}
	if string(riff[8:12]) != "WAVE" {
		return fmt.Errorf("not a valid WAVE file")
	}

	var sawFmt bool
	for {
		id, size, err := r.nextChunk()
		if err != nil {
			return err
		}
		switch id {
		case "fmt ":
			if err := r.readFmt(size); err != nil {
				return err
			}
			sawFmt = true
		case "data":
			if !sawFmt {
				return fmt.Errorf("data chunk before fmt chunk")
			}
			r.header.DataSize = size
			return r.validate()
		default:
			// Chunks are word aligned.
			if _, err := r.src.Seek(int64(size+size%2), io.SeekCurrent); err != nil {
				return fmt.Errorf("failed to skip %q chunk: %w", id, err)
			}
		}
	}
}

func (r *Reader) nextChunk() (string, uint32, error) {
	var hdr [8]byte
	if _, err := io.ReadFull(r.src, hdr[:]); err != nil {
		return "", 0, fmt.Errorf("failed to read chunk header: %w", err)
	}
	return string(hdr[0:4]), binary.LittleEndian.Uint32(hdr[4:8]), nil
}

func (r *Reader) readFmt(size uint32) error {
	if size < 16 {
		return fmt.Errorf("fmt chunk too small: %d bytes", size)
	}
	var data [16]byte
	if _, err := io.ReadFull(r.src, data[:]); err != nil {
		return fmt.Errorf("failed to read fmt data: %w", err)
	}
	if format := binary.LittleEndian.Uint16(data[0:2]); format != 1 {
		return fmt.Errorf("only PCM format is supported, got format %d", format)
	}
	r.header.NumChannels = binary.LittleEndian.Uint16(data[2:4])
	r.header.SampleRate = binary.LittleEndian.Uint32(data[4:8])
	r.header.BitsPerSample = binary.LittleEndian.Uint16(data[14:16])

	if extra := int64(size - 16 + size%2); extra > 0 {
		if _, err := r.src.Seek(extra, io.SeekCurrent); err != nil {
			return fmt.Errorf("failed to skip fmt data: %w", err)
		}
	}
	return nil
}

func (r *Reader) validate() error {
	h := r.header
	if h.BitsPerSample != 16 {
		return fmt.Errorf("only 16-bit samples are supported, got %d-bit", h.BitsPerSample)
	}
	if h.NumChannels != 1 && h.NumChannels != 2 {
		return fmt.Errorf("only mono and stereo are supported, got %d channels", h.NumChannels)
	}
	if h.SampleRate == 0 || h.SampleRate%100 != 0 {
		return fmt.Errorf("sample rate %dHz does not divide into 10ms frames", h.SampleRate)
	}
	return nil
}
