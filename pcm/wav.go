// Package pcm reads 16-bit PCM audio and cuts it into engine frames.
package pcm

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/go-audio/wav"
)

// Clip is decoded mono 16-bit audio.
type Clip struct {
	Samples    []int16
	SampleRate int
}

// ReadWAV decodes a 16-bit mono PCM WAV stream.
func ReadWAV(r io.ReadSeeker) (*Clip, error) {
	decoder := wav.NewDecoder(r)
	decoder.ReadInfo()
	if !decoder.IsValidFile() {
		return nil, errors.New("input is not a valid WAV audio file")
	}
	if decoder.BitDepth != 16 {
		return nil, fmt.Errorf("unsupported bit depth: %d", decoder.BitDepth)
	}
	if decoder.NumChans != 1 {
		return nil, fmt.Errorf("unsupported number of channels: %d", decoder.NumChans)
	}

	buf, err := decoder.FullPCMBuffer()
	if err != nil {
		return nil, fmt.Errorf("decode WAV: %w", err)
	}

	samples := make([]int16, len(buf.Data))
	for i, v := range buf.Data {
		samples[i] = int16(v)
	}
	return &Clip{Samples: samples, SampleRate: int(decoder.SampleRate)}, nil
}

// Duration returns the playing time of the clip.
func (c *Clip) Duration() time.Duration {
	if c.SampleRate <= 0 {
		return 0
	}
	return time.Duration(len(c.Samples)) * time.Second / time.Duration(c.SampleRate)
}

// Frames cuts the clip into frames of frameLength samples. The last frame
// is zero padded.
func (c *Clip) Frames(frameLength int) [][]int16 {
	f := NewFramer(frameLength)
	frames := f.Push(c.Samples)
	if tail := f.Flush(); tail != nil {
		frames = append(frames, tail)
	}
	return frames
}
