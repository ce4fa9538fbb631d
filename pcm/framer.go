package pcm

import (
	"encoding/binary"

	"github.com/smallnest/ringbuffer"
)

// Framer assembles fixed-length frames from PCM chunks of any length.
// It is not safe for concurrent use.
type Framer struct {
	rb          *ringbuffer.RingBuffer
	frame       []byte
	frameLength int
}

// NewFramer creates a Framer producing frames of frameLength samples.
func NewFramer(frameLength int) *Framer {
	if frameLength <= 0 {
		panic("pcm: frame length must be positive")
	}
	frameBytes := frameLength * 2
	return &Framer{
		// Two frames of room: after draining, less than one frame is
		// buffered, so every write makes progress.
		rb:          ringbuffer.New(2 * frameBytes),
		frame:       make([]byte, frameBytes),
		frameLength: frameLength,
	}
}

// FrameLength returns the number of samples per frame.
func (f *Framer) FrameLength() int { return f.frameLength }

// Pending returns the number of buffered samples not yet part of a frame.
func (f *Framer) Pending() int { return f.rb.Length() / 2 }

// Push buffers samples and returns every frame completed by them.
func (f *Framer) Push(samples []int16) [][]int16 {
	data := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(data[i*2:], uint16(s))
	}

	var frames [][]int16
	for len(data) > 0 {
		n := min(len(data), f.rb.Free())
		if n > 0 {
			written, err := f.rb.Write(data[:n])
			if err != nil {
				return frames
			}
			data = data[written:]
		}
		for f.rb.Length() >= len(f.frame) {
			frame, err := f.next()
			if err != nil {
				return frames
			}
			frames = append(frames, frame)
		}
	}
	return frames
}

// Flush returns the buffered remainder as a zero-padded frame, or nil if
// nothing is buffered.
func (f *Framer) Flush() []int16 {
	n := f.rb.Length()
	if n == 0 {
		return nil
	}
	clear(f.frame)
	if _, err := f.rb.Read(f.frame[:n]); err != nil {
		return nil
	}
	return decode(f.frame)
}

func (f *Framer) next() ([]int16, error) {
	if _, err := f.rb.Read(f.frame); err != nil {
		return nil, err
	}
	return decode(f.frame), nil
}

func decode(b []byte) []int16 {
	out := make([]int16, len(b)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(b[i*2:]))
	}
	return out
}
