// Package wav decodes and encodes 16-bit PCM WAV audio. The stitching engine
// works on decoded sample frames, so only the canonical RIFF/WAVE layout with
// a PCM fmt chunk is supported; unknown chunks are skipped.
package wav

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

const (
	formatPCM      = 1
	bitsPerSample  = 16
	bytesPerSample = 2
)

// Audio holds decoded PCM16 audio. Samples are interleaved when Channels > 1;
// one frame is Channels consecutive samples.
type Audio struct {
	SampleRate int
	Channels   int
	Samples    []int16
}

// Frames returns the number of sample frames.
func (a *Audio) Frames() int {
	if a.Channels == 0 {
		return 0
	}
	return len(a.Samples) / a.Channels
}

// Duration returns the track length in seconds.
func (a *Audio) Duration() float64 {
	if a.SampleRate == 0 {
		return 0
	}
	return float64(a.Frames()) / float64(a.SampleRate)
}

// Decode reads a PCM16 WAV stream.
func Decode(r io.Reader) (*Audio, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read wav data: %w", err)
	}
	return DecodeBytes(data)
}

// DecodeBytes parses PCM16 WAV data from memory.
func DecodeBytes(data []byte) (*Audio, error) {
	if len(data) < 12 || string(data[0:4]) != "RIFF" || string(data[8:12]) != "WAVE" {
		return nil, fmt.Errorf("not a RIFF/WAVE stream")
	}

	var (
		audio   Audio
		sawFmt  bool
		sawData bool
	)

	// Walk chunks; fmt must precede data.
	offset := 12
	for offset+8 <= len(data) {
		chunkID := string(data[offset : offset+4])
		chunkSize := int(binary.LittleEndian.Uint32(data[offset+4 : offset+8]))
		body := offset + 8
		if body+chunkSize > len(data) {
			return nil, fmt.Errorf("truncated %q chunk: need %d bytes, have %d", chunkID, chunkSize, len(data)-body)
		}

		switch chunkID {
		case "fmt ":
			if chunkSize < 16 {
				return nil, fmt.Errorf("fmt chunk too short: %d bytes", chunkSize)
			}
			format := binary.LittleEndian.Uint16(data[body : body+2])
			if format != formatPCM {
				return nil, fmt.Errorf("unsupported audio format %d: only PCM is supported", format)
			}
			audio.Channels = int(binary.LittleEndian.Uint16(data[body+2 : body+4]))
			audio.SampleRate = int(binary.LittleEndian.Uint32(data[body+4 : body+8]))
			bits := binary.LittleEndian.Uint16(data[body+14 : body+16])
			if bits != bitsPerSample {
				return nil, fmt.Errorf("unsupported bit depth %d: only 16-bit PCM is supported", bits)
			}
			if audio.Channels < 1 || audio.SampleRate < 1 {
				return nil, fmt.Errorf("invalid fmt chunk: channels=%d rate=%d", audio.Channels, audio.SampleRate)
			}
			sawFmt = true
		case "data":
			if !sawFmt {
				return nil, fmt.Errorf("data chunk before fmt chunk")
			}
			sampleCount := chunkSize / bytesPerSample
			audio.Samples = make([]int16, sampleCount)
			for i := 0; i < sampleCount; i++ {
				audio.Samples[i] = int16(binary.LittleEndian.Uint16(data[body+i*2 : body+i*2+2]))
			}
			sawData = true
		}

		// Chunks are word-aligned.
		offset = body + chunkSize
		if chunkSize%2 == 1 {
			offset++
		}
	}

	if !sawFmt || !sawData {
		return nil, fmt.Errorf("missing fmt or data chunk")
	}
	return &audio, nil
}

// Encode writes the audio as a canonical PCM16 WAV stream. Output is
// deterministic for identical input.
func Encode(w io.Writer, a *Audio) error {
	if a.SampleRate < 1 || a.Channels < 1 {
		return fmt.Errorf("invalid audio: channels=%d rate=%d", a.Channels, a.SampleRate)
	}

	dataSize := len(a.Samples) * bytesPerSample
	buf := bytes.NewBuffer(make([]byte, 0, 44+dataSize))

	buf.WriteString("RIFF")
	binary.Write(buf, binary.LittleEndian, uint32(36+dataSize))
	buf.WriteString("WAVE")

	buf.WriteString("fmt ")
	binary.Write(buf, binary.LittleEndian, uint32(16))
	binary.Write(buf, binary.LittleEndian, uint16(formatPCM))
	binary.Write(buf, binary.LittleEndian, uint16(a.Channels))
	binary.Write(buf, binary.LittleEndian, uint32(a.SampleRate))
	byteRate := a.SampleRate * a.Channels * bytesPerSample
	binary.Write(buf, binary.LittleEndian, uint32(byteRate))
	blockAlign := a.Channels * bytesPerSample
	binary.Write(buf, binary.LittleEndian, uint16(blockAlign))
	binary.Write(buf, binary.LittleEndian, uint16(bitsPerSample))

	buf.WriteString("data")
	binary.Write(buf, binary.LittleEndian, uint32(dataSize))
	for _, s := range a.Samples {
		binary.Write(buf, binary.LittleEndian, uint16(s))
	}

	if _, err := w.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("failed to write wav data: %w", err)
	}
	return nil
}

// EncodeBytes renders the audio as WAV data in memory.
func EncodeBytes(a *Audio) ([]byte, error) {
	var buf bytes.Buffer
	if err := Encode(&buf, a); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
