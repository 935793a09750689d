package stt

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/go-audio/wav"
	"github.com/loqalabs/jerga/internal/protocol"
)

// DefaultChunkSamples is the number of samples per channel in each frame.
const DefaultChunkSamples = 4096

// FramesFromWAV splits a WAV stream into 16-bit little-endian audio frames
// for sessionID. The last frame is marked final.
func FramesFromWAV(r io.ReadSeeker, sessionID string, chunkSamples int) ([]protocol.AudioFrame, error) {
	if chunkSamples <= 0 {
		chunkSamples = DefaultChunkSamples
	}
	dec := wav.NewDecoder(r)
	if !dec.IsValidFile() {
		return nil, fmt.Errorf("not a valid wav file")
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, fmt.Errorf("decode wav: %w", err)
	}
	depth := int(dec.BitDepth)
	channels := buf.Format.NumChannels
	if channels <= 0 {
		channels = 1
	}

	step := chunkSamples * channels
	var frames []protocol.AudioFrame
	for start := 0; start < len(buf.Data) || len(frames) == 0; start += step {
		end := min(start+step, len(buf.Data))
		pcm := make([]byte, 0, (end-start)*2)
		for _, v := range buf.Data[start:end] {
			pcm = binary.LittleEndian.AppendUint16(pcm, uint16(toInt16(v, depth)))
		}
		frames = append(frames, protocol.AudioFrame{
			SessionID:  sessionID,
			Sequence:   len(frames),
			SampleRate: buf.Format.SampleRate,
			Channels:   channels,
			PCM:        pcm,
		})
		if end == len(buf.Data) {
			break
		}
	}
	frames[len(frames)-1].Final = true
	return frames, nil
}

func toInt16(v int, depth int) int16 {
	switch depth {
	case 8:
		return int16((v - 128) << 8)
	case 24:
		return int16(v >> 8)
	case 32:
		return int16(v >> 16)
	default:
		return int16(v)
	}
}
