package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const bitsPerSample = 16

// ErrNotWAV is returned by DecodeWAV for data that is not a PCM RIFF/WAVE
// container.
var ErrNotWAV = errors.New("audio: not a PCM WAV container")

// EncodeWAV wraps mono 16-bit samples in a standard RIFF/WAV container,
// entirely in memory. The result is suitable for direct inclusion in a
// multipart upload or a base64 inline part.
func EncodeWAV(samples []int16, sampleRate int) []byte {
	const channels = 1
	byteRate := sampleRate * channels * bitsPerSample / 8
	blockAlign := channels * bitsPerSample / 8
	dataSize := len(samples) * 2

	buf := make([]byte, 44+dataSize)

	// RIFF chunk descriptor
	copy(buf[0:4], "RIFF")
	binary.LittleEndian.PutUint32(buf[4:8], uint32(36+dataSize)) // file size - 8
	copy(buf[8:12], "WAVE")

	// fmt sub-chunk
	copy(buf[12:16], "fmt ")
	binary.LittleEndian.PutUint32(buf[16:20], 16)                 // sub-chunk size (PCM)
	binary.LittleEndian.PutUint16(buf[20:22], 1)                  // audio format: PCM
	binary.LittleEndian.PutUint16(buf[22:24], channels)           // num channels
	binary.LittleEndian.PutUint32(buf[24:28], uint32(sampleRate)) // sample rate
	binary.LittleEndian.PutUint32(buf[28:32], uint32(byteRate))   // byte rate
	binary.LittleEndian.PutUint16(buf[32:34], uint16(blockAlign)) // block align
	binary.LittleEndian.PutUint16(buf[34:36], bitsPerSample)      // bits per sample

	// data sub-chunk
	copy(buf[36:40], "data")
	binary.LittleEndian.PutUint32(buf[40:44], uint32(dataSize))
	for i, s := range samples {
		binary.LittleEndian.PutUint16(buf[44+i*2:46+i*2], uint16(s))
	}

	return buf
}

// DecodeWAV parses a 16-bit PCM RIFF/WAVE container and returns its samples
// (interleaved when stereo), sample rate, and channel count. Chunks other
// than fmt and data are skipped. Only uncompressed 16-bit PCM is accepted.
func DecodeWAV(data []byte) (samples []int16, sampleRate, channels int, err error) {
	if len(data) < 44 || string(data[0:4]) != "RIFF" || string(data[8:12]) != "WAVE" {
		return nil, 0, 0, ErrNotWAV
	}

	pos := 12
	var haveFmt bool
	for pos+8 <= len(data) {
		id := string(data[pos : pos+4])
		size := int(binary.LittleEndian.Uint32(data[pos+4 : pos+8]))
		pos += 8
		if pos+size > len(data) {
			return nil, 0, 0, fmt.Errorf("audio: truncated %q chunk: %w", id, ErrNotWAV)
		}
		switch id {
		case "fmt ":
			if size < 16 {
				return nil, 0, 0, ErrNotWAV
			}
			format := binary.LittleEndian.Uint16(data[pos : pos+2])
			channels = int(binary.LittleEndian.Uint16(data[pos+2 : pos+4]))
			sampleRate = int(binary.LittleEndian.Uint32(data[pos+4 : pos+8]))
			bits := binary.LittleEndian.Uint16(data[pos+14 : pos+16])
			if format != 1 || bits != bitsPerSample || channels < 1 {
				return nil, 0, 0, ErrNotWAV
			}
			haveFmt = true
		case "data":
			if !haveFmt {
				return nil, 0, 0, ErrNotWAV
			}
			return DecodePCM16(data[pos : pos+size]), sampleRate, channels, nil
		}
		// Chunks are word-aligned.
		pos += size + size%2
	}
	return nil, 0, 0, ErrNotWAV
}
