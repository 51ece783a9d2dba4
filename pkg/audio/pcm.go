// Package audio provides small PCM16 helpers: silence synthesis, energy
// measurement and WAV encapsulation for the batch transcription endpoint.
package audio

import (
	"encoding/binary"
	"math"
	"time"
)

const BytesPerSample = 2

// Silence returns d worth of zeroed PCM16 at the given rate and channel count.
func Silence(d time.Duration, sampleRate, channels int) []byte {
	samples := int(float64(sampleRate) * d.Seconds())
	return make([]byte, samples*channels*BytesPerSample)
}

// RMS computes the root-mean-square amplitude of little-endian PCM16,
// normalized to [0,1]. Used to tell a real utterance from line noise.
func RMS(pcm []byte) float64 {
	n := len(pcm) / BytesPerSample
	if n == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < n; i++ {
		s := int16(binary.LittleEndian.Uint16(pcm[i*BytesPerSample:]))
		v := float64(s) / 32768.0
		sum += v * v
	}
	return math.Sqrt(sum / float64(n))
}

// Duration reports how long the PCM16 buffer plays for.
func Duration(pcm []byte, sampleRate, channels int) time.Duration {
	bytesPerSec := sampleRate * channels * BytesPerSample
	if bytesPerSec == 0 {
		return 0
	}
	return time.Duration(float64(len(pcm)) / float64(bytesPerSec) * float64(time.Second))
}

// WAV wraps raw PCM16 in a 44-byte RIFF header.
func WAV(pcm []byte, sampleRate, channels int) []byte {
	bitsPerSample := uint16(16)
	byteRate := uint32(sampleRate) * uint32(channels) * uint32(bitsPerSample) / 8
	blockAlign := uint16(channels) * bitsPerSample / 8
	dataSize := uint32(len(pcm))

	buf := make([]byte, 44+len(pcm))
	copy(buf[0:4], "RIFF")
	binary.LittleEndian.PutUint32(buf[4:8], 36+dataSize)
	copy(buf[8:12], "WAVE")

	copy(buf[12:16], "fmt ")
	binary.LittleEndian.PutUint32(buf[16:20], 16)
	binary.LittleEndian.PutUint16(buf[20:22], 1) // PCM
	binary.LittleEndian.PutUint16(buf[22:24], uint16(channels))
	binary.LittleEndian.PutUint32(buf[24:28], uint32(sampleRate))
	binary.LittleEndian.PutUint32(buf[28:32], byteRate)
	binary.LittleEndian.PutUint16(buf[32:34], blockAlign)
	binary.LittleEndian.PutUint16(buf[34:36], bitsPerSample)

	copy(buf[36:40], "data")
	binary.LittleEndian.PutUint32(buf[40:44], dataSize)
	copy(buf[44:], pcm)

	return buf
}
