package audio

import (
	"encoding/base64"
	"encoding/binary"
	"math"
)

// FloatToPCM16 converts floating-point samples to 16-bit signed little-endian
// PCM. Each sample is clamped to [-1, 1]; negative values are scaled by 32768
// and non-negative values by 32767, then truncated toward zero. NaN encodes
// as silence.
func FloatToPCM16(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(floatToInt16(s)))
	}
	return out
}

func floatToInt16(s float32) int16 {
	v := float64(s)
	if math.IsNaN(v) {
		return 0
	}
	v = math.Max(-1, math.Min(1, v))
	if v < 0 {
		return int16(v * 0x8000)
	}
	return int16(v * 0x7FFF)
}

// PCM16ToFloat converts 16-bit signed little-endian PCM to floating-point
// samples by dividing each sample by 32768. A trailing odd byte is ignored.
func PCM16ToFloat(pcm []byte) []float32 {
	out := make([]float32, len(pcm)/2)
	for i := range out {
		out[i] = float32(int16(binary.LittleEndian.Uint16(pcm[i*2:]))) / 32768
	}
	return out
}

// ToTextSafe encodes b with standard padded base64, the encoding used for
// media chunks and inline data on the wire.
func ToTextSafe(b []byte) string {
	return base64.StdEncoding.EncodeToString(b)
}

// FromTextSafe is the inverse of [ToTextSafe]. It only fails on input that
// ToTextSafe cannot produce.
func FromTextSafe(s string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(s)
}
