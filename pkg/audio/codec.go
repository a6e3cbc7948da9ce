package audio

import (
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// ErrMalformedAudio is returned when PCM bytes or their transport encoding
// cannot be decoded. Callers drop the offending unit and carry on.
var ErrMalformedAudio = errors.New("audio: malformed audio")

// pcmScale maps [-1, 1] floats onto the signed 16-bit range.
const pcmScale = 32768.0

// EncodePCM16LE converts float samples in [-1, 1] to little-endian signed
// 16-bit PCM. Each sample is scaled by 32768 and saturated to
// [-32768, 32767]; values outside [-1, 1] clamp rather than wrap. NaN
// encodes as silence.
func EncodePCM16LE(samples []float32) []byte {
	out := make([]byte, len(samples)*bytesPerSample)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*bytesPerSample:], uint16(floatToInt16(s)))
	}
	return out
}

// DecodePCM16LE converts little-endian signed 16-bit PCM to float samples by
// dividing by 32768. It returns [ErrMalformedAudio] if pcm has an odd length.
func DecodePCM16LE(pcm []byte) ([]float32, error) {
	if len(pcm)%bytesPerSample != 0 {
		return nil, fmt.Errorf("%w: odd byte length %d", ErrMalformedAudio, len(pcm))
	}
	out := make([]float32, len(pcm)/bytesPerSample)
	for i := range out {
		v := int16(binary.LittleEndian.Uint16(pcm[i*bytesPerSample:]))
		out[i] = float32(v) / pcmScale
	}
	return out, nil
}

// EncodeTransport returns the standard base64 text form of pcm used in
// JSON wire messages.
func EncodeTransport(pcm []byte) string {
	return base64.StdEncoding.EncodeToString(pcm)
}

// DecodeTransport reverses [EncodeTransport]. Invalid alphabet or padding
// yields [ErrMalformedAudio].
func DecodeTransport(s string) ([]byte, error) {
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedAudio, err)
	}
	return b, nil
}

// floatToInt16 scales and saturates one sample. The fractional part is
// truncated toward zero, so every exact k/32768 value maps back to k.
func floatToInt16(s float32) int16 {
	v := float64(s) * pcmScale
	switch {
	case math.IsNaN(v):
		return 0
	case v >= math.MaxInt16:
		return math.MaxInt16
	case v <= math.MinInt16:
		return math.MinInt16
	}
	return int16(v)
}
