package audio

import "math"

// G.711 mu-law constants
const (
	mulawBias = 0x84  // 132, added before segment search
	mulawClip = 32635 // largest magnitude that survives the bias without overflow
)

// Sample format tags for inbound and outbound frames
const (
	FormatMulaw Format = iota + 1 // 8-bit logarithmic telephony samples
	FormatPCM16                   // 16-bit little-endian linear samples
)

// Format identifies the encoding of an audio payload
type Format uint8

// String returns a human-readable format name
func (f Format) String() string {
	switch f {
	case FormatMulaw:
		return "mulaw"
	case FormatPCM16:
		return "pcm16"
	default:
		return "unknown"
	}
}

// DecodeMulaw expands one mu-law byte into a 16-bit linear sample
func DecodeMulaw(b byte) int16 {
	u := ^b
	sign := u & 0x80
	exponent := (u >> 4) & 0x07
	mantissa := u & 0x0F

	magnitude := ((int32(mantissa) << 3) + mulawBias) << exponent
	magnitude -= mulawBias

	if sign != 0 {
		magnitude = -magnitude
	}
	return clampInt16(magnitude)
}

// EncodeMulaw compresses a 16-bit linear sample into one mu-law byte
func EncodeMulaw(sample int16) byte {
	s := int32(sample)
	var sign byte
	if s < 0 {
		s = -s
		sign = 0x80
	}
	if s > mulawClip {
		s = mulawClip
	}
	s += mulawBias

	exponent := byte(7)
	for mask := int32(0x4000); s&mask == 0 && exponent > 0; mask >>= 1 {
		exponent--
	}
	mantissa := byte(s>>(exponent+3)) & 0x0F

	return ^(sign | exponent<<4 | mantissa)
}

// DecodeMulawBuffer converts mu-law bytes into little-endian PCM-16 bytes.
// The output is exactly twice the input length and preserves sample order.
func DecodeMulawBuffer(src []byte) []byte {
	out := make([]byte, len(src)*2)
	for i, b := range src {
		s := DecodeMulaw(b)
		out[i*2] = byte(s)
		out[i*2+1] = byte(uint16(s) >> 8)
	}
	return out
}

// EncodeMulawBuffer converts little-endian PCM-16 bytes into mu-law bytes.
// A trailing odd byte is ignored.
func EncodeMulawBuffer(pcm []byte) []byte {
	out := make([]byte, len(pcm)/2)
	for i := range out {
		s := int16(uint16(pcm[i*2]) | uint16(pcm[i*2+1])<<8)
		out[i] = EncodeMulaw(s)
	}
	return out
}

// BytesToSamples converts little-endian PCM-16 bytes into samples
func BytesToSamples(pcm []byte) []int16 {
	samples := make([]int16, len(pcm)/2)
	for i := range samples {
		samples[i] = int16(uint16(pcm[i*2]) | uint16(pcm[i*2+1])<<8)
	}
	return samples
}

// SamplesToBytes converts samples into little-endian PCM-16 bytes
func SamplesToBytes(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		out[i*2] = byte(s)
		out[i*2+1] = byte(uint16(s) >> 8)
	}
	return out
}

func clampInt16(v int32) int16 {
	if v > math.MaxInt16 {
		return math.MaxInt16
	}
	if v < math.MinInt16 {
		return math.MinInt16
	}
	return int16(v)
}
