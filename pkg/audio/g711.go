// Package audio provides the PCM conversion helpers used on the call media
// path: G.711 u-law (PCMU) encode/decode for the 8 kHz telephony stream,
// little-endian 16-bit PCM byte packing, and mono resampling for transcriber
// backends that want a higher sample rate.
package audio

// G.711 u-law lookup tables, built once at init. Telephony media streams carry
// one u-law byte per sample at 8 kHz.
var (
	ulawToLinear [256]int16
	linearToUlaw [65536]uint8
)

func init() {
	for i := 0; i < 256; i++ {
		ulawToLinear[i] = decodeULawSample(uint8(i))
	}
	for i := -32768; i <= 32767; i++ {
		linearToUlaw[uint16(int16(i))] = encodeULawSample(int16(i))
	}
}

// DecodeULaw converts G.711 u-law bytes to 16-bit linear PCM samples.
func DecodeULaw(data []byte) []int16 {
	out := make([]int16, len(data))
	for i, b := range data {
		out[i] = ulawToLinear[b]
	}
	return out
}

// EncodeULaw converts 16-bit linear PCM samples to G.711 u-law bytes.
func EncodeULaw(samples []int16) []byte {
	out := make([]byte, len(samples))
	for i, s := range samples {
		out[i] = linearToUlaw[uint16(s)]
	}
	return out
}

// decodeULawSample converts a single u-law byte to a linear PCM sample.
func decodeULawSample(u uint8) int16 {
	u = ^u
	sign := int16(1)
	if u&0x80 != 0 {
		sign = -1
		u &= 0x7F
	}
	exponent := uint(u>>4) & 0x07
	mantissa := int(u & 0x0F)
	sample := int16(((2*mantissa + 33) << exponent) - 33)
	return sign * sample
}

// encodeULawSample converts a single linear PCM sample to a u-law byte.
func encodeULawSample(sample int16) uint8 {
	const bias = 0x84
	const clip = 32635

	sign := uint8(0)
	if sample < 0 {
		sign = 0x80
		sample = -sample
	}
	if sample > clip {
		sample = clip
	}
	sample += bias

	exponent := 7
	mask := int16(0x4000)
	for exponent > 0 {
		if sample&mask != 0 {
			break
		}
		exponent--
		mask >>= 1
	}

	mantissa := (sample >> (uint(exponent) + 3)) & 0x0F
	return ^(sign | uint8(exponent<<4) | uint8(mantissa))
}
