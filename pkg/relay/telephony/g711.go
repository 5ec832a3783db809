package telephony

import "encoding/binary"

// G.711 companding for telephony carriers: 8-bit mu-law samples at 8kHz on
// the wire, 16-bit linear PCM at 16kHz toward the upstream session.

func ulawToLinear(u byte) int16 {
	u = ^u
	sign := u & 0x80
	exp := (u >> 4) & 0x07
	mant := u & 0x0F
	value := (int(mant) << 3) + 0x84
	value <<= uint(exp)
	value -= 0x84
	if sign != 0 {
		return int16(-value)
	}
	return int16(value)
}

func linearToUlaw(sample int16) byte {
	const cClip = 32635
	const cBias = 0x84
	// Widen before negating: -math.MinInt16 overflows int16.
	v := int32(sample)
	sign := byte(0)
	if v < 0 {
		v = -v
		sign = 0x80
	}
	if v > cClip {
		v = cClip
	}
	value := int(v) + cBias
	exp := byte(7)
	for mask := 0x4000; (value&mask) == 0 && exp > 0; mask >>= 1 {
		exp--
	}
	mant := byte((value >> (int(exp) + 3)) & 0x0F)
	return ^(sign | (exp << 4) | mant)
}

// DecodeUlaw expands 8kHz mu-law bytes into 16kHz little-endian PCM16,
// duplicating each sample for the 2x rate change.
func DecodeUlaw(ulaw []byte) []byte {
	out := make([]byte, len(ulaw)*4)
	for i, u := range ulaw {
		sample := uint16(ulawToLinear(u))
		binary.LittleEndian.PutUint16(out[i*4:], sample)
		binary.LittleEndian.PutUint16(out[i*4+2:], sample)
	}
	return out
}

// EncodeUlaw compands 16kHz little-endian PCM16 down to 8kHz mu-law bytes,
// dropping every other sample for the rate change. A trailing odd byte is
// ignored.
func EncodeUlaw(pcm []byte) []byte {
	samples := len(pcm) / 2
	out := make([]byte, 0, (samples+1)/2)
	for i := 0; i < samples; i += 2 {
		sample := int16(binary.LittleEndian.Uint16(pcm[i*2:]))
		out = append(out, linearToUlaw(sample))
	}
	return out
}
