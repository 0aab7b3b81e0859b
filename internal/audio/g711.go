package audio

import (
	"math"
	"sync"
)

// G.711 companding tables, indexed by the encoded byte.
var (
	ulawTable = sync.OnceValue(func() *[256]float32 { return buildTable(ulawToLinear) })
	alawTable = sync.OnceValue(func() *[256]float32 { return buildTable(alawToLinear) })
)

func buildTable(expand func(byte) int16) *[256]float32 {
	var t [256]float32
	for i := range t {
		t[i] = float32(expand(byte(i))) / math.MaxInt16
	}
	return &t
}

func ulawToLinear(b byte) int16 {
	b = ^b
	sign := int16(1)
	if b&0x80 != 0 {
		sign = -1
		b &= 0x7F
	}
	exponent := int16((b >> 4) & 0x07)
	mantissa := int16(b & 0x0F)
	sample := (mantissa<<3 + 0x84) << exponent
	sample -= 0x84
	return sign * sample
}

func alawToLinear(b byte) int16 {
	b ^= 0x55
	sign := int16(1)
	if b&0x80 == 0 {
		sign = -1
	}
	b &= 0x7F
	exponent := int16((b >> 4) & 0x07)
	mantissa := int16(b & 0x0F)
	if exponent == 0 {
		return sign * (mantissa<<4 + 8)
	}
	return sign * ((mantissa<<4 + 0x108) << (exponent - 1))
}

func expandG711(data []byte, table *[256]float32) []float32 {
	samples := make([]float32, len(data))
	for i, b := range data {
		samples[i] = table[b]
	}
	return samples
}

func decodeG711Ulaw(data []byte) []float32 { return expandG711(data, ulawTable()) }

func decodeG711Alaw(data []byte) []float32 { return expandG711(data, alawTable()) }
