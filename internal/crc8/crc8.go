// Package crc8 computes the bitwise CRC-8 used on the AFE's I2C frames.
package crc8

// Polynomial is x^8 + x^2 + x + 1, the key used by the BQ769x0 family.
const Polynomial byte = 0x07

// Checksum processes data MSB first. Each input bit advances the register
// once: shift left, fold the polynomial when the outgoing bit was set, and
// fold it again when the input bit is set.
func Checksum(data []byte, poly, seed byte) byte {
	crc := seed
	for _, b := range data {
		for mask := byte(0x80); mask != 0; mask >>= 1 {
			out := crc&0x80 != 0
			crc <<= 1
			if out {
				crc ^= poly
			}
			if b&mask != 0 {
				crc ^= poly
			}
		}
	}
	return crc
}
