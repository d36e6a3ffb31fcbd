package cryptoutils

import (
	"hash"
)

const (
	crc32Poly  uint32 = 0xEDB88320
	crc32Init  uint32 = 0xFFFFFFFF
	crc32Final uint32 = 0xFFFFFFFF
)

// CRC32 is a streaming CRC-32 (ISO-3309 / zlib) accumulator.
// It folds bytes one at a time with the reflected polynomial 0xEDB88320,
// so the result does not depend on how the input is chunked.
type CRC32 struct {
	state uint32
}

var _ hash.Hash32 = (*CRC32)(nil)

func NewCRC32() *CRC32 {
	return &CRC32{state: crc32Init}
}

// Update folds p into the running checksum.
func (c *CRC32) Update(p []byte) {
	crc := c.state
	for _, b := range p {
		crc ^= uint32(b)
		for i := 0; i < 8; i++ {
			if crc&1 != 0 {
				crc = (crc >> 1) ^ crc32Poly
			} else {
				crc >>= 1
			}
		}
	}
	c.state = crc
}

func (c *CRC32) Write(p []byte) (int, error) {
	c.Update(p)
	return len(p), nil
}

// Sum32 returns the finalized checksum without resetting the accumulator.
func (c *CRC32) Sum32() uint32 {
	return c.state ^ crc32Final
}

// Sum appends the big-endian checksum to b.
func (c *CRC32) Sum(b []byte) []byte {
	s := c.Sum32()
	return append(b, byte(s>>24), byte(s>>16), byte(s>>8), byte(s))
}

func (c *CRC32) Reset()         { c.state = crc32Init }
func (c *CRC32) Size() int      { return 4 }
func (c *CRC32) BlockSize() int { return 1 }

// ChecksumCRC32 returns the CRC-32 of data.
func ChecksumCRC32(data []byte) uint32 {
	c := NewCRC32()
	c.Update(data)
	return c.Sum32()
}
