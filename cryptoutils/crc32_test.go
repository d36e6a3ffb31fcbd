package cryptoutils

import (
	"crypto/rand"
	"hash/crc32"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestChecksumCRC32KnownVectors(t *testing.T) {
	tests := []struct {
		input    string
		expected uint32
	}{
		{"", 0x00000000},
		{"a", 0xE8B7BE43},
		{"123456789", 0xCBF43926},
		{"The quick brown fox jumps over the lazy dog", 0x414FA339},
	}

	for _, tt := range tests {
		require.Equal(t, tt.expected, ChecksumCRC32([]byte(tt.input)), "input %q", tt.input)
	}
}

func TestCRC32MatchesReferenceRegardlessOfChunking(t *testing.T) {
	data := make([]byte, 10_000)
	_, err := rand.Read(data)
	require.NoError(t, err)

	expected := crc32.ChecksumIEEE(data)
	require.Equal(t, expected, ChecksumCRC32(data))

	for _, chunkSize := range []int{1, 2, 3, 7, 64, 1000, 4096, 9999, 10_000} {
		acc := NewCRC32()
		for off := 0; off < len(data); off += chunkSize {
			end := off + chunkSize
			if end > len(data) {
				end = len(data)
			}
			acc.Update(data[off:end])
		}
		require.Equal(t, expected, acc.Sum32(), "chunk size %d", chunkSize)
	}
}

func TestCRC32AsHash(t *testing.T) {
	acc := NewCRC32()
	_, err := io.Copy(acc, strings.NewReader("123456789"))
	require.NoError(t, err)
	require.Equal(t, []byte{0xCB, 0xF4, 0x39, 0x26}, acc.Sum(nil))

	acc.Reset()
	require.Equal(t, uint32(0), acc.Sum32())
}
