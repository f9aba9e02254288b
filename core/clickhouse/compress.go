package clickhouse

import (
	"encoding/binary"

	"github.com/pierrec/lz4"
)

const (
	checksumSize              = 16
	compressedBlockHeaderSize = 9

	compressionMethodLz4 = 0x82

	lz4HashTableSize = 1 << 16
)

// compress wraps buf into a single ClickHouse compressed block:
// | checksum (16 bytes) | method (1 byte) | compressed size incl. header (4 bytes) | raw size (4 bytes) | lz4 data |
// Checksum is left zeroed, so requests must carry http_native_compression_disable_checksumming_on_decompress=1.
// Raw size is limited to 1 GiB by ClickHouse, which is way above max request body size.
func compress(buf []byte) []byte {
	res := make([]byte, lz4.CompressBlockBound(len(buf))+compressedBlockHeaderSize+checksumSize)
	data := res[checksumSize+compressedBlockHeaderSize:]

	compressedLen, err := lz4.CompressBlock(buf, data, make([]int, lz4HashTableSize))
	if err != nil || compressedLen == 0 {
		// incompressible input, lz4 still has to be used since ClickHouse
		// expects the same method for the whole body
		compressedLen = storeLiterals(buf, data)
	}

	res[checksumSize] = compressionMethodLz4
	binary.LittleEndian.PutUint32(res[checksumSize+1:], compressedBlockHeaderSize+uint32(compressedLen))
	binary.LittleEndian.PutUint32(res[checksumSize+5:], uint32(len(buf)))

	return res[0 : checksumSize+compressedBlockHeaderSize+compressedLen]
}

// storeLiterals encodes buf as a single lz4 literal-only sequence.
func storeLiterals(buf []byte, dst []byte) int {
	n := len(buf)
	pos := 0

	if n < 0xF {
		dst[pos] = byte(n << 4)
		pos++
	} else {
		dst[pos] = 0xF0
		pos++
		for l := n - 0xF; ; l -= 0xFF {
			if l < 0xFF {
				dst[pos] = byte(l)
				pos++
				break
			}
			dst[pos] = 0xFF
			pos++
		}
	}

	pos += copy(dst[pos:], buf)
	return pos
}
