package rdb

import "fmt"

// lzfDecompress implements the LZF decompression algorithm the dump
// format's special string encoding 3 uses. No LZF library exists anywhere
// in the reference pack (the closest relatives wire up LZ4/ZSTD via
// klauspost/compress and pierrec/lz4 for a different dump flavor), so this
// one routine is hand-rolled against the well-known liblzf byte layout:
// control bytes under 32 are literal runs of ctrl+1 bytes; control bytes
// at or above 32 are back-references, with a 7-bit length escape.
func lzfDecompress(in []byte, expectedLen int) ([]byte, error) {
	out := make([]byte, 0, expectedLen)
	ip := 0
	for ip < len(in) {
		ctrl := int(in[ip])
		ip++
		if ctrl < 32 {
			run := ctrl + 1
			if ip+run > len(in) {
				return nil, fmt.Errorf("rdb: lzf literal run overruns input")
			}
			out = append(out, in[ip:ip+run]...)
			ip += run
			continue
		}
		length := ctrl >> 5
		if length == 7 {
			if ip >= len(in) {
				return nil, fmt.Errorf("rdb: lzf truncated length byte")
			}
			length += int(in[ip])
			ip++
		}
		if ip >= len(in) {
			return nil, fmt.Errorf("rdb: lzf truncated reference byte")
		}
		refOffset := len(out) - ((ctrl & 0x1f) << 8) - 1 - int(in[ip])
		ip++
		if refOffset < 0 {
			return nil, fmt.Errorf("rdb: lzf invalid back-reference")
		}
		length += 2
		for i := 0; i < length; i++ {
			out = append(out, out[refOffset+i])
		}
	}
	return out, nil
}
