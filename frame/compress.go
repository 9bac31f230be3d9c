package frame

import (
	"bytes"
	"fmt"
	"io"

	"github.com/klauspost/compress/zlib"
)

// MaxInflatedSize caps the size of a decompressed frame. READY payloads for
// large accounts are big but never this big.
const MaxInflatedSize = 16 << 20

// Inflate decompresses a zlib-compressed binary frame. The gateway sends
// these when identify requested compression.
func Inflate(data []byte) ([]byte, error) {
	r, err := zlib.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("frame: inflate: %w", err)
	}
	defer r.Close()

	out, err := io.ReadAll(io.LimitReader(r, MaxInflatedSize+1))
	if err != nil {
		return nil, fmt.Errorf("frame: inflate: %w", err)
	}
	if len(out) > MaxInflatedSize {
		return nil, fmt.Errorf("frame: inflated frame exceeds %d bytes", MaxInflatedSize)
	}
	return out, nil
}
