package fetcher

import (
	"crypto/sha256"
	"encoding/hex"
	"hash"
	"io"

	"github.com/ctf01d/ctf01d-training-platform/internal/common"
)

// BoundedReader wraps any byte source and tracks the cumulative count and
// SHA-256 digest in one streaming pass. It yields a FetchError the moment the
// ceiling is crossed, so an oversize payload is never buffered whole.
type BoundedReader struct {
	r    io.Reader
	max  int64
	n    int64
	hash hash.Hash
}

func NewBoundedReader(r io.Reader, max int64) *BoundedReader {
	return &BoundedReader{
		r:    r,
		max:  max,
		hash: sha256.New(),
	}
}

func (b *BoundedReader) Read(p []byte) (int, error) {
	n, err := b.r.Read(p)
	if n > 0 {
		b.n += int64(n)
		b.hash.Write(p[:n])
		if b.max > 0 && b.n > b.max {
			return n, common.Fetchf("archive too large: more than %d bytes", b.max)
		}
	}

	return n, err
}

// BytesRead returns the cumulative byte count so far.
func (b *BoundedReader) BytesRead() int64 {
	return b.n
}

// SumHex returns the hex SHA-256 of everything read so far.
func (b *BoundedReader) SumHex() string {
	return hex.EncodeToString(b.hash.Sum(nil))
}
