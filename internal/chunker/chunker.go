// Package chunker computes capacity-driven chunk plans and the SHA-256
// checksums used throughout the system.
package chunker

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
)

const (
	// MaxFileSize is the upload ceiling (10 GiB).
	MaxFileSize = 10 << 30
	// DefaultMaxChunkSize is ceil(MaxFileSize / 6): a maximum-size file
	// splits into exactly six chunks, the last one slightly short.
	DefaultMaxChunkSize = (MaxFileSize + 5) / 6
)

var (
	// ErrInvalidFileSize is returned for zero or negative sizes.
	ErrInvalidFileSize = errors.New("invalid file size")
	// ErrFileTooLarge is returned when the size exceeds MaxFileSize.
	ErrFileTooLarge = errors.New("file size exceeds maximum allowed size")
	// ErrChecksumMismatch is returned when checksum verification fails.
	ErrChecksumMismatch = errors.New("checksum mismatch")
)

// Span is one planned chunk: its position in the file and its extent.
type Span struct {
	Number int
	Offset int64
	Size   int64
}

// Plan splits a file of totalSize bytes into ceil(totalSize/maxChunkSize)
// contiguous spans. Boundaries are capacity-driven: every span except
// possibly the last is exactly maxChunkSize bytes.
func Plan(totalSize, maxChunkSize int64) ([]Span, error) {
	if totalSize <= 0 {
		return nil, ErrInvalidFileSize
	}
	if totalSize > MaxFileSize {
		return nil, ErrFileTooLarge
	}
	if maxChunkSize <= 0 {
		maxChunkSize = DefaultMaxChunkSize
	}

	count := int((totalSize + maxChunkSize - 1) / maxChunkSize)
	spans := make([]Span, 0, count)
	offset := int64(0)
	for i := 0; i < count; i++ {
		size := maxChunkSize
		if remaining := totalSize - offset; remaining < size {
			size = remaining
		}
		spans = append(spans, Span{Number: i, Offset: offset, Size: size})
		offset += size
	}
	return spans, nil
}

// Checksum returns the hex-encoded SHA-256 of data.
func Checksum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// ChecksumReader returns the hex-encoded SHA-256 of everything read from
// r along with the number of bytes hashed, so callers can check the
// stream covered the size they expected.
func ChecksumReader(r io.Reader) (string, int64, error) {
	h := sha256.New()
	n, err := io.Copy(h, r)
	if err != nil {
		return "", n, err
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}

// Verify checks data against an expected hex checksum.
func Verify(data []byte, expected string) error {
	if Checksum(data) != expected {
		return ErrChecksumMismatch
	}
	return nil
}
