package localstore

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/klauspost/compress/zstd"
)

var (
	// MagicBytes is the 4-byte prefix for framed blob files.
	MagicBytes = []byte("APB1")

	// ErrInvalidMagic is returned when a file doesn't start with the expected magic bytes.
	ErrInvalidMagic = errors.New("invalid magic bytes: expected APB1")

	// ErrHeaderTooLarge is returned when the header exceeds MaxHeaderSize.
	ErrHeaderTooLarge = errors.New("header exceeds maximum size")
)

// MaxHeaderSize is the maximum allowed size for the JSON header (64 KiB).
const MaxHeaderSize = 64 * 1024

// EncodingZstd marks a frame body compressed with zstd.
const EncodingZstd = "zstd"

// FrameHeader contains metadata for a stored rendition blob.
type FrameHeader struct {
	ContentType   string `json:"content_type"`
	ContentLength int64  `json:"content_length"` // uncompressed body length
	Encoding      string `json:"encoding,omitempty"`
	CachedAt      string `json:"cached_at,omitempty"`
}

// WriteFramed writes a framed blob to the writer.
// Format: MAGIC (4 bytes) | HDRLEN (uint32 big-endian) | HDRBYTES (JSON) | BODYBYTES
// The body is zstd-compressed when header.Encoding is EncodingZstd.
func WriteFramed(w io.Writer, header *FrameHeader, body []byte) error {
	header.ContentLength = int64(len(body))

	headerBytes, err := json.Marshal(header)
	if err != nil {
		return fmt.Errorf("marshaling header: %w", err)
	}

	headerLen := len(headerBytes)
	if headerLen > MaxHeaderSize {
		return ErrHeaderTooLarge
	}

	if _, err := w.Write(MagicBytes); err != nil {
		return fmt.Errorf("writing magic bytes: %w", err)
	}

	if err := binary.Write(w, binary.BigEndian, uint32(headerLen)); err != nil { //nolint:gosec // headerLen is bounds-checked above
		return fmt.Errorf("writing header length: %w", err)
	}

	if _, err := w.Write(headerBytes); err != nil {
		return fmt.Errorf("writing header: %w", err)
	}

	if header.Encoding == EncodingZstd {
		zw, err := zstd.NewWriter(w)
		if err != nil {
			return fmt.Errorf("creating zstd writer: %w", err)
		}
		if _, err := zw.Write(body); err != nil {
			_ = zw.Close()
			return fmt.Errorf("compressing body: %w", err)
		}
		if err := zw.Close(); err != nil {
			return fmt.Errorf("flushing zstd writer: %w", err)
		}
		return nil
	}

	if _, err := w.Write(body); err != nil {
		return fmt.Errorf("writing body: %w", err)
	}

	return nil
}

// ReadFramed reads a framed blob from the reader, decompressing the body
// if needed. Returns the parsed header and the uncompressed body bytes.
func ReadFramed(r io.Reader) (*FrameHeader, []byte, error) {
	magic := make([]byte, 4)
	if _, err := io.ReadFull(r, magic); err != nil {
		return nil, nil, fmt.Errorf("reading magic bytes: %w", err)
	}
	if !bytes.Equal(magic, MagicBytes) {
		return nil, nil, ErrInvalidMagic
	}

	var headerLen uint32
	if err := binary.Read(r, binary.BigEndian, &headerLen); err != nil {
		return nil, nil, fmt.Errorf("reading header length: %w", err)
	}

	if headerLen > MaxHeaderSize {
		return nil, nil, ErrHeaderTooLarge
	}

	headerBytes := make([]byte, headerLen)
	if _, err := io.ReadFull(r, headerBytes); err != nil {
		return nil, nil, fmt.Errorf("reading header: %w", err)
	}

	var header FrameHeader
	if err := json.Unmarshal(headerBytes, &header); err != nil {
		return nil, nil, fmt.Errorf("parsing header: %w", err)
	}

	var body []byte
	if header.Encoding == EncodingZstd {
		zr, err := zstd.NewReader(r)
		if err != nil {
			return nil, nil, fmt.Errorf("creating zstd reader: %w", err)
		}
		defer zr.Close()
		body, err = io.ReadAll(zr)
		if err != nil {
			return nil, nil, fmt.Errorf("decompressing body: %w", err)
		}
	} else {
		var err error
		body, err = io.ReadAll(r)
		if err != nil {
			return nil, nil, fmt.Errorf("reading body: %w", err)
		}
	}

	if header.ContentLength > 0 && int64(len(body)) != header.ContentLength {
		return nil, nil, fmt.Errorf("body length mismatch: header says %d, got %d", header.ContentLength, len(body))
	}

	return &header, body, nil
}

// CompressibleContentType reports whether a content type is worth
// zstd-compressing. Most photo formats are already compressed; squeezing
// them again wastes CPU for no space win.
func CompressibleContentType(ct string) bool {
	ct = strings.ToLower(ct)
	if i := strings.Index(ct, ";"); i >= 0 {
		ct = strings.TrimSpace(ct[:i])
	}

	switch ct {
	case "image/jpeg", "image/png", "image/gif", "image/webp", "image/avif", "image/heic", "image/heif":
		return false
	case "application/zip", "application/gzip", "application/zstd", "video/mp4":
		return false
	}
	return true
}
