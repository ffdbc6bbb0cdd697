package boltdb

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"
	"github.com/zeebo/blake3"

	narinfocache "github.com/wolfeidau/narinfo-cache"
)

const (
	// compressionThreshold is the minimum payload size before compression is
	// considered. Most narinfo records are far below it; the ones with long
	// reference lists are not.
	compressionThreshold = 1024

	// maxDecompressedSize caps decompression to guard against corrupt frames.
	maxDecompressedSize = 4 * 1024 * 1024

	envelopeVersion = 1

	flagPresent = 1 << 0
	flagZstd    = 1 << 1

	// Layout: [version][flags][8-byte timestamp][32-byte blake3 digest][payload]
	headerLen = 1 + 1 + 8 + blake3DigestLen

	blake3DigestLen = 32
)

// envelope is the stored form of a cache descriptor or an entry. timestamp
// is epoch seconds; present is only meaningful for entries.
type envelope struct {
	present   bool
	timestamp int64
	payload   []byte
}

// envelopeHeader is the part of an envelope that can be read without
// decompressing or verifying the payload.
type envelopeHeader struct {
	present   bool
	timestamp int64
}

// codec encodes and decodes envelopes. The zstd encoder and decoder are
// goroutine-safe and reused for every call.
type codec struct {
	encoder *zstd.Encoder
	decoder *zstd.Decoder
	mu      sync.RWMutex
}

func newCodec() (*codec, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("creating zstd encoder: %w", err)
	}

	dec, err := zstd.NewReader(nil, zstd.WithDecoderMaxMemory(maxDecompressedSize))
	if err != nil {
		enc.Close()
		return nil, fmt.Errorf("creating zstd decoder: %w", err)
	}

	return &codec{encoder: enc, decoder: dec}, nil
}

func (c *codec) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.encoder != nil {
		c.encoder.Close()
		c.encoder = nil
	}
	if c.decoder != nil {
		c.decoder.Close()
		c.decoder = nil
	}
}

// encode compresses the payload when that makes it smaller. The digest
// covers the header fields and the uncompressed payload.
func (c *codec) encode(e envelope) []byte {
	var flags byte
	if e.present {
		flags |= flagPresent
	}

	payload := e.payload
	if len(payload) >= compressionThreshold {
		c.mu.RLock()
		enc := c.encoder
		c.mu.RUnlock()
		if enc != nil {
			if compressed := enc.EncodeAll(payload, nil); len(compressed) < len(payload) {
				payload = compressed
				flags |= flagZstd
			}
		}
	}

	buf := make([]byte, headerLen, headerLen+len(payload))
	buf[0] = envelopeVersion
	buf[1] = flags
	binary.BigEndian.PutUint64(buf[2:10], uint64(e.timestamp)) //nolint:gosec // round-trips through decode
	digest := digestOf(buf[:10], e.payload)
	copy(buf[10:headerLen], digest[:])
	return append(buf, payload...)
}

// decode verifies and unpacks an envelope. Any structural problem is
// reported as ErrCorruptSchema.
func (c *codec) decode(b []byte) (envelope, error) {
	h, err := readHeader(b)
	if err != nil {
		return envelope{}, err
	}

	payload := b[headerLen:]
	if b[1]&flagZstd != 0 {
		c.mu.RLock()
		dec := c.decoder
		c.mu.RUnlock()
		if dec == nil {
			return envelope{}, narinfocache.ErrClosed
		}
		payload, err = dec.DecodeAll(payload, nil)
		if err != nil {
			return envelope{}, narinfocache.Corrupt("decompressing record: %v", err)
		}
		if len(payload) > maxDecompressedSize {
			return envelope{}, narinfocache.Corrupt("record exceeds %d bytes", maxDecompressedSize)
		}
	} else {
		payload = bytes.Clone(payload)
	}

	digest := digestOf(b[:10], payload)
	if !bytes.Equal(digest[:], b[10:headerLen]) {
		return envelope{}, narinfocache.Corrupt("record digest mismatch")
	}

	return envelope{present: h.present, timestamp: h.timestamp, payload: payload}, nil
}

// readHeader parses the fixed header without touching the payload.
func readHeader(b []byte) (envelopeHeader, error) {
	if len(b) < headerLen {
		return envelopeHeader{}, narinfocache.Corrupt("record of %d bytes is shorter than its header", len(b))
	}
	if b[0] != envelopeVersion {
		return envelopeHeader{}, narinfocache.Corrupt("unknown record version %d", b[0])
	}
	if b[1]&^(flagPresent|flagZstd) != 0 {
		return envelopeHeader{}, narinfocache.Corrupt("unknown record flags %#x", b[1])
	}
	return envelopeHeader{
		present:   b[1]&flagPresent != 0,
		timestamp: int64(binary.BigEndian.Uint64(b[2:10])), //nolint:gosec // see encode
	}, nil
}

func digestOf(header, payload []byte) [blake3DigestLen]byte {
	h := blake3.New()
	_, _ = h.Write(header)
	_, _ = h.Write(payload)
	var out [blake3DigestLen]byte
	copy(out[:], h.Sum(nil))
	return out
}
