// Copyright 2026 The Gleaner Authors
// SPDX-License-Identifier: Apache-2.0

package archive

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
	"golang.org/x/crypto/chacha20poly1305"
)

// CompressionTag identifies the codec applied to an archive payload
// before sealing. The tag is stored inside the sealed envelope (1
// byte). These values are format constants; changing them breaks
// compatibility with archives already on disk.
type CompressionTag uint8

const (
	// CompressionNone stores the payload raw. Used when the codecs
	// cannot shrink it.
	CompressionNone CompressionTag = 0

	// CompressionLZ4 is LZ4 block compression: fast, modest ratio.
	CompressionLZ4 CompressionTag = 1

	// CompressionZstd is zstd at the default level. Snapshot payloads
	// are repetitive CBOR, which zstd handles well.
	CompressionZstd CompressionTag = 2
)

// String returns the human-readable name of a compression tag.
func (tag CompressionTag) String() string {
	switch tag {
	case CompressionNone:
		return "none"
	case CompressionLZ4:
		return "lz4"
	case CompressionZstd:
		return "zstd"
	default:
		return fmt.Sprintf("unknown(%d)", tag)
	}
}

// ParseCompression maps a configuration string to a compression tag.
// "auto" (and the empty string) request per-payload probing, reported
// through the auto return.
func ParseCompression(name string) (tag CompressionTag, auto bool, err error) {
	switch name {
	case "", "auto":
		return CompressionZstd, true, nil
	case "none":
		return CompressionNone, false, nil
	case "lz4":
		return CompressionLZ4, false, nil
	case "zstd":
		return CompressionZstd, false, nil
	default:
		return 0, false, fmt.Errorf("archive: unknown compression %q", name)
	}
}

// errIncompressible reports that the compressed output would not be
// smaller than the input. The caller falls back to CompressionNone.
var errIncompressible = errors.New("archive: payload is incompressible")

// zstdEncoder and zstdDecoder are reused across calls to avoid
// repeated initialization overhead. Both are safe for concurrent use.
var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil,
		zstd.WithEncoderLevel(zstd.SpeedDefault),
	)
	if err != nil {
		panic("archive: zstd encoder initialization failed: " + err.Error())
	}

	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("archive: zstd decoder initialization failed: " + err.Error())
	}
}

// compress applies the tagged codec to data. For CompressionNone the
// input is returned unchanged.
func compress(data []byte, tag CompressionTag) ([]byte, error) {
	switch tag {
	case CompressionNone:
		return data, nil

	case CompressionLZ4:
		bound := lz4.CompressBlockBound(len(data))
		destination := make([]byte, bound)
		written, err := lz4.CompressBlock(data, destination, nil)
		if err != nil {
			return nil, fmt.Errorf("lz4 compress: %w", err)
		}
		// CompressBlock returns 0 when it judges the data
		// incompressible; output at or above the input size is not
		// worth storing either.
		if written == 0 || written >= len(data) {
			return nil, errIncompressible
		}
		return destination[:written], nil

	case CompressionZstd:
		compressed := zstdEncoder.EncodeAll(data, nil)
		if len(compressed) >= len(data) {
			return nil, errIncompressible
		}
		return compressed, nil

	default:
		return nil, fmt.Errorf("unsupported compression tag: %d", tag)
	}
}

// decompress reverses compress. The uncompressedSize must match the
// original payload length exactly; a mismatch is an error.
func decompress(compressed []byte, tag CompressionTag, uncompressedSize int) ([]byte, error) {
	switch tag {
	case CompressionNone:
		if len(compressed) != uncompressedSize {
			return nil, fmt.Errorf("raw payload: size %d does not match expected %d",
				len(compressed), uncompressedSize)
		}
		return compressed, nil

	case CompressionLZ4:
		destination := make([]byte, uncompressedSize)
		read, err := lz4.UncompressBlock(compressed, destination)
		if err != nil {
			return nil, fmt.Errorf("lz4 decompress: %w", err)
		}
		if read != uncompressedSize {
			return nil, fmt.Errorf("lz4 decompress: got %d bytes, expected %d", read, uncompressedSize)
		}
		return destination, nil

	case CompressionZstd:
		result, err := zstdDecoder.DecodeAll(compressed, make([]byte, 0, uncompressedSize))
		if err != nil {
			return nil, fmt.Errorf("zstd decompress: %w", err)
		}
		if len(result) != uncompressedSize {
			return nil, fmt.Errorf("zstd decompress: got %d bytes, expected %d", len(result), uncompressedSize)
		}
		return result, nil

	default:
		return nil, fmt.Errorf("unsupported compression tag: %d", tag)
	}
}

// SelectCompression probes a payload to pick the codec worth its CPU
// cost: zstd when the ratio clears 1.5x, lz4 between 1.1x and 1.5x,
// raw storage below that.
func SelectCompression(data []byte) CompressionTag {
	if len(data) == 0 {
		return CompressionNone
	}

	compressed := zstdEncoder.EncodeAll(data, nil)
	ratio := float64(len(data)) / float64(len(compressed))

	switch {
	case ratio >= 1.5:
		return CompressionZstd
	case ratio >= 1.1:
		return CompressionLZ4
	default:
		return CompressionNone
	}
}

// compressAuto compresses data with the preferred tag, falling back
// to raw storage when the codec cannot shrink it. Returns the bytes
// to store and the tag that actually applied.
func compressAuto(data []byte, tag CompressionTag) ([]byte, CompressionTag, error) {
	if tag == CompressionNone {
		return data, CompressionNone, nil
	}
	compressed, err := compress(data, tag)
	if errors.Is(err, errIncompressible) {
		return data, CompressionNone, nil
	}
	if err != nil {
		return nil, 0, err
	}
	return compressed, tag, nil
}

// sealVersion is the sealed blob format version byte.
const sealVersion byte = 0x01

// sealOverhead is the fixed byte cost of sealing: one version byte,
// the XChaCha20 nonce, and the Poly1305 tag.
const sealOverhead = 1 + chacha20poly1305.NonceSizeX + chacha20poly1305.Overhead

// buildAAD binds a sealed blob to the format version and the archive
// file name. A blob copied into a differently named file fails to
// open even under the right key.
func buildAAD(version byte, name string) []byte {
	aad := make([]byte, 0, 1+len(name))
	aad = append(aad, version)
	return append(aad, name...)
}

// seal encrypts plaintext under the key set's sealing key, bound to
// the archive file name. Output layout:
//
//	[version (1 byte)][nonce (24 bytes)][ciphertext + tag]
func (k *KeySet) seal(name string, plaintext []byte) ([]byte, error) {
	key, err := k.sealingKey()
	if err != nil {
		return nil, err
	}
	defer key.Close()

	aead, _ := chacha20poly1305.NewX(key.Bytes())

	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("archive: generating nonce: %w", err)
	}

	sealed := make([]byte, 0, len(plaintext)+sealOverhead)
	sealed = append(sealed, sealVersion)
	sealed = append(sealed, nonce...)
	return aead.Seal(sealed, nonce, plaintext, buildAAD(sealVersion, name)), nil
}

// open decrypts a sealed blob bound to the given archive file name.
func (k *KeySet) open(name string, sealed []byte) ([]byte, error) {
	if len(sealed) < sealOverhead {
		return nil, fmt.Errorf("sealed blob too short: %d bytes", len(sealed))
	}
	version := sealed[0]
	if version != sealVersion {
		return nil, fmt.Errorf("unsupported seal version %d", version)
	}

	key, err := k.sealingKey()
	if err != nil {
		return nil, err
	}
	defer key.Close()

	aead, _ := chacha20poly1305.NewX(key.Bytes())

	nonce := sealed[1 : 1+chacha20poly1305.NonceSizeX]
	ciphertext := sealed[1+chacha20poly1305.NonceSizeX:]
	plaintext, err := aead.Open(nil, nonce, ciphertext, buildAAD(version, name))
	if err != nil {
		return nil, errors.New("archive decryption failed (wrong key, tampered data, or renamed file)")
	}
	return plaintext, nil
}
